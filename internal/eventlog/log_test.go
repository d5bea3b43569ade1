package eventlog

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/pkg/id"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := OpenLog(db, "t", 1, Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	var all []Appended
	for i := 0; i < 5; i++ {
		pos, err := l.Append(ctx, []AppendRecord{{Header: []byte("h"), Payload: []byte("p1")}, {Payload: []byte("p2")}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		all = append(all, pos...)
	}
	for i := 1; i < len(all); i++ {
		if !all[i-1].ID.Less(all[i].ID) {
			t.Fatalf("ids not increasing at %d: %s !< %s", i, all[i-1].ID, all[i].ID)
		}
		if all[i].Ordinal != all[i-1].Ordinal+1 {
			t.Fatalf("ordinals not contiguous at %d", i)
		}
	}
	if l.Len() != 10 || l.Added() != 10 {
		t.Fatalf("len=%d added=%d", l.Len(), l.Added())
	}
	if l.LastID() != all[len(all)-1].ID {
		t.Fatalf("last id mismatch")
	}
}

func TestAppendEmptyIsNoop(t *testing.T) {
	l := newTestLog(t)
	pos, err := l.Append(context.Background(), nil)
	if err != nil || pos != nil {
		t.Fatalf("expected no-op, got %v %v", pos, err)
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	l, err := OpenLog(db, "t", 1, Options{})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ctx := context.Background()
	first, err := l.Append(ctx, []AppendRecord{{Payload: []byte("x")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// simulate a clock that went backwards across the restart
	id.NowMs = func() int64 { return 1 }
	t.Cleanup(func() { id.NowMs = func() int64 { return timeNowMs() } })

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	l2, err := OpenLog(db2, "t", 1, Options{})
	if err != nil {
		t.Fatalf("open log2: %v", err)
	}
	second, err := l2.Append(ctx, []AppendRecord{{Payload: []byte("y")}})
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if !first[0].ID.Less(second[0].ID) {
		t.Fatalf("expected next id > previous: prev=%s next=%s", first[0].ID, second[0].ID)
	}
	if second[0].Ordinal != 2 || l2.Len() != 2 {
		t.Fatalf("meta not restored: ordinal=%d len=%d", second[0].Ordinal, l2.Len())
	}
}

func TestAppendCancelledContextLeavesLogUntouched(t *testing.T) {
	l := newTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Append(ctx, []AppendRecord{{Payload: []byte("x")}}); err == nil {
		t.Fatalf("expected error")
	}
	if l.Len() != 0 || l.Added() != 0 {
		t.Fatalf("meta advanced on failed append")
	}
}

func TestRegistrySharesLogs(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	reg := NewRegistry(db, Options{})
	a, err := reg.Log("orders", 0)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	b, _ := reg.Log("orders", 0)
	c, _ := reg.Log("orders", 1)
	if a != b {
		t.Fatalf("expected the same instance")
	}
	if a == c {
		t.Fatalf("partitions must not share a log")
	}
	if _, err := reg.Log("orders", -1); err == nil {
		t.Fatalf("expected error for negative partition")
	}
}
