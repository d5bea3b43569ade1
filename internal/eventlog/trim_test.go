package eventlog

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/pkg/id"
)

type captureArchiver struct {
	topic    string
	p        uint32
	min, max id.ID
	count    int
	calls    int
}

func (c *captureArchiver) EmitTrimRange(topic string, p uint32, minID, maxID id.ID, count int) {
	if c.calls == 0 {
		c.min = minID
	}
	c.topic, c.p, c.max = topic, p, maxID
	c.count += count
	c.calls++
}

func newArchivedLog(t *testing.T, arch ArchiverHook) *Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := OpenLog(db, "t", 1, Options{Archiver: arch})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func appendN(t *testing.T, l *Log, n int) []Appended {
	t.Helper()
	recs := make([]AppendRecord, n)
	for i := range recs {
		recs[i] = AppendRecord{Payload: []byte{byte(i)}}
	}
	pos, err := l.Append(context.Background(), recs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return pos
}

func TestTrimToMaxLen(t *testing.T) {
	arch := &captureArchiver{}
	l := newArchivedLog(t, arch)
	pos := appendN(t, l, 10)

	res, err := l.Trim(context.Background(), TrimOptions{MaxLen: 4, BatchLimit: 3})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if res.Deleted != 6 || res.LastID != pos[5].ID {
		t.Fatalf("unexpected result %+v", res)
	}
	if l.Len() != 4 || l.Added() != 10 {
		t.Fatalf("len=%d added=%d", l.Len(), l.Added())
	}
	if l.TrimmedThrough() != pos[5].ID {
		t.Fatalf("trimmed-through=%s", l.TrimmedThrough())
	}
	first, ok, err := l.FirstID()
	if err != nil || !ok || first != pos[6].ID {
		t.Fatalf("first=%s ok=%v err=%v", first, ok, err)
	}
	if arch.calls != 2 || arch.count != 6 || arch.min != pos[0].ID || arch.max != pos[5].ID {
		t.Fatalf("archiver saw %+v", arch)
	}
}

func TestTrimRespectsCeiling(t *testing.T) {
	l := newArchivedLog(t, nil)
	pos := appendN(t, l, 10)

	res, err := l.Trim(context.Background(), TrimOptions{MaxLen: 1, Ceiling: pos[2].ID})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if res.Deleted != 3 || l.Len() != 7 {
		t.Fatalf("ceiling ignored: %+v len=%d", res, l.Len())
	}
}

func TestTrimOlderThanUsesIDTimestamp(t *testing.T) {
	now := int64(5_000)
	id.NowMs = func() int64 { return now }
	t.Cleanup(func() { id.NowMs = func() int64 { return timeNowMs() } })

	l := newArchivedLog(t, nil)
	appendN(t, l, 2)
	now = 9_000
	keep := appendN(t, l, 1)

	res, err := l.Trim(context.Background(), TrimOptions{OlderThanMs: 8_000})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", res.Deleted)
	}
	items, _ := l.Read(ReadOptions{})
	if len(items) != 1 || items[0].ID != keep[0].ID {
		t.Fatalf("unexpected survivors %+v", items)
	}
}

func TestTrimNoLimitsIsNoop(t *testing.T) {
	l := newArchivedLog(t, nil)
	appendN(t, l, 3)
	res, err := l.Trim(context.Background(), TrimOptions{})
	if err != nil || res.Deleted != 0 || l.Len() != 3 {
		t.Fatalf("expected no-op: %+v %v", res, err)
	}
}
