package state

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/pkg/id"
)

func openPebble(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s GroupStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("pebble", func(t *testing.T) {
		fn(t, NewPebble(openPebble(t)))
	})
}

func TestCursorRoundTripAndGroups(t *testing.T) {
	forEachStore(t, func(t *testing.T, s GroupStore) {
		ctx := context.Background()
		k := GroupKey{Topic: "orders", Partition: 2, Group: "billing"}
		if _, ok, err := s.GetCursor(ctx, k); err != nil || ok {
			t.Fatalf("expected no cursor: ok=%v err=%v", ok, err)
		}
		want := Cursor{ID: id.New(100, 3), Ordinal: 42}
		if err := s.SetCursor(ctx, k, want); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, ok, err := s.GetCursor(ctx, k)
		if err != nil || !ok || got != want {
			t.Fatalf("get: %+v ok=%v err=%v", got, ok, err)
		}
		_ = s.SetCursor(ctx, GroupKey{Topic: "orders", Partition: 2, Group: "audit"}, Cursor{})
		_ = s.SetCursor(ctx, GroupKey{Topic: "orders", Partition: 3, Group: "other"}, Cursor{})
		_ = s.PutPending(ctx, k, []PendingEntry{{ID: id.New(1, 1), Consumer: "c"}})
		groups, err := s.ListGroups(ctx, "orders", 2)
		if err != nil || len(groups) != 2 || groups[0] != "audit" || groups[1] != "billing" {
			t.Fatalf("groups: %v %v", groups, err)
		}
	})
}

func TestPendingLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s GroupStore) {
		ctx := context.Background()
		k := GroupKey{Topic: "t", Partition: 0, Group: "g"}
		entries := []PendingEntry{
			{ID: id.New(10, 0), Consumer: "a", DeliveredAtMs: 5, Deliveries: 1},
			{ID: id.New(10, 1), Consumer: "a", DeliveredAtMs: 5, Deliveries: 1},
			{ID: id.New(11, 0), Consumer: "b", DeliveredAtMs: 6, Deliveries: 2, Flagged: true},
		}
		if err := s.PutPending(ctx, k, entries); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := s.ScanPending(ctx, k, id.New(10, 1), 0)
		if err != nil || len(got) != 2 || got[0].ID != id.New(10, 1) || !got[1].Flagged {
			t.Fatalf("scan: %+v %v", got, err)
		}
		if n, _ := s.CountPending(ctx, k); n != 3 {
			t.Fatalf("count=%d", n)
		}

		n, err := s.RemovePending(ctx, k, []id.ID{id.New(10, 0), id.New(99, 0)})
		if err != nil || n != 1 {
			t.Fatalf("remove: n=%d err=%v", n, err)
		}
		// idempotent
		n, err = s.RemovePending(ctx, k, []id.ID{id.New(10, 0)})
		if err != nil || n != 0 {
			t.Fatalf("second remove: n=%d err=%v", n, err)
		}
		if c, _ := s.CountPending(ctx, k); c != 2 {
			t.Fatalf("count after ack=%d", c)
		}

		want := Cursor{ID: id.New(10, 1), Ordinal: 2}
		if err := s.ResetGroup(ctx, k, want); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if c, _ := s.CountPending(ctx, k); c != 0 {
			t.Fatalf("count after reset=%d", c)
		}
		if got, ok, err := s.GetCursor(ctx, k); err != nil || !ok || got != want {
			t.Fatalf("cursor after reset: %+v ok=%v err=%v", got, ok, err)
		}
		other := GroupKey{Topic: "t", Partition: 0, Group: "g2"}
		_ = s.PutPending(ctx, other, entries[:1])
		_ = s.ResetGroup(ctx, k, want)
		if c, _ := s.CountPending(ctx, other); c != 1 {
			t.Fatalf("reset leaked into sibling group: %d", c)
		}
	})
}

func TestConsumersTracked(t *testing.T) {
	forEachStore(t, func(t *testing.T, s GroupStore) {
		ctx := context.Background()
		k := GroupKey{Topic: "t", Partition: 0, Group: "g"}
		_ = s.TouchConsumer(ctx, k, "b", 10)
		_ = s.TouchConsumer(ctx, k, "a", 11)
		_ = s.TouchConsumer(ctx, k, "b", 12)
		cs, err := s.ListConsumers(ctx, k)
		if err != nil || len(cs) != 2 {
			t.Fatalf("consumers: %+v %v", cs, err)
		}
		if cs[0].Name != "a" || cs[1].Name != "b" || cs[1].LastSeenMs != 12 {
			t.Fatalf("unexpected consumers %+v", cs)
		}
	})
}

func TestPebbleCursorPersistsAcrossInstances(t *testing.T) {
	db := openPebble(t)
	ctx := context.Background()
	k := GroupKey{Topic: "orders", Partition: 1, Group: "billing"}
	want := Cursor{ID: id.New(1_700_000_000_000, 7), Ordinal: 9}
	if err := NewPebble(db).SetCursor(ctx, k, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := NewPebble(db).GetCursor(ctx, k)
	if err != nil || !ok || got != want {
		t.Fatalf("get: %+v ok=%v err=%v", got, ok, err)
	}

	if err := db.Set(cursorKey(k), []byte("short")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, ok, err := NewPebble(db).GetCursor(ctx, k); err == nil || ok {
		t.Fatalf("corrupt cursor: ok=%v err=%v", ok, err)
	}
}
