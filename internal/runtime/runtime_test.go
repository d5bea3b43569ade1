package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/openstream/internal/config"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/groups"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/replay"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
)

func testConfig(t *testing.T) cfgpkg.Config {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Topics.DefaultPartitions = 2
	cfg.Metrics.IncludeGoCollector = false
	cfg.Metrics.IncludeProcessCollector = false
	cfg.Persister.RescanInterval = 50 * time.Millisecond
	cfg.Persister.IdleWait = 20 * time.Millisecond
	cfg.Retention.Enabled = false
	return cfg
}

func openRuntime(t *testing.T, cfg cfgpkg.Config) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), Options{Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestOpenCloseHealth(t *testing.T) {
	rt := openRuntime(t, testConfig(t))
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Durable() == nil {
		t.Fatalf("sqlite durable store should be open by default")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("health after close should fail")
	}
}

func TestIngestThenGroupRead(t *testing.T) {
	rt := openRuntime(t, testConfig(t))
	ctx := context.Background()
	resp, err := rt.Gateway().Ingest(ctx, ingest.Request{
		Topic: "orders",
		Events: []ingest.EventIn{
			{EventType: "order.created", PartitionKey: "c1", Payload: json.RawMessage(`{"n":1}`)},
			{EventType: "order.created", PartitionKey: "c1", Payload: json.RawMessage(`{"n":2}`)},
		},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Accepted != 2 || resp.Partitions != 2 {
		t.Fatalf("resp=%+v", resp)
	}
	if _, err := rt.Groups().Create(ctx, groups.CreateRequest{Topic: "orders", Group: "billing", StartID: "0-0"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	got, err := rt.Groups().Read(ctx, groups.ReadRequest{Topic: "orders", Group: "billing", Consumer: "w1", Count: 10})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].ID != resp.Results[0].ID {
		t.Fatalf("deliveries=%+v", got)
	}
	sum, err := rt.Aggregator().Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Topics) != 1 || sum.Topics[0].Topic != "orders" {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestStartPersistsToDurable(t *testing.T) {
	rt := openRuntime(t, testConfig(t))
	ctx := context.Background()
	if _, err := rt.Gateway().Ingest(ctx, ingest.Request{
		Topic:  "audit",
		Events: []ingest.EventIn{{EventType: "login", Payload: json.RawMessage(`{"u":"a"}`)}},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		page, err := rt.Replay().History(ctx, replay.HistoryRequest{Topic: "audit", Limit: 10})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Events) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event was not persisted in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWithoutDurableHistoryUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Durable.Driver = ""
	cfg.Persister.Enabled = false
	rt := openRuntime(t, cfg)
	if rt.Durable() != nil || rt.Persisters() != nil {
		t.Fatalf("durable services should be off")
	}
	_, err := rt.Replay().History(context.Background(), replay.HistoryRequest{Topic: "orders"})
	if !errs.Is(err, errs.KindUnavailable) {
		t.Fatalf("want unavailable, got %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestFsyncMode(t *testing.T) {
	cases := map[string]pebblestore.FsyncMode{
		"":         pebblestore.FsyncModeAlways,
		"always":   pebblestore.FsyncModeAlways,
		"interval": pebblestore.FsyncModeInterval,
		"never":    pebblestore.FsyncModeNever,
	}
	for in, want := range cases {
		got, err := FsyncMode(in)
		if err != nil || got != want {
			t.Fatalf("FsyncMode(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := FsyncMode("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}
