package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rzbill/openstream/internal/aggregator"
	"github.com/rzbill/openstream/internal/backpressure"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/event"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/partition"
	"github.com/rzbill/openstream/internal/state"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/internal/topic"
	"github.com/rzbill/openstream/pkg/id"
)

type fixture struct {
	gw      *Gateway
	logs    *eventlog.Registry
	topics  *topic.Registry
	metrics *metrics.Registry
}

func newFixture(t *testing.T, bp backpressure.Config) fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	topics := topic.NewRegistry(db, topic.Options{DefaultPartitions: 4})
	logs := eventlog.NewRegistry(db, eventlog.Options{})
	agg := aggregator.New(logs, topics, state.NewMemory(), nil)
	cfg := metrics.DefaultConfig()
	cfg.IncludeGoCollector, cfg.IncludeProcessCollector = false, false
	reg := metrics.NewRegistry(cfg, nil)
	gw := NewGateway(topics, logs, backpressure.FromConfig(bp, agg), Options{Metrics: reg.Ingest})
	return fixture{gw: gw, logs: logs, topics: topics, metrics: reg}
}

// keyFor finds a partition key that lands on partition p of n.
func keyFor(t *testing.T, p, n int) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("k-%d", i)
		if partition.Assign(k, n) == p {
			return k
		}
	}
	t.Fatalf("no key for partition %d", p)
	return ""
}

func TestIngestKeepsSubmissionOrderPerKey(t *testing.T) {
	f := newFixture(t, backpressure.Config{})
	events := make([]EventIn, 5)
	for i := range events {
		events[i] = EventIn{EventType: "order.created", PartitionKey: "alice", Payload: json.RawMessage(fmt.Sprintf(`{ "n": %d }`, i))}
	}
	resp, err := f.gw.Ingest(context.Background(), Request{Topic: "orders", Events: events})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Accepted != 5 || resp.Rejected != 0 || resp.Partitions != 4 {
		t.Fatalf("unexpected response %+v", resp)
	}
	p := partition.Assign("alice", 4)
	var prev id.ID
	for i, r := range resp.Results {
		if r.Status != StatusOK || r.Partition != p {
			t.Fatalf("result %d: %+v", i, r)
		}
		cur := id.MustParse(r.ID)
		if !prev.Less(cur) {
			t.Fatalf("ids not increasing at %d", i)
		}
		prev = cur
	}

	l, _ := f.logs.Log("orders", p)
	items, err := l.Read(eventlog.ReadOptions{})
	if err != nil || len(items) != 5 {
		t.Fatalf("read: %d %v", len(items), err)
	}
	ev, err := event.Decode(items[3].Header, items[3].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventType != "order.created" || ev.PartitionKey != "alice" || string(ev.Payload) != `{"n":3}` || ev.IngestedAtMs == 0 {
		t.Fatalf("stored event %+v payload=%s", ev.Header, ev.Payload)
	}
	if got := testutil.ToFloat64(f.metrics.Ingest.Events.WithLabelValues("orders", fmt.Sprint(p))); got != 5 {
		t.Fatalf("events metric=%v", got)
	}
}

func TestIngestRejectsOnlyFullPartition(t *testing.T) {
	f := newFixture(t, backpressure.Config{MaxStreamLen: 100})
	ctx := context.Background()
	if _, err := f.topics.Create("orders", 2); err != nil {
		t.Fatalf("create: %v", err)
	}
	full, free := keyFor(t, 0, 2), keyFor(t, 1, 2)

	fill := make([]EventIn, 100)
	for i := range fill {
		fill[i] = EventIn{EventType: "e", PartitionKey: full}
	}
	if resp, err := f.gw.Ingest(ctx, Request{Topic: "orders", Events: fill}); err != nil || resp.Accepted != 100 {
		t.Fatalf("fill: %+v %v", resp, err)
	}

	resp, err := f.gw.Ingest(ctx, Request{Topic: "orders", Events: []EventIn{
		{EventType: "e", PartitionKey: full},
		{EventType: "e", PartitionKey: free},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Results[0].Status != StatusRejected || resp.Results[0].RetryAfterMs != 1000 {
		t.Fatalf("101st entry not rejected: %+v", resp.Results[0])
	}
	if resp.Results[1].Status != StatusOK || resp.Results[1].ID == "" {
		t.Fatalf("under-threshold partition not admitted: %+v", resp.Results[1])
	}
	if err := resp.Err(); !errs.Is(err, errs.KindAdmissionRejected) {
		t.Fatalf("expected rejection error, got %v", err)
	}
	l, _ := f.logs.Log("orders", 0)
	if l.Len() != 100 {
		t.Fatalf("rejected event was appended: len=%d", l.Len())
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, backpressure.Config{})
	big := `{"x":"` + strings.Repeat("a", 1<<20) + `"}`
	cases := []struct {
		name string
		req  Request
	}{
		{"bad topic", Request{Topic: "a/b", Events: []EventIn{{EventType: "e"}}}},
		{"empty batch", Request{Topic: "t"}},
		{"missing type", Request{Topic: "t", Events: []EventIn{{}}}},
		{"long key", Request{Topic: "t", Events: []EventIn{{EventType: "e", PartitionKey: strings.Repeat("k", 201)}}}},
		{"array payload", Request{Topic: "t", Events: []EventIn{{EventType: "e", Payload: json.RawMessage(`[1]`)}}}},
		{"broken payload", Request{Topic: "t", Events: []EventIn{{EventType: "e", Payload: json.RawMessage(`{"a":`)}}}},
		{"large payload", Request{Topic: "t", Events: []EventIn{{EventType: "e", Payload: json.RawMessage(big)}}}},
		{"hint too big", Request{Topic: "t", Partitions: 5000, Events: []EventIn{{EventType: "e"}}}},
	}
	for _, tc := range cases {
		_, err := f.gw.Ingest(context.Background(), tc.req)
		if !errs.Is(err, errs.KindInvalid) {
			t.Fatalf("%s: expected invalid, got %v", tc.name, err)
		}
	}
	if _, err := f.topics.Get("t"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("invalid batch must not create the topic")
	}
}

func TestIngestHintConflict(t *testing.T) {
	f := newFixture(t, backpressure.Config{})
	ctx := context.Background()
	if _, err := f.gw.Ingest(ctx, Request{Topic: "t", Partitions: 3, Events: []EventIn{{EventType: "e"}}}); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := f.gw.Ingest(ctx, Request{Topic: "t", Partitions: 6, Events: []EventIn{{EventType: "e"}}})
	if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	resp, err := f.gw.Ingest(ctx, Request{Topic: "t", Events: []EventIn{{EventType: "e"}}})
	if err != nil || resp.Partitions != 3 {
		t.Fatalf("stored count not used: %+v %v", resp, err)
	}
}
