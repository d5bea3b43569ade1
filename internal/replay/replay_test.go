package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rzbill/openstream/internal/aggregator"
	"github.com/rzbill/openstream/internal/backpressure"
	"github.com/rzbill/openstream/internal/durable"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/groups"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/state"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/internal/topic"
	"github.com/rzbill/openstream/pkg/id"
)

type fixture struct {
	ctl    *Controller
	coord  *groups.Coordinator
	gw     *ingest.Gateway
	logs   *eventlog.Registry
	topics *topic.Registry
	sink   *durable.Store
}

func newFixture(t *testing.T, partitions int, bp backpressure.Config) fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sink, err := durable.Open(context.Background(), durable.Config{Driver: durable.DialectSQLite, DSN: filepath.Join(t.TempDir(), "d.db")}, nil)
	if err != nil {
		t.Fatalf("durable: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	topics := topic.NewRegistry(db, topic.Options{DefaultPartitions: partitions})
	logs := eventlog.NewRegistry(db, eventlog.Options{})
	store := state.NewMemory()
	agg := aggregator.New(logs, topics, store, nil)
	gw := ingest.NewGateway(topics, logs, backpressure.FromConfig(bp, agg), ingest.Options{})
	coord := groups.New(logs, topics, store, groups.Options{})
	ctl := New(Options{Groups: coord, Logs: logs, Topics: topics, History: sink, Ingest: gw})
	return fixture{ctl: ctl, coord: coord, gw: gw, logs: logs, topics: topics, sink: sink}
}

func (f fixture) produce(t *testing.T, n int) []string {
	t.Helper()
	evs := make([]ingest.EventIn, n)
	for i := range evs {
		evs[i] = ingest.EventIn{EventType: "order.created", PartitionKey: fmt.Sprintf("k%d", i), Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
	}
	resp, err := f.gw.Ingest(context.Background(), ingest.Request{Topic: "orders", Events: evs})
	if err != nil || resp.Rejected > 0 {
		t.Fatalf("ingest: %v rejected=%d", err, resp.Rejected)
	}
	ids := make([]string, n)
	for i, r := range resp.Results {
		ids[i] = r.ID
	}
	return ids
}

func (f fixture) persist(t *testing.T, evs []durable.Event) {
	t.Helper()
	for _, ev := range evs {
		if _, err := f.sink.PersistBatch(context.Background(), durable.Batch{Topic: "orders", Partition: ev.Partition, Events: []durable.Event{ev}}); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}
}

func readAll(t *testing.T, c *groups.Coordinator, group string) []string {
	t.Helper()
	out, err := c.Read(context.Background(), groups.ReadRequest{Topic: "orders", Group: group, Consumer: "r", Count: 1000})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ids := make([]string, len(out))
	for i, d := range out {
		ids[i] = fmt.Sprintf("%d/%s", d.Partition, d.ID)
	}
	return ids
}

func TestReplayGroupResetsAndCreates(t *testing.T) {
	f := newFixture(t, 2, backpressure.Config{})
	f.produce(t, 6)
	ctx := context.Background()
	if _, err := f.coord.Create(ctx, groups.CreateRequest{Topic: "orders", Group: "g", StartID: "0-0", Partitions: []int{0}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := readAll(t, f.coord, "g")

	res, err := f.ctl.ReplayGroup(ctx, GroupRequest{Topic: "orders", Group: "g"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if fmt.Sprint(res.Reset) != "[0]" || fmt.Sprint(res.Created) != "[1]" {
		t.Fatalf("replay result %+v", res)
	}
	all := readAll(t, f.coord, "g")
	if len(all) != 6 {
		t.Fatalf("replayed %d entries", len(all))
	}
	seen := map[string]bool{}
	for _, v := range all {
		seen[v] = true
	}
	for _, v := range first {
		if !seen[v] {
			t.Fatalf("%s missing after replay", v)
		}
	}
}

func TestReplayGroupRefusesEvictedRange(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	f.produce(t, 5)
	l, _ := f.logs.Log("orders", 0)
	if _, err := l.Trim(context.Background(), eventlog.TrimOptions{MaxLen: 2}); err != nil {
		t.Fatalf("trim: %v", err)
	}
	_, err := f.ctl.ReplayGroup(context.Background(), GroupRequest{Topic: "orders", Group: "g", StartID: "0-0"})
	if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	res, err := f.ctl.ReplayGroup(context.Background(), GroupRequest{Topic: "orders", Group: "g", StartID: l.TrimmedThrough().String()})
	if err != nil {
		t.Fatalf("replay from trimmed boundary: %v", err)
	}
	if len(res.Created) != 1 {
		t.Fatalf("result %+v", res)
	}
	if got := readAll(t, f.coord, "g"); len(got) != 2 {
		t.Fatalf("read %d retained entries", len(got))
	}
}

func TestReplayGroupValidation(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	f.produce(t, 1)
	if _, err := f.ctl.ReplayGroup(context.Background(), GroupRequest{Topic: "orders", Group: "g", StartID: "$"}); !errs.Is(err, errs.KindInvalid) {
		t.Fatalf("tail start accepted: %v", err)
	}
	if _, err := f.ctl.ReplayGroup(context.Background(), GroupRequest{Topic: "nope", Group: "g"}); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("missing topic: %v", err)
	}
}

func sampleEvents(n int) []durable.Event {
	out := make([]durable.Event, n)
	for i := range out {
		typ := "a"
		if i%2 == 1 {
			typ = "b"
		}
		out[i] = durable.Event{
			Partition:   i % 2,
			ID:          id.New(uint64(1000+i), 0),
			EventType:   typ,
			Payload:     json.RawMessage(fmt.Sprintf(`{"amount":%d}`, i*10)),
			TimestampMs: int64(1000 + i),
		}
	}
	return out
}

func TestHistoryPages(t *testing.T) {
	f := newFixture(t, 2, backpressure.Config{})
	f.persist(t, sampleEvents(5))
	var (
		got   int
		after string
	)
	for i := 0; i < 5; i++ {
		page, err := f.ctl.History(context.Background(), HistoryRequest{Topic: "orders", After: after, Limit: 2})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		got += len(page.Events)
		if page.Next == "" {
			break
		}
		after = page.Next
	}
	if got != 5 {
		t.Fatalf("paged %d events", got)
	}
	if _, err := f.ctl.History(context.Background(), HistoryRequest{Topic: "orders", After: "garbage"}); !errs.Is(err, errs.KindInvalid) {
		t.Fatalf("bad token: %v", err)
	}
}

func TestRehydrateAppliesFilter(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	f.persist(t, sampleEvents(6))
	res, err := f.ctl.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders", Filter: `event_type == "a" && payload.amount >= 20`, PageSize: 2})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !res.Done || res.Scanned != 6 || res.Emitted != 2 || res.Target != "orders.replay" {
		t.Fatalf("result %+v", res)
	}
	l, err := f.logs.Log("orders.replay", 0)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("target holds %d entries", l.Len())
	}
}

func TestRehydrateStopsOnBackpressure(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{MaxStreamLen: 1})
	evs := sampleEvents(3)
	f.persist(t, evs)
	res, err := f.ctl.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders", PageSize: 1})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if res.Done || res.Emitted != 1 || res.RetryAfterMs <= 0 {
		t.Fatalf("result %+v", res)
	}
	want := durable.Position{ID: evs[0].ID, Partition: evs[0].Partition}.String()
	if res.ResumeAfter != want {
		t.Fatalf("resume %q want %q", res.ResumeAfter, want)
	}
}

func TestRehydrateRespectsMaxEvents(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	evs := sampleEvents(4)
	f.persist(t, evs)
	res, err := f.ctl.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders", Target: "audit", MaxEvents: 3})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if res.Emitted != 3 || res.Done {
		t.Fatalf("result %+v", res)
	}
	res, err = f.ctl.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders", Target: "audit", After: res.ResumeAfter})
	if err != nil || res.Emitted != 1 || !res.Done {
		t.Fatalf("resumed result %+v err=%v", res, err)
	}
}

func TestRehydrateValidation(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	cases := []RehydrateRequest{
		{Topic: "orders", Target: "orders"},
		{Topic: "orders", Filter: "event_type"},
		{Topic: "orders", Filter: "(("},
		{Topic: "orders", FromMs: 10, ToMs: 5},
		{Topic: strings.Repeat("t", 195)},
	}
	for i, req := range cases {
		if _, err := f.ctl.Rehydrate(context.Background(), req); !errs.Is(err, errs.KindInvalid) {
			t.Fatalf("case %d: expected invalid, got %v", i, err)
		}
	}
	noDurable := New(Options{Topics: f.topics, Logs: f.logs})
	if _, err := noDurable.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders"}); !errs.Is(err, errs.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestFilterMatch(t *testing.T) {
	f, err := CompileFilter(`partition == 1 && payload.amount > 5`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	evs := sampleEvents(3)
	match := func(ev durable.Event) bool {
		ok, err := f.Match(ev)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		return ok
	}
	if match(evs[0]) || !match(evs[1]) || match(evs[2]) {
		t.Fatalf("unexpected matches")
	}
	var all Filter
	if ok, err := all.Match(evs[0]); !ok || err != nil {
		t.Fatalf("zero filter must match: %v", err)
	}
	broken := evs[1]
	broken.Payload = json.RawMessage(`{"amount":`)
	if ok, err := f.Match(broken); ok || err == nil {
		t.Fatalf("malformed payload: ok=%v err=%v", ok, err)
	}
}

func TestRehydrateSkipsMalformedPayloads(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	evs := append(sampleEvents(4), durable.Event{ID: id.New(2000, 0), EventType: "a", Payload: json.RawMessage(`{broken`), TimestampMs: 2000})
	f.persist(t, evs)
	res, err := f.ctl.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders", Filter: `event_type == "a"`})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !res.Done || res.Scanned != 5 || res.Emitted != 2 || res.Malformed != 1 {
		t.Fatalf("result %+v", res)
	}
}

// batchLimit accepts batches up to max events and rejects larger ones the
// way the gateway does.
type batchLimit struct {
	max   int
	sizes []int
}

func (b *batchLimit) Ingest(_ context.Context, req ingest.Request) (ingest.Response, error) {
	b.sizes = append(b.sizes, len(req.Events))
	if len(req.Events) > b.max {
		return ingest.Response{}, errs.Invalidf("ingest", "batch of %d events exceeds %d", len(req.Events), b.max)
	}
	resp := ingest.Response{Topic: req.Topic, Accepted: len(req.Events), Results: make([]ingest.Result, len(req.Events))}
	for i := range resp.Results {
		resp.Results[i].Status = ingest.StatusOK
	}
	return resp, nil
}

func TestRehydratePageSizeCappedAtBatchLimit(t *testing.T) {
	f := newFixture(t, 1, backpressure.Config{})
	f.persist(t, sampleEvents(5))
	ing := &batchLimit{max: 2}
	ctl := New(Options{Groups: f.coord, Logs: f.logs, Topics: f.topics, History: f.sink, Ingest: ing, MaxBatch: 2})
	res, err := ctl.Rehydrate(context.Background(), RehydrateRequest{Topic: "orders", PageSize: 10_000})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !res.Done || res.Emitted != 5 {
		t.Fatalf("result %+v", res)
	}
	if fmt.Sprint(ing.sizes) != "[2 2 1]" {
		t.Fatalf("batch sizes %v", ing.sizes)
	}
}
