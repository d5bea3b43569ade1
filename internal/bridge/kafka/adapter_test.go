package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/ingest"
)

type fakeIngester struct {
	mu    sync.Mutex
	reqs  []ingest.Request
	reply func(req ingest.Request, call int) (ingest.Response, error)
}

func (f *fakeIngester) Ingest(_ context.Context, req ingest.Request) (ingest.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.reply != nil {
		return f.reply(req, len(f.reqs))
	}
	return okResponse(req), nil
}

func okResponse(req ingest.Request) ingest.Response {
	resp := ingest.Response{Topic: req.Topic, Results: make([]ingest.Result, len(req.Events))}
	for i := range req.Events {
		resp.Results[i] = ingest.Result{Status: ingest.StatusOK, ID: "1-0"}
	}
	resp.Accepted = len(req.Events)
	return resp
}

func testAdapter(cfg Config, ing *fakeIngester) (*Adapter, *[]*kgo.Record, *[]time.Duration) {
	cfg.withDefaults()
	a := newAdapter(cfg, ing, Options{})
	marked := &[]*kgo.Record{}
	slept := &[]time.Duration{}
	a.markCommit = func(rs ...*kgo.Record) { *marked = append(*marked, rs...) }
	a.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return a, marked, slept
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"events"}, GroupID: "g1"}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxPollRecords != 500 || cfg.DefaultEventType == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := (Config{Enabled: true, Topics: []string{"x"}, GroupID: "g"}).Validate(); err == nil {
		t.Fatalf("expected missing brokers error")
	}
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}

func TestRecordMapping(t *testing.T) {
	ing := &fakeIngester{}
	a, marked, _ := testAdapter(Config{DefaultEventType: "ext"}, ing)
	ts := time.UnixMilli(1700000000000)
	recs := []*kgo.Record{
		{Topic: "orders", Key: []byte("cust-1"), Value: []byte(`{"total":3}`), Timestamp: ts,
			Headers: []kgo.RecordHeader{{Key: "event_type", Value: []byte("order.created")}}},
		{Topic: "orders", Value: []byte("not json")},
	}
	if err := a.handleBatch(context.Background(), recs); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ing.reqs) != 1 || ing.reqs[0].Topic != "orders" {
		t.Fatalf("requests=%+v", ing.reqs)
	}
	evs := ing.reqs[0].Events
	if evs[0].EventType != "order.created" || evs[0].PartitionKey != "cust-1" || string(evs[0].Payload) != `{"total":3}` {
		t.Fatalf("first event=%+v", evs[0])
	}
	if evs[0].TimestampMs == nil || *evs[0].TimestampMs != ts.UnixMilli() {
		t.Fatalf("timestamp not carried")
	}
	if evs[1].EventType != "ext" || evs[1].PartitionKey != "" {
		t.Fatalf("second event=%+v", evs[1])
	}
	var wrapped map[string]string
	if err := json.Unmarshal(evs[1].Payload, &wrapped); err != nil || wrapped["value"] != "not json" {
		t.Fatalf("wrapped payload=%s err=%v", evs[1].Payload, err)
	}
	if len(*marked) != 2 {
		t.Fatalf("marked=%d want 2", len(*marked))
	}
}

func TestTopicMapping(t *testing.T) {
	ing := &fakeIngester{}
	a, _, _ := testAdapter(Config{TopicMap: map[string]string{"a": "mapped"}, TargetTopic: "fallback"}, ing)
	recs := []*kgo.Record{{Topic: "a", Value: []byte(`{}`)}, {Topic: "b", Value: []byte(`{}`)}}
	if err := a.handleBatch(context.Background(), recs); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ing.reqs) != 2 || ing.reqs[0].Topic != "mapped" || ing.reqs[1].Topic != "fallback" {
		t.Fatalf("requests=%+v", ing.reqs)
	}
}

func TestRejectedRecordsRetriedBeforeCommit(t *testing.T) {
	ing := &fakeIngester{reply: func(req ingest.Request, call int) (ingest.Response, error) {
		resp := okResponse(req)
		if call == 1 {
			resp.Results[1] = ingest.Result{Status: ingest.StatusRejected, RetryAfterMs: 250}
			resp.Accepted, resp.Rejected = 1, 1
		}
		return resp, nil
	}}
	a, marked, slept := testAdapter(Config{}, ing)
	recs := []*kgo.Record{
		{Topic: "t", Key: []byte("a"), Value: []byte(`{"n":1}`)},
		{Topic: "t", Key: []byte("b"), Value: []byte(`{"n":2}`)},
	}
	if err := a.handleBatch(context.Background(), recs); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ing.reqs) != 2 {
		t.Fatalf("calls=%d want 2", len(ing.reqs))
	}
	if got := ing.reqs[1].Events; len(got) != 1 || got[0].PartitionKey != "b" {
		t.Fatalf("retry batch=%+v", got)
	}
	if len(*slept) != 1 || (*slept)[0] != 250*time.Millisecond {
		t.Fatalf("slept=%v", *slept)
	}
	if len(*marked) != 2 {
		t.Fatalf("marked=%d", len(*marked))
	}
}

func TestInvalidRecordDroppedOthersDelivered(t *testing.T) {
	ing := &fakeIngester{reply: func(req ingest.Request, _ int) (ingest.Response, error) {
		for _, ev := range req.Events {
			if ev.EventType == "bad" {
				return ingest.Response{}, errs.Invalidf("ingest", "bad event")
			}
		}
		return okResponse(req), nil
	}}
	a, marked, _ := testAdapter(Config{}, ing)
	recs := []*kgo.Record{
		{Topic: "t", Value: []byte(`{}`)},
		{Topic: "t", Value: []byte(`{}`), Headers: []kgo.RecordHeader{{Key: "event_type", Value: []byte("bad")}}},
		{Topic: "t", Value: []byte(`{}`)},
	}
	if err := a.handleBatch(context.Background(), recs); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// one batch attempt then one call per record
	if len(ing.reqs) != 4 {
		t.Fatalf("calls=%d want 4", len(ing.reqs))
	}
	if len(*marked) != 3 {
		t.Fatalf("all offsets must be committed, marked=%d", len(*marked))
	}
}

func TestUnavailableBacksOffAndFatalStops(t *testing.T) {
	ing := &fakeIngester{reply: func(req ingest.Request, call int) (ingest.Response, error) {
		if call == 1 {
			return ingest.Response{}, errs.Unavailable("ingest", context.DeadlineExceeded)
		}
		return okResponse(req), nil
	}}
	a, _, slept := testAdapter(Config{RetryBackoff: 10 * time.Millisecond}, ing)
	if err := a.handleBatch(context.Background(), []*kgo.Record{{Topic: "t", Value: []byte(`{}`)}}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 10*time.Millisecond {
		t.Fatalf("slept=%v", *slept)
	}

	fatal := &fakeIngester{reply: func(ingest.Request, int) (ingest.Response, error) {
		return ingest.Response{}, errs.Conflictf("ingest", "partition count mismatch")
	}}
	b, marked, _ := testAdapter(Config{}, fatal)
	if err := b.handleBatch(context.Background(), []*kgo.Record{{Topic: "t", Value: []byte(`{}`)}}); err == nil {
		t.Fatalf("expected error")
	}
	if len(*marked) != 0 {
		t.Fatalf("nothing may be committed on failure")
	}
}
