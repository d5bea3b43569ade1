package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rzbill/openstream/pkg/id"
)

func newTestRegistry() *Registry {
	cfg := DefaultConfig()
	cfg.IncludeGoCollector = false
	cfg.IncludeProcessCollector = false
	return NewRegistry(cfg, nil)
}

func TestIngestCounters(t *testing.T) {
	r := newTestRegistry()
	r.Ingest.RecordAppend("orders", 1, 3, 300)
	r.Ingest.RecordAppend("orders", 1, 2, 50)
	r.Ingest.RecordRequest("ok")
	r.Ingest.RecordRejection("orders", "max_length")

	if got := testutil.ToFloat64(r.Ingest.Events.WithLabelValues("orders", "1")); got != 5 {
		t.Fatalf("events=%v", got)
	}
	if got := testutil.ToFloat64(r.Ingest.Bytes.WithLabelValues("orders", "1")); got != 350 {
		t.Fatalf("bytes=%v", got)
	}
	if got := testutil.ToFloat64(r.Ingest.Rejections.WithLabelValues("orders", "max_length")); got != 1 {
		t.Fatalf("rejections=%v", got)
	}
}

func TestConsumerAndPersisterCounters(t *testing.T) {
	r := newTestRegistry()
	r.Consumer.RecordRead("orders", "g", 4)
	r.Consumer.RecordAck("orders", "g", 2)
	r.Consumer.RecordClaim("orders", "g", 1, 1)
	r.Persister.RecordBatch("orders", 0, 7, 3)
	r.Persister.SetLeaseHeld("orders", 0, true)
	r.Log.EmitTrimRange("orders", 2, id.Zero, id.Zero, 9)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"read", testutil.ToFloat64(r.Consumer.ReadEvents.WithLabelValues("orders", "g")), 4},
		{"ack", testutil.ToFloat64(r.Consumer.Acks.WithLabelValues("orders", "g")), 2},
		{"claimed", testutil.ToFloat64(r.Consumer.Claimed.WithLabelValues("orders", "g")), 1},
		{"flagged", testutil.ToFloat64(r.Consumer.Flagged.WithLabelValues("orders", "g")), 1},
		{"persisted", testutil.ToFloat64(r.Persister.Events.WithLabelValues("orders", "0")), 7},
		{"duplicates", testutil.ToFloat64(r.Persister.Duplicates.WithLabelValues("orders", "0")), 3},
		{"lease", testutil.ToFloat64(r.Persister.LeaseHeld.WithLabelValues("orders", "0")), 1},
		{"evicted", testutil.ToFloat64(r.Log.Evicted.WithLabelValues("orders", "2")), 9},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestNilSubsystemsAreSafe(t *testing.T) {
	var r *Registry
	var ingest *IngestMetrics
	ingest.RecordAppend("t", 0, 1, 1)
	var storage *StorageMetrics
	storage.ObserveWrite(time.Millisecond, 10)
	if r.Enabled() {
		t.Fatalf("nil registry must be disabled")
	}
}

func TestDisabledRegistryRecordsNothing(t *testing.T) {
	r := NewRegistry(Config{Enabled: false}, nil)
	r.Ingest.RecordRequest("ok")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	r := newTestRegistry()
	r.HTTP.Observe("POST", "/v1/topics/{topic}/events", 20*time.Millisecond)
	r.Storage.ObserveBatchCommit(time.Millisecond, 3, 128)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"openstream_http_request_duration_seconds_bucket",
		"openstream_storage_batch_commit_latency_seconds",
		`path="/v1/topics/{topic}/events"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}
