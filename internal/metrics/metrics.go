// Package metrics owns the Prometheus registry and the instruments recorded
// on the ingest, consumer, persister, retention and HTTP paths.
//
// There is no global registry: the server builds one Registry and hands the
// subsystem structs to the components that record into them. Every record
// method is safe on a nil receiver so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Config controls which collectors are registered.
type Config struct {
	Enabled                 bool   `mapstructure:"enabled"`
	Namespace               string `mapstructure:"namespace"`
	IncludeGoCollector      bool   `mapstructure:"include_go_collector"`
	IncludeProcessCollector bool   `mapstructure:"include_process_collector"`
}

// DefaultConfig enables metrics with runtime collectors.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "openstream",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
	}
}

// HTTPBuckets are the request-duration buckets in seconds.
var HTTPBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Registry holds the Prometheus registry and every subsystem.
type Registry struct {
	prom    *prometheus.Registry
	config  Config
	logger  logpkg.Logger
	enabled bool

	Ingest    *IngestMetrics
	Consumer  *ConsumerMetrics
	Persister *PersisterMetrics
	Log       *LogMetrics
	HTTP      *HTTPMetrics
	Storage   *StorageMetrics
	Bridge    *BridgeMetrics
}

// NewRegistry builds a registry. A disabled registry still returns non-nil
// subsystems whose record methods do nothing.
func NewRegistry(config Config, logger logpkg.Logger) *Registry {
	if config.Namespace == "" {
		config.Namespace = "openstream"
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	r := &Registry{
		prom:    prometheus.NewRegistry(),
		config:  config,
		logger:  logger.With(logpkg.Component("metrics")),
		enabled: config.Enabled,
	}
	if config.Enabled {
		if config.IncludeGoCollector {
			r.prom.MustRegister(collectors.NewGoCollector())
		}
		if config.IncludeProcessCollector {
			r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
	}
	r.Ingest = newIngestMetrics(r)
	r.Consumer = newConsumerMetrics(r)
	r.Persister = newPersisterMetrics(r)
	r.Log = newLogMetrics(r)
	r.HTTP = newHTTPMetrics(r)
	r.Storage = newStorageMetrics(r)
	r.Bridge = newBridgeMetrics(r)
	return r
}

// Enabled reports whether instruments record.
func (r *Registry) Enabled() bool { return r != nil && r.enabled }

// Register adds an extra collector such as the scrape-time aggregator.
func (r *Registry) Register(c prometheus.Collector) error {
	if !r.Enabled() {
		return nil
	}
	return r.prom.Register(c)
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// Handler serves the exposition format.
func (r *Registry) Handler() http.Handler {
	if !r.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("# Metrics disabled\n"))
		})
	}
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          promLogger{logger: r.logger},
		Registry:          r.prom,
	})
}

type promLogger struct {
	logger logpkg.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", logpkg.Any("error", v))
}

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	c := prometheus.NewCounterVec(opts, labels)
	if r.enabled {
		r.prom.MustRegister(c)
	}
	return c
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	g := prometheus.NewGaugeVec(opts, labels)
	if r.enabled {
		r.prom.MustRegister(g)
	}
	return g
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	h := prometheus.NewHistogramVec(opts, labels)
	if r.enabled {
		r.prom.MustRegister(h)
	}
	return h
}

func partitionStr(p int) string { return strconv.Itoa(p) }

// IngestMetrics counts accepted events and request outcomes.
type IngestMetrics struct {
	registry *Registry

	Events     *prometheus.CounterVec
	Bytes      *prometheus.CounterVec
	Requests   *prometheus.CounterVec
	Rejections *prometheus.CounterVec
}

func newIngestMetrics(r *Registry) *IngestMetrics {
	return &IngestMetrics{
		registry: r,
		Events: r.newCounterVec(prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Total events appended to partition logs",
		}, []string{"topic", "partition"}),
		Bytes: r.newCounterVec(prometheus.CounterOpts{
			Name: "ingest_bytes_total",
			Help: "Total payload bytes appended to partition logs",
		}, []string{"topic", "partition"}),
		Requests: r.newCounterVec(prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total ingestion requests by outcome",
		}, []string{"status"}),
		Rejections: r.newCounterVec(prometheus.CounterOpts{
			Name: "backpressure_rejections_total",
			Help: "Partition batches rejected by admission control",
		}, []string{"topic", "check"}),
	}
}

// RecordAppend records n events of total bytes appended to one partition.
func (m *IngestMetrics) RecordAppend(topic string, partition, n, bytes int) {
	if m == nil || !m.registry.enabled {
		return
	}
	p := partitionStr(partition)
	m.Events.WithLabelValues(topic, p).Add(float64(n))
	m.Bytes.WithLabelValues(topic, p).Add(float64(bytes))
}

// RecordRequest counts one ingest request by status (ok, partial, backpressure, invalid, error).
func (m *IngestMetrics) RecordRequest(status string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Requests.WithLabelValues(status).Inc()
}

// RecordRejection counts one partition batch rejected by check.
func (m *IngestMetrics) RecordRejection(topic, check string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Rejections.WithLabelValues(topic, check).Inc()
}

// ConsumerMetrics counts group deliveries and acknowledgements.
type ConsumerMetrics struct {
	registry *Registry

	ReadEvents *prometheus.CounterVec
	Acks       *prometheus.CounterVec
	Claimed    *prometheus.CounterVec
	Flagged    *prometheus.CounterVec
}

func newConsumerMetrics(r *Registry) *ConsumerMetrics {
	labels := []string{"topic", "group"}
	return &ConsumerMetrics{
		registry: r,
		ReadEvents: r.newCounterVec(prometheus.CounterOpts{
			Name: "consumer_read_events_total",
			Help: "Total events delivered to consumer groups",
		}, labels),
		Acks: r.newCounterVec(prometheus.CounterOpts{
			Name: "consumer_ack_total",
			Help: "Total pending entries acknowledged",
		}, labels),
		Claimed: r.newCounterVec(prometheus.CounterOpts{
			Name: "consumer_claimed_total",
			Help: "Total idle pending entries reassigned by claim",
		}, labels),
		Flagged: r.newCounterVec(prometheus.CounterOpts{
			Name: "consumer_flagged_total",
			Help: "Total pending entries flagged after reaching the delivery ceiling",
		}, labels),
	}
}

func (m *ConsumerMetrics) add(v *prometheus.CounterVec, topic, group string, n int) {
	if m == nil || !m.registry.enabled || n == 0 {
		return
	}
	v.WithLabelValues(topic, group).Add(float64(n))
}

func (m *ConsumerMetrics) RecordRead(topic, group string, n int) {
	if m != nil {
		m.add(m.ReadEvents, topic, group, n)
	}
}

func (m *ConsumerMetrics) RecordAck(topic, group string, n int) {
	if m != nil {
		m.add(m.Acks, topic, group, n)
	}
}

func (m *ConsumerMetrics) RecordClaim(topic, group string, claimed, flagged int) {
	if m != nil {
		m.add(m.Claimed, topic, group, claimed)
		m.add(m.Flagged, topic, group, flagged)
	}
}

// PersisterMetrics tracks durable writes and lease ownership.
type PersisterMetrics struct {
	registry *Registry

	Events     *prometheus.CounterVec
	Duplicates *prometheus.CounterVec
	LeaseHeld  *prometheus.GaugeVec
	LeaseLost  *prometheus.CounterVec
}

func newPersisterMetrics(r *Registry) *PersisterMetrics {
	labels := []string{"topic", "partition"}
	return &PersisterMetrics{
		registry: r,
		Events: r.newCounterVec(prometheus.CounterOpts{
			Name: "persister_events_total",
			Help: "Events newly written to the durable store",
		}, labels),
		Duplicates: r.newCounterVec(prometheus.CounterOpts{
			Name: "persister_duplicates_total",
			Help: "Events already present in the durable store when written",
		}, labels),
		LeaseHeld: r.newGaugeVec(prometheus.GaugeOpts{
			Name: "persister_lease_held",
			Help: "1 while this process holds the partition's persister lease",
		}, labels),
		LeaseLost: r.newCounterVec(prometheus.CounterOpts{
			Name: "persister_lease_lost_total",
			Help: "Persister leases lost before release",
		}, labels),
	}
}

// RecordBatch records a committed batch of written rows and skipped duplicates.
func (m *PersisterMetrics) RecordBatch(topic string, partition, inserted, duplicates int) {
	if m == nil || !m.registry.enabled {
		return
	}
	p := partitionStr(partition)
	m.Events.WithLabelValues(topic, p).Add(float64(inserted))
	m.Duplicates.WithLabelValues(topic, p).Add(float64(duplicates))
}

// SetLeaseHeld flips the lease gauge.
func (m *PersisterMetrics) SetLeaseHeld(topic string, partition int, held bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	v := 0.0
	if held {
		v = 1
	}
	m.LeaseHeld.WithLabelValues(topic, partitionStr(partition)).Set(v)
}

func (m *PersisterMetrics) RecordLeaseLost(topic string, partition int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.LeaseLost.WithLabelValues(topic, partitionStr(partition)).Inc()
}

// LogMetrics counts retention evictions. It implements the eventlog
// archiver hook.
type LogMetrics struct {
	registry *Registry

	Evicted *prometheus.CounterVec
}

func newLogMetrics(r *Registry) *LogMetrics {
	return &LogMetrics{
		registry: r,
		Evicted: r.newCounterVec(prometheus.CounterOpts{
			Name: "log_evicted_total",
			Help: "Entries removed from partition logs by retention",
		}, []string{"topic", "partition"}),
	}
}

// RecordEvicted counts n evicted entries.
func (m *LogMetrics) RecordEvicted(topic string, partition, n int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Evicted.WithLabelValues(topic, partitionStr(partition)).Add(float64(n))
}

// EmitTrimRange counts a trimmed range.
func (m *LogMetrics) EmitTrimRange(topic string, partition uint32, _, _ id.ID, count int) {
	m.RecordEvicted(topic, int(partition), count)
}

// HTTPMetrics records request latency per route pattern.
type HTTPMetrics struct {
	registry *Registry

	Duration *prometheus.HistogramVec
}

func newHTTPMetrics(r *Registry) *HTTPMetrics {
	return &HTTPMetrics{
		registry: r,
		Duration: r.newHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency seconds",
			Buckets: HTTPBuckets,
		}, []string{"method", "path"}),
	}
}

// Observe records one request. path must be the route pattern, not the raw URL.
func (m *HTTPMetrics) Observe(method, path string, elapsed time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Duration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// BridgeMetrics counts records moved by the ingestion bridges.
type BridgeMetrics struct {
	registry *Registry

	Records *prometheus.CounterVec
}

func newBridgeMetrics(r *Registry) *BridgeMetrics {
	return &BridgeMetrics{
		registry: r,
		Records: r.newCounterVec(prometheus.CounterOpts{
			Name: "bridge_records_total",
			Help: "External records handled by ingestion bridges by outcome",
		}, []string{"bridge", "status"}),
	}
}

// RecordRecords counts n records by outcome (ingested, retried, dropped).
func (m *BridgeMetrics) RecordRecords(bridge, status string, n int) {
	if m == nil || !m.registry.enabled || n == 0 {
		return
	}
	m.Records.WithLabelValues(bridge, status).Add(float64(n))
}
