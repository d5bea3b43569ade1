package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics implements the Pebble store's MetricsHook.
type StorageMetrics struct {
	registry *Registry

	WriteLatency  *prometheus.HistogramVec
	ReadLatency   *prometheus.HistogramVec
	CommitLatency *prometheus.HistogramVec
	Bytes         *prometheus.CounterVec
	BatchOps      *prometheus.HistogramVec
}

var storageBuckets = []float64{0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

func newStorageMetrics(r *Registry) *StorageMetrics {
	return &StorageMetrics{
		registry: r,
		WriteLatency: r.newHistogramVec(prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "Latency of single-key writes",
			Buckets:   storageBuckets,
		}, nil),
		ReadLatency: r.newHistogramVec(prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "read_latency_seconds",
			Help:      "Latency of point reads",
			Buckets:   storageBuckets,
		}, nil),
		CommitLatency: r.newHistogramVec(prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "batch_commit_latency_seconds",
			Help:      "Latency of batch commits including WAL sync",
			Buckets:   storageBuckets,
		}, nil),
		Bytes: r.newCounterVec(prometheus.CounterOpts{
			Subsystem: "storage",
			Name:      "bytes_total",
			Help:      "Bytes moved through the store by operation",
		}, []string{"op"}),
		BatchOps: r.newHistogramVec(prometheus.HistogramOpts{
			Subsystem: "storage",
			Name:      "batch_ops",
			Help:      "Operations per committed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, nil),
	}
}

func (m *StorageMetrics) ObserveWrite(elapsed time.Duration, bytes int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.WriteLatency.WithLabelValues().Observe(elapsed.Seconds())
	m.Bytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *StorageMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ReadLatency.WithLabelValues().Observe(elapsed.Seconds())
	m.Bytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *StorageMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.CommitLatency.WithLabelValues().Observe(elapsed.Seconds())
	m.BatchOps.WithLabelValues().Observe(float64(numOps))
	m.Bytes.WithLabelValues("commit").Add(float64(bytes))
}
