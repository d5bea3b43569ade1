package aggregator

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Collector exposes partition length, group lag and group pending as gauges
// computed at scrape time.
type Collector struct {
	agg     *Aggregator
	logger  logpkg.Logger
	timeout time.Duration

	length  *prometheus.Desc
	lag     *prometheus.Desc
	pending *prometheus.Desc
}

// NewCollector returns a collector using namespace as the metric prefix.
func NewCollector(agg *Aggregator, namespace string, logger logpkg.Logger) *Collector {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	pl := []string{"topic", "partition"}
	gl := []string{"topic", "partition", "group"}
	return &Collector{
		agg:     agg,
		logger:  logger.With(logpkg.Component("aggregator")),
		timeout: 5 * time.Second,
		length:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "partition_length"), "Entries retained in the partition log", pl, nil),
		lag:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "group_lag"), "Entries appended after the group cursor", gl, nil),
		pending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "group_pending"), "Delivered but unacknowledged entries", gl, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.length
	ch <- c.lag
	ch <- c.pending
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	sum, err := c.agg.Summary(ctx)
	if err != nil {
		c.logger.Warn("summary for scrape failed", logpkg.Err(err))
		return
	}
	for _, t := range sum.Topics {
		for _, p := range t.PartitionStats {
			part := strconv.Itoa(p.Partition)
			ch <- prometheus.MustNewConstMetric(c.length, prometheus.GaugeValue, float64(p.Length), t.Topic, part)
			for _, g := range p.Groups {
				ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, float64(g.Lag), t.Topic, part, g.Group)
				ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(g.Pending), t.Topic, part, g.Group)
			}
		}
	}
}
