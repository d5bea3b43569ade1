// Package kafka consumes Kafka topics as a consumer group and feeds each
// polled batch into the ingestion gateway. Offsets are committed only after
// every record of the batch was accepted or dropped as invalid.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rzbill/openstream/internal/bridge"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/metrics"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

const (
	metricName = "kafka"
	maxKeyLen  = 200
)

// Config configures the bridge.
type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
	// ClientID defaults to the group id.
	ClientID string `mapstructure:"client_id"`
	// TopicMap renames source topics. Unmapped topics use TargetTopic, or
	// their own name when TargetTopic is empty.
	TopicMap         map[string]string `mapstructure:"topic_map"`
	TargetTopic      string            `mapstructure:"target_topic"`
	DefaultEventType string            `mapstructure:"default_event_type"`
	MaxPollRecords   int               `mapstructure:"max_poll_records"`
	RetryBackoff     time.Duration     `mapstructure:"retry_backoff"`
	MaxRetryBackoff  time.Duration     `mapstructure:"max_retry_backoff"`
	TLS              bool              `mapstructure:"tls"`
	FetchMaxWait     time.Duration     `mapstructure:"fetch_max_wait"`
}

// DefaultConfig returns a disabled bridge with usable defaults.
func DefaultConfig() Config {
	c := Config{}
	c.withDefaults()
	return c
}

func (c *Config) withDefaults() {
	if c.DefaultEventType == "" {
		c.DefaultEventType = bridge.DefaultEventType
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 30 * time.Second
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
}

// Validate checks an enabled bridge.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.MaxPollRecords > ingest.DefaultLimits().MaxBatch {
		return fmt.Errorf("kafka.max_poll_records must be <= %d", ingest.DefaultLimits().MaxBatch)
	}
	return nil
}

func (c Config) target(source string) string {
	if t, ok := c.TopicMap[source]; ok && t != "" {
		return t
	}
	if c.TargetTopic != "" {
		return c.TargetTopic
	}
	return source
}

// Adapter is one consumer-group member.
type Adapter struct {
	cfg      Config
	client   *kgo.Client
	ingester bridge.Ingester
	metrics  *metrics.BridgeMetrics
	logger   logpkg.Logger

	markCommit   func(...*kgo.Record)
	commitMarked func(context.Context) error
	sleep        func(context.Context, time.Duration) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries optional adapter dependencies.
type Options struct {
	Metrics *metrics.BridgeMetrics
	Logger  logpkg.Logger
	// Extra client options, appended last.
	ClientOpts []kgo.Opt
}

// NewAdapter builds the client. Nothing is fetched until Start or Run.
func NewAdapter(cfg Config, ingester bridge.Ingester, opts Options) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ingester == nil {
		return nil, errors.New("kafka bridge: ingester is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = cfg.GroupID
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(clientID),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.TLS {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	kopts = append(kopts, opts.ClientOpts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	a := newAdapter(cfg, ingester, opts)
	a.client = cl
	a.markCommit = cl.MarkCommitRecords
	a.commitMarked = cl.CommitMarkedOffsets
	return a, nil
}

func newAdapter(cfg Config, ingester bridge.Ingester, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	return &Adapter{
		cfg:          cfg,
		ingester:     ingester,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(logpkg.Component("bridge.kafka")),
		markCommit:   func(...*kgo.Record) {},
		commitMarked: func(context.Context) error { return nil },
		sleep:        bridge.Sleep,
	}
}

// Start runs the poll loop in the background.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Run(ctx); err != nil {
			a.logger.Error("kafka bridge stopped", logpkg.Err(err))
		}
	}()
}

// Stop cancels the poll loop and closes the client.
func (a *Adapter) Stop() {
	if a.cancel == nil {
		if a.client != nil {
			a.client.Close()
		}
		return
	}
	a.cancel()
	a.wg.Wait()
}

// Run polls until ctx is done. Records of a batch are committed only once
// the whole batch has been handled.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.client.Close()
	a.logger.Info("kafka bridge started",
		logpkg.Str("group", a.cfg.GroupID), logpkg.Any("topics", a.cfg.Topics))
	for {
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			a.logger.Warn("fetch error", logpkg.Str("topic", topic),
				logpkg.Int("partition", int(partition)), logpkg.Err(err))
		})
		if recs := fetches.Records(); len(recs) > 0 {
			if err := a.handleBatch(ctx, recs); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		a.client.AllowRebalance()
	}
}

// handleBatch ingests recs grouped by target topic, keeping per-partition
// record order, then commits their offsets.
func (a *Adapter) handleBatch(ctx context.Context, recs []*kgo.Record) error {
	byTarget := make(map[string][]*kgo.Record)
	var order []string
	for _, r := range recs {
		t := a.cfg.target(r.Topic)
		if _, ok := byTarget[t]; !ok {
			order = append(order, t)
		}
		byTarget[t] = append(byTarget[t], r)
	}
	for _, t := range order {
		if err := a.deliver(ctx, t, byTarget[t]); err != nil {
			return err
		}
	}
	a.markCommit(recs...)
	if err := a.commitMarked(ctx); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// deliver retries until every record is accepted. Records rejected by
// backpressure are resent in their original order after the retry hint.
func (a *Adapter) deliver(ctx context.Context, target string, recs []*kgo.Record) error {
	pending := recs
	for len(pending) > 0 {
		resp, err := a.ingester.Ingest(ctx, a.request(target, pending))
		if err != nil {
			switch {
			case errs.Is(err, errs.KindInvalid) && len(pending) > 1:
				return a.deliverEach(ctx, target, pending)
			case errs.Is(err, errs.KindInvalid):
				a.logger.Warn("dropping invalid record",
					logpkg.Str("topic", pending[0].Topic), logpkg.Int("partition", int(pending[0].Partition)),
					logpkg.Int64("offset", pending[0].Offset), logpkg.Err(err))
				a.metrics.RecordRecords(metricName, "dropped", 1)
				return nil
			case errs.Retryable(err):
				a.metrics.RecordRecords(metricName, "retried", len(pending))
				if err := a.sleep(ctx, bridge.Backoff(err, a.cfg.RetryBackoff, a.cfg.MaxRetryBackoff)); err != nil {
					return err
				}
				continue
			default:
				return err
			}
		}
		var retry []*kgo.Record
		for i, res := range resp.Results {
			if res.Status != ingest.StatusOK {
				retry = append(retry, pending[i])
			}
		}
		a.metrics.RecordRecords(metricName, "ingested", len(pending)-len(retry))
		if len(retry) == 0 {
			return nil
		}
		a.metrics.RecordRecords(metricName, "retried", len(retry))
		a.logger.Debug("records rejected by backpressure",
			logpkg.Str("target", target), logpkg.Int("count", len(retry)))
		if err := a.sleep(ctx, bridge.Backoff(resp.Err(), a.cfg.RetryBackoff, a.cfg.MaxRetryBackoff)); err != nil {
			return err
		}
		pending = retry
	}
	return nil
}

func (a *Adapter) deliverEach(ctx context.Context, target string, recs []*kgo.Record) error {
	for _, r := range recs {
		if err := a.deliver(ctx, target, []*kgo.Record{r}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) request(target string, recs []*kgo.Record) ingest.Request {
	events := make([]ingest.EventIn, len(recs))
	for i, r := range recs {
		events[i] = a.event(r)
	}
	return ingest.Request{Topic: target, Events: events}
}

func (a *Adapter) event(r *kgo.Record) ingest.EventIn {
	ev := ingest.EventIn{
		EventType:    a.cfg.DefaultEventType,
		PartitionKey: bridge.Truncate(string(r.Key), maxKeyLen),
		Payload:      bridge.Payload(r.Value),
	}
	for _, h := range r.Headers {
		if h.Key == bridge.HeaderEventType && len(h.Value) > 0 {
			ev.EventType = string(h.Value)
		}
	}
	if !r.Timestamp.IsZero() {
		ms := r.Timestamp.UnixMilli()
		ev.TimestampMs = &ms
	}
	return ev
}
