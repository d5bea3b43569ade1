// Package rabbitmq consumes an AMQP queue with manual acknowledgements and
// feeds each delivery into the ingestion gateway.
//
// A delivery is acked once its event is accepted, nacked with requeue when
// the gateway reports a retryable failure (backpressure or an unavailable
// store) and rejected without requeue when the event is invalid.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rzbill/openstream/internal/bridge"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/metrics"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

const (
	metricName = "rabbitmq"
	maxKeyLen  = 200
)

// Config configures the bridge.
type Config struct {
	Enabled     bool     `mapstructure:"enabled"`
	URL         string   `mapstructure:"url"`
	Exchange    string   `mapstructure:"exchange"`
	Queue       string   `mapstructure:"queue"`
	RoutingKeys []string `mapstructure:"routing_keys"`
	ConsumerTag string   `mapstructure:"consumer_tag"`
	Prefetch    int      `mapstructure:"prefetch"`
	Workers     int      `mapstructure:"workers"`
	// TargetTopic defaults to the queue name.
	TargetTopic      string        `mapstructure:"target_topic"`
	DefaultEventType string        `mapstructure:"default_event_type"`
	RequeueDelay     time.Duration `mapstructure:"requeue_delay"`
	MaxRequeueDelay  time.Duration `mapstructure:"max_requeue_delay"`
}

// DefaultConfig returns a disabled bridge with usable defaults.
func DefaultConfig() Config {
	c := Config{}
	c.withDefaults()
	return c
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "openstream-bridge"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultEventType == "" {
		c.DefaultEventType = bridge.DefaultEventType
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 500 * time.Millisecond
	}
	if c.MaxRequeueDelay <= 0 {
		c.MaxRequeueDelay = 10 * time.Second
	}
}

// Validate checks an enabled bridge.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Queue == "" {
		return errors.New("rabbitmq.queue is required")
	}
	if c.Prefetch < 1 {
		return errors.New("rabbitmq.prefetch must be >= 1")
	}
	return nil
}

func (c Config) target() string {
	if c.TargetTopic != "" {
		return c.TargetTopic
	}
	return c.Queue
}

// Adapter owns one connection and channel.
type Adapter struct {
	cfg      Config
	ingester bridge.Ingester
	metrics  *metrics.BridgeMetrics
	logger   logpkg.Logger
	sleep    func(context.Context, time.Duration) error

	conn *amqp.Connection
	ch   *amqp.Channel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries optional adapter dependencies.
type Options struct {
	Metrics *metrics.BridgeMetrics
	Logger  logpkg.Logger
}

// NewAdapter validates cfg. The broker is dialled by Start.
func NewAdapter(cfg Config, ingester bridge.Ingester, opts Options) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ingester == nil {
		return nil, errors.New("rabbitmq bridge: ingester is required")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	return &Adapter{
		cfg:      cfg,
		ingester: ingester,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(logpkg.Component("bridge.rabbitmq")),
		sleep:    bridge.Sleep,
	}, nil
}

// Start dials the broker, declares the topology and starts the workers.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	deliveries, err := a.declare(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	a.conn, a.ch = conn, ch

	ctx, a.cancel = context.WithCancel(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.worker(ctx, deliveries)
		}()
	}
	a.logger.Info("rabbitmq bridge started",
		logpkg.Str("queue", a.cfg.Queue), logpkg.Str("target", a.cfg.target()),
		logpkg.Int("workers", a.cfg.Workers))
	return nil
}

func (a *Adapter) declare(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if a.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
		keys := a.cfg.RoutingKeys
		if len(keys) == 0 {
			keys = []string{"#"}
		}
		for _, key := range keys {
			if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
				return nil, fmt.Errorf("bind queue key=%s: %w", key, err)
			}
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return deliveries, nil
}

// Stop cancels the consumer, waits for in-flight deliveries and closes the
// connection. Unacked deliveries are requeued by the broker.
func (a *Adapter) Stop() error {
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	var errList []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errList = append(errList, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (a *Adapter) worker(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			a.process(ctx, d)
		}
	}
}

// process settles one delivery.
func (a *Adapter) process(ctx context.Context, d amqp.Delivery) {
	resp, err := a.ingester.Ingest(ctx, ingest.Request{Topic: a.cfg.target(), Events: []ingest.EventIn{a.event(d)}})
	if err == nil {
		err = resp.Err()
	}
	switch {
	case err == nil:
		a.metrics.RecordRecords(metricName, "ingested", 1)
		if ackErr := d.Ack(false); ackErr != nil {
			a.logger.Warn("ack failed", logpkg.Uint64("tag", d.DeliveryTag), logpkg.Err(ackErr))
		}
	case errs.Retryable(err):
		a.metrics.RecordRecords(metricName, "retried", 1)
		// Hold the delivery for the hint so a requeue does not spin.
		_ = a.sleep(ctx, bridge.Backoff(err, a.cfg.RequeueDelay, a.cfg.MaxRequeueDelay))
		if nackErr := d.Nack(false, true); nackErr != nil {
			a.logger.Warn("nack failed", logpkg.Uint64("tag", d.DeliveryTag), logpkg.Err(nackErr))
		}
	default:
		a.metrics.RecordRecords(metricName, "dropped", 1)
		a.logger.Warn("rejecting delivery",
			logpkg.Str("routing_key", d.RoutingKey), logpkg.Uint64("tag", d.DeliveryTag), logpkg.Err(err))
		if rejErr := d.Reject(false); rejErr != nil {
			a.logger.Warn("reject failed", logpkg.Uint64("tag", d.DeliveryTag), logpkg.Err(rejErr))
		}
	}
}

// event maps a delivery. The event type comes from the event_type header,
// then the AMQP type property, then the configured default. The partition
// key comes from the partition_key header, then the routing key.
func (a *Adapter) event(d amqp.Delivery) ingest.EventIn {
	ev := ingest.EventIn{
		EventType:    a.cfg.DefaultEventType,
		PartitionKey: d.RoutingKey,
		Payload:      bridge.Payload(d.Body),
	}
	if d.Type != "" {
		ev.EventType = d.Type
	}
	if v := headerString(d.Headers, bridge.HeaderEventType); v != "" {
		ev.EventType = v
	}
	if v := headerString(d.Headers, bridge.HeaderPartitionKey); v != "" {
		ev.PartitionKey = v
	}
	ev.PartitionKey = bridge.Truncate(ev.PartitionKey, maxKeyLen)
	if !d.Timestamp.IsZero() {
		ms := d.Timestamp.UnixMilli()
		ev.TimestampMs = &ms
	}
	return ev
}

func headerString(table amqp.Table, key string) string {
	v, ok := table[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}
