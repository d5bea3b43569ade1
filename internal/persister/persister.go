package persister

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/openstream/internal/durable"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/event"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/state"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Config tunes the persistence loops.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	BatchSize     int           `mapstructure:"batch_size"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	// IdleWait is how long a caught-up loop waits for an append before
	// checking again.
	IdleWait time.Duration `mapstructure:"idle_wait"`
	// RetryBackoff is the pause after a failed durable write.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// RescanInterval is how often the supervisor looks for new topics.
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		BatchSize:      500,
		LeaseTTL:       15 * time.Second,
		RenewInterval:  5 * time.Second,
		IdleWait:       time.Second,
		RetryBackoff:   time.Second,
		RescanInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.RenewInterval <= 0 || c.RenewInterval > c.LeaseTTL/3 {
		c.RenewInterval = c.LeaseTTL / 3
	}
	if c.IdleWait <= 0 {
		c.IdleWait = d.IdleWait
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = d.RescanInterval
	}
	return c
}

// Sink is the durable side of the loop.
type Sink interface {
	PersistBatch(ctx context.Context, b durable.Batch) (durable.PersistResult, error)
	Cursor(ctx context.Context, topic string, partition int) (id.ID, bool, error)
}

// LeaseName is the lease guarding persistence of one partition.
func LeaseName(topic string, partition int) string {
	return fmt.Sprintf("persist/%s/%d", topic, partition)
}

// Persister drains one partition.
type Persister struct {
	topic     string
	partition int
	holder    string
	log       *eventlog.Log
	sink      Sink
	leases    state.LeaseStore
	cfg       Config
	metrics   *metrics.PersisterMetrics
	logger    logpkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries a Persister's collaborators.
type Options struct {
	Holder string
	Log    *eventlog.Log
	Sink   Sink
	// Leases must be the lease table Sink fences batches against.
	Leases  state.LeaseStore
	Config  Config
	Metrics *metrics.PersisterMetrics
	Logger  logpkg.Logger
}

// New returns a stopped persister for topic/partition.
func New(topic string, partition int, opts Options) *Persister {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		topic:     topic,
		partition: partition,
		holder:    opts.Holder,
		log:       opts.Log,
		sink:      opts.Sink,
		leases:    opts.Leases,
		cfg:       opts.Config.withDefaults(),
		metrics:   opts.Metrics,
		logger: logger.With(logpkg.Component("persister"),
			logpkg.Str("topic", topic), logpkg.Int("partition", partition)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the loop in the background.
func (p *Persister) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(p.ctx)
	}()
}

// Stop ends the loop and releases the lease.
func (p *Persister) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Run acquires the lease and drains until ctx ends.
func (p *Persister) Run(ctx context.Context) {
	name := LeaseName(p.topic, p.partition)
	for ctx.Err() == nil {
		lease, granted, err := p.leases.TryAcquire(ctx, name, p.holder, p.cfg.LeaseTTL)
		if err != nil {
			p.logger.Warn("lease acquire failed", logpkg.Err(err))
		}
		if !granted {
			sleep(ctx, p.cfg.RenewInterval)
			continue
		}
		p.logger.Info("lease acquired", logpkg.Str("holder", p.holder), logpkg.Uint64("epoch", lease.Epoch))
		p.metrics.SetLeaseHeld(p.topic, p.partition, true)
		lost := p.hold(ctx, name, lease)
		p.metrics.SetLeaseHeld(p.topic, p.partition, false)
		if lost {
			p.metrics.RecordLeaseLost(p.topic, p.partition)
			p.logger.Warn("lease lost, stopping writes", logpkg.Uint64("epoch", lease.Epoch))
			continue
		}
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := p.leases.Release(relCtx, name, p.holder); err != nil {
			p.logger.Warn("lease release failed", logpkg.Err(err))
		}
		cancel()
	}
}

// hold drains while the lease is renewed. It reports whether the lease was
// lost, as opposed to ctx ending.
func (p *Persister) hold(ctx context.Context, name string, lease state.Lease) bool {
	held, stop := context.WithCancel(ctx)
	defer stop()

	var lostMu sync.Mutex
	lost := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.RenewInterval)
		defer ticker.Stop()
		expires := time.UnixMilli(lease.ExpiresAtMs)
		for {
			select {
			case <-held.Done():
				return
			case <-ticker.C:
			}
			l, err := p.leases.Renew(held, name, p.holder, p.cfg.LeaseTTL)
			switch {
			case err == nil:
				expires = time.UnixMilli(l.ExpiresAtMs)
				continue
			case errs.Is(err, errs.KindLeaseLost):
			case held.Err() != nil:
				return
			default:
				// A transient failure keeps the lease until it would expire.
				p.logger.Warn("lease renew failed", logpkg.Err(err))
				if time.Until(expires) > p.cfg.RenewInterval {
					continue
				}
			}
			lostMu.Lock()
			lost = true
			lostMu.Unlock()
			stop()
			return
		}
	}()

	fenced := p.drain(held, lease)
	stop()
	<-done
	lostMu.Lock()
	defer lostMu.Unlock()
	return (lost || fenced) && ctx.Err() == nil
}

// drain copies entries after the durable cursor until ctx ends. It reports
// whether the sink refused a batch because the lease had moved on.
func (p *Persister) drain(ctx context.Context, lease state.Lease) bool {
	for ctx.Err() == nil {
		n, err := p.step(ctx, lease)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errs.Is(err, errs.KindLeaseLost) {
				return true
			}
			p.logger.Error("persist batch failed", logpkg.Err(err))
			sleep(ctx, p.cfg.RetryBackoff)
			continue
		}
		if n == 0 {
			p.log.WaitForAppend(ctx, p.cfg.IdleWait)
		}
	}
	return false
}

// step persists at most one batch and returns how many entries it covered.
func (p *Persister) step(ctx context.Context, lease state.Lease) (int, error) {
	cursor, _, err := p.sink.Cursor(ctx, p.topic, p.partition)
	if err != nil {
		return 0, err
	}
	items, err := p.log.Read(eventlog.ReadOptions{After: cursor, Limit: p.cfg.BatchSize})
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	batch := durable.Batch{
		Topic:     p.topic,
		Partition: p.partition,
		Events:    make([]durable.Event, 0, len(items)),
		Through:   items[len(items)-1].ID,
		Lease:     lease.Name,
		Holder:    p.holder,
		Epoch:     lease.Epoch,
	}
	for _, it := range items {
		batch.Events = append(batch.Events, toDurable(p.topic, p.partition, it))
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	res, err := p.sink.PersistBatch(ctx, batch)
	if err != nil {
		return 0, err
	}
	p.metrics.RecordBatch(p.topic, p.partition, res.Inserted, res.Duplicates)
	if res.Duplicates > 0 {
		p.logger.Debug("duplicates skipped", logpkg.Int("duplicates", res.Duplicates))
	}
	return len(items), nil
}

func toDurable(topic string, partition int, it eventlog.Item) durable.Event {
	ev, err := event.Decode(it.Header, it.Payload)
	if err != nil {
		ev = event.Event{Payload: it.Payload}
	}
	return durable.Event{
		Topic:        topic,
		Partition:    partition,
		ID:           it.ID,
		EventType:    ev.EventType,
		PartitionKey: ev.PartitionKey,
		Payload:      ev.Payload,
		TimestampMs:  ev.Timestamp(),
		IngestedAtMs: ev.IngestedAtMs,
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
