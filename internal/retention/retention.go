// Package retention bounds partition logs by length and age.
//
// The Enforcer periodically trims every partition of every topic. With
// RequirePersisted set it never removes an entry above the partition's
// persist watermark, so nothing leaves the log before it reaches the
// durable store.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/topic"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Config bounds retained entries. Zero MaxLen and MaxAge disable trimming.
type Config struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	MaxLen           int64         `mapstructure:"max_len"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	RequirePersisted bool          `mapstructure:"require_persisted"`
	BatchLimit       int           `mapstructure:"batch_limit"`
	Throttle         time.Duration `mapstructure:"throttle"`
}

// DefaultConfig keeps seven days and only trims persisted entries.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         30 * time.Second,
		MaxAge:           7 * 24 * time.Hour,
		RequirePersisted: true,
		BatchLimit:       1024,
	}
}

// Topics lists topics.
type Topics interface {
	List() ([]topic.Meta, error)
}

// Logs resolves partition logs.
type Logs interface {
	Log(topic string, partition int) (*eventlog.Log, error)
}

// Watermarks reports persist cursors.
type Watermarks interface {
	Watermark(ctx context.Context, topic string, partition int) (id.ID, bool, error)
}

// Report summarises one pass.
type Report struct {
	Partitions int
	Deleted    int
	// Skipped counts partitions left alone because nothing is persisted yet.
	Skipped int
}

// Enforcer runs retention passes.
type Enforcer struct {
	topics     Topics
	logs       Logs
	watermarks Watermarks
	cfg        Config
	now        func() time.Time
	logger     logpkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a stopped enforcer. watermarks may be nil when RequirePersisted
// is off.
func New(topics Topics, logs Logs, watermarks Watermarks, cfg Config, logger logpkg.Logger) *Enforcer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Enforcer{
		topics:     topics,
		logs:       logs,
		watermarks: watermarks,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(logpkg.Component("retention")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs passes every Interval.
func (e *Enforcer) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop ends the loop.
func (e *Enforcer) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Enforcer) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.logger.Info("retention started",
		logpkg.Int64("max_len", e.cfg.MaxLen), logpkg.Dur("max_age", e.cfg.MaxAge),
		logpkg.Bool("require_persisted", e.cfg.RequirePersisted))
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			rep, err := e.RunOnce(e.ctx)
			if err != nil && e.ctx.Err() == nil {
				e.logger.Error("retention pass failed", logpkg.Err(err))
				continue
			}
			if rep.Deleted > 0 {
				e.logger.Info("retention pass", logpkg.Int("deleted", rep.Deleted), logpkg.Int("partitions", rep.Partitions))
			}
		}
	}
}

// RunOnce trims every partition once.
func (e *Enforcer) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if e.cfg.MaxLen <= 0 && e.cfg.MaxAge <= 0 {
		return rep, nil
	}
	metas, err := e.topics.List()
	if err != nil {
		return rep, err
	}
	for _, m := range metas {
		for p := 0; p < m.Partitions; p++ {
			n, skipped, err := e.trimPartition(ctx, m.Name, p)
			if err != nil {
				return rep, err
			}
			rep.Partitions++
			rep.Deleted += n
			if skipped {
				rep.Skipped++
			}
		}
	}
	return rep, nil
}

func (e *Enforcer) trimPartition(ctx context.Context, topicName string, p int) (int, bool, error) {
	opts := eventlog.TrimOptions{MaxLen: e.cfg.MaxLen, BatchLimit: e.cfg.BatchLimit, Throttle: e.cfg.Throttle}
	if e.cfg.MaxAge > 0 {
		opts.OlderThanMs = e.now().Add(-e.cfg.MaxAge).UnixMilli()
	}
	if e.cfg.RequirePersisted {
		if e.watermarks == nil {
			return 0, true, nil
		}
		wm, ok, err := e.watermarks.Watermark(ctx, topicName, p)
		if err != nil {
			return 0, false, err
		}
		if !ok || wm.IsZero() {
			return 0, true, nil
		}
		opts.Ceiling = wm
	}
	l, err := e.logs.Log(topicName, p)
	if err != nil {
		return 0, false, err
	}
	res, err := l.Trim(ctx, opts)
	if err != nil {
		return res.Deleted, false, err
	}
	if res.Deleted > 0 {
		e.logger.Debug("trimmed",
			logpkg.Str("topic", topicName), logpkg.Int("partition", p),
			logpkg.Int("deleted", res.Deleted), logpkg.Str("through", res.LastID.String()))
	}
	return res.Deleted, false, nil
}
