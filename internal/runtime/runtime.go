package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/rzbill/openstream/internal/aggregator"
	"github.com/rzbill/openstream/internal/backpressure"
	"github.com/rzbill/openstream/internal/bridge/kafka"
	"github.com/rzbill/openstream/internal/bridge/rabbitmq"
	cfgpkg "github.com/rzbill/openstream/internal/config"
	"github.com/rzbill/openstream/internal/durable"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/groups"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/persister"
	"github.com/rzbill/openstream/internal/replay"
	"github.com/rzbill/openstream/internal/retention"
	"github.com/rzbill/openstream/internal/state"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/internal/topic"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Metrics is built from Config.Metrics when nil.
	Metrics *metrics.Registry
}

// Runtime wires storage, coordination state and the services of a single
// node. Background loops (persisters, retention, bridges) run between Start
// and Close.
type Runtime struct {
	cfg    cfgpkg.Config
	logger logpkg.Logger

	db      *pebblestore.DB
	durable *durable.Store

	metrics    *metrics.Registry
	topics     *topic.Registry
	logs       *eventlog.Registry
	state      *state.Pebble
	aggregator *aggregator.Aggregator
	admission  *backpressure.Monitor
	gateway    *ingest.Gateway
	groups     *groups.Coordinator
	replay     *replay.Controller

	persisters *persister.Supervisor
	retention  *retention.Enforcer
	kafka      *kafka.Adapter
	rabbit     *rabbitmq.Adapter

	started bool
}

// Open initializes storage and every service. Nothing runs in the background
// until Start.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry(cfg.Metrics, logger)
	}
	mode, err := FsyncMode(cfg.Storage.Fsync)
	if err != nil {
		return nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.StoreDir(),
		Fsync:         mode,
		FsyncInterval: cfg.Storage.FsyncInterval,
		Metrics:       reg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt := &Runtime{
		cfg:     cfg,
		logger:  logger.With(logpkg.Component("runtime")),
		db:      db,
		metrics: reg,
	}

	if dc := cfg.DurableConfig(); dc.Enabled() {
		store, err := durable.Open(ctx, dc, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open durable store: %w", err)
		}
		rt.durable = store
	}

	rt.topics = topic.NewRegistry(db, topic.Options{
		DefaultPartitions: cfg.Topics.DefaultPartitions,
		MaxPartitions:     cfg.Topics.MaxPartitions,
	})
	rt.logs = eventlog.NewRegistry(db, eventlog.Options{
		CompressMinBytes: cfg.Storage.CompressMinBytes,
		Archiver:         reg.Log,
	})
	rt.state = state.NewPebble(db)
	rt.aggregator = aggregator.New(rt.logs, rt.topics, rt.state, rt.watermarks())
	if err := reg.Register(aggregator.NewCollector(rt.aggregator, cfg.Metrics.Namespace, logger)); err != nil {
		rt.Close()
		return nil, fmt.Errorf("register aggregator collector: %w", err)
	}
	rt.admission = backpressure.FromConfig(cfg.Backpressure, rt.aggregator)
	rt.gateway = ingest.NewGateway(rt.topics, rt.logs, rt.admission, ingest.Options{
		Limits:  cfg.Ingest,
		Metrics: reg.Ingest,
		Logger:  logger,
	})
	rt.groups = groups.New(rt.logs, rt.topics, rt.state, groups.Options{
		MaxDeliveries: cfg.Groups.MaxDeliveries,
		MaxCount:      cfg.Groups.MaxCount,
		MaxBlock:      cfg.Groups.MaxBlock,
		Metrics:       reg.Consumer,
		Logger:        logger,
	})
	replayOpts := replay.Options{
		Groups:       rt.groups,
		Logs:         rt.logs,
		Topics:       rt.topics,
		Logger:       logger,
		TargetSuffix: cfg.Replay.TargetSuffix,
		PageSize:     cfg.Replay.PageSize,
		MaxBatch:     cfg.Ingest.MaxBatch,
	}
	if rt.durable != nil {
		replayOpts.History = rt.durable
		replayOpts.Ingest = rt.gateway
	}
	rt.replay = replay.New(replayOpts)

	if cfg.Persister.Enabled && rt.durable != nil {
		rt.persisters = persister.NewSupervisor(persister.SupervisorOptions{
			Holder:  holderID(),
			Topics:  rt.topics,
			Logs:    rt.logs,
			Sink:    rt.durable,
			Leases:  rt.durable.Leases(),
			Config:  cfg.Persister,
			Metrics: reg.Persister,
			Logger:  logger,
		})
	}
	if cfg.Retention.Enabled {
		rt.retention = retention.New(rt.topics, rt.logs, rt.watermarks(), cfg.Retention, logger)
	}
	if cfg.Bridges.Kafka.Enabled {
		a, err := kafka.NewAdapter(cfg.Bridges.Kafka, rt.gateway, kafka.Options{Metrics: reg.Bridge, Logger: logger})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.kafka = a
	}
	if cfg.Bridges.RabbitMQ.Enabled {
		a, err := rabbitmq.NewAdapter(cfg.Bridges.RabbitMQ, rt.gateway, rabbitmq.Options{Metrics: reg.Bridge, Logger: logger})
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.rabbit = a
	}
	return rt, nil
}

// watermarks returns the durable store as a watermark source, or a nil
// interface when none is configured.
func (r *Runtime) watermarks() aggregator.Watermarks {
	if r.durable == nil {
		return nil
	}
	return r.durable
}

// Start launches the background loops.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if r.persisters != nil {
		r.persisters.Start()
	}
	if r.retention != nil {
		r.retention.Start()
	}
	if r.kafka != nil {
		r.kafka.Start(ctx)
	}
	if r.rabbit != nil {
		if err := r.rabbit.Start(ctx); err != nil {
			r.stopLoops()
			return fmt.Errorf("start rabbitmq bridge: %w", err)
		}
	}
	r.started = true
	r.logger.Info("runtime started",
		logpkg.Bool("persister", r.persisters != nil),
		logpkg.Bool("retention", r.retention != nil),
		logpkg.Bool("kafka_bridge", r.kafka != nil),
		logpkg.Bool("rabbitmq_bridge", r.rabbit != nil))
	return nil
}

func (r *Runtime) stopLoops() {
	if r.rabbit != nil {
		if err := r.rabbit.Stop(); err != nil {
			r.logger.Warn("rabbitmq bridge stop", logpkg.Err(err))
		}
	}
	if r.kafka != nil {
		r.kafka.Stop()
	}
	if r.retention != nil {
		r.retention.Stop()
	}
	if r.persisters != nil {
		r.persisters.Stop()
	}
}

// Close stops background loops and closes the stores.
func (r *Runtime) Close() error {
	if r.started {
		r.stopLoops()
		r.started = false
	}
	var errList []error
	if r.durable != nil {
		if err := r.durable.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close durable store: %w", err))
		}
		r.durable = nil
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close store: %w", err))
		}
		r.db = nil
	}
	return errors.Join(errList...)
}

// CheckHealth pings the hot store and, when configured, the durable store.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("store not open")
	}
	if err := r.db.Ping(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if r.durable != nil {
		if err := r.durable.Ping(ctx); err != nil {
			return fmt.Errorf("durable store: %w", err)
		}
	}
	return nil
}

// FsyncMode parses always, interval or never.
func FsyncMode(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "", "always":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("invalid fsync mode %q; use always|interval|never", s)
	}
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "openstream"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (r *Runtime) Config() cfgpkg.Config              { return r.cfg }
func (r *Runtime) Metrics() *metrics.Registry         { return r.metrics }
func (r *Runtime) Topics() *topic.Registry            { return r.topics }
func (r *Runtime) Logs() *eventlog.Registry           { return r.logs }
func (r *Runtime) Aggregator() *aggregator.Aggregator { return r.aggregator }
func (r *Runtime) Gateway() *ingest.Gateway           { return r.gateway }
func (r *Runtime) Groups() *groups.Coordinator        { return r.groups }
func (r *Runtime) Replay() *replay.Controller         { return r.replay }
func (r *Runtime) Retention() *retention.Enforcer     { return r.retention }
func (r *Runtime) Persisters() *persister.Supervisor  { return r.persisters }
func (r *Runtime) Durable() *durable.Store            { return r.durable }
func (r *Runtime) Admission() *backpressure.Monitor   { return r.admission }
