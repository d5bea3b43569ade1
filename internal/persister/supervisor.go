package persister

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/state"
	"github.com/rzbill/openstream/internal/topic"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Topics lists the topics to persist.
type Topics interface {
	List() ([]topic.Meta, error)
}

// Logs resolves partition logs.
type Logs interface {
	Log(topic string, partition int) (*eventlog.Log, error)
}

// Supervisor runs one Persister per partition.
type Supervisor struct {
	holder  string
	topics  Topics
	logs    Logs
	sink    Sink
	leases  state.LeaseStore
	cfg     Config
	metrics *metrics.PersisterMetrics
	logger  logpkg.Logger
	base    logpkg.Logger

	mu      sync.Mutex
	running map[string]*Persister

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SupervisorOptions wires a Supervisor.
type SupervisorOptions struct {
	// Holder identifies this process in leases. A random id is used if empty.
	Holder  string
	Topics  Topics
	Logs    Logs
	Sink    Sink
	Leases  state.LeaseStore
	Config  Config
	Metrics *metrics.PersisterMetrics
	Logger  logpkg.Logger
}

// NewSupervisor returns a stopped supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		holder:  opts.Holder,
		topics:  opts.Topics,
		logs:    opts.Logs,
		sink:    opts.Sink,
		leases:  opts.Leases,
		cfg:     opts.Config.withDefaults(),
		metrics: opts.Metrics,
		logger:  opts.Logger.With(logpkg.Component("persister")),
		base:    opts.Logger,
		running: make(map[string]*Persister),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Holder returns the lease holder id of this process.
func (s *Supervisor) Holder() string { return s.holder }

// Start begins scanning for partitions.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops every loop and releases held leases.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	loops := make([]*Persister, 0, len(s.running))
	for _, p := range s.running {
		loops = append(loops, p)
	}
	s.running = map[string]*Persister{}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, p := range loops {
		wg.Add(1)
		go func(p *Persister) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
	s.logger.Info("persisters stopped", logpkg.Int("count", len(loops)))
}

// Running returns the number of partition loops started.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	s.logger.Info("persister supervisor started",
		logpkg.Str("holder", s.holder), logpkg.Dur("lease_ttl", s.cfg.LeaseTTL),
		logpkg.Dur("renew_interval", s.cfg.RenewInterval))
	s.scan()
	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

func (s *Supervisor) scan() {
	metas, err := s.topics.List()
	if err != nil {
		s.logger.Error("list topics failed", logpkg.Err(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metas {
		for p := 0; p < m.Partitions; p++ {
			name := LeaseName(m.Name, p)
			if _, ok := s.running[name]; ok {
				continue
			}
			l, err := s.logs.Log(m.Name, p)
			if err != nil {
				s.logger.Error("open log failed", logpkg.Str("topic", m.Name), logpkg.Int("partition", p), logpkg.Err(err))
				continue
			}
			ps := New(m.Name, p, Options{
				Holder:  s.holder,
				Log:     l,
				Sink:    s.sink,
				Leases:  s.leases,
				Config:  s.cfg,
				Metrics: s.metrics,
				Logger:  s.base,
			})
			s.running[name] = ps
			ps.Start()
		}
	}
}
