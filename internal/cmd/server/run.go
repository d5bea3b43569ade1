package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/openstream/internal/config"
	"github.com/rzbill/openstream/internal/runtime"
	grpcserver "github.com/rzbill/openstream/internal/server/grpc"
	httpserver "github.com/rzbill/openstream/internal/server/http"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Options selects the config file and flag overrides.
type Options struct {
	// ConfigPath is an optional yaml/json/toml file. Environment variables
	// prefixed OPENSTREAM_ apply either way.
	ConfigPath string
	// Overrides runs after loading, before validation. Flags use it.
	Overrides func(*cfgpkg.Config)
}

// LoadConfig resolves file, environment and overrides into a valid Config.
func LoadConfig(opts Options) (cfgpkg.Config, error) {
	cfg, err := cfgpkg.Read(opts.ConfigPath)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if opts.Overrides != nil {
		opts.Overrides(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, err
	}
	return cfg, nil
}

// Run starts the runtime with its HTTP and gRPC servers and blocks until ctx
// is cancelled or a listener fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	procLogger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	// Pebble logs through the stdlib logger.
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("Starting OpenStream server",
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("fsync", cfg.Storage.Fsync),
		logpkg.Str("durable", cfg.Durable.Driver),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			procLogger.Error("runtime close", logpkg.Err(err))
		}
	}()
	if err := rt.Start(sctx); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(sctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		serveErr error
	)
	fail := func(name string, err error) {
		errMu.Lock()
		if serveErr == nil {
			serveErr = fmt.Errorf("%s: %w", name, err)
		}
		errMu.Unlock()
		cancel()
	}

	hsrv := httpserver.New(rt, procLogger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.HTTPAddr); err != nil && sctx.Err() == nil {
			fail("http", err)
		}
	}()

	var gsrv *grpcserver.Server
	if cfg.Server.GRPCAddr != "" {
		gsrv = grpcserver.New(rt, procLogger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gsrv.ListenAndServe(sctx, cfg.Server.GRPCAddr); err != nil && sctx.Err() == nil {
				fail("grpc", err)
			}
		}()
	}

	<-sctx.Done()
	// Stop the servers before the deferred runtime close.
	if gsrv != nil {
		gsrv.Close()
	}
	hsrv.Close()
	wg.Wait()
	procLogger.Info("OpenStream server stopped")
	return serveErr
}
