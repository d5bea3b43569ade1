package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rzbill/openstream/internal/backpressure"
	"github.com/rzbill/openstream/internal/bridge/kafka"
	"github.com/rzbill/openstream/internal/bridge/rabbitmq"
	"github.com/rzbill/openstream/internal/durable"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/persister"
	"github.com/rzbill/openstream/internal/retention"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Config is the top-level configuration loaded from file and environment.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Storage      StorageConfig       `mapstructure:"storage"`
	Topics       TopicsConfig        `mapstructure:"topics"`
	Ingest       ingest.Limits       `mapstructure:"ingest"`
	Backpressure backpressure.Config `mapstructure:"backpressure"`
	Groups       GroupsConfig        `mapstructure:"groups"`
	Persister    persister.Config    `mapstructure:"persister"`
	Durable      durable.Config      `mapstructure:"durable"`
	Retention    retention.Config    `mapstructure:"retention"`
	Replay       ReplayConfig        `mapstructure:"replay"`
	Bridges      BridgesConfig       `mapstructure:"bridges"`
	Metrics      metrics.Config      `mapstructure:"metrics"`
	Log          logpkg.Config       `mapstructure:"log"`
}

// ServerConfig holds listener addresses and HTTP timeouts.
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// GRPCAddr serves grpc.health.v1. Empty disables it.
	GRPCAddr          string        `mapstructure:"grpc_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// WriteTimeout must exceed groups.max_block.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig configures the Pebble hot store.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// Fsync is always, interval or never.
	Fsync            string        `mapstructure:"fsync"`
	FsyncInterval    time.Duration `mapstructure:"fsync_interval"`
	CompressMinBytes int           `mapstructure:"compress_min_bytes"`
}

// TopicsConfig bounds partition counts.
type TopicsConfig struct {
	DefaultPartitions int `mapstructure:"default_partitions"`
	MaxPartitions     int `mapstructure:"max_partitions"`
}

// GroupsConfig tunes consumer-group reads and claims.
type GroupsConfig struct {
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	MaxCount      int           `mapstructure:"max_count"`
	MaxBlock      time.Duration `mapstructure:"max_block"`
	DefaultBlock  time.Duration `mapstructure:"default_block"`
	DefaultCount  int           `mapstructure:"default_count"`
	DefaultIdle   time.Duration `mapstructure:"default_min_idle"`
}

// ReplayConfig tunes replay and rehydration.
type ReplayConfig struct {
	PageSize     int    `mapstructure:"page_size"`
	TargetSuffix string `mapstructure:"target_suffix"`
}

// BridgesConfig holds the optional ingestion bridges.
type BridgesConfig struct {
	Kafka    kafka.Config    `mapstructure:"kafka"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
}

// Default returns built-in defaults. The durable store is a sqlite file
// under the data directory.
func Default() Config {
	dataDir := DefaultDataDir()
	return Config{
		Server: ServerConfig{
			HTTPAddr:          ":8080",
			GRPCAddr:          ":9090",
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:          dataDir,
			Fsync:            "always",
			FsyncInterval:    5 * time.Millisecond,
			CompressMinBytes: 4096,
		},
		Topics:       TopicsConfig{DefaultPartitions: 8, MaxPartitions: 4096},
		Ingest:       ingest.DefaultLimits(),
		Backpressure: backpressure.DefaultConfig(),
		Groups: GroupsConfig{
			MaxDeliveries: 10,
			MaxCount:      5000,
			MaxBlock:      30 * time.Second,
			DefaultBlock:  time.Second,
			DefaultCount:  100,
			DefaultIdle:   time.Minute,
		},
		Persister: persister.DefaultConfig(),
		Durable: durable.Config{
			Driver:       durable.DialectSQLite,
			MaxOpenConns: 8,
		},
		Retention: retention.DefaultConfig(),
		Replay:    ReplayConfig{PageSize: 500, TargetSuffix: ".replay"},
		Bridges: BridgesConfig{
			Kafka:    kafka.DefaultConfig(),
			RabbitMQ: rabbitmq.DefaultConfig(),
		},
		Metrics: metrics.DefaultConfig(),
		Log:     logpkg.Config{Level: "info", Format: "text"},
	}
}

// StoreDir is the Pebble directory.
func (c Config) StoreDir() string { return filepath.Join(c.Storage.DataDir, "store") }

// DurableConfig returns the durable settings with a sqlite DSN defaulted
// into the data directory.
func (c Config) DurableConfig() durable.Config {
	d := c.Durable
	if d.Driver == durable.DialectSQLite && d.DSN == "" {
		d.DSN = filepath.Join(c.Storage.DataDir, "durable", "events.db")
	}
	return d
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config: %d problems: %v", len(e.Problems), e.Problems)
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks cross-field constraints and returns a *ValidationError
// carrying every problem, or nil.
func (c Config) Validate() error {
	v := &ValidationError{}
	if c.Server.HTTPAddr == "" {
		v.add("server.http_addr is required")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Groups.MaxBlock {
		v.add("server.write_timeout (%s) must exceed groups.max_block (%s)", c.Server.WriteTimeout, c.Groups.MaxBlock)
	}
	if c.Storage.DataDir == "" {
		v.add("storage.data_dir is required")
	}
	switch c.Storage.Fsync {
	case "always", "never":
	case "interval":
		if c.Storage.FsyncInterval <= 0 {
			v.add("storage.fsync_interval must be > 0 when storage.fsync=interval")
		}
	default:
		v.add("storage.fsync must be always, interval or never, got %q", c.Storage.Fsync)
	}
	if c.Topics.MaxPartitions < 1 {
		v.add("topics.max_partitions must be >= 1")
	}
	if c.Topics.DefaultPartitions < 1 || c.Topics.DefaultPartitions > c.Topics.MaxPartitions {
		v.add("topics.default_partitions must be in [1, %d]", c.Topics.MaxPartitions)
	}
	if c.Ingest.MaxBatch < 1 {
		v.add("ingest.max_batch must be >= 1")
	}
	if c.Ingest.PayloadMaxBytes < 2 {
		v.add("ingest.payload_max_bytes must be >= 2")
	}
	if c.Backpressure.MaxStreamLen < 0 || c.Backpressure.MaxLag < 0 {
		v.add("backpressure thresholds must be >= 0")
	}
	if c.Groups.MaxDeliveries < 1 {
		v.add("groups.max_deliveries must be >= 1")
	}
	if c.Groups.MaxCount < 1 {
		v.add("groups.max_count must be >= 1")
	}
	if c.Groups.DefaultCount < 1 || c.Groups.DefaultCount > c.Groups.MaxCount {
		v.add("groups.default_count must be in [1, %d]", c.Groups.MaxCount)
	}
	if c.Groups.DefaultBlock < 0 || c.Groups.DefaultBlock > c.Groups.MaxBlock {
		v.add("groups.default_block must be in [0, %s]", c.Groups.MaxBlock)
	}
	if c.Persister.Enabled {
		if !c.Durable.Enabled() {
			v.add("persister.enabled requires durable.driver")
		}
		if c.Persister.LeaseTTL <= 0 {
			v.add("persister.lease_ttl must be > 0")
		}
		if c.Persister.BatchSize < 1 {
			v.add("persister.batch_size must be >= 1")
		}
	}
	switch c.Durable.Driver {
	case "", durable.DialectSQLite:
	case durable.DialectPostgres:
		if c.Durable.DSN == "" {
			v.add("durable.dsn is required for postgres")
		}
	default:
		v.add("durable.driver must be sqlite or postgres, got %q", c.Durable.Driver)
	}
	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			v.add("retention.interval must be > 0")
		}
		if c.Retention.RequirePersisted && !c.Durable.Enabled() {
			v.add("retention.require_persisted requires durable.driver")
		}
	}
	if c.Replay.PageSize < 1 {
		v.add("replay.page_size must be >= 1")
	}
	if err := c.Bridges.Kafka.Validate(); err != nil {
		v.add("bridges.%v", err)
	}
	if err := c.Bridges.RabbitMQ.Validate(); err != nil {
		v.add("bridges.%v", err)
	}
	if _, err := logpkg.ParseLevel(c.Log.Level); err != nil {
		v.add("log.level: %v", err)
	}
	if len(v.Problems) == 0 {
		return nil
	}
	return v
}
