package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Topics.DefaultPartitions != 8 || cfg.Topics.MaxPartitions != 4096 {
		t.Fatalf("partition defaults: %+v", cfg.Topics)
	}
	if cfg.Ingest.MaxBatch != 5000 {
		t.Fatalf("max batch default")
	}
	if cfg.Backpressure.MaxStreamLen != 200_000 || cfg.Backpressure.MaxLag != 0 {
		t.Fatalf("backpressure defaults: %+v", cfg.Backpressure)
	}
	if cfg.Groups.MaxDeliveries != 10 {
		t.Fatalf("poison ceiling default")
	}
	if cfg.Persister.LeaseTTL != 15*time.Second || cfg.Persister.RenewInterval != 5*time.Second || cfg.Persister.BatchSize != 500 {
		t.Fatalf("persister defaults: %+v", cfg.Persister)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestDurableConfigDefaultsIntoDataDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/srv/os"
	d := cfg.DurableConfig()
	if d.DSN != filepath.Join("/srv/os", "durable", "events.db") {
		t.Fatalf("dsn=%q", d.DSN)
	}
	if cfg.StoreDir() != filepath.Join("/srv/os", "store") {
		t.Fatalf("store dir=%q", cfg.StoreDir())
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("OPENSTREAM_GROUPS_MAX_DELIVERIES", "20")
	t.Setenv("OPENSTREAM_PERSISTER_LEASE_TTL", "30s")
	path := filepath.Join(t.TempDir(), "openstream.yaml")
	content := []byte(`
server:
  http_addr: ":9000"
storage:
  data_dir: /tmp/openstream-test
topics:
  default_partitions: 4
backpressure:
  max_stream_len: 1000
  max_lag: 500
bridges:
  kafka:
    enabled: true
    brokers: ["127.0.0.1:9092"]
    topics: ["orders"]
    group_id: g1
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9000" || cfg.Storage.DataDir != "/tmp/openstream-test" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Topics.DefaultPartitions != 4 || cfg.Topics.MaxPartitions != 4096 {
		t.Fatalf("topics=%+v", cfg.Topics)
	}
	if cfg.Backpressure.MaxLag != 500 || cfg.Backpressure.RetryAfter != time.Second {
		t.Fatalf("backpressure=%+v", cfg.Backpressure)
	}
	if cfg.Groups.MaxDeliveries != 20 {
		t.Fatalf("env override max_deliveries=%d", cfg.Groups.MaxDeliveries)
	}
	if cfg.Persister.LeaseTTL != 30*time.Second {
		t.Fatalf("env override lease_ttl=%v", cfg.Persister.LeaseTTL)
	}
	if !cfg.Bridges.Kafka.Enabled || cfg.Bridges.Kafka.GroupID != "g1" || len(cfg.Bridges.Kafka.Brokers) != 1 {
		t.Fatalf("kafka=%+v", cfg.Bridges.Kafka)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openstream.toml")
	content := []byte(`
[durable]
driver = "postgres"
dsn = "postgres://localhost/openstream"

[retention]
max_len = 100
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Durable.Driver != "postgres" || cfg.Retention.MaxLen != 100 {
		t.Fatalf("durable=%+v retention=%+v", cfg.Durable, cfg.Retention)
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("OPENSTREAM_LOG_FORMAT", "json")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("format=%q", cfg.Log.Format)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OPENSTREAM_TOPICS_DEFAULT_PARTITIONS", "16")
	t.Setenv("OPENSTREAM_BRIDGES_RABBITMQ_QUEUE", "orders")
	cfg := Default()
	cfg.Storage.DataDir = "/kept"
	if err := FromEnv(&cfg); err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Topics.DefaultPartitions != 16 {
		t.Fatalf("partitions=%d", cfg.Topics.DefaultPartitions)
	}
	if cfg.Bridges.RabbitMQ.Queue != "orders" {
		t.Fatalf("queue=%q", cfg.Bridges.RabbitMQ.Queue)
	}
	if cfg.Storage.DataDir != "/kept" {
		t.Fatalf("base values must survive, data_dir=%q", cfg.Storage.DataDir)
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Default()
	cfg.Storage.Fsync = "sometimes"
	cfg.Groups.MaxDeliveries = 0
	cfg.Durable.Driver = "mysql"
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Problems) != 4 {
		t.Fatalf("problems=%v", verr.Problems)
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := Default()
	cfg.Durable.Driver = ""
	cfg.Persister.Enabled = true
	cfg.Retention.Enabled = true
	cfg.Retention.RequirePersisted = true
	cfg.Server.WriteTimeout = 10 * time.Second
	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) != 3 {
		t.Fatalf("err=%v", err)
	}
}
