package durable

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect names accepted by Config.Driver.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

type dialect struct {
	name   string
	driver string
	schema []string
}

var dialects = map[string]dialect{
	DialectPostgres: {
		name:   DialectPostgres,
		driver: "postgres",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS events (
	topic TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	log_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	partition_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	timestamp_ms BIGINT NOT NULL,
	ingested_at_ms BIGINT NOT NULL,
	persisted_at_ms BIGINT NOT NULL,
	PRIMARY KEY (topic, partition_id, log_id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_events_topic_log ON events (topic, log_id)`,
			`CREATE TABLE IF NOT EXISTS persist_cursors (
	topic TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	log_id TEXT NOT NULL,
	updated_at_ms BIGINT NOT NULL,
	PRIMARY KEY (topic, partition_id)
)`,
			`CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	epoch BIGINT NOT NULL,
	expires_at_ms BIGINT NOT NULL
)`,
		},
	},
	DialectSQLite: {
		name:   DialectSQLite,
		driver: "sqlite",
		schema: []string{
			`PRAGMA journal_mode=WAL`,
			`PRAGMA synchronous=FULL`,
			`PRAGMA busy_timeout=5000`,
			`CREATE TABLE IF NOT EXISTS events (
	topic TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	log_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	partition_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	ingested_at_ms INTEGER NOT NULL,
	persisted_at_ms INTEGER NOT NULL,
	PRIMARY KEY (topic, partition_id, log_id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_events_topic_log ON events (topic, log_id)`,
			`CREATE TRIGGER IF NOT EXISTS trg_events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only');
END`,
			`CREATE TABLE IF NOT EXISTS persist_cursors (
	topic TEXT NOT NULL,
	partition_id INTEGER NOT NULL,
	log_id TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (topic, partition_id)
)`,
			`CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL
)`,
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported durable driver %q", name)
	}
	return d, nil
}

// rebind rewrites "?" placeholders into the dialect's form.
func (d dialect) rebind(q string) string {
	if d.name != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
