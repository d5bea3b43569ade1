package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	_ "modernc.org/sqlite"

	"github.com/rzbill/openstream/internal/state"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Config selects and tunes the durable database.
type Config struct {
	// Driver is "sqlite" or "postgres". Empty disables the durable store.
	Driver string `mapstructure:"driver"`
	// DSN is a postgres connection URL or a sqlite file path.
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// Enabled reports whether a durable store is configured.
func (c Config) Enabled() bool { return c.Driver != "" }

// Event is one persisted row.
type Event struct {
	Topic         string          `json:"topic"`
	Partition     int             `json:"partition"`
	ID            id.ID           `json:"id"`
	EventType     string          `json:"event_type"`
	PartitionKey  string          `json:"partition_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	TimestampMs   int64           `json:"timestamp_ms"`
	IngestedAtMs  int64           `json:"ingested_at_ms"`
	PersistedAtMs int64           `json:"persisted_at_ms"`
}

// Batch is a run of entries from one partition plus the watermark to record
// once they are committed.
type Batch struct {
	Topic     string
	Partition int
	Events    []Event
	// Through is the new persist cursor. It is normally the last event id.
	Through id.ID
	// When Holder is set the batch commits only while lease Lease is live
	// and held by Holder at Epoch. A fenced-out batch fails with
	// state.ErrLeaseLost and writes nothing.
	Lease  string
	Holder string
	Epoch  uint64
}

// PersistResult counts what a batch did.
type PersistResult struct {
	Inserted   int
	Duplicates int
}

// Store is a SQL-backed durable event store.
type Store struct {
	db     *sql.DB
	d      dialect
	now    func() time.Time
	logger logpkg.Logger
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg Config, logger logpkg.Logger) (*Store, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if d.name == DialectSQLite && cfg.DSN != ":memory:" {
		if dir := filepath.Dir(cfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("durable: mkdir: %w", err)
			}
		}
	}
	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("durable: open: %w", err)
	}
	if d.name == DialectSQLite {
		// One writer at a time keeps sqlite from returning SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	s, err := newStore(ctx, db, d, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an existing connection pool.
func OpenDB(ctx context.Context, db *sql.DB, driver string, logger logpkg.Logger) (*Store, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	return newStore(ctx, db, d, logger)
}

func newStore(ctx context.Context, db *sql.DB, d dialect, logger logpkg.Logger) (*Store, error) {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("durable: ping: %w", err)
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("durable: schema: %w", err)
		}
	}
	s := &Store{db: db, d: d, now: time.Now, logger: logger.With(logpkg.Component("durable"))}
	s.logger.Info("durable store ready", logpkg.Str("driver", d.name))
	return s, nil
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Dialect returns the configured dialect name.
func (s *Store) Dialect() string { return s.d.name }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// PersistBatch inserts the batch and advances the partition's cursor in one
// transaction. Rows that already exist are counted as duplicates. The cursor
// never moves backwards.
func (s *Store) PersistBatch(ctx context.Context, b Batch) (PersistResult, error) {
	var res PersistResult
	if len(b.Events) == 0 && b.Through.IsZero() {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("durable: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := s.now().UnixMilli()
	if b.Holder != "" {
		if err := s.checkLease(ctx, tx, b, nowMs); err != nil {
			return res, err
		}
	}
	insert, err := tx.PrepareContext(ctx, s.d.rebind(`INSERT INTO events
	(topic, partition_id, log_id, event_type, partition_key, payload, timestamp_ms, ingested_at_ms, persisted_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (topic, partition_id, log_id) DO NOTHING`))
	if err != nil {
		return res, fmt.Errorf("durable: prepare insert: %w", err)
	}
	defer insert.Close()
	for _, ev := range b.Events {
		payload := string(ev.Payload)
		if payload == "" {
			payload = "{}"
		}
		r, err := insert.ExecContext(ctx, b.Topic, b.Partition, ev.ID.String(), ev.EventType, ev.PartitionKey,
			payload, ev.TimestampMs, ev.IngestedAtMs, nowMs)
		if err != nil {
			return PersistResult{}, fmt.Errorf("durable: insert %s: %w", ev.ID, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return PersistResult{}, fmt.Errorf("durable: rows affected: %w", err)
		}
		if n == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
	}
	if !b.Through.IsZero() {
		if _, err := tx.ExecContext(ctx, s.d.rebind(`INSERT INTO persist_cursors (topic, partition_id, log_id, updated_at_ms)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (topic, partition_id) DO UPDATE
	SET log_id = excluded.log_id, updated_at_ms = excluded.updated_at_ms
	WHERE persist_cursors.log_id < excluded.log_id`),
			b.Topic, b.Partition, b.Through.String(), nowMs); err != nil {
			return PersistResult{}, fmt.Errorf("durable: advance cursor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return PersistResult{}, fmt.Errorf("durable: commit: %w", err)
	}
	return res, nil
}

// checkLease verifies the batch's lease inside tx. On postgres the lease row
// stays locked until commit, so no new holder can take it mid-batch.
func (s *Store) checkLease(ctx context.Context, tx *sql.Tx, b Batch, nowMs int64) error {
	q := `SELECT epoch FROM leases WHERE name = ? AND holder = ? AND epoch = ? AND expires_at_ms > ?`
	if s.d.name == DialectPostgres {
		q += ` FOR UPDATE`
	}
	var epoch int64
	err := tx.QueryRowContext(ctx, s.d.rebind(q), b.Lease, b.Holder, int64(b.Epoch), nowMs).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return state.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("durable: check lease: %w", err)
	}
	return nil
}

// Cursor returns the persist cursor of a partition.
func (s *Store) Cursor(ctx context.Context, topic string, partition int) (id.ID, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT log_id FROM persist_cursors WHERE topic = ? AND partition_id = ?`),
		topic, partition).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return id.Zero, false, nil
	}
	if err != nil {
		return id.Zero, false, fmt.Errorf("durable: cursor: %w", err)
	}
	v, err := id.Parse(raw)
	if err != nil {
		return id.Zero, false, fmt.Errorf("durable: cursor: %w", err)
	}
	return v, true, nil
}

// Watermark is Cursor under the name used by the stats aggregator.
func (s *Store) Watermark(ctx context.Context, topic string, partition int) (id.ID, bool, error) {
	return s.Cursor(ctx, topic, partition)
}

// Query selects persisted rows. Results are ordered by (id, partition).
type Query struct {
	Topic string
	// Partitions restricts the scan. Empty means every partition.
	Partitions []int
	// After is an exclusive keyset position from a previous page.
	After *Position
	// FromID and UntilID bound the id range, both inclusive. Zero is open.
	FromID  id.ID
	UntilID id.ID
	// FromMs and ToMs bound the id timestamp, [FromMs, ToMs). Zero is open.
	FromMs int64
	ToMs   int64
	Limit  int
}

// Position is a keyset pagination token.
type Position struct {
	ID        id.ID `json:"id"`
	Partition int   `json:"partition"`
}

// String renders the position as "partition:id".
func (p Position) String() string { return fmt.Sprintf("%d:%s", p.Partition, p.ID) }

// ParsePosition parses the form produced by Position.String.
func ParsePosition(s string) (Position, error) {
	ps, is, ok := strings.Cut(s, ":")
	if !ok {
		return Position{}, fmt.Errorf("malformed position %q", s)
	}
	var p int
	if _, err := fmt.Sscanf(ps, "%d", &p); err != nil {
		return Position{}, fmt.Errorf("malformed position %q", s)
	}
	v, err := id.Parse(is)
	if err != nil {
		return Position{}, err
	}
	return Position{ID: v, Partition: p}, nil
}

// Page is one page of a query.
type Page struct {
	Events []Event
	// Next is set when more rows may follow.
	Next *Position
}

// Query pages through persisted rows.
func (s *Store) Query(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	var (
		where = []string{"topic = ?"}
		args  = []any{q.Topic}
	)
	if len(q.Partitions) > 0 {
		marks := make([]string, len(q.Partitions))
		for i, p := range q.Partitions {
			marks[i] = "?"
			args = append(args, p)
		}
		where = append(where, "partition_id IN ("+strings.Join(marks, ", ")+")")
	}
	if !q.FromID.IsZero() {
		where = append(where, "log_id >= ?")
		args = append(args, q.FromID.String())
	}
	if !q.UntilID.IsZero() {
		where = append(where, "log_id <= ?")
		args = append(args, q.UntilID.String())
	}
	// Fixed-width ids sort by time, so a time range is an id range.
	if q.FromMs > 0 {
		where = append(where, "log_id >= ?")
		args = append(args, id.New(uint64(q.FromMs), 0).String())
	}
	if q.ToMs > 0 {
		where = append(where, "log_id < ?")
		args = append(args, id.New(uint64(q.ToMs), 0).String())
	}
	if q.After != nil {
		where = append(where, "(log_id > ? OR (log_id = ? AND partition_id > ?))")
		a := q.After.ID.String()
		args = append(args, a, a, q.After.Partition)
	}
	args = append(args, q.Limit+1)
	stmt := `SELECT partition_id, log_id, event_type, partition_key, payload, timestamp_ms, ingested_at_ms, persisted_at_ms
	FROM events WHERE ` + strings.Join(where, " AND ") + `
	ORDER BY log_id, partition_id
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, s.d.rebind(stmt), args...)
	if err != nil {
		return Page{}, fmt.Errorf("durable: query: %w", err)
	}
	defer rows.Close()

	page := Page{Events: make([]Event, 0, q.Limit)}
	for rows.Next() {
		var (
			ev      Event
			rawID   string
			payload string
		)
		if err := rows.Scan(&ev.Partition, &rawID, &ev.EventType, &ev.PartitionKey, &payload,
			&ev.TimestampMs, &ev.IngestedAtMs, &ev.PersistedAtMs); err != nil {
			return Page{}, fmt.Errorf("durable: scan: %w", err)
		}
		if ev.ID, err = id.Parse(rawID); err != nil {
			return Page{}, fmt.Errorf("durable: scan: %w", err)
		}
		ev.Topic = q.Topic
		ev.Payload = json.RawMessage(payload)
		page.Events = append(page.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("durable: query: %w", err)
	}
	if len(page.Events) > q.Limit {
		page.Events = page.Events[:q.Limit]
		last := page.Events[len(page.Events)-1]
		page.Next = &Position{ID: last.ID, Partition: last.Partition}
	}
	return page, nil
}

// Count returns the number of persisted rows for a topic partition.
func (s *Store) Count(ctx context.Context, topic string, partition int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM events WHERE topic = ? AND partition_id = ?`),
		topic, partition).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("durable: count: %w", err)
	}
	return n, nil
}
