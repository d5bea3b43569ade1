// Package backpressure decides, per partition, whether an ingest batch may be
// appended. Each threshold is an independent Check; a Monitor evaluates them
// in order and the first failing check rejects.
//
// Checks run synchronously on the ingest path, so a partition may overshoot a
// threshold by at most one in-flight batch.
package backpressure

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/openstream/internal/errs"
)

// Stats is the partition state the checks read.
type Stats interface {
	// PartitionLength is the number of retained entries.
	PartitionLength(topic string, partition int) (int64, error)
	// MaxGroupLag is the largest cursor distance from the head over every
	// group on the partition (0 without groups).
	MaxGroupLag(ctx context.Context, topic string, partition int) (int64, error)
}

// Decision is the outcome of one admission evaluation.
type Decision struct {
	Allowed    bool
	Check      string
	Observed   int64
	Limit      int64
	RetryAfter time.Duration
}

// Err converts a rejection into an AdmissionRejected error. It returns nil
// for an allowed decision.
func (d Decision) Err(topic string, partition int) error {
	if d.Allowed {
		return nil
	}
	return errs.Rejected("admit", fmt.Sprintf("partition %s/%d over %s threshold (%d >= %d)", topic, partition, d.Check, d.Observed, d.Limit), d.RetryAfter)
}

// Check is one admission threshold.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, topic string, partition int) (Decision, error)
}

// MaxLength rejects when the partition holds at least Max entries.
type MaxLength struct {
	Stats      Stats
	Max        int64
	RetryAfter time.Duration
}

func (c MaxLength) Name() string { return "max_length" }

func (c MaxLength) Evaluate(_ context.Context, topic string, partition int) (Decision, error) {
	n, err := c.Stats.PartitionLength(topic, partition)
	if err != nil {
		return Decision{}, err
	}
	return decide(c.Name(), n, c.Max, c.RetryAfter), nil
}

// MaxLag rejects when the slowest group trails the head by at least Max.
type MaxLag struct {
	Stats      Stats
	Max        int64
	RetryAfter time.Duration
}

func (c MaxLag) Name() string { return "max_lag" }

func (c MaxLag) Evaluate(ctx context.Context, topic string, partition int) (Decision, error) {
	n, err := c.Stats.MaxGroupLag(ctx, topic, partition)
	if err != nil {
		return Decision{}, err
	}
	return decide(c.Name(), n, c.Max, c.RetryAfter), nil
}

func decide(check string, observed, limit int64, retry time.Duration) Decision {
	return Decision{
		Allowed:    observed < limit,
		Check:      check,
		Observed:   observed,
		Limit:      limit,
		RetryAfter: retry,
	}
}

// Config holds the thresholds. Zero disables a threshold.
type Config struct {
	MaxStreamLen int64         `mapstructure:"max_stream_len"`
	MaxLag       int64         `mapstructure:"max_lag"`
	RetryAfter   time.Duration `mapstructure:"retry_after"`
}

// DefaultConfig caps partitions at 200000 entries with lag disabled.
func DefaultConfig() Config {
	return Config{MaxStreamLen: 200_000, RetryAfter: time.Second}
}

// Monitor composes checks.
type Monitor struct {
	checks []Check
}

// NewMonitor returns a monitor over checks, evaluated in order.
func NewMonitor(checks ...Check) *Monitor {
	return &Monitor{checks: checks}
}

// FromConfig builds a monitor with one check per enabled threshold.
func FromConfig(cfg Config, stats Stats) *Monitor {
	retry := cfg.RetryAfter
	if retry <= 0 {
		retry = time.Second
	}
	var checks []Check
	if cfg.MaxStreamLen > 0 {
		checks = append(checks, MaxLength{Stats: stats, Max: cfg.MaxStreamLen, RetryAfter: retry})
	}
	if cfg.MaxLag > 0 {
		checks = append(checks, MaxLag{Stats: stats, Max: cfg.MaxLag, RetryAfter: retry})
	}
	return NewMonitor(checks...)
}

// Admit evaluates every check for the partition. An error from a check is a
// dependency failure and is returned as Unavailable.
func (m *Monitor) Admit(ctx context.Context, topic string, partition int) (Decision, error) {
	if m == nil {
		return Decision{Allowed: true}, nil
	}
	for _, c := range m.checks {
		d, err := c.Evaluate(ctx, topic, partition)
		if err != nil {
			return Decision{}, errs.Unavailable("admit", fmt.Errorf("%s: %w", c.Name(), err))
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Checks returns the configured check names.
func (m *Monitor) Checks() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.checks))
	for i, c := range m.checks {
		out[i] = c.Name()
	}
	return out
}
