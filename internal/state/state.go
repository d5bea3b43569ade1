package state

import (
	"context"
	"time"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/pkg/id"
)

// ErrLeaseLost is returned by Renew when the caller no longer holds a lease.
var ErrLeaseLost = &errs.Error{Kind: errs.KindLeaseLost, Op: "lease", Msg: "lease not held"}

// GroupKey addresses one consumer group on one partition.
type GroupKey struct {
	Topic     string
	Partition uint32
	Group     string
}

// Cursor is a group's last-delivered position. Ordinal is the log ordinal of
// ID, so lag is the log's Added() minus Ordinal.
type Cursor struct {
	ID      id.ID
	Ordinal uint64
}

// PendingEntry is a delivered-but-unacknowledged entry.
type PendingEntry struct {
	ID            id.ID
	Consumer      string
	DeliveredAtMs int64
	Deliveries    int
	// Flagged entries crossed the delivery ceiling and wait for manual action.
	Flagged bool
}

// Idle returns how long the entry has waited since its last delivery.
func (p PendingEntry) Idle(now time.Time) time.Duration {
	d := now.UnixMilli() - p.DeliveredAtMs
	if d < 0 {
		return 0
	}
	return time.Duration(d) * time.Millisecond
}

// ConsumerInfo records a consumer seen by a group.
type ConsumerInfo struct {
	Name       string
	LastSeenMs int64
}

// Lease is a time-bounded ownership record. Epoch increases on every change
// of holder so that a stale holder can be fenced.
type Lease struct {
	Name        string `json:"name"`
	Holder      string `json:"holder"`
	Epoch       uint64 `json:"epoch"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Live reports whether the lease is held at now.
func (l Lease) Live(now time.Time) bool {
	return l.Holder != "" && l.ExpiresAtMs > now.UnixMilli()
}

// CursorStore stores group cursors. A group exists on a partition iff it has
// a cursor there.
type CursorStore interface {
	GetCursor(ctx context.Context, k GroupKey) (Cursor, bool, error)
	SetCursor(ctx context.Context, k GroupKey, c Cursor) error
	// ListGroups returns the groups with a cursor on topic/partition, sorted.
	ListGroups(ctx context.Context, topic string, partition uint32) ([]string, error)
}

// PendingStore stores pending entry lists.
type PendingStore interface {
	// PutPending inserts or replaces entries.
	PutPending(ctx context.Context, k GroupKey, entries []PendingEntry) error
	// RemovePending deletes ids and returns how many were present.
	RemovePending(ctx context.Context, k GroupKey, ids []id.ID) (int, error)
	// ScanPending returns up to limit entries with id >= from, in id order.
	// limit <= 0 means unbounded.
	ScanPending(ctx context.Context, k GroupKey, from id.ID, limit int) ([]PendingEntry, error)
	CountPending(ctx context.Context, k GroupKey) (int, error)
}

// ConsumerStore tracks the consumers of a group.
type ConsumerStore interface {
	TouchConsumer(ctx context.Context, k GroupKey, consumer string, nowMs int64) error
	ListConsumers(ctx context.Context, k GroupKey) ([]ConsumerInfo, error)
}

// LeaseStore is an atomic conditional lease table.
type LeaseStore interface {
	// TryAcquire grants the lease when it is free, expired, or already held
	// by holder. The returned bool reports whether it was granted.
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, bool, error)
	// Renew extends a live lease held by holder, or returns ErrLeaseLost.
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (Lease, error)
	// Release drops the lease if holder owns it. Releasing a lease held by
	// someone else is a no-op.
	Release(ctx context.Context, name, holder string) error
	GetLease(ctx context.Context, name string) (Lease, bool, error)
}

// GroupStore bundles the stores a consumer group coordinator needs.
type GroupStore interface {
	CursorStore
	PendingStore
	ConsumerStore
	// ResetGroup sets the cursor and clears the pending list atomically.
	ResetGroup(ctx context.Context, k GroupKey, c Cursor) error
}
