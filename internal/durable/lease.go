package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/openstream/internal/state"
)

// Leases is a state.LeaseStore in the durable database, shared by every
// server instance that points at it.
type Leases struct {
	s *Store
}

var _ state.LeaseStore = (*Leases)(nil)

// Leases returns the store's lease table.
func (s *Store) Leases() *Leases { return &Leases{s: s} }

// TryAcquire grants the lease with a single conditional upsert. The epoch is
// kept when a live holder re-acquires and bumped on every other grant.
func (l *Leases) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (state.Lease, bool, error) {
	now := l.s.now()
	nowMs := now.UnixMilli()
	exp := now.Add(ttl).UnixMilli()
	r, err := l.s.db.ExecContext(ctx, l.s.d.rebind(`INSERT INTO leases (name, holder, epoch, expires_at_ms)
	VALUES (?, ?, 1, ?)
	ON CONFLICT (name) DO UPDATE
	SET holder = excluded.holder,
		expires_at_ms = excluded.expires_at_ms,
		epoch = CASE WHEN leases.holder = excluded.holder AND leases.expires_at_ms > ? THEN leases.epoch ELSE leases.epoch + 1 END
	WHERE leases.holder = excluded.holder OR leases.holder = '' OR leases.expires_at_ms <= ?`),
		name, holder, exp, nowMs, nowMs)
	if err != nil {
		return state.Lease{}, false, fmt.Errorf("durable: acquire lease: %w", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return state.Lease{}, false, fmt.Errorf("durable: acquire lease: %w", err)
	}
	cur, _, err := l.get(ctx, name)
	if err != nil {
		return state.Lease{}, false, err
	}
	return cur, n > 0 && cur.Holder == holder, nil
}

// Renew extends a live lease held by holder.
func (l *Leases) Renew(ctx context.Context, name, holder string, ttl time.Duration) (state.Lease, error) {
	now := l.s.now()
	r, err := l.s.db.ExecContext(ctx, l.s.d.rebind(`UPDATE leases SET expires_at_ms = ?
	WHERE name = ? AND holder = ? AND expires_at_ms > ?`),
		now.Add(ttl).UnixMilli(), name, holder, now.UnixMilli())
	if err != nil {
		return state.Lease{}, fmt.Errorf("durable: renew lease: %w", err)
	}
	if n, err := r.RowsAffected(); err != nil {
		return state.Lease{}, fmt.Errorf("durable: renew lease: %w", err)
	} else if n == 0 {
		return state.Lease{}, state.ErrLeaseLost
	}
	cur, _, err := l.get(ctx, name)
	return cur, err
}

// Release frees the lease if holder owns it. The epoch is kept.
func (l *Leases) Release(ctx context.Context, name, holder string) error {
	_, err := l.s.db.ExecContext(ctx, l.s.d.rebind(`UPDATE leases SET holder = '', expires_at_ms = 0
	WHERE name = ? AND holder = ?`), name, holder)
	if err != nil {
		return fmt.Errorf("durable: release lease: %w", err)
	}
	return nil
}

// GetLease returns the current holder, if any.
func (l *Leases) GetLease(ctx context.Context, name string) (state.Lease, bool, error) {
	cur, ok, err := l.get(ctx, name)
	if err != nil || !ok || cur.Holder == "" {
		return state.Lease{}, false, err
	}
	return cur, true, nil
}

func (l *Leases) get(ctx context.Context, name string) (state.Lease, bool, error) {
	var (
		cur   = state.Lease{Name: name}
		epoch int64
	)
	err := l.s.db.QueryRowContext(ctx, l.s.d.rebind(`SELECT holder, epoch, expires_at_ms FROM leases WHERE name = ?`), name).
		Scan(&cur.Holder, &epoch, &cur.ExpiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Lease{}, false, nil
	}
	if err != nil {
		return state.Lease{}, false, fmt.Errorf("durable: get lease: %w", err)
	}
	cur.Epoch = uint64(epoch)
	return cur, true, nil
}
