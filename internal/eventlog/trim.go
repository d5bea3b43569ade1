package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/openstream/pkg/id"
)

// TrimOptions bounds a retention pass. Zero fields are inactive.
type TrimOptions struct {
	// MaxLen keeps at most this many newest entries.
	MaxLen int64
	// OlderThanMs removes entries whose id timestamp is below this cutoff.
	OlderThanMs int64
	// Ceiling, when set, protects every entry with an id above it
	// (e.g. entries not yet durably persisted).
	Ceiling id.ID
	// BatchLimit caps deletes per committed batch (default 1024).
	BatchLimit int
	// Throttle pauses between batches.
	Throttle time.Duration
}

// TrimResult reports what a pass removed.
type TrimResult struct {
	Deleted int
	LastID  id.ID
}

// Trim deletes the oldest entries that fall outside opts, oldest first, in
// batches. Metadata (count, trimmed-through) is updated with each batch.
func (l *Log) Trim(ctx context.Context, opts TrimOptions) (TrimResult, error) {
	var res TrimResult
	if opts.MaxLen <= 0 && opts.OlderThanMs <= 0 {
		return res, nil
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 1024
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, last, err := l.trimBatch(ctx, opts)
		if err != nil {
			return res, err
		}
		if n == 0 {
			return res, nil
		}
		res.Deleted += n
		res.LastID = last
		if opts.Throttle > 0 {
			time.Sleep(opts.Throttle)
		}
	}
}

func (l *Log) trimBatch(ctx context.Context, opts TrimOptions) (int, id.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, err := l.db.NewPrefixIter(KeyLogEntryPrefix(l.topic, l.part))
	if err != nil {
		return 0, id.ID{}, fmt.Errorf("trim iter: %w", err)
	}
	defer it.Close()

	b := l.db.NewBatch()
	defer b.Close()

	next := l.meta
	var minID, maxID id.ID
	n := 0
	for ok := it.First(); ok && n < opts.BatchLimit; ok = it.Next() {
		eid, valid := idFromEntryKey(it.Key())
		if !valid {
			return 0, id.ID{}, fmt.Errorf("malformed entry key %q", it.Key())
		}
		if !opts.Ceiling.IsZero() && opts.Ceiling.Less(eid) {
			break
		}
		overLen := opts.MaxLen > 0 && next.count > opts.MaxLen
		tooOld := opts.OlderThanMs > 0 && eid.Ms < uint64(opts.OlderThanMs)
		if !overLen && !tooOld {
			break
		}
		if err := b.Delete(it.Key(), nil); err != nil {
			return 0, id.ID{}, fmt.Errorf("trim delete: %w", err)
		}
		if n == 0 {
			minID = eid
		}
		maxID = eid
		next.count--
		n++
	}
	if err := it.Error(); err != nil {
		return 0, id.ID{}, err
	}
	if n == 0 {
		return 0, id.ID{}, nil
	}
	if next.trimmedThrough.Less(maxID) {
		next.trimmedThrough = maxID
	}
	if err := b.Set(KeyLogMeta(l.topic, l.part), next.encode(), nil); err != nil {
		return 0, id.ID{}, fmt.Errorf("trim meta: %w", err)
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return 0, id.ID{}, fmt.Errorf("trim commit: %w", err)
	}
	l.meta = next
	l.archiver.EmitTrimRange(l.topic, l.part, minID, maxID, n)
	return n, maxID, nil
}
