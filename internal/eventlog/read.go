package eventlog

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/pkg/id"
)

// ReadOptions selects a forward range of entries.
type ReadOptions struct {
	// After is exclusive; Zero starts at the first retained entry.
	After id.ID
	// Until is inclusive; Zero means no upper bound.
	Until id.ID
	// Limit caps the number of items; 0 means unbounded.
	Limit int
}

type Item struct {
	ID      id.ID
	Ordinal uint64
	Header  []byte
	Payload []byte
}

// Read returns entries strictly after opts.After in id order.
func (l *Log) Read(opts ReadOptions) ([]Item, error) {
	if !opts.Until.IsZero() && opts.Until.Compare(opts.After) <= 0 {
		return nil, nil
	}
	prefix := KeyLogEntryPrefix(l.topic, l.part)
	lower := prefix
	if !opts.After.IsZero() {
		lower = KeyLogEntry(l.topic, l.part, opts.After.Next())
	}
	upper := pebblestore.PrefixUpperBound(prefix)
	if !opts.Until.IsZero() {
		upper = KeyLogEntry(l.topic, l.part, opts.Until.Next())
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("read iter: %w", err)
	}
	defer iter.Close()

	capHint := opts.Limit
	if capHint <= 0 || capHint > 1024 {
		capHint = 64
	}
	items := make([]Item, 0, capHint)
	for ok := iter.First(); ok && (opts.Limit == 0 || len(items) < opts.Limit); ok = iter.Next() {
		it, err := decodeItem(iter.Key(), iter.Value())
		if err != nil {
			return items, err
		}
		items = append(items, it)
	}
	return items, iter.Error()
}

// Get returns a single entry by id.
func (l *Log) Get(entryID id.ID) (Item, error) {
	key := KeyLogEntry(l.topic, l.part, entryID)
	val, err := l.db.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	return decodeItem(key, val)
}

// OrdinalAt returns the ordinal a cursor positioned at after should carry:
// the number of entries ever appended with an id <= after.
func (l *Log) OrdinalAt(after id.ID) (uint64, error) {
	if after.IsZero() {
		first, err := l.Read(ReadOptions{Limit: 1})
		if err != nil {
			return 0, err
		}
		if len(first) == 0 {
			return l.Added(), nil
		}
		return first[0].Ordinal - 1, nil
	}
	next, err := l.Read(ReadOptions{After: after, Limit: 1})
	if err != nil {
		return 0, err
	}
	if len(next) == 0 {
		return l.Added(), nil
	}
	return next[0].Ordinal - 1, nil
}

func decodeItem(key, val []byte) (Item, error) {
	eid, ok := idFromEntryKey(key)
	if !ok {
		return Item{}, fmt.Errorf("malformed entry key %q", key)
	}
	dec, ok := DecodeRecord(val)
	if !ok {
		return Item{}, fmt.Errorf("corrupt record at %s", eid)
	}
	return Item{ID: eid, Ordinal: dec.Ordinal, Header: dec.Header, Payload: dec.Payload}, nil
}
