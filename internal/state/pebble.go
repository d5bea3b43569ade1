package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/pkg/id"
)

const (
	prefixGroup = "grp/"

	suffixCursor   = "c"
	suffixPending  = "p/"
	suffixConsumer = "k/"
)

// pendingRecord is the stored form of a PendingEntry (the id lives in the key).
type pendingRecord struct {
	Consumer      string `json:"consumer"`
	DeliveredAtMs int64  `json:"deliveredMs"`
	Deliveries    int    `json:"deliveries"`
	Flagged       bool   `json:"flagged,omitempty"`
}

type consumerRecord struct {
	LastSeenMs int64 `json:"lastSeenMs"`
}

// partitionPrefix: grp/{topic}/{p_be4}/
func partitionPrefix(topic string, partition uint32) []byte {
	k := make([]byte, 0, len(prefixGroup)+len(topic)+6)
	k = append(k, prefixGroup...)
	k = append(k, topic...)
	k = append(k, '/')
	k = binary.BigEndian.AppendUint32(k, partition)
	k = append(k, '/')
	return k
}

// groupPrefix: grp/{topic}/{p_be4}/{group}/
func groupPrefix(k GroupKey) []byte {
	p := partitionPrefix(k.Topic, k.Partition)
	p = append(p, k.Group...)
	return append(p, '/')
}

func cursorKey(k GroupKey) []byte { return append(groupPrefix(k), suffixCursor...) }

func pendingPrefix(k GroupKey) []byte { return append(groupPrefix(k), suffixPending...) }

func pendingKey(k GroupKey, eid id.ID) []byte { return append(pendingPrefix(k), eid.Bytes()...) }

func consumerPrefix(k GroupKey) []byte { return append(groupPrefix(k), suffixConsumer...) }

// Pebble is a GroupStore persisted in the shared Pebble database.
type Pebble struct {
	db *pebblestore.DB
}

// NewPebble returns a store over db.
func NewPebble(db *pebblestore.DB) *Pebble {
	return &Pebble{db: db}
}

func (s *Pebble) GetCursor(_ context.Context, k GroupKey) (Cursor, bool, error) {
	b, err := s.db.Get(cursorKey(k))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}
	if len(b) != 24 {
		return Cursor{}, false, fmt.Errorf("cursor %s/%d/%s: unexpected length %d", k.Topic, k.Partition, k.Group, len(b))
	}
	cid, ok := id.FromBytes(b[:16])
	if !ok {
		return Cursor{}, false, fmt.Errorf("cursor %s/%d/%s: malformed id", k.Topic, k.Partition, k.Group)
	}
	return Cursor{ID: cid, Ordinal: binary.BigEndian.Uint64(b[16:])}, true, nil
}

func encodeCursor(c Cursor) []byte {
	v := make([]byte, 0, 24)
	v = append(v, c.ID.Bytes()...)
	return binary.BigEndian.AppendUint64(v, c.Ordinal)
}

func (s *Pebble) SetCursor(ctx context.Context, k GroupKey, c Cursor) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(cursorKey(k), encodeCursor(c), nil); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return s.db.CommitBatch(ctx, b)
}

func (s *Pebble) ListGroups(_ context.Context, topic string, partition uint32) ([]string, error) {
	prefix := partitionPrefix(topic, partition)
	it, err := s.db.NewPrefixIter(prefix)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer it.Close()
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		rest := it.Key()[len(prefix):]
		i := bytes.IndexByte(rest, '/')
		if i < 0 || string(rest[i+1:]) != suffixCursor {
			continue
		}
		out = append(out, string(rest[:i]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Pebble) PutPending(ctx context.Context, k GroupKey, entries []PendingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, e := range entries {
		v, err := json.Marshal(pendingRecord{Consumer: e.Consumer, DeliveredAtMs: e.DeliveredAtMs, Deliveries: e.Deliveries, Flagged: e.Flagged})
		if err != nil {
			return fmt.Errorf("marshal pending: %w", err)
		}
		if err := b.Set(pendingKey(k, e.ID), v, nil); err != nil {
			return fmt.Errorf("write pending: %w", err)
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit pending: %w", err)
	}
	return nil
}

func (s *Pebble) RemovePending(ctx context.Context, k GroupKey, ids []id.ID) (int, error) {
	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for _, eid := range ids {
		key := pendingKey(k, eid)
		if _, err := s.db.Get(key); err != nil {
			if errors.Is(err, pebblestore.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("lookup pending: %w", err)
		}
		if err := b.Delete(key, nil); err != nil {
			return 0, fmt.Errorf("delete pending: %w", err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("commit ack: %w", err)
	}
	return n, nil
}

func (s *Pebble) ScanPending(_ context.Context, k GroupKey, from id.ID, limit int) ([]PendingEntry, error) {
	prefix := pendingPrefix(k)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pendingKey(k, from),
		UpperBound: pebblestore.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	defer it.Close()
	var out []PendingEntry
	for ok := it.First(); ok && (limit <= 0 || len(out) < limit); ok = it.Next() {
		eid, valid := id.FromBytes(it.Key()[len(prefix):])
		if !valid {
			return nil, fmt.Errorf("malformed pending key %q", it.Key())
		}
		var rec pendingRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal pending: %w", err)
		}
		out = append(out, PendingEntry{ID: eid, Consumer: rec.Consumer, DeliveredAtMs: rec.DeliveredAtMs, Deliveries: rec.Deliveries, Flagged: rec.Flagged})
	}
	return out, it.Error()
}

func (s *Pebble) CountPending(_ context.Context, k GroupKey) (int, error) {
	it, err := s.db.NewPrefixIter(pendingPrefix(k))
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	defer it.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n, it.Error()
}

// ResetGroup drops the pending list and moves the cursor in one batch.
func (s *Pebble) ResetGroup(ctx context.Context, k GroupKey, c Cursor) error {
	prefix := pendingPrefix(k)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, pebblestore.PrefixUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	if err := b.Set(cursorKey(k), encodeCursor(c), nil); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

func (s *Pebble) TouchConsumer(ctx context.Context, k GroupKey, consumer string, nowMs int64) error {
	v, err := json.Marshal(consumerRecord{LastSeenMs: nowMs})
	if err != nil {
		return fmt.Errorf("marshal consumer: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(append(consumerPrefix(k), consumer...), v, nil); err != nil {
		return fmt.Errorf("write consumer: %w", err)
	}
	return s.db.CommitBatch(ctx, b)
}

func (s *Pebble) ListConsumers(_ context.Context, k GroupKey) ([]ConsumerInfo, error) {
	prefix := consumerPrefix(k)
	it, err := s.db.NewPrefixIter(prefix)
	if err != nil {
		return nil, fmt.Errorf("list consumers: %w", err)
	}
	defer it.Close()
	var out []ConsumerInfo
	for ok := it.First(); ok; ok = it.Next() {
		var rec consumerRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal consumer: %w", err)
		}
		out = append(out, ConsumerInfo{Name: string(it.Key()[len(prefix):]), LastSeenMs: rec.LastSeenMs})
	}
	return out, it.Error()
}
