package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
	"github.com/rzbill/openstream/pkg/id"
)

// AppendRecord represents a single appendable event.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Appended is the position assigned to one appended record.
type Appended struct {
	ID      id.ID
	Ordinal uint64
}

// Options tunes a Log.
type Options struct {
	// CompressMinBytes enables snappy for payloads at least this large. 0 disables.
	CompressMinBytes int
	// Archiver observes trimmed ranges. Optional.
	Archiver ArchiverHook
}

// meta is the per-partition metadata record.
//
//	lastID(16) | count(8) | added(8) | trimmedThrough(16)
type meta struct {
	lastID         id.ID
	count          int64
	added          uint64
	trimmedThrough id.ID
}

func (m meta) encode() []byte {
	b := make([]byte, 0, 48)
	b = append(b, m.lastID.Bytes()...)
	b = binary.BigEndian.AppendUint64(b, uint64(m.count))
	b = binary.BigEndian.AppendUint64(b, m.added)
	b = append(b, m.trimmedThrough.Bytes()...)
	return b
}

func decodeMeta(b []byte) (meta, error) {
	if len(b) != 48 {
		return meta{}, fmt.Errorf("log meta: unexpected length %d", len(b))
	}
	last, _ := id.FromBytes(b[0:16])
	trimmed, _ := id.FromBytes(b[32:48])
	return meta{
		lastID:         last,
		count:          int64(binary.BigEndian.Uint64(b[16:24])),
		added:          binary.BigEndian.Uint64(b[24:32]),
		trimmedThrough: trimmed,
	}, nil
}

// Log is the ordered, append-only entry sequence of one topic partition.
// Appends and trims are serialized by the log; reads are lock-free.
type Log struct {
	db    *pebblestore.DB
	topic string
	part  uint32

	mu          sync.Mutex
	gen         *id.Generator
	meta        meta
	notifyCh    chan struct{}
	archiver    ArchiverHook
	compressMin int
}

// OpenLog initializes a Log and restores its metadata (if any).
func OpenLog(db *pebblestore.DB, topic string, partition uint32, opts Options) (*Log, error) {
	l := &Log{
		db:          db,
		topic:       topic,
		part:        partition,
		notifyCh:    make(chan struct{}),
		archiver:    opts.Archiver,
		compressMin: opts.CompressMinBytes,
	}
	if l.archiver == nil {
		l.archiver = noopArchiver{}
	}
	raw, err := db.Get(KeyLogMeta(topic, partition))
	switch {
	case err == nil:
		m, derr := decodeMeta(raw)
		if derr != nil {
			return nil, derr
		}
		l.meta = m
	case errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, fmt.Errorf("load log meta: %w", err)
	}
	l.gen = id.NewGenerator(l.meta.lastID)
	return l, nil
}

func (l *Log) Topic() string     { return l.topic }
func (l *Log) Partition() uint32 { return l.part }

// Append appends the provided records as a single atomic batch, in order.
// Either every record is durable with a fresh increasing id or none is.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]Appended, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	next := l.meta
	out := make([]Appended, len(recs))
	for i, r := range recs {
		eid := l.gen.Next()
		next.added++
		next.count++
		next.lastID = eid
		val := EncodeRecord(next.added, r.Header, r.Payload, l.compressMin)
		if err := b.Set(KeyLogEntry(l.topic, l.part, eid), val, nil); err != nil {
			return nil, fmt.Errorf("append set: %w", err)
		}
		out[i] = Appended{ID: eid, Ordinal: next.added}
	}
	if err := b.Set(KeyLogMeta(l.topic, l.part), next.encode(), nil); err != nil {
		return nil, fmt.Errorf("append meta: %w", err)
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("append commit: %w", err)
	}
	l.meta = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return out, nil
}

// Stats is a point-in-time summary of the partition.
type Stats struct {
	Length         int64
	FirstID        id.ID
	LastID         id.ID
	Added          uint64
	TrimmedThrough id.ID
}

// Len returns the number of retained entries.
func (l *Log) Len() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta.count
}

// LastID returns the id of the newest entry ever appended (Zero if none).
func (l *Log) LastID() id.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta.lastID
}

// Added returns the total number of entries ever appended; it is also the
// ordinal of the newest entry.
func (l *Log) Added() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta.added
}

// TrimmedThrough returns the highest id removed by retention (Zero if none).
func (l *Log) TrimmedThrough() id.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta.trimmedThrough
}

// Stats returns length, bounds and counters.
func (l *Log) Stats() (Stats, error) {
	l.mu.Lock()
	m := l.meta
	l.mu.Unlock()
	st := Stats{Length: m.count, LastID: m.lastID, Added: m.added, TrimmedThrough: m.trimmedThrough}
	first, ok, err := l.FirstID()
	if err != nil {
		return st, err
	}
	if ok {
		st.FirstID = first
	}
	return st, nil
}

// FirstID returns the oldest retained entry id.
func (l *Log) FirstID() (id.ID, bool, error) {
	it, err := l.db.NewPrefixIter(KeyLogEntryPrefix(l.topic, l.part))
	if err != nil {
		return id.ID{}, false, err
	}
	defer it.Close()
	if !it.First() {
		return id.ID{}, false, it.Error()
	}
	eid, ok := idFromEntryKey(it.Key())
	return eid, ok, nil
}

var ErrNotFound = errors.New("event not found")
