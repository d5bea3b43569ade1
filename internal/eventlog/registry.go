package eventlog

import (
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
)

type logKey struct {
	topic string
	part  uint32
}

// Registry hands out one shared *Log per topic partition so that id
// generation, metadata and append notifications are process-wide.
type Registry struct {
	db   *pebblestore.DB
	opts Options

	mu   sync.Mutex
	logs map[logKey]*Log
}

// NewRegistry returns an empty registry over db.
func NewRegistry(db *pebblestore.DB, opts Options) *Registry {
	return &Registry{db: db, opts: opts, logs: make(map[logKey]*Log)}
}

// Log opens (once) and returns the log for topic/partition.
func (r *Registry) Log(topic string, partition int) (*Log, error) {
	if partition < 0 {
		return nil, fmt.Errorf("negative partition %d", partition)
	}
	k := logKey{topic: topic, part: uint32(partition)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[k]; ok {
		return l, nil
	}
	l, err := OpenLog(r.db, topic, k.part, r.opts)
	if err != nil {
		return nil, fmt.Errorf("open log %s/%d: %w", topic, partition, err)
	}
	r.logs[k] = l
	return l, nil
}
