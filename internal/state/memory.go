package state

import (
	"context"
	"sort"
	"sync"

	"github.com/rzbill/openstream/pkg/id"
)

// Memory is an in-process GroupStore. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	cursors   map[GroupKey]Cursor
	pending   map[GroupKey]map[id.ID]PendingEntry
	consumers map[GroupKey]map[string]int64
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		cursors:   make(map[GroupKey]Cursor),
		pending:   make(map[GroupKey]map[id.ID]PendingEntry),
		consumers: make(map[GroupKey]map[string]int64),
	}
}

func (m *Memory) GetCursor(_ context.Context, k GroupKey) (Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[k]
	return c, ok, nil
}

func (m *Memory) SetCursor(_ context.Context, k GroupKey, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[k] = c
	return nil
}

func (m *Memory) ListGroups(_ context.Context, topic string, partition uint32) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.cursors {
		if k.Topic == topic && k.Partition == partition {
			out = append(out, k.Group)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PutPending(_ context.Context, k GroupKey, entries []PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pel := m.pending[k]
	if pel == nil {
		pel = make(map[id.ID]PendingEntry)
		m.pending[k] = pel
	}
	for _, e := range entries {
		pel[e.ID] = e
	}
	return nil
}

func (m *Memory) RemovePending(_ context.Context, k GroupKey, ids []id.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pel := m.pending[k]
	n := 0
	for _, eid := range ids {
		if _, ok := pel[eid]; ok {
			delete(pel, eid)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ScanPending(_ context.Context, k GroupKey, from id.ID, limit int) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingEntry
	for _, e := range m.pending[k] {
		if !e.ID.Less(from) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountPending(_ context.Context, k GroupKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[k]), nil
}

func (m *Memory) ResetGroup(_ context.Context, k GroupKey, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, k)
	m.cursors[k] = c
	return nil
}

func (m *Memory) TouchConsumer(_ context.Context, k GroupKey, consumer string, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.consumers[k]
	if cs == nil {
		cs = make(map[string]int64)
		m.consumers[k] = cs
	}
	cs[consumer] = nowMs
	return nil
}

func (m *Memory) ListConsumers(_ context.Context, k GroupKey) ([]ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConsumerInfo, 0, len(m.consumers[k]))
	for name, ms := range m.consumers[k] {
		out = append(out, ConsumerInfo{Name: name, LastSeenMs: ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
