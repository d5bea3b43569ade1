// Package aggregator derives observability views from the logs and the group
// state: partition lengths, per-group lag and pending counts. It backs the
// metrics summary endpoint, topic describe, the lag-based admission check and
// scrape-time Prometheus gauges.
package aggregator

import (
	"context"
	"fmt"

	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/state"
	"github.com/rzbill/openstream/internal/topic"
	"github.com/rzbill/openstream/pkg/id"
)

// Logs resolves partition logs.
type Logs interface {
	Log(topic string, partition int) (*eventlog.Log, error)
}

// Topics lists topic metadata.
type Topics interface {
	Get(name string) (topic.Meta, error)
	List() ([]topic.Meta, error)
}

// Watermarks reports the durable persist cursor of a partition.
type Watermarks interface {
	Watermark(ctx context.Context, topic string, partition int) (id.ID, bool, error)
}

// GroupStats is one group's view of one partition.
type GroupStats struct {
	Group     string   `json:"group"`
	Cursor    string   `json:"cursor"`
	Lag       int64    `json:"lag"`
	Pending   int      `json:"pending"`
	Consumers []string `json:"consumers,omitempty"`
}

// PartitionStats summarizes one partition.
type PartitionStats struct {
	Partition        int          `json:"partition"`
	Length           int64        `json:"length"`
	FirstID          string       `json:"first_id,omitempty"`
	LastID           string       `json:"last_id,omitempty"`
	Appended         uint64       `json:"appended"`
	TrimmedThrough   string       `json:"trimmed_through,omitempty"`
	PersistedThrough string       `json:"persisted_through,omitempty"`
	Groups           []GroupStats `json:"groups"`
}

// TopicStats summarizes one topic.
type TopicStats struct {
	Topic          string           `json:"topic"`
	Partitions     int              `json:"partitions"`
	CreatedAtMs    int64            `json:"created_at_ms"`
	PartitionStats []PartitionStats `json:"partition_stats"`
}

// Summary is the metrics summary document.
type Summary struct {
	Topics []TopicStats `json:"topics"`
}

// Aggregator computes the views. It holds no state of its own.
type Aggregator struct {
	logs       Logs
	topics     Topics
	groups     state.GroupStore
	watermarks Watermarks
}

// New returns an aggregator. watermarks may be nil when no durable store runs.
func New(logs Logs, topics Topics, groups state.GroupStore, watermarks Watermarks) *Aggregator {
	return &Aggregator{logs: logs, topics: topics, groups: groups, watermarks: watermarks}
}

// PartitionLength returns the number of retained entries.
func (a *Aggregator) PartitionLength(topicName string, partition int) (int64, error) {
	l, err := a.logs.Log(topicName, partition)
	if err != nil {
		return 0, err
	}
	return l.Len(), nil
}

// MaxGroupLag returns the largest lag over the partition's groups.
func (a *Aggregator) MaxGroupLag(ctx context.Context, topicName string, partition int) (int64, error) {
	l, err := a.logs.Log(topicName, partition)
	if err != nil {
		return 0, err
	}
	groups, err := a.groups.ListGroups(ctx, topicName, uint32(partition))
	if err != nil {
		return 0, err
	}
	head := l.Added()
	var max int64
	for _, g := range groups {
		c, ok, err := a.groups.GetCursor(ctx, state.GroupKey{Topic: topicName, Partition: uint32(partition), Group: g})
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if lag := lagOf(head, c); lag > max {
			max = lag
		}
	}
	return max, nil
}

func lagOf(head uint64, c state.Cursor) int64 {
	if c.Ordinal >= head {
		return 0
	}
	return int64(head - c.Ordinal)
}

// Summary walks every topic.
func (a *Aggregator) Summary(ctx context.Context) (Summary, error) {
	metas, err := a.topics.List()
	if err != nil {
		return Summary{}, err
	}
	out := Summary{Topics: make([]TopicStats, 0, len(metas))}
	for _, m := range metas {
		ts, err := a.topicStats(ctx, m)
		if err != nil {
			return Summary{}, err
		}
		out.Topics = append(out.Topics, ts)
	}
	return out, nil
}

// DescribeTopic returns one topic's stats.
func (a *Aggregator) DescribeTopic(ctx context.Context, name string) (TopicStats, error) {
	m, err := a.topics.Get(name)
	if err != nil {
		return TopicStats{}, err
	}
	return a.topicStats(ctx, m)
}

func (a *Aggregator) topicStats(ctx context.Context, m topic.Meta) (TopicStats, error) {
	ts := TopicStats{Topic: m.Name, Partitions: m.Partitions, CreatedAtMs: m.CreatedAtMs}
	for p := 0; p < m.Partitions; p++ {
		ps, err := a.partitionStats(ctx, m.Name, p)
		if err != nil {
			return TopicStats{}, fmt.Errorf("stats %s/%d: %w", m.Name, p, err)
		}
		ts.PartitionStats = append(ts.PartitionStats, ps)
	}
	return ts, nil
}

func (a *Aggregator) partitionStats(ctx context.Context, topicName string, p int) (PartitionStats, error) {
	l, err := a.logs.Log(topicName, p)
	if err != nil {
		return PartitionStats{}, err
	}
	st, err := l.Stats()
	if err != nil {
		return PartitionStats{}, err
	}
	ps := PartitionStats{Partition: p, Length: st.Length, Appended: st.Added, Groups: []GroupStats{}}
	if st.Length > 0 {
		ps.FirstID = st.FirstID.String()
	}
	if !st.LastID.IsZero() {
		ps.LastID = st.LastID.String()
	}
	if !st.TrimmedThrough.IsZero() {
		ps.TrimmedThrough = st.TrimmedThrough.String()
	}
	if a.watermarks != nil {
		wm, ok, err := a.watermarks.Watermark(ctx, topicName, p)
		if err != nil {
			return PartitionStats{}, err
		}
		if ok {
			ps.PersistedThrough = wm.String()
		}
	}
	groups, err := a.groups.ListGroups(ctx, topicName, uint32(p))
	if err != nil {
		return PartitionStats{}, err
	}
	for _, g := range groups {
		k := state.GroupKey{Topic: topicName, Partition: uint32(p), Group: g}
		c, ok, err := a.groups.GetCursor(ctx, k)
		if err != nil {
			return PartitionStats{}, err
		}
		if !ok {
			continue
		}
		pending, err := a.groups.CountPending(ctx, k)
		if err != nil {
			return PartitionStats{}, err
		}
		consumers, err := a.groups.ListConsumers(ctx, k)
		if err != nil {
			return PartitionStats{}, err
		}
		gs := GroupStats{Group: g, Cursor: c.ID.String(), Lag: lagOf(st.Added, c), Pending: pending}
		for _, ci := range consumers {
			gs.Consumers = append(gs.Consumers, ci.Name)
		}
		ps.Groups = append(ps.Groups, gs)
	}
	return ps, nil
}
