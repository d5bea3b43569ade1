package groups

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/event"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/state"
	"github.com/rzbill/openstream/internal/topic"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// StartTail is the start id meaning "only entries appended from now on".
const StartTail = "$"

const maxConsumerLen = 200

// Logs resolves partition logs.
type Logs interface {
	Log(topic string, partition int) (*eventlog.Log, error)
}

// Topics resolves topic metadata.
type Topics interface {
	Ensure(name string, hint int) (topic.Meta, bool, error)
	Get(name string) (topic.Meta, error)
}

// Options tunes the coordinator.
type Options struct {
	// MaxDeliveries is the poison ceiling used by Claim (default 10).
	MaxDeliveries int
	// MaxCount bounds read and claim counts (default 5000).
	MaxCount int
	// MaxBlock bounds read blocking (default 30s).
	MaxBlock time.Duration
	Metrics  *metrics.ConsumerMetrics
	Logger   logpkg.Logger
	Now      func() time.Time
}

// Delivery is one entry handed to a consumer.
type Delivery struct {
	Partition     int             `json:"partition"`
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	PartitionKey  string          `json:"partition_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	TimestampMs   int64           `json:"timestamp_ms"`
	DeliveryCount int             `json:"delivery_count"`
}

// Coordinator serves group operations. It is safe for concurrent use.
type Coordinator struct {
	logs   Logs
	topics Topics
	store  state.GroupStore
	opts   Options
	logger logpkg.Logger

	locks sync.Map // state.GroupKey -> *sync.Mutex
	rr    atomic.Uint32
}

// New wires a coordinator.
func New(logs Logs, topics Topics, store state.GroupStore, opts Options) *Coordinator {
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 10
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 5000
	}
	if opts.MaxBlock <= 0 {
		opts.MaxBlock = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		logs:   logs,
		topics: topics,
		store:  store,
		opts:   opts,
		logger: opts.Logger.With(logpkg.Component("groups")),
	}
}

func (c *Coordinator) lock(k state.GroupKey) func() {
	v, _ := c.locks.LoadOrStore(k, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateRequest creates a group on every partition of a topic, or a subset.
type CreateRequest struct {
	Topic          string
	Group          string
	StartID        string
	Partitions     []int
	PartitionsHint int
}

// CreateResult lists which partitions were created and which already had
// the group.
type CreateResult struct {
	Topic      string `json:"topic"`
	Group      string `json:"group"`
	Partitions int    `json:"partitions"`
	Created    []int  `json:"created"`
	Existing   []int  `json:"existing"`
}

// Create creates the group. The topic is created if absent. An existing
// group keeps its cursor and is reported in Existing.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if !topic.ValidName(req.Group) {
		return CreateResult{}, errs.Invalidf("group.create", "invalid group name %q", req.Group)
	}
	if req.StartID == "" {
		req.StartID = StartTail
	}
	if err := validStart(req.StartID); err != nil {
		return CreateResult{}, err
	}
	meta, _, err := c.topics.Ensure(req.Topic, req.PartitionsHint)
	if err != nil {
		return CreateResult{}, err
	}
	parts, err := resolvePartitions(meta, req.Partitions)
	if err != nil {
		return CreateResult{}, err
	}
	res := CreateResult{Topic: meta.Name, Group: req.Group, Partitions: meta.Partitions, Created: []int{}, Existing: []int{}}
	for _, p := range parts {
		created, err := c.createOne(ctx, meta.Name, p, req.Group, req.StartID)
		if err != nil {
			return CreateResult{}, err
		}
		if created {
			res.Created = append(res.Created, p)
		} else {
			res.Existing = append(res.Existing, p)
		}
	}
	c.logger.Info("group created",
		logpkg.Str("topic", meta.Name), logpkg.Str("group", req.Group),
		logpkg.Str("start_id", req.StartID), logpkg.Int("created", len(res.Created)))
	return res, nil
}

func (c *Coordinator) createOne(ctx context.Context, topicName string, p int, group, start string) (bool, error) {
	k := key(topicName, p, group)
	defer c.lock(k)()
	if _, ok, err := c.store.GetCursor(ctx, k); err != nil {
		return false, errs.Unavailable("group.create", err)
	} else if ok {
		return false, nil
	}
	l, err := c.logs.Log(topicName, p)
	if err != nil {
		return false, errs.Unavailable("group.create", err)
	}
	cur, err := startCursor(l, start)
	if err != nil {
		return false, err
	}
	if err := c.store.SetCursor(ctx, k, cur); err != nil {
		return false, errs.Unavailable("group.create", err)
	}
	return true, nil
}

// ResetRequest moves a group's cursor on every partition it exists on, or a
// subset.
type ResetRequest struct {
	Topic      string
	Group      string
	StartID    string
	Partitions []int
}

// ResetResult lists the partitions whose cursor moved.
type ResetResult struct {
	Topic   string `json:"topic"`
	Group   string `json:"group"`
	StartID string `json:"start_id"`
	Updated []int  `json:"updated_partitions"`
}

// Reset sets the cursor to StartID (default 0-0) and clears pending entries.
// It is a Conflict when the group exists on none of the partitions.
func (c *Coordinator) Reset(ctx context.Context, req ResetRequest) (ResetResult, error) {
	if req.StartID == "" {
		req.StartID = "0-0"
	}
	if err := validStart(req.StartID); err != nil {
		return ResetResult{}, err
	}
	meta, err := c.topics.Get(req.Topic)
	if errs.Is(err, errs.KindNotFound) {
		return ResetResult{}, errs.Conflictf("group.reset", "group %q not found: topic %q does not exist", req.Group, req.Topic)
	}
	if err != nil {
		return ResetResult{}, err
	}
	parts, err := resolvePartitions(meta, req.Partitions)
	if err != nil {
		return ResetResult{}, err
	}
	res := ResetResult{Topic: meta.Name, Group: req.Group, StartID: req.StartID, Updated: []int{}}
	for _, p := range parts {
		ok, err := c.resetOne(ctx, meta.Name, p, req.Group, req.StartID)
		if err != nil {
			return ResetResult{}, err
		}
		if ok {
			res.Updated = append(res.Updated, p)
		}
	}
	if len(res.Updated) == 0 {
		return ResetResult{}, errs.Conflictf("group.reset", "group %q not found on any partition of %q", req.Group, meta.Name)
	}
	c.logger.Info("group reset",
		logpkg.Str("topic", meta.Name), logpkg.Str("group", req.Group),
		logpkg.Str("start_id", req.StartID), logpkg.Int("partitions", len(res.Updated)))
	return res, nil
}

func (c *Coordinator) resetOne(ctx context.Context, topicName string, p int, group, start string) (bool, error) {
	k := key(topicName, p, group)
	defer c.lock(k)()
	if _, ok, err := c.store.GetCursor(ctx, k); err != nil {
		return false, errs.Unavailable("group.reset", err)
	} else if !ok {
		return false, nil
	}
	l, err := c.logs.Log(topicName, p)
	if err != nil {
		return false, errs.Unavailable("group.reset", err)
	}
	cur, err := startCursor(l, start)
	if err != nil {
		return false, err
	}
	if err := c.store.ResetGroup(ctx, k, cur); err != nil {
		return false, errs.Unavailable("group.reset", err)
	}
	return true, nil
}

// Exists reports the partitions of topic on which group has a cursor.
func (c *Coordinator) Exists(ctx context.Context, topicName, group string) ([]int, error) {
	meta, err := c.topics.Get(topicName)
	if err != nil {
		return nil, err
	}
	var out []int
	for p := 0; p < meta.Partitions; p++ {
		_, ok, err := c.store.GetCursor(ctx, key(meta.Name, p, group))
		if err != nil {
			return nil, errs.Unavailable("group.exists", err)
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func key(topicName string, p int, group string) state.GroupKey {
	return state.GroupKey{Topic: topicName, Partition: uint32(p), Group: group}
}

func validStart(s string) error {
	if s == StartTail {
		return nil
	}
	if _, err := id.Parse(s); err != nil {
		return errs.Invalidf("group", "invalid start id %q", s)
	}
	return nil
}

// startCursor resolves "$" or an explicit id against the log.
func startCursor(l *eventlog.Log, start string) (state.Cursor, error) {
	if start == StartTail {
		st, err := l.Stats()
		if err != nil {
			return state.Cursor{}, errs.Unavailable("group.start", err)
		}
		return state.Cursor{ID: st.LastID, Ordinal: st.Added}, nil
	}
	sid, err := id.Parse(start)
	if err != nil {
		return state.Cursor{}, errs.Invalidf("group", "invalid start id %q", start)
	}
	ord, err := l.OrdinalAt(sid)
	if err != nil {
		return state.Cursor{}, errs.Unavailable("group.start", err)
	}
	return state.Cursor{ID: sid, Ordinal: ord}, nil
}

// resolvePartitions validates a requested subset, defaulting to every
// partition. Duplicates are dropped and order is kept.
func resolvePartitions(meta topic.Meta, req []int) ([]int, error) {
	if len(req) == 0 {
		out := make([]int, meta.Partitions)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	seen := make(map[int]bool, len(req))
	out := make([]int, 0, len(req))
	for _, p := range req {
		if p < 0 || p >= meta.Partitions {
			return nil, errs.Invalidf("group", "partition %d out of range [0, %d)", p, meta.Partitions)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func toDelivery(p int, it eventlog.Item, deliveries int) (Delivery, error) {
	ev, err := event.Decode(it.Header, it.Payload)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		Partition:     p,
		ID:            it.ID.String(),
		EventType:     ev.EventType,
		PartitionKey:  ev.PartitionKey,
		Payload:       ev.Payload,
		TimestampMs:   ev.Timestamp(),
		DeliveryCount: deliveries,
	}, nil
}
