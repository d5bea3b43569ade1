package replay

import (
	"context"
	"errors"

	"github.com/rzbill/openstream/internal/durable"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/groups"
	"github.com/rzbill/openstream/internal/ingest"
	"github.com/rzbill/openstream/internal/topic"
	"github.com/rzbill/openstream/pkg/id"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// ReplaySuffix names the default rehydrate target, "<topic>.replay".
const ReplaySuffix = ".replay"

// Groups is the group surface replay drives.
type Groups interface {
	Create(ctx context.Context, req groups.CreateRequest) (groups.CreateResult, error)
	Reset(ctx context.Context, req groups.ResetRequest) (groups.ResetResult, error)
	Exists(ctx context.Context, topic, group string) ([]int, error)
}

// Logs resolves partition logs.
type Logs interface {
	Log(topic string, partition int) (*eventlog.Log, error)
}

// Topics resolves topic metadata.
type Topics interface {
	Get(name string) (topic.Meta, error)
}

// History reads persisted rows.
type History interface {
	Query(ctx context.Context, q durable.Query) (durable.Page, error)
}

// Ingester re-ingests events.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Response, error)
}

// Controller serves both replay paths. History and Ingester may be nil when
// no durable store is configured; durable replay then reports Unavailable.
type Controller struct {
	groups  Groups
	logs    Logs
	topics  Topics
	history History
	ingest  Ingester
	logger  logpkg.Logger

	suffix   string
	pageSize int
	maxBatch int
}

// Options wires a Controller.
type Options struct {
	Groups  Groups
	Logs    Logs
	Topics  Topics
	History History
	Ingest  Ingester
	Logger  logpkg.Logger
	// TargetSuffix names the default rehydrate target (default ".replay").
	TargetSuffix string
	// PageSize is the default rehydrate page size (default 500).
	PageSize int
	// MaxBatch is the gateway's batch limit. Pages never exceed it.
	MaxBatch int
}

// New returns a controller.
func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.TargetSuffix == "" {
		opts.TargetSuffix = ReplaySuffix
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = ingest.DefaultLimits().MaxBatch
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	return &Controller{
		suffix:   opts.TargetSuffix,
		pageSize: min(opts.PageSize, opts.MaxBatch),
		maxBatch: opts.MaxBatch,
		groups:   opts.Groups,
		logs:     opts.Logs,
		topics:   opts.Topics,
		history:  opts.History,
		ingest:   opts.Ingest,
		logger:   opts.Logger.With(logpkg.Component("replay")),
	}
}

// GroupRequest rewinds a group to StartID.
type GroupRequest struct {
	Topic      string
	Group      string
	StartID    string
	Partitions []int
}

// GroupResult lists which partitions were reset and which were created.
type GroupResult struct {
	Topic   string `json:"topic"`
	Group   string `json:"group"`
	StartID string `json:"start_id"`
	Reset   []int  `json:"reset"`
	Created []int  `json:"created"`
}

// ReplayGroup positions Group at StartID on every requested partition,
// resetting it where it exists and creating it elsewhere. It is a Conflict
// when any partition has evicted entries after StartID.
func (c *Controller) ReplayGroup(ctx context.Context, req GroupRequest) (GroupResult, error) {
	if req.StartID == "" {
		req.StartID = "0-0"
	}
	start, err := id.Parse(req.StartID)
	if err != nil {
		return GroupResult{}, errs.Invalidf("replay.group", "start id must be an explicit id, got %q", req.StartID)
	}
	meta, err := c.topics.Get(req.Topic)
	if err != nil {
		return GroupResult{}, err
	}
	parts := req.Partitions
	if len(parts) == 0 {
		parts = make([]int, meta.Partitions)
		for i := range parts {
			parts[i] = i
		}
	}
	for _, p := range parts {
		if p < 0 || p >= meta.Partitions {
			return GroupResult{}, errs.Invalidf("replay.group", "partition %d out of range [0, %d)", p, meta.Partitions)
		}
		l, err := c.logs.Log(meta.Name, p)
		if err != nil {
			return GroupResult{}, errs.Unavailable("replay.group", err)
		}
		if tt := l.TrimmedThrough(); start.Less(tt) {
			return GroupResult{}, errs.Conflictf("replay.group",
				"partition %d has evicted entries through %s; use durable replay for earlier history", p, tt)
		}
	}

	existing, err := c.groups.Exists(ctx, meta.Name, req.Group)
	if err != nil {
		return GroupResult{}, err
	}
	has := make(map[int]bool, len(existing))
	for _, p := range existing {
		has[p] = true
	}
	var toReset, toCreate []int
	for _, p := range parts {
		if has[p] {
			toReset = append(toReset, p)
		} else {
			toCreate = append(toCreate, p)
		}
	}
	res := GroupResult{Topic: meta.Name, Group: req.Group, StartID: req.StartID, Reset: []int{}, Created: []int{}}
	if len(toReset) > 0 {
		r, err := c.groups.Reset(ctx, groups.ResetRequest{Topic: meta.Name, Group: req.Group, StartID: req.StartID, Partitions: toReset})
		if err != nil {
			return GroupResult{}, err
		}
		res.Reset = r.Updated
	}
	if len(toCreate) > 0 {
		r, err := c.groups.Create(ctx, groups.CreateRequest{Topic: meta.Name, Group: req.Group, StartID: req.StartID, Partitions: toCreate})
		if err != nil {
			return GroupResult{}, err
		}
		res.Created = r.Created
	}
	c.logger.Info("group replay",
		logpkg.Str("topic", meta.Name), logpkg.Str("group", req.Group), logpkg.Str("start_id", req.StartID),
		logpkg.Int("reset", len(res.Reset)), logpkg.Int("created", len(res.Created)))
	return res, nil
}

// HistoryRequest selects persisted rows.
type HistoryRequest struct {
	Topic      string
	Partitions []int
	FromID     string
	UntilID    string
	FromMs     int64
	ToMs       int64
	// After is the Next token of a previous page.
	After string
	Limit int
}

// HistoryPage is one page of persisted events.
type HistoryPage struct {
	Events []durable.Event `json:"events"`
	Next   string          `json:"next,omitempty"`
}

// History pages through the durable store.
func (c *Controller) History(ctx context.Context, req HistoryRequest) (HistoryPage, error) {
	if c.history == nil {
		return HistoryPage{}, errs.Unavailable("replay.history", errNoDurable)
	}
	q, err := buildQuery(req.Topic, req.Partitions, req.FromID, req.UntilID, req.FromMs, req.ToMs, req.After, req.Limit)
	if err != nil {
		return HistoryPage{}, err
	}
	if q.Limit > 1000 {
		return HistoryPage{}, errs.Invalidf("replay.history", "limit must be at most 1000")
	}
	page, err := c.history.Query(ctx, q)
	if err != nil {
		return HistoryPage{}, errs.Unavailable("replay.history", err)
	}
	out := HistoryPage{Events: page.Events}
	if page.Next != nil {
		out.Next = page.Next.String()
	}
	return out, nil
}

// RehydrateRequest re-ingests a persisted range.
type RehydrateRequest struct {
	Topic string
	// Target defaults to Topic plus the configured suffix (".replay").
	Target     string
	Partitions []int
	FromID     string
	UntilID    string
	FromMs     int64
	ToMs       int64
	// Filter is an optional CEL expression.
	Filter string
	// After resumes a previous rehydrate from its ResumeAfter token.
	After string
	// PageSize is the durable page and ingest batch size.
	PageSize int
	// MaxEvents stops after this many emitted events. 0 is unbounded.
	MaxEvents int
}

// RehydrateResult summarises a rehydrate run.
type RehydrateResult struct {
	Target  string `json:"target"`
	Scanned int    `json:"scanned"`
	Emitted int    `json:"emitted"`
	// Malformed counts events skipped because their payload could not be
	// decoded for the filter.
	Malformed int `json:"malformed,omitempty"`
	// Done is true when the range was exhausted.
	Done bool `json:"done"`
	// ResumeAfter is set when the run stopped early, by backpressure or
	// MaxEvents. Pass it back as After to continue.
	ResumeAfter  string `json:"resume_after,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Rehydrate copies matching persisted events into the target topic through
// the ingestion gateway. Backpressure on the target stops the run with a
// resume token rather than failing it.
func (c *Controller) Rehydrate(ctx context.Context, req RehydrateRequest) (RehydrateResult, error) {
	if c.history == nil || c.ingest == nil {
		return RehydrateResult{}, errs.Unavailable("replay.rehydrate", errNoDurable)
	}
	if req.Target == "" {
		req.Target = req.Topic + c.suffix
	}
	if req.Target == req.Topic {
		return RehydrateResult{}, errs.Invalidf("replay.rehydrate", "target must differ from the source topic")
	}
	if !topic.ValidName(req.Target) {
		return RehydrateResult{}, errs.Invalidf("replay.rehydrate", "invalid target topic %q", req.Target)
	}
	if req.PageSize <= 0 {
		req.PageSize = c.pageSize
	}
	req.PageSize = min(req.PageSize, c.maxBatch)
	filter, err := CompileFilter(req.Filter)
	if err != nil {
		return RehydrateResult{}, errs.Invalidf("replay.rehydrate", "filter: %v", err)
	}
	q, err := buildQuery(req.Topic, req.Partitions, req.FromID, req.UntilID, req.FromMs, req.ToMs, req.After, req.PageSize)
	if err != nil {
		return RehydrateResult{}, err
	}

	res := RehydrateResult{Target: req.Target}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := c.history.Query(ctx, q)
		if err != nil {
			return res, errs.Unavailable("replay.rehydrate", err)
		}
		res.Scanned += len(page.Events)

		var (
			batch []ingest.EventIn
			src   []durable.Event
		)
		for _, ev := range page.Events {
			ok, err := filter.Match(ev)
			if err != nil {
				res.Malformed++
				c.logger.Warn("skipping event with malformed payload", logpkg.Str("topic", req.Topic), logpkg.Err(err))
				continue
			}
			if !ok {
				continue
			}
			ts := ev.TimestampMs
			batch = append(batch, ingest.EventIn{
				EventType:    ev.EventType,
				PartitionKey: ev.PartitionKey,
				Payload:      ev.Payload,
				TimestampMs:  &ts,
			})
			src = append(src, ev)
		}
		if req.MaxEvents > 0 && res.Emitted+len(batch) > req.MaxEvents {
			keep := req.MaxEvents - res.Emitted
			batch, src = batch[:keep], src[:keep]
		}
		if len(batch) > 0 {
			resp, err := c.ingest.Ingest(ctx, ingest.Request{Topic: req.Target, Events: batch})
			if err != nil {
				return res, err
			}
			if stop, ok := firstRejected(resp); ok {
				res.Emitted += stop
				res.RetryAfterMs = resp.Results[stop].RetryAfterMs
				if stop > 0 {
					res.ResumeAfter = position(src[stop-1]).String()
				} else {
					res.ResumeAfter = resumeBefore(q.After)
				}
				c.logger.Info("rehydrate paused by backpressure",
					logpkg.Str("topic", req.Topic), logpkg.Str("target", req.Target),
					logpkg.Int("emitted", res.Emitted), logpkg.Str("resume_after", res.ResumeAfter))
				return res, nil
			}
			res.Emitted += len(batch)
		}
		if req.MaxEvents > 0 && res.Emitted >= req.MaxEvents {
			res.ResumeAfter = position(src[len(src)-1]).String()
			return res, nil
		}
		if page.Next == nil {
			res.Done = true
			c.logger.Info("rehydrate complete",
				logpkg.Str("topic", req.Topic), logpkg.Str("target", req.Target),
				logpkg.Int("scanned", res.Scanned), logpkg.Int("emitted", res.Emitted))
			return res, nil
		}
		q.After = page.Next
	}
}

// firstRejected returns the index of the first rejected result. Events
// accepted after it are re-sent on resume, which the at-least-once producer
// contract allows.
func firstRejected(resp ingest.Response) (int, bool) {
	if resp.Rejected == 0 {
		return 0, false
	}
	for i, r := range resp.Results {
		if r.Status == ingest.StatusRejected {
			return i, true
		}
	}
	return 0, false
}

func position(ev durable.Event) durable.Position {
	return durable.Position{ID: ev.ID, Partition: ev.Partition}
}

func resumeBefore(after *durable.Position) string {
	if after == nil {
		return ""
	}
	return after.String()
}

func buildQuery(topicName string, parts []int, fromID, untilID string, fromMs, toMs int64, after string, limit int) (durable.Query, error) {
	q := durable.Query{Topic: topicName, Partitions: parts, FromMs: fromMs, ToMs: toMs, Limit: limit}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if fromMs < 0 || toMs < 0 || (toMs > 0 && toMs <= fromMs) {
		return q, errs.Invalidf("replay", "invalid time range [%d, %d)", fromMs, toMs)
	}
	var err error
	if fromID != "" {
		if q.FromID, err = id.Parse(fromID); err != nil {
			return q, errs.Invalidf("replay", "invalid from id %q", fromID)
		}
	}
	if untilID != "" {
		if q.UntilID, err = id.Parse(untilID); err != nil {
			return q, errs.Invalidf("replay", "invalid until id %q", untilID)
		}
	}
	if after != "" {
		pos, err := durable.ParsePosition(after)
		if err != nil {
			return q, errs.Invalidf("replay", "invalid resume token %q", after)
		}
		q.After = &pos
	}
	return q, nil
}

var errNoDurable = errors.New("durable store not configured")
