package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rzbill/openstream/internal/backpressure"
	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/event"
	"github.com/rzbill/openstream/internal/eventlog"
	"github.com/rzbill/openstream/internal/metrics"
	"github.com/rzbill/openstream/internal/partition"
	"github.com/rzbill/openstream/internal/topic"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

const (
	StatusOK       = "ok"
	StatusRejected = "rejected"

	maxNameLen = 200
)

// EventIn is one producer event.
type EventIn struct {
	EventType    string          `json:"event_type"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TimestampMs  *int64          `json:"timestamp_ms,omitempty"`
}

// Request is one ingest batch. Partitions is an optional count hint used
// when the topic does not exist yet.
type Request struct {
	Topic      string
	Events     []EventIn
	Partitions int
}

// Result is the outcome for one event, in submission order.
type Result struct {
	Partition    int    `json:"partition"`
	ID           string `json:"id,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Response reports a processed batch.
type Response struct {
	Topic      string   `json:"topic"`
	Partitions int      `json:"partitions"`
	Results    []Result `json:"results"`
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
}

// Err returns an AdmissionRejected error carrying the longest retry hint
// when any event was rejected, nil otherwise.
func (r Response) Err() error {
	if r.Rejected == 0 {
		return nil
	}
	var retry time.Duration
	for _, res := range r.Results {
		if d := time.Duration(res.RetryAfterMs) * time.Millisecond; d > retry {
			retry = d
		}
	}
	return errs.Rejected("ingest", "one or more partitions over threshold", retry)
}

// Limits bounds request shape.
type Limits struct {
	PayloadMaxBytes int `mapstructure:"payload_max_bytes"`
	MaxBatch        int `mapstructure:"max_batch"`
	MaxPartitions   int `mapstructure:"max_partitions"`
}

// DefaultLimits returns 1 MiB payloads, 5000-event batches, 4096 partitions.
func DefaultLimits() Limits {
	return Limits{PayloadMaxBytes: 1 << 20, MaxBatch: 5000, MaxPartitions: 4096}
}

// Topics ensures topic metadata.
type Topics interface {
	Ensure(name string, hint int) (topic.Meta, bool, error)
}

// Logs resolves partition logs.
type Logs interface {
	Log(topic string, partition int) (*eventlog.Log, error)
}

// Admitter is the admission decision for one partition.
type Admitter interface {
	Admit(ctx context.Context, topic string, partition int) (backpressure.Decision, error)
}

// Gateway is the ingestion entry point. It is safe for concurrent use.
type Gateway struct {
	topics   Topics
	logs     Logs
	admit    Admitter
	assigner *partition.Assigner
	limits   Limits
	metrics  *metrics.IngestMetrics
	logger   logpkg.Logger
	now      func() time.Time
}

// Options carries optional gateway dependencies.
type Options struct {
	Limits  Limits
	Metrics *metrics.IngestMetrics
	Logger  logpkg.Logger
	Now     func() time.Time
}

// NewGateway wires a gateway. admit may be nil to admit everything.
func NewGateway(topics Topics, logs Logs, admit Admitter, opts Options) *Gateway {
	d := DefaultLimits()
	if opts.Limits.PayloadMaxBytes <= 0 {
		opts.Limits.PayloadMaxBytes = d.PayloadMaxBytes
	}
	if opts.Limits.MaxBatch <= 0 {
		opts.Limits.MaxBatch = d.MaxBatch
	}
	if opts.Limits.MaxPartitions <= 0 {
		opts.Limits.MaxPartitions = d.MaxPartitions
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		topics:   topics,
		logs:     logs,
		admit:    admit,
		assigner: partition.NewAssigner(),
		limits:   opts.Limits,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With(logpkg.Component("ingest")),
		now:      opts.Now,
	}
}

// Ingest processes one batch.
func (g *Gateway) Ingest(ctx context.Context, req Request) (Response, error) {
	payloads, err := g.validate(req)
	if err != nil {
		g.metrics.RecordRequest("invalid")
		return Response{}, err
	}
	meta, _, err := g.topics.Ensure(req.Topic, req.Partitions)
	if err != nil {
		g.metrics.RecordRequest("invalid")
		return Response{}, err
	}

	resp := Response{Topic: meta.Name, Partitions: meta.Partitions, Results: make([]Result, len(req.Events))}
	byPartition := make(map[int][]int)
	for i, ev := range req.Events {
		p := g.assigner.Partition(ev.PartitionKey, meta.Partitions)
		byPartition[p] = append(byPartition[p], i)
		resp.Results[i].Partition = p
	}
	parts := make([]int, 0, len(byPartition))
	for p := range byPartition {
		parts = append(parts, p)
	}
	sort.Ints(parts)

	ingestedAt := g.now().UnixMilli()
	for _, p := range parts {
		idx := byPartition[p]
		if g.admit != nil {
			d, err := g.admit.Admit(ctx, meta.Name, p)
			if err != nil {
				g.metrics.RecordRequest("error")
				return Response{}, err
			}
			if !d.Allowed {
				g.metrics.RecordRejection(meta.Name, d.Check)
				g.logger.Debug("partition rejected by admission",
					logpkg.Str("topic", meta.Name), logpkg.Int("partition", p),
					logpkg.Str("check", d.Check), logpkg.Int64("observed", d.Observed))
				for _, i := range idx {
					resp.Results[i].Status = StatusRejected
					resp.Results[i].Error = "backpressure"
					resp.Results[i].RetryAfterMs = d.RetryAfter.Milliseconds()
				}
				resp.Rejected += len(idx)
				continue
			}
		}
		if err := g.appendPartition(ctx, meta.Name, p, req.Events, payloads, idx, ingestedAt, resp.Results); err != nil {
			g.metrics.RecordRequest("error")
			return Response{}, err
		}
		resp.Accepted += len(idx)
	}

	switch {
	case resp.Rejected == 0:
		g.metrics.RecordRequest("ok")
	case resp.Accepted == 0:
		g.metrics.RecordRequest("backpressure")
	default:
		g.metrics.RecordRequest("partial")
	}
	return resp, nil
}

func (g *Gateway) appendPartition(ctx context.Context, topicName string, p int, events []EventIn, payloads [][]byte, idx []int, ingestedAt int64, results []Result) error {
	l, err := g.logs.Log(topicName, p)
	if err != nil {
		return errs.Unavailable("ingest", err)
	}
	recs := make([]eventlog.AppendRecord, len(idx))
	size := 0
	for j, i := range idx {
		ev := events[i]
		hdr, err := event.EncodeHeader(event.Header{
			EventType:    ev.EventType,
			PartitionKey: ev.PartitionKey,
			TimestampMs:  ev.TimestampMs,
			IngestedAtMs: ingestedAt,
		})
		if err != nil {
			return err
		}
		recs[j] = eventlog.AppendRecord{Header: hdr, Payload: payloads[i]}
		size += len(payloads[i])
	}
	pos, err := l.Append(ctx, recs)
	if err != nil {
		g.logger.Warn("append failed", logpkg.Str("topic", topicName), logpkg.Int("partition", p), logpkg.Err(err))
		return errs.Unavailable("ingest", err)
	}
	for j, i := range idx {
		results[i].ID = pos[j].ID.String()
		results[i].Status = StatusOK
	}
	g.metrics.RecordAppend(topicName, p, len(idx), size)
	return nil
}

// validate checks the batch and returns each event's compacted payload.
func (g *Gateway) validate(req Request) ([][]byte, error) {
	if !topic.ValidName(req.Topic) {
		return nil, errs.Invalidf("ingest", "invalid topic name %q", req.Topic)
	}
	if n := len(req.Events); n < 1 || n > g.limits.MaxBatch {
		return nil, errs.Invalidf("ingest", "batch must contain 1..%d events, got %d", g.limits.MaxBatch, n)
	}
	if req.Partitions < 0 || req.Partitions > g.limits.MaxPartitions {
		return nil, errs.Invalidf("ingest", "partitions must be in [1, %d], got %d", g.limits.MaxPartitions, req.Partitions)
	}
	out := make([][]byte, len(req.Events))
	for i, ev := range req.Events {
		if n := len(ev.EventType); n < 1 || n > maxNameLen {
			return nil, errs.Invalidf("ingest", "events[%d]: event_type must be 1..%d characters", i, maxNameLen)
		}
		if len(ev.PartitionKey) > maxNameLen {
			return nil, errs.Invalidf("ingest", "events[%d]: partition_key longer than %d characters", i, maxNameLen)
		}
		p, err := g.payload(ev.Payload)
		if err != nil {
			return nil, errs.Invalidf("ingest", "events[%d]: %v", i, err)
		}
		out[i] = p
	}
	return out, nil
}

func (g *Gateway) payload(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}"), nil
	}
	if trimmed[0] != '{' {
		return nil, errPayloadShape
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, errPayloadShape
	}
	if buf.Len() > g.limits.PayloadMaxBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", g.limits.PayloadMaxBytes)
	}
	return buf.Bytes(), nil
}

var errPayloadShape = errors.New("payload must be a JSON object")
