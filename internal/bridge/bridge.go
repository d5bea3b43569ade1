// Package bridge holds what the Kafka and RabbitMQ ingestion bridges share:
// the gateway they feed, payload normalisation and retry pacing.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rzbill/openstream/internal/errs"
	"github.com/rzbill/openstream/internal/ingest"
)

// DefaultEventType is used when a record carries no event_type header.
const DefaultEventType = "external.record"

// Header names read from external records.
const (
	HeaderEventType    = "event_type"
	HeaderPartitionKey = "partition_key"
)

// Ingester is the ingestion gateway.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Response, error)
}

// Payload returns body as an event payload. JSON objects pass through;
// anything else is wrapped as {"value": <string>}.
func Payload(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(struct {
		Value string `json:"value"`
	}{Value: string(body)})
	return wrapped
}

// Backoff picks how long to wait before retrying err: the server hint when
// there is one, otherwise fallback. The result never exceeds ceiling.
func Backoff(err error, fallback, ceiling time.Duration) time.Duration {
	d := errs.RetryAfter(err)
	if d <= 0 {
		d = fallback
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
