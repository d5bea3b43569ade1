// Package event defines the envelope stored in each log entry: a small JSON
// header carrying producer fields next to the raw JSON payload.
package event

import (
	"encoding/json"
	"fmt"
)

// Header is the producer-assigned metadata of one event.
type Header struct {
	EventType    string `json:"event_type"`
	PartitionKey string `json:"partition_key,omitempty"`
	// TimestampMs is the producer's timestamp, if supplied.
	TimestampMs *int64 `json:"timestamp_ms,omitempty"`
	// IngestedAtMs is stamped by the gateway.
	IngestedAtMs int64 `json:"ingested_at_ms"`
}

// Event is a decoded envelope.
type Event struct {
	Header
	Payload json.RawMessage
}

// EncodeHeader returns the stored header bytes.
func EncodeHeader(h Header) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	return b, nil
}

// Decode rebuilds an Event from a stored header and payload.
func Decode(header, payload []byte) (Event, error) {
	var h Header
	if len(header) > 0 {
		if err := json.Unmarshal(header, &h); err != nil {
			return Event{}, fmt.Errorf("decode header: %w", err)
		}
	}
	return Event{Header: h, Payload: json.RawMessage(payload)}, nil
}

// Timestamp returns the producer timestamp, falling back to ingest time.
func (e Event) Timestamp() int64 {
	if e.TimestampMs != nil {
		return *e.TimestampMs
	}
	return e.IngestedAtMs
}
