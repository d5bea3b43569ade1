package event

import "testing"

func TestDecodeKeepsPayloadBytes(t *testing.T) {
	ts := int64(1700000000000)
	hb, err := EncodeHeader(Header{EventType: "order.created", PartitionKey: "alice", TimestampMs: &ts, IngestedAtMs: 5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload := []byte(`{"amount":10,"items":["a"]}`)
	ev, err := Decode(hb, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventType != "order.created" || ev.PartitionKey != "alice" {
		t.Fatalf("header lost: %+v", ev.Header)
	}
	if string(ev.Payload) != string(payload) {
		t.Fatalf("payload rewritten: %s", ev.Payload)
	}
	if ev.Timestamp() != ts {
		t.Fatalf("timestamp=%d", ev.Timestamp())
	}
}

func TestTimestampFallsBackToIngest(t *testing.T) {
	ev, err := Decode([]byte(`{"event_type":"x","ingested_at_ms":42}`), []byte(`{}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Timestamp() != 42 {
		t.Fatalf("timestamp=%d", ev.Timestamp())
	}
	if _, err := Decode([]byte("not json"), nil); err == nil {
		t.Fatalf("expected error for corrupt header")
	}
}
