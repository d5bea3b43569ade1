package eventlog

import (
	"bytes"
	"testing"
)

func TestRecordRoundtrip(t *testing.T) {
	header := []byte("h")
	payload := []byte("payload")
	rec := EncodeRecord(7, header, payload, 0)
	dec, ok := DecodeRecord(rec)
	if !ok {
		t.Fatalf("decode failed")
	}
	if dec.Ordinal != 7 || string(dec.Header) != string(header) || string(dec.Payload) != string(payload) {
		t.Fatalf("mismatch: %+v", dec)
	}
}

func TestRecordCRCFail(t *testing.T) {
	rec := EncodeRecord(1, []byte("x"), []byte("y"), 0)
	rec[len(rec)-1] ^= 0xFF
	if _, ok := DecodeRecord(rec); ok {
		t.Fatalf("expected crc failure")
	}
}

func TestRecordCompressesLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"sku":"abc","qty":1}`), 200)
	plain := EncodeRecord(1, nil, payload, 0)
	packed := EncodeRecord(1, nil, payload, 512)
	if len(packed) >= len(plain) {
		t.Fatalf("expected compression: %d >= %d", len(packed), len(plain))
	}
	if packed[0]&flagSnappy == 0 {
		t.Fatalf("snappy flag not set")
	}
	dec, ok := DecodeRecord(packed)
	if !ok || !bytes.Equal(dec.Payload, payload) {
		t.Fatalf("compressed roundtrip failed")
	}
}
