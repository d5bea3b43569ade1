package eventlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"
)

// Record encoding:
//
//	flags(1) | uvarint ordinal | uvarint headerLen | header | body | crc32c(flags..body)
//
// flagSnappy marks a snappy-compressed body.

const flagSnappy byte = 1 << 0

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord encodes one entry. Payloads of at least compressMin bytes are
// snappy-compressed when that saves space; compressMin <= 0 disables it.
func EncodeRecord(ordinal uint64, header, payload []byte, compressMin int) []byte {
	var flags byte
	body := payload
	if compressMin > 0 && len(payload) >= compressMin {
		if c := snappy.Encode(nil, payload); len(c) < len(payload) {
			body = c
			flags |= flagSnappy
		}
	}
	out := make([]byte, 0, 1+20+len(header)+len(body)+4)
	out = append(out, flags)
	out = binary.AppendUvarint(out, ordinal)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, body...)

	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc32.Checksum(out, castagnoli))
	return append(out, crcb[:]...)
}

type Decoded struct {
	Ordinal uint64
	Header  []byte
	Payload []byte
}

// DecodeRecord validates the checksum and returns copies of the parts.
func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+1+1+4 {
		return Decoded{}, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Decoded{}, false
	}
	flags := body[0]
	rest := body[1:]
	ordinal, n := binary.Uvarint(rest)
	if n <= 0 {
		return Decoded{}, false
	}
	rest = rest[n:]
	hlen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < hlen {
		return Decoded{}, false
	}
	rest = rest[n:]
	header := append([]byte(nil), rest[:hlen]...)
	payload := rest[hlen:]
	if flags&flagSnappy != 0 {
		dec, err := snappy.Decode(nil, payload)
		if err != nil {
			return Decoded{}, false
		}
		payload = dec
	} else {
		payload = append([]byte(nil), payload...)
	}
	return Decoded{Ordinal: ordinal, Header: header, Payload: payload}, true
}
