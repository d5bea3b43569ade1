package id

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// MaxSeq is the largest per-millisecond sequence that fits the text form.
	MaxSeq = 999999

	msWidth  = 13
	seqWidth = 6
)

// ErrMalformed is returned by Parse for text that is not a log identifier.
var ErrMalformed = errors.New("malformed log id")

// ID is a log entry identifier: a millisecond timestamp plus a
// per-millisecond sequence. The zero value sorts before every real entry.
type ID struct {
	Ms  uint64
	Seq uint64
}

// Zero is the identifier that precedes every entry ("0-0").
var Zero = ID{}

// New builds an ID from its parts.
func New(ms, seq uint64) ID { return ID{Ms: ms, Seq: seq} }

// String renders the fixed-width text form, e.g. 1700000000000-000004.
// Fixed widths keep lexical and numeric order identical.
func (i ID) String() string {
	return fmt.Sprintf("%0*d-%0*d", msWidth, i.Ms, seqWidth, i.Seq)
}

// Bytes returns a 16-byte big-endian encoding suitable for sortable keys.
func (i ID) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], i.Ms)
	binary.BigEndian.PutUint64(b[8:16], i.Seq)
	return b
}

// FromBytes decodes the 16-byte form produced by Bytes.
func FromBytes(b []byte) (ID, bool) {
	if len(b) != 16 {
		return ID{}, false
	}
	return ID{Ms: binary.BigEndian.Uint64(b[0:8]), Seq: binary.BigEndian.Uint64(b[8:16])}, true
}

// Compare returns -1, 0, 1 ordering by (Ms, Seq).
func (i ID) Compare(other ID) int {
	switch {
	case i.Ms < other.Ms:
		return -1
	case i.Ms > other.Ms:
		return 1
	case i.Seq < other.Seq:
		return -1
	case i.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func (i ID) Less(other ID) bool { return i.Compare(other) < 0 }

func (i ID) IsZero() bool { return i.Ms == 0 && i.Seq == 0 }

// Next returns the smallest identifier strictly greater than i.
func (i ID) Next() ID {
	if i.Seq >= MaxSeq {
		return ID{Ms: i.Ms + 1}
	}
	return ID{Ms: i.Ms, Seq: i.Seq + 1}
}

// Parse accepts "ms-seq" (padded or not) or a bare "ms" meaning seq 0.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, ErrMalformed
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil || seq > MaxSeq {
			return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) ID {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// NowMs is the clock used by generators. Tests may replace it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces strictly increasing IDs for one log.
type Generator struct {
	mu   sync.Mutex
	last ID
}

// NewGenerator returns a generator that starts after last (Zero for a new log).
func NewGenerator(last ID) *Generator { return &Generator{last: last} }

// Last returns the most recently issued (or seeded) identifier.
func (g *Generator) Last() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Next issues the next identifier. A regressing clock pins to the last
// millisecond; an exhausted sequence moves to the following millisecond
// without waiting for the wall clock.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := NowMs()
	var ms uint64
	if now > 0 {
		ms = uint64(now)
	}
	var next ID
	if ms > g.last.Ms {
		next = ID{Ms: ms}
	} else {
		next = g.last.Next()
	}
	g.last = next
	return next
}
