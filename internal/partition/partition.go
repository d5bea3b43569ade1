// Package partition maps partition keys to partition indexes.
//
// Keyed events use rendezvous (highest-random-weight) hashing: every candidate
// index is scored with xxhash(key, index) and the highest score wins. Growing
// a topic from N to N+1 partitions only moves the keys whose new top score is
// the added index, roughly 1/(N+1) of them, where modulo hashing would move
// most keys.
//
// Events without a key are spread round-robin and carry no ordering guarantee
// relative to each other.
package partition

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Assign returns the partition in [0, n) for key. It is pure: the same
// (key, n) always yields the same index. n must be positive.
func Assign(key string, n int) int {
	if n <= 1 {
		return 0
	}
	best, bestScore := 0, uint64(0)
	for i := 0; i < n; i++ {
		s := score(key, uint32(i))
		if i == 0 || s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func score(key string, index uint32) uint64 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// Assigner routes keyed events with Assign and spreads unkeyed events
// round-robin. It is safe for concurrent use.
type Assigner struct {
	next atomic.Uint64
}

// NewAssigner returns an Assigner whose round-robin starts at partition 0.
func NewAssigner() *Assigner { return &Assigner{} }

// Partition returns the partition for key among n partitions.
func (a *Assigner) Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	if key != "" {
		return Assign(key, n)
	}
	return int((a.next.Add(1) - 1) % uint64(n))
}
