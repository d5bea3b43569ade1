package eventlog

import (
	"encoding/binary"

	"github.com/rzbill/openstream/pkg/id"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - log/{topic}/{part_be4}/m
// - log/{topic}/{part_be4}/e/{ms_be8}{seq_be8}

var (
	sep        = byte('/')
	logPrefix  = []byte("log/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func partitionPrefix(topic string, partition uint32) []byte {
	k := make([]byte, 0, len(logPrefix)+len(topic)+24)
	k = append(k, logPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	return k
}

// KeyLogMeta builds the partition metadata key.
func KeyLogMeta(topic string, partition uint32) []byte {
	return append(partitionPrefix(topic, partition), metaSuffix...)
}

// KeyLogEntryPrefix is the common prefix of every entry key of a partition.
func KeyLogEntryPrefix(topic string, partition uint32) []byte {
	return append(partitionPrefix(topic, partition), entrySeg...)
}

// KeyLogEntry builds the entry key; the binary id keeps entries in id order.
func KeyLogEntry(topic string, partition uint32, entryID id.ID) []byte {
	return append(KeyLogEntryPrefix(topic, partition), entryID.Bytes()...)
}

// idFromEntryKey extracts the id suffix of an entry key.
func idFromEntryKey(key []byte) (id.ID, bool) {
	if len(key) < 16 {
		return id.ID{}, false
	}
	return id.FromBytes(key[len(key)-16:])
}
