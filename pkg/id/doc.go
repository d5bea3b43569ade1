// Package id defines the log entry identifier and its monotonic generator.
//
// # Format
//
// An ID is a (millisecond timestamp, sequence) pair. Its text form is
// fixed-width, "1700000000000-000004", so string comparison and (ms, seq)
// comparison always agree. The binary form is 16 bytes big-endian
// [8 bytes ms][8 bytes seq] and is used inside storage keys.
//
// # Monotonicity
//
// A Generator is seeded with the last identifier of its log and guarantees
// strictly increasing output:
//   - If the system clock regresses, it pins to the last seen millisecond and
//     increments the sequence.
//   - If the sequence would pass MaxSeq, it moves to the next millisecond.
//
// Usage
//
//	g := id.NewGenerator(lastID)
//	next := g.Next()
//	key := next.Bytes()
//	s := next.String()
package id
