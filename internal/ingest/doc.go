// Package ingest implements the ingestion gateway: it validates a batch of
// events, assigns each to a partition, asks admission control once per
// target partition and appends each admitted partition's events as one
// atomic log batch in submission order.
//
// An event is reported ok only after its append committed. Rejected
// partitions do not affect admitted ones in the same batch. A log failure
// aborts the batch with an Unavailable error; partitions appended before the
// failure stay appended, so producers retrying the batch get at-least-once
// semantics.
package ingest
