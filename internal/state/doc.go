// Package state holds the mutable coordination state of consumer groups and
// persisters behind narrow interfaces:
//
//   - CursorStore: last-delivered id (and its ordinal) per topic/partition/group
//   - PendingStore: delivered-but-unacknowledged entries per group
//   - ConsumerStore: consumers seen by a group
//   - LeaseStore: time-bounded exclusive ownership, fenced by an epoch
//
// Memory and Pebble implement GroupStore. Memory is an in-process fake for
// tests. Pebble persists group state next to the event log so that cursors
// and pending lists survive restarts. Leases live in the durable database
// (see internal/durable), where persist writes are fenced against them.
//
// Key layout (Pebble):
//
//	grp/{topic}/{partition_be4}/{group}/c              -> id(16) | ordinal(8)
//	grp/{topic}/{partition_be4}/{group}/p/{id16}       -> JSON pendingRecord
//	grp/{topic}/{partition_be4}/{group}/k/{consumer}   -> JSON consumerRecord
package state
