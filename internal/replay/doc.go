// Package replay re-delivers history.
//
// In-log replay rewinds (or creates) a consumer group at an explicit id that
// the partition log still retains. Once retention has evicted the range,
// in-log replay is refused with a Conflict and the caller must use durable
// replay: History pages through persisted rows, and Rehydrate re-ingests a
// filtered range into a replay topic through the normal ingestion path,
// where the entries receive fresh ids.
package replay
