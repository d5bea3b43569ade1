// Package eventlog implements the ordered, append-only log of a topic partition.
//
// # Overview
//
// Each (topic, partition) owns one Log persisted in Pebble. Keys are
// lexicographically ordered for efficient range scans:
//   - log/{topic}/{part_be4}/m                  (metadata: last id, count, added, trimmed-through)
//   - log/{topic}/{part_be4}/e/{ms_be8}{seq_be8} (entries)
//
// Entry ids are pkg/id values (millisecond timestamp plus sequence) issued
// by a per-log generator, so ids are strictly increasing in append order even
// across restarts and clock regressions. Every entry also carries an ordinal
// (1-based append count) that lets callers compute lag as Added()-ordinal
// without scanning.
//
// Records are stored as: flags | ordinal | headerLen | header | body | crc32c.
// Bodies above Options.CompressMinBytes are snappy-compressed.
//
// API surface (internal)
//
//	reg := eventlog.NewRegistry(db, eventlog.Options{CompressMinBytes: 1024})
//	l, _ := reg.Log("orders", 3)
//	pos, _ := l.Append(ctx, []eventlog.AppendRecord{{Header: h, Payload: p}})
//
//	// Forward reads strictly after a position
//	items, _ := l.Read(eventlog.ReadOptions{After: pos[0].ID, Limit: 100})
//
//	// Blocking wait/notify
//	woke := l.WaitForAppend(ctx, 200*time.Millisecond)
//
//	// Retention: by length and/or age, never past an optional ceiling
//	res, _ := l.Trim(ctx, eventlog.TrimOptions{MaxLen: 100000, Ceiling: persisted})
//
// # Archiver integration
//
// When a trim batch commits, ArchiverHook.EmitTrimRange receives the removed
// {minID, maxID} range and count. The default implementation is a no-op.
package eventlog
