// Package groups implements the consumer group coordinator.
//
// A group exists on a partition once it has a cursor there. Per
// (topic, partition, group):
//
//   - Read delivers entries strictly after the cursor, records them as
//     pending for the reading consumer and then advances the cursor.
//   - Ack removes pending entries; acking an unknown id is a no-op.
//   - Claim reassigns pending entries idle for at least a minimum duration
//     to another consumer and bumps their delivery count. Entries that
//     reached the delivery ceiling are flagged instead and stay pending
//     until acknowledged or the group is reset.
//   - Reset moves the cursor and clears the pending list. It is destructive;
//     consumers should be stopped first.
//
// Operations on the same group and partition are serialized by a lock
// scoped to that triple. Appends and other groups never contend on it.
// Pending entries are written before the cursor so a crash between the two
// re-delivers rather than loses entries.
package groups
