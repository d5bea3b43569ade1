// Package persister drains partition logs into the durable store.
//
// One Persister runs per (topic, partition). It only writes while it holds
// the partition's lease, renews the lease every RenewInterval (at most a
// third of LeaseTTL), and advances the durable cursor in the same
// transaction as the rows it covers. When a renewal fails the loop stops
// writing at once and goes back to acquiring. The next holder resumes from
// the durable cursor, so a few entries may be written twice; the store
// ignores the duplicates.
//
// A Supervisor starts a Persister for every partition of every topic and
// picks up topics created later.
package persister
