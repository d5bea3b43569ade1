// Package durable is the long-term event store the persister drains each
// partition into.
//
// Rows are keyed by (topic, partition, log id) and inserted with
// ON CONFLICT DO NOTHING, so persisting the same entry twice leaves exactly
// one row. Each partition has a persist cursor (its watermark) that only
// moves forward and is written in the same transaction as the rows it
// covers.
//
// Two dialects are supported: "postgres" through github.com/lib/pq for
// production and "sqlite" through modernc.org/sqlite for single-node and
// test deployments. Queries are written with "?" placeholders and rebound
// per dialect.
//
// The package also provides a LeaseStore backed by the same database, for
// deployments where several server instances compete for persister leases.
package durable
