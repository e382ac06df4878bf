// Package kv implements the transactional core of pathkvs: a persistent
// key-value store with full serializable ACID semantics and no blocking
// locks on the hot path.
//
// The database is an immutable chain of commit nodes; a single atomic master
// pointer designates the current tip. Transactions read from a snapshot of
// master, buffer their writes locally and publish them with a
// compare-and-swap on master. When the CAS loses, the transaction's tracked
// reads and prefix scans are validated against the commits installed in the
// meantime; any overlap aborts with ErrConflict, otherwise the commit is
// rebased onto the new tip and the CAS retried.
//
// Durability is an append-only log of commit records, one per installed
// commit in generation order. Appends are serialized by a single mutex - the
// only lock in the engine - and a commit is acknowledged only after fsync.
// On startup the log is replayed into the chain; a torn trailing record from
// a crash is truncated.
//
// The full history of every commit is retained on disk, the file only grows.
// The entire live database must fit in memory.
package kv
