// Package store provides SQLite-backed durable storage for chatsync.
//
// Two tables back a session:
//   - messages: one row per indexed message with its contiguity flags
//     (msgindex.Backing)
//   - seq_states: the last applied seq of every scope (engine.SeqStore)
//
// # Integrity
//
// Message content is stored as canonical JSON next to its content hash.
// A row whose content no longer matches its hash, or whose flags are not
// 0/1, is reported as msgindex.ErrCorrupt, as are SQLite's own
// SQLITE_CORRUPT and SQLITE_NOTADB errors. The engine treats that as fatal.
//
// # Deterministic Query Results
//
// Scans order by id with an explicit direction; conversation listings order
// by conversation_id COLLATE BINARY. Identical databases yield identical
// results.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
