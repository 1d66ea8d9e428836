// Package update defines the wire-neutral model shared by the sequencing
// engine, the durable stores and the transports.
//
// An Update is one incremental notification from the server: a payload plus
// the (new_seq, seq_count) pair that places it in its scope's counter. The
// package also carries the request/response types of the recovery queries so
// that transports and the engine agree on them without importing each other.
//
// update imports nothing internal.
//
// Key constraints:
//   - All JSON tags use snake_case
//   - Message ids are int64; ids at or above LocalIDBase belong to locally
//     authored records that have not been acknowledged yet
//   - Ordering always comes from seq counters, never from timestamps
package update
