// Package engine keeps a local mirror consistent with the server's update
// stream.
//
// Every scope (the account-wide counter and each high-volume conversation
// with a counter of its own) has a Sequencer that admits updates in
// (new_seq, seq_count) order, buffers out-of-order arrivals, and starts a
// gap recovery when the stream has a hole that does not fill itself within
// a short coalescing delay.
//
// ARCHITECTURE:
//
// Logical sequences:
// Each scope and each conversation runs on a Scheduler, a single-threaded
// FIFO of tasks. Sequencer and MessageIndex state is only touched from its
// own sequence, so none of it is locked. Effects that cross sequences
// (routing a global update to its conversation, adjusting the unread
// total) are posted as tasks. Recovery queries run off the sequence and
// post their result back as a continuation.
//
// Admission flow:
//  1. Session.Admit routes the update to its scope's sequence
//  2. Sequencer.Admit validates, drops stale events, postpones during
//     recovery, then accumulates
//  3. Contiguous events are applied; gaps arm the coalescing timer
//  4. The timer (or an inconsistent count) starts a recovery; the
//     difference query fills the gap and postponed events are re-admitted
//
// CRITICAL PATTERNS:
//
// Counters never move backwards once a batch is applied.
// At most one recovery per scope is in flight; a generation number marks
// results of abandoned recoveries as stale.
// Storage corruption is the only fatal error. Everything else is logged and
// processing continues.
package engine
