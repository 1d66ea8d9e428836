// Package pebblestore is an embedded key-value alternative to the SQLite
// store. It implements msgindex.Backing and the engine's SeqStore on top of
// Pebble.
//
// Key layout:
//
//	m/<conversation>\x00<id:8 bytes, sign-flipped big endian>  message
//	s/<scope>                                                   seq counter
//
// Message ids are encoded so that byte order equals numeric order, which
// lets ScanMessages use plain bounded iterators in either direction.
package pebblestore
