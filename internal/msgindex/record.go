package msgindex

import (
	"encoding/json"
	"time"

	"github.com/roach88/chatsync/internal/update"
)

// Record is one message in the index.
//
// Pointers to a Record stay valid for as long as the message is in the
// index, including across Relabel.
type Record struct {
	ID          update.MessageID
	Content     json.RawMessage
	HasPrevious bool
	HasNext     bool

	loaded    bool
	persisted bool
	lastUsed  time.Time
}

// Loaded reports whether Content is resident. Evicted records keep their
// place and flags but must be re-read from the Backing.
func (r *Record) Loaded() bool {
	return r.loaded
}

// Snapshot returns a copy safe to hand to another goroutine.
func (r *Record) Snapshot() Record {
	c := *r
	if r.Content != nil {
		c.Content = append(json.RawMessage(nil), r.Content...)
	}
	return c
}

// SourceKind tells Insert where a record came from.
type SourceKind int

const (
	// SourceLive is a record from a live update. It is adjacent to the
	// newest known record.
	SourceLive SourceKind = iota
	// SourcePage is a record from a history page, possibly disconnected
	// from everything already in the index.
	SourcePage
	// SourceRestore reinserts a persisted record with its flags verbatim.
	SourceRestore
)

// Source qualifies an insertion. PrevID/NextID are the neighbours the
// server claims for a SourcePage record; zero means unknown.
type Source struct {
	Kind   SourceKind
	PrevID update.MessageID
	NextID update.MessageID
}

// Live is shorthand for Source{Kind: SourceLive}.
func Live() Source { return Source{Kind: SourceLive} }

// Page is shorthand for a page insertion with claimed neighbours.
func Page(prev, next update.MessageID) Source {
	return Source{Kind: SourcePage, PrevID: prev, NextID: next}
}

// PageBounds describes the outer edges of a fetched page.
type PageBounds struct {
	// PrevID / NextID are the ids the server says sit just outside the page.
	PrevID update.MessageID
	NextID update.MessageID
	// AtOldest / AtNewest mark a page that reaches the start of the
	// conversation or its live edge.
	AtOldest bool
	AtNewest bool
}

// RangeResult is a windowed read. Truncated means the walk stopped at a
// contiguity gap or at an edge not known to be final, so more data may exist
// on the server.
type RangeResult struct {
	Records   []Record
	Truncated bool
}
