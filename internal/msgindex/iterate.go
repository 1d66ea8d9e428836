package msgindex

import (
	"iter"

	"github.com/roach88/chatsync/internal/update"
)

// IterateFrom yields records starting at the first id >= from (Forward) or
// the last id <= from (Backward). The sequence is lazy and restartable.
// The index may be mutated between steps; iteration resumes after the id
// last yielded.
func (x *Index) IterateFrom(from update.MessageID, dir update.Direction) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		h := x.seek(from, dir)
		for h != nilHandle {
			last := x.nodes[h].id
			if !yield(x.nodes[h].rec) {
				return
			}
			h = x.seekAfter(last, dir)
		}
	}
}

// All yields every record in ascending id order.
func (x *Index) All() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		for h := x.leftmost(x.root); h != nilHandle; h = x.successor(h) {
			if !yield(x.nodes[h].rec) {
				return
			}
		}
	}
}

// Range reads up to count records starting at from, stopping early at the
// first contiguity gap.
func (x *Index) Range(from update.MessageID, count int, dir update.Direction) RangeResult {
	var res RangeResult
	if count <= 0 {
		return res
	}
	var prev *Record
	for rec := range x.IterateFrom(from, dir) {
		if prev != nil && !contiguous(prev, dir) {
			res.Truncated = true
			return res
		}
		rec.lastUsed = x.now()
		res.Records = append(res.Records, rec.Snapshot())
		if len(res.Records) == count {
			return res
		}
		prev = rec
	}
	// Ran off the end of the index: complete only if the edge is final.
	if prev == nil || !contiguous(prev, dir) {
		res.Truncated = true
	}
	return res
}

// contiguous reports whether the walk may continue past rec. Pending local
// records have no server neighbours and never stop a walk.
func contiguous(rec *Record, dir update.Direction) bool {
	if rec.ID.IsLocal() {
		return true
	}
	if dir == update.Backward {
		return rec.HasPrevious
	}
	return rec.HasNext
}

func (x *Index) seek(from update.MessageID, dir update.Direction) handle {
	if dir == update.Backward {
		return x.floor(from)
	}
	return x.ceil(from)
}

func (x *Index) seekAfter(last update.MessageID, dir update.Direction) handle {
	if dir == update.Backward {
		if last == minID {
			return nilHandle
		}
		return x.floor(last - 1)
	}
	if last == maxID {
		return nilHandle
	}
	return x.ceil(last + 1)
}

const (
	minID update.MessageID = -1 << 63
	maxID update.MessageID = 1<<63 - 1
)
