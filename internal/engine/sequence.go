package engine

import (
	"sort"

	"github.com/roach88/chatsync/internal/update"
)

// SequenceState is the counter of one scope plus the accumulators of the
// events currently buffered for it.
//
// Current is the seq of the last applied update. AccumulatedSeq is the
// highest new_seq among buffered events and AccumulatedCount the sum of
// their seq_count; while Current+AccumulatedCount < AccumulatedSeq the
// buffer has a hole.
type SequenceState struct {
	Current          int64
	AccumulatedSeq   int64
	AccumulatedCount int64
}

// accumulate folds one event into the accumulators.
func (s *SequenceState) accumulate(u update.Update) {
	s.AccumulatedSeq = max(s.AccumulatedSeq, u.NewSeq)
	s.AccumulatedCount += u.SeqCount
}

func (s *SequenceState) resetAccumulators() {
	s.AccumulatedSeq = 0
	s.AccumulatedCount = 0
}

// contiguity compares Current+AccumulatedCount with AccumulatedSeq:
// negative is a gap, zero is contiguous, positive is an over-count.
func (s *SequenceState) contiguity() int64 {
	return s.Current + s.AccumulatedCount - s.AccumulatedSeq
}

// advance moves the counter forward. It never moves backwards.
func (s *SequenceState) advance(to int64) bool {
	if to <= s.Current {
		return false
	}
	s.Current = to
	return true
}

// pendingBuffer holds events ordered by new_seq. Several events may share a
// new_seq; they keep arrival order. Identical deliveries (same Key) are
// stored once.
type pendingBuffer struct {
	events []update.Update
	keys   map[string]struct{}
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{keys: make(map[string]struct{})}
}

// add inserts u, returning false if an identical event is already held.
func (b *pendingBuffer) add(u update.Update) bool {
	k := u.Key()
	if _, dup := b.keys[k]; dup {
		return false
	}
	b.keys[k] = struct{}{}
	i := sort.Search(len(b.events), func(i int) bool {
		return b.events[i].NewSeq > u.NewSeq
	})
	b.events = append(b.events, update.Update{})
	copy(b.events[i+1:], b.events[i:])
	b.events[i] = u
	return true
}

func (b *pendingBuffer) contains(u update.Update) bool {
	_, ok := b.keys[u.Key()]
	return ok
}

func (b *pendingBuffer) len() int {
	return len(b.events)
}

// drain empties the buffer, returning events in new_seq order.
func (b *pendingBuffer) drain() []update.Update {
	out := b.events
	b.events = nil
	clear(b.keys)
	return out
}

// snapshot copies the buffered events.
func (b *pendingBuffer) snapshot() []update.Update {
	return append([]update.Update(nil), b.events...)
}
