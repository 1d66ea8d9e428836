package update

import "sync/atomic"

// MessageID identifies a message within its conversation. Ids are totally
// ordered; the server assigns them in increasing order.
type MessageID int64

// LocalIDBase is the start of the reserved range for locally authored
// records. Server ids never reach it.
const LocalIDBase MessageID = 1 << 62

// IsLocal reports whether id is a provisional, locally assigned id.
func (id MessageID) IsLocal() bool {
	return id >= LocalIDBase
}

// Direction selects iteration order over message ids.
type Direction int

const (
	// Forward walks ascending ids (older to newer).
	Forward Direction = iota
	// Backward walks descending ids (newer to older).
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ParseDirection accepts "forward" / "backward"; anything else is Forward.
func ParseDirection(s string) Direction {
	if s == "backward" {
		return Backward
	}
	return Forward
}

// LocalIDs hands out provisional ids from the reserved range.
// Safe for concurrent use.
type LocalIDs struct {
	next atomic.Int64
}

// NewLocalIDs creates an allocator whose first id is LocalIDBase+1.
func NewLocalIDs() *LocalIDs {
	l := &LocalIDs{}
	l.next.Store(int64(LocalIDBase))
	return l
}

// NewLocalIDsAfter resumes allocation after last (e.g. the highest local id
// found in the store after a restart).
func NewLocalIDsAfter(last MessageID) *LocalIDs {
	l := NewLocalIDs()
	if last > LocalIDBase {
		l.next.Store(int64(last))
	}
	return l
}

// Next returns a fresh provisional id.
func (l *LocalIDs) Next() MessageID {
	return MessageID(l.next.Add(1))
}

// Observe moves the allocator past id so later ids never collide with it.
func (l *LocalIDs) Observe(id MessageID) {
	for {
		cur := l.next.Load()
		if int64(id) <= cur {
			return
		}
		if l.next.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}
