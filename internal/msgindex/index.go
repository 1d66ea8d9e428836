package msgindex

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/chatsync/internal/update"
)

// Index is the ordered message index of one conversation.
type Index struct {
	conversationID string

	nodes []node
	free  []handle
	root  handle
	size  int

	backing Backing
	now     func() time.Time

	dirty   map[*Record]struct{}
	removed map[update.MessageID]struct{}
}

// Option configures an Index.
type Option func(*Index)

// WithBacking attaches the durable store used by Flush, Load and the
// re-hydration of evicted records.
func WithBacking(b Backing) Option {
	return func(x *Index) {
		x.backing = b
	}
}

// WithNow overrides the clock used for idle tracking.
func WithNow(now func() time.Time) Option {
	return func(x *Index) {
		x.now = now
	}
}

// New creates an empty index for a conversation.
func New(conversationID string, opts ...Option) *Index {
	x := &Index{
		conversationID: conversationID,
		nodes:          make([]node, 0, 64),
		root:           nilHandle,
		now:            time.Now,
		dirty:          make(map[*Record]struct{}),
		removed:        make(map[update.MessageID]struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// ConversationID returns the conversation this index belongs to.
func (x *Index) ConversationID() string {
	return x.conversationID
}

// Len returns the number of records.
func (x *Index) Len() int {
	return x.size
}

// Find returns the record with the given id, or nil when it is not (yet)
// known. Content may be unloaded; use Get to re-hydrate.
func (x *Index) Find(id update.MessageID) *Record {
	h := x.find(id)
	if h == nilHandle {
		return nil
	}
	rec := x.nodes[h].rec
	rec.lastUsed = x.now()
	return rec
}

// Get is Find plus transparent re-read of evicted content.
func (x *Index) Get(ctx context.Context, id update.MessageID) (*Record, bool, error) {
	rec := x.Find(id)
	if rec == nil {
		return nil, false, nil
	}
	if err := x.hydrate(ctx, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// First returns the record with the lowest id.
func (x *Index) First() *Record {
	if h := x.leftmost(x.root); h != nilHandle {
		return x.nodes[h].rec
	}
	return nil
}

// Last returns the record with the highest id.
func (x *Index) Last() *Record {
	if h := x.rightmost(x.root); h != nilHandle {
		return x.nodes[h].rec
	}
	return nil
}

// LastServer returns the newest record outside the local id range.
func (x *Index) LastServer() *Record {
	h := x.floor(update.LocalIDBase - 1)
	if h == nilHandle {
		return nil
	}
	return x.nodes[h].rec
}

// Insert adds a record or, when the id is already present, replaces its
// content in place. The returned pointer is the one stored in the index.
func (x *Index) Insert(rec Record, src Source) (*Record, error) {
	if src.Kind == SourcePage {
		recs, err := x.InsertPage([]Record{rec}, PageBounds{PrevID: src.PrevID, NextID: src.NextID})
		if err != nil {
			return nil, err
		}
		return recs[0], nil
	}

	h, created := x.upsert(rec)
	r := x.nodes[h].rec
	switch src.Kind {
	case SourceLive:
		if created && !rec.ID.IsLocal() {
			x.linkLive(h)
		}
	case SourceRestore:
		r.HasPrevious = rec.HasPrevious
		r.HasNext = rec.HasNext
	default:
		return nil, fmt.Errorf("insert %d: unknown source kind %d", rec.ID, src.Kind)
	}
	x.markDirty(r)
	return r, nil
}

// InsertPage inserts a run of records fetched together. recs must be sorted
// by ascending id. Records inside the run are linked to each other; the
// outer edges are linked only to neighbours verified present right now.
func (x *Index) InsertPage(recs []Record, b PageBounds) ([]*Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID <= recs[i-1].ID {
			return nil, fmt.Errorf("insert page: ids not ascending at %d (%d after %d)", i, recs[i].ID, recs[i-1].ID)
		}
	}

	out := make([]*Record, len(recs))
	handles := make([]handle, len(recs))
	for i, rec := range recs {
		h, created := x.upsert(rec)
		if created && !rec.ID.IsLocal() {
			x.splice(h)
		}
		handles[i] = h
		out[i] = x.nodes[h].rec
		x.markDirty(out[i])
	}

	// Walk the index between the first and last page record so that any
	// stale local record inside the run is linked too.
	for h := handles[0]; h != handles[len(handles)-1]; {
		next := x.successor(h)
		x.link(h, next)
		h = next
	}

	first, last := handles[0], handles[len(handles)-1]
	if p := x.adjPrev(first); p != nilHandle {
		if b.PrevID != 0 && x.nodes[p].id == b.PrevID {
			x.link(p, first)
		}
	} else if b.AtOldest {
		x.nodes[first].rec.HasPrevious = true
	}
	if s := x.adjNext(last); s != nilHandle {
		if b.NextID != 0 && x.nodes[s].id == b.NextID {
			x.link(last, s)
		}
	} else if b.AtNewest {
		x.nodes[last].rec.HasNext = true
	}
	return out, nil
}

// Delete removes a record. The former neighbours lose the flag pointing at
// it, since nothing is known about what now sits between them.
func (x *Index) Delete(id update.MessageID) bool {
	h := x.find(id)
	if h == nilHandle {
		return false
	}
	x.unlinkNeighbours(h)
	rec := x.nodes[h].rec
	x.detach(h)
	x.release(h)
	x.size--
	delete(x.dirty, rec)
	x.removed[id] = struct{}{}
	return true
}

// Relabel moves a locally authored record to its authoritative id. The
// Record pointer, its content and any outstanding references survive. If a
// record with the target id already exists it is dropped and its flags are
// inherited.
func (x *Index) Relabel(from, to update.MessageID, src Source) (*Record, error) {
	if !from.IsLocal() {
		return nil, fmt.Errorf("relabel %d: %w", from, ErrNotLocal)
	}
	if to.IsLocal() {
		return nil, fmt.Errorf("relabel %d: target %d is in the local range", from, to)
	}
	h := x.find(from)
	if h == nilHandle {
		return nil, fmt.Errorf("relabel %d: %w", from, ErrNotFound)
	}
	rec := x.nodes[h].rec
	if from == to {
		return rec, nil
	}

	x.unlinkNeighbours(h)
	x.detach(h)

	inherited := false
	if t := x.find(to); t != nilHandle {
		old := x.nodes[t].rec
		rec.HasPrevious, rec.HasNext = old.HasPrevious, old.HasNext
		if len(rec.Content) == 0 {
			rec.Content = old.Content
			rec.loaded = old.loaded
		}
		x.detach(t)
		x.release(t)
		x.size--
		delete(x.dirty, old)
		inherited = true
	} else {
		rec.HasPrevious, rec.HasNext = false, false
	}

	rec.ID = to
	x.nodes[h].id = to
	x.nodes[h].prio = priority(to)
	x.attach(h)
	if !inherited {
		if src.Kind == SourceLive {
			x.linkLive(h)
		} else {
			x.splice(h)
		}
	}

	x.removed[from] = struct{}{}
	delete(x.removed, to)
	x.markDirty(rec)
	return rec, nil
}

// ResetContiguity clears every flag. Used when the local view is replaced
// by a fresh window because the server refused to enumerate the gap.
func (x *Index) ResetContiguity() {
	for h := x.leftmost(x.root); h != nilHandle; h = x.successor(h) {
		rec := x.nodes[h].rec
		if rec.HasPrevious || rec.HasNext {
			rec.HasPrevious, rec.HasNext = false, false
			x.markDirty(rec)
		}
	}
}

// Evict drops the content of clean, persisted records not touched since
// idleSince. Their nodes and flags stay. Returns the number evicted.
func (x *Index) Evict(idleSince time.Time) int {
	if x.backing == nil {
		return 0
	}
	n := 0
	for h := x.leftmost(x.root); h != nilHandle; h = x.successor(h) {
		rec := x.nodes[h].rec
		if !rec.loaded || !rec.persisted {
			continue
		}
		if _, dirty := x.dirty[rec]; dirty {
			continue
		}
		if rec.lastUsed.Before(idleSince) {
			rec.Content = nil
			rec.loaded = false
			n++
		}
	}
	return n
}

// upsert returns the handle for rec.ID, creating the node when needed.
// Existing records keep their flags and pointer; content is replaced.
func (x *Index) upsert(rec Record) (handle, bool) {
	if h := x.find(rec.ID); h != nilHandle {
		r := x.nodes[h].rec
		if rec.Content != nil {
			r.Content = rec.Content
			r.loaded = true
		}
		r.lastUsed = x.now()
		return h, false
	}
	r := &Record{
		ID:       rec.ID,
		Content:  rec.Content,
		loaded:   true,
		lastUsed: x.now(),
	}
	h := x.alloc(r)
	x.attach(h)
	x.size++
	return h, true
}

// linkLive sets flags for a record that arrived from the live stream. It
// is the newest record unless something newer is already linked to its
// predecessor. HasPrevious is only set when the predecessor sits at the
// live edge: a first record, or one arriving after a contiguity reset,
// has no known neighbour below it.
func (x *Index) linkLive(h handle) {
	rec := x.nodes[h].rec
	p := x.adjPrev(h)
	s := x.adjNext(h)
	if p != nilHandle && x.nodes[p].rec.HasNext {
		x.link(p, h)
	}
	if p == nilHandle && s != nilHandle {
		x.clearPrevious(s)
	}
	switch {
	case s == nilHandle:
		rec.HasNext = true
	case rec.HasPrevious:
		// The predecessor was linked past us, so the successor is adjacent.
		x.link(h, s)
	}
}

// adjPrev and adjNext return the neighbour that contiguity flags refer to.
// Local records sit above every server id and never take part in
// contiguity, so the server region and the local region do not see each
// other.
func (x *Index) adjPrev(h handle) handle {
	p := x.predecessor(h)
	if p != nilHandle && x.nodes[p].id.IsLocal() != x.nodes[h].id.IsLocal() {
		return nilHandle
	}
	return p
}

func (x *Index) adjNext(h handle) handle {
	s := x.successor(h)
	if s != nilHandle && x.nodes[s].id.IsLocal() != x.nodes[h].id.IsLocal() {
		return nilHandle
	}
	return s
}

// splice fixes the flags around a node that was just placed without live
// adjacency. Inside a contiguous stretch it joins the stretch; past an edge
// that was believed final, that belief is withdrawn.
func (x *Index) splice(h handle) {
	p := x.adjPrev(h)
	s := x.adjNext(h)
	switch {
	case p != nilHandle && s != nilHandle:
		if x.nodes[p].rec.HasNext {
			x.link(p, h)
			x.link(h, s)
		}
	case p != nilHandle:
		x.clearNext(p)
	case s != nilHandle:
		x.clearPrevious(s)
	}
}

func (x *Index) clearNext(h handle) {
	if r := x.nodes[h].rec; r.HasNext {
		r.HasNext = false
		x.markDirty(r)
	}
}

func (x *Index) clearPrevious(h handle) {
	if r := x.nodes[h].rec; r.HasPrevious {
		r.HasPrevious = false
		x.markDirty(r)
	}
}

// link marks two index-adjacent nodes as contiguous.
func (x *Index) link(a, b handle) {
	ra, rb := x.nodes[a].rec, x.nodes[b].rec
	if !ra.HasNext {
		ra.HasNext = true
		x.markDirty(ra)
	}
	if !rb.HasPrevious {
		rb.HasPrevious = true
		x.markDirty(rb)
	}
}

func (x *Index) unlinkNeighbours(h handle) {
	if p := x.adjPrev(h); p != nilHandle {
		x.clearNext(p)
	}
	if s := x.adjNext(h); s != nilHandle {
		x.clearPrevious(s)
	}
}

func (x *Index) markDirty(rec *Record) {
	x.dirty[rec] = struct{}{}
}

func (x *Index) hydrate(ctx context.Context, rec *Record) error {
	if rec.loaded {
		return nil
	}
	if x.backing == nil {
		return fmt.Errorf("hydrate %d: no backing store", rec.ID)
	}
	m, ok, err := x.backing.GetMessage(ctx, x.conversationID, rec.ID)
	if err != nil {
		return fmt.Errorf("hydrate %d: %w", rec.ID, err)
	}
	if !ok {
		return fmt.Errorf("hydrate %d: evicted record missing from store: %w", rec.ID, ErrCorrupt)
	}
	rec.Content = m.Content
	rec.loaded = true
	return nil
}
