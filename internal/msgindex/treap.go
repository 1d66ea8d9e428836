package msgindex

import "github.com/roach88/chatsync/internal/update"

// handle addresses a node in the arena. nilHandle marks an absent link.
type handle int32

const nilHandle handle = -1

type node struct {
	id     update.MessageID
	prio   uint64
	left   handle
	right  handle
	parent handle
	rec    *Record
}

// priority derives a treap priority from an id (splitmix64 finalizer).
func priority(id update.MessageID) uint64 {
	z := uint64(id) + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// alloc takes a node from the free list or grows the arena.
func (x *Index) alloc(rec *Record) handle {
	n := node{
		id:     rec.ID,
		prio:   priority(rec.ID),
		left:   nilHandle,
		right:  nilHandle,
		parent: nilHandle,
		rec:    rec,
	}
	if k := len(x.free); k > 0 {
		h := x.free[k-1]
		x.free = x.free[:k-1]
		x.nodes[h] = n
		return h
	}
	x.nodes = append(x.nodes, n)
	return handle(len(x.nodes) - 1)
}

// release returns a detached node to the free list.
func (x *Index) release(h handle) {
	x.nodes[h] = node{left: nilHandle, right: nilHandle, parent: nilHandle}
	x.free = append(x.free, h)
}

func (x *Index) find(id update.MessageID) handle {
	h := x.root
	for h != nilHandle {
		n := &x.nodes[h]
		switch {
		case id < n.id:
			h = n.left
		case id > n.id:
			h = n.right
		default:
			return h
		}
	}
	return nilHandle
}

// attach inserts a detached node by id order, then rotates it up until the
// heap property on priorities holds.
func (x *Index) attach(h handle) {
	id := x.nodes[h].id
	if x.root == nilHandle {
		x.root = h
		x.nodes[h].parent = nilHandle
		return
	}
	cur := x.root
	for {
		n := &x.nodes[cur]
		if id < n.id {
			if n.left == nilHandle {
				n.left = h
				break
			}
			cur = n.left
		} else {
			if n.right == nilHandle {
				n.right = h
				break
			}
			cur = n.right
		}
	}
	x.nodes[h].parent = cur
	for {
		p := x.nodes[h].parent
		if p == nilHandle || x.nodes[p].prio >= x.nodes[h].prio {
			return
		}
		x.rotateUp(h)
	}
}

// rotateUp swaps h with its parent, preserving id order.
func (x *Index) rotateUp(h handle) {
	p := x.nodes[h].parent
	g := x.nodes[p].parent
	if x.nodes[p].left == h {
		moved := x.nodes[h].right
		x.nodes[p].left = moved
		if moved != nilHandle {
			x.nodes[moved].parent = p
		}
		x.nodes[h].right = p
	} else {
		moved := x.nodes[h].left
		x.nodes[p].right = moved
		if moved != nilHandle {
			x.nodes[moved].parent = p
		}
		x.nodes[h].left = p
	}
	x.nodes[p].parent = h
	x.nodes[h].parent = g
	x.replaceChild(g, p, h)
}

// replaceChild points parent's link at old to repl (or the root when parent
// is nilHandle).
func (x *Index) replaceChild(parent, old, repl handle) {
	if parent == nilHandle {
		x.root = repl
		return
	}
	if x.nodes[parent].left == old {
		x.nodes[parent].left = repl
	} else {
		x.nodes[parent].right = repl
	}
}

// detach unlinks h by merging its two subtrees by priority. The node stays
// allocated.
func (x *Index) detach(h handle) {
	n := x.nodes[h]
	m := x.merge(n.left, n.right)
	if m != nilHandle {
		x.nodes[m].parent = n.parent
	}
	x.replaceChild(n.parent, h, m)
	x.nodes[h].left = nilHandle
	x.nodes[h].right = nilHandle
	x.nodes[h].parent = nilHandle
}

// merge joins two treaps where every id in a is below every id in b.
// Recursion depth is bounded by the expected O(log n) height.
func (x *Index) merge(a, b handle) handle {
	if a == nilHandle {
		return b
	}
	if b == nilHandle {
		return a
	}
	if x.nodes[a].prio >= x.nodes[b].prio {
		r := x.merge(x.nodes[a].right, b)
		x.nodes[a].right = r
		x.nodes[r].parent = a
		return a
	}
	l := x.merge(a, x.nodes[b].left)
	x.nodes[b].left = l
	x.nodes[l].parent = b
	return b
}

func (x *Index) leftmost(h handle) handle {
	for h != nilHandle && x.nodes[h].left != nilHandle {
		h = x.nodes[h].left
	}
	return h
}

func (x *Index) rightmost(h handle) handle {
	for h != nilHandle && x.nodes[h].right != nilHandle {
		h = x.nodes[h].right
	}
	return h
}

func (x *Index) successor(h handle) handle {
	if r := x.nodes[h].right; r != nilHandle {
		return x.leftmost(r)
	}
	for {
		p := x.nodes[h].parent
		if p == nilHandle || x.nodes[p].left == h {
			return p
		}
		h = p
	}
}

func (x *Index) predecessor(h handle) handle {
	if l := x.nodes[h].left; l != nilHandle {
		return x.rightmost(l)
	}
	for {
		p := x.nodes[h].parent
		if p == nilHandle || x.nodes[p].right == h {
			return p
		}
		h = p
	}
}

// ceil returns the node with the smallest id >= id.
func (x *Index) ceil(id update.MessageID) handle {
	best := nilHandle
	h := x.root
	for h != nilHandle {
		n := &x.nodes[h]
		switch {
		case n.id == id:
			return h
		case n.id > id:
			best = h
			h = n.left
		default:
			h = n.right
		}
	}
	return best
}

// floor returns the node with the largest id <= id.
func (x *Index) floor(id update.MessageID) handle {
	best := nilHandle
	h := x.root
	for h != nilHandle {
		n := &x.nodes[h]
		switch {
		case n.id == id:
			return h
		case n.id < id:
			best = h
			h = n.right
		default:
			h = n.left
		}
	}
	return best
}

// height is used by tests to check balance.
func (x *Index) height(h handle) int {
	if h == nilHandle {
		return 0
	}
	return 1 + max(x.height(x.nodes[h].left), x.height(x.nodes[h].right))
}
