package msgindex

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/update"
)

func content(id update.MessageID) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"text":"m%d"}`, id))
}

func rec(id update.MessageID) Record {
	return Record{ID: id, Content: content(id)}
}

func ids(x *Index) []update.MessageID {
	var out []update.MessageID
	for r := range x.All() {
		out = append(out, r.ID)
	}
	return out
}

// checkInvariants verifies tree order, heap order, parent links and flag
// symmetry between index-adjacent server records.
func checkInvariants(t *testing.T, x *Index) {
	t.Helper()
	var walk func(h handle, parent handle)
	count := 0
	walk = func(h handle, parent handle) {
		if h == nilHandle {
			return
		}
		count++
		n := x.nodes[h]
		require.Equal(t, parent, n.parent, "parent link of %d", n.id)
		require.Equal(t, n.id, n.rec.ID, "node id and record id diverged")
		for _, c := range []handle{n.left, n.right} {
			if c != nilHandle {
				require.GreaterOrEqual(t, n.prio, x.nodes[c].prio, "heap order at %d", n.id)
			}
		}
		if n.left != nilHandle {
			require.Less(t, x.nodes[n.left].id, n.id)
		}
		if n.right != nilHandle {
			require.Greater(t, x.nodes[n.right].id, n.id)
		}
		walk(n.left, h)
		walk(n.right, h)
	}
	walk(x.root, nilHandle)
	require.Equal(t, x.Len(), count)

	all := ids(x)
	require.True(t, slices.IsSorted(all))
	for i := 1; i < len(all); i++ {
		a, b := x.Find(all[i-1]), x.Find(all[i])
		if a.ID.IsLocal() || b.ID.IsLocal() {
			continue
		}
		require.Equal(t, a.HasNext, b.HasPrevious, "flag symmetry between %d and %d", a.ID, b.ID)
	}
}

func TestFindEmpty(t *testing.T) {
	x := New("c1")
	assert.Nil(t, x.Find(1))
	assert.Nil(t, x.First())
	assert.Nil(t, x.Last())
	assert.Equal(t, 0, x.Len())
}

func TestInsertLiveLinksToNewest(t *testing.T) {
	x := New("c1")
	for _, id := range []update.MessageID{1, 2, 3} {
		_, err := x.Insert(rec(id), Live())
		require.NoError(t, err)
	}

	first, mid, last := x.Find(1), x.Find(2), x.Find(3)
	assert.False(t, first.HasPrevious, "nothing known before the first live record")
	assert.True(t, first.HasNext)
	assert.True(t, mid.HasPrevious)
	assert.True(t, mid.HasNext)
	assert.True(t, last.HasPrevious)
	assert.True(t, last.HasNext, "newest live record is the live edge")
	checkInvariants(t, x)
}

func TestInsertLiveAfterResetIsNotLinked(t *testing.T) {
	x := New("c1")
	_, err := x.Insert(rec(1), Live())
	require.NoError(t, err)
	x.ResetContiguity()

	r, err := x.Insert(rec(5), Live())
	require.NoError(t, err)
	assert.False(t, r.HasPrevious)
	assert.True(t, r.HasNext)
	assert.False(t, x.Find(1).HasNext)
	checkInvariants(t, x)
}

func TestInsertExistingReplacesContentInPlace(t *testing.T) {
	x := New("c1")
	first, err := x.Insert(rec(7), Live())
	require.NoError(t, err)

	second, err := x.Insert(Record{ID: 7, Content: json.RawMessage(`{"text":"edited"}`)}, Live())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, x.Len())
	assert.JSONEq(t, `{"text":"edited"}`, string(x.Find(7).Content))
}

func TestInsertPageDisconnected(t *testing.T) {
	x := New("c1")
	_, err := x.Insert(rec(100), Live())
	require.NoError(t, err)

	// Server claims 49 and 51 as neighbours; neither is present.
	r, err := x.Insert(rec(50), Page(49, 51))
	require.NoError(t, err)
	assert.False(t, r.HasPrevious)
	assert.False(t, r.HasNext)
	assert.False(t, x.Find(100).HasPrevious)
	checkInvariants(t, x)
}

func TestInsertPageLinksVerifiedNeighbour(t *testing.T) {
	x := New("c1")
	_, err := x.Insert(rec(100), Live())
	require.NoError(t, err)

	page := []Record{rec(97), rec(98), rec(99)}
	out, err := x.InsertPage(page, PageBounds{PrevID: 96, NextID: 100})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.False(t, x.Find(97).HasPrevious, "96 is not present")
	assert.True(t, x.Find(97).HasNext)
	assert.True(t, x.Find(98).HasPrevious)
	assert.True(t, x.Find(99).HasNext, "100 verified present")
	assert.True(t, x.Find(100).HasPrevious)
	checkInvariants(t, x)
}

func TestInsertPageAtOldest(t *testing.T) {
	x := New("c1")
	_, err := x.InsertPage([]Record{rec(1), rec(2)}, PageBounds{AtOldest: true, AtNewest: true})
	require.NoError(t, err)
	assert.True(t, x.Find(1).HasPrevious)
	assert.True(t, x.Find(2).HasNext)

	res := x.Range(1, 10, update.Forward)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Records, 2)
}

func TestInsertPageRejectsUnsorted(t *testing.T) {
	x := New("c1")
	_, err := x.InsertPage([]Record{rec(3), rec(2)}, PageBounds{})
	assert.Error(t, err)
	assert.Equal(t, 0, x.Len())
}

func TestDeleteClearsNeighbourFlags(t *testing.T) {
	x := New("c1")
	_, err := x.InsertPage([]Record{rec(10), rec(11), rec(12)}, PageBounds{})
	require.NoError(t, err)
	require.True(t, x.Find(10).HasNext)
	require.True(t, x.Find(12).HasPrevious)

	assert.True(t, x.Delete(11))
	assert.False(t, x.Delete(11))

	assert.Nil(t, x.Find(11))
	assert.False(t, x.Find(10).HasNext)
	assert.False(t, x.Find(12).HasPrevious)
	checkInvariants(t, x)
}

func TestRelabelPreservesRecord(t *testing.T) {
	x := New("c1")
	_, err := x.Insert(rec(100), Live())
	require.NoError(t, err)

	local := update.LocalIDBase + 1
	ptr, err := x.Insert(Record{ID: local, Content: json.RawMessage(`{"text":"draft"}`)}, Page(0, 0))
	require.NoError(t, err)
	assert.True(t, x.Find(100).HasNext, "local records do not disturb the live edge")

	got, err := x.Relabel(local, 101, Live())
	require.NoError(t, err)

	assert.Same(t, ptr, got)
	assert.Equal(t, update.MessageID(101), ptr.ID)
	assert.Nil(t, x.Find(local))
	assert.Same(t, ptr, x.Find(101))
	assert.JSONEq(t, `{"text":"draft"}`, string(ptr.Content))
	assert.True(t, ptr.HasPrevious)
	assert.True(t, x.Find(100).HasNext)
	checkInvariants(t, x)
}

func TestRelabelOntoExistingInheritsFlags(t *testing.T) {
	x := New("c1")
	_, err := x.InsertPage([]Record{rec(1), rec(2), rec(3)}, PageBounds{})
	require.NoError(t, err)
	local := update.LocalIDBase + 9
	ptr, err := x.Insert(Record{ID: local, Content: json.RawMessage(`{"text":"mine"}`)}, Page(0, 0))
	require.NoError(t, err)

	got, err := x.Relabel(local, 2, Page(0, 0))
	require.NoError(t, err)
	assert.Same(t, ptr, got)
	assert.Equal(t, 3, x.Len())
	assert.True(t, got.HasPrevious)
	assert.True(t, got.HasNext)
	assert.JSONEq(t, `{"text":"mine"}`, string(x.Find(2).Content))
	checkInvariants(t, x)
}

func TestRelabelErrors(t *testing.T) {
	x := New("c1")
	_, err := x.Insert(rec(5), Live())
	require.NoError(t, err)

	_, err = x.Relabel(5, 6, Live())
	assert.ErrorIs(t, err, ErrNotLocal)

	_, err = x.Relabel(update.LocalIDBase+1, 6, Live())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIterateFrom(t *testing.T) {
	x := New("c1")
	for _, id := range []update.MessageID{10, 20, 30, 40} {
		_, err := x.Insert(rec(id), Page(0, 0))
		require.NoError(t, err)
	}

	collect := func(from update.MessageID, dir update.Direction) []update.MessageID {
		var out []update.MessageID
		for r := range x.IterateFrom(from, dir) {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []update.MessageID{20, 30, 40}, collect(15, update.Forward))
	assert.Equal(t, []update.MessageID{30, 20, 10}, collect(35, update.Backward))
	assert.Equal(t, []update.MessageID{40, 30, 20, 10}, collect(40, update.Backward))
	assert.Empty(t, collect(41, update.Forward))
	assert.Empty(t, collect(9, update.Backward))

	seq := x.IterateFrom(0, update.Forward)
	var first, second []update.MessageID
	for r := range seq {
		first = append(first, r.ID)
	}
	for r := range seq {
		second = append(second, r.ID)
	}
	assert.Equal(t, first, second, "sequence is restartable")

	assert.Empty(t, slices.Collect(New("empty").IterateFrom(0, update.Forward)))
}

func TestIterateFromToleratesMutation(t *testing.T) {
	x := New("c1")
	for id := update.MessageID(1); id <= 5; id++ {
		_, err := x.Insert(rec(id), Live())
		require.NoError(t, err)
	}

	var seen []update.MessageID
	for r := range x.IterateFrom(1, update.Forward) {
		seen = append(seen, r.ID)
		if r.ID == 2 {
			x.Delete(3)
			_, err := x.Insert(rec(100), Live())
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []update.MessageID{1, 2, 4, 5, 100}, seen)
}

func TestRangeStopsAtGap(t *testing.T) {
	x := New("c1")
	_, err := x.InsertPage([]Record{rec(1), rec(2), rec(3)}, PageBounds{})
	require.NoError(t, err)
	_, err = x.InsertPage([]Record{rec(10), rec(11)}, PageBounds{AtNewest: true})
	require.NoError(t, err)

	res := x.Range(1, 10, update.Forward)
	assert.True(t, res.Truncated)
	require.Len(t, res.Records, 3)
	assert.Equal(t, update.MessageID(3), res.Records[2].ID)

	res = x.Range(10, 10, update.Forward)
	assert.False(t, res.Truncated, "live edge reached")
	assert.Len(t, res.Records, 2)

	res = x.Range(11, 10, update.Backward)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Records, 2)

	res = x.Range(1, 2, update.Forward)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Records, 2)

	res = New("empty").Range(0, 5, update.Forward)
	assert.True(t, res.Truncated)
	assert.Empty(t, res.Records)
}

func TestRangeReturnsSnapshots(t *testing.T) {
	x := New("c1")
	_, err := x.Insert(rec(1), Live())
	require.NoError(t, err)

	res := x.Range(1, 1, update.Forward)
	require.Len(t, res.Records, 1)
	res.Records[0].Content[0] = 'X'
	assert.JSONEq(t, string(content(1)), string(x.Find(1).Content))
}

func TestBalancedOnSequentialInsert(t *testing.T) {
	x := New("c1")
	const n = 20000
	for id := update.MessageID(1); id <= n; id++ {
		_, err := x.Insert(rec(id), Live())
		require.NoError(t, err)
	}
	// Expected treap height is about 3*ln(n); a degenerate tree would be n.
	assert.Less(t, x.height(x.root), 80)
	assert.Equal(t, n, x.Len())
}

func TestShapeIsFunctionOfIDSet(t *testing.T) {
	a, b := New("a"), New("b")
	order := []update.MessageID{5, 1, 9, 3, 7, 2, 8}
	for _, id := range order {
		_, err := a.Insert(rec(id), Page(0, 0))
		require.NoError(t, err)
	}
	slices.Reverse(order)
	for _, id := range order {
		_, err := b.Insert(rec(id), Page(0, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, a.nodes[a.root].id, b.nodes[b.root].id)
	assert.Equal(t, a.height(a.root), b.height(b.root))
}

func TestRandomOperationsMatchReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	x := New("c1")
	ref := map[update.MessageID]bool{}

	for step := 0; step < 5000; step++ {
		id := update.MessageID(rng.IntN(500) + 1)
		switch rng.IntN(4) {
		case 0:
			_, err := x.Insert(rec(id), Live())
			require.NoError(t, err)
			ref[id] = true
		case 1:
			_, err := x.Insert(rec(id), Page(id-1, id+1))
			require.NoError(t, err)
			ref[id] = true
		case 2:
			n := rng.IntN(5) + 1
			page := make([]Record, 0, n)
			for i := 0; i < n; i++ {
				page = append(page, rec(id+update.MessageID(i)))
				ref[id+update.MessageID(i)] = true
			}
			_, err := x.InsertPage(page, PageBounds{PrevID: id - 1, NextID: id + update.MessageID(n)})
			require.NoError(t, err)
		case 3:
			assert.Equal(t, ref[id], x.Delete(id))
			delete(ref, id)
		}
	}

	var want []update.MessageID
	for id := range ref {
		want = append(want, id)
	}
	slices.Sort(want)
	assert.Equal(t, want, ids(x))
	checkInvariants(t, x)
}
