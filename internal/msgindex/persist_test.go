package msgindex

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/update"
)

func TestFlushLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryBacking()

	x := New("c1", WithBacking(backing))
	_, err := x.InsertPage([]Record{rec(1), rec(2), rec(3)}, PageBounds{AtOldest: true})
	require.NoError(t, err)
	_, err = x.InsertPage([]Record{rec(10), rec(11)}, PageBounds{})
	require.NoError(t, err)
	_, err = x.Insert(rec(12), Live())
	require.NoError(t, err)
	x.Delete(2)
	require.True(t, x.Dirty())
	require.NoError(t, x.Flush(ctx))
	assert.False(t, x.Dirty())
	assert.Equal(t, 5, backing.Len("c1"))

	y := New("c1", WithBacking(backing))
	require.NoError(t, y.Load(ctx))
	assert.Equal(t, ids(x), ids(y))

	for _, id := range ids(x) {
		a, b := x.Find(id), y.Find(id)
		require.NotNil(t, b)
		assert.Equal(t, a.HasPrevious, b.HasPrevious, "has_previous of %d", id)
		assert.Equal(t, a.HasNext, b.HasNext, "has_next of %d", id)
		assert.JSONEq(t, string(a.Content), string(b.Content))
	}
	for _, from := range []update.MessageID{0, 1, 3, 10, 12, 100} {
		for _, dir := range []update.Direction{update.Forward, update.Backward} {
			assert.Equal(t, x.Range(from, 10, dir).Truncated, y.Range(from, 10, dir).Truncated)
			assert.Len(t, y.Range(from, 10, dir).Records, len(x.Range(from, 10, dir).Records))
		}
	}
	checkInvariants(t, y)
}

func TestFlushWritesRelabelAsDeleteAndPut(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryBacking()
	x := New("c1", WithBacking(backing))

	local := update.LocalIDBase + 1
	_, err := x.Insert(Record{ID: local, Content: json.RawMessage(`{"text":"hi"}`)}, Page(0, 0))
	require.NoError(t, err)
	require.NoError(t, x.Flush(ctx))

	_, err = x.Relabel(local, 50, Live())
	require.NoError(t, err)
	require.NoError(t, x.Flush(ctx))

	_, ok, err := backing.GetMessage(ctx, "c1", local)
	require.NoError(t, err)
	assert.False(t, ok)
	m, ok, err := backing.GetMessage(ctx, "c1", 50)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"hi"}`, string(m.Content))
}

func TestEvictAndRehydrate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backing := NewMemoryBacking()
	x := New("c1", WithBacking(backing), WithNow(func() time.Time { return now }))

	_, err := x.InsertPage([]Record{rec(1), rec(2)}, PageBounds{})
	require.NoError(t, err)

	// Dirty records are never evicted.
	assert.Equal(t, 0, x.Evict(now.Add(time.Hour)))

	require.NoError(t, x.Flush(ctx))
	now = now.Add(time.Minute)
	x.Find(2)

	assert.Equal(t, 1, x.Evict(now))
	r := x.Find(1)
	require.NotNil(t, r)
	assert.False(t, r.Loaded())
	assert.Nil(t, r.Content)
	assert.True(t, r.HasNext, "flags survive eviction")

	got, ok, err := x.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Loaded())
	assert.JSONEq(t, string(content(1)), string(got.Content))
}

func TestFlushRehydratesEvictedRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backing := NewMemoryBacking()
	x := New("c1", WithBacking(backing), WithNow(func() time.Time { return now }))

	_, err := x.InsertPage([]Record{rec(1), rec(2), rec(3)}, PageBounds{})
	require.NoError(t, err)
	require.NoError(t, x.Flush(ctx))
	require.Equal(t, 3, x.Evict(now.Add(time.Second)))

	// Deleting 2 changes the flags of the evicted neighbours.
	x.Delete(2)
	require.NoError(t, x.Flush(ctx))

	m, ok, err := backing.GetMessage(ctx, "c1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, m.HasNext)
	assert.JSONEq(t, string(content(1)), string(m.Content), "content kept when flags are rewritten")
}

func TestGetMissingEvictedIsCorrupt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backing := NewMemoryBacking()
	x := New("c1", WithBacking(backing), WithNow(func() time.Time { return now }))

	_, err := x.Insert(rec(1), Live())
	require.NoError(t, err)
	require.NoError(t, x.Flush(ctx))
	require.Equal(t, 1, x.Evict(now.Add(time.Second)))
	require.NoError(t, backing.DeleteMessage(ctx, "c1", 1))

	_, _, err = x.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestGetUnknownIsNotAnError(t *testing.T) {
	x := New("c1")
	r, ok, err := x.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, r)
}

func TestLoadRejectsNonEmptyIndex(t *testing.T) {
	x := New("c1", WithBacking(NewMemoryBacking()))
	_, err := x.Insert(rec(1), Live())
	require.NoError(t, err)
	assert.Error(t, x.Load(context.Background()))
}
