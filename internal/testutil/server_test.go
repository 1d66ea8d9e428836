package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/update"
)

func msg(conv string, id int64) update.MessageNew {
	return update.MessageNew{ConversationID: conv, ID: update.MessageID(id), Text: "m"}
}

func TestFakeServer_EmitAssignsSeqs(t *testing.T) {
	f := NewFakeServer()

	a := f.Emit(update.GlobalScope, 1, msg("c1", 10))
	b := f.Emit(update.GlobalScope, 2, update.MessageDelete{ConversationID: "c1", IDs: []update.MessageID{10}})

	assert.Equal(t, int64(1), a.NewSeq)
	assert.Equal(t, int64(3), b.NewSeq)
	assert.Equal(t, int64(2), b.SeqCount)
	assert.Equal(t, int64(3), f.Head(update.GlobalScope))
}

func TestFakeServer_DifferencePages(t *testing.T) {
	f := NewFakeServer()
	for i := 1; i <= 5; i++ {
		f.Emit(update.GlobalScope, 1, msg("c1", int64(i)))
	}
	ctx := context.Background()

	res, err := f.Difference(ctx, update.DifferenceRequest{Scope: update.GlobalScope, FromSeq: 1, Limit: 2})
	require.NoError(t, err)
	assert.False(t, res.Final)
	assert.Len(t, res.Updates, 2)
	assert.Equal(t, int64(3), res.NewSeq)

	res, err = f.Difference(ctx, update.DifferenceRequest{Scope: update.GlobalScope, FromSeq: 3, Limit: 10})
	require.NoError(t, err)
	assert.True(t, res.Final)
	assert.Len(t, res.Updates, 2)
	assert.Equal(t, int64(5), res.NewSeq)
}

func TestFakeServer_FailuresAndTooLong(t *testing.T) {
	f := NewFakeServer()
	ctx := context.Background()
	f.FailNext(1)

	_, err := f.Difference(ctx, update.DifferenceRequest{Scope: update.GlobalScope})
	assert.ErrorIs(t, err, ErrInjected)

	f.SetTooLong(update.GlobalScope, true)
	res, err := f.Difference(ctx, update.DifferenceRequest{Scope: update.GlobalScope})
	require.NoError(t, err)
	assert.True(t, res.TooLong)

	d, _, _ := f.Calls()
	assert.Equal(t, 2, d)
}

func TestFakeServer_History(t *testing.T) {
	f := NewFakeServer()
	for i := 1; i <= 5; i++ {
		f.AddHistory(msg("c1", int64(i*10)))
	}
	ctx := context.Background()

	res, err := f.History(ctx, update.HistoryRequest{ConversationID: "c1", Limit: 2, Direction: update.Backward})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, update.MessageID(50), res.Messages[0].ID)
	assert.False(t, res.Exhausted)

	res, err = f.History(ctx, update.HistoryRequest{ConversationID: "c1", AnchorID: 30, Limit: 5, Direction: update.Backward})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 2)
	assert.True(t, res.Exhausted)

	res, err = f.History(ctx, update.HistoryRequest{ConversationID: "c1", AnchorID: 30, Limit: 5, Direction: update.Forward})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 2)
	assert.True(t, res.Exhausted)
}

func TestFakeServer_WindowAndAccess(t *testing.T) {
	f := NewFakeServer()
	scope := update.ConversationScope("c1")
	for i := 1; i <= 4; i++ {
		f.Emit(scope, 1, msg("c1", int64(i)))
	}
	ctx := context.Background()

	res, err := f.Window(ctx, update.WindowRequest{Scope: scope, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Seq)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, update.MessageID(3), res.Messages[0].ID)

	ok, err := f.CanRead(ctx, scope)
	require.NoError(t, err)
	assert.True(t, ok)
	f.Deny(scope)
	ok, _ = f.CanRead(ctx, scope)
	assert.False(t, ok)
}
