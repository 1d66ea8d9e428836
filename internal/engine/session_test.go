package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/testutil"
	"github.com/roach88/chatsync/internal/update"
)

type memSeqStore struct {
	mu   sync.Mutex
	seqs map[update.Scope]int64
}

func newMemSeqStore() *memSeqStore {
	return &memSeqStore{seqs: make(map[update.Scope]int64)}
}

func (m *memSeqStore) LoadSeqs(context.Context) (map[update.Scope]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[update.Scope]int64, len(m.seqs))
	for k, v := range m.seqs {
		out[k] = v
	}
	return out, nil
}

func (m *memSeqStore) SaveSeq(_ context.Context, scope update.Scope, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[scope] = seq
	return nil
}

// seqBase is where test servers and fresh sessions start counting. No
// valid update can follow a counter of 0.
const seqBase = 1

// baseline gives a fresh session and server the global counter seqBase.
func baseline(s *Session, srv *testutil.FakeServer) {
	if srv.Head(update.GlobalScope) == 0 {
		srv.SetHead(update.GlobalScope, seqBase)
	}
	s.global.state.Current = max(s.global.state.Current, seqBase)
}

// manualSession runs every sequence of a session on one manual scheduler.
type manualSession struct {
	*Session
	sched *testutil.ManualScheduler
	srv   *testutil.FakeServer
}

func newManualSession(t *testing.T, srv *testutil.FakeServer, opts ...Option) *manualSession {
	t.Helper()
	if srv == nil {
		srv = testutil.NewFakeServer()
	}
	sched := testutil.NewManualScheduler(nil)
	tun := DefaultTuning()
	tun.Backoff.rand = func() float64 { return 0 }
	base := []Option{
		WithSchedulers(func(string) Scheduler { return sched }),
		WithLogger(discardLogger()),
		WithEchoKeys(testutil.NewSequentialEchoKeys("")),
		WithTuning(tun),
	}
	s := New(srv, append(base, opts...)...)
	baseline(s, srv)
	return &manualSession{Session: s, sched: sched, srv: srv}
}

func (m *manualSession) record(t *testing.T, conv string, id update.MessageID) *msgindex.Record {
	t.Helper()
	c, ok := m.PeekConversation(conv)
	require.True(t, ok, "conversation %s unknown", conv)
	return c.Index().Find(id)
}

func newMsg(conv string, id int64, text string) update.MessageNew {
	return update.MessageNew{ConversationID: conv, ID: update.MessageID(id), Text: text}
}

func TestSession_GlobalUpdatesReachConversation(t *testing.T) {
	s := newManualSession(t, nil)

	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1, newMsg("c1", 10, "hi"))))
	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1, newMsg("c2", 7, "yo"))))
	s.sched.RunUntilIdle()

	rec := s.record(t, "c1", 10)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"conversation_id":"c1","id":10,"text":"hi"}`, string(rec.Content))
	assert.NotNil(t, s.record(t, "c2", 7))

	snap, ok := s.PeekScope(update.GlobalScope)
	require.True(t, ok)
	assert.Equal(t, int64(3), snap.Current)
	assert.Equal(t, int64(2), s.PeekUnread())
}

func TestSession_LiveMessagesAreContiguous(t *testing.T) {
	s := newManualSession(t, nil)

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))))
	}
	s.sched.RunUntilIdle()

	c, _ := s.PeekConversation("c1")
	res := c.Index().Range(3, 10, update.Backward)
	assert.Len(t, res.Records, 3)
	// The oldest live record has no known predecessor.
	assert.True(t, res.Truncated)
}

func TestSession_GapRecoveredThroughServer(t *testing.T) {
	s := newManualSession(t, nil)
	var last update.Update
	for id := int64(1); id <= 4; id++ {
		last = s.srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))
	}

	require.NoError(t, s.Admit(last))
	s.sched.RunUntilIdle()
	_, ok := s.PeekConversation("c1")
	assert.False(t, ok, "nothing applied while the gap is pending")

	s.sched.Advance(500 * time.Millisecond)
	for id := update.MessageID(1); id <= 4; id++ {
		assert.NotNil(t, s.record(t, "c1", id), "message %d", id)
	}
	snap, _ := s.PeekScope(update.GlobalScope)
	assert.Equal(t, int64(5), snap.Current)
	assert.Equal(t, StateIdle, snap.State)
}

func TestSession_DedicatedScope(t *testing.T) {
	s := newManualSession(t, nil)
	scope := update.ConversationScope("big")

	s.srv.SetHead(scope, 10)
	require.NoError(t, s.AdmitFresh(s.srv.Emit(scope, 1, newMsg("big", 100, "a"))))
	require.NoError(t, s.Admit(s.srv.Emit(scope, 1, newMsg("big", 101, "b"))))
	s.sched.RunUntilIdle()

	snap, ok := s.PeekScope(scope)
	require.True(t, ok)
	assert.Equal(t, int64(12), snap.Current)
	assert.NotNil(t, s.record(t, "big", 101))

	global, _ := s.PeekScope(update.GlobalScope)
	assert.Equal(t, int64(seqBase), global.Current, "dedicated scopes do not touch the global counter")
}

func TestSession_EditDeleteAndReadInbox(t *testing.T) {
	s := newManualSession(t, nil)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))))
	}
	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1,
		update.MessageEdit{ConversationID: "c1", ID: 2, Text: "edited"})))
	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1,
		update.MessageDelete{ConversationID: "c1", IDs: []update.MessageID{3}})))
	s.sched.RunUntilIdle()
	assert.Equal(t, int64(3), s.PeekUnread())

	var m update.MessageNew
	require.NoError(t, json.Unmarshal(s.record(t, "c1", 2).Content, &m))
	assert.Equal(t, "edited", m.Text)
	assert.Nil(t, s.record(t, "c1", 3))

	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1,
		update.ReadInbox{ConversationID: "c1", MaxID: 2, StillUnread: 1})))
	s.sched.RunUntilIdle()
	assert.Equal(t, int64(1), s.PeekUnread())
}

func TestSession_TooLongResetsGlobalConversations(t *testing.T) {
	s := newManualSession(t, nil)
	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1, newMsg("c1", 1, "m"))))
	s.sched.RunUntilIdle()

	var last update.Update
	for id := int64(2); id <= 6; id++ {
		last = s.srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))
	}
	s.srv.SetTooLong(update.GlobalScope, true)
	require.NoError(t, s.Admit(last))
	s.sched.Advance(500 * time.Millisecond)

	snap, _ := s.PeekScope(update.GlobalScope)
	assert.Equal(t, int64(7), snap.Current)
	_, window, _ := s.srv.Calls()
	assert.Equal(t, 1, window)

	// The window holds every message; the newest is at the live edge.
	newest := s.record(t, "c1", 6)
	require.NotNil(t, newest)
	assert.True(t, newest.HasNext)
}

func TestSession_UnreadableConversationRejected(t *testing.T) {
	srv := testutil.NewFakeServer()
	s := newManualSession(t, srv, WithAccessOracle(srv))
	scope := update.ConversationScope("secret")
	srv.Deny(scope)

	err := s.Admit(srv.Emit(scope, 1, newMsg("secret", 1, "m")))
	assert.True(t, IsUnknownScope(err))
	_, ok := s.PeekConversation("secret")
	assert.False(t, ok)
}

func TestSession_MalformedScope(t *testing.T) {
	s := newManualSession(t, nil)
	u := event(update.GlobalScope, 1, 1)
	u.Scope = "channel:1"

	assert.True(t, IsMalformed(s.Admit(u)))
}

func TestSession_RestoreFromStores(t *testing.T) {
	backing := msgindex.NewMemoryBacking()
	seqs := newMemSeqStore()
	srv := testutil.NewFakeServer()

	first := newManualSession(t, srv, WithBacking(backing), WithSeqStore(seqs))
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, first.Admit(srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))))
	}
	srv.SetHead(update.ConversationScope("big"), 1)
	require.NoError(t, first.AdmitFresh(srv.Emit(update.ConversationScope("big"), 1, newMsg("big", 9, "m"))))
	first.sched.RunUntilIdle()
	assert.Equal(t, 3, backing.Len("c1"))

	second := newManualSession(t, srv, WithBacking(backing), WithSeqStore(seqs))
	require.NoError(t, second.Restore(context.Background()))

	global, _ := second.PeekScope(update.GlobalScope)
	assert.Equal(t, int64(4), global.Current)
	big, ok := second.PeekScope(update.ConversationScope("big"))
	require.True(t, ok)
	assert.Equal(t, int64(2), big.Current)

	// The next live message loads c1 first, then links to the restored edge.
	require.NoError(t, second.Admit(srv.Emit(update.GlobalScope, 1, newMsg("c1", 4, "m"))))
	second.sched.RunUntilIdle()
	c, _ := second.PeekConversation("c1")
	assert.Equal(t, 4, c.Index().Len())
	prev := c.Index().Find(3)
	require.NotNil(t, prev)
	assert.True(t, prev.HasNext)
	assert.True(t, c.Index().Find(4).HasPrevious)
}

func TestSession_ResetUnknownScope(t *testing.T) {
	s := newManualSession(t, nil)
	assert.True(t, IsUnknownScope(s.Reset(update.ConversationScope("nope"), 5)))

	require.NoError(t, s.Reset(update.GlobalScope, 50))
	s.sched.RunUntilIdle()
	snap, _ := s.PeekScope(update.GlobalScope)
	assert.Equal(t, int64(50), snap.Current)
}

// runningSession starts a session on real loops.
func runningSession(t *testing.T, srv *testutil.FakeServer, opts ...Option) (*Session, <-chan error) {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithEchoKeys(testutil.NewSequentialEchoKeys("")),
	}
	s := New(srv, append(base, opts...)...)
	baseline(s, srv)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, done
}

func TestSession_RunGetAndUnread(t *testing.T) {
	srv := testutil.NewFakeServer()
	s, _ := runningSession(t, srv)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, s.Admit(srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))))
	}

	require.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, "c1", 3)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := s.UnreadTotal(ctx)
		return err == nil && n == 3
	}, 2*time.Second, 5*time.Millisecond)

	snap, found, err := s.ScopeState(ctx, update.GlobalScope)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(4), snap.Current)

	_, found, err = s.Get(ctx, "unknown", 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSession_InsertLocalThenEcho(t *testing.T) {
	srv := testutil.NewFakeServer()
	s, _ := runningSession(t, srv)
	ctx := context.Background()

	local, err := s.InsertLocal(ctx, "c1", update.MessageNew{Text: "draft"})
	require.NoError(t, err)
	assert.True(t, local.ID.IsLocal())
	assert.Equal(t, "echo-1", local.RandomID)

	rec, ok, err := s.Get(ctx, "c1", local.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, local.ID, rec.ID)

	echo := srv.Emit(update.GlobalScope, 1, update.MessageNew{
		ConversationID: "c1", ID: 77, RandomID: local.RandomID, Text: "draft", Outgoing: true,
	})
	echo.EchoKey = local.RandomID
	require.NoError(t, s.Admit(echo))

	require.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, "c1", 77)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)

	_, ok, err = s.Get(ctx, "c1", local.ID)
	require.NoError(t, err)
	assert.False(t, ok, "local record relabelled, not duplicated")

	n, err := s.UnreadTotal(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "own messages are not unread")
}

func TestSession_AckRelabelsLocal(t *testing.T) {
	srv := testutil.NewFakeServer()
	s, _ := runningSession(t, srv)
	ctx := context.Background()

	local, err := s.InsertLocal(ctx, "c1", update.MessageNew{Text: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Admit(srv.Emit(update.GlobalScope, 1,
		update.MessageAck{ConversationID: "c1", LocalID: local.ID, ID: 500})))

	require.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, "c1", 500)
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_BackfillSplicesHistory(t *testing.T) {
	srv := testutil.NewFakeServer()
	for id := int64(1); id <= 10; id++ {
		srv.AddHistory(newMsg("c1", id, fmt.Sprintf("m%d", id)))
	}
	s, _ := runningSession(t, srv)
	ctx := context.Background()

	page, err := s.Backfill(ctx, "c1", 0, 3, update.Backward)
	require.NoError(t, err)
	assert.Len(t, page.Records, 3)
	assert.True(t, page.Truncated)

	res, err := s.Range(ctx, "c1", 10, 20, update.Backward)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.True(t, res.Truncated, "older history not fetched yet")

	_, err = s.Backfill(ctx, "c1", 8, 20, update.Backward)
	require.NoError(t, err)

	res, err = s.Range(ctx, "c1", 10, 20, update.Backward)
	require.NoError(t, err)
	require.Len(t, res.Records, 10)
	assert.False(t, res.Truncated)
	assert.Equal(t, update.MessageID(10), res.Records[0].ID)
	assert.Equal(t, update.MessageID(1), res.Records[9].ID)
}

type corruptBacking struct {
	*msgindex.MemoryBacking
}

func (corruptBacking) PutMessage(context.Context, msgindex.StoredMessage) error {
	return fmt.Errorf("checksum mismatch: %w", msgindex.ErrCorrupt)
}

func TestSession_CorruptionStopsRun(t *testing.T) {
	srv := testutil.NewFakeServer()
	var handled []error
	var mu sync.Mutex
	s := New(srv,
		WithLogger(discardLogger()),
		WithBacking(corruptBacking{msgindex.NewMemoryBacking()}),
		WithFaultHandler(func(err error) {
			mu.Lock()
			handled = append(handled, err)
			mu.Unlock()
		}),
	)
	baseline(s, srv)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.NoError(t, s.Admit(srv.Emit(update.GlobalScope, 1, newMsg("c1", 1, "m"))))

	select {
	case err := <-done:
		assert.True(t, IsCorrupt(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on corruption")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, handled)
}

func TestSession_SetTuning(t *testing.T) {
	s := newManualSession(t, nil)
	tun := s.Tuning()
	tun.CoalesceDelay = 2 * time.Second
	s.SetTuning(tun)

	var last update.Update
	for id := int64(1); id <= 2; id++ {
		last = s.srv.Emit(update.GlobalScope, 1, newMsg("c1", id, "m"))
	}
	require.NoError(t, s.Admit(last))
	s.sched.Advance(time.Second)
	snap, _ := s.PeekScope(update.GlobalScope)
	assert.Equal(t, StateGapPending, snap.State, "new delay applies to the next gap")

	s.sched.Advance(time.Second)
	snap, _ = s.PeekScope(update.GlobalScope)
	assert.Equal(t, int64(3), snap.Current)
}

func TestSession_CancelledReadsAreNotReported(t *testing.T) {
	var logs bytes.Buffer
	s := newManualSession(t, nil, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, s.Admit(s.srv.Emit(update.GlobalScope, 1, newMsg("c1", 1, "m"))))
	s.sched.RunUntilIdle()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The manual scheduler has not run the posted reads yet, so both give
	// up on the context.
	_, _, err := s.Get(ctx, "c1", 1)
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Range(ctx, "c1", 1, 10, update.Forward)
	require.ErrorIs(t, err, context.Canceled)
	s.sched.RunUntilIdle()

	assert.NotContains(t, logs.String(), "level=ERROR")
	select {
	case err := <-s.Faults():
		t.Fatalf("unexpected fault: %v", err)
	default:
	}
}
