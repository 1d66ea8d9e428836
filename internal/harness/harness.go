package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/store"
	"github.com/roach88/chatsync/internal/testutil"
	"github.com/roach88/chatsync/internal/update"
)

// Harness executes one scenario against a real session.
//
// Every sequence of the session runs on one manual scheduler, so the
// interleaving of scopes, conversations and query continuations is a
// single FIFO and the trace is reproducible.
type Harness struct {
	session *engine.Session
	sched   *testutil.ManualScheduler
	server  *testutil.FakeServer
	store   *store.Store
	logger  *slog.Logger

	updates []update.Update
	trace   *recorder
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Seed the store and the fake server with the initial counters
//  2. Restore the session from the store
//  3. Emit the server's event log
//  4. Execute the steps, recording a marker before each
//  5. Collect final state and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(scenario, st)
	ctx := context.Background()

	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed scenario: %w", err)
	}

	for i, step := range scenario.Steps {
		h.trace.step(i+1, step.describe())
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.describe(), err)
		}
	}

	select {
	case err := <-h.session.Faults():
		return nil, fmt.Errorf("session fault: %w", err)
	default:
	}

	result := NewResult()
	result.Trace = h.trace.events()
	h.collect(result)

	actx := &AssertionContext{Session: h.session}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store) *Harness {
	sched := testutil.NewManualScheduler(nil)
	srv := testutil.NewFakeServer()
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kind := scenario.Client
	if kind == "" {
		kind = engine.ClientUser
	}
	tun := engine.DefaultTuning()
	tun.DifferenceLimit = engine.DifferenceLimitFor(kind)
	// Retry delays must not depend on chance.
	tun.Backoff.Jitter = 0

	sess := engine.New(srv,
		engine.WithLogger(logger),
		engine.WithObserver(rec),
		engine.WithAccessOracle(srv),
		engine.WithSeqStore(st),
		engine.WithBacking(st),
		engine.WithEchoKeys(testutil.NewSequentialEchoKeys("")),
		engine.WithSchedulers(func(string) engine.Scheduler { return sched }),
		engine.WithTuning(tun),
	)
	return &Harness{
		session: sess,
		sched:   sched,
		server:  srv,
		store:   st,
		logger:  logger,
		trace:   rec,
	}
}

// seed stores the initial counters, restores the session from them and
// emits the server's log.
func (h *Harness) seed(ctx context.Context, scenario *Scenario) error {
	initial := map[update.Scope]int64{update.GlobalScope: 1}
	for scope, seq := range scenario.Initial {
		initial[update.Scope(scope)] = seq
	}
	for scope, seq := range initial {
		if err := h.store.SaveSeq(ctx, scope, seq); err != nil {
			return err
		}
		h.server.SetHead(scope, seq)
	}
	for scope, seq := range scenario.ServerHeads {
		h.server.SetHead(update.Scope(scope), seq)
	}
	if err := h.session.Restore(ctx); err != nil {
		return err
	}
	h.sched.RunUntilIdle()

	h.updates = make([]update.Update, len(scenario.Server))
	for i, ev := range scenario.Server {
		u := h.server.Emit(ev.scope(), ev.count(), ev.payload())
		u.EchoKey = ev.EchoKey
		h.updates[i] = u
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case len(step.Admit) > 0:
		return h.admit(step.Admit, h.session.Admit)
	case len(step.AdmitFresh) > 0:
		return h.admit(step.AdmitFresh, h.session.AdmitFresh)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.sched.Advance(d)
	case step.FailQueries > 0:
		h.server.FailNext(step.FailQueries)
	case step.TooLong != "":
		h.server.SetTooLong(update.Scope(step.TooLong), true)
	case step.Deny != "":
		h.server.Deny(update.Scope(step.Deny))
	case step.InsertLocal != nil:
		return h.insertLocal(ctx, step.InsertLocal)
	case step.Reset != nil:
		if err := h.session.Reset(update.Scope(step.Reset.Scope), step.Reset.Baseline); err != nil {
			return err
		}
		h.sched.RunUntilIdle()
	}
	return nil
}

// admit delivers events one at a time, letting the session settle after
// each. Refusals the session reports synchronously become trace events.
func (h *Harness) admit(indices []int, deliver func(update.Update) error) error {
	for _, idx := range indices {
		u := h.updates[idx-1]
		if err := deliver(u); err != nil {
			reason, ok := rejection(err)
			if !ok {
				return err
			}
			h.trace.add(TraceEvent{Type: EventRejected, Scope: string(u.Scope), NewSeq: u.NewSeq, Reason: reason})
		}
		h.sched.RunUntilIdle()
	}
	return nil
}

func rejection(err error) (string, bool) {
	switch {
	case engine.IsUnknownScope(err):
		return "unknown_scope", true
	case engine.IsMalformed(err):
		return "malformed", true
	case engine.IsInvariant(err):
		return "invariant", true
	}
	return "", false
}

// insertLocal calls the blocking InsertLocal while pumping the scheduler
// it waits on.
func (h *Harness) insertLocal(ctx context.Context, m *LocalMessage) error {
	done := make(chan error, 1)
	go func() {
		_, err := h.session.InsertLocal(ctx, m.Conversation, update.MessageNew{Text: m.Text})
		done <- err
	}()
	for {
		h.sched.RunUntilIdle()
		select {
		case err := <-done:
			h.sched.RunUntilIdle()
			return err
		case <-time.After(time.Millisecond):
		}
	}
}

// collect copies the final state into result. Nothing runs concurrently
// any more, so the session may be peeked.
func (h *Harness) collect(result *Result) {
	scopes := []update.Scope{update.GlobalScope}
	convs := h.session.Conversations()
	slices.Sort(convs)
	for _, id := range convs {
		scopes = append(scopes, update.ConversationScope(id))

		c, _ := h.session.PeekConversation(id)
		ids := []int64{}
		for rec := range c.Index().All() {
			ids = append(ids, int64(rec.ID))
		}
		result.Messages[id] = ids
	}
	for _, scope := range scopes {
		snap, ok := h.session.PeekScope(scope)
		if !ok {
			continue
		}
		result.Scopes[string(scope)] = ScopeReport{
			Current:   snap.Current,
			State:     snap.State.String(),
			Pending:   len(snap.Pending),
			Postponed: len(snap.Postponed),
		}
	}
	result.Unread = h.session.PeekUnread()
}

// recorder turns observer hooks into trace events.
type recorder struct {
	mu      sync.Mutex
	current int
	trace   []TraceEvent
}

var _ engine.Observer = (*recorder)(nil)

func (r *recorder) step(n int, label string) {
	r.mu.Lock()
	r.current = n
	r.mu.Unlock()
	r.add(TraceEvent{Type: EventStep, Label: label})
}

func (r *recorder) add(e TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Step = r.current
	r.trace = append(r.trace, e)
}

func (r *recorder) events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.trace)
}

func (r *recorder) OnAdmit(scope update.Scope, u update.Update, outcome engine.Outcome) {
	r.add(TraceEvent{
		Type:     EventAdmit,
		Scope:    string(scope),
		NewSeq:   u.NewSeq,
		SeqCount: u.SeqCount,
		Kind:     string(u.Kind),
		Outcome:  outcome.String(),
	})
}

func (r *recorder) OnGapDetected(scope update.Scope, currentSeq, targetSeq int64) {
	r.add(TraceEvent{Type: EventGap, Scope: string(scope), CurrentSeq: currentSeq, TargetSeq: targetSeq})
}

func (r *recorder) OnRecoveryStarted(scope update.Scope, fromSeq int64, reason string) {
	r.add(TraceEvent{Type: EventRecoveryStarted, Scope: string(scope), FromSeq: fromSeq, Reason: reason})
}

func (r *recorder) OnRecoveryFinished(scope update.Scope, res engine.RecoveryResult) {
	r.add(TraceEvent{
		Type:    EventRecoveryFinished,
		Scope:   string(scope),
		Result:  res.Result,
		FromSeq: res.FromSeq,
		ToSeq:   res.ToSeq,
		Applied: res.Applied,
	})
}

// errNoConversation is reported by assertions on unknown conversations.
var errNoConversation = errors.New("conversation unknown to the session")
