package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithObserver attaches a sync observer (metrics, traces).
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithAccessOracle sets the oracle consulted before recovery and before a
// conversation scope is first opened.
func WithAccessOracle(a AccessOracle) Option {
	return func(s *Session) { s.access = a }
}

// WithSeqStore persists scope counters.
func WithSeqStore(st SeqStore) Option {
	return func(s *Session) { s.seqs = st }
}

// WithBacking persists message indexes.
func WithBacking(b msgindex.Backing) Option {
	return func(s *Session) { s.backing = b }
}

// WithEchoKeys sets the echo key generator. Default: UUIDv7.
func WithEchoKeys(g EchoKeyGenerator) Option {
	return func(s *Session) { s.echoKeys = g }
}

// WithSchedulers sets the factory creating one sequence per scope and per
// conversation. Default: a Loop each.
func WithSchedulers(f func(name string) Scheduler) Option {
	return func(s *Session) { s.newSched = f }
}

// WithTuning sets the initial tuning.
func WithTuning(t Tuning) Option {
	return func(s *Session) { s.tuning.Store(&t) }
}

// WithFaultHandler is called once per fatal error, in addition to Run
// returning it.
func WithFaultHandler(fn func(error)) Option {
	return func(s *Session) { s.onFault = fn }
}

// Session is the sync engine of one account: the global scope, the
// dedicated conversation scopes, and the message indexes.
//
// Every scope and every conversation runs on its own sequence. Public
// methods may be called from any goroutine.
type Session struct {
	log      *slog.Logger
	observer Observer
	querier  Querier
	access   AccessOracle
	seqs     SeqStore
	backing  msgindex.Backing
	echoKeys EchoKeyGenerator
	localIDs *update.LocalIDs
	newSched func(name string) Scheduler
	onFault  func(error)
	tuning   atomic.Pointer[Tuning]
	faults   chan error

	globalSched Scheduler
	global      *Sequencer
	unread      int64 // owned by the global sequence

	mu            sync.Mutex
	ctx           context.Context
	running       bool
	started       map[Scheduler]bool
	conversations map[string]*Conversation
	runners       sync.WaitGroup
}

// New creates a session. querier may be nil in tests that never recover.
func New(querier Querier, opts ...Option) *Session {
	s := &Session{
		querier:       querier,
		log:           slog.Default(),
		observer:      NopObserver{},
		echoKeys:      UUIDv7Generator{},
		localIDs:      update.NewLocalIDs(),
		faults:        make(chan error, 1),
		ctx:           context.Background(),
		started:       make(map[Scheduler]bool),
		conversations: make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tuning.Load() == nil {
		t := DefaultTuning()
		s.tuning.Store(&t)
	}
	if s.newSched == nil {
		s.newSched = func(name string) Scheduler { return NewLoop(name, s.log) }
	}
	s.globalSched = s.newSched(string(update.GlobalScope))
	s.global = s.newSequencer(update.GlobalScope, s.globalSched, globalApplier{s}, 0)
	s.started[s.globalSched] = false
	s.armGlobalMaintenance()
	return s
}

func (s *Session) newSequencer(scope update.Scope, sched Scheduler, applier Applier, current int64) *Sequencer {
	return newSequencer(sequencerDeps{
		scope:    scope,
		sched:    sched,
		applier:  applier,
		querier:  s.querier,
		access:   s.access,
		seqs:     s.seqs,
		observer: s.observer,
		log:      s.log,
		tuning:   s.Tuning,
		ctx:      s.context,
		fault:    s.fault,
	}, current)
}

// Tuning returns the current tuning.
func (s *Session) Tuning() Tuning {
	return *s.tuning.Load()
}

// SetTuning replaces the tuning. Running timers keep their old delay.
func (s *Session) SetTuning(t Tuning) {
	s.tuning.Store(&t)
	s.log.Info("tuning updated", "coalesce_delay", t.CoalesceDelay.String(),
		"difference_limit", t.DifferenceLimit, "window_limit", t.WindowLimit)
}

// Restore loads persisted counters and opens the dedicated scopes found in
// the store. Call before Run and before the first Admit.
func (s *Session) Restore(ctx context.Context) error {
	if s.seqs == nil {
		return nil
	}
	seqs, err := s.seqs.LoadSeqs(ctx)
	if err != nil {
		return fmt.Errorf("restore seqs: %w", err)
	}
	for scope, seq := range seqs {
		if scope.IsGlobal() {
			s.global.state.Current = seq
			continue
		}
		id, ok := scope.ConversationID()
		if !ok {
			s.log.Warn("ignoring unknown stored scope", "scope", scope)
			continue
		}
		c := s.conversation(id)
		c.dedicated(seq)
	}
	s.log.Info("session restored", "scopes", len(seqs), "global_seq", s.global.state.Current)
	return nil
}

// Run drives every sequence until ctx is cancelled or a fatal error
// occurs, which it returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session already running")
	}
	s.running = true
	s.ctx = ctx
	for sched := range s.started {
		s.startLocked(ctx, sched)
	}
	s.mu.Unlock()

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.faults:
		cancel()
	}
	s.runners.Wait()
	return err
}

func (s *Session) startLocked(ctx context.Context, sched Scheduler) {
	if s.started[sched] {
		return
	}
	s.started[sched] = true
	r, ok := sched.(runner)
	if !ok {
		return
	}
	s.runners.Add(1)
	go func() {
		defer s.runners.Done()
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("sequence stopped", "error", err)
		}
	}()
}

func (s *Session) register(sched Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[sched] = false
	if s.running {
		s.startLocked(s.ctx, sched)
	}
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// fault reports a fatal error. Only the first one is delivered to Run.
func (s *Session) fault(err error) {
	s.log.Error("fatal sync error", "error", err)
	if s.onFault != nil {
		s.onFault(err)
	}
	select {
	case s.faults <- err:
	default:
	}
}

// Faults exposes fatal errors to callers that do not use Run.
func (s *Session) Faults() <-chan error {
	return s.faults
}

// conversation returns the conversation, creating it on first use.
func (s *Session) conversation(id string) *Conversation {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		s.mu.Unlock()
		return c
	}
	opts := []msgindex.Option{}
	if s.backing != nil {
		opts = append(opts, msgindex.WithBacking(s.backing))
	}
	c = &Conversation{
		id:            id,
		session:       s,
		sched:         s.newSched("conv:" + id),
		localByRandom: make(map[string]update.MessageID),
	}
	opts = append(opts, msgindex.WithNow(c.sched.Now))
	c.index = msgindex.New(id, opts...)
	s.conversations[id] = c
	s.mu.Unlock()

	s.register(c.sched)
	if s.backing != nil {
		c.sched.Post(c.load)
	}
	c.sched.Post(c.scheduleMaintenance)
	return c
}

func (s *Session) lookup(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[id]
}

// Conversations lists the ids of known conversations.
func (s *Session) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	return ids
}

// Admit queues an update for its scope. Ordering problems are handled
// asynchronously; only a malformed scope or an unreadable new
// conversation is reported here.
func (s *Session) Admit(u update.Update) error {
	return s.admit(u, false)
}

// AdmitFresh is Admit with force-apply, for the first update of a scope
// without a baseline.
func (s *Session) AdmitFresh(u update.Update) error {
	return s.admit(u, true)
}

func (s *Session) admit(u update.Update, force bool) error {
	if err := u.Scope.Validate(); err != nil {
		return NewMalformedError(u.Scope, err)
	}
	if u.Scope.IsGlobal() {
		if !s.globalSched.Post(func() { _, _ = s.global.Admit(u, force) }) {
			return ErrClosed
		}
		return nil
	}

	id, _ := u.Scope.ConversationID()
	c := s.lookup(id)
	if c == nil {
		if err := s.checkReadable(u.Scope); err != nil {
			return err
		}
		c = s.conversation(id)
	}
	if !c.sched.Post(func() { _, _ = c.dedicated(0).Admit(u, force) }) {
		return ErrClosed
	}
	return nil
}

func (s *Session) checkReadable(scope update.Scope) error {
	if s.access == nil {
		return nil
	}
	ok, err := s.access.CanRead(s.context(), scope)
	if err != nil {
		return fmt.Errorf("check access %s: %w", scope, err)
	}
	if !ok {
		return NewUnknownScopeError(scope, errors.New("read access denied"))
	}
	return nil
}

// ExpectEcho registers an awaited echo on a scope for an action performed
// outside InsertLocal.
func (s *Session) ExpectEcho(scope update.Scope, key string) error {
	sched, get := s.sequencerFor(scope)
	if sched == nil {
		return NewUnknownScopeError(scope, nil)
	}
	if !sched.Post(func() { get().ExpectEcho(key) }) {
		return ErrClosed
	}
	return nil
}

// Reset abandons buffered events and recovery on a scope and optionally
// moves its counter forward to baseline.
func (s *Session) Reset(scope update.Scope, baseline int64) error {
	sched, get := s.sequencerFor(scope)
	if sched == nil {
		return NewUnknownScopeError(scope, nil)
	}
	if !sched.Post(func() { get().Reset(baseline) }) {
		return ErrClosed
	}
	return nil
}

// sequencerFor resolves the sequence of a scope and an accessor that must
// be called on it.
func (s *Session) sequencerFor(scope update.Scope) (Scheduler, func() *Sequencer) {
	if scope.IsGlobal() {
		return s.globalSched, func() *Sequencer { return s.global }
	}
	id, ok := scope.ConversationID()
	if !ok {
		return nil, nil
	}
	c := s.lookup(id)
	if c == nil {
		return nil, nil
	}
	return c.sched, func() *Sequencer { return c.dedicated(0) }
}

// ScopeState snapshots a scope's sequencing state. found is false for
// scopes never seen.
func (s *Session) ScopeState(ctx context.Context, scope update.Scope) (ScopeSnapshot, bool, error) {
	if scope.IsGlobal() {
		snap, err := call(ctx, s.globalSched, func() (ScopeSnapshot, error) {
			return s.global.Snapshot(), nil
		})
		return snap, err == nil, err
	}
	id, ok := scope.ConversationID()
	if !ok {
		return ScopeSnapshot{}, false, NewMalformedError(scope, update.ErrMalformed)
	}
	c := s.lookup(id)
	if c == nil {
		return ScopeSnapshot{}, false, nil
	}
	type found struct {
		snap ScopeSnapshot
		ok   bool
	}
	r, err := call(ctx, c.sched, func() (found, error) {
		if c.seq == nil {
			return found{}, nil
		}
		return found{c.seq.Snapshot(), true}, nil
	})
	return r.snap, r.ok, err
}

// Get returns a copy of one message. Unknown conversations report
// found=false.
func (s *Session) Get(ctx context.Context, conversationID string, id update.MessageID) (msgindex.Record, bool, error) {
	c := s.lookup(conversationID)
	if c == nil {
		return msgindex.Record{}, false, nil
	}
	type found struct {
		rec msgindex.Record
		ok  bool
	}
	r, err := call(ctx, c.sched, func() (found, error) {
		rec, ok, err := c.index.Get(ctx, id)
		if err != nil || !ok {
			return found{}, c.fail(ctx, "get", err)
		}
		return found{rec.Snapshot(), true}, nil
	})
	return r.rec, r.ok, err
}

// Range returns up to count contiguous messages starting at from.
func (s *Session) Range(ctx context.Context, conversationID string, from update.MessageID, count int, dir update.Direction) (msgindex.RangeResult, error) {
	c := s.lookup(conversationID)
	if c == nil {
		return msgindex.RangeResult{Truncated: true}, nil
	}
	out, err := call(ctx, c.sched, func() (msgindex.RangeResult, error) {
		res := c.index.Range(from, count, dir)
		for i, r := range res.Records {
			if r.Loaded() {
				continue
			}
			rec, ok, err := c.index.Get(ctx, r.ID)
			if err != nil {
				return msgindex.RangeResult{}, c.fail(ctx, "range", err)
			}
			if ok {
				res.Records[i] = rec.Snapshot()
			}
		}
		return res, nil
	})
	return out, err
}

// Backfill fetches a history page around anchor and splices it into the
// index. anchor 0 with Backward fetches the newest page.
func (s *Session) Backfill(ctx context.Context, conversationID string, anchor update.MessageID, limit int, dir update.Direction) (msgindex.RangeResult, error) {
	if s.querier == nil {
		return msgindex.RangeResult{}, errors.New("backfill: no querier configured")
	}
	res, err := s.querier.History(ctx, update.HistoryRequest{
		ConversationID: conversationID,
		AnchorID:       anchor,
		Limit:          limit,
		Direction:      dir,
	})
	if err != nil {
		return msgindex.RangeResult{}, fmt.Errorf("backfill %s: %w", conversationID, err)
	}
	c := s.conversation(conversationID)
	return call(ctx, c.sched, func() (msgindex.RangeResult, error) {
		out, err := c.insertHistory(anchor, dir, res)
		return out, c.fail(ctx, "backfill", err)
	})
}

// InsertLocal adds a locally authored message with a provisional id and
// registers its echo on the conversation's scope. The returned message
// carries the provisional id and the echo key (RandomID).
func (s *Session) InsertLocal(ctx context.Context, conversationID string, m update.MessageNew) (update.MessageNew, error) {
	c := s.conversation(conversationID)
	type inserted struct {
		msg       update.MessageNew
		dedicated bool
	}
	r, err := call(ctx, c.sched, func() (inserted, error) {
		msg, err := c.insertLocal(m)
		if err != nil {
			return inserted{}, c.fail(ctx, "insert local", err)
		}
		if c.seq != nil {
			c.seq.ExpectEcho(msg.RandomID)
		}
		return inserted{msg, c.seq != nil}, nil
	})
	if err != nil {
		return update.MessageNew{}, err
	}
	if !r.dedicated {
		key := r.msg.RandomID
		s.globalSched.Post(func() { s.global.ExpectEcho(key) })
	}
	return r.msg, nil
}

// UnreadTotal returns the unread count summed over all conversations.
func (s *Session) UnreadTotal(ctx context.Context) (int64, error) {
	return call(ctx, s.globalSched, func() (int64, error) {
		return s.unread, nil
	})
}

func (s *Session) postUnread(delta int64) {
	s.globalSched.Post(func() { s.unread += delta })
}

// PeekScope reads a scope's state directly. Only safe when no sequence
// is running, e.g. with manually pumped schedulers in tests.
func (s *Session) PeekScope(scope update.Scope) (ScopeSnapshot, bool) {
	if scope.IsGlobal() {
		return s.global.Snapshot(), true
	}
	id, _ := scope.ConversationID()
	c := s.lookup(id)
	if c == nil || c.seq == nil {
		return ScopeSnapshot{}, false
	}
	return c.seq.Snapshot(), true
}

// PeekConversation returns a conversation without synchronisation. Same
// restrictions as PeekScope.
func (s *Session) PeekConversation(id string) (*Conversation, bool) {
	c := s.lookup(id)
	return c, c != nil
}

// PeekUnread reads the unread total directly. Same restrictions as
// PeekScope.
func (s *Session) PeekUnread() int64 {
	return s.unread
}

func (s *Session) armGlobalMaintenance() {
	ttl := s.Tuning().EchoTTL
	if ttl <= 0 {
		return
	}
	s.globalSched.AfterFunc(ttl, func() {
		if n := s.global.ExpireEchoes(); n > 0 {
			s.log.Debug("expired awaited echoes", "scope", update.GlobalScope, "count", n)
		}
		s.armGlobalMaintenance()
	})
}

// globalApplier routes global-scope updates to the conversation they
// concern. The conversation applies them on its own sequence, in the
// order the global sequence released them.
type globalApplier struct {
	s *Session
}

func (g globalApplier) Apply(u update.Update) error {
	id, err := u.ConversationID()
	if err != nil {
		return err
	}
	c := g.s.conversation(id)
	c.sched.Post(func() {
		if err := c.apply(u); err != nil {
			c.handleError("apply "+string(u.Kind), err)
		}
	})
	return nil
}

// ResetWindow drops contiguity of every conversation on the global counter
// and installs the fresh window.
func (g globalApplier) ResetWindow(res update.WindowResult) error {
	byConv := make(map[string][]update.MessageNew)
	for _, m := range res.Messages {
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}
	g.s.mu.Lock()
	convs := make([]*Conversation, 0, len(g.s.conversations))
	for _, c := range g.s.conversations {
		convs = append(convs, c)
	}
	g.s.mu.Unlock()

	for _, c := range convs {
		if _, ok := byConv[c.id]; ok {
			continue
		}
		c.sched.Post(func() {
			if c.seq != nil {
				return
			}
			c.index.ResetContiguity()
		})
	}
	for id, msgs := range byConv {
		c := g.s.conversation(id)
		c.sched.Post(func() {
			if err := c.resetWindow(msgs); err != nil {
				c.handleError("window reset", err)
			}
		})
	}
	return nil
}
