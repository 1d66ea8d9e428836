package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// sequencerDeps are the collaborators of a Sequencer.
type sequencerDeps struct {
	scope    update.Scope
	sched    Scheduler
	applier  Applier
	querier  Querier
	access   AccessOracle
	seqs     SeqStore
	observer Observer
	log      *slog.Logger
	tuning   func() Tuning
	ctx      func() context.Context
	fault    func(error)
}

// Sequencer orders the updates of one scope.
//
// All methods must be called on the scope's sequence.
type Sequencer struct {
	sequencerDeps

	state   SequenceState
	fsm     State
	pending *pendingBuffer
	echoes  *echoRegistry

	gapCancel func() bool
	gapGen    uint64

	// gapStreak counts recoveries in a row that left a gap open. It
	// stretches the gap timer along the backoff curve and is cleared once
	// the counter advances past buffered events.
	gapStreak int

	rec recovery

	// replaying is set while postponed events are re-admitted after a
	// recovery. Events the server's answer contradicts are then dropped
	// instead of starting another recovery.
	replaying bool
}

func newSequencer(deps sequencerDeps, current int64) *Sequencer {
	if deps.observer == nil {
		deps.observer = NopObserver{}
	}
	if deps.log == nil {
		deps.log = slog.Default()
	}
	q := &Sequencer{
		sequencerDeps: deps,
		state:         SequenceState{Current: current},
		fsm:           StateIdle,
		pending:       newPendingBuffer(),
		echoes:        newEchoRegistry(),
	}
	q.rec.postponed = newPendingBuffer()
	return q
}

// Admit runs one update through the sequencing rules.
//
// forceApply applies the update immediately and moves the counter to its
// new_seq. It is meant for the first update of a scope that has no baseline
// and is refused while events are buffered or a recovery runs.
func (q *Sequencer) Admit(u update.Update, forceApply bool) (Outcome, error) {
	outcome, err := q.admit(u, forceApply)
	q.observer.OnAdmit(q.scope, u, outcome)
	return outcome, err
}

func (q *Sequencer) admit(u update.Update, forceApply bool) (Outcome, error) {
	if err := u.Validate(); err != nil {
		q.log.Warn("rejecting malformed update", "scope", q.scope, "new_seq", u.NewSeq, "seq_count", u.SeqCount, "error", err)
		return OutcomeMalformed, NewMalformedError(q.scope, err)
	}
	if u.Scope != q.scope {
		return OutcomeRejected, NewInvariantError(q.scope, "update routed to the wrong scope: "+string(u.Scope))
	}

	if forceApply {
		return q.forceApply(u)
	}

	old := q.state.Current
	if u.NewSeq <= old {
		return q.stale(u)
	}

	if q.fsm == StateRecovering {
		q.rec.postponed.add(u)
		return OutcomePostponed, nil
	}

	if old+u.SeqCount > u.NewSeq {
		if q.replaying {
			q.log.Warn("dropping inconsistent postponed update", "scope", q.scope,
				"old_seq", old, "new_seq", u.NewSeq, "seq_count", u.SeqCount)
			return OutcomeDesync, nil
		}
		q.log.Warn("inconsistent seq_count, starting recovery",
			"scope", q.scope, "old_seq", old, "new_seq", u.NewSeq, "seq_count", u.SeqCount)
		q.pending.add(u)
		q.startRecovery("inconsistent_count")
		return OutcomeDesync, nil
	}

	if q.pending.contains(u) {
		q.log.Debug("duplicate of buffered update", "scope", q.scope, "new_seq", u.NewSeq)
		return OutcomeDuplicate, nil
	}

	q.state.accumulate(u)

	if q.pending.len() == 0 && q.gapCancel == nil && q.state.contiguity() == 0 {
		q.apply(u)
		q.advance(q.state.AccumulatedSeq)
		q.state.resetAccumulators()
		q.gapStreak = 0
		return OutcomeApplied, nil
	}

	q.pending.add(u)
	q.transition(trigBuffered)
	return q.settle(), nil
}

// settle classifies the buffer after an event was added to it.
func (q *Sequencer) settle() Outcome {
	switch c := q.state.contiguity(); {
	case c < 0:
		q.transition(trigGap)
		if q.gapCancel == nil {
			q.armGapTimer()
			q.observer.OnGapDetected(q.scope, q.state.Current, q.state.AccumulatedSeq)
			q.log.Info("gap detected", "scope", q.scope, "current_seq", q.state.Current,
				"accumulated_seq", q.state.AccumulatedSeq, "accumulated_count", q.state.AccumulatedCount)
		}
		return OutcomeBuffered
	case c == 0:
		q.drain()
		return OutcomeApplied
	case q.replaying:
		q.log.Warn("dropping postponed updates that over-count the gap", "scope", q.scope,
			"current_seq", q.state.Current, "dropped", q.pending.len())
		q.cancelGapTimer()
		q.pending.drain()
		q.state.resetAccumulators()
		q.transition(trigReset)
		return OutcomeDesync
	default:
		q.log.Warn("buffered updates over-count the gap, starting recovery",
			"scope", q.scope, "current_seq", q.state.Current,
			"accumulated_seq", q.state.AccumulatedSeq, "accumulated_count", q.state.AccumulatedCount)
		q.startRecovery("overcount")
		return OutcomeDesync
	}
}

// drain applies every buffered event in new_seq order and closes the gap.
func (q *Sequencer) drain() {
	target := q.state.AccumulatedSeq
	q.cancelGapTimer()
	for _, u := range q.pending.drain() {
		q.apply(u)
	}
	q.advance(target)
	q.state.resetAccumulators()
	q.gapStreak = 0
	q.transition(trigContiguous)
}

func (q *Sequencer) forceApply(u update.Update) (Outcome, error) {
	if q.pending.len() > 0 || q.fsm == StateRecovering {
		err := NewInvariantError(q.scope, "force apply with buffered events or a running recovery")
		q.log.Error("refusing force apply", "scope", q.scope, "new_seq", u.NewSeq,
			"pending", q.pending.len(), "state", q.fsm.String())
		return OutcomeRejected, err
	}
	q.apply(u)
	if !q.advance(u.NewSeq) && u.NewSeq < q.state.Current {
		q.log.Warn("force apply below current seq, counter kept",
			"scope", q.scope, "current_seq", q.state.Current, "new_seq", u.NewSeq)
	}
	return OutcomeApplied, nil
}

func (q *Sequencer) stale(u update.Update) (Outcome, error) {
	if q.echoes.take(u.EchoKey) {
		q.log.Debug("applying awaited echo", "scope", q.scope, "new_seq", u.NewSeq, "echo_key", u.EchoKey)
		q.apply(u)
		return OutcomeEchoApplied, nil
	}
	if u.SeqCount == 0 {
		q.log.Debug("dropping duplicate update", "scope", q.scope, "new_seq", u.NewSeq)
	} else {
		q.log.Warn("dropping stale update", "scope", q.scope, "old_seq", q.state.Current,
			"new_seq", u.NewSeq, "seq_count", u.SeqCount)
	}
	return OutcomeStale, nil
}

// apply hands one update to the applier. Only corruption is fatal.
func (q *Sequencer) apply(u update.Update) {
	q.echoes.take(u.EchoKey)
	if err := q.applier.Apply(u); err != nil {
		if errors.Is(err, msgindex.ErrCorrupt) {
			q.fault(NewCorruptError(q.scope, err))
			return
		}
		q.log.Error("apply failed", "scope", q.scope, "kind", string(u.Kind), "new_seq", u.NewSeq, "error", err)
	}
}

// advance moves the counter and persists it.
func (q *Sequencer) advance(to int64) bool {
	if !q.state.advance(to) {
		return false
	}
	if q.seqs == nil {
		return true
	}
	if err := q.seqs.SaveSeq(q.ctx(), q.scope, to); err != nil {
		if errors.Is(err, msgindex.ErrCorrupt) {
			q.fault(NewCorruptError(q.scope, err))
		} else {
			q.log.Error("persist seq failed", "scope", q.scope, "seq", to, "error", err)
		}
	}
	return true
}

func (q *Sequencer) transition(t trigger) {
	to, err := next(q.fsm, t)
	if err != nil {
		q.log.Error("state machine violation", "scope", q.scope, "error", err)
		return
	}
	q.fsm = to
}

func (q *Sequencer) armGapTimer() {
	q.gapGen++
	gen := q.gapGen
	q.gapCancel = q.sched.AfterFunc(q.gapDelay(), func() {
		if gen != q.gapGen || q.gapCancel == nil {
			return
		}
		q.gapCancel = nil
		if q.fsm == StateGapPending {
			q.startRecovery("gap_timeout")
		}
	})
}

// gapDelay is the coalescing delay, stretched to the backoff delay while
// recoveries keep failing to close the gap.
func (q *Sequencer) gapDelay() time.Duration {
	t := q.tuning()
	if q.gapStreak == 0 {
		return t.CoalesceDelay
	}
	return max(t.CoalesceDelay, t.Backoff.Delay(q.gapStreak))
}

func (q *Sequencer) cancelGapTimer() {
	if q.gapCancel != nil {
		q.gapCancel()
		q.gapCancel = nil
	}
	q.gapGen++
}

// ExpectEcho registers the key of a locally originated action.
func (q *Sequencer) ExpectEcho(key string) {
	q.echoes.expect(key, q.sched.Now())
}

// ExpireEchoes forgets awaited echoes older than the configured TTL.
func (q *Sequencer) ExpireEchoes() int {
	ttl := q.tuning().EchoTTL
	if ttl <= 0 {
		return 0
	}
	return q.echoes.expire(q.sched.Now().Add(-ttl))
}

// Reset abandons buffered events and any running recovery, and optionally
// moves the counter to a new baseline (ignored when not above Current).
// Results of abandoned queries are discarded when they arrive.
func (q *Sequencer) Reset(baseline int64) {
	q.cancelGapTimer()
	q.rec.abandon()
	q.pending.drain()
	q.state.resetAccumulators()
	q.gapStreak = 0
	q.advance(baseline)
	q.transition(trigReset)
	q.log.Info("scope reset", "scope", q.scope, "current_seq", q.state.Current)
}

// ScopeSnapshot is a copy of a scope's sequencing state.
type ScopeSnapshot struct {
	Scope            update.Scope
	State            State
	Current          int64
	AccumulatedSeq   int64
	AccumulatedCount int64
	Pending          []update.Update
	Postponed        []update.Update
	RecoveryAttempts int
	GapStreak        int
	AwaitedEchoes    int
}

// Snapshot copies the state.
func (q *Sequencer) Snapshot() ScopeSnapshot {
	return ScopeSnapshot{
		Scope:            q.scope,
		State:            q.fsm,
		Current:          q.state.Current,
		AccumulatedSeq:   q.state.AccumulatedSeq,
		AccumulatedCount: q.state.AccumulatedCount,
		Pending:          q.pending.snapshot(),
		Postponed:        q.rec.postponed.snapshot(),
		RecoveryAttempts: q.rec.attempts,
		GapStreak:        q.gapStreak,
		AwaitedEchoes:    q.echoes.len(),
	}
}
