package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// recovery is the per-scope gap recovery state. It lives inside the
// Sequencer and runs on the same sequence; only the queries themselves run
// elsewhere.
type recovery struct {
	active    bool
	gen       uint64
	attempts  int
	reason    string
	fromSeq   int64
	applied   int
	started   time.Time
	postponed *pendingBuffer
	retry     func() bool
}

// abandon invalidates in-flight queries and drops postponed events.
func (r *recovery) abandon() {
	r.gen++
	r.active = false
	r.attempts = 0
	if r.retry != nil {
		r.retry()
		r.retry = nil
	}
	r.postponed.drain()
}

// startRecovery begins a recovery unless one is already running. Buffered
// events move to the postponed buffer and are re-admitted afterwards.
func (q *Sequencer) startRecovery(reason string) {
	r := &q.rec
	if r.active {
		return
	}
	q.cancelGapTimer()
	q.transition(trigRecover)

	r.active = true
	r.gen++
	r.attempts = 0
	r.applied = 0
	r.reason = reason
	r.fromSeq = q.state.Current
	r.started = q.sched.Now()
	for _, u := range q.pending.drain() {
		r.postponed.add(u)
	}
	q.state.resetAccumulators()

	q.observer.OnRecoveryStarted(q.scope, q.state.Current, reason)
	q.log.Info("gap recovery started", "scope", q.scope, "from_seq", q.state.Current,
		"reason", reason, "postponed", r.postponed.len())
	q.issueDifference()
}

// issueDifference queries the server off the sequence and posts the result
// back tagged with the current generation.
func (q *Sequencer) issueDifference() {
	gen := q.rec.gen
	req := update.DifferenceRequest{
		Scope:   q.scope,
		FromSeq: q.state.Current,
		Limit:   q.tuning().DifferenceLimit,
	}
	ctx := q.ctx()
	q.sched.Go(func() {
		res, err := q.queryDifference(ctx, req)
		q.sched.Post(func() {
			q.onDifference(gen, req, res, err)
		})
	})
}

func (q *Sequencer) queryDifference(ctx context.Context, req update.DifferenceRequest) (update.DifferenceResult, error) {
	if err := q.checkAccess(ctx); err != nil {
		return update.DifferenceResult{}, err
	}
	if q.querier == nil {
		return update.DifferenceResult{}, errors.New("no querier configured")
	}
	return q.querier.Difference(ctx, req)
}

func (q *Sequencer) checkAccess(ctx context.Context) error {
	if q.access == nil {
		return nil
	}
	ok, err := q.access.CanRead(ctx, q.scope)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

func (q *Sequencer) onDifference(gen uint64, req update.DifferenceRequest, res update.DifferenceResult, err error) {
	r := &q.rec
	if gen != r.gen || !r.active {
		q.log.Debug("discarding stale difference result", "scope", q.scope, "from_seq", req.FromSeq)
		return
	}
	if errors.Is(err, ErrAccessDenied) {
		q.log.Warn("scope no longer readable, abandoning recovery", "scope", q.scope)
		q.finishRecovery(RecoveryDenied)
		return
	}
	if err != nil {
		q.retryLater(gen, NewRecoveryError(q.scope, r.attempts+1, err), q.issueDifference)
		return
	}
	r.attempts = 0

	if res.TooLong {
		q.log.Info("difference too long, fetching window", "scope", q.scope, "from_seq", req.FromSeq)
		q.issueWindow()
		return
	}

	events := slices.Clone(res.Updates)
	slices.SortStableFunc(events, func(a, b update.Update) int {
		switch {
		case a.NewSeq < b.NewSeq:
			return -1
		case a.NewSeq > b.NewSeq:
			return 1
		}
		return 0
	})
	for _, u := range events {
		if u.Scope == "" {
			u.Scope = q.scope
		}
		if err := u.Validate(); err != nil {
			q.log.Warn("skipping malformed event in difference", "scope", q.scope, "error", err)
			continue
		}
		if u.NewSeq <= q.state.Current {
			continue
		}
		q.apply(u)
		q.advance(u.NewSeq)
		r.applied++
	}
	q.advance(res.NewSeq)

	if !res.Final {
		if res.RetryAfter > 0 {
			r.retry = q.sched.AfterFunc(res.RetryAfter, func() {
				if gen == q.rec.gen && q.rec.active {
					q.issueDifference()
				}
			})
			return
		}
		q.issueDifference()
		return
	}
	q.finishRecovery(RecoveryRecovered)
}

// issueWindow fetches the newest messages when the server refuses to
// enumerate the gap.
func (q *Sequencer) issueWindow() {
	gen := q.rec.gen
	req := update.WindowRequest{Scope: q.scope, Limit: q.tuning().WindowLimit}
	ctx := q.ctx()
	q.sched.Go(func() {
		var (
			res update.WindowResult
			err = q.checkAccess(ctx)
		)
		if err == nil {
			if q.querier == nil {
				err = errors.New("no querier configured")
			} else {
				res, err = q.querier.Window(ctx, req)
			}
		}
		q.sched.Post(func() {
			q.onWindow(gen, res, err)
		})
	})
}

func (q *Sequencer) onWindow(gen uint64, res update.WindowResult, err error) {
	r := &q.rec
	if gen != r.gen || !r.active {
		q.log.Debug("discarding stale window result", "scope", q.scope)
		return
	}
	if errors.Is(err, ErrAccessDenied) {
		q.finishRecovery(RecoveryDenied)
		return
	}
	if err != nil {
		q.retryLater(gen, NewRecoveryError(q.scope, r.attempts+1, err), q.issueWindow)
		return
	}
	r.attempts = 0

	if err := q.applier.ResetWindow(res); err != nil {
		if errors.Is(err, msgindex.ErrCorrupt) {
			q.fault(NewCorruptError(q.scope, err))
			return
		}
		q.log.Error("window reset failed", "scope", q.scope, "error", err)
	}
	q.advance(res.Seq)
	r.applied += len(res.Messages)
	q.finishRecovery(RecoveryReset)
}

func (q *Sequencer) retryLater(gen uint64, err error, issue func()) {
	r := &q.rec
	r.attempts++
	delay := q.tuning().Backoff.Delay(r.attempts)
	q.log.Warn("recovery query failed, retrying", "scope", q.scope, "attempt", r.attempts,
		"delay", delay.String(), "error", err)
	r.retry = q.sched.AfterFunc(delay, func() {
		if gen == q.rec.gen && q.rec.active {
			r.retry = nil
			issue()
		}
	})
}

// finishRecovery returns the scope to Idle and re-admits postponed events
// through the normal admission path. The scope leaves Recovering and
// OnRecoveryFinished fires before the replay, since a scope still in
// Recovering would postpone the replayed events again.
func (q *Sequencer) finishRecovery(result string) {
	r := &q.rec
	r.active = false
	r.retry = nil
	q.transition(trigRecovered)

	res := RecoveryResult{
		Result:   result,
		Reason:   r.reason,
		FromSeq:  r.fromSeq,
		ToSeq:    q.state.Current,
		Applied:  r.applied,
		Attempts: r.attempts,
		Duration: q.sched.Now().Sub(r.started),
	}
	r.attempts = 0
	postponed := r.postponed.drain()

	q.log.Info("gap recovery finished", "scope", q.scope, "result", result,
		"from_seq", res.FromSeq, "to_seq", res.ToSeq, "applied", res.Applied, "postponed", len(postponed))
	q.observer.OnRecoveryFinished(q.scope, res)

	if result == RecoveryDenied {
		return
	}
	q.replaying = true
	for _, u := range postponed {
		if _, err := q.Admit(u, false); err != nil {
			q.log.Warn("re-admission failed", "scope", q.scope, "new_seq", u.NewSeq, "error", err)
		}
	}
	q.replaying = false

	if q.fsm != StateGapPending {
		q.gapStreak = 0
		return
	}
	// The server's answer stops short of the buffered events; wait longer
	// each time before asking again.
	q.gapStreak++
	q.cancelGapTimer()
	q.armGapTimer()
	q.log.Warn("gap still open after recovery", "scope", q.scope, "current_seq", q.state.Current,
		"accumulated_seq", q.state.AccumulatedSeq, "streak", q.gapStreak, "next_in", q.gapDelay().String())
}
