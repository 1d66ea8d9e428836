package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/roach88/chatsync/internal/testutil"
	"github.com/roach88/chatsync/internal/update"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type recordingApplier struct {
	applied []update.Update
	windows []update.WindowResult
	err     error
}

func (r *recordingApplier) Apply(u update.Update) error {
	r.applied = append(r.applied, u)
	return r.err
}

func (r *recordingApplier) ResetWindow(res update.WindowResult) error {
	r.windows = append(r.windows, res)
	return nil
}

func (r *recordingApplier) seqs() []int64 {
	out := make([]int64, 0, len(r.applied))
	for _, u := range r.applied {
		out = append(out, u.NewSeq)
	}
	return out
}

type recordingObserver struct {
	NopObserver
	outcomes []Outcome
	gaps     int
	started  []string
	finished []RecoveryResult
}

func (o *recordingObserver) OnAdmit(_ update.Scope, _ update.Update, outcome Outcome) {
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) OnGapDetected(update.Scope, int64, int64) {
	o.gaps++
}

func (o *recordingObserver) OnRecoveryStarted(_ update.Scope, _ int64, reason string) {
	o.started = append(o.started, reason)
}

func (o *recordingObserver) OnRecoveryFinished(_ update.Scope, res RecoveryResult) {
	o.finished = append(o.finished, res)
}

// seqFixture drives one Sequencer against a fake server on a manual
// scheduler.
type seqFixture struct {
	t      *testing.T
	scope  update.Scope
	q      *Sequencer
	sched  *testutil.ManualScheduler
	srv    *testutil.FakeServer
	app    *recordingApplier
	obs    *recordingObserver
	faults []error
	tuning Tuning
}

func newSeqFixture(t *testing.T, scope update.Scope, current int64) *seqFixture {
	t.Helper()
	f := &seqFixture{
		t:      t,
		scope:  scope,
		sched:  testutil.NewManualScheduler(nil),
		srv:    testutil.NewFakeServer(),
		app:    &recordingApplier{},
		obs:    &recordingObserver{},
		tuning: DefaultTuning(),
	}
	f.tuning.Backoff.rand = func() float64 { return 0 }
	f.srv.SetHead(scope, current)
	f.q = newSequencer(sequencerDeps{
		scope:    scope,
		sched:    f.sched,
		applier:  f.app,
		querier:  f.srv,
		access:   f.srv,
		observer: f.obs,
		log:      discardLogger(),
		tuning:   func() Tuning { return f.tuning },
		ctx:      context.Background,
		fault:    func(err error) { f.faults = append(f.faults, err) },
	}, current)
	return f
}

// emit logs n single-unit events on the server and returns them.
func (f *seqFixture) emit(n int) []update.Update {
	out := make([]update.Update, 0, n)
	for i := 0; i < n; i++ {
		id := update.MessageID(f.srv.Head(f.scope) + 1)
		out = append(out, f.srv.Emit(f.scope, 1, update.MessageNew{ConversationID: "c1", ID: id, Text: "m"}))
	}
	return out
}

func (f *seqFixture) admit(u update.Update) Outcome {
	f.t.Helper()
	outcome, _ := f.q.Admit(u, false)
	f.sched.RunUntilIdle()
	return outcome
}

// event builds an update without logging it on the server.
func event(scope update.Scope, newSeq, count int64) update.Update {
	return update.MustNew(scope, newSeq, count, update.MessageNew{
		ConversationID: "c1",
		ID:             update.MessageID(newSeq),
		Text:           "m",
	})
}

func seqRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

const time10s = 10 * time.Second

func testEpoch() time.Time {
	return testutil.Epoch
}
