package engine

import (
	"time"

	"github.com/roach88/chatsync/internal/update"
)

// Outcome is what Admit did with an update.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeBuffered
	OutcomePostponed
	OutcomeStale
	OutcomeDuplicate
	OutcomeEchoApplied
	OutcomeMalformed
	OutcomeDesync
	OutcomeRejected
)

var outcomeNames = map[Outcome]string{
	OutcomeApplied:     "applied",
	OutcomeBuffered:    "buffered",
	OutcomePostponed:   "postponed",
	OutcomeStale:       "stale",
	OutcomeDuplicate:   "duplicate",
	OutcomeEchoApplied: "echo_applied",
	OutcomeMalformed:   "malformed",
	OutcomeDesync:      "desync",
	OutcomeRejected:    "rejected",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Recovery results.
const (
	RecoveryRecovered = "recovered"
	RecoveryReset     = "reset"
	RecoveryDenied    = "denied"
)

// RecoveryResult summarizes a finished recovery.
type RecoveryResult struct {
	Result   string
	Reason   string
	FromSeq  int64
	ToSeq    int64
	Applied  int
	Attempts int
	Duration time.Duration
}

// Observer receives the engine's observability hooks. Hooks run on the
// scope's sequence and must not block.
type Observer interface {
	OnAdmit(scope update.Scope, u update.Update, outcome Outcome)
	OnGapDetected(scope update.Scope, currentSeq, targetSeq int64)
	OnRecoveryStarted(scope update.Scope, fromSeq int64, reason string)
	OnRecoveryFinished(scope update.Scope, res RecoveryResult)
}

// NopObserver ignores every hook. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnAdmit(update.Scope, update.Update, Outcome)     {}
func (NopObserver) OnGapDetected(update.Scope, int64, int64)         {}
func (NopObserver) OnRecoveryStarted(update.Scope, int64, string)    {}
func (NopObserver) OnRecoveryFinished(update.Scope, RecoveryResult) {}

// Observers fans hooks out in order.
type Observers []Observer

func (os Observers) OnAdmit(scope update.Scope, u update.Update, outcome Outcome) {
	for _, o := range os {
		o.OnAdmit(scope, u, outcome)
	}
}

func (os Observers) OnGapDetected(scope update.Scope, currentSeq, targetSeq int64) {
	for _, o := range os {
		o.OnGapDetected(scope, currentSeq, targetSeq)
	}
}

func (os Observers) OnRecoveryStarted(scope update.Scope, fromSeq int64, reason string) {
	for _, o := range os {
		o.OnRecoveryStarted(scope, fromSeq, reason)
	}
}

func (os Observers) OnRecoveryFinished(scope update.Scope, res RecoveryResult) {
	for _, o := range os {
		o.OnRecoveryFinished(scope, res)
	}
}
