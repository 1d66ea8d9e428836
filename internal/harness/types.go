package harness

import (
	"fmt"
	"strings"
)

// Trace event types.
const (
	EventStep             = "step"
	EventAdmit            = "admit"
	EventRejected         = "rejected"
	EventGap              = "gap"
	EventRecoveryStarted  = "recovery_started"
	EventRecoveryFinished = "recovery_finished"
)

// TraceEvent is one line of a scenario trace: a step marker or something
// the session reported through its observer hooks.
type TraceEvent struct {
	Type  string `json:"type"`
	Step  int    `json:"step"`
	Scope string `json:"scope,omitempty"`

	// Step markers.
	Label string `json:"label,omitempty"`

	// Admissions.
	NewSeq   int64  `json:"new_seq,omitempty"`
	SeqCount int64  `json:"seq_count,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Outcome  string `json:"outcome,omitempty"`

	// Gaps and recoveries.
	CurrentSeq int64  `json:"current_seq,omitempty"`
	TargetSeq  int64  `json:"target_seq,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Result     string `json:"result,omitempty"`
	FromSeq    int64  `json:"from_seq,omitempty"`
	ToSeq      int64  `json:"to_seq,omitempty"`
	Applied    int    `json:"applied,omitempty"`
}

// String renders the event as one golden-file line.
func (e TraceEvent) String() string {
	switch e.Type {
	case EventStep:
		return fmt.Sprintf("# %d %s", e.Step, e.Label)
	case EventAdmit:
		return fmt.Sprintf("admit %s new_seq=%d seq_count=%d kind=%s outcome=%s",
			e.Scope, e.NewSeq, e.SeqCount, e.Kind, e.Outcome)
	case EventRejected:
		return fmt.Sprintf("rejected %s new_seq=%d reason=%s", e.Scope, e.NewSeq, e.Reason)
	case EventGap:
		return fmt.Sprintf("gap %s current=%d target=%d", e.Scope, e.CurrentSeq, e.TargetSeq)
	case EventRecoveryStarted:
		return fmt.Sprintf("recovery_started %s from=%d reason=%s", e.Scope, e.FromSeq, e.Reason)
	case EventRecoveryFinished:
		return fmt.Sprintf("recovery_finished %s result=%s from=%d to=%d applied=%d",
			e.Scope, e.Result, e.FromSeq, e.ToSeq, e.Applied)
	}
	return e.Type
}

// ScopeReport is the final sequencing state of one scope.
type ScopeReport struct {
	Current   int64  `json:"current"`
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	Postponed int    `json:"postponed"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace holds step markers and observer events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Scopes is the final state of every scope the session knows.
	Scopes map[string]ScopeReport `json:"scopes,omitempty"`

	// Messages lists the ids held per conversation, ascending.
	Messages map[string][]int64 `json:"messages,omitempty"`

	// Unread is the final unread total.
	Unread int64 `json:"unread"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Scopes:   make(map[string]ScopeReport),
		Messages: make(map[string][]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceText renders the trace one event per line. This is the golden
// file format.
func (r *Result) TraceText() []byte {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
