package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/update"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}
	return buf.String()
}

// AssertionContext gives assertions read access to the finished session.
type AssertionContext struct {
	Session *engine.Session
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter is only needed by contiguity assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertSeq:
			err = assertSeq(result, assertion)
		case AssertMessages:
			err = assertMessages(result, assertion)
		case AssertRecoveries:
			err = assertRecoveries(result.Trace, assertion)
		case AssertState:
			err = assertState(result, assertion)
		case AssertOutcomes:
			err = assertOutcomes(result.Trace, assertion)
		case AssertUnread:
			if result.Unread != *assertion.Value {
				err = &AssertionError{
					Type:     AssertUnread,
					Expected: fmt.Sprintf("unread total %d", *assertion.Value),
					Actual:   fmt.Sprintf("%d", result.Unread),
				}
			}
		case AssertContiguity:
			if actx == nil || actx.Session == nil {
				err = fmt.Errorf("assertion[%d]: contiguity requires a session", i)
			} else {
				err = assertContiguity(actx.Session, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertSeq(result *Result, a Assertion) error {
	report, ok := result.Scopes[a.Scope]
	if !ok {
		return &AssertionError{
			Type:     AssertSeq,
			Expected: fmt.Sprintf("%s at %d", a.Scope, *a.Value),
			Actual:   "scope unknown to the session",
		}
	}
	if report.Current != *a.Value {
		return &AssertionError{
			Type:     AssertSeq,
			Expected: fmt.Sprintf("%s at %d", a.Scope, *a.Value),
			Actual:   fmt.Sprintf("%s at %d", a.Scope, report.Current),
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	report, ok := result.Scopes[a.Scope]
	if !ok || report.State != a.State {
		actual := "scope unknown to the session"
		if ok {
			actual = fmt.Sprintf("%s (pending=%d postponed=%d)", report.State, report.Pending, report.Postponed)
		}
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s in state %s", a.Scope, a.State),
			Actual:   actual,
		}
	}
	return nil
}

// assertMessages compares the full set of ids a conversation holds.
func assertMessages(result *Result, a Assertion) error {
	got, ok := result.Messages[a.Conversation]
	if !ok {
		return &AssertionError{
			Type:     AssertMessages,
			Expected: fmt.Sprintf("%s holds %v", a.Conversation, a.IDs),
			Actual:   errNoConversation.Error(),
		}
	}
	want := slices.Clone(a.IDs)
	slices.Sort(want)
	if !slices.Equal(got, want) && !(len(got) == 0 && len(want) == 0) {
		return &AssertionError{
			Type:     AssertMessages,
			Expected: fmt.Sprintf("%s holds %v", a.Conversation, want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertRecoveries(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if e.Type != EventRecoveryFinished || e.Scope != a.Scope {
			continue
		}
		if a.Result != "" && e.Result != a.Result {
			continue
		}
		count++
	}
	if count != *a.Count {
		what := "recoveries"
		if a.Result != "" {
			what = a.Result + " recoveries"
		}
		return &AssertionError{
			Type:     AssertRecoveries,
			Expected: fmt.Sprintf("%d %s on %s", *a.Count, what, a.Scope),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertOutcomes(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if e.Type == EventAdmit && e.Scope == a.Scope && e.Outcome == a.Outcome {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertOutcomes,
			Expected: fmt.Sprintf("%d admissions on %s with outcome %s", *a.Count, a.Scope, a.Outcome),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertContiguity reads a range from the conversation's index the way a
// reader would and compares ids and truncation.
func assertContiguity(s *engine.Session, a Assertion) error {
	c, ok := s.PeekConversation(a.Conversation)
	if !ok {
		return &AssertionError{
			Type:     AssertContiguity,
			Expected: fmt.Sprintf("range over %s", a.Conversation),
			Actual:   errNoConversation.Error(),
		}
	}
	dir := update.ParseDirection(a.Direction)
	res := c.Index().Range(update.MessageID(a.From), a.Limit, dir)

	got := make([]int64, len(res.Records))
	for i, r := range res.Records {
		got[i] = int64(r.ID)
	}
	desc := fmt.Sprintf("range %s from %d %s limit %d", a.Conversation, a.From, dir, a.Limit)
	if a.IDs != nil && !slices.Equal(got, a.IDs) && !(len(got) == 0 && len(a.IDs) == 0) {
		return &AssertionError{
			Type:     AssertContiguity,
			Expected: fmt.Sprintf("%s returns %v", desc, a.IDs),
			Actual:   fmt.Sprintf("%v (truncated=%t)", got, res.Truncated),
		}
	}
	if a.Truncated != nil && res.Truncated != *a.Truncated {
		return &AssertionError{
			Type:     AssertContiguity,
			Expected: fmt.Sprintf("%s truncated=%t", desc, *a.Truncated),
			Actual:   fmt.Sprintf("%v (truncated=%t)", got, res.Truncated),
		}
	}
	return nil
}
