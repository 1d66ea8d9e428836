package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chatsync/internal/engine"
	"github.com/roach88/chatsync/internal/update"
)

// Scenario defines a conformance test scenario.
// A scenario seeds a fake server with an event log, delivers those events
// to a real session in a chosen order, moves the clock, and asserts on the
// resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Client selects the default difference batch size: "user" (default)
	// or "bot".
	Client string `yaml:"client,omitempty"`

	// Initial holds the counters the client starts from, keyed by scope.
	// The server starts at the same values. The global scope defaults to 1;
	// a conversation scope listed here is a dedicated scope from the start.
	Initial map[string]int64 `yaml:"initial,omitempty"`

	// ServerHeads starts server counters the client knows nothing about,
	// e.g. a dedicated scope the session first meets through admit_fresh.
	ServerHeads map[string]int64 `yaml:"server_heads,omitempty"`

	// Server is the event log, emitted in order before the first step.
	// Steps refer to events by 1-based position.
	Server []ServerEvent `yaml:"server"`

	// Steps are executed in order. Each step sets exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ServerEvent is one event of the server's log. Exactly one payload field
// must be set.
type ServerEvent struct {
	// Scope defaults to "global".
	Scope string `yaml:"scope,omitempty"`

	// Count is the event's seq_count. Defaults to 1.
	Count *int64 `yaml:"count,omitempty"`

	// EchoKey marks the event as the echo of a local action.
	EchoKey string `yaml:"echo_key,omitempty"`

	Message *Message      `yaml:"message,omitempty"`
	Edit    *Edit         `yaml:"edit,omitempty"`
	Delete  *Delete       `yaml:"delete,omitempty"`
	Read    *ReadMarker   `yaml:"read,omitempty"`
	Ack     *Acknowledged `yaml:"ack,omitempty"`
}

// Message is a new message.
type Message struct {
	Conversation string `yaml:"conversation"`
	ID           int64  `yaml:"id"`
	Text         string `yaml:"text,omitempty"`
	Sender       string `yaml:"sender,omitempty"`
	RandomID     string `yaml:"random_id,omitempty"`
	Outgoing     bool   `yaml:"outgoing,omitempty"`
}

// Edit replaces a message's text.
type Edit struct {
	Conversation string `yaml:"conversation"`
	ID           int64  `yaml:"id"`
	Text         string `yaml:"text"`
}

// Delete removes messages.
type Delete struct {
	Conversation string  `yaml:"conversation"`
	IDs          []int64 `yaml:"ids"`
}

// ReadMarker moves a conversation's read marker.
type ReadMarker struct {
	Conversation string `yaml:"conversation"`
	MaxID        int64  `yaml:"max_id"`
	StillUnread  int64  `yaml:"still_unread"`
}

// Acknowledged gives the n-th locally inserted message (1-based, in
// insert_local order) its server id.
type Acknowledged struct {
	Conversation string `yaml:"conversation"`
	Local        int    `yaml:"local"`
	ID           int64  `yaml:"id"`
}

// Step is one action of the flow.
type Step struct {
	// Admit delivers server events (1-based) in the listed order.
	Admit []int `yaml:"admit,omitempty"`

	// AdmitFresh delivers server events with force-apply.
	AdmitFresh []int `yaml:"admit_fresh,omitempty"`

	// Advance moves the clock, firing due timers (e.g. "500ms").
	Advance string `yaml:"advance,omitempty"`

	// FailQueries makes the next n server queries fail.
	FailQueries int `yaml:"fail_queries,omitempty"`

	// TooLong makes difference queries for a scope answer too-long.
	TooLong string `yaml:"too_long,omitempty"`

	// Deny revokes read access to a scope.
	Deny string `yaml:"deny,omitempty"`

	// InsertLocal adds a locally authored message.
	InsertLocal *LocalMessage `yaml:"insert_local,omitempty"`

	// Reset abandons a scope's buffered events and recovery.
	Reset *ResetScope `yaml:"reset,omitempty"`
}

// LocalMessage is a message authored on this client.
type LocalMessage struct {
	Conversation string `yaml:"conversation"`
	Text         string `yaml:"text"`
}

// ResetScope resets a scope, optionally moving its counter to Baseline.
type ResetScope struct {
	Scope    string `yaml:"scope"`
	Baseline int64  `yaml:"baseline,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "seq": a scope's counter equals Value
	// - "messages": a conversation holds exactly IDs (ascending)
	// - "recoveries": Count recoveries finished on Scope (with Result, if set)
	// - "state": a scope's sequencing state is State
	// - "contiguity": a range read returns IDs and Truncated
	// - "outcomes": Count admissions on Scope ended with Outcome
	// - "unread": the unread total equals Value
	Type string `yaml:"type"`

	Scope        string `yaml:"scope,omitempty"`
	Conversation string `yaml:"conversation,omitempty"`

	// Value is the expected counter (seq) or unread total (unread).
	Value *int64 `yaml:"value,omitempty"`

	// IDs are the expected message ids (messages, contiguity).
	IDs []int64 `yaml:"ids,omitempty"`

	// Count is the expected number of matching events.
	Count *int `yaml:"count,omitempty"`

	// Result filters recoveries by result (recovered, reset, denied).
	Result string `yaml:"result,omitempty"`

	// Outcome filters admissions (applied, buffered, stale, ...).
	Outcome string `yaml:"outcome,omitempty"`

	// State is the expected sequencing state (idle, gap_pending, ...).
	State string `yaml:"state,omitempty"`

	// From, Direction and Limit parameterize the contiguity range read.
	From      int64  `yaml:"from,omitempty"`
	Direction string `yaml:"direction,omitempty"`
	Limit     int    `yaml:"limit,omitempty"`

	// Truncated is the expected truncation flag of the range read.
	Truncated *bool `yaml:"truncated,omitempty"`
}

// Assertion type constants.
const (
	AssertSeq        = "seq"
	AssertMessages   = "messages"
	AssertRecoveries = "recoveries"
	AssertState      = "state"
	AssertContiguity = "contiguity"
	AssertOutcomes   = "outcomes"
	AssertUnread     = "unread"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Client {
	case "", engine.ClientUser, engine.ClientBot:
	default:
		return fmt.Errorf("client must be %q or %q, got %q", engine.ClientUser, engine.ClientBot, s.Client)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for scope, seq := range s.Initial {
		if _, err := update.ParseScope(scope); err != nil {
			return fmt.Errorf("initial: %w", err)
		}
		if seq < 1 {
			return fmt.Errorf("initial[%s]: counter must be at least 1, got %d", scope, seq)
		}
	}

	for scope, seq := range s.ServerHeads {
		if _, err := update.ParseScope(scope); err != nil {
			return fmt.Errorf("server_heads: %w", err)
		}
		if _, ok := s.Initial[scope]; ok {
			return fmt.Errorf("server_heads[%s]: scope is already seeded by initial", scope)
		}
		if seq < 0 {
			return fmt.Errorf("server_heads[%s]: counter must be non-negative, got %d", scope, seq)
		}
	}

	for i, ev := range s.Server {
		if err := validateEvent(ev); err != nil {
			return fmt.Errorf("server[%d]: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, len(s.Server)); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateEvent(ev ServerEvent) error {
	if ev.Scope != "" {
		if _, err := update.ParseScope(ev.Scope); err != nil {
			return err
		}
	}
	if ev.Count != nil && *ev.Count < 0 {
		return fmt.Errorf("count must be non-negative, got %d", *ev.Count)
	}
	set := 0
	for _, p := range []bool{ev.Message != nil, ev.Edit != nil, ev.Delete != nil, ev.Read != nil, ev.Ack != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of message, edit, delete, read, ack is required (got %d)", set)
	}
	if ev.Ack != nil && ev.Ack.Local < 1 {
		return fmt.Errorf("ack.local must be a 1-based insert_local position")
	}
	return nil
}

func validateStep(step Step, events int) error {
	set := 0
	count := func(ok bool) {
		if ok {
			set++
		}
	}
	count(len(step.Admit) > 0)
	count(len(step.AdmitFresh) > 0)
	count(step.Advance != "")
	count(step.FailQueries > 0)
	count(step.TooLong != "")
	count(step.Deny != "")
	count(step.InsertLocal != nil)
	count(step.Reset != nil)
	if set != 1 {
		return fmt.Errorf("exactly one action is required (got %d)", set)
	}

	for _, idx := range append(append([]int(nil), step.Admit...), step.AdmitFresh...) {
		if idx < 1 || idx > events {
			return fmt.Errorf("event %d out of range (server has %d)", idx, events)
		}
	}
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance must be positive, got %s", step.Advance)
		}
	}
	for _, scope := range []string{step.TooLong, step.Deny} {
		if scope == "" {
			continue
		}
		if _, err := update.ParseScope(scope); err != nil {
			return err
		}
	}
	if step.InsertLocal != nil && step.InsertLocal.Conversation == "" {
		return fmt.Errorf("insert_local: conversation is required")
	}
	if step.Reset != nil {
		if _, err := update.ParseScope(step.Reset.Scope); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needScope := func() error {
		if a.Scope == "" {
			return fmt.Errorf("assertions[%d]: scope is required for %s", index, a.Type)
		}
		if _, err := update.ParseScope(a.Scope); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		return nil
	}

	switch a.Type {
	case AssertSeq:
		if err := needScope(); err != nil {
			return err
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for seq", index)
		}
	case AssertMessages:
		if a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: conversation is required for messages", index)
		}
	case AssertRecoveries, AssertOutcomes:
		if err := needScope(); err != nil {
			return err
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
		if a.Type == AssertOutcomes && a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for outcomes", index)
		}
	case AssertState:
		if err := needScope(); err != nil {
			return err
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for state", index)
		}
	case AssertContiguity:
		if a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: conversation is required for contiguity", index)
		}
		if a.Limit <= 0 {
			return fmt.Errorf("assertions[%d]: positive limit is required for contiguity", index)
		}
		switch a.Direction {
		case "", "forward", "backward":
		default:
			return fmt.Errorf("assertions[%d]: direction must be forward or backward", index)
		}
	case AssertUnread:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for unread", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// describe renders a step for the trace.
func (s Step) describe() string {
	switch {
	case len(s.Admit) > 0:
		return "admit " + joinInts(s.Admit)
	case len(s.AdmitFresh) > 0:
		return "admit_fresh " + joinInts(s.AdmitFresh)
	case s.Advance != "":
		d, _ := time.ParseDuration(s.Advance)
		return "advance " + d.String()
	case s.FailQueries > 0:
		return fmt.Sprintf("fail_queries %d", s.FailQueries)
	case s.TooLong != "":
		return "too_long " + s.TooLong
	case s.Deny != "":
		return "deny " + s.Deny
	case s.InsertLocal != nil:
		return "insert_local " + s.InsertLocal.Conversation
	case s.Reset != nil:
		return fmt.Sprintf("reset %s %d", s.Reset.Scope, s.Reset.Baseline)
	}
	return "noop"
}

func joinInts(xs []int) string {
	var b bytes.Buffer
	for i, x := range xs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", x)
	}
	return b.String()
}

// payload builds the update payload of a server event.
func (ev ServerEvent) payload() update.Payload {
	switch {
	case ev.Message != nil:
		m := ev.Message
		return update.MessageNew{
			ConversationID: m.Conversation,
			ID:             update.MessageID(m.ID),
			RandomID:       m.RandomID,
			Sender:         m.Sender,
			Text:           m.Text,
			Outgoing:       m.Outgoing,
		}
	case ev.Edit != nil:
		return update.MessageEdit{ConversationID: ev.Edit.Conversation, ID: update.MessageID(ev.Edit.ID), Text: ev.Edit.Text}
	case ev.Delete != nil:
		ids := make([]update.MessageID, len(ev.Delete.IDs))
		for i, id := range ev.Delete.IDs {
			ids[i] = update.MessageID(id)
		}
		return update.MessageDelete{ConversationID: ev.Delete.Conversation, IDs: ids}
	case ev.Read != nil:
		return update.ReadInbox{
			ConversationID: ev.Read.Conversation,
			MaxID:          update.MessageID(ev.Read.MaxID),
			StillUnread:    ev.Read.StillUnread,
		}
	case ev.Ack != nil:
		return update.MessageAck{
			ConversationID: ev.Ack.Conversation,
			LocalID:        localID(ev.Ack.Local),
			ID:             update.MessageID(ev.Ack.ID),
		}
	}
	return nil
}

// localID is the provisional id of the n-th local message of a fresh
// session: ids are handed out in order right after LocalIDBase.
func localID(n int) update.MessageID {
	return update.LocalIDBase + update.MessageID(n)
}

func (ev ServerEvent) scope() update.Scope {
	if ev.Scope == "" {
		return update.GlobalScope
	}
	return update.Scope(ev.Scope)
}

func (ev ServerEvent) count() int64 {
	if ev.Count == nil {
		return 1
	}
	return *ev.Count
}
