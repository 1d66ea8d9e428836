package update

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates update payloads.
type Kind string

const (
	KindMessageNew    Kind = "message.new"
	KindMessageEdit   Kind = "message.edit"
	KindMessageDelete Kind = "message.delete"
	// KindMessageAck carries the authoritative id for a locally authored record.
	KindMessageAck Kind = "message.ack"
	// KindReadInbox moves the read marker of a conversation.
	KindReadInbox Kind = "read.inbox"
)

// Known reports whether k is one of the kinds this package can decode.
func (k Kind) Known() bool {
	switch k {
	case KindMessageNew, KindMessageEdit, KindMessageDelete, KindMessageAck, KindReadInbox:
		return true
	}
	return false
}

// Update is one incremental notification delivered by the feed.
//
// After applying it the scope's counter becomes NewSeq; SeqCount is how many
// counter units it consumes, so the counter before it was NewSeq-SeqCount.
// SeqCount may be zero for notifications that do not advance the counter.
type Update struct {
	Scope    Scope           `json:"scope"`
	Kind     Kind            `json:"kind"`
	NewSeq   int64           `json:"new_seq"`
	SeqCount int64           `json:"seq_count"`
	EchoKey  string          `json:"echo_key,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Validate checks the envelope invariants. A failing update is rejected
// without touching any state.
func (u Update) Validate() error {
	if err := u.Scope.Validate(); err != nil {
		return err
	}
	if !u.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, string(u.Kind))
	}
	if u.SeqCount < 0 {
		return fmt.Errorf("%w: negative seq_count %d", ErrMalformed, u.SeqCount)
	}
	if u.NewSeq <= u.SeqCount {
		return fmt.Errorf("%w: new_seq %d not greater than seq_count %d", ErrMalformed, u.NewSeq, u.SeqCount)
	}
	if len(bytes.TrimSpace(u.Payload)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	return nil
}

// PrevSeq is the counter value this update expects to follow.
func (u Update) PrevSeq() int64 {
	return u.NewSeq - u.SeqCount
}

// ConversationID extracts the conversation the payload refers to.
func (u Update) ConversationID() (string, error) {
	var head struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(u.Payload, &head); err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if head.ConversationID == "" {
		if id, ok := u.Scope.ConversationID(); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: payload has no conversation_id", ErrMalformed)
	}
	return head.ConversationID, nil
}

// DecodePayload returns the typed payload for u.Kind.
func (u Update) DecodePayload() (any, error) {
	var (
		v   any
		err error
	)
	switch u.Kind {
	case KindMessageNew:
		var p MessageNew
		err = json.Unmarshal(u.Payload, &p)
		v = p
	case KindMessageEdit:
		var p MessageEdit
		err = json.Unmarshal(u.Payload, &p)
		v = p
	case KindMessageDelete:
		var p MessageDelete
		err = json.Unmarshal(u.Payload, &p)
		v = p
	case KindMessageAck:
		var p MessageAck
		err = json.Unmarshal(u.Payload, &p)
		v = p
	case KindReadInbox:
		var p ReadInbox
		err = json.Unmarshal(u.Payload, &p)
		v = p
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, string(u.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrMalformed, u.Kind, err)
	}
	return v, nil
}

// New builds an update with a marshalled payload. Intended for tests,
// fixtures and fake servers.
func New(scope Scope, newSeq, seqCount int64, payload Payload) (Update, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Update{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Update{
		Scope:    scope,
		Kind:     payload.Kind(),
		NewSeq:   newSeq,
		SeqCount: seqCount,
		Payload:  raw,
	}, nil
}

// MustNew is like New but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustNew(scope Scope, newSeq, seqCount int64, payload Payload) Update {
	u, err := New(scope, newSeq, seqCount, payload)
	if err != nil {
		panic(err)
	}
	return u
}
