package update

import (
	"fmt"
	"strings"
)

// Scope names an independent sequence counter.
//
// GlobalScope is the account-wide counter. High-volume conversations carry
// their own counter, named "conv:<id>".
type Scope string

// GlobalScope is the account-wide counter shared by ordinary conversations.
const GlobalScope Scope = "global"

const conversationPrefix = "conv:"

// ConversationScope returns the dedicated scope of a conversation.
func ConversationScope(conversationID string) Scope {
	return Scope(conversationPrefix + conversationID)
}

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if err := sc.Validate(); err != nil {
		return "", err
	}
	return sc, nil
}

// Validate reports whether the scope is well formed.
func (s Scope) Validate() error {
	if s == GlobalScope {
		return nil
	}
	id, ok := strings.CutPrefix(string(s), conversationPrefix)
	if !ok || id == "" {
		return fmt.Errorf("%w: invalid scope %q", ErrMalformed, string(s))
	}
	return nil
}

// IsGlobal reports whether s is the account-wide scope.
func (s Scope) IsGlobal() bool {
	return s == GlobalScope
}

// ConversationID returns the conversation owning a dedicated scope.
func (s Scope) ConversationID() (string, bool) {
	id, ok := strings.CutPrefix(string(s), conversationPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Kind returns "global" or "conversation"; used as a low-cardinality label.
func (s Scope) Kind() string {
	if s.IsGlobal() {
		return "global"
	}
	return "conversation"
}

func (s Scope) String() string {
	return string(s)
}
