package access

import (
	"context"
	"sync"

	"github.com/roach88/chatsync/internal/update"
)

// Static is an in-memory oracle. The zero value denies every conversation.
type Static struct {
	mu       sync.RWMutex
	allowAll bool
	members  map[string]bool
}

// NewStatic creates an oracle that allows the given conversations.
func NewStatic(conversations ...string) *Static {
	s := &Static{members: make(map[string]bool, len(conversations))}
	for _, c := range conversations {
		s.members[c] = true
	}
	return s
}

// AllowAll creates an oracle that allows every scope.
func AllowAll() *Static {
	return &Static{allowAll: true}
}

// Allow grants read access to conv.
func (s *Static) Allow(conv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		s.members = make(map[string]bool)
	}
	s.members[conv] = true
}

// Revoke removes read access to conv. It has no effect under AllowAll.
func (s *Static) Revoke(conv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, conv)
}

// CanRead implements engine.AccessOracle.
func (s *Static) CanRead(ctx context.Context, scope update.Scope) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if scope.IsGlobal() {
		return true, nil
	}
	conv, ok := scope.ConversationID()
	if !ok {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowAll || s.members[conv], nil
}
