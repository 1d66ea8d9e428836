package msgindex

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/roach88/chatsync/internal/update"
)

// MemoryBacking is an in-process Backing for tests and ephemeral sessions.
type MemoryBacking struct {
	mu   sync.Mutex
	data map[string]map[update.MessageID]StoredMessage
}

// NewMemoryBacking creates an empty MemoryBacking.
func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{data: make(map[string]map[update.MessageID]StoredMessage)}
}

func (m *MemoryBacking) GetMessage(_ context.Context, conv string, id update.MessageID) (StoredMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.data[conv][id]
	return cloneStored(msg), ok, nil
}

func (m *MemoryBacking) PutMessage(_ context.Context, msg StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.data[msg.ConversationID]
	if conv == nil {
		conv = make(map[update.MessageID]StoredMessage)
		m.data[msg.ConversationID] = conv
	}
	conv[msg.ID] = cloneStored(msg)
	return nil
}

func (m *MemoryBacking) DeleteMessage(_ context.Context, conv string, id update.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[conv], id)
	return nil
}

func (m *MemoryBacking) ScanMessages(_ context.Context, conv string, from update.MessageID, limit int, dir update.Direction) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]update.MessageID, 0, len(m.data[conv]))
	for id := range m.data[conv] {
		if (dir == update.Forward && id >= from) || (dir == update.Backward && id <= from) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if dir == update.Backward {
		slices.Reverse(ids)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]StoredMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStored(m.data[conv][id]))
	}
	return out, nil
}

// Len returns the number of stored messages of a conversation.
func (m *MemoryBacking) Len(conv string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[conv])
}

func cloneStored(msg StoredMessage) StoredMessage {
	if msg.Content != nil {
		msg.Content = append(json.RawMessage(nil), msg.Content...)
	}
	return msg
}
