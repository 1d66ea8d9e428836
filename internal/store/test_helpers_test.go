package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMessage creates a stored message with minimal content.
func createTestMessage(conv string, id int64, prev, next bool) msgindex.StoredMessage {
	return msgindex.StoredMessage{
		ConversationID: conv,
		ID:             update.MessageID(id),
		Content:        json.RawMessage(fmt.Sprintf(`{"conversation_id":%q,"id":%d,"text":"m%d"}`, conv, id, id)),
		HasPrevious:    prev,
		HasNext:        next,
	}
}
