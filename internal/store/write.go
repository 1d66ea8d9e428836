package store

import (
	"context"
	"fmt"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// PutMessage inserts or replaces one message row.
func (s *Store) PutMessage(ctx context.Context, msg msgindex.StoredMessage) error {
	content, hash, err := marshalContent(msg.Content)
	if err != nil {
		return fmt.Errorf("put message %s/%d: %w", msg.ConversationID, msg.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
		(conversation_id, id, content, content_hash, has_previous, has_next)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			has_previous = excluded.has_previous,
			has_next = excluded.has_next
	`,
		msg.ConversationID,
		int64(msg.ID),
		content,
		hash,
		boolToInt(msg.HasPrevious),
		boolToInt(msg.HasNext),
	)
	if err != nil {
		return fmt.Errorf("put message %s/%d: %w", msg.ConversationID, msg.ID, corrupt(err))
	}
	return nil
}

// DeleteMessage removes one message row. Deleting a missing row is not an
// error.
func (s *Store) DeleteMessage(ctx context.Context, conv string, id update.MessageID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND id = ?
	`, conv, int64(id))
	if err != nil {
		return fmt.Errorf("delete message %s/%d: %w", conv, id, corrupt(err))
	}
	return nil
}

// SaveSeq records the counter of a scope. Counters only move forward: a
// lower value than the stored one is ignored.
func (s *Store) SaveSeq(ctx context.Context, scope update.Scope, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seq_states (scope, seq) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET seq = excluded.seq
		WHERE excluded.seq > seq_states.seq
	`, string(scope), seq)
	if err != nil {
		return fmt.Errorf("save seq %s: %w", scope, corrupt(err))
	}
	return nil
}

// DeleteConversation drops every stored message of a conversation and its
// dedicated counter.
func (s *Store) DeleteConversation(ctx context.Context, conv string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", conv, corrupt(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conv, corrupt(err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seq_states WHERE scope = ?`, string(update.ConversationScope(conv))); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conv, corrupt(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conv, corrupt(err))
	}
	return nil
}
