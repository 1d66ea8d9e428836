package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// GetMessage reads one message row.
func (s *Store) GetMessage(ctx context.Context, conv string, id update.MessageID) (msgindex.StoredMessage, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, content_hash, has_previous, has_next
		FROM messages
		WHERE conversation_id = ? AND id = ?
	`, conv, int64(id))

	msg, err := scanMessage(conv, row)
	if errors.Is(err, sql.ErrNoRows) {
		return msgindex.StoredMessage{}, false, nil
	}
	if err != nil {
		return msgindex.StoredMessage{}, false, err
	}
	return msg, true, nil
}

// ScanMessages reads up to limit rows starting at from: ids >= from in
// ascending order for Forward, ids <= from descending for Backward.
func (s *Store) ScanMessages(ctx context.Context, conv string, from update.MessageID, limit int, dir update.Direction) ([]msgindex.StoredMessage, error) {
	query := `
		SELECT id, content, content_hash, has_previous, has_next
		FROM messages
		WHERE conversation_id = ? AND id >= ?
		ORDER BY id ASC
		LIMIT ?
	`
	if dir == update.Backward {
		query = `
			SELECT id, content, content_hash, has_previous, has_next
			FROM messages
			WHERE conversation_id = ? AND id <= ?
			ORDER BY id DESC
			LIMIT ?
		`
	}
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}

	rows, err := s.db.QueryContext(ctx, query, conv, int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("scan messages %s: %w", conv, corrupt(err))
	}
	defer rows.Close()

	msgs := []msgindex.StoredMessage{}
	for rows.Next() {
		msg, err := scanMessage(conv, rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages %s: %w", conv, corrupt(err))
	}
	return msgs, nil
}

// LoadSeqs reads every stored scope counter.
func (s *Store) LoadSeqs(ctx context.Context) (map[update.Scope]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, seq FROM seq_states ORDER BY scope COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load seqs: %w", corrupt(err))
	}
	defer rows.Close()

	seqs := make(map[update.Scope]int64)
	for rows.Next() {
		var (
			raw string
			seq int64
		)
		if err := rows.Scan(&raw, &seq); err != nil {
			return nil, fmt.Errorf("scan seq: %w", corrupt(err))
		}
		scope, err := update.ParseScope(raw)
		if err != nil {
			return nil, fmt.Errorf("stored scope %q: %v: %w", raw, err, msgindex.ErrCorrupt)
		}
		seqs[scope] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seqs: %w", corrupt(err))
	}
	return seqs, nil
}

// ConversationStats summarizes one stored conversation.
type ConversationStats struct {
	ConversationID string
	Messages       int
	OldestID       update.MessageID
	NewestID       update.MessageID
	LiveEdges      int
	Seq            int64
	HasScope       bool
}

// Conversations lists stored conversations ordered by id.
func (s *Store) Conversations(ctx context.Context) ([]ConversationStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*), MIN(m.id), MAX(m.id),
		       SUM(CASE WHEN m.has_next = 1 THEN 1 ELSE 0 END),
		       q.seq
		FROM messages m
		LEFT JOIN seq_states q ON q.scope = 'conv:' || m.conversation_id
		GROUP BY m.conversation_id
		ORDER BY m.conversation_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", corrupt(err))
	}
	defer rows.Close()

	stats := []ConversationStats{}
	for rows.Next() {
		var (
			st             ConversationStats
			oldest, newest int64
			seq            sql.NullInt64
		)
		if err := rows.Scan(&st.ConversationID, &st.Messages, &oldest, &newest, &st.LiveEdges, &seq); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", corrupt(err))
		}
		st.OldestID = update.MessageID(oldest)
		st.NewestID = update.MessageID(newest)
		st.Seq, st.HasScope = seq.Int64, seq.Valid
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", corrupt(err))
	}
	return stats, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(conv string, row rowScanner) (msgindex.StoredMessage, error) {
	var (
		id            int64
		content, hash string
		prev, next    int64
	)
	if err := row.Scan(&id, &content, &hash, &prev, &next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return msgindex.StoredMessage{}, err
		}
		return msgindex.StoredMessage{}, fmt.Errorf("scan message %s: %w", conv, corrupt(err))
	}

	msg := msgindex.StoredMessage{ConversationID: conv, ID: update.MessageID(id)}
	var err error
	if msg.Content, err = unmarshalContent(conv, msg.ID, content, hash); err != nil {
		return msgindex.StoredMessage{}, err
	}
	if msg.HasPrevious, err = intToBool(conv, msg.ID, "has_previous", prev); err != nil {
		return msgindex.StoredMessage{}, err
	}
	if msg.HasNext, err = intToBool(conv, msg.ID, "has_next", next); err != nil {
		return msgindex.StoredMessage{}, err
	}
	return msg, nil
}
