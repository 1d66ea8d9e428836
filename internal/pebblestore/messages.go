package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// Message values are laid out as
//
//	flags(1) | hash length(uvarint) | hash | content
//
// where flags bit 0 is has_previous and bit 1 is has_next.
const (
	flagPrevious byte = 1 << iota
	flagNext
)

func encodeMessage(m msgindex.StoredMessage) ([]byte, error) {
	if len(m.Content) == 0 {
		return nil, fmt.Errorf("message %s/%d: empty content", m.ConversationID, m.ID)
	}
	content, err := update.CanonicalizeJSON(m.Content)
	if err != nil {
		// Outside the canonical subset; store compacted.
		var buf bytes.Buffer
		if cerr := json.Compact(&buf, m.Content); cerr != nil {
			return nil, fmt.Errorf("message %s/%d: content is not JSON: %w", m.ConversationID, m.ID, cerr)
		}
		content = buf.Bytes()
	}
	hash := update.ContentHash(content)

	var flags byte
	if m.HasPrevious {
		flags |= flagPrevious
	}
	if m.HasNext {
		flags |= flagNext
	}
	val := make([]byte, 0, 1+binary.MaxVarintLen64+len(hash)+len(content))
	val = append(val, flags)
	val = binary.AppendUvarint(val, uint64(len(hash)))
	val = append(val, hash...)
	return append(val, content...), nil
}

func decodeMessage(conv string, id update.MessageID, raw []byte) (msgindex.StoredMessage, error) {
	corrupt := func(what string) error {
		return fmt.Errorf("message %s/%d: %s: %w", conv, id, what, msgindex.ErrCorrupt)
	}
	if len(raw) < 2 {
		return msgindex.StoredMessage{}, corrupt("truncated value")
	}
	flags := raw[0]
	if flags&^(flagPrevious|flagNext) != 0 {
		return msgindex.StoredMessage{}, corrupt(fmt.Sprintf("unknown flags %#x", flags))
	}
	n, w := binary.Uvarint(raw[1:])
	if w <= 0 || uint64(len(raw)-1-w) < n {
		return msgindex.StoredMessage{}, corrupt("bad hash length")
	}
	hash := string(raw[1+w : 1+w+int(n)])
	content := raw[1+w+int(n):]
	if !json.Valid(content) {
		return msgindex.StoredMessage{}, corrupt("content is not JSON")
	}
	if got := update.ContentHash(content); got != hash {
		return msgindex.StoredMessage{}, corrupt(fmt.Sprintf("content hash %s, stored %s", got, hash))
	}
	return msgindex.StoredMessage{
		ConversationID: conv,
		ID:             id,
		Content:        json.RawMessage(append([]byte(nil), content...)),
		HasPrevious:    flags&flagPrevious != 0,
		HasNext:        flags&flagNext != 0,
	}, nil
}

// GetMessage reads one message.
func (s *Store) GetMessage(ctx context.Context, conv string, id update.MessageID) (msgindex.StoredMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return msgindex.StoredMessage{}, false, err
	}
	raw, ok, err := s.get(messageKey(conv, id))
	if err != nil || !ok {
		return msgindex.StoredMessage{}, false, err
	}
	m, err := decodeMessage(conv, id, raw)
	if err != nil {
		return msgindex.StoredMessage{}, false, err
	}
	return m, true, nil
}

// PutMessage inserts or replaces a message.
func (s *Store) PutMessage(ctx context.Context, m msgindex.StoredMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validConversation(m.ConversationID); err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	val, err := encodeMessage(m)
	if err != nil {
		return fmt.Errorf("put message: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(messageKey(m.ConversationID, m.ID), val, nil); err != nil {
		return err
	}
	return s.commit(b)
}

// DeleteMessage removes a message. Deleting a missing message is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, conv string, id update.MessageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(messageKey(conv, id), nil); err != nil {
		return err
	}
	return s.commit(b)
}

// DeleteConversation removes every message of conv in one range tombstone.
func (s *Store) DeleteConversation(ctx context.Context, conv string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := conversationPrefix(conv)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(p, prefixEnd(p), nil); err != nil {
		return err
	}
	if err := b.Delete(seqKey(update.ConversationScope(conv)), nil); err != nil {
		return err
	}
	return s.commit(b)
}

// ScanMessages returns up to limit messages with id >= from ascending
// (Forward) or id <= from descending (Backward). limit <= 0 means no limit.
func (s *Store) ScanMessages(ctx context.Context, conv string, from update.MessageID, limit int, dir update.Direction) ([]msgindex.StoredMessage, error) {
	prefix := conversationPrefix(conv)
	opts := &pebble.IterOptions{LowerBound: messageKey(conv, from), UpperBound: prefixEnd(prefix)}
	if dir == update.Backward {
		opts = &pebble.IterOptions{LowerBound: prefix, UpperBound: append(messageKey(conv, from), 0x00)}
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("scan messages %s: %w", conv, err)
	}
	defer iter.Close()

	first, step := iter.First, iter.Next
	if dir == update.Backward {
		first, step = iter.Last, iter.Prev
	}

	msgs := []msgindex.StoredMessage{}
	for valid := first(); valid; valid = step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := parseMessageKey(prefix, iter.Key())
		if err != nil {
			return nil, fmt.Errorf("scan messages %s: %v: %w", conv, err, msgindex.ErrCorrupt)
		}
		m, err := decodeMessage(conv, id, iter.Value())
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		if limit > 0 && len(msgs) == limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate messages %s: %w", conv, err)
	}
	return msgs, nil
}
