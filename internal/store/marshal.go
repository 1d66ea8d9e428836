package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// marshalContent normalizes message content for storage. Content that fits
// the canonical JSON subset is stored canonically, anything else compacted.
// Either way the hash is computed over exactly what is stored.
func marshalContent(content json.RawMessage) (string, string, error) {
	if len(content) == 0 {
		return "", "", fmt.Errorf("marshal content: empty")
	}
	data, err := update.CanonicalizeJSON(content)
	if err != nil {
		var buf bytes.Buffer
		if cerr := json.Compact(&buf, content); cerr != nil {
			return "", "", fmt.Errorf("marshal content: %w", cerr)
		}
		data = buf.Bytes()
	}
	return string(data), update.ContentHash(data), nil
}

// unmarshalContent verifies a stored row. Any mismatch is corruption.
func unmarshalContent(conv string, id update.MessageID, content, hash string) (json.RawMessage, error) {
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("message %s/%d: content is not JSON: %w", conv, id, msgindex.ErrCorrupt)
	}
	if got := update.ContentHash([]byte(content)); got != hash {
		return nil, fmt.Errorf("message %s/%d: content hash %s, stored %s: %w", conv, id, got, hash, msgindex.ErrCorrupt)
	}
	return json.RawMessage(content), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// intToBool decodes a stored flag, rejecting anything but 0 and 1.
func intToBool(conv string, id update.MessageID, column string, v int64) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("message %s/%d: %s = %d: %w", conv, id, column, v, msgindex.ErrCorrupt)
}
