package pebblestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/roach88/chatsync/internal/update"
)

var (
	messagePrefix = []byte("m/")
	seqPrefix     = []byte("s/")
)

const idBytes = 8

// conversationPrefix is the key prefix shared by every message of conv.
func conversationPrefix(conv string) []byte {
	k := make([]byte, 0, len(messagePrefix)+len(conv)+1)
	k = append(k, messagePrefix...)
	k = append(k, conv...)
	return append(k, 0x00)
}

func messageKey(conv string, id update.MessageID) []byte {
	k := conversationPrefix(conv)
	return binary.BigEndian.AppendUint64(k, encodeID(id))
}

// encodeID flips the sign bit so negative ids sort before positive ones.
func encodeID(id update.MessageID) uint64 {
	return uint64(id) ^ (1 << 63)
}

func decodeID(b []byte) update.MessageID {
	return update.MessageID(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// parseMessageKey recovers the id from a key under prefix.
func parseMessageKey(prefix, key []byte) (update.MessageID, error) {
	rest, ok := bytes.CutPrefix(key, prefix)
	if !ok || len(rest) != idBytes {
		return 0, fmt.Errorf("malformed message key %q", key)
	}
	return decodeID(rest), nil
}

func seqKey(scope update.Scope) []byte {
	return append(append([]byte(nil), seqPrefix...), scope...)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func validConversation(conv string) error {
	if conv == "" {
		return fmt.Errorf("empty conversation id")
	}
	if strings.IndexByte(conv, 0x00) >= 0 {
		return fmt.Errorf("conversation id %q contains NUL", conv)
	}
	return nil
}
