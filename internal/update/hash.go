package update

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Domain prefixes for content hashes. The version suffix leaves room for a
// future change of algorithm.
const (
	DomainUpdate = "chatsync/update/v1"
	DomainRecord = "chatsync/record/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Key is the content address of an update: two deliveries of the same
// notification have the same key regardless of JSON key order or
// whitespace. EchoKey is excluded; it is a delivery detail.
func (u Update) Key() string {
	payload, err := CanonicalizeJSON(u.Payload)
	if err != nil {
		// Not canonicalizable (floats, null): fall back to compacted bytes.
		payload = compactJSON(u.Payload)
	}
	head, _ := MarshalCanonical(map[string]any{
		"scope":     string(u.Scope),
		"kind":      string(u.Kind),
		"new_seq":   u.NewSeq,
		"seq_count": u.SeqCount,
	})
	data := make([]byte, 0, len(head)+1+len(payload))
	data = append(data, head...)
	data = append(data, 0x00)
	data = append(data, payload...)
	return hashWithDomain(DomainUpdate, data)
}

// ContentHash hashes message content for golden traces and change detection.
func ContentHash(content []byte) string {
	c, err := CanonicalizeJSON(content)
	if err != nil {
		c = compactJSON(content)
	}
	return hashWithDomain(DomainRecord, c)
}

func compactJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
