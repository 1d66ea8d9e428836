package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chatsync/internal/update"
)

const updateFrame = `{"v":1,"type":"update","id":"01HZZZZZZZZZZZZZZZZZZZZZZZ","ts":"2024-01-01T00:00:00Z",
"payload":{"scope":"conv:c1","kind":"message.new","new_seq":11,"seq_count":1,
"payload":{"conversation_id":"c1","id":5,"text":"hi"}}}`

func TestDecodeEnvelopeUpdate(t *testing.T) {
	env, err := DecodeEnvelope([]byte(updateFrame))
	require.NoError(t, err)
	assert.Equal(t, TypeUpdate, env.Type)
	assert.Equal(t, 1, env.V)

	u, err := env.decodeUpdate()
	require.NoError(t, err)
	assert.Equal(t, update.ConversationScope("c1"), u.Scope)
	assert.Equal(t, int64(11), u.NewSeq)
	assert.Equal(t, int64(1), u.SeqCount)
	require.NoError(t, u.Validate())
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"v":1,`},
		{"wrong version", `{"v":2,"type":"ping","id":"x","ts":"t","payload":{}}`},
		{"unknown type", `{"v":1,"type":"gossip","id":"x","ts":"t","payload":{}}`},
		{"missing id", `{"v":1,"type":"ping","ts":"t","payload":{}}`},
		{"payload not object", `{"v":1,"type":"ping","id":"x","ts":"t","payload":[]}`},
		{"negative seq_count", `{"v":1,"type":"update","id":"x","ts":"t","payload":{"scope":"global","kind":"message.new","new_seq":3,"seq_count":-1,"payload":{}}}`},
		{"update missing scope", `{"v":1,"type":"update","id":"x","ts":"t","payload":{"kind":"message.new","new_seq":3,"seq_count":1,"payload":{}}}`},
		{"state seq not integer", `{"v":1,"type":"state","id":"x","ts":"t","payload":{"seqs":{"global":"ten"}}}`},
		{"state missing seqs", `{"v":1,"type":"state","id":"x","ts":"t","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, update.ErrMalformed)
		})
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	env, err := NewEnvelope(TypeHello, now, SeqsPayload{Seqs: map[update.Scope]int64{update.GlobalScope: 42}})
	require.NoError(t, err)

	_, err = ulid.ParseStrict(env.ID)
	require.NoError(t, err, "envelope ids are ULIDs")
	assert.Equal(t, time.UTC, env.TS.Location())

	data, err := json.Marshal(env)
	require.NoError(t, err)
	back, err := DecodeEnvelope(data)
	require.NoError(t, err)
	p, err := back.decodeSeqs()
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.Seqs[update.GlobalScope])
}
