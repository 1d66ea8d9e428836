package transport

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/chatsync/internal/update"
)

// Subprotocol is negotiated on the feed websocket.
const Subprotocol = "chatsync.updates.v1"

// EnvelopeVersion is the only envelope version understood.
const EnvelopeVersion = 1

// Envelope types.
const (
	TypeHello  = "hello"
	TypeUpdate = "update"
	TypeState  = "state"
	TypePing   = "ping"
)

// Envelope is one feed frame.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// SeqsPayload is the payload of hello and state envelopes: the counter per
// scope known to the sender.
type SeqsPayload struct {
	Seqs map[update.Scope]int64 `json:"seqs"`
}

// NewEnvelope builds an envelope with a fresh ULID.
func NewEnvelope(typ string, now time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope payload: %w", err)
	}
	return Envelope{
		V:       EnvelopeVersion,
		Type:    typ,
		ID:      ulid.Make().String(),
		TS:      now.UTC(),
		Payload: raw,
	}, nil
}

//go:embed envelope.schema.json
var envelopeSchemaJSON []byte

const envelopeSchemaURL = "https://chatsync.local/schemas/envelope.json"

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile(envelopeSchemaURL)
	})
	return envelopeSchema, envelopeSchemaErr
}

// DecodeEnvelope validates data against the envelope schema and decodes
// it. Failures wrap update.ErrMalformed.
func DecodeEnvelope(data []byte) (Envelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Envelope{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", update.ErrMalformed, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", update.ErrMalformed, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", update.ErrMalformed, err)
	}
	return env, nil
}

// decodeUpdate reads the update carried by an update envelope.
func (e Envelope) decodeUpdate() (update.Update, error) {
	var u update.Update
	if err := json.Unmarshal(e.Payload, &u); err != nil {
		return update.Update{}, fmt.Errorf("%w: update payload: %v", update.ErrMalformed, err)
	}
	return u, nil
}

func (e Envelope) decodeSeqs() (SeqsPayload, error) {
	var p SeqsPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return SeqsPayload{}, fmt.Errorf("%w: seqs payload: %v", update.ErrMalformed, err)
	}
	return p, nil
}
