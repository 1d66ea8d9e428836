package update

// Payload is implemented by every typed update body.
type Payload interface {
	Kind() Kind
}

// MessageNew announces a message. RandomID is the client-chosen key of a
// locally authored message, empty otherwise.
type MessageNew struct {
	ConversationID string    `json:"conversation_id"`
	ID             MessageID `json:"id"`
	RandomID       string    `json:"random_id,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Text           string    `json:"text"`
	Outgoing       bool      `json:"outgoing,omitempty"`
	Date           int64     `json:"date,omitempty"`
}

func (MessageNew) Kind() Kind { return KindMessageNew }

// MessageEdit replaces the text of an existing message.
type MessageEdit struct {
	ConversationID string    `json:"conversation_id"`
	ID             MessageID `json:"id"`
	Text           string    `json:"text"`
}

func (MessageEdit) Kind() Kind { return KindMessageEdit }

// MessageDelete removes messages.
type MessageDelete struct {
	ConversationID string      `json:"conversation_id"`
	IDs            []MessageID `json:"ids"`
}

func (MessageDelete) Kind() Kind { return KindMessageDelete }

// MessageAck assigns the authoritative id to a locally authored record.
type MessageAck struct {
	ConversationID string    `json:"conversation_id"`
	LocalID        MessageID `json:"local_id"`
	ID             MessageID `json:"id"`
}

func (MessageAck) Kind() Kind { return KindMessageAck }

// ReadInbox marks every incoming message up to MaxID as read.
type ReadInbox struct {
	ConversationID string    `json:"conversation_id"`
	MaxID          MessageID `json:"max_id"`
	StillUnread    int64     `json:"still_unread"`
}

func (ReadInbox) Kind() Kind { return KindReadInbox }
