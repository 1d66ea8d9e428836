package update

import "time"

// DifferenceRequest asks the server for everything in Scope after FromSeq.
type DifferenceRequest struct {
	Scope   Scope `json:"scope"`
	FromSeq int64 `json:"from_seq"`
	Limit   int   `json:"limit"`
}

// DifferenceResult is one batch of a difference query.
//
// When Final is false the caller re-issues the query from NewSeq. TooLong
// means the server will not enumerate the range; the caller falls back to a
// window query. RetryAfter is a server hint for the delay before the next
// query.
type DifferenceResult struct {
	Updates    []Update      `json:"updates"`
	NewSeq     int64         `json:"new_seq"`
	Final      bool          `json:"final"`
	TooLong    bool          `json:"too_long,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// WindowRequest fetches the most recent messages of a scope.
type WindowRequest struct {
	Scope Scope `json:"scope"`
	Limit int   `json:"limit"`
}

// WindowResult replaces the local view: Messages are the newest messages in
// ascending id order and Seq is the counter they correspond to.
type WindowResult struct {
	Messages []MessageNew `json:"messages"`
	Seq      int64        `json:"seq"`
}

// HistoryRequest pages through older or newer messages around AnchorID.
// A zero AnchorID with Backward means "the newest page".
type HistoryRequest struct {
	ConversationID string    `json:"conversation_id"`
	AnchorID       MessageID `json:"anchor_id"`
	Limit          int       `json:"limit"`
	Direction      Direction `json:"direction"`
}

// HistoryResult is one page in ascending id order. Exhausted means the page
// reaches the end of the conversation in the requested direction.
type HistoryResult struct {
	Messages  []MessageNew `json:"messages"`
	Exhausted bool         `json:"exhausted"`
}
