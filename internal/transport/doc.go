// Package transport connects a Session to the server.
//
// Feed is the push side: a websocket client that reads update envelopes
// and admits them. HTTPQuerier is the pull side: it implements the
// engine's Querier (difference, window, history) over HTTP JSON.
//
// Envelopes on the feed have the shape
//
//	{"v": 1, "type": "update", "id": "<ulid>", "ts": "<rfc3339>", "payload": {...}}
//
// and are validated against an embedded JSON schema before decoding.
package transport
