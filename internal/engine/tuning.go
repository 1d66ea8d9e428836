package engine

import "time"

// Tuning holds the values that may change while a session runs (they are
// re-read on every use, so a config reload takes effect immediately).
type Tuning struct {
	// CoalesceDelay bounds how long a gap may wait for the missing events
	// to arrive on their own before a recovery starts.
	CoalesceDelay time.Duration

	// Backoff shapes retries of failed recovery queries.
	Backoff Backoff

	// DifferenceLimit is the batch size asked of each difference query.
	DifferenceLimit int

	// WindowLimit is the number of messages fetched when the server says
	// the gap is too long to enumerate.
	WindowLimit int

	// EvictAfter unloads message content idle for this long. Zero disables
	// eviction.
	EvictAfter time.Duration

	// EchoTTL forgets awaited echoes that never arrived.
	EchoTTL time.Duration
}

// Client kinds select the default difference batch size.
const (
	ClientUser = "user"
	ClientBot  = "bot"
)

// DifferenceLimitFor returns the default batch size for a client kind.
func DifferenceLimitFor(kind string) int {
	if kind == ClientBot {
		return 1000
	}
	return 100
}

// DefaultTuning returns the defaults for interactive user clients.
func DefaultTuning() Tuning {
	return Tuning{
		CoalesceDelay:   500 * time.Millisecond,
		Backoff:         Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5},
		DifferenceLimit: DifferenceLimitFor(ClientUser),
		WindowLimit:     50,
		EvictAfter:      10 * time.Minute,
		EchoTTL:         5 * time.Minute,
	}
}
