package engine

import (
	"time"

	"github.com/google/uuid"
)

// EchoKeyGenerator mints keys for locally originated actions. The server
// repeats the key on the update that reflects the action (its echo).
type EchoKeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 echo keys.
// Stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// echoRegistry tracks echoes a scope is waiting for. An awaited echo is
// applied even when its seq is already covered, because the local action
// may have advanced the counter before the echo arrived.
//
// Owned by the scope's sequence; not locked.
type echoRegistry struct {
	awaited map[string]time.Time
}

func newEchoRegistry() *echoRegistry {
	return &echoRegistry{awaited: make(map[string]time.Time)}
}

func (r *echoRegistry) expect(key string, at time.Time) {
	r.awaited[key] = at
}

// take consumes key, reporting whether it was awaited.
func (r *echoRegistry) take(key string) bool {
	if key == "" {
		return false
	}
	if _, ok := r.awaited[key]; !ok {
		return false
	}
	delete(r.awaited, key)
	return true
}

// expire forgets echoes registered before cutoff. Returns how many.
func (r *echoRegistry) expire(cutoff time.Time) int {
	n := 0
	for k, at := range r.awaited {
		if at.Before(cutoff) {
			delete(r.awaited, k)
			n++
		}
	}
	return n
}

func (r *echoRegistry) len() int {
	return len(r.awaited)
}
