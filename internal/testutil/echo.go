package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialEchoKeys generates predictable echo keys: "<prefix>-1",
// "<prefix>-2", ... so traces of locally authored messages are stable.
//
// Safe for concurrent use.
type SequentialEchoKeys struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialEchoKeys creates a generator. An empty prefix means "echo".
func NewSequentialEchoKeys(prefix string) *SequentialEchoKeys {
	if prefix == "" {
		prefix = "echo"
	}
	return &SequentialEchoKeys{prefix: prefix}
}

// Generate returns the next key.
func (g *SequentialEchoKeys) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}

// Reset restarts numbering at 1.
func (g *SequentialEchoKeys) Reset() {
	g.n.Store(0)
}
