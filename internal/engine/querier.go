package engine

import (
	"context"

	"github.com/roach88/chatsync/internal/update"
)

// Querier issues the authoritative server queries.
//
// Difference returns events after FromSeq; Window returns the newest
// messages of a scope when the difference is too long to enumerate;
// History pages through a conversation for backfill.
type Querier interface {
	Difference(ctx context.Context, req update.DifferenceRequest) (update.DifferenceResult, error)
	Window(ctx context.Context, req update.WindowRequest) (update.WindowResult, error)
	History(ctx context.Context, req update.HistoryRequest) (update.HistoryResult, error)
}

// AccessOracle answers whether the account may still read a scope.
type AccessOracle interface {
	CanRead(ctx context.Context, scope update.Scope) (bool, error)
}

// SeqStore persists scope counters.
type SeqStore interface {
	LoadSeqs(ctx context.Context) (map[update.Scope]int64, error)
	SaveSeq(ctx context.Context, scope update.Scope, seq int64) error
}

// Applier turns admitted updates into state changes.
type Applier interface {
	// Apply applies one update. Errors wrapping msgindex.ErrCorrupt are
	// fatal; any other error is logged and processing continues.
	Apply(u update.Update) error

	// ResetWindow replaces the local view with a fresh window after the
	// server refused to enumerate a gap.
	ResetWindow(res update.WindowResult) error
}
