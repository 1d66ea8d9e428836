package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/chatsync/internal/msgindex"
	"github.com/roach88/chatsync/internal/update"
)

// SyncError is an error detected while sequencing or recovering a scope.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Scope is the affected scope, if any.
	Scope update.Scope

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeMalformed: the update violates seq_count/new_seq invariants or
	// cannot be decoded. It is rejected without state change.
	ErrCodeMalformed SyncErrorCode = "MALFORMED_EVENT"

	// ErrCodeStale: the update is already covered by the counter.
	ErrCodeStale SyncErrorCode = "STALE_EVENT"

	// ErrCodeDesync: the counters are inconsistent and recovery was started.
	ErrCodeDesync SyncErrorCode = "DESYNC_DETECTED"

	// ErrCodeRecoveryFailed: a difference or window query failed. Retried
	// with backoff, never surfaced to readers.
	ErrCodeRecoveryFailed SyncErrorCode = "RECOVERY_FAILED"

	// ErrCodeUnknownScope: an update names a scope the session cannot open.
	ErrCodeUnknownScope SyncErrorCode = "UNKNOWN_SCOPE"

	// ErrCodeInvariant: a caller broke a precondition, e.g. force-applying
	// while events are pending.
	ErrCodeInvariant SyncErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeCorrupt: the durable store returned unreadable data. Fatal.
	ErrCodeCorrupt SyncErrorCode = "STORAGE_CORRUPT"
)

// Sentinel errors.
var (
	// ErrClosed is returned when posting to a stopped session.
	ErrClosed = errors.New("session closed")

	// ErrAccessDenied aborts a recovery for a scope that is no longer
	// readable. Queriers may return it (wrapped) when the server refuses.
	ErrAccessDenied = errors.New("scope not readable")
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Scope != "" {
		msg = fmt.Sprintf("%s (scope=%s)", msg, e.Scope)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsMalformed reports whether err rejects a malformed update.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed) || errors.Is(err, update.ErrMalformed)
}

// IsInvariant reports whether err is a precondition violation.
func IsInvariant(err error) bool {
	return hasCode(err, ErrCodeInvariant)
}

// IsUnknownScope reports whether err refers to a scope that cannot be opened.
func IsUnknownScope(err error) bool {
	return hasCode(err, ErrCodeUnknownScope)
}

// IsCorrupt reports whether err is fatal storage corruption.
func IsCorrupt(err error) bool {
	return hasCode(err, ErrCodeCorrupt) || errors.Is(err, msgindex.ErrCorrupt)
}

// NewMalformedError wraps a validation failure.
func NewMalformedError(scope update.Scope, err error) *SyncError {
	return &SyncError{Code: ErrCodeMalformed, Message: "update rejected", Scope: scope, Err: err}
}

// NewInvariantError reports a broken precondition.
func NewInvariantError(scope update.Scope, msg string) *SyncError {
	return &SyncError{Code: ErrCodeInvariant, Message: msg, Scope: scope}
}

// NewUnknownScopeError reports an update for a scope that cannot be opened.
func NewUnknownScopeError(scope update.Scope, err error) *SyncError {
	return &SyncError{Code: ErrCodeUnknownScope, Message: "scope cannot be opened", Scope: scope, Err: err}
}

// NewCorruptError wraps a storage corruption.
func NewCorruptError(scope update.Scope, err error) *SyncError {
	return &SyncError{Code: ErrCodeCorrupt, Message: "durable store unreadable", Scope: scope, Err: err}
}

// NewRecoveryError wraps a failed recovery query.
func NewRecoveryError(scope update.Scope, attempt int, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeRecoveryFailed,
		Message: fmt.Sprintf("recovery query failed (attempt %d)", attempt),
		Scope:   scope,
		Err:     err,
	}
}
