package msgindex

import "errors"

// Lookup errors.
var (
	// ErrNotFound is returned by operations that need an existing record.
	ErrNotFound = errors.New("message not found")

	// ErrNotLocal is returned when relabeling a record whose id is not in the
	// reserved local range.
	ErrNotLocal = errors.New("message id is not a local id")
)

// Storage errors.
var (
	// ErrCorrupt wraps unreadable data from a Backing. It is the only error
	// the sync engine treats as fatal.
	ErrCorrupt = errors.New("message store corrupt")
)
