package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/chatsync/internal/msgindex"
)

// corrupt marks errors that mean the database file itself is damaged as
// msgindex.ErrCorrupt. Anything else, nil included, is returned as is.
func corrupt(err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code {
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return fmt.Errorf("%w: %w", msgindex.ErrCorrupt, err)
	}
	return err
}
