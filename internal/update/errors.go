package update

import "errors"

// ErrMalformed marks an update or payload that can never be admitted.
var ErrMalformed = errors.New("malformed update")
