package storage

import "errors"

// ErrNotFound is returned for missing or expired rows.
var ErrNotFound = errors.New("storage: not found")
