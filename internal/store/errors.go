package store

import "errors"

// ErrNotFound is returned by single-row lookups that find no match.
var ErrNotFound = errors.New("store: not found")
