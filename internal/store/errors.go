package store

import "errors"

// ErrNotFound is returned by store lookups when the requested entity does
// not exist.
var ErrNotFound = errors.New("not found")
