package repositories

import "errors"

// ErrNotFound is returned by all repositories when a requested record does
// not exist. Handlers translate it to a 404; resolvers treat it as a cache
// miss with no fallback.
var ErrNotFound = errors.New("record not found")

// ErrInvalidEntry is returned when a write violates a data-model invariant
// (e.g. a denylist tuple with an illegal type/scope combination).
var ErrInvalidEntry = errors.New("invalid entry")
