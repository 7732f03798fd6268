package domain

import "errors"

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by stores when a write collides with an existing
// row under a uniqueness rule.
var ErrConflict = errors.New("conflict")
