package storage

import (
	"errors"
	"fmt"
)

// ErrInvalidSlug is returned for workspace identifiers that cannot be
// used as a single local directory under the workspace root.
var ErrInvalidSlug = errors.New("invalid workspace identifier")

// FetchError reports a failed workspace fetch. It is never fatal to a
// terminal session.
type FetchError struct {
	Slug string
	Op   string // "validate", "list", "download" or "write"
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Slug, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
