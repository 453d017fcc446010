package store

import (
	"errors"

	"packdb/pkg/segment"
)

var (
	ErrClosed = errors.New("store: closed")

	// ErrKeyNotFound mirrors the segment store sentinel so callers only
	// depend on this package.
	ErrKeyNotFound = segment.ErrKeyNotFound
)
