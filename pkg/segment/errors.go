package segment

import "errors"

var (
	ErrKeyNotFound    = errors.New("segment: key not found")
	ErrCorruptSegment = errors.New("segment: corrupt segment")
	ErrClosed         = errors.New("segment: closed")
)
