package app

import "errors"

var (
	// ErrCoverTooLarge is returned when an upload exceeds the configured cover size.
	ErrCoverTooLarge = errors.New("cover image is too large")
	ErrCoverEmpty    = errors.New("cover image is empty")
)
