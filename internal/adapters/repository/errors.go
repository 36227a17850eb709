package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound     = errors.New("result not found")
	ErrInvalidLimit = errors.New("invalid result limit")
	ErrMissingID    = errors.New("result without encounter id")
)
