package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrWrongType   = errors.New("key holds a different structure")
	ErrInvalidKey  = errors.New("invalid key")
)
