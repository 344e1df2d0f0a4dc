package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotConfigured = errors.New("ingest token not configured")
	ErrBodyTooLarge  = errors.New("request body too large")
)
