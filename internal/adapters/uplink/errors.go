package uplink

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL = errors.New("invalid ingest url")
	ErrTransport  = errors.New("uplink transport failed")
	ErrRejected   = errors.New("uplink rejected record")
)

// StatusError carries the status of a non-2xx ingest response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingest responded %d", e.Code)
	}
	return fmt.Sprintf("ingest responded %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }
