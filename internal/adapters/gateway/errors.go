package gateway

import "errors"

// Sentinel kinds for session termination.
var (
	ErrIdentityRejected = errors.New("identity rejected")
	ErrIdleTimeout      = errors.New("session idle timeout")
	ErrForward          = errors.New("forward failed")
	ErrServerClosed     = errors.New("gateway: server closed")
)
