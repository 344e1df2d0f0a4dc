package devicesim

import "errors"

var (
	ErrInvalidConfig = errors.New("devicesim: invalid config")
	// ErrRejected means the gateway answered the handshake with 0x00.
	ErrRejected = errors.New("devicesim: identity rejected")
	// ErrAckMismatch means an ack did not match the records sent.
	ErrAckMismatch = errors.New("devicesim: ack mismatch")
	// ErrDevicesFailed is returned by Run when at least one device failed.
	ErrDevicesFailed = errors.New("devicesim: devices failed")
)
