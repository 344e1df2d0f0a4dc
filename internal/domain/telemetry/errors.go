package telemetry

import (
	"errors"
	"fmt"
)

// ErrInvalid is the root of every payload rejection.
var ErrInvalid = errors.New("invalid telemetry")

var (
	ErrEmptyBody          = fmt.Errorf("%w: empty body", ErrInvalid)
	ErrUnparseableBody    = fmt.Errorf("%w: unparseable body", ErrInvalid)
	ErrMissingDeviceID    = fmt.Errorf("%w: device id is required", ErrInvalid)
	ErrDeviceIDTooLong    = fmt.Errorf("%w: device id too long", ErrInvalid)
	ErrMissingCoordinates = fmt.Errorf("%w: latitude and longitude are required", ErrInvalid)
	ErrInvalidCoordinates = fmt.Errorf("%w: coordinates out of range", ErrInvalid)
	ErrInvalidTimestamp   = fmt.Errorf("%w: unrecognised timestamp", ErrInvalid)
)
