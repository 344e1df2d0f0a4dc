package avl

import "errors"

// Sentinel kinds for wire decoding errors.
var (
	ErrTruncated       = errors.New("avl: buffer underrun")
	ErrMalformed       = errors.New("avl: malformed payload")
	ErrInvalidIdentity = errors.New("avl: invalid identity frame")
	ErrBadPreamble     = errors.New("avl: non-zero frame preamble")
	ErrFrameTooLarge   = errors.New("avl: declared frame length exceeds limit")
	ErrFrameTooShort   = errors.New("avl: declared frame length below minimum")
	ErrChecksum        = errors.New("avl: trailer checksum mismatch")
	ErrTooManyRecords  = errors.New("avl: too many records for one packet")
)
