// Package avl decodes the binary tracker protocol: the identity handshake,
// the length-prefixed frame envelope and the AVL record payload it carries.
//
// Everything here is pure. Callers own the byte buffer and feed it to
// TryDecodeIdentity / TryDecodeOneFrame in a loop; a false ok means "wait for
// more bytes" and the buffer is returned untouched.
package avl

import (
	"encoding/binary"
	"fmt"
)

// Wire constants.
const (
	HeaderSize  = 8 // 4-byte zero preamble + 4-byte payload length
	TrailerSize = 4

	IdentityAccepted byte = 0x01
	IdentityRejected byte = 0x00

	MaxIdentityLength = 64
	DefaultMaxPayload = 64 * 1024
)

// Identity is the external device id announced once per connection.
type Identity struct {
	ExternalID string
}

// Frame is one complete envelope lifted from the stream.
type Frame struct {
	Payload []byte
	Trailer uint32
}

// TryDecodeIdentity extracts the handshake frame: a 2-byte big-endian length
// followed by that many bytes of printable ASCII.
func TryDecodeIdentity(buf []byte) (Identity, []byte, bool, error) {
	if len(buf) < 2 {
		return Identity{}, buf, false, nil
	}
	n := int(binary.BigEndian.Uint16(buf))
	if n == 0 || n > MaxIdentityLength {
		return Identity{}, buf, false, fmt.Errorf("%w: length %d", ErrInvalidIdentity, n)
	}
	if len(buf) < 2+n {
		return Identity{}, buf, false, nil
	}
	raw := buf[2 : 2+n]
	for _, c := range raw {
		if c < 0x21 || c > 0x7e {
			return Identity{}, buf, false, fmt.Errorf("%w: non-printable byte 0x%02x", ErrInvalidIdentity, c)
		}
	}
	return Identity{ExternalID: string(raw)}, buf[2+n:], true, nil
}

// Framer lifts complete frames off the front of a stream buffer.
type Framer struct {
	// MaxPayload rejects frames declaring a larger payload.
	MaxPayload int
	// VerifyCRC compares the trailer with CRC-16/IBM of the payload.
	VerifyCRC bool
}

// DefaultFramer accepts payloads up to DefaultMaxPayload and does not check the trailer.
func DefaultFramer() Framer {
	return Framer{MaxPayload: DefaultMaxPayload}
}

// TryDecodeOneFrame returns the first complete frame in buf and the bytes
// following it. When buf holds less than 8 + length + 4 bytes, ok is false and
// buf is returned unchanged.
func (f Framer) TryDecodeOneFrame(buf []byte) (Frame, []byte, bool, error) {
	if len(buf) < HeaderSize {
		return Frame{}, buf, false, nil
	}
	if binary.BigEndian.Uint32(buf[0:4]) != 0 {
		return Frame{}, buf, false, ErrBadPreamble
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	maxPayload := f.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if length < 2 {
		return Frame{}, buf, false, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, length)
	}
	if int64(length) > int64(maxPayload) {
		return Frame{}, buf, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	total := HeaderSize + int(length) + TrailerSize
	if len(buf) < total {
		return Frame{}, buf, false, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+int(length)])
	trailer := binary.BigEndian.Uint32(buf[HeaderSize+int(length) : total])

	if f.VerifyCRC {
		if sum := uint32(CRC16(payload)); sum != trailer {
			return Frame{}, buf, false, fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrChecksum, trailer, sum)
		}
	}
	return Frame{Payload: payload, Trailer: trailer}, buf[total:], true, nil
}

// TryDecodeOneFrame uses DefaultFramer.
func TryDecodeOneFrame(buf []byte) (Frame, []byte, bool, error) {
	return DefaultFramer().TryDecodeOneFrame(buf)
}
