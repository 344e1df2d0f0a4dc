package avl

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Codec identifiers. Any id other than CodecExtended is decoded with 1-byte
// IO ids and counts.
const (
	CodecStandard byte = 0x08
	CodecExtended byte = 0x8E
)

// coordScale converts raw fixed-point coordinates to degrees.
const coordScale = 10_000_000

// valueWidths is the order of the size-homogeneous IO groups on the wire.
var valueWidths = [...]int{1, 2, 4, 8}

// Record is one AVL telemetry sample.
type Record struct {
	Timestamp  time.Time
	Priority   uint8
	Longitude  float64
	Latitude   float64
	Altitude   int16
	Heading    uint16
	Satellites uint8
	Speed      uint16

	EventIOID uint16
	TotalIO   uint16
	// IO holds every (id, value) pair. 1-byte values are unsigned, wider
	// values are twos-complement.
	IO map[uint16]int64
	// Truncated is set when trailing IO groups were missing.
	Truncated bool
}

// Packet is a decoded payload.
type Packet struct {
	Codec    byte
	Extended bool
	// FellBack is set when the payload announced the extended codec but only
	// decoded as standard width.
	FellBack bool
	Declared int
	Records  []Record
	// TrailerCount is the record count restated after the records, or -1
	// when the payload ended before it.
	TrailerCount int
}

// TrailerMismatch reports a restated record count that disagrees with the
// header. It is informational only.
func (p Packet) TrailerMismatch() bool {
	return p.TrailerCount >= 0 && p.TrailerCount != p.Declared
}

// DecodePayload decodes the codec byte, record count and records. An extended
// payload that underruns, or only decodes with a truncated record, is decoded
// once more as standard width.
func DecodePayload(payload []byte) (Packet, error) {
	if len(payload) < 2 {
		return Packet{}, fmt.Errorf("%w: %w: payload of %d bytes", ErrMalformed, ErrTruncated, len(payload))
	}

	if payload[0] != CodecExtended {
		p, err := decodeWithWidth(payload, 1)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return p, nil
	}

	p, extErr := decodeWithWidth(payload, 2)
	if extErr == nil {
		p.Extended = true
		if !p.truncated() {
			return p, nil
		}
		// A standard-width payload mislabelled as extended usually overruns
		// its last record. Prefer the standard reading when it is complete.
		if std, err := decodeWithWidth(payload, 1); err == nil && !std.truncated() {
			std.FellBack = true
			return std, nil
		}
		return p, nil
	}
	p, stdErr := decodeWithWidth(payload, 1)
	if stdErr != nil {
		return Packet{}, fmt.Errorf("%w: extended: %v; standard: %w", ErrMalformed, extErr, stdErr)
	}
	p.FellBack = true
	return p, nil
}

func (p Packet) truncated() bool {
	for i := range p.Records {
		if p.Records[i].Truncated {
			return true
		}
	}
	return false
}

func decodeWithWidth(payload []byte, width int) (Packet, error) {
	r := &reader{b: payload, off: 1}
	count, err := r.u8()
	if err != nil {
		return Packet{}, err
	}

	p := Packet{
		Codec:        payload[0],
		Declared:     int(count),
		Records:      make([]Record, 0, count),
		TrailerCount: -1,
	}
	for i := 0; i < int(count); i++ {
		rec, err := decodeRecord(r, width, i == int(count)-1)
		if err != nil {
			return Packet{}, fmt.Errorf("record %d/%d: %w", i+1, count, err)
		}
		p.Records = append(p.Records, rec)
	}

	if r.remaining() >= 1 {
		v, _ := r.u8()
		p.TrailerCount = int(v)
	}
	return p, nil
}

func decodeRecord(r *reader, width int, last bool) (Record, error) {
	var rec Record

	ts, err := r.u64()
	if err != nil {
		return rec, fmt.Errorf("timestamp: %w", err)
	}
	prio, err := r.u8()
	if err != nil {
		return rec, fmt.Errorf("priority: %w", err)
	}
	lon, err := r.u32()
	if err != nil {
		return rec, fmt.Errorf("longitude: %w", err)
	}
	lat, err := r.u32()
	if err != nil {
		return rec, fmt.Errorf("latitude: %w", err)
	}
	alt, err := r.u16()
	if err != nil {
		return rec, fmt.Errorf("altitude: %w", err)
	}
	heading, err := r.u16()
	if err != nil {
		return rec, fmt.Errorf("heading: %w", err)
	}
	sats, err := r.u8()
	if err != nil {
		return rec, fmt.Errorf("satellites: %w", err)
	}
	speed, err := r.u16()
	if err != nil {
		return rec, fmt.Errorf("speed: %w", err)
	}

	rec.Timestamp = time.UnixMilli(int64(ts)).UTC()
	rec.Priority = prio
	rec.Longitude = float64(int32(lon)) / coordScale
	rec.Latitude = float64(int32(lat)) / coordScale
	rec.Altitude = int16(alt)
	rec.Heading = heading
	rec.Satellites = sats
	rec.Speed = speed

	if rec.EventIOID, err = r.uint(width); err != nil {
		return rec, fmt.Errorf("event io id: %w", err)
	}
	if rec.TotalIO, err = r.uint(width); err != nil {
		return rec, fmt.Errorf("io count: %w", err)
	}

	rec.IO = make(map[uint16]int64, rec.TotalIO)
	for _, vw := range valueWidths {
		n, err := r.uint(width)
		if err != nil {
			if last {
				rec.Truncated = true
				r.skipAll()
				return rec, nil
			}
			return rec, fmt.Errorf("io group %d count: %w", vw, err)
		}
		if need := int(n) * (width + vw); need > r.remaining() {
			if last {
				rec.Truncated = true
				r.skipAll()
				return rec, nil
			}
			return rec, fmt.Errorf("io group %d declares %d entries: %w", vw, n, ErrTruncated)
		}
		for j := 0; j < int(n); j++ {
			id, _ := r.uint(width)
			v, _ := r.value(vw)
			rec.IO[id] = v
		}
	}
	return rec, nil
}

// reader is a bounds-checked big-endian cursor.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) skipAll() { r.off = len(r.b) }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, r.remaining())
	}
	s := r.b[r.off : r.off+n]
	r.off += n
	return s, nil
}

func (r *reader) u8() (uint8, error) {
	s, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (r *reader) u16() (uint16, error) {
	s, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

func (r *reader) u32() (uint32, error) {
	s, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s), nil
}

func (r *reader) u64() (uint64, error) {
	s, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(s), nil
}

// uint reads a 1- or 2-byte unsigned id/count.
func (r *reader) uint(width int) (uint16, error) {
	if width == 2 {
		return r.u16()
	}
	v, err := r.u8()
	return uint16(v), err
}

func (r *reader) value(width int) (int64, error) {
	switch width {
	case 1:
		v, err := r.u8()
		return int64(v), err
	case 2:
		v, err := r.u16()
		return int64(int16(v)), err
	case 4:
		v, err := r.u32()
		return int64(int32(v)), err
	default:
		v, err := r.u64()
		return int64(v), err
	}
}
