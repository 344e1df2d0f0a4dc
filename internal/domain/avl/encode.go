package avl

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// EncodeIdentity builds the handshake frame for id.
func EncodeIdentity(id string) []byte {
	out := make([]byte, 2+len(id))
	binary.BigEndian.PutUint16(out, uint16(len(id)))
	copy(out[2:], id)
	return out
}

// EncodeFrame wraps payload in the zero preamble, length and CRC-16 trailer.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload)+TrailerSize)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	binary.BigEndian.PutUint32(out[HeaderSize+len(payload):], uint32(CRC16(payload)))
	return out
}

// EncodePayload is the inverse of DecodePayload. Each IO value is placed in
// the narrowest group that round-trips it.
func EncodePayload(codec byte, records []Record) ([]byte, error) {
	if len(records) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyRecords, len(records))
	}
	width := 1
	if codec == CodecExtended {
		width = 2
	}

	w := &writer{}
	w.u8(codec)
	w.u8(uint8(len(records)))
	for i := range records {
		if err := encodeRecord(w, width, &records[i]); err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	w.u8(uint8(len(records)))
	return w.b, nil
}

func encodeRecord(w *writer, width int, rec *Record) error {
	w.u64(uint64(rec.Timestamp.UnixMilli()))
	w.u8(rec.Priority)
	w.u32(uint32(int32(math.Round(rec.Longitude * coordScale))))
	w.u32(uint32(int32(math.Round(rec.Latitude * coordScale))))
	w.u16(uint16(rec.Altitude))
	w.u16(rec.Heading)
	w.u8(rec.Satellites)
	w.u16(rec.Speed)

	groups := map[int][]uint16{}
	for id, v := range rec.IO {
		if width == 1 && id > math.MaxUint8 {
			return fmt.Errorf("io id %d does not fit the standard codec", id)
		}
		vw := widthFor(v)
		groups[vw] = append(groups[vw], id)
	}

	w.uint(width, rec.EventIOID)
	w.uint(width, uint16(len(rec.IO)))
	for _, vw := range valueWidths {
		ids := groups[vw]
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		w.uint(width, uint16(len(ids)))
		for _, id := range ids {
			w.uint(width, id)
			w.value(vw, rec.IO[id])
		}
	}
	return nil
}

// widthFor mirrors the decoder's signedness: 1-byte values are unsigned.
func widthFor(v int64) int {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		return 1
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 2
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 4
	default:
		return 8
	}
}

type writer struct {
	b []byte
}

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.BigEndian.AppendUint64(w.b, v) }

func (w *writer) uint(width int, v uint16) {
	if width == 2 {
		w.u16(v)
		return
	}
	w.u8(uint8(v))
}

func (w *writer) value(width int, v int64) {
	switch width {
	case 1:
		w.u8(uint8(v))
	case 2:
		w.u16(uint16(v))
	case 4:
		w.u32(uint32(v))
	default:
		w.u64(uint64(v))
	}
}
