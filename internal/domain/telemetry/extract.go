package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/okian/trackgate/internal/domain/model"
)

// DefaultMaxDeviceIDLength bounds device identifiers.
const DefaultMaxDeviceIDLength = 128

// Field aliases in precedence order. The first present value wins.
var (
	DeviceIDPaths  = []string{"deviceId", "device_id", "deviceID", "id", "device.id"}
	IMEIPaths      = []string{"imei", "device.imei"}
	TenantIDPaths  = []string{"tenantId", "tenant_id", "tenant"}
	LatitudePaths  = []string{"latitude", "lat", "location.lat", "location.latitude", "position.latitude", "gps.lat"}
	LongitudePaths = []string{"longitude", "lon", "lng", "location.lng", "location.lon", "location.longitude", "position.longitude", "gps.lon"}
	TimestampPaths = []string{"timestamp", "ts", "time", "recordedAt"}
)

type numericField struct {
	paths []string
	set   func(*model.Telemetry, *float64)
}

var numericFields = []numericField{
	{[]string{"battery", "batteryLevel", "battery_level", "power.battery"}, func(t *model.Telemetry, v *float64) { t.Battery = v }},
	{[]string{"temperature", "temp", "sensors.temperature"}, func(t *model.Telemetry, v *float64) { t.Temperature = v }},
	{[]string{"humidity", "sensors.humidity"}, func(t *model.Telemetry, v *float64) { t.Humidity = v }},
	{[]string{"collision", "sensors.collision"}, func(t *model.Telemetry, v *float64) { t.Collision = v }},
	{[]string{"tilt", "sensors.tilt"}, func(t *model.Telemetry, v *float64) { t.Tilt = v }},
	{[]string{"rssi", "signal", "gsm.rssi"}, func(t *model.Telemetry, v *float64) { t.RSSI = v }},
	{[]string{"speed", "location.speed", "gps.speed"}, func(t *model.Telemetry, v *float64) { t.Speed = v }},
	{[]string{"heading", "course", "angle", "location.heading"}, func(t *model.Telemetry, v *float64) { t.Heading = v }},
	{[]string{"accuracy", "location.accuracy", "hdop"}, func(t *model.Telemetry, v *float64) { t.Accuracy = v }},
	{[]string{"satellites", "sats", "gps.satellites"}, func(t *model.Telemetry, v *float64) { t.Satellites = v }},
	{[]string{"altitude", "alt", "location.altitude"}, func(t *model.Telemetry, v *float64) { t.Altitude = v }},
}

// consumed holds top-level keys already mapped to a field.
var consumed = func() map[string]struct{} {
	out := map[string]struct{}{}
	add := func(paths []string) {
		for _, p := range paths {
			out[strings.SplitN(p, ".", 2)[0]] = struct{}{}
		}
	}
	add(DeviceIDPaths)
	add(IMEIPaths)
	add(TenantIDPaths)
	add(LatitudePaths)
	add(LongitudePaths)
	add(TimestampPaths)
	for _, f := range numericFields {
		add(f.paths)
	}
	return out
}()

// Extractor turns Documents into validated telemetry.
type Extractor struct {
	MaxDeviceIDLength int
	Now               func() time.Time
}

// NewExtractor returns an extractor with default limits.
func NewExtractor() Extractor {
	return Extractor{MaxDeviceIDLength: DefaultMaxDeviceIDLength, Now: time.Now}
}

// Extract resolves aliases and validates the result. A missing timestamp
// defaults to the current time.
func (e Extractor) Extract(doc Document) (model.Telemetry, error) {
	var t model.Telemetry

	t.DeviceID = strings.TrimSpace(firstString(doc, DeviceIDPaths))
	if t.DeviceID == "" {
		return t, ErrMissingDeviceID
	}
	maxLen := e.MaxDeviceIDLength
	if maxLen <= 0 {
		maxLen = DefaultMaxDeviceIDLength
	}
	if len(t.DeviceID) > maxLen {
		return t, fmt.Errorf("%w: %d > %d", ErrDeviceIDTooLong, len(t.DeviceID), maxLen)
	}
	t.IMEI = strings.TrimSpace(firstString(doc, IMEIPaths))
	t.TenantID = strings.TrimSpace(firstString(doc, TenantIDPaths))

	lat, latPresent, latOK := firstNumber(doc, LatitudePaths, false)
	lon, lonPresent, lonOK := firstNumber(doc, LongitudePaths, false)
	if !latPresent || !lonPresent {
		return t, ErrMissingCoordinates
	}
	if !latOK || !lonOK {
		return t, fmt.Errorf("%w: latitude and longitude must be numbers", ErrInvalidCoordinates)
	}
	if !validCoordinate(lat, 90) || !validCoordinate(lon, 180) {
		return t, fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinates, lat, lon)
	}
	t.Latitude, t.Longitude = lat, lon

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	t.Timestamp = now().UTC()
	if raw, ok := first(doc, TimestampPaths); ok {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return t, err
		}
		t.Timestamp = ts
	}

	for _, f := range numericFields {
		if v, _, ok := firstNumber(doc, f.paths, true); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			f.set(&t, &v)
		}
	}

	for k, v := range doc {
		if _, ok := consumed[k]; ok {
			continue
		}
		if t.Extra == nil {
			t.Extra = map[string]any{}
		}
		t.Extra[k] = plain(v)
	}
	return t, nil
}

func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= -limit && v <= limit
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds (numeric or
// numeric string) and RFC3339.
func ParseTimestamp(raw any) (time.Time, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		raw = s
	}
	n, ok := toNumber(raw, false)
	if !ok || n <= 0 || math.IsInf(n, 0) {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, raw)
	}
	return EpochToTime(n), nil
}

// EpochToTime treats values above 1e12 as milliseconds, otherwise seconds.
func EpochToTime(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func first(doc Document, paths []string) (any, bool) {
	for _, p := range paths {
		if v, ok := doc.Lookup(p); ok {
			return v, true
		}
	}
	return nil, false
}

func firstString(doc Document, paths []string) string {
	for _, p := range paths {
		v, ok := doc.Lookup(p)
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) != "" {
				return s
			}
		case json.Number:
			return s.String()
		}
	}
	return ""
}

// firstNumber reads the first alias present in doc. ok is false when that
// alias holds something other than a number; later aliases are not consulted.
// Booleans count as 0/1 only when allowBool is set.
func firstNumber(doc Document, paths []string, allowBool bool) (v float64, present, ok bool) {
	raw, present := first(doc, paths)
	if !present {
		return 0, false, false
	}
	v, ok = toNumber(raw, allowBool)
	return v, true, ok
}

func toNumber(v any, allowBool bool) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case bool:
		if !allowBool {
			return 0, false
		}
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// plain converts json.Number leaves so Extra re-encodes as ordinary JSON.
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = plain(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = plain(vv)
		}
		return out
	default:
		return v
	}
}
