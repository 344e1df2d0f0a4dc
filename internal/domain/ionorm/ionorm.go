// Package ionorm turns raw AVL IO elements into named, unit-scaled values.
package ionorm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind selects the scaling rule for a semantic IO name.
type Kind int

const (
	KindPassthrough Kind = iota
	KindBattery
	KindClimate
	KindVoltage
)

func (k Kind) String() string {
	switch k {
	case KindBattery:
		return "battery"
	case KindClimate:
		return "climate"
	case KindVoltage:
		return "voltage"
	default:
		return "passthrough"
	}
}

// Rule scales a raw value. ok is false when the raw value means "no reading".
type Rule func(raw int64) (v float64, ok bool)

// Policy maps each kind to its rule.
type Policy map[Kind]Rule

// climateSentinels are magnitudes reported by probes that are not attached.
var climateSentinels = map[int64]struct{}{
	32767: {},
	4000:  {},
	3000:  {},
	2000:  {},
}

// DefaultPolicy returns the standard rule table.
func DefaultPolicy() Policy {
	return Policy{
		KindPassthrough: Passthrough,
		KindBattery:     Battery,
		KindClimate:     Climate,
		KindVoltage:     Voltage,
	}
}

func Passthrough(raw int64) (float64, bool) { return float64(raw), true }

// Battery reports a percentage with one decimal, whatever scale the device uses.
func Battery(raw int64) (float64, bool) {
	v := math.Abs(float64(raw))
	switch {
	case v > 1000:
		v /= 100
	case v > 100:
		v /= 100
	}
	if v > 100 {
		v = 100
	}
	return math.Round(v*10) / 10, true
}

// Climate handles temperature and humidity probes.
func Climate(raw int64) (float64, bool) {
	mag := raw
	if mag < 0 {
		mag = -mag
	}
	if _, ok := climateSentinels[mag]; ok {
		return 0, false
	}
	if mag > 1000 {
		return float64(raw) / 1000, true
	}
	return float64(raw) / 10, true
}

// Voltage converts millivolts to volts.
func Voltage(raw int64) (float64, bool) { return float64(raw) / 1000, true }

// KindOf classifies a semantic name.
func KindOf(name string) Kind {
	n := strings.ToLower(name)
	switch {
	case n == "battery":
		return KindBattery
	case n == "temperature" || n == "humidity":
		return KindClimate
	case strings.Contains(n, "voltage") || strings.HasSuffix(n, "_mv"):
		return KindVoltage
	default:
		return KindPassthrough
	}
}

// DefaultMapping is the id table used when the deployment configures none.
func DefaultMapping() map[uint16]string {
	return map[uint16]string{
		21:  "rssi",
		66:  "external_voltage",
		67:  "battery_voltage",
		72:  "temperature",
		86:  "humidity",
		113: "battery",
		239: "ignition",
		240: "movement",
		247: "collision",
		252: "tilt",
	}
}

// ParseMapping converts configuration keys (decimal ids) to a mapping.
func ParseMapping(raw map[string]string) (map[uint16]string, error) {
	out := make(map[uint16]string, len(raw))
	for k, name := range raw {
		id, err := strconv.ParseUint(strings.TrimSpace(k), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMapping, k)
		}
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty name for id %d", ErrInvalidMapping, id)
		}
		out[uint16(id)] = strings.TrimSpace(name)
	}
	return out, nil
}

// Result is the normalized view of one record's IO.
type Result struct {
	// Named holds mapped ids. A nil value means the sensor reported no reading.
	Named map[string]*float64
	// Unmapped holds raw values keyed "io<id>".
	Unmapped map[string]int64
}

// Value returns a named reading if present and non-null.
func (r Result) Value(name string) (float64, bool) {
	v, ok := r.Named[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Normalizer is safe for concurrent use; it is never mutated after New.
type Normalizer struct {
	names  map[uint16]string
	kinds  map[uint16]Kind
	policy Policy
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithPolicy overrides individual rules.
func WithPolicy(p Policy) Option {
	return func(n *Normalizer) {
		for k, r := range p {
			n.policy[k] = r
		}
	}
}

// New builds a normalizer for mapping. A nil mapping selects DefaultMapping.
func New(mapping map[uint16]string, opts ...Option) *Normalizer {
	if mapping == nil {
		mapping = DefaultMapping()
	}
	n := &Normalizer{
		names:  make(map[uint16]string, len(mapping)),
		kinds:  make(map[uint16]Kind, len(mapping)),
		policy: DefaultPolicy(),
	}
	for id, name := range mapping {
		n.names[id] = name
		n.kinds[id] = KindOf(name)
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Names lists the mapped names in id order.
func (n *Normalizer) Names() []string {
	ids := make([]int, 0, len(n.names))
	for id := range n.names {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = n.names[uint16(id)]
	}
	return out
}

// Normalize applies the mapping and policy to io.
func (n *Normalizer) Normalize(io map[uint16]int64) Result {
	res := Result{
		Named:    make(map[string]*float64),
		Unmapped: make(map[string]int64),
	}
	for id, raw := range io {
		name, ok := n.names[id]
		if !ok {
			res.Unmapped["io"+strconv.Itoa(int(id))] = raw
			continue
		}
		rule := n.policy[n.kinds[id]]
		if rule == nil {
			rule = Passthrough
		}
		if v, ok := rule(raw); ok {
			res.Named[name] = &v
		} else {
			res.Named[name] = nil
		}
	}
	return res
}
