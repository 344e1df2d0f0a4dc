package devicesim

import (
	"math/rand/v2"
	"time"

	"github.com/okian/trackgate/internal/domain/avl"
)

// IO ids emitted by the simulator. They line up with ionorm.DefaultMapping.
const (
	ioRSSI           uint16 = 21
	ioExternalVolt   uint16 = 66
	ioTemperature    uint16 = 72
	ioBattery        uint16 = 113
	ioMovement       uint16 = 240
	ioOdometerMeters uint16 = 199
)

// Random walk bounds.
const (
	startLat        = 54.6872
	startLon        = 25.2797
	stepDegrees     = 0.0005
	maxSpeedKmh     = 90
	batteryDrainMin = 0.05
	batteryDrainMax = 0.4
	tempDriftTenths = 3
	sampleInterval  = 30 * time.Second
)

// walker produces plausible consecutive records for one device.
type walker struct {
	rng      *rand.Rand
	lat, lon float64
	heading  uint16
	battery  float64 // percent
	tempX10  int64
	odometer int64
	clock    time.Time
}

func newWalker(seed uint64, device int, start time.Time) *walker {
	rng := rand.New(rand.NewPCG(seed, uint64(device)+1))
	return &walker{
		rng:     rng,
		lat:     startLat + (rng.Float64()-0.5)*0.1,
		lon:     startLon + (rng.Float64()-0.5)*0.1,
		heading: uint16(rng.IntN(360)),
		battery: 60 + rng.Float64()*40,
		tempX10: 150 + rng.Int64N(100),
		clock:   start.Truncate(time.Millisecond),
	}
}

// next advances the walk by one sample.
func (w *walker) next() avl.Record {
	moving := w.rng.IntN(4) != 0
	var speed uint16
	if moving {
		speed = uint16(w.rng.IntN(maxSpeedKmh) + 1)
		w.heading = uint16((int(w.heading) + w.rng.IntN(61) - 30 + 360) % 360)
		w.lat += (w.rng.Float64() - 0.5) * stepDegrees
		w.lon += (w.rng.Float64() - 0.5) * stepDegrees
		w.odometer += int64(speed) * int64(sampleInterval/time.Second) * 1000 / 3600
	}
	w.battery -= batteryDrainMin + w.rng.Float64()*(batteryDrainMax-batteryDrainMin)
	if w.battery < 5 {
		w.battery = 100
	}
	w.tempX10 += w.rng.Int64N(2*tempDriftTenths+1) - tempDriftTenths
	w.clock = w.clock.Add(sampleInterval)

	movement := int64(0)
	if moving {
		movement = 1
	}
	return avl.Record{
		Timestamp:  w.clock,
		Priority:   uint8(w.rng.IntN(2)),
		Latitude:   roundCoord(w.lat),
		Longitude:  roundCoord(w.lon),
		Altitude:   int16(90 + w.rng.IntN(40)),
		Heading:    w.heading,
		Satellites: uint8(6 + w.rng.IntN(8)),
		Speed:      speed,
		EventIOID:  ioMovement,
		IO: map[uint16]int64{
			ioMovement:       movement,
			ioRSSI:           int64(1 + w.rng.IntN(5)),
			ioBattery:        int64(w.battery),
			ioTemperature:    w.tempX10,
			ioExternalVolt:   int64(12000 + w.rng.IntN(2400)),
			ioOdometerMeters: w.odometer,
		},
	}
}

// batch returns n consecutive records.
func (w *walker) batch(n int) []avl.Record {
	out := make([]avl.Record, n)
	for i := range out {
		out[i] = w.next()
	}
	return out
}

// roundCoord keeps coordinates on the 1e-7 degree grid the codec carries.
func roundCoord(v float64) float64 {
	return float64(int64(v*1e7)) / 1e7
}
