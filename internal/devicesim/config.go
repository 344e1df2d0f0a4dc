// Package devicesim drives a gateway with simulated trackers. Each device
// opens its own TCP connection, announces an IMEI, streams AVL frames and
// checks every accept byte and ack the gateway returns.
package devicesim

import (
	"fmt"
	"time"

	"github.com/okian/trackgate/internal/domain/avl"
)

// Defaults used by cmd/device-sim.
const (
	DefaultAddr            = "127.0.0.1:5027"
	DefaultDevices         = 10
	DefaultFramesPerDevice = 20
	DefaultRecordsPerFrame = 4
	DefaultTimeout         = 10 * time.Second
	DefaultBaseIMEI        = 356307042440000
)

// Config holds configuration for a simulation run.
type Config struct {
	Addr            string        // gateway TCP address
	Devices         int           // concurrent connections
	FramesPerDevice int           // frames sent on each connection
	RecordsPerFrame int           // AVL records per frame
	Interval        time.Duration // pause between frames
	Timeout         time.Duration // dial and per-read/write deadline
	Extended        bool          // use the 2-byte IO id codec
	SplitWrites     bool          // deliver every frame in two writes
	BaseIMEI        int64         // first device IMEI; device i gets BaseIMEI+i
	Seed            uint64        // random walk seed, 0 for time based
}

// DefaultConfig returns a config for a short local run.
func DefaultConfig() Config {
	return Config{
		Addr:            DefaultAddr,
		Devices:         DefaultDevices,
		FramesPerDevice: DefaultFramesPerDevice,
		RecordsPerFrame: DefaultRecordsPerFrame,
		Timeout:         DefaultTimeout,
		Extended:        true,
		BaseIMEI:        DefaultBaseIMEI,
	}
}

// Validate reports the first field that cannot drive a run.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr is empty", ErrInvalidConfig)
	case c.Devices < 1:
		return fmt.Errorf("%w: devices must be positive", ErrInvalidConfig)
	case c.FramesPerDevice < 1:
		return fmt.Errorf("%w: frames must be positive", ErrInvalidConfig)
	case c.RecordsPerFrame < 1 || c.RecordsPerFrame > 255:
		return fmt.Errorf("%w: records per frame must be 1..255", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.BaseIMEI < 0:
		return fmt.Errorf("%w: base imei must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) codec() byte {
	if c.Extended {
		return avl.CodecExtended
	}
	return avl.CodecStandard
}

// IMEI returns the identity announced by device i.
func (c Config) IMEI(i int) string {
	return fmt.Sprintf("%015d", c.BaseIMEI+int64(i))
}

// Summary holds the outcome of a run.
type Summary struct {
	Devices       int
	Connected     int
	FramesSent    int
	RecordsSent   int
	RecordsAcked  int
	AckMismatches int
	Failed        int
	StartTime     time.Time
	Duration      time.Duration
	FirstFailure  error
}

// RecordsPerSecond is the acked record throughput.
func (s Summary) RecordsPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.RecordsAcked) / s.Duration.Seconds()
}
