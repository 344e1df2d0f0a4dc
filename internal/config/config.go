// Package config defines process configuration and its loading.
package config

import (
	"time"

	"github.com/okian/trackgate/internal/domain/ionorm"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects "text" or "json" output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	GatewayEnabled bool `koanf:"gateway_enabled"`
	IngestEnabled  bool `koanf:"ingest_enabled"`

	// GatewayAddr is the TCP listen address for devices.
	GatewayAddr          string `koanf:"gateway_addr"`
	GatewayIdleTimeoutS  int    `koanf:"gateway_idle_timeout_s"`
	GatewayMaxFrameBytes int    `koanf:"gateway_max_frame_bytes"`
	GatewayVerifyCRC     bool   `koanf:"gateway_verify_crc"`
	// GatewayReplayWindow is how many forwarded records each session
	// remembers to suppress retransmissions. Zero disables it.
	GatewayReplayWindow int `koanf:"gateway_replay_window"`

	// IngestURL is where the gateway posts decoded records.
	IngestURL string `koanf:"ingest_url"`
	// IngestToken is the shared secret for /ingest and the read API. Empty
	// disables the authenticated endpoints.
	IngestToken      string `koanf:"ingest_token"`
	ForwardTimeoutMS int    `koanf:"forward_timeout_ms"`

	MaxBodyBytes      int64 `koanf:"max_body_bytes"`
	MaxDeviceIDLength int   `koanf:"max_device_id_length"`

	RetentionDays    int `koanf:"retention_days"`
	RetryAttempts    int `koanf:"retry_attempts"`
	RetryBaseDelayMS int `koanf:"retry_base_delay_ms"`

	StoreBackend string `koanf:"store_backend"`
	DatabaseURL  string `koanf:"database_url"`

	// IOMapping maps decimal IO ids to semantic names. Empty selects the
	// built-in table.
	IOMapping map[string]string `koanf:"io_mapping"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		GatewayEnabled:       true,
		IngestEnabled:        true,
		GatewayAddr:          ":5027",
		GatewayIdleTimeoutS:  300,
		GatewayMaxFrameBytes: 64 * 1024,
		GatewayReplayWindow:  65536,
		IngestURL:            "http://127.0.0.1:9080/ingest",
		ForwardTimeoutMS:     5000,
		MaxBodyBytes:         1 << 20,
		MaxDeviceIDLength:    128,
		RetentionDays:        90,
		RetryAttempts:        3,
		RetryBaseDelayMS:     100,
		StoreBackend:         BackendMemory,
	}
}

func (c *Config) GatewayIdleTimeout() time.Duration {
	return time.Duration(c.GatewayIdleTimeoutS) * time.Second
}

func (c *Config) ForwardTimeout() time.Duration {
	return time.Duration(c.ForwardTimeoutMS) * time.Millisecond
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// Mapping returns the parsed IO mapping, or nil for the built-in table.
func (c *Config) Mapping() (map[uint16]string, error) {
	if len(c.IOMapping) == 0 {
		return nil, nil
	}
	return ionorm.ParseMapping(c.IOMapping)
}
