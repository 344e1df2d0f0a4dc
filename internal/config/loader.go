package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Environment variable naming.
const (
	EnvPrefix     = "TRACKGATE_"
	EnvConfigPath = "TRACKGATE_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New)
//  2. file (YAML) if TRACKGATE_CONFIG is set
//  3. env (prefix TRACKGATE_)
func Load(_ context.Context) (*Config, error) {
	cfg := New()

	k := koanf.New(".")

	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// TRACKGATE_GATEWAY_ADDR -> gateway_addr. Underscores are kept so keys match
	// the koanf tags; the map field is set from a file or as
	// TRACKGATE_IO_MAPPING=113:battery,72:temperature.
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.TrimPrefix(strings.ToLower(key), strings.ToLower(EnvPrefix))
		if key == "config" {
			return "", nil
		}
		if key == "io_mapping" {
			return key, parsePairs(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parsePairs(s string) map[string]any {
	out := map[string]any{}
	for _, pair := range strings.Split(s, ",") {
		id, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok {
			out[strings.TrimSpace(id)] = strings.TrimSpace(name)
		}
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.GatewayEnabled && !c.IngestEnabled {
		return fmt.Errorf("%w: at least one of gateway_enabled or ingest_enabled must be set", ErrInvalidConfig)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if c.GatewayEnabled {
		if c.GatewayAddr == "" {
			return fmt.Errorf("%w: gateway_addr must not be empty", ErrInvalidConfig)
		}
		if c.IngestURL == "" {
			return fmt.Errorf("%w: ingest_url must not be empty", ErrInvalidConfig)
		}
		if c.GatewayMaxFrameBytes <= 0 || c.ForwardTimeoutMS <= 0 || c.GatewayIdleTimeoutS <= 0 {
			return fmt.Errorf("%w: gateway limits must be positive", ErrInvalidConfig)
		}
		if c.GatewayReplayWindow < 0 {
			return fmt.Errorf("%w: gateway_replay_window must not be negative", ErrInvalidConfig)
		}
	}
	if c.IngestEnabled {
		switch c.StoreBackend {
		case BackendMemory:
		case BackendPostgres:
			if c.DatabaseURL == "" {
				return fmt.Errorf("%w: database_url is required for the postgres backend", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: unknown store_backend %q", ErrInvalidConfig, c.StoreBackend)
		}
		if c.RetentionDays <= 0 {
			return fmt.Errorf("%w: retention_days must be positive", ErrInvalidConfig)
		}
		if c.RetryAttempts <= 0 {
			return fmt.Errorf("%w: retry_attempts must be positive", ErrInvalidConfig)
		}
		if c.MaxBodyBytes <= 0 || c.MaxDeviceIDLength <= 0 {
			return fmt.Errorf("%w: request limits must be positive", ErrInvalidConfig)
		}
	}
	if _, err := c.Mapping(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
