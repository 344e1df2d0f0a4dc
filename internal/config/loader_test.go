package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okian/trackgate/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()

		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnvVars(t)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.GatewayIdleTimeout(), convey.ShouldEqual, 5*time.Minute)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			clearConfigEnvVars(t)
			t.Setenv("TRACKGATE_ADDR", ":8080")
			t.Setenv("TRACKGATE_GATEWAY_VERIFY_CRC", "true")
			t.Setenv("TRACKGATE_FORWARD_TIMEOUT_MS", "750")
			t.Setenv("TRACKGATE_RETENTION_DAYS", "7")
			t.Setenv("TRACKGATE_IO_MAPPING", "113:battery, 72:temperature")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.GatewayVerifyCRC, convey.ShouldBeTrue)
				convey.So(cfg.ForwardTimeout(), convey.ShouldEqual, 750*time.Millisecond)
				convey.So(cfg.RetentionDays, convey.ShouldEqual, 7)
				m, err := cfg.Mapping()
				convey.So(err, convey.ShouldBeNil)
				convey.So(m, convey.ShouldResemble, map[uint16]string{113: "battery", 72: "temperature"})
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			clearConfigEnvVars(t)
			path := writeConfig(t, `
addr: ":9090"
gateway_addr: ":6000"
store_backend: postgres
database_url: postgres://localhost/trackgate
io_mapping:
  "66": external_voltage
`)
			t.Setenv("TRACKGATE_CONFIG", path)
			t.Setenv("TRACKGATE_ADDR", ":9191")

			cfg, err := config.Load(ctx)

			convey.Convey("Then file values apply and env wins over the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9191")
				convey.So(cfg.GatewayAddr, convey.ShouldEqual, ":6000")
				convey.So(cfg.StoreBackend, convey.ShouldEqual, config.BackendPostgres)
				convey.So(cfg.IOMapping["66"], convey.ShouldEqual, "external_voltage")
			})
		})

		convey.Convey("When the file does not exist", func() {
			clearConfigEnvVars(t)
			t.Setenv("TRACKGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

			_, err := config.Load(ctx)

			convey.Convey("Then a load error is returned", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When validation fails", func() {
			cases := map[string]string{
				"TRACKGATE_STORE_BACKEND":         "redis",
				"TRACKGATE_RETENTION_DAYS":        "0",
				"TRACKGATE_IO_MAPPING":            "abc:battery",
				"TRACKGATE_GATEWAY_ADDR":          "",
				"TRACKGATE_GATEWAY_REPLAY_WINDOW": "-1",
			}
			for key, value := range cases {
				clearConfigEnvVars(t)
				t.Setenv(key, value)
				_, err := config.Load(ctx)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			}
		})

		convey.Convey("When postgres is selected without a database url", func() {
			clearConfigEnvVars(t)
			t.Setenv("TRACKGATE_STORE_BACKEND", "postgres")

			_, err := config.Load(ctx)

			convey.Convey("Then it is rejected", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func clearConfigEnvVars(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, config.EnvPrefix) {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trackgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
