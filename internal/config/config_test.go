package config_test

import (
	"testing"
	"time"

	"github.com/okian/trackgate/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.GatewayAddr, convey.ShouldEqual, ":5027")
			convey.So(cfg.StoreBackend, convey.ShouldEqual, config.BackendMemory)
			convey.So(cfg.Retention(), convey.ShouldEqual, 90*24*time.Hour)
			convey.So(cfg.RetryAttempts, convey.ShouldEqual, 3)
			convey.So(cfg.RetryBaseDelay(), convey.ShouldEqual, 100*time.Millisecond)
			convey.So(cfg.MaxDeviceIDLength, convey.ShouldEqual, 128)
			convey.So(cfg.GatewayVerifyCRC, convey.ShouldBeFalse)
			convey.So(cfg.GatewayReplayWindow, convey.ShouldEqual, 65536)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then the built-in io table is selected", func() {
			m, err := cfg.Mapping()
			convey.So(err, convey.ShouldBeNil)
			convey.So(m, convey.ShouldBeNil)
		})
	})
}
