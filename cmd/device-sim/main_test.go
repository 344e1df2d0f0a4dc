package main

import (
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

func TestRunFlags(t *testing.T) {
	convey.Convey("Given the device-sim command line", t, func() {
		convey.Convey("When help is requested", func() {
			convey.So(run([]string{"--help"}), convey.ShouldEqual, 0)
		})
		convey.Convey("When a flag is unknown", func() {
			convey.So(run([]string{"--nope"}), convey.ShouldEqual, 2)
		})
		convey.Convey("When the config is invalid", func() {
			convey.So(run([]string{"--devices", "0"}), convey.ShouldEqual, 2)
		})
		convey.Convey("When the log level is invalid", func() {
			convey.So(run([]string{"--log-level", "loud"}), convey.ShouldEqual, 2)
		})
	})
}
