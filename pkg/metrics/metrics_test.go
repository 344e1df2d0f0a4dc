package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with custom options on a fresh registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10}),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)
			manager.gatewayAcks.Inc()

			Convey("Then metric names carry the namespace and constant labels", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_gateway_acks_sent_total" {
						found = true
						So(f.GetMetric()[0].GetLabel()[0].GetName(), ShouldEqual, "env")
					}
				}
				So(found, ShouldBeTrue)
			})
		})

		Convey("When registering twice on the same registry", func() {
			registry := prometheus.NewRegistry()
			NewManager(WithPrometheusRegistry(registry))

			Convey("Then promauto panics on the duplicate", func() {
				So(func() { NewManager(WithPrometheusRegistry(registry)) }, ShouldPanic)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("Gateway helpers update their series", func() {
			before := testutil.ToFloat64(globalManager.gatewayRecords)
			RecordGatewayFrame(3)
			So(testutil.ToFloat64(globalManager.gatewayRecords)-before, ShouldEqual, 3)

			IncGatewayActiveSessions()
			IncGatewayActiveSessions()
			DecGatewayActiveSessions()
			So(testutil.ToFloat64(globalManager.gatewayActiveSessions), ShouldBeGreaterThanOrEqualTo, 1)

			fb := testutil.ToFloat64(globalManager.gatewayCodecFallbacks)
			RecordGatewayCodecFallback()
			So(testutil.ToFloat64(globalManager.gatewayCodecFallbacks), ShouldEqual, fb+1)
		})

		Convey("Labelled helpers do not panic", func() {
			So(func() {
				RecordGatewaySession("accepted")
				RecordGatewayBytes(128)
				RecordGatewayDecodeError("malformed")
				RecordGatewayAck()
				RecordGatewayReplaySkipped(2)
				RecordForwardLatency(12)
				RecordForwardError("status")
				RecordIngestRequest("accepted")
				RecordStoreRetry("zadd")
				RecordHistoryPruned(2)
				RecordPruneError()
				RecordStoreLatency("get", 0.2)
				UpdateStoreKeys("scalar", 4)
				RecordHTTPRequest("/ingest", "POST", "200")
				RecordHTTPRequestDuration("/ingest", "POST", "200", 1.5)
				RecordErrorByComponent("gateway", "read")
				UpdateSystemMemoryUsage(1 << 20)
				UpdateSystemGoroutineCount(10)
				RecordSystemGCPauseTime(0.3)
			}, ShouldNotPanic)
		})

		Convey("The custom registry exposes trackgate series", func() {
			RecordIngestRequest("accepted")
			families, err := GetRegistry().Gather()
			So(err, ShouldBeNil)
			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			So(strings.Join(names, ","), ShouldContainSubstring, "trackgate_ingest_requests_total")
		})
	})
}
