package uplink_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/okian/trackgate/internal/adapters/uplink"
	"github.com/okian/trackgate/internal/domain/avl"
	"github.com/okian/trackgate/internal/domain/telemetry"
	. "github.com/smartystreets/goconvey/convey"
)

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":false,"code":"not_provisioned"}`))
	}
}

func record() avl.Record {
	return avl.Record{
		Timestamp:  time.UnixMilli(1_717_243_200_000).UTC(),
		Priority:   1,
		Latitude:   54.6872,
		Longitude:  25.2797,
		Altitude:   112,
		Heading:    270,
		Satellites: 9,
		Speed:      42,
		EventIOID:  240,
		IO: map[uint16]int64{
			113: 723,   // battery
			72:  215,   // temperature
			86:  32767, // humidity sentinel
			240: 1,     // movement
			999: -5,
		},
	}
}

var identity = avl.Identity{ExternalID: "356307042441013"}

func TestForwarder_Forward(t *testing.T) {
	Convey("Given a forwarder pointed at an ingest endpoint", t, func() {
		capt := &captured{}

		Convey("When the endpoint accepts the record", func() {
			srv := httptest.NewServer(capt.handler(http.StatusOK))
			defer srv.Close()
			f, err := uplink.New(srv.URL+"/ingest", uplink.WithToken("s3cret"))
			So(err, ShouldBeNil)

			err = f.Forward(context.Background(), identity, record())

			Convey("Then one authenticated JSON request is sent", func() {
				So(err, ShouldBeNil)
				So(capt.bodies, ShouldHaveLength, 1)
				h := capt.headers[0]
				So(h.Get("Authorization"), ShouldEqual, "Bearer s3cret")
				So(h.Get("Content-Type"), ShouldEqual, "application/json")
				_, perr := uuid.Parse(h.Get("X-Request-ID"))
				So(perr, ShouldBeNil)
			})

			Convey("Then the body extracts into normalized telemetry", func() {
				doc, err := telemetry.Parse("application/json", capt.bodies[0])
				So(err, ShouldBeNil)
				tel, err := telemetry.NewExtractor().Extract(doc)
				So(err, ShouldBeNil)
				So(tel.DeviceID, ShouldEqual, identity.ExternalID)
				So(tel.IMEI, ShouldEqual, identity.ExternalID)
				So(tel.Latitude, ShouldEqual, 54.6872)
				So(tel.Timestamp.UnixMilli(), ShouldEqual, int64(1_717_243_200_000))
				So(*tel.Battery, ShouldEqual, 7.2)
				So(*tel.Temperature, ShouldEqual, 21.5)
				So(tel.Humidity, ShouldBeNil)
				So(*tel.Speed, ShouldEqual, 42.0)
				So(tel.Extra["movement"], ShouldEqual, int64(1))
				So(tel.Extra["io"], ShouldResemble, map[string]any{"io999": int64(-5)})
			})
		})

		Convey("When the endpoint rejects the record", func() {
			srv := httptest.NewServer(capt.handler(http.StatusConflict))
			defer srv.Close()
			f, err := uplink.New(srv.URL)
			So(err, ShouldBeNil)

			err = f.Forward(context.Background(), identity, record())

			Convey("Then a status error carries the code", func() {
				var se *uplink.StatusError
				So(errors.As(err, &se), ShouldBeTrue)
				So(se.Code, ShouldEqual, http.StatusConflict)
				So(errors.Is(err, uplink.ErrRejected), ShouldBeTrue)
				So(capt.headers[0].Get("Authorization"), ShouldBeEmpty)
			})
		})

		Convey("When the endpoint is slower than the timeout", func() {
			release := make(chan struct{})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}))
			defer srv.Close()
			defer close(release)
			f, err := uplink.New(srv.URL, uplink.WithTimeout(20*time.Millisecond))
			So(err, ShouldBeNil)

			err = f.Forward(context.Background(), identity, record())

			Convey("Then the call fails as a transport error", func() {
				So(errors.Is(err, uplink.ErrTransport), ShouldBeTrue)
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
		})
	})
}

func TestForwarder_New(t *testing.T) {
	Convey("Given malformed ingest URLs", t, func() {
		for _, u := range []string{"", "ingest", "://nope"} {
			_, err := uplink.New(u)
			So(errors.Is(err, uplink.ErrInvalidURL), ShouldBeTrue)
		}
	})
}
