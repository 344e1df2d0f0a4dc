package gateway_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/okian/trackgate/internal/adapters/gateway"
	"github.com/okian/trackgate/internal/domain/avl"
	"github.com/okian/trackgate/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

const imei = "356307042441013"

type fakeForwarder struct {
	mu      sync.Mutex
	records []avl.Record
	ids     []avl.Identity
	failAt  int // 1-based call that fails, 0 never
	calls   int
}

func (f *fakeForwarder) Forward(_ context.Context, id avl.Identity, rec avl.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return errors.New("ingest said 503")
	}
	f.ids = append(f.ids, id)
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func records(n int) []avl.Record {
	out := make([]avl.Record, n)
	for i := range out {
		out[i] = avl.Record{
			Timestamp:  time.UnixMilli(1_717_243_200_000 + int64(i)*1000).UTC(),
			Latitude:   54.68 + float64(i)/1000,
			Longitude:  25.27,
			Satellites: 8,
			Speed:      uint16(30 + i),
			IO:         map[uint16]int64{113: 95, 239: 1},
		}
	}
	return out
}

func frame(n int) []byte {
	payload, err := avl.EncodePayload(avl.CodecStandard, records(n))
	So(err, ShouldBeNil)
	return avl.EncodeFrame(payload)
}

func readAck(c net.Conn) uint32 {
	b := make([]byte, 4)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(c, b)
	So(err, ShouldBeNil)
	return binary.BigEndian.Uint32(b)
}

func readByte(c net.Conn) byte {
	b := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(c, b)
	So(err, ShouldBeNil)
	return b[0]
}

func startSession(fwd gateway.Forwarder, framer avl.Framer, idle time.Duration) (net.Conn, *gateway.Session, chan error) {
	client, server := net.Pipe()
	sess := gateway.NewSession(server, fwd, framer, idle, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	return client, sess, done
}

func wait(done chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("session did not finish")
	}
}

func TestSession(t *testing.T) {
	Convey("Given a session on an in-memory connection", t, func() {
		fwd := &fakeForwarder{}
		client, sess, done := startSession(fwd, avl.DefaultFramer(), time.Second)
		defer client.Close()

		So(sess.State(), ShouldEqual, gateway.AwaitingIdentity)

		Convey("When the identity arrives split across writes", func() {
			id := avl.EncodeIdentity(imei)
			_, _ = client.Write(id[:3])
			_, _ = client.Write(id[3:])

			Convey("Then it is accepted with 0x01", func() {
				So(readByte(client), ShouldEqual, avl.IdentityAccepted)
			})

			Convey("And a frame split mid-payload is reassembled, forwarded in order and acked", func() {
				So(readByte(client), ShouldEqual, avl.IdentityAccepted)
				f := frame(3)
				_, _ = client.Write(f[:5])
				_, _ = client.Write(f[5:20])
				_, _ = client.Write(f[20:])

				So(readAck(client), ShouldEqual, uint32(3))
				So(fwd.count(), ShouldEqual, 3)
				So(fwd.ids[0].ExternalID, ShouldEqual, imei)
				So(fwd.records[0].Speed, ShouldEqual, uint16(30))
				So(fwd.records[2].Speed, ShouldEqual, uint16(32))
				So(sess.State(), ShouldEqual, gateway.Streaming)
			})

			Convey("And two frames in one write produce two acks", func() {
				So(readByte(client), ShouldEqual, avl.IdentityAccepted)
				go func() { _, _ = client.Write(append(frame(1), frame(2)...)) }()

				So(readAck(client), ShouldEqual, uint32(1))
				So(readAck(client), ShouldEqual, uint32(2))
				So(fwd.count(), ShouldEqual, 3)
			})

			Convey("And a peer close ends the session cleanly", func() {
				So(readByte(client), ShouldEqual, avl.IdentityAccepted)
				_ = client.Close()
				So(wait(done), ShouldBeNil)
				So(sess.State(), ShouldEqual, gateway.Closed)
			})
		})

		Convey("When the identity is invalid", func() {
			_, _ = client.Write([]byte{0x00, 0x00})

			Convey("Then it is refused with 0x00 and the session ends", func() {
				So(readByte(client), ShouldEqual, avl.IdentityRejected)
				err := wait(done)
				So(errors.Is(err, gateway.ErrIdentityRejected), ShouldBeTrue)
				So(errors.Is(err, avl.ErrInvalidIdentity), ShouldBeTrue)
			})
		})

		Convey("When a frame carries a non-zero preamble", func() {
			_, _ = client.Write(avl.EncodeIdentity(imei))
			So(readByte(client), ShouldEqual, avl.IdentityAccepted)
			_, _ = client.Write([]byte{0, 0, 0, 1, 0, 0, 0, 10})

			Convey("Then the connection is terminated", func() {
				So(errors.Is(wait(done), avl.ErrBadPreamble), ShouldBeTrue)
			})
		})

		Convey("When forwarding the second record fails", func() {
			fwd.failAt = 2
			_, _ = client.Write(avl.EncodeIdentity(imei))
			So(readByte(client), ShouldEqual, avl.IdentityAccepted)
			go func() { _, _ = client.Write(frame(3)) }()

			Convey("Then no ack is sent and the connection closes", func() {
				err := wait(done)
				So(errors.Is(err, gateway.ErrForward), ShouldBeTrue)
				_ = client.SetReadDeadline(time.Now().Add(time.Second))
				_, rerr := client.Read(make([]byte, 4))
				So(errors.Is(rerr, io.EOF), ShouldBeTrue)
				So(fwd.count(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a session with a short idle timeout", t, func() {
		client, _, done := startSession(&fakeForwarder{}, avl.DefaultFramer(), 30*time.Millisecond)
		defer client.Close()

		Convey("When the device stays silent", func() {
			Convey("Then the session closes itself", func() {
				So(errors.Is(wait(done), gateway.ErrIdleTimeout), ShouldBeTrue)
			})
		})
	})

	Convey("Given a session verifying checksums", t, func() {
		client, _, done := startSession(&fakeForwarder{}, avl.Framer{MaxPayload: 1024, VerifyCRC: true}, time.Second)
		defer client.Close()
		_, _ = client.Write(avl.EncodeIdentity(imei))
		So(readByte(client), ShouldEqual, avl.IdentityAccepted)

		Convey("When a trailer is corrupted", func() {
			f := frame(1)
			f[len(f)-1] ^= 0xFF
			go func() { _, _ = client.Write(f) }()

			Convey("Then the connection is terminated", func() {
				So(errors.Is(wait(done), avl.ErrChecksum), ShouldBeTrue)
			})
		})

		Convey("When a frame declares more than the limit", func() {
			hdr := make([]byte, 8)
			binary.BigEndian.PutUint32(hdr[4:], 4096)
			_, _ = client.Write(hdr)

			Convey("Then the connection is terminated", func() {
				So(errors.Is(wait(done), avl.ErrFrameTooLarge), ShouldBeTrue)
			})
		})

		Convey("When a frame declares an empty body", func() {
			hdr := make([]byte, 8)
			_, _ = client.Write(hdr)

			Convey("Then the connection is terminated as a short frame", func() {
				So(errors.Is(wait(done), avl.ErrFrameTooShort), ShouldBeTrue)
			})
		})
	})
}

func TestServer(t *testing.T) {
	Convey("Given a gateway listening on loopback", t, func() {
		fwd := &fakeForwarder{}
		srv := gateway.New("127.0.0.1:0", fwd, gateway.WithLogger(logger.Nop()), gateway.WithIdleTimeout(5*time.Second))
		So(srv.Listen(), ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		served := make(chan error, 1)
		go func() { served <- srv.Serve(ctx) }()

		Convey("When a device connects and reports", func() {
			conn, err := net.Dial("tcp", srv.Addr().String())
			So(err, ShouldBeNil)
			defer conn.Close()

			_, _ = conn.Write(avl.EncodeIdentity(imei))
			So(readByte(conn), ShouldEqual, avl.IdentityAccepted)
			_, _ = conn.Write(frame(2))

			Convey("Then the records are forwarded and acked", func() {
				So(readAck(conn), ShouldEqual, uint32(2))
				So(fwd.count(), ShouldEqual, 2)
				So(srv.Sessions(), ShouldEqual, 1)
			})

			Convey("Then shutdown closes the live session and stops serving", func() {
				So(readAck(conn), ShouldEqual, uint32(2))
				sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer scancel()
				So(srv.Shutdown(sctx), ShouldBeNil)
				So(srv.Sessions(), ShouldEqual, 0)
				So(wait(served), ShouldBeNil)

				_ = conn.SetReadDeadline(time.Now().Add(time.Second))
				_, rerr := conn.Read(make([]byte, 1))
				So(rerr, ShouldNotBeNil)
			})
		})

		Convey("When the context is cancelled", func() {
			cancel()

			Convey("Then Serve returns nil", func() {
				So(wait(served), ShouldBeNil)
				So(errors.Is(srv.Listen(), gateway.ErrServerClosed), ShouldBeTrue)
			})
		})
	})
}

// stallingForwarder holds its first call until release is closed, then fails
// it. Later calls succeed.
type stallingForwarder struct {
	mu        sync.Mutex
	calls     int
	delivered []avl.Record
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (f *stallingForwarder) unblock() { f.once.Do(func() { close(f.release) }) }

func (f *stallingForwarder) Forward(_ context.Context, _ avl.Identity, rec avl.Record) error {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		close(f.entered)
		<-f.release
		return errors.New("uplink timed out")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, rec)
	return nil
}

func (f *stallingForwarder) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func TestServer_ReplayWindow(t *testing.T) {
	Convey("Given a gateway with replay suppression", t, func() {
		fwd := &fakeForwarder{}
		srv := gateway.New("127.0.0.1:0", fwd,
			gateway.WithLogger(logger.Nop()),
			gateway.WithIdleTimeout(5*time.Second),
			gateway.WithReplayWindow(128),
		)
		So(srv.Listen(), ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = srv.Serve(ctx) }()

		conn, err := net.Dial("tcp", srv.Addr().String())
		So(err, ShouldBeNil)
		defer conn.Close()
		_, _ = conn.Write(avl.EncodeIdentity(imei))
		So(readByte(conn), ShouldEqual, avl.IdentityAccepted)

		Convey("When a frame is retransmitted on the same connection", func() {
			_, _ = conn.Write(frame(3))
			So(readAck(conn), ShouldEqual, uint32(3))
			_, _ = conn.Write(frame(3))

			Convey("Then it is acked again without forwarding its records twice", func() {
				So(readAck(conn), ShouldEqual, uint32(3))
				So(fwd.count(), ShouldEqual, 3)
			})
		})

		Convey("When the same frame arrives on a new connection", func() {
			_, _ = conn.Write(frame(2))
			So(readAck(conn), ShouldEqual, uint32(2))

			other, err := net.Dial("tcp", srv.Addr().String())
			So(err, ShouldBeNil)
			defer other.Close()
			_, _ = other.Write(avl.EncodeIdentity(imei))
			So(readByte(other), ShouldEqual, avl.IdentityAccepted)
			_, _ = other.Write(frame(2))

			Convey("Then its records are forwarded again", func() {
				So(readAck(other), ShouldEqual, uint32(2))
				So(fwd.count(), ShouldEqual, 4)
			})
		})
	})

	Convey("Given a gateway whose first forward stalls and then fails", t, func() {
		fwd := &stallingForwarder{entered: make(chan struct{}), release: make(chan struct{})}
		defer fwd.unblock()
		srv := gateway.New("127.0.0.1:0", fwd,
			gateway.WithLogger(logger.Nop()),
			gateway.WithIdleTimeout(5*time.Second),
			gateway.WithReplayWindow(128),
		)
		So(srv.Listen(), ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = srv.Serve(ctx) }()

		dial := func() net.Conn {
			c, err := net.Dial("tcp", srv.Addr().String())
			So(err, ShouldBeNil)
			_, _ = c.Write(avl.EncodeIdentity(imei))
			So(readByte(c), ShouldEqual, avl.IdentityAccepted)
			return c
		}

		Convey("When the device gives up and resends the frame on a second connection", func() {
			first := dial()
			defer first.Close()
			_, _ = first.Write(frame(1))
			select {
			case <-fwd.entered:
			case <-time.After(2 * time.Second):
				So("first forward never started", ShouldBeEmpty)
			}

			second := dial()
			defer second.Close()
			_, _ = second.Write(frame(1))
			ack := readAck(second)
			fwd.unblock()

			Convey("Then the second connection forwards the record before acking it", func() {
				So(ack, ShouldEqual, uint32(1))
				So(fwd.deliveredCount(), ShouldEqual, 1)

				_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
				_, rerr := first.Read(make([]byte, 4))
				So(rerr, ShouldNotBeNil)
			})
		})
	})
}
