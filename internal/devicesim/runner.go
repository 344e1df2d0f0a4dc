package devicesim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/okian/trackgate/internal/domain/avl"
	"github.com/okian/trackgate/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Dialer opens device connections. net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Runner executes simulation runs.
type Runner struct {
	cfg    Config
	dialer Dialer
	log    logger.Logger
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(r *Runner) {
		if d != nil {
			r.dialer = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock sets the origin of generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner validates cfg and builds a Runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		log:    logger.GetOrNop().Named("devicesim"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run connects every device concurrently and waits for all of them. Device
// failures are counted in the summary; the returned error wraps
// ErrDevicesFailed when any device did not finish cleanly.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{Devices: r.cfg.Devices, StartTime: r.now()}
	seed := r.cfg.Seed
	if seed == 0 {
		seed = uint64(sum.StartTime.UnixNano())
	}

	r.log.Info(ctx, "starting device simulation",
		logger.String("addr", r.cfg.Addr),
		logger.Int("devices", r.cfg.Devices),
		logger.Int("frames", r.cfg.FramesPerDevice),
		logger.Int("records", r.cfg.RecordsPerFrame),
		logger.Bool("extended", r.cfg.Extended),
		logger.Bool("splitWrites", r.cfg.SplitWrites))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for i := range r.cfg.Devices {
		g.Go(func() error {
			res := r.runDevice(ctx, i, newWalker(seed, i, sum.StartTime))
			mu.Lock()
			defer mu.Unlock()
			sum.add(res)
			return nil
		})
	}
	_ = g.Wait()
	sum.Duration = time.Since(sum.StartTime)

	r.log.Info(ctx, "device simulation finished",
		logger.Int("connected", sum.Connected),
		logger.Int("framesSent", sum.FramesSent),
		logger.Int("recordsSent", sum.RecordsSent),
		logger.Int("recordsAcked", sum.RecordsAcked),
		logger.Int("ackMismatches", sum.AckMismatches),
		logger.Int("failed", sum.Failed),
		logger.Duration("duration", sum.Duration),
		logger.Float64("recordsPerSecond", sum.RecordsPerSecond()))

	if sum.Failed > 0 {
		return sum, fmt.Errorf("%w: %d of %d: %w", ErrDevicesFailed, sum.Failed, sum.Devices, sum.FirstFailure)
	}
	return sum, nil
}

// deviceResult is the outcome of one connection.
type deviceResult struct {
	connected bool
	frames    int
	sent      int
	acked     int
	mismatch  int
	err       error
}

func (s *Summary) add(d deviceResult) {
	if d.connected {
		s.Connected++
	}
	s.FramesSent += d.frames
	s.RecordsSent += d.sent
	s.RecordsAcked += d.acked
	s.AckMismatches += d.mismatch
	if d.err != nil {
		s.Failed++
		if s.FirstFailure == nil {
			s.FirstFailure = d.err
		}
	}
}

func (r *Runner) runDevice(ctx context.Context, i int, w *walker) (res deviceResult) {
	imei := r.cfg.IMEI(i)
	log := r.log.With(logger.String("imei", imei))
	defer func() {
		if res.err != nil {
			log.Warn(ctx, "device failed", logger.Error(res.err))
		}
	}()

	conn, err := r.dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		res.err = fmt.Errorf("dial: %w", err)
		return res
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := r.handshake(conn, imei); err != nil {
		res.err = err
		return res
	}
	res.connected = true
	log.Debug(ctx, "identity accepted")

	for f := range r.cfg.FramesPerDevice {
		if f > 0 && r.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				res.err = ctx.Err()
				return res
			case <-time.After(r.cfg.Interval):
			}
		}
		recs := w.batch(r.cfg.RecordsPerFrame)
		payload, err := avl.EncodePayload(r.cfg.codec(), recs)
		if err != nil {
			res.err = fmt.Errorf("encode frame %d: %w", f+1, err)
			return res
		}
		if err := r.send(conn, avl.EncodeFrame(payload)); err != nil {
			res.err = fmt.Errorf("send frame %d: %w", f+1, err)
			return res
		}
		res.frames++
		res.sent += len(recs)

		ack, err := r.readAck(conn)
		if err != nil {
			res.err = fmt.Errorf("ack frame %d: %w", f+1, err)
			return res
		}
		res.acked += int(ack)
		if int(ack) != len(recs) {
			res.mismatch++
			res.err = fmt.Errorf("%w: frame %d sent %d records, gateway acked %d", ErrAckMismatch, f+1, len(recs), ack)
			return res
		}
	}
	return res
}

func (r *Runner) handshake(conn net.Conn, imei string) error {
	if err := r.send(conn, avl.EncodeIdentity(imei)); err != nil {
		return fmt.Errorf("send identity: %w", err)
	}
	var reply [1]byte
	if err := r.read(conn, reply[:]); err != nil {
		return fmt.Errorf("read identity reply: %w", err)
	}
	if reply[0] != avl.IdentityAccepted {
		return fmt.Errorf("%w: reply 0x%02x", ErrRejected, reply[0])
	}
	return nil
}

// send writes b, in two halves when split writes are enabled.
func (r *Runner) send(conn net.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.Timeout)); err != nil {
		return err
	}
	parts := [][]byte{b}
	if r.cfg.SplitWrites && len(b) > 1 {
		parts = [][]byte{b[:len(b)/2], b[len(b)/2:]}
	}
	for _, p := range parts {
		if _, err := conn.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) readAck(conn net.Conn) (uint32, error) {
	var b [4]byte
	if err := r.read(conn, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *Runner) read(conn net.Conn, b []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(r.cfg.Timeout)); err != nil {
		return err
	}
	_, err := io.ReadFull(conn, b)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("gateway closed the connection: %w", err)
	}
	return err
}
