// Package gateway terminates tracker TCP connections: identity handshake,
// frame reassembly, record forwarding and acknowledgement.
package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/okian/trackgate/internal/domain/avl"
	"github.com/okian/trackgate/internal/domain/dedupe"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/okian/trackgate/pkg/metrics"
)

const readChunk = 4096

// State of a device session.
type State int

const (
	AwaitingIdentity State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingIdentity:
		return "awaiting_identity"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Forwarder delivers one record upstream. It must not return before the
// record is accepted or has definitively failed.
type Forwarder interface {
	Forward(ctx context.Context, id avl.Identity, rec avl.Record) error
}

// Session owns one connection and its reassembly buffer. Nothing in it is
// shared with other sessions.
type Session struct {
	ID string

	conn     net.Conn
	fwd      Forwarder
	framer   avl.Framer
	idle     time.Duration
	logger   logger.Logger
	state    State
	identity avl.Identity
	buf      []byte
	// seen holds records this session already forwarded. Keys are recorded
	// only after Forward succeeds.
	seen dedupe.Deduper

	frames  int
	records int
}

// NewSession prepares a session on conn. Run drives it.
func NewSession(conn net.Conn, fwd Forwarder, framer avl.Framer, idle time.Duration, l logger.Logger) *Session {
	if l == nil {
		l = logger.GetOrNop()
	}
	id := uuid.NewString()
	return &Session{
		ID:     id,
		conn:   conn,
		fwd:    fwd,
		framer: framer,
		idle:   idle,
		state:  AwaitingIdentity,
		logger: l.With(
			logger.String("remote", conn.RemoteAddr().String()),
			logger.String("session", id),
		),
	}
}

// State reports the current state.
func (s *Session) State() State { return s.state }

// Identity returns the device identity once the handshake completed.
func (s *Session) Identity() avl.Identity { return s.identity }

// Run reads until the peer disconnects, the stream turns malformed, a forward
// fails, the session idles out or the connection is closed underneath it. A
// clean peer close returns nil. The connection is always closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	chunk := make([]byte, readChunk)
	for {
		if s.idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		n, rerr := s.conn.Read(chunk)
		if n > 0 {
			metrics.RecordGatewayBytes(n)
			s.buf = append(s.buf, chunk[:n]...)
			if err := s.drain(ctx); err != nil {
				return err
			}
		}
		if rerr != nil {
			return s.readError(ctx, rerr)
		}
	}
}

func (s *Session) readError(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		if len(s.buf) > 0 {
			s.logger.Debug(ctx, "peer closed with partial frame buffered", logger.Int("bytes", len(s.buf)))
		}
		return nil
	case errors.As(err, &ne) && ne.Timeout():
		s.logger.Info(ctx, "session idle, closing", logger.Duration("idle", s.idle))
		return ErrIdleTimeout
	case errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		return nil
	default:
		return fmt.Errorf("read: %w", err)
	}
}

// drain advances the state machine over everything buffered.
func (s *Session) drain(ctx context.Context) error {
	if s.state == AwaitingIdentity {
		done, err := s.handshake(ctx)
		if err != nil || !done {
			return err
		}
	}
	for s.state == Streaming {
		frame, rest, ok, err := s.framer.TryDecodeOneFrame(s.buf)
		if err != nil {
			metrics.RecordGatewayDecodeError(decodeKind(err))
			s.logger.Warn(ctx, "malformed stream", logger.Error(err))
			return err
		}
		if !ok {
			return nil
		}
		s.consume(rest)
		if err := s.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handshake(ctx context.Context) (bool, error) {
	id, rest, ok, err := avl.TryDecodeIdentity(s.buf)
	if err != nil {
		metrics.RecordGatewaySession("rejected")
		s.logger.Warn(ctx, "identity rejected", logger.Error(err))
		_ = s.write([]byte{avl.IdentityRejected})
		return false, fmt.Errorf("%w: %w", ErrIdentityRejected, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.write([]byte{avl.IdentityAccepted}); err != nil {
		return false, fmt.Errorf("write identity ack: %w", err)
	}
	s.identity = id
	s.state = Streaming
	s.logger = s.logger.With(logger.String("imei", id.ExternalID))
	s.consume(rest)
	metrics.RecordGatewaySession("accepted")
	s.logger.Info(ctx, "device identified")
	return true, nil
}

// handleFrame forwards every record of frame in order, then acknowledges the
// count. Nothing is acknowledged when any record fails.
func (s *Session) handleFrame(ctx context.Context, frame avl.Frame) error {
	pkt, err := avl.DecodePayload(frame.Payload)
	if err != nil {
		metrics.RecordGatewayDecodeError(decodeKind(err))
		s.logger.Warn(ctx, "undecodable payload", logger.Int("bytes", len(frame.Payload)), logger.Error(err))
		return err
	}
	if pkt.FellBack {
		metrics.RecordGatewayCodecFallback()
		s.logger.Debug(ctx, "extended codec decoded as standard width")
	}
	if pkt.TrailerMismatch() {
		s.logger.Warn(ctx, "record count trailer mismatch",
			logger.Int("declared", pkt.Declared), logger.Int("trailer", pkt.TrailerCount))
	}
	metrics.RecordGatewayFrame(len(pkt.Records))

	skipped := 0
	for i := range pkt.Records {
		rec := &pkt.Records[i]
		var key string
		if s.seen != nil {
			key = dedupe.RecordKey(s.identity, rec)
			if s.seen.Seen(ctx, key) {
				skipped++
				continue
			}
		}
		if err := s.fwd.Forward(ctx, s.identity, *rec); err != nil {
			s.logger.Error(ctx, "forward failed, dropping connection without ack",
				logger.Int("record", i), logger.Int("records", len(pkt.Records)), logger.Error(err))
			return fmt.Errorf("%w: record %d: %w", ErrForward, i, err)
		}
		if s.seen != nil {
			s.seen.SeenAndRecord(ctx, key)
		}
	}
	if skipped > 0 {
		metrics.RecordGatewayReplaySkipped(skipped)
		s.logger.Debug(ctx, "retransmitted records not forwarded again", logger.Int("skipped", skipped))
	}

	ack := binary.BigEndian.AppendUint32(nil, uint32(len(pkt.Records)))
	if err := s.write(ack); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	metrics.RecordGatewayAck()
	s.frames++
	s.records += len(pkt.Records)
	return nil
}

// consume keeps rest at the front of the buffer so memory stays bounded by
// the largest partial frame.
func (s *Session) consume(rest []byte) {
	n := copy(s.buf, rest)
	s.buf = s.buf[:n]
}

func (s *Session) write(b []byte) error {
	if s.idle > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.idle))
	}
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) close() {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.buf = nil
	_ = s.conn.Close()
	s.logger.Debug(context.Background(), "session closed",
		logger.Int("frames", s.frames), logger.Int("records", s.records))
}

func decodeKind(err error) string {
	switch {
	case errors.Is(err, avl.ErrBadPreamble):
		return "preamble"
	case errors.Is(err, avl.ErrFrameTooLarge):
		return "frame_size"
	case errors.Is(err, avl.ErrFrameTooShort):
		return "frame_short"
	case errors.Is(err, avl.ErrChecksum):
		return "checksum"
	case errors.Is(err, avl.ErrTruncated):
		return "truncated"
	default:
		return "malformed"
	}
}
