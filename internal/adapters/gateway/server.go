package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/okian/trackgate/internal/domain/avl"
	"github.com/okian/trackgate/internal/domain/dedupe"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/okian/trackgate/pkg/metrics"
)

// DefaultIdleTimeout closes silent sessions.
const DefaultIdleTimeout = 5 * time.Minute

const maxAcceptBackoff = time.Second

// Server accepts tracker connections and runs one Session per connection.
type Server struct {
	addr   string
	fwd    Forwarder
	framer avl.Framer
	idle   time.Duration
	// replayWindow sizes each session's own dedupe window; 0 disables it.
	replayWindow int
	logger       logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a gateway bound to addr once Listen or Serve is called.
func New(addr string, fwd Forwarder, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		fwd:    fwd,
		framer: avl.DefaultFramer(),
		idle:   DefaultIdleTimeout,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetOrNop().Named("gateway")
	}
	return s
}

// Listen binds the listener if none was supplied.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.addr, err)
	}
	s.listener = l
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called. It
// returns nil after a graceful stop.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	s.logger.Info(ctx, "gateway listening",
		logger.String("addr", l.Addr().String()),
		logger.Duration("idleTimeout", s.idle),
		logger.Int("maxFrameBytes", s.framer.MaxPayload),
		logger.Bool("verifyCRC", s.framer.VerifyCRC),
	)

	stop := context.AfterFunc(ctx, func() { _ = s.Shutdown(context.Background()) })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
				s.logger.Warn(ctx, "accept failed, retrying", logger.Duration("backoff", backoff), logger.Error(err))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("gateway accept: %w", err)
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	metrics.IncGatewayActiveSessions()
	defer metrics.DecGatewayActiveSessions()

	sess := NewSession(conn, s.fwd, s.framer, s.idle, s.logger)
	if s.replayWindow > 0 {
		sess.seen = dedupe.NewWindow(dedupe.WithMaxSize(s.replayWindow))
	}
	if err := sess.Run(ctx); err != nil {
		s.logger.Info(ctx, "session ended",
			logger.String("session", sess.ID),
			logger.String("imei", sess.Identity().ExternalID),
			logger.Error(err),
		)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sessions is the number of live connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every live connection and waits for the
// sessions to unwind or ctx to expire. Partial frames are dropped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for c := range s.conns {
			_ = c.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn(ctx, "gateway shutdown timed out")
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
