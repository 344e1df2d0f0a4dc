package gateway

import (
	"net"
	"time"

	"github.com/okian/trackgate/pkg/logger"
)

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithIdleTimeout closes sessions that stay silent for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.idle = d
		}
	}
}

// WithMaxFrameBytes bounds the declared payload length of a frame.
func WithMaxFrameBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.framer.MaxPayload = n
		}
	}
}

// WithVerifyCRC enables trailer checksum verification.
func WithVerifyCRC(on bool) Option {
	return func(s *Server) { s.framer.VerifyCRC = on }
}

// WithListener serves on an existing listener instead of binding addr.
func WithListener(l net.Listener) Option {
	return func(s *Server) {
		if l != nil {
			s.listener = l
		}
	}
}

// WithLogger sets a custom logger for the server and its sessions.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReplayWindow gives every session a window of its last n forwarded
// records, so a frame retransmitted on the same connection is acknowledged
// without forwarding those records again. Zero disables suppression.
func WithReplayWindow(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.replayWindow = n
		}
	}
}
