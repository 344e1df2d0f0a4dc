// Package api exposes the HTTP ingest endpoint, the device read and
// provisioning API, and the operational routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/okian/trackgate/internal/domain/model"
	"github.com/okian/trackgate/internal/domain/telemetry"
	"github.com/okian/trackgate/pkg/logger"
)

// DefaultMaxBodyBytes caps ingest request bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the ingest service.
type Dependencies interface {
	Ingest(ctx context.Context, t model.Telemetry) (model.Snapshot, error)
	Latest(ctx context.Context, deviceID string) (model.Snapshot, error)
	History(ctx context.Context, deviceID string, from, to time.Time) ([]model.HistoryPoint, error)
	Provision(ctx context.Context, tenant, deviceID, imei string) error
	Devices(ctx context.Context, tenant string) ([]string, error)
	Ping(ctx context.Context) error
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	token        string
	maxBodyBytes int64
	extractor    telemetry.Extractor
	logger       logger.Logger

	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	ingestHandler  *IngestHandler
	devicesHandler *DevicesHandler
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithIngestToken sets the shared secret for ingest, read and provisioning
// routes. Without it those routes answer 503.
func WithIngestToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithMaxBodyBytes caps ingest request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMaxDeviceIDLength bounds accepted device ids.
func WithMaxDeviceIDLength(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.extractor.MaxDeviceIDLength = n
		}
	}
}

// WithLogger sets a custom logger for the handlers.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		maxBodyBytes: DefaultMaxBodyBytes,
		extractor:    telemetry.NewExtractor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetOrNop().Named("api")
	}
	s.healthHandler = NewHealthHandler(deps)
	s.statsHandler = NewStatsHandler(deps)
	s.ingestHandler = &IngestHandler{
		deps:         deps,
		token:        s.token,
		maxBodyBytes: s.maxBodyBytes,
		extractor:    s.extractor,
		logger:       s.logger,
	}
	s.devicesHandler = &DevicesHandler{deps: deps, logger: s.logger}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/readyz", MetricsMiddleware(s.healthHandler.HandleReady, "readyz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/ingest", MetricsMiddleware(s.ingestHandler.HandleIngest, "ingest"))

	d := s.devicesHandler
	mux.HandleFunc("GET /devices/{id}/latest",
		MetricsMiddleware(requireToken(s.token, d.HandleLatest), "device_latest"))
	mux.HandleFunc("GET /devices/{id}/history",
		MetricsMiddleware(requireToken(s.token, d.HandleHistory), "device_history"))
	mux.HandleFunc("PUT /tenants/{tenant}/devices/{id}",
		MetricsMiddleware(requireToken(s.token, d.HandleProvision), "provision"))
	mux.HandleFunc("GET /tenants/{tenant}/devices",
		MetricsMiddleware(requireToken(s.token, d.HandleListDevices), "tenant_devices"))
}
