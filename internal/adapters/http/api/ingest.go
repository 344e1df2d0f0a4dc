package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/okian/trackgate/internal/domain/telemetry"
	"github.com/okian/trackgate/pkg/logger"
	"github.com/okian/trackgate/pkg/metrics"
)

// IngestHandler accepts telemetry posted by the gateway and by HTTP devices.
type IngestHandler struct {
	deps         Dependencies
	token        string
	maxBodyBytes int64
	extractor    telemetry.Extractor
	logger       logger.Logger
}

type ingestResponse struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
}

// HandleIngest handles POST /ingest. Each step is a hard rejection: method,
// token, body, field extraction, tenant resolution, persistence.
func (h *IngestHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reject(w, r, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	if h.token == "" {
		h.reject(w, r, http.StatusServiceUnavailable, "not_configured", ErrNotConfigured)
		return
	}
	if !tokenMatches(presentedToken(r), h.token) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="trackgate"`)
		h.reject(w, r, http.StatusUnauthorized, "unauthorized", ErrUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, tooLarge.Limit)
		} else {
			err = fmt.Errorf("%w: read body: %w", ErrBadRequest, err)
		}
		h.fail(w, r, err)
		return
	}

	doc, err := telemetry.Parse(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.extractor.Extract(doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	snap, err := h.deps.Ingest(r.Context(), t)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	metrics.RecordIngestRequest("accepted")
	h.logger.Debug(r.Context(), "telemetry accepted",
		logger.String("deviceId", snap.DeviceID),
		logger.String("tenant", snap.TenantID),
		logger.String("requestId", r.Header.Get("X-Request-ID")),
	)
	writeJSON(w, http.StatusOK, ingestResponse{Success: true, DeviceID: snap.DeviceID})
}

func (h *IngestHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	h.reject(w, r, status, code, err)
}

func (h *IngestHandler) reject(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	metrics.RecordIngestRequest(code)
	fields := []logger.Field{
		logger.Int("status", status),
		logger.String("code", code),
		logger.String("remote", r.RemoteAddr),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "ingest failed", fields...)
	} else {
		h.logger.Warn(r.Context(), "ingest rejected", fields...)
	}
	writeError(w, status, code, err)
}
