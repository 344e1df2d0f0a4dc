package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	repository "github.com/okian/trackgate/internal/adapters/repository"
	service "github.com/okian/trackgate/internal/app"
	"github.com/okian/trackgate/internal/domain/telemetry"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// classify maps an error to its HTTP status and a stable code. The code doubles
// as the ingest outcome metric label.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, telemetry.ErrInvalid), errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidRange), errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, service.ErrDeviceNotProvisioned):
		return http.StatusConflict, "not_provisioned"
	case errors.Is(err, service.ErrDeviceClaimed):
		return http.StatusConflict, "device_claimed"
	case errors.Is(err, service.ErrTenantMismatch):
		return http.StatusForbidden, "tenant_mismatch"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// presentedToken reads the bearer token, falling back to X-Ingest-Token.
func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Ingest-Token"))
}

func tokenMatches(presented, secret string) bool {
	return presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}
