package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/okian/trackgate/internal/domain/model"
	"github.com/okian/trackgate/internal/domain/telemetry"
	"github.com/okian/trackgate/pkg/logger"
)

// DevicesHandler serves the pull-based read API and tenant provisioning.
type DevicesHandler struct {
	deps   Dependencies
	logger logger.Logger
}

type historyResponse struct {
	DeviceID string               `json:"deviceId"`
	Points   []model.HistoryPoint `json:"points"`
}

type devicesResponse struct {
	TenantID string   `json:"tenantId"`
	Devices  []string `json:"devices"`
}

type provisionResponse struct {
	Success  bool   `json:"success"`
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId"`
	IMEI     string `json:"imei,omitempty"`
}

// HandleLatest handles GET /devices/{id}/latest.
func (h *DevicesHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHistory handles GET /devices/{id}/history?from=&to=. Bounds are
// RFC3339 or epoch seconds/milliseconds; either may be omitted.
func (h *DevicesHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryTime(q.Get("from"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: from: %w", ErrBadRequest, err))
		return
	}
	to, err := queryTime(q.Get("to"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: to: %w", ErrBadRequest, err))
		return
	}

	id := r.PathValue("id")
	points, err := h.deps.History(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if points == nil {
		points = []model.HistoryPoint{}
	}
	writeJSON(w, http.StatusOK, historyResponse{DeviceID: id, Points: points})
}

// HandleProvision handles PUT /tenants/{tenant}/devices/{id}?imei=.
func (h *DevicesHandler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	tenant, id := r.PathValue("tenant"), r.PathValue("id")
	imei := strings.TrimSpace(r.URL.Query().Get("imei"))
	if err := h.deps.Provision(r.Context(), tenant, id, imei); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{Success: true, TenantID: tenant, DeviceID: id, IMEI: imei})
}

// HandleListDevices handles GET /tenants/{tenant}/devices.
func (h *DevicesHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	devices, err := h.deps.Devices(r.Context(), tenant)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, devicesResponse{TenantID: tenant, Devices: devices})
}

func (h *DevicesHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path), logger.Error(err))
	}
	writeError(w, status, code, err)
}

func queryTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return telemetry.ParseTimestamp(raw)
}
