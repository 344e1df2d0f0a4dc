// Package site serves the root index that points operators at the API docs
// and probes.
package site

import (
	"context"
	"encoding/json"
	"net/http"
)

// Index is the document served at /.
type Index struct {
	Service string            `json:"service"`
	Links   map[string]string `json:"links"`
}

// DefaultIndex lists the process endpoints.
func DefaultIndex() Index {
	return Index{
		Service: "trackgate",
		Links: map[string]string{
			"docs":    "/swagger",
			"openapi": "/swagger/openapi.yaml",
			"health":  "/healthz",
			"ready":   "/readyz",
			"stats":   "/stats",
		},
	}
}

// Register attaches the root route to mux. Unknown paths keep the mux's 404.
func Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.Handle("GET /{$}", NewRootHandler(DefaultIndex()))
}

// RootHandler serves a fixed index document.
type RootHandler struct {
	body []byte
}

// NewRootHandler encodes idx once.
func NewRootHandler(idx Index) *RootHandler {
	body, err := json.Marshal(idx)
	if err != nil {
		panic(err)
	}
	return &RootHandler{body: body}
}

func (h *RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(h.body)
}
