package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-detect/internal/handlers"
	"github.com/telhawk-systems/telhawk-detect/internal/middleware"
)

// NewRouter constructs a ServeMux with the detection API routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/rules/{id}/_run", h.RunRule)
	mux.HandleFunc("GET /api/v1/rules/{id}/status", h.RuleStatus)
	mux.HandleFunc("GET /api/v1/rules/_export", h.ExportRules)

	// Health endpoints
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
