package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds each dependency check made by the health endpoint.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/pairing", s.handlePair)

			// Live stream of every device the caller owns
			r.Get("/live", s.handleFleetLive)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					// Served from the local cache
					r.Get("/", s.handleGetDevice)
					r.Put("/favorite", s.handleSetFavorite)
					r.Get("/readings", s.handleListReadings)

					// Unpair checks ownership itself
					r.Delete("/pairing", s.handleUnpair)

					// Remote writes and streams need the caller to own the device
					r.Group(func(r chi.Router) {
						r.Use(s.ownerMiddleware)
						r.Patch("/", s.handleRenameDevice)
						r.Post("/commands", s.handleSendCommand)
						r.Get("/live", s.handleDeviceLive)
					})
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status. Any failing dependency
// check turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":            overall,
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"websocket_clients": s.hub.ClientCount(),
		"components":        components,
	})
}
