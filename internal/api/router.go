// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/autobrr/hwkey/internal/api/handlers"
	apimiddleware "github.com/autobrr/hwkey/internal/api/middleware"
	"github.com/autobrr/hwkey/internal/license"
	"github.com/autobrr/hwkey/internal/metrics"
	"github.com/autobrr/hwkey/internal/web/swagger"
)

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Validator      *license.Validator
	Sweeper        *license.Sweeper
	Issuer         *license.Issuer
	AdminGuard     *apimiddleware.AdminGuard
	RateLimiter    *apimiddleware.RateLimiter
	MetricsManager *metrics.Manager
	SwaggerHandler *swagger.Handler

	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(apimiddleware.TrustedRealIP(deps.TrustedProxies))
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)

	licenseHandler := handlers.NewLicenseHandler(deps.Validator, deps.MetricsManager)
	adminHandler := handlers.NewAdminHandler(deps.Sweeper, deps.Issuer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("License Server is running."))
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.With(deps.RateLimiter.Handler).Post("/validate", licenseHandler.Validate)

	// Admin routes carry the secret in the path
	r.Route("/admin", func(r chi.Router) {
		r = r.With(deps.AdminGuard.RequireSecret)

		r.Post("/cleanup/{secret}", adminHandler.Cleanup)
		r.Post("/licenses/{secret}", adminHandler.IssueLicense)
		r.Post("/licenses/{secret}/{licenseKey}/revoke", adminHandler.RevokeLicense)
	})

	if deps.MetricsManager != nil {
		metricsHandler := handlers.NewMetricsHandler(deps.MetricsManager)
		r.Get("/metrics", metricsHandler.ServeMetrics)
	}

	if deps.SwaggerHandler != nil {
		deps.SwaggerHandler.RegisterRoutes(r)
	}

	return r
}
