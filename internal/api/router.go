/**
 * @description
 * This file sets up the HTTP router for the credit-service using the
 * go-chi/chi router. It defines the API routes, applies middleware for
 * logging, CORS, and authentication, and maps the routes to their
 * corresponding handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the credit-service routes.
func NewRouter(h *Handler, jwtSecret, internalAPIKey string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Credit service is healthy"))
	})

	// Metered-caller routes that require authentication
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/v1/usage", h.handleRecordUsage)
		r.Get("/v1/credits", h.handleGetCredits)
		r.Get("/v1/credits/available", h.handleCheckAvailable)
	})

	// Internal routes for the subscription-management and admin layers
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/credits/allocate", h.handleAllocateCredits)
		r.Post("/tier-changes/preview", h.handlePreviewTierChange)
		r.Post("/tier-changes", h.handleApplyTierChange)
		r.Post("/proration-events/{eventID}/reverse", h.handleReverseProration)
		r.Post("/tiers", h.handleUpsertTier)
		r.Get("/tiers/{tierName}", h.handleGetTier)
		r.Get("/tiers/{tierName}/audit", h.handleTierHistory)
		r.Get("/increment-policy", h.handleGetIncrement)
		r.Put("/increment-policy", h.handleSetIncrement)
	})

	return r
}
