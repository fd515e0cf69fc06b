/**
 * @description
 * This file sets up the HTTP router for the release-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware: request logging, panic recovery, timeouts, CORS and the two
 * authentication schemes (internal API key and Clerk JWT).
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns the router for the release service.
func NewRouter(h *Handlers, keys KeySource, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", healthHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", healthHandler)

		// Server-to-server routes for the approval workflow, admin tooling and payouts.
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(internalAPIKey))

			r.Post("/releases", h.CreateReleaseHandler)
			r.Get("/releases/{claimID}", h.GetReleaseHandler)

			r.Post("/claims/{id}/approve", h.ApproveClaimHandler)
			r.Post("/claims/{id}/reject", h.RejectClaimHandler)
			r.Post("/claims/{id}/expire", h.ExpireClaimHandler)
			r.Post("/claims/{id}/cancel", h.AdminCancelClaimHandler)

			r.Post("/pools", h.CreatePoolHandler)
			r.Get("/pools/{id}", h.GetPoolHandler)
			r.Post("/pools/{id}/topup", h.TopUpPoolHandler)
			r.Post("/donations", h.RecordDonationHandler)
			r.Post("/partners/{id}/funding", h.FundPartnerPoolHandler)

			r.Get("/payables", h.ListPayablesHandler)
			r.Get("/payables/{id}", h.GetPayableHandler)
			r.Post("/payables/{id}/paid", h.MarkPayablePaidHandler)
		})

		// Athlete routes authenticated with Clerk.
		r.Group(func(r chi.Router) {
			r.Use(ClerkAuthMiddleware(keys))

			r.Post("/challenges/{id}/reserve", h.ReserveChallengeHandler)
			r.Post("/claims/{id}/confirm", h.ConfirmClaimHandler)
			r.Post("/claims/{id}/submit", h.SubmitClaimHandler)
			r.Post("/claims/{id}/cancel", h.CancelClaimHandler)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}
