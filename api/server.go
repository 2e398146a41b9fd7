/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/enrolments/*     Coverage snapshots, recalculation, changes
  /api/invoices/*       Invoice creation and lookup
  /api/payments/*       Payment recording, undo, delete
  /api/holidays/*       Holiday closures (recalc triggers)
  /api/cancellations/*  Per-occurrence cancellations (recalc triggers)

SECURITY NOTE:
  No authentication middleware. The engine sits behind the operator's
  existing admin surface.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/enrolments/{id}", func(r chi.Router) {
			r.Get("/billing-status", h.GetBillingStatus)
			r.Post("/recalculate", h.Recalculate)
			r.Post("/change", h.ChangeEnrolment)
			r.Get("/credit-events", h.GetCreditEvents)
			r.Get("/audits", h.GetAudits)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Post("/{id}/undo", h.UndoPayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Route("/holidays", func(r chi.Router) {
			r.Post("/", h.CreateHoliday)
			r.Delete("/{id}", h.DeleteHoliday)
		})

		r.Route("/cancellations", func(r chi.Router) {
			r.Post("/", h.CreateCancellation)
			r.Delete("/{id}", h.DeleteCancellation)
		})
	})

	return r
}
