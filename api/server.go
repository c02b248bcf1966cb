/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     zerolog request logging (middleware.go)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Actor:      X-Actor header into the audit context
  6. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/locations/*   Location directory and per-location inventory
  /api/movements/*   Movement log and reversals
  /api/transfers     Transfers and transfer history
  /api/products/*    Quantity and stock breakdown per product
  /api/reconcile     Ledger/log reconciliation
  /api/audit         Audit log
  /api/scenarios     Demo data loaders (EnableScenarios only)
  /healthz           Liveness

SECURITY NOTE:
  No authentication middleware. X-Actor is trusted as given.

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

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins     []string
	EnableScenarios bool // mounts /api/scenarios; development only
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(Actor)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/locations", func(r chi.Router) {
			r.Get("/", h.ListLocations)
			r.Post("/", h.CreateLocation)
			r.Get("/{id}", h.GetLocation)
			r.Patch("/{id}", h.UpdateLocation)
			r.Delete("/{id}", h.DeleteLocation)
			r.Post("/{id}/restore", h.RestoreLocation)
			r.Get("/{id}/inventory", h.GetLocationInventory)
		})

		r.Route("/movements", func(r chi.Router) {
			r.Get("/", h.ListMovements)
			r.Post("/", h.RecordMovement)
			r.Get("/{id}", h.GetMovement)
			r.Get("/{id}/reversal", h.GetReversal)
			r.Post("/{id}/reversal", h.CreateReversal)
		})

		r.Route("/transfers", func(r chi.Router) {
			r.Get("/", h.ListTransfers)
			r.Post("/", h.ExecuteTransfer)
		})

		r.Route("/products/{id}", func(r chi.Router) {
			r.Get("/quantity", h.GetQuantity)
			r.Get("/stock", h.GetStockBreakdown)
		})

		r.Get("/reconcile", h.Reconcile)
		r.Get("/audit", h.ListAuditEvents)

		if opts.EnableScenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	return r
}
