/*
server.go - HTTP router configuration

PURPOSE:
  Configures the chi router with middleware and route definitions.
  This is the entry point for all HTTP requests to the referral API.

MIDDLEWARE STACK:
  1. RequestID - Adds X-Request-ID header
  2. Logger    - Logs requests (through slog once it is the default)
  3. Recoverer - Catches panics, returns 500
  4. CORS      - Allows the configured frontend origins
  5. Principal - Reads the caller identity set by the auth proxy

IDENTITY:
  Authentication happens upstream. The proxy forwards the caller as
  X-Principal-Role (referrer|consultant|admin) and X-Principal-ID.
  Routes under /api reject requests without a valid principal.

ROUTE GROUPS:
  /api/referrers/*       - Referrer views and lead submission
  /api/referrals/*       - Pipeline transitions
  /api/consultants/*     - Consultant pipeline view
  /api/reward-configs    - Reward threshold history
  /api/admin/*           - Thresholds, reassignment, adjustments, reconcile
  /api/ws                - Live event stream (websocket)
  /metrics, /healthz     - Operations

SEE ALSO:
  - handlers.go: HTTP handler implementations
  - ws.go: Websocket sessions
  - dto.go: Request/response types
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/referral-engine/ledger"
)

const (
	HeaderPrincipalRole = "X-Principal-Role"
	HeaderPrincipalID   = "X-Principal-ID"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderPrincipalRole, HeaderPrincipalID},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", h.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(principalMiddleware)

		r.Route("/referrers", func(r chi.Router) {
			r.Post("/", h.CreateReferrer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/progress", h.GetProgress)
				r.Get("/dashboard", h.GetDashboard)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/referrals", h.ListReferrals)
				r.Post("/referrals", h.SubmitReferral)
			})
		})

		r.Post("/referrals/{id}/transition", h.TransitionReferral)
		r.Get("/consultants/{id}/referrals", h.ListConsultantReferrals)
		r.Get("/reward-configs", h.ListRewardConfigs)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reward-configs", h.PublishRewardConfig)
			r.Post("/referrals/{id}/assign", h.AssignReferral)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/reconcile", h.ReconcileStatus)
		})

		r.Get("/ws", h.ServeWS)
	})

	return r
}

// =============================================================================
// PRINCIPAL
// =============================================================================

type principalKey struct{}

// principalMiddleware stores the forwarded identity in the request context.
// Headers that do not form a valid principal are ignored here; handlers
// answer 401 when they find none.
func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := ledger.Principal{
			Role: ledger.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderPrincipalRole)))),
			ID:   strings.TrimSpace(r.Header.Get(HeaderPrincipalID)),
		}
		if p.Valid() {
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFrom returns the caller attached by the router.
func PrincipalFrom(ctx context.Context) (ledger.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(ledger.Principal)
	return p, ok
}
