/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind proxies
  3. Logger:     zap request log + prometheus request metrics
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/charges/*          Charge rule lifecycle and resolution
  /api/payment-methods/*  Payment method catalog
  /api/products/*         Product to charge links
  /api/savings/*          Charges applied to savings accounts
  /api/audit              Mutation history
  /healthz                Liveness + database ping
  /metrics                Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that enforces it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/charge-engine/metrics"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Charge rules
		r.Route("/charges", func(r chi.Router) {
			r.Get("/", h.ListCharges)
			r.Post("/", h.CreateCharge)
			r.Get("/{id}", h.GetCharge)
			r.Put("/{id}", h.UpdateCharge)
			r.Delete("/{id}", h.DeleteCharge)
			r.Get("/{id}/resolve", h.ResolveCharge)
		})

		// Payment methods
		r.Route("/payment-methods", func(r chi.Router) {
			r.Get("/", h.ListPaymentMethods)
			r.Post("/", h.CreatePaymentMethod)
		})

		// Product links
		r.Route("/products/{class}/{productId}/charges", func(r chi.Router) {
			r.Get("/", h.ListProductCharges)
			r.Post("/", h.LinkProductCharge)
		})

		// Savings account charges
		r.Route("/savings/{accountId}/charges", func(r chi.Router) {
			r.Get("/", h.ListSavingsCharges)
			r.Post("/", h.ApplySavingsCharge)
			r.Post("/linked", h.LinkSavingsCharges)
			r.Put("/{chargeId}", h.UpdateSavingsCharge)
			r.Post("/{chargeId}/inactivate", h.InactivateSavingsCharge)
		})

		r.Get("/audit", h.ListAudit)
	})

	return r
}

// LoggerMiddleware logs each request and records its latency under the
// matched route pattern.
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.ObserveHTTP(r.Method, route, ww.Status(), elapsed)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
