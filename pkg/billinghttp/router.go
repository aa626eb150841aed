// Package billinghttp exposes the billing engine over HTTP: provider webhook
// endpoints, the quota middleware for metered features, a usage endpoint
// and operational probes.
package billinghttp

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// RouterOptions configures which endpoints are mounted. Each field is
// optional; nil values leave the corresponding route out.
type RouterOptions struct {
	Stripe WebhookProcessor // POST /webhooks/stripe
	Paddle WebhookProcessor // POST /webhooks/paddle

	// Gate enables GET /api/usage and wraps every Features handler
	// with RequireQuota.
	Gate     *subscription.Gate
	UserID   UserIDFunc
	Features map[string]http.Handler // mounted under /api

	Metrics http.Handler // GET /metrics
	Checks  []httpserver.Check
	Logger  *slog.Logger
}

// Router builds the HTTP handler for opts.
func Router(opts RouterOptions) chi.Router {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	r := chi.NewRouter()
	r.Use(RequestID, RequestLogger(log), middleware.Recoverer)

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(log, opts.Checks...))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	if opts.Stripe != nil {
		r.Post("/webhooks/stripe", WebhookHandler(opts.Stripe, subscription.StripeSignatureHeader, log))
	}
	if opts.Paddle != nil {
		r.Post("/webhooks/paddle", WebhookHandler(opts.Paddle, subscription.PaddleSignatureHeader, log))
	}

	if opts.Gate != nil {
		r.Route("/api", func(api chi.Router) {
			api.Get("/usage", UsageHandler(opts.Gate, opts.UserID, log))
			quota := RequireQuota(opts.Gate, opts.UserID, log)
			for path, h := range opts.Features {
				api.Handle(path, quota(h))
			}
		})
	}

	return r
}
