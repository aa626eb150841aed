package billinghttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// HeaderUserID carries the authenticated user for quota-bound routes.
// Authentication sits in front of this package and sets it.
const HeaderUserID = "X-User-ID"

// consumeTimeout bounds metering once the response is written. Metering
// outlives the request context so a client disconnect cannot skip it.
const consumeTimeout = 5 * time.Second

// UserIDFunc extracts the authenticated user ID from a request.
type UserIDFunc func(r *http.Request) string

// UserFromHeader reads the user ID from the named header.
func UserFromHeader(name string) UserIDFunc {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

// UsageData is the JSON view of a quota snapshot.
type UsageData struct {
	UsageCount         int64      `json:"usage_count"`
	UsageLimit         int64      `json:"usage_limit"`
	SubscriptionStatus string     `json:"subscription_status"`
	BillingPeriodEnd   *time.Time `json:"billing_period_end,omitempty"`
	Percent            int        `json:"percent"`
	Allowed            bool       `json:"allowed"`
}

func usageData(u subscription.Usage) UsageData {
	return UsageData{
		UsageCount:         u.Count,
		UsageLimit:         u.Limit,
		SubscriptionStatus: string(u.Status),
		BillingPeriodEnd:   u.PeriodEnd,
		Percent:            u.Percent(),
		Allowed:            u.Allowed,
	}
}

// RequireQuota denies requests with 403 subscription_required once the
// user's quota is exhausted or the billing period has ended. After the
// wrapped handler succeeds (status below 400) one unit is consumed.
func RequireQuota(gate *subscription.Gate, userID UserIDFunc, log *slog.Logger) func(http.Handler) http.Handler {
	if gate == nil {
		panic("billinghttp: Gate is required")
	}
	if userID == nil {
		userID = UserFromHeader(HeaderUserID)
	}
	if log == nil {
		log = logger.Discard()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := userID(r)
			if id == "" {
				writeError(w, ErrUnauthorized, nil)
				return
			}

			u, err := gate.Check(r.Context(), id)
			if err != nil {
				writeQuotaError(w, r, log, err)
				return
			}
			if !u.Allowed {
				writeError(w, ErrSubscriptionRequired, usageData(u))
				return
			}

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			if sw.status() >= http.StatusBadRequest {
				return
			}

			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), consumeTimeout)
			defer cancel()
			if _, err := gate.Consume(ctx, id); err != nil {
				log.WarnContext(r.Context(), "Failed to record usage",
					logger.UserID(id),
					logger.Error(err),
				)
			}
		})
	}
}

// UsageHandler reports the caller's current quota.
func UsageHandler(gate *subscription.Gate, userID UserIDFunc, log *slog.Logger) http.HandlerFunc {
	if gate == nil {
		panic("billinghttp: Gate is required")
	}
	if userID == nil {
		userID = UserFromHeader(HeaderUserID)
	}
	if log == nil {
		log = logger.Discard()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id := userID(r)
		if id == "" {
			writeError(w, ErrUnauthorized, nil)
			return
		}
		u, err := gate.Check(r.Context(), id)
		if err != nil {
			writeQuotaError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, JSONResponse{Code: "usage", Data: usageData(u)})
	}
}

func writeQuotaError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if errors.Is(err, subscription.ErrUserNotFound) {
		writeError(w, ErrNotFound, nil)
		return
	}
	log.ErrorContext(r.Context(), "Quota check failed", logger.Error(err))
	writeError(w, ErrInternalServerError, nil)
}

// statusWriter records the response status written by a handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
