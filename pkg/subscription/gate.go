package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// CanConsume reports whether rec allows one more unit of usage at now:
// the counter is below the limit and the billing period has not ended.
func CanConsume(rec Record, now time.Time) bool {
	if rec.UsageCount >= rec.UsageLimit {
		return false
	}
	if rec.BillingPeriodEnd != nil && now.After(*rec.BillingPeriodEnd) {
		return false
	}
	return true
}

// Usage is the quota snapshot returned by Gate.Check.
// Allowed=false is the "subscription required" verdict, not an error.
type Usage struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Status    Status
	PeriodEnd *time.Time
}

// Percent returns usage as 0-100 for progress bars.
func (u Usage) Percent() int {
	if u.Limit <= 0 {
		return 100
	}
	return int(min(u.Count*100/u.Limit, 100))
}

func usageOf(rec Record, now time.Time) Usage {
	return Usage{
		Allowed:   CanConsume(rec, now),
		Count:     rec.UsageCount,
		Limit:     rec.UsageLimit,
		Status:    rec.Status,
		PeriodEnd: rec.BillingPeriodEnd,
	}
}

// Gate checks and meters quota-bound work against subscription records.
//
// In the default soft mode Check and Consume are separate calls, so
// concurrent callers that all pass Check may overshoot the limit slightly.
// WithHardLimit makes Consume refuse increments beyond the limit.
type Gate struct {
	store    Store
	hard     bool
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithHardLimit makes Consume fail with ErrSubscriptionRequired instead of
// incrementing past the limit or after the billing period.
func WithHardLimit() GateOption {
	return func(g *Gate) {
		g.hard = true
	}
}

// WithGateLogger sets the gate logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGateObserver sets the observer notified of checks and consumption.
func WithGateObserver(o Observer) GateOption {
	return func(g *Gate) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithGateClock overrides the time source used for billing period checks.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate creates a Gate over store. Panics if store is nil.
func NewGate(store Store, opts ...GateOption) *Gate {
	if store == nil {
		panic("subscription: Store is required")
	}
	g := &Gate{
		store:    store,
		logger:   logger.Discard(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check loads the user's record and evaluates the quota without changing it.
func (g *Gate) Check(ctx context.Context, userID string) (Usage, error) {
	rec, err := g.store.Get(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	u := usageOf(rec, g.now())
	g.observer.QuotaChecked(u.Allowed)
	if !u.Allowed {
		g.logger.DebugContext(ctx, "Quota exhausted",
			logger.UserID(userID),
			logger.Usage(u.Count, u.Limit),
		)
	}
	return u, nil
}

// Consume records one unit of successful metered work.
func (g *Gate) Consume(ctx context.Context, userID string) (Record, error) {
	var (
		rec Record
		err error
	)
	if g.hard {
		rec, err = g.store.ConsumeWithinLimit(ctx, userID, g.now())
	} else {
		rec, err = g.store.Consume(ctx, userID)
	}
	if err != nil {
		return rec, err
	}
	g.observer.UsageConsumed()
	return rec, nil
}

// Spend runs work only when the quota allows it and consumes one unit
// after work succeeds. A denied check returns ErrSubscriptionRequired
// together with the usage snapshot.
func (g *Gate) Spend(ctx context.Context, userID string, work func(ctx context.Context) error) (Usage, error) {
	u, err := g.Check(ctx, userID)
	if err != nil {
		return u, err
	}
	if !u.Allowed {
		return u, ErrSubscriptionRequired
	}

	if err := work(ctx); err != nil {
		return u, err
	}

	rec, err := g.Consume(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionRequired) {
			return usageOf(rec, g.now()), err
		}
		return u, err
	}
	return usageOf(rec, g.now()), nil
}
