package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

const alertTimeout = 5 * time.Second

// Service turns verified provider webhooks into subscription record changes.
// One Service serves one provider; several may share a Store.
type Service struct {
	verifier Verifier
	periods  PeriodFetcher
	store    Store
	router   *Router
	fallback Handler
	logger   *slog.Logger
	observer Observer
	alerter  Alerter
}

// NewService creates a Service with the given dependencies.
// Panics if any of them is nil since the service cannot work without them.
func NewService(verifier Verifier, periods PeriodFetcher, store Store, opts ...ServiceOption) *Service {
	if verifier == nil {
		panic("subscription: Verifier is required")
	}
	if periods == nil {
		panic("subscription: PeriodFetcher is required")
	}
	if store == nil {
		panic("subscription: Store is required")
	}

	s := &Service{
		verifier: verifier,
		periods:  periods,
		store:    store,
		logger:   logger.Discard(),
		observer: nopObserver{},
		alerter:  nopAlerter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fallback == nil {
		s.fallback = s.ignore
	}

	s.router = NewRouter(s.fallback).
		Handle(KindCheckoutCompleted, s.checkoutCompleted).
		Handle(KindSubscriptionUpdated, s.subscriptionChanged).
		Handle(KindSubscriptionDeleted, s.subscriptionChanged).
		Handle(KindCheckoutExpired, s.observe).
		Handle(KindPaymentFailed, s.observe)

	return s
}

// Router exposes the dispatch table.
func (s *Service) Router() *Router {
	return s.router
}

// HandleWebhook verifies payload, dispatches the event and applies it.
// Returned errors wrap the package sentinels so callers can map them
// to responses; a nil error means the event must be acknowledged.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	ev, err := s.verifier.Verify(ctx, payload, signature)
	if err != nil {
		s.observer.WebhookFailed("", err)
		s.logger.WarnContext(ctx, "Webhook rejected", logger.Error(err))
		return Result{}, err
	}

	return s.Dispatch(ctx, ev)
}

// Dispatch routes an already verified event to its handler.
func (s *Service) Dispatch(ctx context.Context, ev Event) (Result, error) {
	start := time.Now()
	res, err := s.router.Route(ev.Kind)(ctx, ev)
	if res.EventID == "" {
		res.EventID = ev.ID
	}
	if res.Kind == "" {
		res.Kind = ev.Kind
	}
	if res.UserID == "" {
		res.UserID = ev.UserRef()
	}

	attrs := []any{
		logger.EventID(ev.ID),
		logger.EventKind(string(ev.Kind)),
		logger.Provider(ev.Provider),
		logger.UserID(res.UserID),
		logger.Duration(time.Since(start)),
	}

	if err != nil {
		s.observer.WebhookFailed(ev.Kind, err)
		s.logger.ErrorContext(ctx, "Webhook processing failed", append(attrs, logger.Error(err))...)
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrProcessing) {
			s.raise(ctx, ev, res.UserID, err)
		}
		return res, err
	}

	s.observer.WebhookProcessed(ev.Kind, res.Outcome)
	s.logger.InfoContext(ctx, "Webhook processed", append(attrs, logger.Outcome(string(res.Outcome)))...)
	return res, nil
}

// checkoutCompleted activates the paid tier for a subscription checkout.
// One-time purchases and checkouts without a subscription reference are
// acknowledged without touching the record.
func (s *Service) checkoutCompleted(ctx context.Context, ev Event) (Result, error) {
	p, ok := ev.Payload.(CheckoutCompleted)
	if !ok {
		return Result{}, fmt.Errorf("%w: %T", ErrInvalidPayload, ev.Payload)
	}
	if p.UserID == "" {
		return Result{}, ErrMissingReference
	}
	res := Result{EventID: ev.ID, Kind: ev.Kind, UserID: p.UserID}

	if !p.Subscription {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if p.SubscriptionID == "" {
		s.logger.WarnContext(ctx, "Subscription checkout without subscription reference",
			logger.EventID(ev.ID),
			logger.UserID(p.UserID),
		)
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	if _, err := s.store.Get(ctx, p.UserID); err != nil {
		return res, s.storeError(err)
	}

	period, err := s.periods.FetchPeriod(ctx, p.SubscriptionID)
	if err != nil {
		return res, errors.Join(ErrProcessing, fmt.Errorf("fetch billing period of %s: %w", p.SubscriptionID, err))
	}
	p.Period = &period
	ev.Payload = p

	return s.apply(ctx, ev, res)
}

// subscriptionChanged mirrors subscription updates and deletions.
// Events without a user reference cannot be attributed and are acknowledged.
func (s *Service) subscriptionChanged(ctx context.Context, ev Event) (Result, error) {
	p, ok := ev.Payload.(SubscriptionChanged)
	if !ok {
		return Result{}, fmt.Errorf("%w: %T", ErrInvalidPayload, ev.Payload)
	}
	res := Result{EventID: ev.ID, Kind: ev.Kind, UserID: p.UserID}

	if p.UserID == "" {
		s.logger.WarnContext(ctx, "Subscription event without user reference",
			logger.EventID(ev.ID),
			logger.EventKind(string(ev.Kind)),
			slog.String("subscription_id", p.SubscriptionID),
		)
		res.Outcome = OutcomeMissingReference
		return res, nil
	}

	return s.apply(ctx, ev, res)
}

func (s *Service) apply(ctx context.Context, ev Event, res Result) (Result, error) {
	rec, outcome, err := s.store.Apply(ctx, res.UserID, ev, TransitionFor(ev))
	if err != nil {
		return res, s.storeError(err)
	}
	res.Outcome = outcome
	res.Record = &rec
	return res, nil
}

func (s *Service) observe(ctx context.Context, ev Event) (Result, error) {
	attrs := []any{logger.EventID(ev.ID), logger.EventKind(string(ev.Kind))}
	switch p := ev.Payload.(type) {
	case CheckoutExpired:
		attrs = append(attrs, slog.String("session_id", p.SessionID))
	case PaymentFailed:
		attrs = append(attrs, slog.String("payment_id", p.PaymentID), slog.String("reason", p.Reason))
	}
	s.logger.InfoContext(ctx, "Billing event observed", attrs...)
	return Result{EventID: ev.ID, Kind: ev.Kind, Outcome: OutcomeObserved}, nil
}

func (s *Service) ignore(ctx context.Context, ev Event) (Result, error) {
	s.logger.DebugContext(ctx, "Ignoring unhandled webhook event",
		logger.EventID(ev.ID),
		logger.EventKind(string(ev.Kind)),
	)
	return Result{EventID: ev.ID, Kind: ev.Kind, Outcome: OutcomeIgnored}, nil
}

// storeError keeps ErrUserNotFound visible and marks everything else as retryable.
func (s *Service) storeError(err error) error {
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrProcessing) {
		return err
	}
	return errors.Join(ErrProcessing, err)
}

func (s *Service) raise(ctx context.Context, ev Event, userID string, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	inc := Incident{EventID: ev.ID, Kind: ev.Kind, Provider: ev.Provider, UserID: userID, Err: err}
	if alertErr := s.alerter.Alert(ctx, inc); alertErr != nil {
		s.logger.ErrorContext(ctx, "Failed to deliver billing alert",
			logger.EventID(ev.ID),
			logger.Error(alertErr),
		)
	}
}
