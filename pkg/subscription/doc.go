// Package subscription drives per-user subscription records from payment
// provider webhooks and meters quota-bound work against them.
//
// Each user owns one Record: a status (active or inactive), a usage counter,
// a usage limit derived from the status, and the current billing period.
// Provider webhooks arrive at least once and in any order; the package turns
// them into a small set of record transitions that are idempotent and never
// let an older event overwrite newer state.
//
// # Webhook Processing
//
// A Verifier authenticates the raw body and produces an Event with a typed
// Payload. The Service routes the event by Kind and applies the matching
// transition through Store.Apply:
//
//	verifier, err := subscription.NewStripeVerifier(cfg.Stripe)
//	if err != nil {
//		return err
//	}
//	periods, err := subscription.NewStripePeriodFetcher(cfg.Stripe)
//	if err != nil {
//		return err
//	}
//
//	svc := subscription.NewService(verifier, periods, store,
//		subscription.WithLogger(log),
//	)
//
//	res, err := svc.HandleWebhook(ctx, body, r.Header.Get("Stripe-Signature"))
//	switch {
//	case errors.Is(err, subscription.ErrSignatureInvalid):
//		// reject without retry
//	case errors.Is(err, subscription.ErrUserNotFound):
//		// unknown user
//	case err != nil:
//		// answer 5xx so the provider retries
//	}
//
// Transitions:
//
//   - checkout.session.completed activates the paid tier, resets usage and
//     stores the billing period fetched from the provider API.
//   - customer.subscription.updated mirrors the provider status (only
//     "active" grants the paid tier), resets usage and replaces the period.
//   - customer.subscription.deleted reverts to the free tier.
//
// Store.Apply skips event IDs it already processed. Transition rejects an
// event whose billing period starts before the stored one, or that is older
// than the last applied event within the same period, with ErrStaleEvent.
//
// # Quota
//
// Gate.Check loads the record and reports whether one more unit is allowed.
// Gate.Consume adds one unit with a storage-side increment:
//
//	gate := subscription.NewGate(store)
//
//	usage, err := gate.Spend(ctx, userID, func(ctx context.Context) error {
//		return assistant.Improve(ctx, text)
//	})
//	if errors.Is(err, subscription.ErrSubscriptionRequired) {
//		// show upgrade prompt with usage.Count / usage.Limit
//	}
//
// In the default soft mode concurrent callers that pass Check together may
// exceed the limit by the number of in-flight calls. WithHardLimit makes
// Consume refuse increments beyond the limit instead.
package subscription
