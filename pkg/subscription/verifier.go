package subscription

import "context"

// Verifier authenticates a raw webhook body and decodes it into an Event.
//
// Implementations must verify against payload exactly as received. A bad
// signature yields an error wrapping ErrSignatureInvalid; a signed event whose
// object does not decode for its kind yields ErrInvalidPayload.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, signature string) (Event, error)
}

// PeriodFetcher loads the current billing period of a provider subscription.
// Checkout events do not carry the period, so it is read from the provider API.
type PeriodFetcher interface {
	FetchPeriod(ctx context.Context, subscriptionID string) (Period, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, payload []byte, signature string) (Event, error)

func (f VerifierFunc) Verify(ctx context.Context, payload []byte, signature string) (Event, error) {
	return f(ctx, payload, signature)
}

// PeriodFetcherFunc adapts a function to the PeriodFetcher interface.
type PeriodFetcherFunc func(ctx context.Context, subscriptionID string) (Period, error)

func (f PeriodFetcherFunc) FetchPeriod(ctx context.Context, subscriptionID string) (Period, error) {
	return f(ctx, subscriptionID)
}
