package subscription

import "time"

// Event is a verified webhook event with a typed payload.
// Verifiers build events; handlers never see raw provider JSON.
type Event struct {
	ID         string    // provider-assigned event identifier
	Kind       Kind      // discriminator used by the router
	Provider   string    // "stripe", "paddle"
	OccurredAt time.Time // provider-reported creation time
	Payload    Payload
}

// Payload is the sum type of known event bodies.
type Payload interface {
	payload()
}

// CheckoutCompleted is emitted when a hosted checkout finishes.
type CheckoutCompleted struct {
	SessionID      string
	UserID         string
	SubscriptionID string // empty for one-time purchases
	Subscription   bool   // checkout created a recurring subscription

	// Period is filled by the service from the provider API before the
	// transition runs; the webhook body is not trusted to carry it.
	Period *Period
}

// SubscriptionChanged carries a provider subscription object for
// update and deletion events.
type SubscriptionChanged struct {
	SubscriptionID string
	UserID         string
	ProviderStatus string
	Period         *Period // nil when the provider omitted the current period
}

// CheckoutExpired is emitted when a checkout session lapses unpaid.
type CheckoutExpired struct {
	SessionID string
}

// PaymentFailed is emitted when a charge attempt fails.
type PaymentFailed struct {
	PaymentID string
	Reason    string
}

// Unrecognized wraps events whose kind the engine does not handle.
type Unrecognized struct {
	ProviderEvent string
}

func (CheckoutCompleted) payload()   {}
func (SubscriptionChanged) payload() {}
func (CheckoutExpired) payload()     {}
func (PaymentFailed) payload()       {}
func (Unrecognized) payload()        {}

// UserRef returns the user reference carried by the payload, if any.
func (e Event) UserRef() string {
	switch p := e.Payload.(type) {
	case CheckoutCompleted:
		return p.UserID
	case SubscriptionChanged:
		return p.UserID
	}
	return ""
}
