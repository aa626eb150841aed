package subscription

import "strings"

const (
	// FreeUsageLimit is the metered allowance of an inactive (free tier) user.
	FreeUsageLimit int64 = 100

	// UnlimitedUsageLimit stands in for "no limit" on active subscriptions.
	// A finite sentinel keeps comparisons and usage display uniform.
	UnlimitedUsageLimit int64 = 999999
)

// Status represents the entitlement tier of a subscription record.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusInactive
}

// UsageLimit returns the allowance bound to the status.
// Anything other than StatusActive gets the free tier limit.
func (s Status) UsageLimit() int64 {
	if s == StatusActive {
		return UnlimitedUsageLimit
	}
	return FreeUsageLimit
}

// StatusFromProvider maps a provider subscription status onto Status.
// Only "active" grants the paid tier; unknown or empty values fail closed.
func StatusFromProvider(providerStatus string) Status {
	if strings.EqualFold(strings.TrimSpace(providerStatus), "active") {
		return StatusActive
	}
	return StatusInactive
}

// ParseStatus converts a stored status value, failing closed on unknown input.
func ParseStatus(v string) Status {
	if s := Status(v); s.IsValid() {
		return s
	}
	return StatusInactive
}

// Kind discriminates webhook events. Values follow Stripe event names;
// other providers map their own event names onto these.
type Kind string

const (
	KindCheckoutCompleted   Kind = "checkout.session.completed"
	KindCheckoutExpired     Kind = "checkout.session.expired"
	KindSubscriptionUpdated Kind = "customer.subscription.updated"
	KindSubscriptionDeleted Kind = "customer.subscription.deleted"
	KindPaymentFailed       Kind = "payment_intent.payment_failed"
)

// Outcome describes what processing a webhook event did to the store.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeStale            Outcome = "stale"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeObserved         Outcome = "observed"
	OutcomeMissingReference Outcome = "missing_reference"
)

// Mutates reports whether the outcome changed a subscription record.
func (o Outcome) Mutates() bool {
	return o == OutcomeApplied
}
