package subscription

// Observer receives processing signals for metrics collection.
// Implementations must be safe for concurrent use.
type Observer interface {
	WebhookProcessed(kind Kind, outcome Outcome)
	WebhookFailed(kind Kind, err error)
	QuotaChecked(allowed bool)
	UsageConsumed()
}

type nopObserver struct{}

func (nopObserver) WebhookProcessed(Kind, Outcome) {}
func (nopObserver) WebhookFailed(Kind, error)      {}
func (nopObserver) QuotaChecked(bool)              {}
func (nopObserver) UsageConsumed()                 {}
