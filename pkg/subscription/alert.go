package subscription

import "context"

// Incident describes a webhook failure that needs operator attention:
// an event for an unknown user or an unexpected processing error.
type Incident struct {
	EventID  string
	Kind     Kind
	Provider string
	UserID   string
	Err      error
}

// Alerter delivers incidents to operators. Delivery errors are logged by the
// caller and never change the webhook response.
type Alerter interface {
	Alert(ctx context.Context, inc Incident) error
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, Incident) error { return nil }
