package subscription

import "errors"

var (
	// ErrSignatureInvalid marks a webhook that failed provider signature
	// verification. It must never be retried by re-parsing the body.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrInvalidPayload marks a verified event whose object does not match the
	// schema expected for its kind.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrMissingReference marks an event without the user linkage needed to
	// locate a subscription record.
	ErrMissingReference = errors.New("webhook event is missing user reference")

	// ErrUserNotFound marks a referenced user with no subscription record.
	ErrUserNotFound = errors.New("subscription user not found")

	ErrUserAlreadyExists = errors.New("subscription user already exists")

	// ErrSubscriptionRequired marks an exhausted quota or lapsed billing period.
	ErrSubscriptionRequired = errors.New("subscription required")

	// ErrProcessing marks an unexpected failure while applying an event.
	// The webhook endpoint answers with a 5xx so the provider retries.
	ErrProcessing = errors.New("webhook processing failed")

	// ErrStaleEvent is returned by a transition for an event older than the
	// state already stored. Stores acknowledge it without mutating the record.
	ErrStaleEvent = errors.New("webhook event is older than stored state")

	ErrNoTransition = errors.New("no subscription transition for event kind")

	// Provider configuration errors
	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrMissingSubscriptionID      = errors.New("provider subscription ID is required")
	ErrMissingBillingPeriod       = errors.New("provider did not report a billing period")
)

// Reason returns a stable snake_case classification of a webhook error,
// suitable for metric labels and API error codes.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrMissingReference):
		return "missing_reference"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrProcessing):
		return "processing_error"
	default:
		return "internal_error"
	}
}
