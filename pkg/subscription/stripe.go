package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ProviderStripe names events produced by StripeVerifier.
const ProviderStripe = "stripe"

// StripeSignatureHeader is the header carrying Stripe webhook signatures.
const StripeSignatureHeader = "Stripe-Signature"

// StripeConfig holds configuration for the Stripe integration.
type StripeConfig struct {
	SecretKey          string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret      string        `env:"STRIPE_WEBHOOK_SECRET"`
	UserMetadataKey    string        `env:"STRIPE_USER_METADATA_KEY" envDefault:"userId"`
	SignatureTolerance time.Duration `env:"STRIPE_SIGNATURE_TOLERANCE" envDefault:"5m"`
}

// Enabled reports whether the webhook secret is configured.
func (c StripeConfig) Enabled() bool {
	return c.WebhookSecret != ""
}

// StripeVerifier verifies Stripe-Signature headers and decodes Stripe events.
type StripeVerifier struct {
	secret    string
	userKey   string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier from config.
func NewStripeVerifier(cfg StripeConfig) (*StripeVerifier, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if cfg.UserMetadataKey == "" {
		cfg.UserMetadataKey = "userId"
	}
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{
		secret:    cfg.WebhookSecret,
		userKey:   cfg.UserMetadataKey,
		tolerance: cfg.SignatureTolerance,
	}, nil
}

// Verify checks the signature over payload and decodes the event object.
func (v *StripeVerifier) Verify(_ context.Context, payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" {
		return Event{}, errors.Join(ErrSignatureInvalid, errors.New("missing Stripe-Signature header"))
	}

	se, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, errors.Join(ErrSignatureInvalid, err)
	}

	ev := Event{
		ID:         se.ID,
		Kind:       Kind(se.Type),
		Provider:   ProviderStripe,
		OccurredAt: time.Unix(se.Created, 0).UTC(),
	}
	var raw json.RawMessage
	if se.Data != nil {
		raw = se.Data.Raw
	}

	ev.Payload, err = v.decode(ev.Kind, raw)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (v *StripeVerifier) decode(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindCheckoutCompleted:
		var s stripeCheckoutSession
		if err := decodeObject(kind, raw, &s); err != nil {
			return nil, err
		}
		userID := strings.TrimSpace(s.Metadata[v.userKey])
		if userID == "" {
			userID = strings.TrimSpace(s.ClientReferenceID)
		}
		return CheckoutCompleted{
			SessionID:      s.ID,
			UserID:         userID,
			SubscriptionID: string(s.Subscription),
			Subscription:   s.Mode == string(stripe.CheckoutSessionModeSubscription),
		}, nil

	case KindCheckoutExpired:
		var s stripeCheckoutSession
		if err := decodeObject(kind, raw, &s); err != nil {
			return nil, err
		}
		return CheckoutExpired{SessionID: s.ID}, nil

	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		var s stripeSubscription
		if err := decodeObject(kind, raw, &s); err != nil {
			return nil, err
		}
		return SubscriptionChanged{
			SubscriptionID: s.ID,
			UserID:         strings.TrimSpace(s.Metadata[v.userKey]),
			ProviderStatus: s.Status,
			Period:         s.period(),
		}, nil

	case KindPaymentFailed:
		var p stripePaymentIntent
		if err := decodeObject(kind, raw, &p); err != nil {
			return nil, err
		}
		reason := ""
		if p.LastPaymentError != nil {
			reason = p.LastPaymentError.Message
		}
		return PaymentFailed{PaymentID: p.ID, Reason: reason}, nil
	}

	return Unrecognized{ProviderEvent: string(kind)}, nil
}

func decodeObject(kind Kind, raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: %s has no data object", ErrInvalidPayload, kind)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Join(ErrInvalidPayload, fmt.Errorf("decode %s: %w", kind, err))
	}
	return nil
}

// stripeID decodes an expandable field that is either an ID string or an object with an id.
type stripeID string

func (id *stripeID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = stripeID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*id = stripeID(obj.ID)
	return nil
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Subscription      stripeID          `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// period prefers the first subscription item, where current API versions
// report the window, and falls back to the legacy top-level fields.
func (s stripeSubscription) period() *Period {
	for _, item := range s.Items.Data {
		if p, ok := unixPeriod(item.CurrentPeriodStart, item.CurrentPeriodEnd); ok {
			return &p
		}
	}
	if p, ok := unixPeriod(s.CurrentPeriodStart, s.CurrentPeriodEnd); ok {
		return &p
	}
	return nil
}

type stripePaymentIntent struct {
	ID               string `json:"id"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func unixPeriod(start, end int64) (Period, bool) {
	if start <= 0 || end <= 0 {
		return Period{}, false
	}
	p := Period{Start: time.Unix(start, 0).UTC(), End: time.Unix(end, 0).UTC()}
	return p, p.Valid()
}

// StripePeriodFetcher reads subscription billing periods from the Stripe API.
type StripePeriodFetcher struct {
	client stripesub.Client
}

// StripeFetcherOption configures a StripePeriodFetcher.
type StripeFetcherOption func(*StripePeriodFetcher)

// WithStripeBackend overrides the API backend, e.g. to point at a test server.
func WithStripeBackend(b stripe.Backend) StripeFetcherOption {
	return func(f *StripePeriodFetcher) {
		if b != nil {
			f.client.B = b
		}
	}
}

// NewStripePeriodFetcher creates a fetcher authenticated with cfg.SecretKey.
func NewStripePeriodFetcher(cfg StripeConfig, opts ...StripeFetcherOption) (*StripePeriodFetcher, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	f := &StripePeriodFetcher{
		client: stripesub.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FetchPeriod returns the current billing period of a Stripe subscription.
func (f *StripePeriodFetcher) FetchPeriod(ctx context.Context, subscriptionID string) (Period, error) {
	if subscriptionID == "" {
		return Period{}, ErrMissingSubscriptionID
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := f.client.Get(subscriptionID, params)
	if err != nil {
		return Period{}, fmt.Errorf("retrieve stripe subscription: %w", err)
	}

	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if p, ok := unixPeriod(item.CurrentPeriodStart, item.CurrentPeriodEnd); ok {
				return p, nil
			}
		}
	}
	return Period{}, ErrMissingBillingPeriod
}
