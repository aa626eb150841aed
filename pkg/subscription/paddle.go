package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// ProviderPaddle names events produced by PaddleVerifier.
const ProviderPaddle = "paddle"

// PaddleSignatureHeader is the header carrying Paddle webhook signatures.
const PaddleSignatureHeader = "Paddle-Signature"

// PaddleConfig holds configuration for the Paddle integration.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	UserDataKey   string `env:"PADDLE_USER_DATA_KEY" envDefault:"userId"`
}

// Enabled reports whether the webhook secret is configured.
func (c PaddleConfig) Enabled() bool {
	return c.WebhookSecret != ""
}

// paddleKinds maps Paddle event types onto engine kinds.
var paddleKinds = map[string]Kind{
	"transaction.completed":      KindCheckoutCompleted,
	"subscription.updated":       KindSubscriptionUpdated,
	"subscription.canceled":      KindSubscriptionDeleted,
	"transaction.payment_failed": KindPaymentFailed,
}

// PaddleVerifier verifies Paddle-Signature headers and decodes Paddle events.
type PaddleVerifier struct {
	verifier *paddle.WebhookVerifier
	userKey  string
}

// NewPaddleVerifier creates a verifier from config.
func NewPaddleVerifier(cfg PaddleConfig) (*PaddleVerifier, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if cfg.UserDataKey == "" {
		cfg.UserDataKey = "userId"
	}
	return &PaddleVerifier{
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		userKey:  cfg.UserDataKey,
	}, nil
}

type paddleNotification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleBillingPeriod struct {
	StartsAt string `json:"starts_at"`
	EndsAt   string `json:"ends_at"`
}

type paddleTransaction struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	SubscriptionID *string        `json:"subscription_id"`
	CustomData     map[string]any `json:"custom_data"`
}

type paddleSubscription struct {
	ID                   string               `json:"id"`
	Status               string               `json:"status"`
	CustomData           map[string]any       `json:"custom_data"`
	CurrentBillingPeriod *paddleBillingPeriod `json:"current_billing_period"`
}

// Verify checks the signature over payload and decodes the event object.
// The Paddle SDK verifies requests, so the body is wrapped into one.
func (v *PaddleVerifier) Verify(ctx context.Context, payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" {
		return Event{}, errors.Join(ErrSignatureInvalid, errors.New("missing Paddle-Signature header"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return Event{}, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set(PaddleSignatureHeader, signature)

	valid, err := v.verifier.Verify(req)
	if err != nil {
		return Event{}, errors.Join(ErrSignatureInvalid, err)
	}
	if !valid {
		return Event{}, ErrSignatureInvalid
	}

	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Event{}, errors.Join(ErrInvalidPayload, fmt.Errorf("decode paddle notification: %w", err))
	}

	ev := Event{
		ID:       n.EventID,
		Provider: ProviderPaddle,
	}
	if ts, err := time.Parse(time.RFC3339Nano, n.OccurredAt); err == nil {
		ev.OccurredAt = ts.UTC()
	}

	kind, known := paddleKinds[n.EventType]
	if !known {
		ev.Kind = Kind(n.EventType)
		ev.Payload = Unrecognized{ProviderEvent: n.EventType}
		return ev, nil
	}
	ev.Kind = kind

	ev.Payload, err = v.decode(kind, n.Data)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (v *PaddleVerifier) decode(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindCheckoutCompleted:
		var t paddleTransaction
		if err := decodeObject(kind, raw, &t); err != nil {
			return nil, err
		}
		subID := ""
		if t.SubscriptionID != nil {
			subID = *t.SubscriptionID
		}
		return CheckoutCompleted{
			SessionID:      t.ID,
			UserID:         customString(t.CustomData, v.userKey),
			SubscriptionID: subID,
			Subscription:   subID != "",
		}, nil

	case KindPaymentFailed:
		var t paddleTransaction
		if err := decodeObject(kind, raw, &t); err != nil {
			return nil, err
		}
		return PaymentFailed{PaymentID: t.ID, Reason: t.Status}, nil

	default:
		var s paddleSubscription
		if err := decodeObject(kind, raw, &s); err != nil {
			return nil, err
		}
		changed := SubscriptionChanged{
			SubscriptionID: s.ID,
			UserID:         customString(s.CustomData, v.userKey),
			ProviderStatus: s.Status,
		}
		if s.CurrentBillingPeriod != nil {
			if p, ok := parsePaddlePeriod(s.CurrentBillingPeriod.StartsAt, s.CurrentBillingPeriod.EndsAt); ok {
				changed.Period = &p
			}
		}
		return changed, nil
	}
}

func customString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func parsePaddlePeriod(startsAt, endsAt string) (Period, bool) {
	start, err := time.Parse(time.RFC3339Nano, startsAt)
	if err != nil {
		return Period{}, false
	}
	end, err := time.Parse(time.RFC3339Nano, endsAt)
	if err != nil {
		return Period{}, false
	}
	p := Period{Start: start.UTC(), End: end.UTC()}
	return p, p.Valid()
}

// PaddlePeriodFetcher reads subscription billing periods from the Paddle API.
type PaddlePeriodFetcher struct {
	client *paddle.SDK
}

// NewPaddlePeriodFetcher creates a fetcher for the configured environment.
func NewPaddlePeriodFetcher(cfg PaddleConfig) (*PaddlePeriodFetcher, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, errors.Join(ErrInvalidProviderEnvironment, fmt.Errorf("paddle environment %q", cfg.Environment))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddlePeriodFetcher{client: client}, nil
}

// FetchPeriod returns the current billing period of a Paddle subscription.
func (f *PaddlePeriodFetcher) FetchPeriod(ctx context.Context, subscriptionID string) (Period, error) {
	if subscriptionID == "" {
		return Period{}, ErrMissingSubscriptionID
	}

	sub, err := f.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return Period{}, fmt.Errorf("retrieve paddle subscription: %w", err)
	}
	if sub.CurrentBillingPeriod == nil {
		return Period{}, ErrMissingBillingPeriod
	}

	p, ok := parsePaddlePeriod(sub.CurrentBillingPeriod.StartsAt, sub.CurrentBillingPeriod.EndsAt)
	if !ok {
		return Period{}, ErrMissingBillingPeriod
	}
	return p, nil
}
