package subscription_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

const stripeSecret = "whsec_test_secret"

func stripeEvent(id, kind, object string) []byte {
	return fmt.Appendf(nil,
		`{"id":%q,"object":"event","type":%q,"created":1767225600,"api_version":"2025-03-31.basil","data":{"object":%s}}`,
		id, kind, object)
}

func signStripe(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func newStripeVerifier(t *testing.T) *subscription.StripeVerifier {
	t.Helper()
	v, err := subscription.NewStripeVerifier(subscription.StripeConfig{WebhookSecret: stripeSecret})
	require.NoError(t, err)
	return v
}

func TestNewStripeVerifier(t *testing.T) {
	t.Parallel()

	_, err := subscription.NewStripeVerifier(subscription.StripeConfig{})
	assert.ErrorIs(t, err, subscription.ErrMissingWebhookSecret)
}

func TestStripeVerifier_Signature(t *testing.T) {
	t.Parallel()

	v := newStripeVerifier(t)
	payload := stripeEvent("evt_1", "checkout.session.expired", `{"id":"cs_1"}`)

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify(context.Background(), payload, "")
		assert.ErrorIs(t, err, subscription.ErrSignatureInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify(context.Background(), payload, signStripe(payload, "whsec_other"))
		assert.ErrorIs(t, err, subscription.ErrSignatureInvalid)
	})

	t.Run("tampered body", func(t *testing.T) {
		t.Parallel()
		sig := signStripe(payload, stripeSecret)
		tampered := stripeEvent("evt_1", "checkout.session.expired", `{"id":"cs_2"}`)
		_, err := v.Verify(context.Background(), tampered, sig)
		assert.ErrorIs(t, err, subscription.ErrSignatureInvalid)
	})

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		ev, err := v.Verify(context.Background(), payload, signStripe(payload, stripeSecret))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, subscription.KindCheckoutExpired, ev.Kind)
		assert.Equal(t, subscription.ProviderStripe, ev.Provider)
		assert.Equal(t, time.Unix(1767225600, 0).UTC(), ev.OccurredAt)
		assert.Equal(t, subscription.CheckoutExpired{SessionID: "cs_1"}, ev.Payload)
	})
}

func TestStripeVerifier_Payloads(t *testing.T) {
	t.Parallel()

	v := newStripeVerifier(t)

	tests := []struct {
		name   string
		kind   string
		object string
		want   subscription.Payload
	}{
		{
			name:   "subscription checkout with metadata user",
			kind:   "checkout.session.completed",
			object: `{"id":"cs_1","mode":"subscription","subscription":"sub_1","client_reference_id":"other","metadata":{"userId":"u1"}}`,
			want:   subscription.CheckoutCompleted{SessionID: "cs_1", UserID: "u1", SubscriptionID: "sub_1", Subscription: true},
		},
		{
			name:   "checkout falls back to client reference",
			kind:   "checkout.session.completed",
			object: `{"id":"cs_2","mode":"subscription","subscription":{"id":"sub_2"},"client_reference_id":"u2","metadata":{}}`,
			want:   subscription.CheckoutCompleted{SessionID: "cs_2", UserID: "u2", SubscriptionID: "sub_2", Subscription: true},
		},
		{
			name:   "one-time checkout",
			kind:   "checkout.session.completed",
			object: `{"id":"cs_3","mode":"payment","subscription":null,"metadata":{"userId":"u3"}}`,
			want:   subscription.CheckoutCompleted{SessionID: "cs_3", UserID: "u3"},
		},
		{
			name:   "subscription updated with item period",
			kind:   "customer.subscription.updated",
			object: `{"id":"sub_1","status":"active","metadata":{"userId":"u1"},"items":{"data":[{"current_period_start":1767225600,"current_period_end":1769904000}]}}`,
			want: subscription.SubscriptionChanged{
				SubscriptionID: "sub_1",
				UserID:         "u1",
				ProviderStatus: "active",
				Period:         &subscription.Period{Start: time.Unix(1767225600, 0).UTC(), End: time.Unix(1769904000, 0).UTC()},
			},
		},
		{
			name:   "subscription updated with legacy period",
			kind:   "customer.subscription.updated",
			object: `{"id":"sub_1","status":"past_due","metadata":{"userId":"u1"},"current_period_start":1767225600,"current_period_end":1769904000}`,
			want: subscription.SubscriptionChanged{
				SubscriptionID: "sub_1",
				UserID:         "u1",
				ProviderStatus: "past_due",
				Period:         &subscription.Period{Start: time.Unix(1767225600, 0).UTC(), End: time.Unix(1769904000, 0).UTC()},
			},
		},
		{
			name:   "subscription deleted without metadata",
			kind:   "customer.subscription.deleted",
			object: `{"id":"sub_9","status":"canceled"}`,
			want:   subscription.SubscriptionChanged{SubscriptionID: "sub_9", ProviderStatus: "canceled"},
		},
		{
			name:   "payment failed",
			kind:   "payment_intent.payment_failed",
			object: `{"id":"pi_1","last_payment_error":{"message":"Your card was declined."}}`,
			want:   subscription.PaymentFailed{PaymentID: "pi_1", Reason: "Your card was declined."},
		},
		{
			name:   "unrecognized kind",
			kind:   "invoice.paid",
			object: `{"id":"in_1"}`,
			want:   subscription.Unrecognized{ProviderEvent: "invoice.paid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			payload := stripeEvent("evt_"+tt.name, tt.kind, tt.object)

			ev, err := v.Verify(context.Background(), payload, signStripe(payload, stripeSecret))
			require.NoError(t, err)
			assert.Equal(t, subscription.Kind(tt.kind), ev.Kind)
			assert.Equal(t, tt.want, ev.Payload)
		})
	}
}

func TestStripeVerifier_InvalidPayload(t *testing.T) {
	t.Parallel()

	v := newStripeVerifier(t)
	payload := stripeEvent("evt_bad", "customer.subscription.updated", `{"id":"sub_1","status":42}`)

	_, err := v.Verify(context.Background(), payload, signStripe(payload, stripeSecret))
	assert.ErrorIs(t, err, subscription.ErrInvalidPayload)
	assert.NotErrorIs(t, err, subscription.ErrSignatureInvalid)
}

func TestStripeVerifier_CustomMetadataKey(t *testing.T) {
	t.Parallel()

	v, err := subscription.NewStripeVerifier(subscription.StripeConfig{WebhookSecret: stripeSecret, UserMetadataKey: "account"})
	require.NoError(t, err)
	payload := stripeEvent("evt_1", "customer.subscription.deleted", `{"id":"sub_1","status":"canceled","metadata":{"account":"acc_1"}}`)

	ev, err := v.Verify(context.Background(), payload, signStripe(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, "acc_1", ev.UserRef())
}

func TestStripePeriodFetcher(t *testing.T) {
	t.Parallel()

	_, err := subscription.NewStripePeriodFetcher(subscription.StripeConfig{})
	assert.ErrorIs(t, err, subscription.ErrMissingAPIKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriptions/sub_1":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"sub_1","object":"subscription","status":"active","items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_start":1767225600,"current_period_end":1769904000}]}}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"No such subscription"}}`)
		}
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	f, err := subscription.NewStripePeriodFetcher(subscription.StripeConfig{SecretKey: "sk_test_123"}, subscription.WithStripeBackend(backend))
	require.NoError(t, err)

	p, err := f.FetchPeriod(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), p.Start)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), p.End)

	_, err = f.FetchPeriod(context.Background(), "sub_missing")
	assert.Error(t, err)

	_, err = f.FetchPeriod(context.Background(), "")
	assert.ErrorIs(t, err, subscription.ErrMissingSubscriptionID)
}
