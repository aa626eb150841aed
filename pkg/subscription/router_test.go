package subscription_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func outcomeHandler(o subscription.Outcome) subscription.Handler {
	return func(_ context.Context, ev subscription.Event) (subscription.Result, error) {
		return subscription.Result{EventID: ev.ID, Kind: ev.Kind, Outcome: o}, nil
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("routes registered kinds", func(t *testing.T) {
		t.Parallel()
		r := subscription.NewRouter(nil).
			Handle(subscription.KindSubscriptionUpdated, outcomeHandler(subscription.OutcomeApplied)).
			Handle(subscription.KindCheckoutExpired, outcomeHandler(subscription.OutcomeObserved))

		res, err := r.Route(subscription.KindSubscriptionUpdated)(ctx, subscription.Event{ID: "e1", Kind: subscription.KindSubscriptionUpdated})
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeApplied, res.Outcome)

		res, err = r.Route(subscription.KindCheckoutExpired)(ctx, subscription.Event{ID: "e2"})
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeObserved, res.Outcome)

		assert.Equal(t, []subscription.Kind{
			subscription.KindCheckoutExpired,
			subscription.KindSubscriptionUpdated,
		}, r.Kinds())
	})

	t.Run("unknown kinds use fallback", func(t *testing.T) {
		t.Parallel()
		res, err := subscription.NewRouter(nil).Route("invoice.paid")(ctx, subscription.Event{ID: "e3", Kind: "invoice.paid"})
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeIgnored, res.Outcome)
		assert.Equal(t, "e3", res.EventID)

		custom := subscription.NewRouter(outcomeHandler(subscription.OutcomeObserved))
		res, err = custom.Route("invoice.paid")(ctx, subscription.Event{ID: "e4"})
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeObserved, res.Outcome)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		t.Parallel()
		r := subscription.NewRouter(nil).Handle(subscription.KindCheckoutCompleted, outcomeHandler(subscription.OutcomeApplied))
		assert.Panics(t, func() {
			r.Handle(subscription.KindCheckoutCompleted, outcomeHandler(subscription.OutcomeApplied))
		})
		assert.Panics(t, func() {
			r.Handle(subscription.KindCheckoutExpired, nil)
		})
	})
}
