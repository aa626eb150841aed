package subscription_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
	"github.com/dmitrymomot/billingkit/pkg/subscription/storetest"
)

func activeRecord(userID string, p subscription.Period, lastAt time.Time) subscription.Record {
	rec := subscription.NewRecord(userID)
	rec.Status = subscription.StatusActive
	rec.UsageLimit = subscription.UnlimitedUsageLimit
	rec.UsageCount = 17
	rec.BillingPeriodStart = &p.Start
	rec.BillingPeriodEnd = &p.End
	rec.LastEventID = "evt_prev"
	rec.LastEventAt = &lastAt
	return rec
}

func TestTransition_CheckoutCompleted(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	period := storetest.Period(now)

	t.Run("activates free tier user", func(t *testing.T) {
		t.Parallel()
		current := subscription.NewRecord("u1")
		current.UsageCount = 42

		next, err := subscription.Transition(current, storetest.Checkout("evt_1", "u1", period, now))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, next.Status)
		assert.Zero(t, next.UsageCount)
		assert.Equal(t, subscription.UnlimitedUsageLimit, next.UsageLimit)
		require.NotNil(t, next.BillingPeriodStart)
		assert.True(t, period.Start.Equal(*next.BillingPeriodStart))
		assert.True(t, period.End.Equal(*next.BillingPeriodEnd))
		assert.Equal(t, "evt_1", next.LastEventID)
		require.NotNil(t, next.LastEventAt)
		assert.True(t, now.Equal(*next.LastEventAt))
	})

	t.Run("renewal replaces window and resets usage", func(t *testing.T) {
		t.Parallel()
		old := storetest.Period(now.Add(-30 * 24 * time.Hour))
		current := activeRecord("u1", old, now.Add(-30*24*time.Hour))

		next, err := subscription.Transition(current, storetest.Checkout("evt_2", "u1", period, now))
		require.NoError(t, err)
		assert.Zero(t, next.UsageCount)
		assert.True(t, period.Start.Equal(*next.BillingPeriodStart))
	})

	t.Run("requires fetched period", func(t *testing.T) {
		t.Parallel()
		ev := storetest.Checkout("evt_3", "u1", period, now)
		p := ev.Payload.(subscription.CheckoutCompleted)
		p.Period = nil
		ev.Payload = p

		current := subscription.NewRecord("u1")
		next, err := subscription.Transition(current, ev)
		assert.ErrorIs(t, err, subscription.ErrMissingBillingPeriod)
		assert.Equal(t, current, next)
	})

	t.Run("rejects mismatched payload", func(t *testing.T) {
		t.Parallel()
		ev := subscription.Event{ID: "evt_4", Kind: subscription.KindCheckoutCompleted, Payload: subscription.CheckoutExpired{}}
		_, err := subscription.Transition(subscription.NewRecord("u1"), ev)
		assert.ErrorIs(t, err, subscription.ErrInvalidPayload)
	})
}

func TestTransition_SubscriptionUpdated(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	period := storetest.Period(now.Add(-time.Hour))

	tests := []struct {
		providerStatus string
		want           subscription.Status
		wantLimit      int64
	}{
		{"active", subscription.StatusActive, subscription.UnlimitedUsageLimit},
		{"ACTIVE", subscription.StatusActive, subscription.UnlimitedUsageLimit},
		{"past_due", subscription.StatusInactive, subscription.FreeUsageLimit},
		{"trialing", subscription.StatusInactive, subscription.FreeUsageLimit},
		{"canceled", subscription.StatusInactive, subscription.FreeUsageLimit},
		{"", subscription.StatusInactive, subscription.FreeUsageLimit},
		{"something_new", subscription.StatusInactive, subscription.FreeUsageLimit},
	}

	for _, tt := range tests {
		t.Run("status "+tt.providerStatus, func(t *testing.T) {
			t.Parallel()
			current := activeRecord("u1", period, now.Add(-time.Minute))

			next, err := subscription.Transition(current, storetest.Updated("evt_u", "u1", tt.providerStatus, &period, now))
			require.NoError(t, err)
			assert.Equal(t, tt.want, next.Status)
			assert.Equal(t, tt.wantLimit, next.UsageLimit)
			assert.Zero(t, next.UsageCount)
		})
	}

	t.Run("missing period keeps window", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now.Add(-time.Minute))

		next, err := subscription.Transition(current, storetest.Updated("evt_u", "u1", "active", nil, now))
		require.NoError(t, err)
		assert.True(t, period.End.Equal(*next.BillingPeriodEnd))
	})

	t.Run("replaces window with reported period", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now.Add(-time.Minute))
		renewed := storetest.Period(period.End)

		next, err := subscription.Transition(current, storetest.Updated("evt_u", "u1", "active", &renewed, now))
		require.NoError(t, err)
		assert.True(t, renewed.Start.Equal(*next.BillingPeriodStart))
		assert.True(t, renewed.End.Equal(*next.BillingPeriodEnd))
	})
}

func TestTransition_SubscriptionDeleted(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	period := storetest.Period(now.Add(-time.Hour))

	starts := []subscription.Record{
		subscription.NewRecord("u1"),
		activeRecord("u1", period, now.Add(-time.Minute)),
	}
	for _, current := range starts {
		next, err := subscription.Transition(current, storetest.Deleted("evt_d", "u1", now))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusInactive, next.Status)
		assert.Equal(t, subscription.FreeUsageLimit, next.UsageLimit)
		assert.Zero(t, next.UsageCount)
		assert.Equal(t, current.BillingPeriodEnd, next.BillingPeriodEnd)
	}
}

func TestTransition_Ordering(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	period := storetest.Period(now.Add(-time.Hour))

	t.Run("older period is stale", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now.Add(-time.Hour))
		older := storetest.Period(period.Start.Add(-30 * 24 * time.Hour))

		next, err := subscription.Transition(current, storetest.Updated("evt_old", "u1", "canceled", &older, now))
		assert.ErrorIs(t, err, subscription.ErrStaleEvent)
		assert.Equal(t, current, next)
	})

	t.Run("older timestamp within period is stale", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now)

		_, err := subscription.Transition(current, storetest.Updated("evt_old", "u1", "past_due", &period, now.Add(-time.Minute)))
		assert.ErrorIs(t, err, subscription.ErrStaleEvent)

		_, err = subscription.Transition(current, storetest.Deleted("evt_old", "u1", now.Add(-time.Minute)))
		assert.ErrorIs(t, err, subscription.ErrStaleEvent)
	})

	t.Run("newer period wins over timestamp", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now)
		renewed := storetest.Period(period.End)

		next, err := subscription.Transition(current, storetest.Updated("evt_new", "u1", "active", &renewed, now.Add(-time.Minute)))
		require.NoError(t, err)
		assert.True(t, renewed.Start.Equal(*next.BillingPeriodStart))
		require.NotNil(t, next.LastEventAt)
		assert.True(t, now.Equal(*next.LastEventAt), "last event time never moves backwards")
	})

	t.Run("deletion period outranks older renewal", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now.Add(-time.Hour))
		renewed := storetest.Period(period.End)

		deleted, err := subscription.Transition(current, storetest.DeletedIn("evt_del", "u1", renewed, now))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusInactive, deleted.Status)
		require.NotNil(t, deleted.LastPeriodStart)
		assert.True(t, renewed.Start.Equal(*deleted.LastPeriodStart))
		assert.True(t, period.Start.Equal(*deleted.BillingPeriodStart), "deletion keeps the last window")

		_, err = subscription.Transition(deleted, storetest.Updated("evt_late", "u1", "active", &renewed, now.Add(-time.Minute)))
		assert.ErrorIs(t, err, subscription.ErrStaleEvent)

		_, err = subscription.Transition(deleted, storetest.Updated("evt_older", "u1", "active", &period, now.Add(time.Minute)))
		assert.ErrorIs(t, err, subscription.ErrStaleEvent)
	})

	t.Run("period mark never moves backwards", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now.Add(-time.Hour))

		next, err := subscription.Transition(current, storetest.Updated("evt_nop", "u1", "active", nil, now))
		require.NoError(t, err)
		assert.Nil(t, next.LastPeriodStart)

		next, err = subscription.Transition(next, storetest.Updated("evt_same", "u1", "active", &period, now.Add(time.Minute)))
		require.NoError(t, err)
		require.NotNil(t, next.LastPeriodStart)
		assert.True(t, period.Start.Equal(*next.LastPeriodStart))
	})

	t.Run("equal timestamp is applied", func(t *testing.T) {
		t.Parallel()
		current := activeRecord("u1", period, now)

		next, err := subscription.Transition(current, storetest.Deleted("evt_same", "u1", now))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusInactive, next.Status)
	})
}

func TestTransition_UnknownKind(t *testing.T) {
	t.Parallel()

	for _, kind := range []subscription.Kind{subscription.KindCheckoutExpired, subscription.KindPaymentFailed, "invoice.paid"} {
		assert.False(t, subscription.HasTransition(kind))
		_, err := subscription.Transition(subscription.NewRecord("u1"), subscription.Event{ID: "evt", Kind: kind})
		assert.ErrorIs(t, err, subscription.ErrNoTransition)
	}
	assert.True(t, subscription.HasTransition(subscription.KindSubscriptionDeleted))
}

func TestTransition_Invariants(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Second)
	period := storetest.Period(now.Add(-time.Hour))

	events := []subscription.Event{
		storetest.Checkout("e1", "u1", period, now),
		storetest.Updated("e2", "u1", "active", &period, now),
		storetest.Updated("e3", "u1", "unpaid", &period, now),
		storetest.Updated("e4", "u1", "", nil, now),
		storetest.Deleted("e5", "u1", now),
	}
	starts := []subscription.Record{
		subscription.NewRecord("u1"),
		activeRecord("u1", storetest.Period(now.Add(-2*time.Hour)), now.Add(-time.Hour)),
		{UserID: "u1", Status: "legacy", UsageCount: -5, UsageLimit: 3},
	}

	for _, current := range starts {
		for _, ev := range events {
			next, err := subscription.Transition(current, ev)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, next.UsageCount, int64(0))
			assert.True(t, next.Status.IsValid())
			assert.Equal(t, next.Status.UsageLimit(), next.UsageLimit)
		}
	}
}
