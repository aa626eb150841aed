// Package storetest provides a conformance suite for subscription.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) subscription.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("get unknown user", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), newUserID())
		assert.ErrorIs(t, err, subscription.ErrUserNotFound)
	})

	t.Run("create seeds free tier", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := newUserID()

		rec, err := store.Create(ctx, userID)
		require.NoError(t, err)
		assertFreeTier(t, rec, userID)

		got, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assertFreeTier(t, got, userID)

		_, err = store.Create(ctx, userID)
		assert.ErrorIs(t, err, subscription.ErrUserAlreadyExists)
	})

	t.Run("apply checkout activates", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		period := Period(time.Now().Add(-time.Hour))
		ev := Checkout("evt_checkout", userID, period, time.Now())

		rec, outcome, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeApplied, outcome)
		assertActive(t, rec, period)
		assert.Equal(t, "evt_checkout", rec.LastEventID)

		got, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assertActive(t, got, period)
		assert.Equal(t, "evt_checkout", got.LastEventID)
		require.NotNil(t, got.LastEventAt)
	})

	t.Run("apply skips duplicate event", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		period := Period(time.Now().Add(-time.Hour))
		ev := Checkout("evt_dup", userID, period, time.Now())

		_, outcome, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)
		require.Equal(t, subscription.OutcomeApplied, outcome)

		_, err = store.Consume(ctx, userID)
		require.NoError(t, err)

		rec, outcome, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeDuplicate, outcome)
		assert.Equal(t, int64(1), rec.UsageCount, "redelivery must not reset usage")
	})

	t.Run("apply rejects stale event", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		now := time.Now().Truncate(time.Second)

		current := Period(now.Add(-time.Hour))
		ev := Checkout("evt_new", userID, current, now)
		_, _, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)

		older := Period(now.Add(-31 * 24 * time.Hour))
		stale := Updated("evt_old", userID, "past_due", &older, now.Add(-30*24*time.Hour))
		rec, outcome, err := store.Apply(ctx, userID, stale, subscription.TransitionFor(stale))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeStale, outcome)
		assertActive(t, rec, current)

		got, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assertActive(t, got, current)
		assert.Equal(t, "evt_new", got.LastEventID)

		_, outcome, err = store.Apply(ctx, userID, stale, subscription.TransitionFor(stale))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeDuplicate, outcome)
	})

	t.Run("apply deleted reverts to free tier", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		now := time.Now().Truncate(time.Second)
		period := Period(now.Add(-time.Hour))

		ev := Checkout("evt_a", userID, period, now.Add(-time.Minute))
		_, _, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)

		del := Deleted("evt_b", userID, now)
		rec, outcome, err := store.Apply(ctx, userID, del, subscription.TransitionFor(del))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeApplied, outcome)
		assert.Equal(t, subscription.StatusInactive, rec.Status)
		assert.Equal(t, subscription.FreeUsageLimit, rec.UsageLimit)
		assert.Zero(t, rec.UsageCount)
		require.NotNil(t, rec.BillingPeriodEnd, "deletion keeps the last window")
		assert.True(t, period.End.Equal(*rec.BillingPeriodEnd))
	})

	t.Run("late renewal after deletion is stale", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		now := time.Now().Truncate(time.Second)
		first := Period(now.Add(-31 * 24 * time.Hour))
		renewed := Period(first.End)

		ev := Checkout("evt_first", userID, first, now.Add(-time.Hour))
		_, _, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)

		del := DeletedIn("evt_cancel", userID, renewed, now.Add(time.Hour))
		rec, outcome, err := store.Apply(ctx, userID, del, subscription.TransitionFor(del))
		require.NoError(t, err)
		require.Equal(t, subscription.OutcomeApplied, outcome)
		require.NotNil(t, rec.LastPeriodStart)
		assert.True(t, renewed.Start.Equal(*rec.LastPeriodStart))

		late := Updated("evt_renewal", userID, "active", &renewed, now)
		rec, outcome, err = store.Apply(ctx, userID, late, subscription.TransitionFor(late))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeStale, outcome)
		assert.Equal(t, subscription.StatusInactive, rec.Status)

		got, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusInactive, got.Status)
		assert.Equal(t, subscription.FreeUsageLimit, got.UsageLimit)
		assert.Equal(t, "evt_cancel", got.LastEventID)
		require.NotNil(t, got.LastPeriodStart)
		assert.True(t, renewed.Start.Equal(*got.LastPeriodStart))
	})

	t.Run("apply unknown user", func(t *testing.T) {
		store := newStore(t)
		userID := newUserID()
		ev := Deleted("evt_ghost", userID, time.Now())
		_, _, err := store.Apply(context.Background(), userID, ev, subscription.TransitionFor(ev))
		assert.ErrorIs(t, err, subscription.ErrUserNotFound)
	})

	t.Run("apply propagates mutation error", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		boom := errors.New("boom")
		ev := Deleted("evt_fail", userID, time.Now())

		_, _, err := store.Apply(ctx, userID, ev, func(subscription.Record) (subscription.Record, error) {
			return subscription.Record{}, boom
		})
		assert.ErrorIs(t, err, boom)

		// not recorded as processed
		_, outcome, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeApplied, outcome)
	})

	t.Run("consume increments", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)

		for i := 1; i <= 3; i++ {
			rec, err := store.Consume(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, int64(i), rec.UsageCount)
		}

		_, err := store.Consume(ctx, newUserID())
		assert.ErrorIs(t, err, subscription.ErrUserNotFound)
	})

	t.Run("consume within limit", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		now := time.Now()

		for range subscription.FreeUsageLimit {
			_, err := store.ConsumeWithinLimit(ctx, userID, now)
			require.NoError(t, err)
		}

		rec, err := store.ConsumeWithinLimit(ctx, userID, now)
		assert.ErrorIs(t, err, subscription.ErrSubscriptionRequired)

		got, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.FreeUsageLimit, got.UsageCount)
		assert.Equal(t, got.UsageCount, rec.UsageCount)

		_, err = store.ConsumeWithinLimit(ctx, newUserID(), now)
		assert.ErrorIs(t, err, subscription.ErrUserNotFound)
	})

	t.Run("consume within limit honors period end", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		period := Period(time.Now().Add(-45 * 24 * time.Hour))

		ev := Checkout("evt_lapsed", userID, period, time.Now())
		_, _, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
		require.NoError(t, err)

		_, err = store.ConsumeWithinLimit(ctx, userID, time.Now())
		assert.ErrorIs(t, err, subscription.ErrSubscriptionRequired)

		rec, err := store.ConsumeWithinLimit(ctx, userID, period.End)
		require.NoError(t, err, "the end instant itself is still inside the period")
		assert.Equal(t, int64(1), rec.UsageCount)
	})

	t.Run("concurrent consume loses no updates", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		const n = 50

		var g errgroup.Group
		for range n {
			g.Go(func() error {
				_, err := store.Consume(ctx, userID)
				return err
			})
		}
		require.NoError(t, g.Wait())

		rec, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(n), rec.UsageCount)
	})

	t.Run("concurrent hard consume stops at limit", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		const n = 120

		var denied atomic.Int64
		var g errgroup.Group
		for range n {
			g.Go(func() error {
				_, err := store.ConsumeWithinLimit(ctx, userID, time.Now())
				if errors.Is(err, subscription.ErrSubscriptionRequired) {
					denied.Add(1)
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())

		rec, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.FreeUsageLimit, rec.UsageCount)
		assert.Equal(t, int64(n)-subscription.FreeUsageLimit, denied.Load())
	})

	t.Run("concurrent duplicate delivery applies once", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		userID := seed(t, store)
		ev := Checkout("evt_race", userID, Period(time.Now().Add(-time.Hour)), time.Now())

		var applied atomic.Int64
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				_, outcome, err := store.Apply(ctx, userID, ev, subscription.TransitionFor(ev))
				if outcome == subscription.OutcomeApplied {
					applied.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int64(1), applied.Load())
	})
}

func newUserID() string {
	return "user_" + uuid.NewString()
}

func seed(t *testing.T, store subscription.Store) string {
	t.Helper()
	userID := newUserID()
	_, err := store.Create(context.Background(), userID)
	require.NoError(t, err)
	return userID
}

// Period returns a 30 day billing window starting at start, truncated to seconds.
func Period(start time.Time) subscription.Period {
	start = start.UTC().Truncate(time.Second)
	return subscription.Period{Start: start, End: start.Add(30 * 24 * time.Hour)}
}

// Checkout builds a completed subscription checkout carrying a fetched period.
func Checkout(id, userID string, p subscription.Period, at time.Time) subscription.Event {
	return subscription.Event{
		ID:         id,
		Kind:       subscription.KindCheckoutCompleted,
		Provider:   "test",
		OccurredAt: at.UTC().Truncate(time.Second),
		Payload: subscription.CheckoutCompleted{
			SessionID:      "cs_" + id,
			UserID:         userID,
			SubscriptionID: "sub_" + userID,
			Subscription:   true,
			Period:         &p,
		},
	}
}

// Updated builds a subscription update event.
func Updated(id, userID, status string, p *subscription.Period, at time.Time) subscription.Event {
	return subscription.Event{
		ID:         id,
		Kind:       subscription.KindSubscriptionUpdated,
		Provider:   "test",
		OccurredAt: at.UTC().Truncate(time.Second),
		Payload: subscription.SubscriptionChanged{
			SubscriptionID: "sub_" + userID,
			UserID:         userID,
			ProviderStatus: status,
			Period:         p,
		},
	}
}

// Deleted builds a subscription deletion event.
func Deleted(id, userID string, at time.Time) subscription.Event {
	return subscription.Event{
		ID:         id,
		Kind:       subscription.KindSubscriptionDeleted,
		Provider:   "test",
		OccurredAt: at.UTC().Truncate(time.Second),
		Payload: subscription.SubscriptionChanged{
			SubscriptionID: "sub_" + userID,
			UserID:         userID,
			ProviderStatus: "canceled",
		},
	}
}

// DeletedIn builds a subscription deletion event that reports its final period.
func DeletedIn(id, userID string, p subscription.Period, at time.Time) subscription.Event {
	ev := Deleted(id, userID, at)
	payload := ev.Payload.(subscription.SubscriptionChanged)
	payload.Period = &p
	ev.Payload = payload
	return ev
}

func assertFreeTier(t *testing.T, rec subscription.Record, userID string) {
	t.Helper()
	assert.Equal(t, userID, rec.UserID)
	assert.Equal(t, subscription.StatusInactive, rec.Status)
	assert.Zero(t, rec.UsageCount)
	assert.Equal(t, subscription.FreeUsageLimit, rec.UsageLimit)
	assert.Nil(t, rec.BillingPeriodStart)
	assert.Nil(t, rec.BillingPeriodEnd)
}

func assertActive(t *testing.T, rec subscription.Record, p subscription.Period) {
	t.Helper()
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Zero(t, rec.UsageCount)
	assert.Equal(t, subscription.UnlimitedUsageLimit, rec.UsageLimit)
	require.NotNil(t, rec.BillingPeriodStart)
	require.NotNil(t, rec.BillingPeriodEnd)
	assert.True(t, p.Start.Equal(*rec.BillingPeriodStart), fmt.Sprintf("start %s != %s", p.Start, rec.BillingPeriodStart))
	assert.True(t, p.End.Equal(*rec.BillingPeriodEnd), fmt.Sprintf("end %s != %s", p.End, rec.BillingPeriodEnd))
}
