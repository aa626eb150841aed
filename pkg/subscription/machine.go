package subscription

import (
	"fmt"
	"time"
)

type transitionFunc func(current Record, ev Event) (Record, error)

// transitions is the state machine table keyed by event kind.
// Kinds absent from the table never mutate a record.
var transitions = map[Kind]transitionFunc{
	KindCheckoutCompleted:   activate,
	KindSubscriptionUpdated: syncStatus,
	KindSubscriptionDeleted: deactivate,
}

// Transition computes the record that results from applying ev to current.
// It is pure: stores call it inside their atomic read-modify-write.
//
// The result always satisfies the record invariants. Events older than the
// stored state fail with ErrStaleEvent and leave current untouched.
func Transition(current Record, ev Event) (Record, error) {
	fn, ok := transitions[ev.Kind]
	if !ok {
		return current, fmt.Errorf("%w: %s", ErrNoTransition, ev.Kind)
	}

	next, err := fn(current, ev)
	if err != nil {
		return current, err
	}

	next = next.normalize()
	next.LastEventID = ev.ID
	if !ev.OccurredAt.IsZero() && (current.LastEventAt == nil || ev.OccurredAt.After(*current.LastEventAt)) {
		next.LastEventAt = timePtr(ev.OccurredAt.UTC())
	}
	if rp := reportedPeriod(ev); rp != nil && (current.LastPeriodStart == nil || rp.Start.After(*current.LastPeriodStart)) {
		next.LastPeriodStart = timePtr(rp.Start.UTC())
	}
	next.UpdatedAt = time.Now().UTC()

	return next, nil
}

// reportedPeriod returns the billing period an event carries, if any.
func reportedPeriod(ev Event) *Period {
	switch p := ev.Payload.(type) {
	case CheckoutCompleted:
		return p.Period
	case SubscriptionChanged:
		return p.Period
	}
	return nil
}

// TransitionFor binds ev to Transition as a store mutation.
func TransitionFor(ev Event) Mutation {
	return func(current Record) (Record, error) {
		return Transition(current, ev)
	}
}

// HasTransition reports whether events of kind change subscription records.
func HasTransition(kind Kind) bool {
	_, ok := transitions[kind]
	return ok
}

// activate starts or renews a paid billing period from a completed checkout.
func activate(current Record, ev Event) (Record, error) {
	p, ok := ev.Payload.(CheckoutCompleted)
	if !ok {
		return current, fmt.Errorf("%w: %s carries %T", ErrInvalidPayload, ev.Kind, ev.Payload)
	}
	if p.Period == nil {
		return current, ErrMissingBillingPeriod
	}
	if isStale(current, p.Period, ev.OccurredAt) {
		return current, ErrStaleEvent
	}

	next := current
	next.Status = StatusActive
	next.UsageCount = 0
	return next.withPeriod(p.Period), nil
}

// syncStatus mirrors the provider status and resets usage for the reported period.
func syncStatus(current Record, ev Event) (Record, error) {
	p, ok := ev.Payload.(SubscriptionChanged)
	if !ok {
		return current, fmt.Errorf("%w: %s carries %T", ErrInvalidPayload, ev.Kind, ev.Payload)
	}
	if isStale(current, p.Period, ev.OccurredAt) {
		return current, ErrStaleEvent
	}

	next := current
	next.Status = StatusFromProvider(p.ProviderStatus)
	next.UsageCount = 0
	return next.withPeriod(p.Period), nil
}

// deactivate reverts to the free tier. The billing window keeps its last
// known value since the provider considers the subscription terminated.
func deactivate(current Record, ev Event) (Record, error) {
	p, ok := ev.Payload.(SubscriptionChanged)
	if !ok {
		return current, fmt.Errorf("%w: %s carries %T", ErrInvalidPayload, ev.Kind, ev.Payload)
	}
	if isStale(current, p.Period, ev.OccurredAt) {
		return current, ErrStaleEvent
	}

	next := current
	next.Status = StatusInactive
	next.UsageCount = 0
	return next, nil
}

// isStale reports whether an event describes state older than current.
// The reported billing period is compared with the latest period any
// applied event carried, deletions included; within the same period (or
// without one) the provider event timestamp breaks the tie.
func isStale(current Record, reported *Period, occurredAt time.Time) bool {
	mark := current.LastPeriodStart
	if mark == nil {
		mark = current.BillingPeriodStart
	}
	if reported != nil && mark != nil {
		switch {
		case reported.Start.Before(*mark):
			return true
		case reported.Start.After(*mark):
			return false
		}
	}
	if occurredAt.IsZero() || current.LastEventAt == nil {
		return false
	}
	return occurredAt.Before(*current.LastEventAt)
}
