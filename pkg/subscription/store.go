package subscription

import (
	"context"
	"time"
)

// Mutation computes the next record from the current one.
// Returning ErrStaleEvent acknowledges the event without changing the record.
type Mutation func(current Record) (Record, error)

// Store defines the interface for subscription record persistence.
// Each user has exactly one record, so UserID serves as the primary key.
//
// Implementations must serialize writes per user: Apply and the Consume
// methods for the same user can never interleave into a lost update.
type Store interface {
	// Get retrieves a record by user ID.
	// Returns ErrUserNotFound if no record exists.
	Get(ctx context.Context, userID string) (Record, error)

	// Create stores the free tier defaults for a new user.
	// Returns ErrUserAlreadyExists if the user has a record.
	Create(ctx context.Context, userID string) (Record, error)

	// Apply runs mutation as one atomic read-modify-write keyed by ev.ID.
	// An event ID that was already processed is skipped with OutcomeDuplicate;
	// a mutation returning ErrStaleEvent is recorded as processed and reported
	// as OutcomeStale. Both return the current record and a nil error.
	Apply(ctx context.Context, userID string, ev Event, mutation Mutation) (Record, Outcome, error)

	// Consume atomically adds one unit of usage, executed as a storage-side
	// delta rather than an application-level read and write.
	Consume(ctx context.Context, userID string) (Record, error)

	// ConsumeWithinLimit adds one unit only if usage is below the limit and the
	// billing period has not ended at now. Returns ErrSubscriptionRequired otherwise.
	ConsumeWithinLimit(ctx context.Context, userID string, now time.Time) (Record, error)
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
