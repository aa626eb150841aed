// Package pgstore implements subscription.Store on PostgreSQL.
//
// Apply locks the user's row with SELECT ... FOR UPDATE and records the event
// ID in subscription_events in the same transaction. Consume runs a single
// UPDATE with a storage-side increment.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the store schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return pg.Migrate(ctx, pool, sub, cfg, log)
}

const columns = `user_id, status, usage_count, usage_limit, billing_period_start,
	billing_period_end, last_event_id, last_event_at, updated_at, last_period_start`

// Store is a PostgreSQL subscription.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ subscription.Store = (*Store)(nil)

// New creates a Store over pool. Panics if pool is nil.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, userID string) (subscription.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM subscriptions WHERE user_id = $1`, userID))
	if err != nil {
		return subscription.Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, userID string) (subscription.Record, error) {
	rec := subscription.NewRecord(userID)
	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, status, usage_count, usage_limit, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+columns,
		rec.UserID, string(rec.Status), rec.UsageCount, rec.UsageLimit, rec.UpdatedAt,
	)
	created, err := scanRecord(row)
	if pg.IsDuplicateKeyError(err) {
		return subscription.Record{}, subscription.ErrUserAlreadyExists
	}
	if err != nil {
		return subscription.Record{}, fmt.Errorf("insert subscription: %w", err)
	}
	return created, nil
}

func (s *Store) Apply(ctx context.Context, userID string, ev subscription.Event, mutation subscription.Mutation) (subscription.Record, subscription.Outcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return subscription.Record{}, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanRecord(tx.QueryRow(ctx, `SELECT `+columns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return subscription.Record{}, "", notFound(err)
	}

	var seen bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscription_events WHERE event_id = $1)`, ev.ID).Scan(&seen); err != nil {
		return current, "", fmt.Errorf("check processed event: %w", err)
	}
	if seen {
		return current, subscription.OutcomeDuplicate, nil
	}

	next, err := mutation(current)
	outcome := subscription.OutcomeApplied
	switch {
	case errors.Is(err, subscription.ErrStaleEvent):
		outcome = subscription.OutcomeStale
		next = current
	case err != nil:
		return current, "", err
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE subscriptions SET
				status = $2, usage_count = $3, usage_limit = $4,
				billing_period_start = $5, billing_period_end = $6,
				last_event_id = $7, last_event_at = $8, updated_at = $9,
				last_period_start = $10
			WHERE user_id = $1`,
			userID, string(next.Status), next.UsageCount, next.UsageLimit,
			next.BillingPeriodStart, next.BillingPeriodEnd,
			next.LastEventID, next.LastEventAt, next.UpdatedAt,
			next.LastPeriodStart,
		); err != nil {
			return current, "", fmt.Errorf("update subscription: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO subscription_events (event_id, user_id, kind, outcome)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, userID, string(ev.Kind), string(outcome),
	)
	if err != nil {
		return current, "", fmt.Errorf("record processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// processed concurrently for another user
		return current, subscription.OutcomeDuplicate, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return current, "", fmt.Errorf("commit transaction: %w", err)
	}
	return next, outcome, nil
}

func (s *Store) Consume(ctx context.Context, userID string) (subscription.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET usage_count = usage_count + 1, updated_at = now()
		WHERE user_id = $1
		RETURNING `+columns, userID))
	if err != nil {
		return subscription.Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) ConsumeWithinLimit(ctx context.Context, userID string, now time.Time) (subscription.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `
		UPDATE subscriptions SET usage_count = usage_count + 1, updated_at = now()
		WHERE user_id = $1
			AND usage_count < usage_limit
			AND (billing_period_end IS NULL OR billing_period_end >= $2)
		RETURNING `+columns, userID, now.UTC()))
	if err == nil {
		return rec, nil
	}
	if !pg.IsNotFoundError(err) {
		return subscription.Record{}, fmt.Errorf("consume usage: %w", err)
	}

	current, err := s.Get(ctx, userID)
	if err != nil {
		return subscription.Record{}, err
	}
	return current, subscription.ErrSubscriptionRequired
}

func (s *Store) Ping(ctx context.Context) error {
	return pg.Healthcheck(s.pool)(ctx)
}

func scanRecord(row pgx.Row) (subscription.Record, error) {
	var (
		rec    subscription.Record
		status string
	)
	err := row.Scan(
		&rec.UserID, &status, &rec.UsageCount, &rec.UsageLimit,
		&rec.BillingPeriodStart, &rec.BillingPeriodEnd,
		&rec.LastEventID, &rec.LastEventAt, &rec.UpdatedAt,
		&rec.LastPeriodStart,
	)
	if err != nil {
		return subscription.Record{}, err
	}
	rec.Status = subscription.ParseStatus(status)
	utc(rec.BillingPeriodStart, rec.BillingPeriodEnd, rec.LastEventAt, rec.LastPeriodStart)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func utc(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

func notFound(err error) error {
	if pg.IsNotFoundError(err) {
		return subscription.ErrUserNotFound
	}
	return err
}
