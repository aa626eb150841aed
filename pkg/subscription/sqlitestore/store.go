// Package sqlitestore implements subscription.Store on SQLite for
// single-node deployments.
//
// The database handle is limited to one connection, so every statement and
// transaction is serialized by database/sql. Timestamps are stored as unix
// milliseconds.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dmitrymomot/billingkit/pkg/migrate"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrEmptyPath = errors.New("empty sqlite database path")

// Open opens the database at cfg.Path with WAL journaling and foreign keys.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := cfg.Path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += fmt.Sprintf("%s_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)", sep, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate applies the store schema.
func Migrate(ctx context.Context, db *sql.DB, cfg Config, log *slog.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return migrate.Up(ctx, db, migrate.Source{
		FS:      sub,
		Dialect: migrate.DialectSQLite,
		Table:   cfg.MigrationsTable,
	}, log)
}

const columns = `user_id, status, usage_count, usage_limit, billing_period_start,
	billing_period_end, last_event_id, last_event_at, updated_at, last_period_start`

// Store is an SQLite subscription.Store.
type Store struct {
	db *sql.DB
}

var _ subscription.Store = (*Store)(nil)

// New creates a Store over db. Panics if db is nil.
func New(db *sql.DB) *Store {
	if db == nil {
		panic("sqlitestore: db is required")
	}
	return &Store{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) Get(ctx context.Context, userID string) (subscription.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM subscriptions WHERE user_id = ?`, userID))
	if err != nil {
		return subscription.Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, userID string) (subscription.Record, error) {
	rec := subscription.NewRecord(userID)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, status, usage_count, usage_limit, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, string(rec.Status), rec.UsageCount, rec.UsageLimit, rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return subscription.Record{}, fmt.Errorf("insert subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return subscription.Record{}, subscription.ErrUserAlreadyExists
	}
	return s.Get(ctx, userID)
}

func (s *Store) Apply(ctx context.Context, userID string, ev subscription.Event, mutation subscription.Mutation) (subscription.Record, subscription.Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return subscription.Record{}, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM subscriptions WHERE user_id = ?`, userID))
	if err != nil {
		return subscription.Record{}, "", notFound(err)
	}

	var seen int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM subscription_events WHERE event_id = ?`, ev.ID).Scan(&seen); err != nil {
		return current, "", fmt.Errorf("check processed event: %w", err)
	}
	if seen > 0 {
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
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				status = ?, usage_count = ?, usage_limit = ?,
				billing_period_start = ?, billing_period_end = ?,
				last_event_id = ?, last_event_at = ?, updated_at = ?,
				last_period_start = ?
			WHERE user_id = ?`,
			string(next.Status), next.UsageCount, next.UsageLimit,
			millis(next.BillingPeriodStart), millis(next.BillingPeriodEnd),
			next.LastEventID, millis(next.LastEventAt), next.UpdatedAt.UnixMilli(),
			millis(next.LastPeriodStart),
			userID,
		); err != nil {
			return current, "", fmt.Errorf("update subscription: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_events (event_id, user_id, kind, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, userID, string(ev.Kind), string(outcome), time.Now().UnixMilli(),
	); err != nil {
		return current, "", fmt.Errorf("record processed event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return current, "", fmt.Errorf("commit transaction: %w", err)
	}
	return next, outcome, nil
}

func (s *Store) Consume(ctx context.Context, userID string) (subscription.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET usage_count = usage_count + 1, updated_at = ?
		WHERE user_id = ?
		RETURNING `+columns, time.Now().UnixMilli(), userID))
	if err != nil {
		return subscription.Record{}, notFound(err)
	}
	return rec, nil
}

func (s *Store) ConsumeWithinLimit(ctx context.Context, userID string, now time.Time) (subscription.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET usage_count = usage_count + 1, updated_at = ?
		WHERE user_id = ?
			AND usage_count < usage_limit
			AND (billing_period_end IS NULL OR billing_period_end >= ?)
		RETURNING `+columns, time.Now().UnixMilli(), userID, now.UnixMilli()))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return subscription.Record{}, fmt.Errorf("consume usage: %w", err)
	}

	current, err := s.Get(ctx, userID)
	if err != nil {
		return subscription.Record{}, err
	}
	return current, subscription.ErrSubscriptionRequired
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanRecord(row scanner) (subscription.Record, error) {
	var (
		rec                                 subscription.Record
		status                              string
		periodStart, periodEnd, lat, latest sql.NullInt64
		updated                             int64
	)
	err := row.Scan(
		&rec.UserID, &status, &rec.UsageCount, &rec.UsageLimit,
		&periodStart, &periodEnd, &rec.LastEventID, &lat, &updated, &latest,
	)
	if err != nil {
		return subscription.Record{}, err
	}
	rec.Status = subscription.ParseStatus(status)
	rec.BillingPeriodStart = fromMillis(periodStart)
	rec.BillingPeriodEnd = fromMillis(periodEnd)
	rec.LastEventAt = fromMillis(lat)
	rec.LastPeriodStart = fromMillis(latest)
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.ErrUserNotFound
	}
	return err
}
