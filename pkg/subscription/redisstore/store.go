// Package redisstore implements subscription.Store on Redis.
//
// Each record is a hash at {prefix}:subscription:{user}. Applied event IDs
// live in a set next to it. Apply uses WATCH/MULTI optimistic transactions
// over both keys; usage increments run as Lua scripts.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	rediskit "github.com/dmitrymomot/billingkit/pkg/redis"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

const (
	fieldStatus      = "status"
	fieldUsageCount  = "usage_count"
	fieldUsageLimit  = "usage_limit"
	fieldPeriodStart = "period_start"
	fieldPeriodEnd   = "period_end"
	fieldLastEventID = "last_event_id"
	fieldLastEventAt = "last_event_at"
	fieldLastPeriod  = "last_period_start"
	fieldUpdatedAt   = "updated_at"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 100

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
redis.call('HINCRBY', KEYS[1], 'usage_count', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// ARGV[1] is "now" and ARGV[2] the update time, both in unix milliseconds.
var consumeWithinLimitScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'usage_count', 'usage_limit', 'period_end')
if not h[2] then
	return false
end
local allowed = tonumber(h[1]) < tonumber(h[2])
if allowed and h[3] and h[3] ~= '' and tonumber(h[3]) < tonumber(ARGV[1]) then
	allowed = false
end
if allowed then
	redis.call('HINCRBY', KEYS[1], 'usage_count', 1)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
end
return {allowed and 1 or 0, redis.call('HGETALL', KEYS[1])}
`)

// Store is a Redis subscription.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ subscription.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces all keys. Defaults to "billing".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a Store over client. Panics if client is nil.
func New(client redis.UniversalClient, opts ...Option) *Store {
	if client == nil {
		panic("redisstore: client is required")
	}
	s := &Store{client: client, prefix: "billing"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(userID string) string {
	return s.prefix + ":subscription:" + userID
}

func (s *Store) eventsKey(userID string) string {
	return s.prefix + ":subscription:" + userID + ":events"
}

func (s *Store) Get(ctx context.Context, userID string) (subscription.Record, error) {
	vals, err := s.client.HGetAll(ctx, s.recordKey(userID)).Result()
	if err != nil {
		return subscription.Record{}, fmt.Errorf("load subscription: %w", err)
	}
	return decode(userID, vals)
}

func (s *Store) Create(ctx context.Context, userID string) (subscription.Record, error) {
	rec := subscription.NewRecord(userID)
	created, err := createScript.Run(ctx, s.client, []string{s.recordKey(userID)}, encode(rec)...).Int()
	if err != nil {
		return subscription.Record{}, fmt.Errorf("create subscription: %w", err)
	}
	if created == 0 {
		return subscription.Record{}, subscription.ErrUserAlreadyExists
	}
	return rec, nil
}

func (s *Store) Apply(ctx context.Context, userID string, ev subscription.Event, mutation subscription.Mutation) (subscription.Record, subscription.Outcome, error) {
	recKey, evKey := s.recordKey(userID), s.eventsKey(userID)

	var (
		result  subscription.Record
		outcome subscription.Outcome
	)
	apply := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, recKey).Result()
		if err != nil {
			return err
		}
		current, err := decode(userID, vals)
		if err != nil {
			return err
		}

		seen, err := tx.SIsMember(ctx, evKey, ev.ID).Result()
		if err != nil {
			return err
		}
		if seen {
			result, outcome = current, subscription.OutcomeDuplicate
			return nil
		}

		next, err := mutation(current)
		stale := errors.Is(err, subscription.ErrStaleEvent)
		if err != nil && !stale {
			result = current
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if !stale {
				p.HSet(ctx, recKey, encode(next)...)
			}
			p.SAdd(ctx, evKey, ev.ID)
			return nil
		})
		if err != nil {
			return err
		}

		if stale {
			result, outcome = current, subscription.OutcomeStale
		} else {
			result, outcome = next, subscription.OutcomeApplied
		}
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, apply, recKey, evKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return result, "", err
		}
		return result, outcome, nil
	}
	return subscription.Record{}, "", fmt.Errorf("apply event %s: too much contention on %s", ev.ID, recKey)
}

func (s *Store) Consume(ctx context.Context, userID string) (subscription.Record, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.recordKey(userID)}, nowMillis()).Slice()
	if errors.Is(err, redis.Nil) {
		return subscription.Record{}, subscription.ErrUserNotFound
	}
	if err != nil {
		return subscription.Record{}, fmt.Errorf("consume usage: %w", err)
	}
	return decode(userID, pairs(res))
}

func (s *Store) ConsumeWithinLimit(ctx context.Context, userID string, now time.Time) (subscription.Record, error) {
	res, err := consumeWithinLimitScript.Run(ctx, s.client, []string{s.recordKey(userID)}, now.UnixMilli(), nowMillis()).Slice()
	if errors.Is(err, redis.Nil) {
		return subscription.Record{}, subscription.ErrUserNotFound
	}
	if err != nil {
		return subscription.Record{}, fmt.Errorf("consume usage: %w", err)
	}
	if len(res) != 2 {
		return subscription.Record{}, fmt.Errorf("consume usage: unexpected script reply %v", res)
	}

	flat, _ := res[1].([]any)
	rec, err := decode(userID, pairs(flat))
	if err != nil {
		return subscription.Record{}, err
	}
	if allowed, _ := res[0].(int64); allowed != 1 {
		return rec, subscription.ErrSubscriptionRequired
	}
	return rec, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return rediskit.Ping(ctx, s.client)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func encode(rec subscription.Record) []any {
	return []any{
		fieldStatus, string(rec.Status),
		fieldUsageCount, rec.UsageCount,
		fieldUsageLimit, rec.UsageLimit,
		fieldPeriodStart, formatTime(rec.BillingPeriodStart),
		fieldPeriodEnd, formatTime(rec.BillingPeriodEnd),
		fieldLastEventID, rec.LastEventID,
		fieldLastEventAt, formatTime(rec.LastEventAt),
		fieldLastPeriod, formatTime(rec.LastPeriodStart),
		fieldUpdatedAt, rec.UpdatedAt.UnixMilli(),
	}
}

func decode(userID string, vals map[string]string) (subscription.Record, error) {
	if len(vals) == 0 {
		return subscription.Record{}, subscription.ErrUserNotFound
	}

	rec := subscription.Record{
		UserID:      userID,
		Status:      subscription.ParseStatus(vals[fieldStatus]),
		LastEventID: vals[fieldLastEventID],
	}
	var err error
	if rec.UsageCount, err = strconv.ParseInt(vals[fieldUsageCount], 10, 64); err != nil {
		return subscription.Record{}, fmt.Errorf("decode %s: %w", fieldUsageCount, err)
	}
	if rec.UsageLimit, err = strconv.ParseInt(vals[fieldUsageLimit], 10, 64); err != nil {
		return subscription.Record{}, fmt.Errorf("decode %s: %w", fieldUsageLimit, err)
	}
	if rec.BillingPeriodStart, err = parseTime(vals[fieldPeriodStart]); err != nil {
		return subscription.Record{}, err
	}
	if rec.BillingPeriodEnd, err = parseTime(vals[fieldPeriodEnd]); err != nil {
		return subscription.Record{}, err
	}
	if rec.LastEventAt, err = parseTime(vals[fieldLastEventAt]); err != nil {
		return subscription.Record{}, err
	}
	if rec.LastPeriodStart, err = parseTime(vals[fieldLastPeriod]); err != nil {
		return subscription.Record{}, err
	}
	if updated, _ := parseTime(vals[fieldUpdatedAt]); updated != nil {
		rec.UpdatedAt = *updated
	}
	return rec, nil
}

// pairs converts a flat HGETALL script reply into a map.
func pairs(flat []any) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
