package subscription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store for tests and single-process
// development. A single mutex serializes all writes.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	processed map[string]struct{} // applied event IDs
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		processed: make(map[string]struct{}),
	}
}

// Put stores rec as-is, replacing any existing record. Intended for fixtures.
func (s *MemoryStore) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return Record{}, ErrUserNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Create(_ context.Context, userID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[userID]; ok {
		return Record{}, ErrUserAlreadyExists
	}
	rec := NewRecord(userID)
	s.records[userID] = rec
	return rec, nil
}

func (s *MemoryStore) Apply(_ context.Context, userID string, ev Event, mutation Mutation) (Record, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[userID]
	if !ok {
		return Record{}, "", ErrUserNotFound
	}
	if _, seen := s.processed[ev.ID]; seen {
		return current, OutcomeDuplicate, nil
	}

	next, err := mutation(current)
	if errors.Is(err, ErrStaleEvent) {
		s.processed[ev.ID] = struct{}{}
		return current, OutcomeStale, nil
	}
	if err != nil {
		return current, "", err
	}

	s.records[userID] = next
	s.processed[ev.ID] = struct{}{}
	return next, OutcomeApplied, nil
}

func (s *MemoryStore) Consume(_ context.Context, userID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return Record{}, ErrUserNotFound
	}
	rec.UsageCount++
	rec.UpdatedAt = time.Now().UTC()
	s.records[userID] = rec
	return rec, nil
}

func (s *MemoryStore) ConsumeWithinLimit(_ context.Context, userID string, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return Record{}, ErrUserNotFound
	}
	if !CanConsume(rec, now) {
		return rec, ErrSubscriptionRequired
	}
	rec.UsageCount++
	rec.UpdatedAt = time.Now().UTC()
	s.records[userID] = rec
	return rec, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
