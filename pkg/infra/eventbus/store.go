package eventbus

import (
	"context"
	"slices"
	"sync"
	"time"
)

// EventStore persists events written by PersistentEventBus.
type EventStore interface {
	SaveBatch(ctx context.Context, events []Event) error
	Query(ctx context.Context, filter EventQueryFilter) ([]Event, error)
}

type EventQueryFilter struct {
	RunID     string
	Type      string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (f EventQueryFilter) match(e Event) bool {
	if f.RunID != "" && e.RunID() != f.RunID {
		return false
	}
	if f.Type != "" && e.Type() != f.Type {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp().Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp().After(f.EndTime) {
		return false
	}
	return true
}

// MemoryEventStore keeps events in insertion order. Used when no database
// is configured.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) SaveBatch(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Query returns matching events oldest first.
func (s *MemoryEventStore) Query(ctx context.Context, filter EventQueryFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Event) int { return a.Timestamp().Compare(b.Timestamp()) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
