package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps tracking data in process. Used for offline runs without
// a database path and in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	metrics   map[string][]MetricPoint
	artifacts map[string][]Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		metrics:   make(map[string][]MetricPoint),
		artifacts: make(map[string][]Artifact),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runs[id]
	if !exists {
		return ErrRunNotFound
	}
	r.Status = status
	r.FinishedAt = at
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.runs[id]
	if !exists {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.Project != "" && r.Project != filter.Project {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		runs = append(runs, *r)
	}
	slices.SortFunc(runs, func(a, b Run) int { return b.StartedAt.Compare(a.StartedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) AppendMetrics(ctx context.Context, points []MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		s.metrics[p.RunID] = append(s.metrics[p.RunID], p)
	}
	return nil
}

func (s *MemoryStore) Metrics(ctx context.Context, runID, key string) ([]MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MetricPoint
	for _, p := range s.metrics[runID] {
		if key == "" || p.Key == key {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b MetricPoint) int { return cmp.Compare(a.Step, b.Step) })
	return out, nil
}

func (s *MemoryStore) AddArtifact(ctx context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], a)
	return nil
}

func (s *MemoryStore) Artifacts(ctx context.Context, runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.artifacts[runID]), nil
}

func (s *MemoryStore) Close() error { return nil }

var _ RunStore = (*MemoryStore)(nil)
