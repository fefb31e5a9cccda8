package tracking

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/jguan/vitune/pkg/infra/eventbus"
	"github.com/jguan/vitune/pkg/infra/store"
)

// runEventStore persists bus events into a RunStore. Metric records of one
// batch are written in a single transaction.
type runEventStore struct {
	runs store.RunStore
}

func (s *runEventStore) SaveBatch(ctx context.Context, events []eventbus.Event) error {
	var points []store.MetricPoint
	for _, e := range events {
		switch p := e.Payload().(type) {
		case Record:
			keys := make([]string, 0, len(p.Values))
			for k := range p.Values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				points = append(points, store.MetricPoint{
					RunID:     e.RunID(),
					Step:      p.Step,
					Key:       k,
					Value:     p.Values[k],
					Timestamp: e.Timestamp(),
				})
			}
		case store.Artifact:
			if err := s.runs.AddArtifact(ctx, p); err != nil {
				return err
			}
		}
	}
	return s.runs.AppendMetrics(ctx, points)
}

// Query rebuilds metric and artifact events from the store. Metric points of
// the same step become one event.
func (s *runEventStore) Query(ctx context.Context, filter eventbus.EventQueryFilter) ([]eventbus.Event, error) {
	runIDs := []string{filter.RunID}
	if filter.RunID == "" {
		runs, err := s.runs.ListRuns(ctx, store.RunFilter{})
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runIDs = runIDs[:0]
		for _, r := range runs {
			runIDs = append(runIDs, r.ID)
		}
	}

	var out []eventbus.Event
	for _, id := range runIDs {
		if filter.Type == "" || filter.Type == EventMetrics {
			points, err := s.runs.Metrics(ctx, id, "")
			if err != nil {
				return nil, fmt.Errorf("query metrics: %w", err)
			}
			out = append(out, groupBySteps(id, points)...)
		}
		if filter.Type == "" || filter.Type == EventArtifact {
			artifacts, err := s.runs.Artifacts(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("query artifacts: %w", err)
			}
			for _, a := range artifacts {
				out = append(out, newEvent(EventArtifact, id, a, a.CreatedAt))
			}
		}
	}

	out = slices.DeleteFunc(out, func(e eventbus.Event) bool {
		if !filter.StartTime.IsZero() && e.Timestamp().Before(filter.StartTime) {
			return true
		}
		return !filter.EndTime.IsZero() && e.Timestamp().After(filter.EndTime)
	})
	slices.SortStableFunc(out, func(a, b eventbus.Event) int { return a.Timestamp().Compare(b.Timestamp()) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func groupBySteps(runID string, points []store.MetricPoint) []eventbus.Event {
	var out []eventbus.Event
	var cur *Record
	flush := func() {
		if cur != nil {
			out = append(out, newEvent(EventMetrics, runID, *cur, cur.Time))
		}
	}
	for _, p := range points {
		if cur == nil || cur.Step != p.Step {
			flush()
			cur = &Record{Step: p.Step, Values: map[string]float64{}, Time: p.Timestamp}
		}
		cur.Values[p.Key] = p.Value
		if p.Timestamp.After(cur.Time) {
			cur.Time = p.Timestamp
		}
	}
	flush()
	return out
}

var _ eventbus.EventStore = (*runEventStore)(nil)
