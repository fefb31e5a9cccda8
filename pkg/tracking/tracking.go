// Package tracking reports training metrics and artifacts without blocking
// the training loop. Records travel over the event bus to a run store and to
// optional redis and prometheus sinks.
package tracking

import (
	"context"
	"time"

	"github.com/jguan/vitune/pkg/infra/eventbus"
)

const (
	EventMetrics  = "metrics"
	EventArtifact = "artifact"
	EventRun      = "run"
)

// Record is one logged row of metrics.
type Record struct {
	Step   int64              `json:"step"`
	Values map[string]float64 `json:"values"`
	Time   time.Time          `json:"time"`
}

// Tracker is the sink the training loop reports to.
type Tracker interface {
	Log(ctx context.Context, rec Record) error
	SaveArtifact(ctx context.Context, path string) error
	Close() error
}

// Noop discards everything. Used when reporting is disabled and on
// non-main workers.
type Noop struct{}

func (Noop) Log(context.Context, Record) error          { return nil }
func (Noop) SaveArtifact(context.Context, string) error { return nil }
func (Noop) Close() error                               { return nil }

type event struct {
	typ     string
	runID   string
	payload any
	ts      time.Time
}

func newEvent(typ, runID string, payload any, ts time.Time) *event {
	if ts.IsZero() {
		ts = time.Now()
	}
	return &event{typ: typ, runID: runID, payload: payload, ts: ts}
}

func (e *event) Type() string         { return e.typ }
func (e *event) RunID() string        { return e.runID }
func (e *event) Payload() any         { return e.payload }
func (e *event) Timestamp() time.Time { return e.ts }

var _ eventbus.Event = (*event)(nil)
