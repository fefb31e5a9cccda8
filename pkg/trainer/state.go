package trainer

import "time"

// AverageMeter tracks the last value and running average of a series.
type AverageMeter struct {
	Val   float64
	Avg   float64
	Sum   float64
	Count int
}

func (m *AverageMeter) Update(v float64) {
	m.Val = v
	m.Sum += v
	m.Count++
	m.Avg = m.Sum / float64(m.Count)
}

func (m *AverageMeter) Reset() { *m = AverageMeter{} }

// RunState is the mutable progress of a run. It is owned by the training
// goroutine.
type RunState struct {
	Epoch int
	// Step is the micro-step within the epoch.
	Step int
	// GlobalStep counts micro-steps since epoch 0.
	GlobalStep int64
	LastLoss   float64
	StepTime   AverageMeter
	DataTime   AverageMeter

	now  func() time.Time
	mark time.Time
}

type RunStateOption func(*RunState)

// WithClock replaces time.Now for the step and data timers.
func WithClock(now func() time.Time) RunStateOption {
	return func(rs *RunState) {
		if now != nil {
			rs.now = now
		}
	}
}

func NewRunState(opts ...RunStateOption) *RunState {
	rs := &RunState{now: time.Now}
	for _, opt := range opts {
		opt(rs)
	}
	rs.mark = rs.now()
	return rs
}

// DataLoaded records the time spent waiting for the current batches.
func (rs *RunState) DataLoaded() {
	rs.DataTime.Update(rs.now().Sub(rs.mark).Seconds())
}

// stepDone records the time since the previous step finished.
func (rs *RunState) stepDone() {
	now := rs.now()
	rs.StepTime.Update(now.Sub(rs.mark).Seconds())
	rs.mark = now
}
