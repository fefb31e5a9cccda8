package schedule

import (
	"fmt"
)

// Target is the optimizer side of the scheduler: one learning rate per
// parameter group.
type Target interface {
	LearningRates() []float64
	SetLearningRates(lrs []float64)
}

// State is the serializable scheduler position.
type State struct {
	Kind    Kind      `msgpack:"kind" json:"kind"`
	Plan    Plan      `msgpack:"plan" json:"plan"`
	Step    int       `msgpack:"step" json:"step"`
	BaseLRs []float64 `msgpack:"base_lrs" json:"base_lrs"`
	LastLRs []float64 `msgpack:"last_lrs" json:"last_lrs"`
}

// Scheduler scales each group's base learning rate by Multiplier.
// Construction applies the step-0 rate, so a warmup schedule starts at 0.
type Scheduler struct {
	target Target
	kind   Kind
	plan   Plan
	step   int
	base   []float64
	last   []float64
}

func New(target Target, kind Kind, plan Plan) *Scheduler {
	s := &Scheduler{
		target: target,
		kind:   kind,
		plan:   plan,
		base:   append([]float64(nil), target.LearningRates()...),
	}
	s.apply()
	return s
}

func (s *Scheduler) apply() {
	f := Multiplier(s.kind, s.plan, s.step)
	s.last = make([]float64, len(s.base))
	for i, lr := range s.base {
		s.last[i] = lr * f
	}
	s.target.SetLearningRates(s.last)
}

// Step advances one optimizer update.
func (s *Scheduler) Step() {
	s.step++
	s.apply()
}

func (s *Scheduler) LastLRs() []float64 { return append([]float64(nil), s.last...) }

func (s *Scheduler) Kind() Kind { return s.kind }

func (s *Scheduler) Plan() Plan { return s.plan }

func (s *Scheduler) State() State {
	return State{
		Kind:    s.kind,
		Plan:    s.plan,
		Step:    s.step,
		BaseLRs: append([]float64(nil), s.base...),
		LastLRs: append([]float64(nil), s.last...),
	}
}

// Load restores a saved position. The group count must match the target.
func (s *Scheduler) Load(st State) error {
	if len(st.BaseLRs) != len(s.base) {
		return fmt.Errorf("scheduler state has %d param groups, optimizer has %d", len(st.BaseLRs), len(s.base))
	}
	s.kind = st.Kind
	s.plan = st.Plan
	s.step = st.Step
	s.base = append([]float64(nil), st.BaseLRs...)
	s.last = append([]float64(nil), st.LastLRs...)
	s.target.SetLearningRates(s.last)
	return nil
}
