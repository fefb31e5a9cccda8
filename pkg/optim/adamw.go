// Package optim implements AdamW with parameter groups and a serializable
// state, the optimizer the trainer drives at every sync boundary.
package optim

import (
	"fmt"
	"math"

	"github.com/jguan/vitune/pkg/tensor"
)

// ParamGroup is a set of parameters sharing a learning rate and weight decay.
type ParamGroup struct {
	Params      []*tensor.Parameter
	LR          float64
	WeightDecay float64
}

type config struct {
	beta1 float64
	beta2 float64
	eps   float64
}

type Option func(*config)

func WithBetas(b1, b2 float64) Option {
	return func(c *config) {
		c.beta1, c.beta2 = b1, b2
	}
}

func WithEpsilon(eps float64) Option {
	return func(c *config) {
		if eps > 0 {
			c.eps = eps
		}
	}
}

type moment struct {
	m []float32
	v []float32
}

// AdamW applies decoupled weight decay followed by the Adam update.
type AdamW struct {
	groups  []*ParamGroup
	cfg     config
	step    int64
	moments map[string]*moment
}

// NewAdamW builds an optimizer over groups. A group with LR 0 inherits lr.
func NewAdamW(groups []ParamGroup, lr float64, opts ...Option) *AdamW {
	cfg := config{beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &AdamW{cfg: cfg, moments: make(map[string]*moment)}
	for _, g := range groups {
		g := g
		if g.LR == 0 {
			g.LR = lr
		}
		o.groups = append(o.groups, &g)
	}
	return o
}

// Step updates every parameter that has a gradient.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.cfg.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.cfg.beta2, float64(o.step))

	for _, g := range o.groups {
		for _, p := range g.Params {
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			mo, ok := o.moments[p.Name]
			if !ok {
				mo = &moment{m: make([]float32, len(p.Value.Data)), v: make([]float32, len(p.Value.Data))}
				o.moments[p.Name] = mo
			}
			for i, grad := range p.Grad {
				w := float64(p.Value.Data[i])
				if g.WeightDecay != 0 {
					w -= g.LR * g.WeightDecay * w
				}
				gr := float64(grad)
				m := o.cfg.beta1*float64(mo.m[i]) + (1-o.cfg.beta1)*gr
				v := o.cfg.beta2*float64(mo.v[i]) + (1-o.cfg.beta2)*gr*gr
				mo.m[i], mo.v[i] = float32(m), float32(v)
				w -= g.LR * (m / bc1) / (math.Sqrt(v/bc2) + o.cfg.eps)
				p.Value.Data[i] = float32(w)
			}
		}
	}
}

// ZeroGrad drops every gradient buffer.
func (o *AdamW) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func (o *AdamW) LearningRates() []float64 {
	lrs := make([]float64, len(o.groups))
	for i, g := range o.groups {
		lrs[i] = g.LR
	}
	return lrs
}

func (o *AdamW) SetLearningRates(lrs []float64) {
	for i, g := range o.groups {
		if i < len(lrs) {
			g.LR = lrs[i]
		}
	}
}

// Parameters returns every parameter across groups.
func (o *AdamW) Parameters() []*tensor.Parameter {
	var out []*tensor.Parameter
	for _, g := range o.groups {
		out = append(out, g.Params...)
	}
	return out
}

func (o *AdamW) Groups() []ParamGroup {
	out := make([]ParamGroup, len(o.groups))
	for i, g := range o.groups {
		out[i] = *g
	}
	return out
}

// GroupState is the per-group part of State.
type GroupState struct {
	LR          float64  `msgpack:"lr" json:"lr"`
	WeightDecay float64  `msgpack:"weight_decay" json:"weight_decay"`
	Params      []string `msgpack:"params" json:"params"`
}

// MomentState holds Adam's running averages for one parameter.
type MomentState struct {
	M []float32 `msgpack:"exp_avg"`
	V []float32 `msgpack:"exp_avg_sq"`
}

// State is the serializable optimizer state.
type State struct {
	Step    int64                  `msgpack:"step" json:"step"`
	Beta1   float64                `msgpack:"beta1" json:"beta1"`
	Beta2   float64                `msgpack:"beta2" json:"beta2"`
	Eps     float64                `msgpack:"eps" json:"eps"`
	Groups  []GroupState           `msgpack:"param_groups" json:"param_groups"`
	Moments map[string]MomentState `msgpack:"state" json:"-"`
}

func (o *AdamW) State() State {
	st := State{
		Step:    o.step,
		Beta1:   o.cfg.beta1,
		Beta2:   o.cfg.beta2,
		Eps:     o.cfg.eps,
		Moments: make(map[string]MomentState, len(o.moments)),
	}
	for _, g := range o.groups {
		gs := GroupState{LR: g.LR, WeightDecay: g.WeightDecay}
		for _, p := range g.Params {
			gs.Params = append(gs.Params, p.Name)
		}
		st.Groups = append(st.Groups, gs)
	}
	for name, mo := range o.moments {
		st.Moments[name] = MomentState{
			M: append([]float32(nil), mo.m...),
			V: append([]float32(nil), mo.v...),
		}
	}
	return st
}

// Load restores state saved by State. Group layout must match by parameter name.
func (o *AdamW) Load(st State) error {
	if len(st.Groups) != len(o.groups) {
		return fmt.Errorf("optimizer state has %d param groups, optimizer has %d", len(st.Groups), len(o.groups))
	}
	sizes := make(map[string]int)
	for i, g := range o.groups {
		if len(st.Groups[i].Params) != len(g.Params) {
			return fmt.Errorf("param group %d: state has %d params, optimizer has %d", i, len(st.Groups[i].Params), len(g.Params))
		}
		for j, p := range g.Params {
			if st.Groups[i].Params[j] != p.Name {
				return fmt.Errorf("param group %d: expected %s at position %d, state has %s", i, p.Name, j, st.Groups[i].Params[j])
			}
			sizes[p.Name] = len(p.Value.Data)
		}
	}

	moments := make(map[string]*moment, len(st.Moments))
	for name, ms := range st.Moments {
		n, ok := sizes[name]
		if !ok {
			return fmt.Errorf("optimizer state references unknown parameter %s", name)
		}
		if len(ms.M) != n || len(ms.V) != n {
			return fmt.Errorf("optimizer state for %s has %d elements, parameter has %d", name, len(ms.M), n)
		}
		moments[name] = &moment{m: append([]float32(nil), ms.M...), v: append([]float32(nil), ms.V...)}
	}

	for i, g := range o.groups {
		g.LR = st.Groups[i].LR
		g.WeightDecay = st.Groups[i].WeightDecay
	}
	o.step = st.Step
	o.cfg = config{beta1: st.Beta1, beta2: st.Beta2, eps: st.Eps}
	o.moments = moments
	return nil
}
