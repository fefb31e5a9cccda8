package reference

import (
	"context"
	"fmt"
	"math"

	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/masking"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/trainer"
)

// position is one supervised prediction kept for the backward pass.
type position struct {
	row    int
	token  int32
	target int32
	hidden []float32
	probs  []float32
}

// rowContext is the image context of one batch row.
type rowContext struct {
	vision []float32 // W_proj · image
	ctx    []float32 // W_attn · vision
}

type loss struct {
	m     *Model
	value float64
	gate  float64
	rows  []rowContext
	pos   []position
}

// Forward computes the mean cross-entropy of every position whose next
// label is supervised. A batch without supervised labels has loss 0.
func (m *Model) Forward(ctx context.Context, in trainer.ForwardInput) (tensor.Loss, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := len(in.InputIDs)
	d, f, v := m.cfg.HiddenSize, m.cfg.VisionDim, m.cfg.VocabSize
	if len(in.Labels) != rows {
		return nil, fmt.Errorf("labels have %d rows, input has %d", len(in.Labels), rows)
	}
	if in.Images.Numel() != rows*f {
		return nil, fmt.Errorf("images have %d values, want %d rows of %d", in.Images.Numel(), rows, f)
	}
	precision := dist.PrecisionFromContext(ctx)

	l := &loss{m: m, gate: m.gateValue(), rows: make([]rowContext, rows)}
	for r := 0; r < rows; r++ {
		vision := matVec(m.proj.Value.Data, in.Images.Data[r*f:(r+1)*f], d, f)
		l.rows[r] = rowContext{vision: vision, ctx: matVec(m.attn.Value.Data, vision, d, d)}
	}

	var total float64
	for r, ids := range in.InputIDs {
		labels := in.Labels[r]
		if len(labels) != len(ids) {
			return nil, fmt.Errorf("row %d: %d labels for %d tokens", r, len(labels), len(ids))
		}
		for t := 0; t+1 < len(ids); t++ {
			target := labels[t+1]
			if target == masking.Ignore {
				continue
			}
			tok := ids[t]
			if tok < 0 || int(tok) >= v || target < 0 || int(target) >= v {
				return nil, fmt.Errorf("row %d position %d: token out of vocabulary", r, t)
			}

			hidden := make([]float32, d)
			emb := m.embed.Value.Row(int(tok))
			for k := range hidden {
				hidden[k] = emb[k] + float32(l.gate)*l.rows[r].ctx[k]
			}
			hidden = tensor.Tensor{Shape: []int{d}, Data: hidden}.Cast(precision).Data

			probs := softmax(matVec(m.head.Value.Data, hidden, v, d))
			total -= math.Log(math.Max(float64(probs[target]), 1e-30))
			l.pos = append(l.pos, position{row: r, token: tok, target: target, hidden: hidden, probs: probs})
		}
	}
	if len(l.pos) > 0 {
		l.value = total / float64(len(l.pos))
	}
	return l, nil
}

func (l *loss) Value() float64 { return l.value }

// Backward accumulates scale * dLoss/dParam into the trainable parameters.
func (l *loss) Backward(scale float64) error {
	if len(l.pos) == 0 {
		return nil
	}
	m := l.m
	d, v := m.cfg.HiddenSize, m.cfg.VocabSize
	n := float64(len(l.pos))

	var gEmbed, gHead, gAttn, gGate []float32
	if m.embed.RequiresGrad {
		gEmbed = m.embed.EnsureGrad()
	}
	if m.head.RequiresGrad {
		gHead = m.head.EnsureGrad()
	}
	if m.attn.RequiresGrad {
		gAttn = m.attn.EnsureGrad()
	}
	if m.gate.RequiresGrad {
		gGate = m.gate.EnsureGrad()
	}

	dGate := 0.0
	dHidden := make([]float64, d)
	for _, p := range l.pos {
		clear(dHidden)
		for j := 0; j < v; j++ {
			dl := float64(p.probs[j])
			if int32(j) == p.target {
				dl -= 1
			}
			dl *= scale / n
			if dl == 0 {
				continue
			}
			head := m.head.Value.Row(j)
			for k := 0; k < d; k++ {
				dHidden[k] += dl * float64(head[k])
				if gHead != nil {
					gHead[j*d+k] += float32(dl * float64(p.hidden[k]))
				}
			}
		}

		rc := l.rows[p.row]
		for k := 0; k < d; k++ {
			if gEmbed != nil {
				gEmbed[int(p.token)*d+k] += float32(dHidden[k])
			}
			dGate += dHidden[k] * float64(rc.ctx[k])
			if gAttn != nil {
				dc := l.gate * dHidden[k]
				for j := 0; j < d; j++ {
					gAttn[k*d+j] += float32(dc * float64(rc.vision[j]))
				}
			}
		}
	}
	if gGate != nil {
		gGate[0] += float32(dGate * (1 - l.gate*l.gate))
	}
	return nil
}

// matVec returns W·x for a rows×cols row-major W.
func matVec(w, x []float32, rows, cols int) []float32 {
	out := make([]float32, rows)
	for i := 0; i < rows; i++ {
		var s float64
		row := w[i*cols : (i+1)*cols]
		for j, xv := range x {
			s += float64(row[j]) * float64(xv)
		}
		out[i] = float32(s)
	}
	return out
}

func softmax(logits []float32) []float32 {
	maxv := float64(logits[0])
	for _, z := range logits[1:] {
		maxv = math.Max(maxv, float64(z))
	}
	var sum float64
	out := make([]float32, len(logits))
	exps := make([]float64, len(logits))
	for i, z := range logits {
		exps[i] = math.Exp(float64(z) - maxv)
		sum += exps[i]
	}
	for i := range out {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

var _ trainer.Model = (*Model)(nil)
