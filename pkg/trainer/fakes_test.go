package trainer_test

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/tracking"
	"github.com/jguan/vitune/pkg/trainer"
)

// recordingModel returns queued losses and adds scale to every gradient
// entry on backward.
type recordingModel struct {
	params []*tensor.Parameter
	dtype  tensor.DType
	losses []float64

	events     []string
	inputs     []trainer.ForwardInput
	precisions []tensor.DType
}

func newRecordingModel(losses ...float64) *recordingModel {
	return &recordingModel{
		params: []*tensor.Parameter{
			tensor.NewParameter(gradsel.MPTEmbedding, true, 8, 2),
			tensor.NewParameter("lang_encoder.gated_cross_attn_layer.attn.weight", true, 2, 2),
			tensor.NewParameter("vision_encoder.proj.weight", false, 2, 2),
		},
		dtype:  tensor.BFloat16,
		losses: losses,
	}
}

type recordingLoss struct {
	m *recordingModel
	v float64
}

func (l *recordingLoss) Value() float64 { return l.v }

func (l *recordingLoss) Backward(scale float64) error {
	l.m.events = append(l.m.events, "backward")
	for _, p := range l.m.params {
		if !p.RequiresGrad {
			continue
		}
		g := p.EnsureGrad()
		for i := range g {
			g[i] += float32(scale)
		}
	}
	return nil
}

func (m *recordingModel) Forward(ctx context.Context, in trainer.ForwardInput) (tensor.Loss, error) {
	m.events = append(m.events, "forward")
	m.inputs = append(m.inputs, in)
	m.precisions = append(m.precisions, dist.PrecisionFromContext(ctx))
	if len(m.losses) == 0 {
		return nil, errors.New("no loss queued")
	}
	v := m.losses[0]
	m.losses = m.losses[1:]
	return &recordingLoss{m: m, v: v}, nil
}

func (m *recordingModel) NamedParameters() []*tensor.Parameter { return m.params }

func (m *recordingModel) StateDict() tensor.StateDict {
	sd := tensor.StateDict{}
	for _, p := range m.params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

func (m *recordingModel) LoadStateDict(sd tensor.StateDict, strict bool) (tensor.LoadResult, error) {
	return tensor.LoadInto(m.params, sd, strict)
}

func (m *recordingModel) DType() tensor.DType    { return m.dtype }
func (m *recordingModel) Family() gradsel.Family { return gradsel.FamilyMPT }
func (m *recordingModel) Config() any            { return map[string]string{"family": "mpt"} }

// countingOptimizer counts Step calls on top of AdamW.
type countingOptimizer struct {
	*optim.AdamW
	steps int
}

func (o *countingOptimizer) Step() {
	o.steps++
	o.AdamW.Step()
}

type countingScheduler struct {
	trainer.Scheduler
	steps int
}

func (s *countingScheduler) Step() {
	s.steps++
	s.Scheduler.Step()
}

type recordingTracker struct {
	mu      sync.Mutex
	records []tracking.Record
	err     error
}

func (t *recordingTracker) Log(ctx context.Context, rec tracking.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	return t.err
}

func (t *recordingTracker) SaveArtifact(context.Context, string) error { return nil }
func (t *recordingTracker) Close() error                               { return nil }

// sliceStream serves fixed batches.
type sliceStream struct {
	name    string
	batches []trainer.Batch
	epochs  []int
}

func (s *sliceStream) Name() string       { return s.name }
func (s *sliceStream) Len() int           { return len(s.batches) }
func (s *sliceStream) SetEpoch(epoch int) { s.epochs = append(s.epochs, epoch) }

func (s *sliceStream) Iterate(ctx context.Context) trainer.Iterator {
	return &sliceIterator{batches: s.batches}
}

type sliceIterator struct {
	batches []trainer.Batch
	pos     int
}

func (it *sliceIterator) Next(ctx context.Context) (trainer.Batch, error) {
	if it.pos >= len(it.batches) {
		return trainer.Batch{}, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func batch(stream string, ids ...int32) trainer.Batch {
	img := tensor.New(1, 2)
	img.Data[0] = 1.00390625 // not representable in bfloat16
	return trainer.Batch{
		Stream:        stream,
		InputIDs:      [][]int32{ids},
		AttentionMask: [][]int32{make([]int32, len(ids))},
		Images:        img,
	}
}
