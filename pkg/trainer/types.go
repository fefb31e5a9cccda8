// Package trainer runs the instruction-tuning loop: lock-stepped data
// streams, masked forward and immediate backward per stream, synchronized
// optimizer steps, and one checkpoint per epoch.
package trainer

import (
	"context"

	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/tensor"
)

// Batch is one micro-batch of a data stream. Rows are right-padded.
type Batch struct {
	Stream        string
	InputIDs      [][]int32
	AttentionMask [][]int32
	Images        tensor.Tensor
}

func (b Batch) Size() int { return len(b.InputIDs) }

// Iterator yields the batches of one epoch.
type Iterator interface {
	// Next returns io.EOF after the last batch.
	Next(ctx context.Context) (Batch, error)
}

type Stream interface {
	Name() string
	// Len is the number of batches per epoch.
	Len() int
	SetEpoch(epoch int)
	Iterate(ctx context.Context) Iterator
}

type ForwardInput struct {
	Images        tensor.Tensor
	InputIDs      [][]int32
	AttentionMask [][]int32
	Labels        [][]int32
}

type Model interface {
	Forward(ctx context.Context, in ForwardInput) (tensor.Loss, error)
	NamedParameters() []*tensor.Parameter
	StateDict() tensor.StateDict
	LoadStateDict(sd tensor.StateDict, strict bool) (tensor.LoadResult, error)
	DType() tensor.DType
	Family() gradsel.Family
	Config() any
}

type Optimizer interface {
	Step()
	ZeroGrad()
	LearningRates() []float64
	State() optim.State
	Load(optim.State) error
}

type Scheduler interface {
	Step()
	State() schedule.State
	Load(schedule.State) error
}
