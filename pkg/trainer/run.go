package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jguan/vitune/pkg/checkpoint"
	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/infra/logger"
	"github.com/jguan/vitune/pkg/infra/metrics"
	"github.com/jguan/vitune/pkg/tracking"
)

type Options struct {
	NumEpochs    int
	LoggingSteps int
	// ResumeFromCheckpoint continues from the newest checkpoint in the run
	// directory. Otherwise existing checkpoints are ignored and overwritten.
	ResumeFromCheckpoint bool
	Executor             ExecutorOptions
	// Out receives the console progress lines. Defaults to stdout.
	Out io.Writer
}

// Deps are the collaborators of one worker's trainer.
type Deps struct {
	Model       Model
	Optimizer   Optimizer
	Scheduler   Scheduler
	Sync        dist.Synchronizer
	Streams     []Stream
	Checkpoints *checkpoint.Manager
	// Tracker defaults to tracking.Noop.
	Tracker tracking.Tracker
	// Host is optional.
	Host metrics.Collector
}

type Trainer struct {
	opts    Options
	model   Model
	opt     Optimizer
	sched   Scheduler
	sync    dist.Synchronizer
	streams []Stream
	ckpt    *checkpoint.Manager
	exec    *Executor
	state   *RunState
	out     io.Writer
}

func New(opts Options, deps Deps) (*Trainer, error) {
	switch {
	case deps.Model == nil, deps.Optimizer == nil, deps.Scheduler == nil:
		return nil, errors.New("trainer needs a model, an optimizer and a scheduler")
	case deps.Sync == nil:
		return nil, errors.New("trainer needs a synchronizer")
	case deps.Checkpoints == nil:
		return nil, errors.New("trainer needs a checkpoint manager")
	case len(deps.Streams) == 0:
		return nil, errors.New("trainer needs at least one data stream")
	case opts.NumEpochs < 0:
		return nil, fmt.Errorf("num epochs must not be negative, got %d", opts.NumEpochs)
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	state := NewRunState()
	return &Trainer{
		opts:    opts,
		model:   deps.Model,
		opt:     deps.Optimizer,
		sched:   deps.Scheduler,
		sync:    deps.Sync,
		streams: deps.Streams,
		ckpt:    deps.Checkpoints,
		exec:    NewExecutor(deps.Model, deps.Optimizer, deps.Scheduler, deps.Sync, deps.Tracker, deps.Host, opts.Executor, state),
		state:   state,
		out:     out,
	}, nil
}

func (t *Trainer) State() *RunState { return t.state }

// Run resumes from the latest checkpoint when asked to, trains the remaining
// epochs with a checkpoint after each, and writes the final weights.
func (t *Trainer) Run(ctx context.Context) error {
	ctx = logger.SetRank(ctx, t.sync.Rank())
	log := logger.WithContext(ctx)

	start := 0
	if t.opts.ResumeFromCheckpoint {
		start = t.ckpt.Resume(ctx, t.model, t.opt, t.sched)
	}
	log.Info("training",
		"start_epoch", start,
		"num_epochs", t.opts.NumEpochs,
		"steps_per_epoch", StepsPerEpoch(t.streams),
		"world_size", t.sync.WorldSize(),
		"mode", t.sync.Mode(),
		"device", t.sync.Device(),
		"dtype", t.model.DType(),
	)

	for epoch := start; epoch < t.opts.NumEpochs; epoch++ {
		for _, s := range t.streams {
			s.SetEpoch(epoch)
		}
		if err := t.runEpoch(ctx, epoch); err != nil {
			return err
		}
		if err := t.ckpt.Save(ctx, epoch, t.model, t.opt, t.sched); err != nil {
			return fmt.Errorf("save checkpoint for epoch %d: %w", epoch, err)
		}
	}

	if err := t.ckpt.SaveFinal(ctx, t.model); err != nil {
		return fmt.Errorf("save final weights: %w", err)
	}
	return nil
}
