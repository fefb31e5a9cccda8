package trainer

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/infra/logger"
	"github.com/jguan/vitune/pkg/infra/metrics"
	"github.com/jguan/vitune/pkg/masking"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/tracking"
)

const DefaultMaxGradNorm = 1.0

type ExecutorOptions struct {
	Markers masking.Markers
	// MaskLMHead keeps only the answer-marker row of the embedding gradients.
	MaskLMHead  bool
	MaxGradNorm float64
	// BatchSize is the per-worker micro-batch size used for throughput.
	BatchSize int
	// Report enables metric records on the main process.
	Report bool
}

// Executor performs one training micro-step over a set of stream batches.
type Executor struct {
	model   Model
	opt     Optimizer
	sched   Scheduler
	sync    dist.Synchronizer
	tracker tracking.Tracker
	host    metrics.Collector
	opts    ExecutorOptions
	state   *RunState
}

// NewExecutor wires the step collaborators. tracker and host may be nil.
func NewExecutor(model Model, opt Optimizer, sched Scheduler, sync dist.Synchronizer, tracker tracking.Tracker, host metrics.Collector, opts ExecutorOptions, state *RunState) *Executor {
	if opts.MaxGradNorm <= 0 {
		opts.MaxGradNorm = DefaultMaxGradNorm
	}
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	return &Executor{
		model:   model,
		opt:     opt,
		sched:   sched,
		sync:    sync,
		tracker: tracker,
		host:    host,
		opts:    opts,
		state:   state,
	}
}

// Step runs forward and backward for every batch in order and returns the
// mean loss. The synchronizer must already have been told whether this is
// the final micro-step of the epoch.
func (e *Executor) Step(ctx context.Context, batches []Batch) (float64, error) {
	if len(batches) == 0 {
		return 0, errors.New("step needs at least one batch")
	}

	dtype := e.model.DType()
	var total float64
	for _, b := range batches {
		loss, err := e.forward(ctx, b, dtype)
		if err != nil {
			return 0, fmt.Errorf("stream %s: %w", b.Stream, err)
		}
		// backward right away so each stream's graph can be dropped
		if err := e.sync.Backward(ctx, loss); err != nil {
			return 0, fmt.Errorf("stream %s backward: %w", b.Stream, err)
		}
		total += loss.Value()
	}
	mean := total / float64(len(batches))

	params := e.model.NamedParameters()
	if e.opts.MaskLMHead {
		gradsel.Restrict(e.model.Family(), params, e.opts.Markers.Answer)
	}

	boundary := e.sync.IsSyncBoundary()
	if boundary {
		if _, err := e.sync.ClipAndSyncGradients(ctx, params, e.opts.MaxGradNorm); err != nil {
			return 0, fmt.Errorf("sync gradients: %w", err)
		}
		e.opt.Step()
		e.sched.Step()
		e.opt.ZeroGrad()
	}

	e.state.LastLoss = mean
	e.state.stepDone()
	if boundary {
		e.report(ctx, mean)
	}
	return mean, nil
}

func (e *Executor) forward(ctx context.Context, b Batch, dtype tensor.DType) (tensor.Loss, error) {
	in := ForwardInput{
		Images:        e.sync.Place(b.Images).Cast(dtype),
		InputIDs:      b.InputIDs,
		AttentionMask: b.AttentionMask,
		Labels:        masking.MaskBatch(b.InputIDs, e.opts.Markers),
	}

	var loss tensor.Loss
	err := e.sync.Autocast(ctx, func(ctx context.Context) error {
		var err error
		loss, err = e.model.Forward(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loss, nil
}

// report sends the boundary metrics. It never fails the step.
func (e *Executor) report(ctx context.Context, loss float64) {
	if !e.opts.Report || !e.sync.IsMainProcess() {
		return
	}

	rs := e.state
	accum := float64(e.sync.AccumulationSteps())
	batch := float64(e.opts.BatchSize)
	values := map[string]float64{
		"data_time":    rs.DataTime.Avg,
		"step_time":    rs.StepTime.Avg,
		"loss_mimicit": loss,
		"global_step":  float64(rs.GlobalStep / int64(e.sync.AccumulationSteps())),
	}
	// a step shorter than the clock resolution has no meaningful rate
	if rs.StepTime.Val > 0 {
		values["mimicit_samples_per_second"] = accum * batch * float64(e.sync.WorldSize()) / rs.StepTime.Val
		values["mimicit_samples_per_second_per_gpu"] = accum * batch / rs.StepTime.Val
	}
	if lrs := e.opt.LearningRates(); len(lrs) > 0 {
		values["lr"] = lrs[0]
	}
	if e.host != nil {
		if m, err := e.host.Collect(ctx); err == nil {
			maps.Copy(values, m.Fields())
		}
	}
	rs.StepTime.Reset()
	rs.DataTime.Reset()

	rec := tracking.Record{Step: rs.GlobalStep / int64(e.sync.AccumulationSteps()), Values: values}
	if err := e.tracker.Log(ctx, rec); err != nil {
		logger.WithContext(ctx).Debug("metrics record not delivered", "step", rec.Step, "error", err)
	}
}
