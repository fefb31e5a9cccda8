package trainer_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/masking"
	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/trainer"
)

var markers = masking.Markers{Media: 1, TurnEnd: 2, Answer: 3, Pad: 0}

type stepFixture struct {
	model   *recordingModel
	opt     *countingOptimizer
	sched   *countingScheduler
	sync    *dist.Worker
	tracker *recordingTracker
	state   *trainer.RunState
	exec    *trainer.Executor
}

func newStepFixture(t *testing.T, accum int, opts trainer.ExecutorOptions, losses ...float64) *stepFixture {
	t.Helper()
	return newStepFixtureWithState(t, trainer.NewRunState(), accum, opts, losses...)
}

func newStepFixtureWithState(t *testing.T, state *trainer.RunState, accum int, opts trainer.ExecutorOptions, losses ...float64) *stepFixture {
	t.Helper()
	f := &stepFixture{
		model:   newRecordingModel(losses...),
		sync:    dist.NewLocal(accum, tensor.Float16),
		tracker: &recordingTracker{},
		state:   state,
	}
	f.opt = &countingOptimizer{AdamW: optim.NewAdamW(gradsel.GroupParameters(f.model.params, 0.1), 1e-3)}
	f.sched = &countingScheduler{Scheduler: schedule.New(f.opt, schedule.KindConstant, schedule.Plan{})}
	if opts.Markers == (masking.Markers{}) {
		opts.Markers = markers
	}
	f.exec = trainer.NewExecutor(f.model, f.opt, f.sched, f.sync, f.tracker, nil, opts, f.state)
	return f
}

func TestExecutor_MeanLossAndPerStreamBackward(t *testing.T) {
	f := newStepFixture(t, 1, trainer.ExecutorOptions{}, 1.0, 2.0, 6.0)

	f.sync.Accumulate(false)
	loss, err := f.exec.Step(context.Background(), []trainer.Batch{
		batch("a", 5, 3, 4), batch("b", 5, 3, 4), batch("c", 5, 3, 4),
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, loss, 1e-12)
	assert.Equal(t, []string{"forward", "backward", "forward", "backward", "forward", "backward"}, f.model.events)
	assert.Equal(t, 3.0, f.state.LastLoss)
}

func TestExecutor_MasksLabelsAndCastsImages(t *testing.T) {
	f := newStepFixture(t, 1, trainer.ExecutorOptions{}, 1.0)

	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 9, 1, 7, 3, 8, 2, 0)})
	require.NoError(t, err)

	require.Len(t, f.model.inputs, 1)
	in := f.model.inputs[0]
	assert.Equal(t, [][]int32{{masking.Ignore, masking.Ignore, masking.Ignore, masking.Ignore, 8, 2, masking.Ignore}}, in.Labels)
	assert.Equal(t, tensor.BFloat16, in.Images.DType)
	assert.Equal(t, float32(1), in.Images.Data[0])
	assert.Equal(t, []tensor.DType{tensor.Float16}, f.model.precisions)
}

func TestExecutor_AccumulationBoundaries(t *testing.T) {
	f := newStepFixture(t, 2, trainer.ExecutorOptions{Report: true, BatchSize: 1}, 1, 1, 1, 1)
	ctx := context.Background()
	emb := f.model.params[0]

	f.sync.Accumulate(false)
	_, err := f.exec.Step(ctx, []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)
	assert.Equal(t, 0, f.opt.steps)
	assert.Equal(t, 0, f.sched.steps)
	require.NotNil(t, emb.Grad, "gradients accumulate between boundaries")
	assert.InDelta(t, 0.5, emb.Grad[0], 1e-7, "backward is scaled by 1/accumulation")
	assert.Empty(t, f.tracker.records)

	f.sync.Accumulate(false)
	_, err = f.exec.Step(ctx, []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)
	assert.Equal(t, 1, f.opt.steps)
	assert.Equal(t, 1, f.sched.steps)
	assert.Nil(t, emb.Grad, "gradients are zeroed after the update")
	assert.Len(t, f.tracker.records, 1)

	// the final step of an epoch always syncs
	f.sync.Accumulate(true)
	_, err = f.exec.Step(ctx, []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.opt.steps)
	assert.Len(t, f.tracker.records, 2)
}

func TestExecutor_RestrictsEmbeddingGradient(t *testing.T) {
	// accumulate 2 so the gradient survives the step for inspection
	f := newStepFixture(t, 2, trainer.ExecutorOptions{MaskLMHead: true}, 1.0)

	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)

	emb := f.model.params[0]
	width := emb.RowWidth()
	for row := 0; row < emb.Rows(); row++ {
		want := float32(0)
		if row == int(markers.Answer) {
			want = 0.5
		}
		for _, g := range emb.Grad[row*width : (row+1)*width] {
			assert.Equal(t, want, g, "row %d", row)
		}
	}
	assert.Equal(t, float32(0.5), f.model.params[1].Grad[0], "other parameters untouched")
}

func TestExecutor_UpdatesAtBoundary(t *testing.T) {
	f := newStepFixture(t, 1, trainer.ExecutorOptions{MaxGradNorm: 1e-3}, 1.0)
	before := f.model.params[1].Value.Clone()

	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)
	assert.False(t, before.Equal(f.model.params[1].Value))
}

// tickingClock advances by step on every reading.
type tickingClock struct {
	now  time.Time
	step time.Duration
}

func (c *tickingClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func TestExecutor_Metrics(t *testing.T) {
	clock := &tickingClock{now: time.Unix(0, 0), step: 500 * time.Millisecond}
	state := trainer.NewRunState(trainer.WithClock(clock.Now))
	f := newStepFixtureWithState(t, state, 1, trainer.ExecutorOptions{Report: true, BatchSize: 4}, 2.5)
	f.state.GlobalStep = 7
	f.state.DataLoaded()

	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)

	require.Len(t, f.tracker.records, 1)
	rec := f.tracker.records[0]
	assert.Equal(t, int64(7), rec.Step)
	for _, key := range []string{
		"data_time", "step_time", "mimicit_samples_per_second",
		"mimicit_samples_per_second_per_gpu", "lr", "loss_mimicit", "global_step",
	} {
		assert.Contains(t, rec.Values, key)
	}
	assert.Equal(t, 2.5, rec.Values["loss_mimicit"])
	assert.Equal(t, 7.0, rec.Values["global_step"])
	assert.InDelta(t, 1e-3, rec.Values["lr"], 1e-12)
	// one second between marks: 1 accumulation step of 4 samples
	assert.InDelta(t, 4.0, rec.Values["mimicit_samples_per_second"], 1e-9)
	assert.InDelta(t, rec.Values["mimicit_samples_per_second"], rec.Values["mimicit_samples_per_second_per_gpu"], 1e-9)
	assert.Zero(t, f.state.StepTime.Count, "meters reset after reporting")
	assert.Zero(t, f.state.DataTime.Count)
}

func TestExecutor_MetricsSkipRatesForZeroStepTime(t *testing.T) {
	frozen := time.Unix(100, 0)
	state := trainer.NewRunState(trainer.WithClock(func() time.Time { return frozen }))
	f := newStepFixtureWithState(t, state, 1, trainer.ExecutorOptions{Report: true, BatchSize: 4}, 1.0)

	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)

	require.Len(t, f.tracker.records, 1)
	rec := f.tracker.records[0]
	assert.NotContains(t, rec.Values, "mimicit_samples_per_second")
	assert.NotContains(t, rec.Values, "mimicit_samples_per_second_per_gpu")
	assert.Contains(t, rec.Values, "step_time")
	for key, v := range rec.Values {
		assert.False(t, math.IsInf(v, 0) || math.IsNaN(v), key)
	}
}

func TestExecutor_NoMetricsWhenDisabled(t *testing.T) {
	f := newStepFixture(t, 1, trainer.ExecutorOptions{Report: false}, 1.0)
	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	require.NoError(t, err)
	assert.Empty(t, f.tracker.records)
	assert.Equal(t, 1, f.state.StepTime.Count)
}

func TestExecutor_TrackerFailureIgnored(t *testing.T) {
	f := newStepFixture(t, 1, trainer.ExecutorOptions{Report: true, BatchSize: 1}, 1.0)
	f.tracker.err = errors.New("tracking down")

	f.sync.Accumulate(false)
	_, err := f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	assert.NoError(t, err)
	assert.Equal(t, 1, f.opt.steps)
}

func TestExecutor_Errors(t *testing.T) {
	f := newStepFixture(t, 1, trainer.ExecutorOptions{})
	_, err := f.exec.Step(context.Background(), nil)
	assert.Error(t, err)

	f.sync.Accumulate(false)
	_, err = f.exec.Step(context.Background(), []trainer.Batch{batch("a", 5, 3, 4)})
	assert.ErrorContains(t, err, "stream a")
	assert.Equal(t, 0, f.opt.steps)
}

func TestAverageMeter(t *testing.T) {
	var m trainer.AverageMeter
	m.Update(1)
	m.Update(3)
	assert.Equal(t, 3.0, m.Val)
	assert.Equal(t, 2.0, m.Avg)
	assert.Equal(t, 2, m.Count)
	m.Reset()
	assert.Equal(t, trainer.AverageMeter{}, m)
}
