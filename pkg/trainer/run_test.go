package trainer_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jguan/vitune/pkg/checkpoint"
	"github.com/jguan/vitune/pkg/data"
	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/masking"
	"github.com/jguan/vitune/pkg/model/reference"
	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/trainer"
)

type runFixture struct {
	model   *recordingModel
	opt     *countingOptimizer
	sched   *countingScheduler
	sync    *dist.Worker
	streams []*sliceStream
	ckpt    *checkpoint.Manager
	resume  bool
	out     bytes.Buffer
}

func newRunFixture(t *testing.T, dir string, accum int) *runFixture {
	t.Helper()
	f := &runFixture{
		model: newRecordingModel(slices.Repeat([]float64{1.5}, 64)...),
		sync:  dist.NewLocal(accum, tensor.Float32),
		streams: []*sliceStream{
			{name: "mimicit", batches: []trainer.Batch{batch("mimicit", 5, 3, 4), batch("mimicit", 5, 3, 4), batch("mimicit", 5, 3, 4)}},
			{name: "past", batches: []trainer.Batch{batch("past", 5, 3, 4), batch("past", 5, 3, 4)}},
		},
	}
	f.opt = &countingOptimizer{AdamW: optim.NewAdamW(gradsel.GroupParameters(f.model.params, 0), 1e-3)}
	f.sched = &countingScheduler{Scheduler: schedule.New(f.opt, schedule.KindConstant, schedule.Plan{})}
	f.ckpt = checkpoint.NewManager(checkpoint.Options{Dir: dir}, f.sync, nil)
	return f
}

func (f *runFixture) trainer(t *testing.T, epochs int) *trainer.Trainer {
	t.Helper()
	streams := make([]trainer.Stream, len(f.streams))
	for i, s := range f.streams {
		streams[i] = s
	}
	tr, err := trainer.New(trainer.Options{
		NumEpochs:            epochs,
		LoggingSteps:         1,
		ResumeFromCheckpoint: f.resume,
		Executor:             trainer.ExecutorOptions{Markers: markers, BatchSize: 1},
		Out:                  &f.out,
	}, trainer.Deps{
		Model:       f.model,
		Optimizer:   f.opt,
		Scheduler:   f.sched,
		Sync:        f.sync,
		Streams:     streams,
		Checkpoints: f.ckpt,
	})
	require.NoError(t, err)
	return tr
}

func TestStepsPerEpoch(t *testing.T) {
	assert.Equal(t, 0, trainer.StepsPerEpoch(nil))
	assert.Equal(t, 2, trainer.StepsPerEpoch([]trainer.Stream{
		&sliceStream{batches: make([]trainer.Batch, 4)},
		&sliceStream{batches: make([]trainer.Batch, 2)},
		&sliceStream{batches: make([]trainer.Batch, 3)},
	}))
}

func TestNew_Validation(t *testing.T) {
	f := newRunFixture(t, t.TempDir(), 1)
	full := trainer.Deps{
		Model:       f.model,
		Optimizer:   f.opt,
		Scheduler:   f.sched,
		Sync:        f.sync,
		Streams:     []trainer.Stream{f.streams[0]},
		Checkpoints: f.ckpt,
	}

	tests := []struct {
		name   string
		mutate func(*trainer.Deps)
		opts   trainer.Options
	}{
		{name: "no model", mutate: func(d *trainer.Deps) { d.Model = nil }},
		{name: "no sync", mutate: func(d *trainer.Deps) { d.Sync = nil }},
		{name: "no checkpoints", mutate: func(d *trainer.Deps) { d.Checkpoints = nil }},
		{name: "no streams", mutate: func(d *trainer.Deps) { d.Streams = nil }},
		{name: "negative epochs", mutate: func(*trainer.Deps) {}, opts: trainer.Options{NumEpochs: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := trainer.New(tt.opts, deps)
			assert.Error(t, err)
		})
	}
}

func TestRun_EpochsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	f := newRunFixture(t, dir, 1)

	require.NoError(t, f.trainer(t, 2).Run(context.Background()))

	// the shorter stream bounds the epoch
	assert.Equal(t, 4, f.opt.steps)
	assert.Equal(t, 4, f.sched.steps)
	for _, s := range f.streams {
		assert.Equal(t, []int{0, 1}, s.epochs, s.name)
	}

	lines := strings.Split(strings.TrimSpace(f.out.String()), "\n")
	assert.Equal(t, []string{
		"Step 1/2 of epoch 1/2 complete. Loss: 1.500",
		"Step 2/2 of epoch 1/2 complete. Loss: 1.500",
		"Step 1/2 of epoch 2/2 complete. Loss: 1.500",
		"Step 2/2 of epoch 2/2 complete. Loss: 1.500",
	}, lines)

	for _, name := range []string{"checkpoint_0.pt", "checkpoint_1.pt", checkpoint.FinalWeightsFile, checkpoint.ConfigFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.Equal(t, checkpoint.StateFinalSaved, f.ckpt.State())

	weights, err := checkpoint.ReadWeights(filepath.Join(dir, checkpoint.FinalWeightsFile))
	require.NoError(t, err)
	assert.NotContains(t, weights, "vision_encoder.proj.weight")
	assert.Contains(t, weights, gradsel.MPTEmbedding)
}

func TestRun_FinalStepForcesSync(t *testing.T) {
	f := newRunFixture(t, t.TempDir(), 4)

	require.NoError(t, f.trainer(t, 1).Run(context.Background()))
	// two micro-steps never reach the accumulation boundary on their own
	assert.Equal(t, 1, f.opt.steps)
}

func TestRun_ResumesAfterLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	first := newRunFixture(t, dir, 1)
	require.NoError(t, first.trainer(t, 1).Run(context.Background()))
	require.NoFileExists(t, filepath.Join(dir, "checkpoint_1.pt"))

	second := newRunFixture(t, dir, 1)
	second.resume = true
	tr := second.trainer(t, 2)
	require.NoError(t, tr.Run(context.Background()))

	for _, s := range second.streams {
		assert.Equal(t, []int{1}, s.epochs, "epoch 0 is not repeated")
	}
	assert.Equal(t, 2, second.opt.steps)
	assert.FileExists(t, filepath.Join(dir, "checkpoint_1.pt"))
	assert.Equal(t, 1, tr.State().Epoch)
	assert.Equal(t, int64(3), tr.State().GlobalStep)
	assert.Contains(t, second.out.String(), "Step 1/2 of epoch 2/2 complete.")
	assert.NotContains(t, second.out.String(), "of epoch 1/2")
}

func TestRun_CompletedRunOnlyWritesFinalWeights(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, newRunFixture(t, dir, 1).trainer(t, 1).Run(context.Background()))
	require.NoError(t, os.Remove(filepath.Join(dir, checkpoint.FinalWeightsFile)))

	again := newRunFixture(t, dir, 1)
	again.resume = true
	require.NoError(t, again.trainer(t, 1).Run(context.Background()))
	assert.Zero(t, again.opt.steps)
	assert.Empty(t, again.out.String())
	assert.FileExists(t, filepath.Join(dir, checkpoint.FinalWeightsFile))
}

func TestRun_IgnoresCheckpointsUnlessResuming(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, newRunFixture(t, dir, 1).trainer(t, 1).Run(context.Background()))
	require.FileExists(t, filepath.Join(dir, "checkpoint_0.pt"))

	fresh := newRunFixture(t, dir, 1)
	require.NoError(t, fresh.trainer(t, 1).Run(context.Background()))
	assert.Equal(t, 2, fresh.opt.steps)
	assert.Equal(t, checkpoint.StateFinalSaved, fresh.ckpt.State())
	for _, s := range fresh.streams {
		assert.Equal(t, []int{0}, s.epochs, s.name)
	}
	assert.Contains(t, fresh.out.String(), "Step 1/2 of epoch 1/1 complete.")
}

func TestRun_StopsOnStepError(t *testing.T) {
	f := newRunFixture(t, t.TempDir(), 1)
	f.model.losses = f.model.losses[:3]

	err := f.trainer(t, 1).Run(context.Background())
	assert.ErrorContains(t, err, "epoch 0 step 1")
	assert.NoFileExists(t, filepath.Join(f.ckpt.Dir(), "checkpoint_0.pt"))
}

func conversations(n int) []data.Conversation {
	words := []string{"red", "blue", "green", "gold", "gray", "pink"}
	out := make([]data.Conversation, n)
	for i := range out {
		w := words[i%len(words)]
		out[i] = data.Conversation{
			ID:     w,
			Text:   "<image>User: color ? GPT:<answer> " + w + " " + w + "<|endofchunk|>",
			Images: [][]float32{{float32(i), 1, 0.5}},
		}
	}
	return out
}

type worker struct {
	model   *reference.Model
	trainer *trainer.Trainer
}

func newWorker(t *testing.T, sync *dist.Worker, dir string, convs []data.Conversation, vocab *data.Vocab, m masking.Markers, epochs int) worker {
	t.Helper()
	model, err := reference.New(reference.Config{
		Family:     gradsel.FamilyMPT,
		VocabSize:  vocab.Size(),
		HiddenSize: 4,
		VisionDim:  3,
		Seed:       7,
	})
	require.NoError(t, err)

	opt := optim.NewAdamW(gradsel.GroupParameters(model.NamedParameters(), 0), 1e-2)
	sched := schedule.New(opt, schedule.KindConstant, schedule.Plan{})
	stream, err := data.NewStream("mimicit", convs, nil, vocab, data.StreamOptions{
		BatchSize: 2,
		Seed:      3,
		Rank:      sync.Rank(),
		WorldSize: sync.WorldSize(),
		ImageDim:  3,
	})
	require.NoError(t, err)

	tr, err := trainer.New(trainer.Options{
		NumEpochs: epochs,
		Executor:  trainer.ExecutorOptions{Markers: m, MaskLMHead: true, BatchSize: 2},
		Out:       &bytes.Buffer{},
	}, trainer.Deps{
		Model:       model,
		Optimizer:   opt,
		Scheduler:   sched,
		Sync:        sync,
		Streams:     []trainer.Stream{stream},
		Checkpoints: checkpoint.NewManager(checkpoint.Options{Dir: dir, DeletePrevious: true}, sync, nil),
	})
	require.NoError(t, err)
	return worker{model: model, trainer: tr}
}

func batchLoss(t *testing.T, model *reference.Model, convs []data.Conversation, vocab *data.Vocab, m masking.Markers) float64 {
	t.Helper()
	stream, err := data.NewStream("eval", convs, nil, vocab, data.StreamOptions{BatchSize: len(convs), WorldSize: 1, ImageDim: 3})
	require.NoError(t, err)
	stream.SetEpoch(0)
	b, err := stream.Iterate(context.Background()).Next(context.Background())
	require.NoError(t, err)

	loss, err := model.Forward(context.Background(), trainer.ForwardInput{
		Images:        b.Images,
		InputIDs:      b.InputIDs,
		AttentionMask: b.AttentionMask,
		Labels:        masking.MaskBatch(b.InputIDs, m),
	})
	require.NoError(t, err)
	return loss.Value()
}

func TestRun_ReferenceModelLearns(t *testing.T) {
	convs := conversations(2)
	vocab := data.BuildVocab(data.Texts(convs))
	m, err := masking.ResolveMarkers(vocab)
	require.NoError(t, err)

	dir := t.TempDir()
	w := newWorker(t, dist.NewLocal(1, tensor.Float32), dir, convs, vocab, m, 5)
	embed := w.model.Parameter(gradsel.MPTEmbedding).Value.Clone()
	before := batchLoss(t, w.model, convs, vocab, m)

	require.NoError(t, w.trainer.Run(context.Background()))

	assert.Less(t, batchLoss(t, w.model, convs, vocab, m), before)

	// only the answer-marker row of the embedding moves
	after := w.model.Parameter(gradsel.MPTEmbedding).Value
	width := len(after.Data) / vocab.Size()
	for row := 0; row < vocab.Size(); row++ {
		got := after.Data[row*width : (row+1)*width]
		want := embed.Data[row*width : (row+1)*width]
		if row == int(m.Answer) {
			assert.NotEqual(t, want, got, "answer row")
		} else {
			assert.Equal(t, want, got, "row %d", row)
		}
	}

	entries, err := checkpoint.List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "older checkpoints are deleted")
	assert.Equal(t, 3, entries[0].Epoch)
	assert.Equal(t, 4, entries[1].Epoch)
}

func TestRun_WorkersStayInSync(t *testing.T) {
	convs := conversations(4)
	vocab := data.BuildVocab(data.Texts(convs))
	m, err := masking.ResolveMarkers(vocab)
	require.NoError(t, err)

	syncs, err := dist.NewGroup(2, dist.Options{Mode: dist.ModeDDP, AccumulationSteps: 1, Precision: tensor.Float32})
	require.NoError(t, err)

	dir := t.TempDir()
	workers := make([]worker, len(syncs))
	for i, s := range syncs {
		workers[i] = newWorker(t, s, dir, convs, vocab, m, 2)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, w := range workers {
		g.Go(func() error { return w.trainer.Run(ctx) })
	}
	require.NoError(t, g.Wait())

	for _, p := range workers[0].model.NamedParameters() {
		other := workers[1].model.Parameter(p.Name)
		require.NotNil(t, other)
		assert.True(t, p.Value.Equal(other.Value), p.Name)
	}
	assert.FileExists(t, filepath.Join(dir, "checkpoint_1.pt"))
	assert.FileExists(t, filepath.Join(dir, checkpoint.FinalWeightsFile))
}
