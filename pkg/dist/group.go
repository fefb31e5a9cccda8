package dist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jguan/vitune/pkg/tensor"
)

var ErrBrokenBarrier = errors.New("barrier broken by a cancelled worker")

// barrier is a reusable rendezvous for n goroutines. The last arriver runs
// the optional action before anyone is released. A cancelled wait breaks
// the barrier for every current and later wait.
type barrier struct {
	mu     sync.Mutex
	n      int
	count  int
	cur    *generation
	broken bool
}

type generation struct {
	done   chan struct{}
	broken bool
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, cur: &generation{done: make(chan struct{})}}
}

func (b *barrier) wait(ctx context.Context, action func()) error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBrokenBarrier
	}
	gen := b.cur
	b.count++
	if b.count == b.n {
		if action != nil {
			action()
		}
		b.count = 0
		b.cur = &generation{done: make(chan struct{})}
		b.mu.Unlock()
		close(gen.done)
		return nil
	}
	b.mu.Unlock()

	select {
	case <-gen.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		if gen.broken {
			return ErrBrokenBarrier
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if !b.broken {
			b.broken = true
			gen.broken = true
			close(gen.done)
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// group is the state shared by the workers of one in-process job.
type group struct {
	size    int
	barrier *barrier

	mu     sync.Mutex
	sum    map[string][]float64
	result map[string][]float64
}

// allReduce replaces each gradient with its mean across workers.
func (g *group) allReduce(ctx context.Context, grads map[string][]float32) error {
	g.mu.Lock()
	if g.sum == nil {
		g.sum = make(map[string][]float64, len(grads))
	}
	for name, gr := range grads {
		s, ok := g.sum[name]
		if !ok {
			s = make([]float64, len(gr))
			g.sum[name] = s
		}
		if len(s) != len(gr) {
			// drop every partial sum of this round, ours included
			g.sum = nil
			g.mu.Unlock()
			return fmt.Errorf("all-reduce %s: %d elements, other workers sent %d", name, len(gr), len(s))
		}
		for i, v := range gr {
			s[i] += float64(v)
		}
	}
	g.mu.Unlock()

	publish := func() {
		g.mu.Lock()
		g.result, g.sum = g.sum, nil
		g.mu.Unlock()
	}
	if err := g.barrier.wait(ctx, publish); err != nil {
		return err
	}

	g.mu.Lock()
	res := g.result
	g.mu.Unlock()
	n := float64(g.size)
	for name, gr := range grads {
		s, ok := res[name]
		if !ok || len(s) != len(gr) {
			return fmt.Errorf("all-reduce %s: missing from reduced set", name)
		}
		for i := range gr {
			gr[i] = float32(s[i] / n)
		}
	}

	// keep result stable until every worker has read it
	return g.barrier.wait(ctx, nil)
}

// Options configures every worker of a group.
type Options struct {
	Mode              Mode
	AccumulationSteps int
	// Precision is the autocast compute dtype.
	Precision tensor.DType
}

// Worker is an in-process Synchronizer. Workers of one group run on their own
// goroutines and meet at barriers and gradient all-reduces.
type Worker struct {
	g        *group
	info     WorldInfo
	opts     Options
	micro    int
	boundary bool
}

// NewGroup creates world workers sharing barriers and gradient reduction.
func NewGroup(world int, opts Options) ([]*Worker, error) {
	if world < 1 {
		return nil, fmt.Errorf("world size must be at least 1, got %d", world)
	}
	if opts.AccumulationSteps < 1 {
		opts.AccumulationSteps = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	if opts.Mode == ModeLocal && world > 1 {
		return nil, fmt.Errorf("mode %s runs a single worker, got world size %d", ModeLocal, world)
	}
	if opts.Precision == "" {
		opts.Precision = tensor.Float32
	}

	g := &group{size: world, barrier: newBarrier(world)}
	workers := make([]*Worker, world)
	for r := range workers {
		workers[r] = &Worker{
			g:    g,
			info: WorldInfo{LocalRank: r, Rank: r, WorldSize: world},
			opts: opts,
		}
	}
	return workers, nil
}

// NewLocal returns a single worker; barriers return immediately.
func NewLocal(accumulation int, precision tensor.DType) *Worker {
	ws, _ := NewGroup(1, Options{Mode: ModeLocal, AccumulationSteps: accumulation, Precision: precision})
	return ws[0]
}

func (w *Worker) Rank() int              { return w.info.Rank }
func (w *Worker) LocalRank() int         { return w.info.LocalRank }
func (w *Worker) WorldSize() int         { return w.info.WorldSize }
func (w *Worker) IsMainProcess() bool    { return w.info.Rank == 0 }
func (w *Worker) Mode() Mode             { return w.opts.Mode }
func (w *Worker) Device() string         { return fmt.Sprintf("cpu:%d", w.info.LocalRank) }
func (w *Worker) AccumulationSteps() int { return w.opts.AccumulationSteps }
func (w *Worker) IsSyncBoundary() bool   { return w.boundary }

func (w *Worker) Barrier(ctx context.Context) error {
	if w.g.size == 1 {
		return ctx.Err()
	}
	return w.g.barrier.wait(ctx, nil)
}

func (w *Worker) Accumulate(final bool) {
	w.micro++
	w.boundary = final || w.micro%w.opts.AccumulationSteps == 0
	if final {
		w.micro = 0
	}
}

func (w *Worker) Backward(ctx context.Context, loss tensor.Loss) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return loss.Backward(1 / float64(w.opts.AccumulationSteps))
}

func (w *Worker) ClipAndSyncGradients(ctx context.Context, params []*tensor.Parameter, maxNorm float64) (float64, error) {
	if w.g.size > 1 {
		grads := make(map[string][]float32, len(params))
		for _, p := range params {
			if p.RequiresGrad {
				grads[p.Name] = p.EnsureGrad()
			}
		}
		if err := w.g.allReduce(ctx, grads); err != nil {
			return 0, fmt.Errorf("sync gradients: %w", err)
		}
	}

	var sq float64
	for _, p := range params {
		for _, v := range p.Grad {
			sq += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 {
		coef := maxNorm / (norm + 1e-6)
		if coef < 1 {
			for _, p := range params {
				for i := range p.Grad {
					p.Grad[i] = float32(float64(p.Grad[i]) * coef)
				}
			}
		}
	}
	return norm, nil
}

func (w *Worker) Autocast(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(WithPrecision(ctx, w.opts.Precision))
}

func (w *Worker) Place(t tensor.Tensor) tensor.Tensor { return t }
