package tracking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/vitune/pkg/checkpoint"
	"github.com/jguan/vitune/pkg/infra/eventbus"
	"github.com/jguan/vitune/pkg/infra/logger"
	"github.com/jguan/vitune/pkg/infra/store"
)

type Options struct {
	// RunID defaults to a fresh uuid.
	RunID   string
	RunName string
	Project string
	Entity  string
	Config  map[string]any
	// Offline keeps everything local: the redis sink is not started.
	Offline bool
	// Store defaults to an in-memory store. The reporter closes it.
	Store     store.RunStore
	RedisAddr string
	// RedisMaxRate caps metric records per second mirrored to redis.
	RedisMaxRate float64
	MetricsAddr  string
	BufferSize   int
}

// Reporter is the Tracker used when reporting is enabled. Log never blocks:
// records that do not fit in the bus buffer are dropped.
type Reporter struct {
	runID   string
	run     store.Run
	runs    store.RunStore
	bus     *eventbus.PersistentEventBus
	redis   *RedisSink
	prom    *PrometheusSink
	stopSrv context.CancelFunc
	srvDone chan struct{}

	mu     sync.Mutex
	status store.RunStatus
	closed bool
}

func New(ctx context.Context, opts Options) (*Reporter, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runs := opts.Store
	if runs == nil {
		runs = store.NewMemoryStore()
	}

	var redisSink *RedisSink
	if !opts.Offline && opts.RedisAddr != "" {
		sink, err := NewRedisSink(RedisSinkConfig{
			Address: opts.RedisAddr,
			MaxRate: opts.RedisMaxRate,
			Burst:   int(opts.RedisMaxRate) + 1,
		})
		if err != nil {
			return nil, err
		}
		redisSink = sink
	}

	run := store.Run{
		ID:        runID,
		Name:      opts.RunName,
		Project:   opts.Project,
		Entity:    opts.Entity,
		Status:    store.RunRunning,
		Config:    opts.Config,
		StartedAt: time.Now(),
	}
	if err := runs.CreateRun(ctx, &run); err != nil {
		if redisSink != nil {
			redisSink.Close()
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	r := &Reporter{
		runID:  runID,
		run:    run,
		runs:   runs,
		redis:  redisSink,
		status: store.RunFinished,
	}

	busOpts := []eventbus.PersistentOption{
		eventbus.WithPersistErrorHandler(func(err error) {
			logger.Warn("tracking sink failed", "run_id", runID, "error", err)
		}),
	}
	if opts.BufferSize > 0 {
		busOpts = append(busOpts, eventbus.WithPersistentBufferSize(opts.BufferSize))
	}
	r.bus = eventbus.NewPersistentEventBus(&runEventStore{runs: runs}, busOpts...)

	if r.redis != nil {
		r.bus.Subscribe(r.redis.Handle)
	}
	if opts.MetricsAddr != "" {
		r.prom = NewPrometheusSink()
		r.bus.Subscribe(r.prom.Handle)
		r.serveMetrics(opts.MetricsAddr)
	}

	if err := r.bus.Publish(newEvent(EventRun, runID, run, run.StartedAt)); err != nil {
		logger.Warn("publish run start", "error", err)
	}

	logger.Info("tracking run started", "run_id", runID, "name", opts.RunName, "offline", opts.Offline)
	return r, nil
}

func (r *Reporter) serveMetrics(addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.stopSrv = cancel
	r.srvDone = make(chan struct{})
	go func() {
		defer close(r.srvDone)
		if err := r.prom.Serve(ctx, addr); err != nil {
			logger.Warn("metrics endpoint stopped", "addr", addr, "error", err)
		}
	}()
}

func (r *Reporter) RunID() string { return r.runID }

// Prometheus returns the metrics sink, nil when no metrics address is set.
func (r *Reporter) Prometheus() *PrometheusSink { return r.prom }

func (r *Reporter) Log(ctx context.Context, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	err := r.bus.TryPublish(newEvent(EventMetrics, r.runID, rec, rec.Time))
	if errors.Is(err, eventbus.ErrBufferFull) {
		logger.WithContext(ctx).Debug("tracking buffer full, record dropped", "step", rec.Step)
	}
	return err
}

// SaveArtifact records path with its size and digest.
func (r *Reporter) SaveArtifact(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	digest, err := checkpoint.Digest(path)
	if err != nil {
		return err
	}

	a := store.Artifact{
		RunID:     r.runID,
		Path:      path,
		Size:      info.Size(),
		Digest:    strconv.FormatUint(digest, 16),
		CreatedAt: time.Now(),
	}
	return r.bus.Publish(newEvent(EventArtifact, r.runID, a, a.CreatedAt))
}

// Fail marks the run failed when it is closed.
func (r *Reporter) Fail() {
	r.mu.Lock()
	r.status = store.RunFailed
	r.mu.Unlock()
}

// Close flushes pending records and finishes the run.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	status := r.status
	r.mu.Unlock()

	end := time.Now()
	finished := r.run
	finished.Status = status
	finished.FinishedAt = end
	if err := r.bus.Publish(newEvent(EventRun, r.runID, finished, end)); err != nil {
		logger.Warn("publish run finish", "run_id", r.runID, "error", err)
	}

	var errs []error
	errs = append(errs, r.bus.Close())
	if err := r.runs.FinishRun(context.Background(), r.runID, status, end); err != nil {
		errs = append(errs, fmt.Errorf("finish run: %w", err))
	}
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	if r.stopSrv != nil {
		r.stopSrv()
		<-r.srvDone
	}
	errs = append(errs, r.runs.Close())
	return errors.Join(errs...)
}

// Replay feeds the persisted events of this run to handler, oldest first.
func (r *Reporter) Replay(ctx context.Context, handler eventbus.EventHandler) error {
	return r.bus.Replay(ctx, r.runID, handler)
}

var (
	_ Tracker = (*Reporter)(nil)
	_ Tracker = Noop{}
)
