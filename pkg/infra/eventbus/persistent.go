package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PersistentEventBus fans events out to in-memory subscribers and writes
// them to an EventStore in batches.
type PersistentEventBus struct {
	memory      *InMemoryEventBus
	store       EventStore
	buffer      chan Event
	batchSize   int
	flushPeriod time.Duration
	onError     func(error)
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	mu          sync.RWMutex
}

func NewPersistentEventBus(store EventStore, opts ...PersistentOption) *PersistentEventBus {
	config := &persistentConfig{
		bufferSize:  1000,
		batchSize:   100,
		flushPeriod: 1 * time.Second,
		workerCount: 4,
	}

	for _, opt := range opts {
		opt(config)
	}

	ctx, cancel := context.WithCancel(context.Background())

	memOpts := []Option{WithBufferSize(config.bufferSize), WithWorkerCount(config.workerCount)}
	if config.onError != nil {
		onError := config.onError
		memOpts = append(memOpts, WithErrorHandler(func(e Event, err error) {
			onError(fmt.Errorf("handle %s event: %w", e.Type(), err))
		}))
	}

	bus := &PersistentEventBus{
		memory:      NewInMemoryEventBus(memOpts...),
		store:       store,
		buffer:      make(chan Event, config.bufferSize),
		batchSize:   config.batchSize,
		flushPeriod: config.flushPeriod,
		onError:     config.onError,
		ctx:         ctx,
		cancel:      cancel,
	}

	bus.wg.Add(1)
	go bus.persistenceWorker()

	return bus
}

type persistentConfig struct {
	bufferSize  int
	batchSize   int
	flushPeriod time.Duration
	workerCount int
	onError     func(error)
}

type PersistentOption func(*persistentConfig)

func WithPersistentBufferSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithBatchSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

func WithFlushPeriod(period time.Duration) PersistentOption {
	return func(c *persistentConfig) {
		if period > 0 {
			c.flushPeriod = period
		}
	}
}

func WithPersistentWorkerCount(count int) PersistentOption {
	return func(c *persistentConfig) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

// WithPersistErrorHandler receives store and subscriber errors.
func WithPersistErrorHandler(fn func(error)) PersistentOption {
	return func(c *persistentConfig) {
		c.onError = fn
	}
}

func (b *PersistentEventBus) Publish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	if err := b.memory.Publish(event); err != nil {
		return err
	}

	select {
	case b.buffer <- event:
		return nil
	case <-b.ctx.Done():
		return ErrClosed
	}
}

// TryPublish never blocks. An event that does not fit in either buffer is
// dropped for that path.
func (b *PersistentEventBus) TryPublish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	memErr := b.memory.TryPublish(event)
	select {
	case b.buffer <- event:
		return memErr
	default:
		return ErrBufferFull
	}
}

func (b *PersistentEventBus) Dropped() int64 { return b.memory.Dropped() }

func (b *PersistentEventBus) Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error) {
	return b.memory.Subscribe(handler, filters...)
}

func (b *PersistentEventBus) Unsubscribe(id SubscriptionID) error {
	return b.memory.Unsubscribe(id)
}

func (b *PersistentEventBus) Query(ctx context.Context, filter EventQueryFilter) ([]Event, error) {
	return b.store.Query(ctx, filter)
}

// Replay feeds the stored events of a run to handler, oldest first.
func (b *PersistentEventBus) Replay(ctx context.Context, runID string, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	events, err := b.store.Query(ctx, EventQueryFilter{RunID: runID})
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}

	for _, event := range events {
		if err := handler(event); err != nil {
			return fmt.Errorf("handle event: %w", err)
		}
	}

	return nil
}

// Close flushes pending events to the store and stops the subscribers.
func (b *PersistentEventBus) Close() error {
	b.cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.buffer)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return b.memory.Close()
}

func (b *PersistentEventBus) persistenceWorker() {
	defer b.wg.Done()

	batch := make([]Event, 0, b.batchSize)
	ticker := time.NewTicker(b.flushPeriod)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.store.SaveBatch(context.Background(), batch); err != nil && b.onError != nil {
			b.onError(fmt.Errorf("persist %d events: %w", len(batch), err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-b.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
