package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed     = errors.New("eventbus is closed")
	ErrBufferFull = errors.New("eventbus buffer is full")
)

// Event is a tracking record flowing from the training loop to its sinks.
type Event interface {
	Type() string
	RunID() string
	Payload() any
	Timestamp() time.Time
}

type SubscriptionID string

type EventHandler func(event Event) error

type EventFilter func(event Event) bool

type EventBus interface {
	Publish(event Event) error
	TryPublish(event Event) error
	Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscription
	eventChan   chan Event
	workerCount int
	bufferSize  int
	onError     func(Event, error)
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      bool
	dropped     atomic.Int64
	handled     atomic.Int64
}

type subscription struct {
	id      SubscriptionID
	handler EventHandler
	filters []EventFilter
}

func NewInMemoryEventBus(opts ...Option) *InMemoryEventBus {
	config := &config{
		bufferSize:  1000,
		workerCount: 4,
	}

	for _, opt := range opts {
		opt(config)
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &InMemoryEventBus{
		subscribers: make(map[SubscriptionID]*subscription),
		eventChan:   make(chan Event, config.bufferSize),
		workerCount: config.workerCount,
		bufferSize:  config.bufferSize,
		onError:     config.onError,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < bus.workerCount; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}

	return bus
}

type config struct {
	bufferSize  int
	workerCount int
	onError     func(Event, error)
}

type Option func(*config)

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithWorkerCount(count int) Option {
	return func(c *config) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

// WithErrorHandler is called with every handler error. Errors never reach
// the publisher.
func WithErrorHandler(fn func(Event, error)) Option {
	return func(c *config) {
		c.onError = fn
	}
}

// Publish enqueues event, waiting for buffer space.
func (b *InMemoryEventBus) Publish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-b.ctx.Done():
		return ErrClosed
	}
}

// TryPublish enqueues event without waiting. When the buffer is full the
// event is dropped and counted.
func (b *InMemoryEventBus) TryPublish(event Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	default:
		b.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped is the number of events TryPublish discarded.
func (b *InMemoryEventBus) Dropped() int64 { return b.dropped.Load() }

// Handled is the number of events dispatched to subscribers.
func (b *InMemoryEventBus) Handled() int64 { return b.handled.Load() }

func (b *InMemoryEventBus) Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	id := SubscriptionID(generateID())
	b.subscribers[id] = &subscription{
		id:      id,
		handler: handler,
		filters: filters,
	}

	return id, nil
}

func (b *InMemoryEventBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return fmt.Errorf("subscription %s not found", id)
	}

	delete(b.subscribers, id)
	return nil
}

// Close stops accepting events, delivers everything already queued and
// waits for the workers to exit.
func (b *InMemoryEventBus) Close() error {
	// wake blocked publishers before taking the write lock
	b.cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.subscribers = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()

	return nil
}

func (b *InMemoryEventBus) worker() {
	defer b.wg.Done()

	for event := range b.eventChan {
		b.dispatchEvent(event)
	}
}

func (b *InMemoryEventBus) dispatchEvent(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !b.matchFilters(event, sub.filters) {
			continue
		}

		if err := sub.handler(event); err != nil && b.onError != nil {
			b.onError(event, err)
		}
	}
	b.handled.Add(1)
}

func (b *InMemoryEventBus) matchFilters(event Event, filters []EventFilter) bool {
	if len(filters) == 0 {
		return true
	}

	for _, filter := range filters {
		if !filter(event) {
			return false
		}
	}

	return true
}

func FilterByType(eventType string) EventFilter {
	return func(event Event) bool {
		return event.Type() == eventType
	}
}

func FilterByTypes(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type()]
	}
}

func FilterByRun(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID() == runID
	}
}
