package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockEvent struct {
	eventType string
	runID     string
	payload   any
	timestamp time.Time
}

func (e *mockEvent) Type() string         { return e.eventType }
func (e *mockEvent) RunID() string        { return e.runID }
func (e *mockEvent) Payload() any         { return e.payload }
func (e *mockEvent) Timestamp() time.Time { return e.timestamp }

func newMockEvent(eventType, runID string) *mockEvent {
	return &mockEvent{
		eventType: eventType,
		runID:     runID,
		payload:   map[string]float64{"loss": 1.5},
		timestamp: time.Now(),
	}
}

func TestInMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryEventBus()

	var mu sync.Mutex
	var received []Event
	_, err := bus.Subscribe(func(event Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := newMockEvent("metrics", "run-1")
	if err := bus.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Close drains the queue
	bus.Close()

	if len(received) != 1 || received[0] != event {
		t.Fatalf("expected the published event, got %v", received)
	}
}

func TestInMemoryEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewInMemoryEventBus()

	var c1, c2 int64
	bus.Subscribe(func(Event) error { atomic.AddInt64(&c1, 1); return nil })
	bus.Subscribe(func(Event) error { atomic.AddInt64(&c2, 1); return nil })

	for i := 0; i < 5; i++ {
		bus.Publish(newMockEvent("metrics", "run-1"))
	}
	bus.Close()

	if c1 != 5 || c2 != 5 {
		t.Errorf("expected 5 events per subscriber, got %d and %d", c1, c2)
	}
}

func TestInMemoryEventBus_Filters(t *testing.T) {
	bus := NewInMemoryEventBus()

	var byType, byTypes, byRun, both int64
	bus.Subscribe(func(Event) error { atomic.AddInt64(&byType, 1); return nil }, FilterByType("metrics"))
	bus.Subscribe(func(Event) error { atomic.AddInt64(&byTypes, 1); return nil }, FilterByTypes("metrics", "artifact"))
	bus.Subscribe(func(Event) error { atomic.AddInt64(&byRun, 1); return nil }, FilterByRun("run-2"))
	bus.Subscribe(func(Event) error { atomic.AddInt64(&both, 1); return nil }, FilterByType("metrics"), FilterByRun("run-2"))

	bus.Publish(newMockEvent("metrics", "run-1"))
	bus.Publish(newMockEvent("metrics", "run-2"))
	bus.Publish(newMockEvent("artifact", "run-2"))
	bus.Publish(newMockEvent("run", "run-1"))
	bus.Close()

	if byType != 2 {
		t.Errorf("FilterByType: expected 2, got %d", byType)
	}
	if byTypes != 3 {
		t.Errorf("FilterByTypes: expected 3, got %d", byTypes)
	}
	if byRun != 2 {
		t.Errorf("FilterByRun: expected 2, got %d", byRun)
	}
	if both != 1 {
		t.Errorf("combined filters: expected 1, got %d", both)
	}
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(WithWorkerCount(1))
	defer bus.Close()

	var counter int64
	id, _ := bus.Subscribe(func(Event) error { atomic.AddInt64(&counter, 1); return nil })

	if err := bus.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := bus.Unsubscribe(id); err == nil {
		t.Error("expected error for unknown subscription")
	}

	bus.Publish(newMockEvent("metrics", "run-1"))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&counter) != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", counter)
	}
}

func TestInMemoryEventBus_NilArguments(t *testing.T) {
	bus := NewInMemoryEventBus()
	defer bus.Close()

	if err := bus.Publish(nil); err == nil {
		t.Error("expected error for nil event")
	}
	if err := bus.TryPublish(nil); err == nil {
		t.Error("expected error for nil event")
	}
	if _, err := bus.Subscribe(nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestInMemoryEventBus_Close(t *testing.T) {
	bus := NewInMemoryEventBus()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := bus.Publish(newMockEvent("metrics", "run-1")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}
	if err := bus.TryPublish(newMockEvent("metrics", "run-1")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from TryPublish, got %v", err)
	}
	if _, err := bus.Subscribe(func(Event) error { return nil }); err == nil {
		t.Error("expected error when subscribing to closed bus")
	}
}

func TestInMemoryEventBus_TryPublishDropsWhenFull(t *testing.T) {
	bus := NewInMemoryEventBus(WithBufferSize(1), WithWorkerCount(1))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(func(Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	// first event occupies the worker, second fills the buffer
	if err := bus.TryPublish(newMockEvent("metrics", "run-1")); err != nil {
		t.Fatalf("TryPublish failed: %v", err)
	}
	<-started
	if err := bus.TryPublish(newMockEvent("metrics", "run-1")); err != nil {
		t.Fatalf("TryPublish failed: %v", err)
	}

	err := bus.TryPublish(newMockEvent("metrics", "run-1"))
	if !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", bus.Dropped())
	}

	close(release)
	bus.Close()
	if bus.Handled() != 2 {
		t.Errorf("expected 2 handled events, got %d", bus.Handled())
	}
}

func TestInMemoryEventBus_HandlerErrors(t *testing.T) {
	var reported int64
	bus := NewInMemoryEventBus(WithErrorHandler(func(Event, error) { atomic.AddInt64(&reported, 1) }))

	bus.Subscribe(func(Event) error { return errors.New("sink down") })
	if err := bus.Publish(newMockEvent("metrics", "run-1")); err != nil {
		t.Fatalf("Publish should not surface handler errors: %v", err)
	}
	bus.Close()

	if reported != 1 {
		t.Errorf("expected 1 reported error, got %d", reported)
	}
}

func TestInMemoryEventBus_Options(t *testing.T) {
	bus := NewInMemoryEventBus(WithBufferSize(500), WithWorkerCount(2))
	defer bus.Close()

	if bus.bufferSize != 500 {
		t.Errorf("Expected buffer size 500, got %d", bus.bufferSize)
	}
	if bus.workerCount != 2 {
		t.Errorf("Expected worker count 2, got %d", bus.workerCount)
	}
}

func TestInMemoryEventBus_Concurrency(t *testing.T) {
	bus := NewInMemoryEventBus(WithBufferSize(10000), WithWorkerCount(8))

	var eventCount int64
	bus.Subscribe(func(Event) error {
		atomic.AddInt64(&eventCount, 1)
		return nil
	})

	var wg sync.WaitGroup
	numPublishers := 10
	eventsPerPublisher := 100

	for i := 0; i < numPublishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(newMockEvent("metrics", "run-1"))
			}
		}()
	}

	wg.Wait()
	bus.Close()

	expected := int64(numPublishers * eventsPerPublisher)
	if atomic.LoadInt64(&eventCount) != expected {
		t.Errorf("Expected %d events, got %d", expected, eventCount)
	}
}

func TestInMemoryEventBus_CloseWhilePublishing(t *testing.T) {
	bus := NewInMemoryEventBus(WithBufferSize(1), WithWorkerCount(1))
	block := make(chan struct{})
	bus.Subscribe(func(Event) error { <-block; return nil })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(newMockEvent("metrics", "run-1"))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(block)
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()
}
