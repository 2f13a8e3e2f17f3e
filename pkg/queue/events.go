package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event emitted by the queue manager.
type EventType string

const (
	EventRequestEnqueued   EventType = "request.enqueued"
	EventRequestProcessing EventType = "request.processing"
	EventRequestCompleted  EventType = "request.completed"
	EventRequestFailed     EventType = "request.failed"
	EventRequestRetrying   EventType = "request.retrying"
	EventRequestExpired    EventType = "request.expired"
	EventRequestCancelled  EventType = "request.cancelled"
	EventBatchCreated      EventType = "batch.created"
	EventBatchReady        EventType = "batch.ready"
	EventQueueFull         EventType = "queue.full"
	EventBreakerChanged    EventType = "circuitbreaker.stateChanged"
	EventMetricsUpdated    EventType = "metrics.updated"
)

// Event is one entry in the queue's lifecycle stream.
type Event struct {
	Type      EventType       `json:"type"`
	Time      time.Time       `json:"time"`
	RequestID uuid.UUID       `json:"request_id,omitempty"`
	BatchID   uuid.UUID       `json:"batch_id,omitempty"`
	Zone      string          `json:"zone,omitempty"`
	Err       string          `json:"error,omitempty"`
	Breaker   string          `json:"breaker_state,omitempty"`
	Metrics   *StorageMetrics `json:"metrics,omitempty"`
}

// eventSubscriber wraps a subscriber channel; sends never block.
type eventSubscriber struct {
	ch     chan Event
	closed bool
	mu     sync.Mutex
}

func (s *eventSubscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		// Slow consumer: drop rather than stall the engine.
		return false
	}
}

func (s *eventSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
}

// EventBus fans lifecycle events out to subscribers. Messages to a
// subscriber with a full buffer are dropped so that publishing never
// blocks the processing loop. All methods are safe for concurrent use.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*eventSubscriber]struct{}
	bufferSize  int
	closed      bool
	cleanupWg   sync.WaitGroup
}

// NewEventBus creates an event bus whose subscriber channels buffer the
// given number of events (minimum 1).
func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscriber]struct{}),
		bufferSize:  max(bufferSize, 1),
	}
}

// Subscribe registers a new subscriber. The subscription is removed
// automatically when ctx is cancelled; the returned channel closes at
// that point or when the bus shuts down.
func (b *EventBus) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &eventSubscriber{ch: make(chan Event, b.bufferSize)}
	if b.closed {
		sub.close()
		return sub.ch
	}
	b.subscribers[sub] = struct{}{}

	if ctx.Done() != nil {
		b.cleanupWg.Add(1)
		go func() {
			defer b.cleanupWg.Done()
			<-ctx.Done()
			b.unsubscribe(sub)
		}()
	}
	return sub.ch
}

// Publish sends the event to every active subscriber, dropping it for
// any whose buffer is full.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subscribers {
		sub.send(ev)
	}
}

// Close shuts down the bus and closes every subscriber channel.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.close()
	}
	clear(b.subscribers)
	b.mu.Unlock()

	b.cleanupWg.Wait()
}

func (b *EventBus) unsubscribe(sub *eventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		sub.close()
	}
}
