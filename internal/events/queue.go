package events

import (
	"context"
	"errors"
	"sync"
)

// Publisher accepts events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Queue fan-outs events to interested subscribers.
type Queue interface {
	Publisher
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errUntypedEvent = errors.New("event type is required")

// NewMemoryQueue returns an in-process queue where every subscriber sees
// every event. A subscriber whose buffer is full misses events rather than
// stalling publishers.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{buffer: buffer, subs: map[uint64]chan Event{}}
}

type memoryQueue struct {
	buffer int

	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func (q *memoryQueue) Publish(_ context.Context, event Event) error {
	if event.Type == "" {
		return errUntypedEvent
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, ch := range q.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	ch := make(chan Event, q.buffer)
	q.mu.Lock()
	q.next++
	id := q.next
	q.subs[id] = ch
	q.mu.Unlock()
	return &memorySubscription{ch: ch, cancel: func() { q.drop(id) }}
}

func (q *memoryQueue) drop(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.subs[id]; ok {
		delete(q.subs, id)
		close(ch)
	}
}

type memorySubscription struct {
	ch     chan Event
	cancel func()
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

// Close is idempotent.
func (s *memorySubscription) Close() { s.cancel() }

// Fanout publishes every event to each publisher in turn and joins the
// failures.
func Fanout(publishers ...Publisher) Publisher {
	filtered := make(fanout, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

type fanout []Publisher

func (f fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
