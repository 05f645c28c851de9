package storesync

import (
	"context"
	"sync"
	"time"
)

// Event is one inbound trigger: a push message for Topic, or a synthetic
// trigger injected for replay. The body is kept for logging only; handlers
// always re-fetch.
type Event struct {
	Topic string
	Body  []byte
}

// eventQueue is the dispatcher's single inbound queue. Events are handed out
// in arrival order. An event whose topic is already waiting in the queue is
// folded into the waiting one, since bodies are never trusted and one refresh
// covers both.
type eventQueue struct {
	ch           chan Event
	pollInterval time.Duration
	mu           sync.Mutex
	pending      map[string]bool
}

func newEventQueue(capacity int) *eventQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &eventQueue{
		ch:           make(chan Event, capacity),
		pollInterval: 10 * time.Millisecond,
		pending:      map[string]bool{},
	}
}

// TryEnqueue reports whether the event was queued or folded into a pending
// one. It returns false only when the queue is full.
func (q *eventQueue) TryEnqueue(event Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[event.Topic] {
		return true
	}
	select {
	case q.ch <- event:
		q.pending[event.Topic] = true
		return true
	default:
		return false
	}
}

func (q *eventQueue) Enqueue(ctx context.Context, event Event) bool {
	for {
		if q.TryEnqueue(event) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *eventQueue) Dequeue(ctx context.Context) (Event, bool) {
	select {
	case event := <-q.ch:
		q.mu.Lock()
		delete(q.pending, event.Topic)
		q.mu.Unlock()
		return event, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (q *eventQueue) Depth() int {
	return len(q.ch)
}

func (q *eventQueue) Capacity() int {
	return cap(q.ch)
}
