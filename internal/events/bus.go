// Package events provides an in-memory event bus for task and recovery activity.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event.
type EventType string

const (
	// Task lifecycle
	EventTaskCreated   EventType = "task.created"
	EventTaskClaimed   EventType = "task.claimed"
	EventTaskStep      EventType = "task.step"
	EventTaskIteration EventType = "task.iteration"
	EventTaskCompleted EventType = "task.completed"
	EventTaskExhausted EventType = "task.exhausted"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskPaused    EventType = "task.paused"

	// Recovery
	EventErrorRecorded EventType = "error.recorded"
	EventRecovery      EventType = "recovery.outcome"
	EventDegraded      EventType = "service.degraded"

	// Status surface
	EventFlagRaised  EventType = "flag.raised"
	EventFlagCleared EventType = "flag.cleared"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceTasks    EventSource = "tasks"
	SourceRecovery EventSource = "recovery"
	SourceStatus   EventSource = "status"
	SourceWorker   EventSource = "worker"
	SourceCLI      EventSource = "cli"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	eventTypes []EventType
	handler    Subscriber
}

// Bus is an in-memory event bus. Publishing never blocks: events are dropped
// when the buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	recent      *ring
	closed      bool
	done        chan struct{}
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		recent:      newRing(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.recent.add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.matches(event) {
			go sub.handler(event)
		}
	}
}

func (s *subscription) matches(event Event) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus. A nil bus is a no-op.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
	}
}

// Subscribe registers a handler for specific event types (all types when none given).
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscription{eventTypes: eventTypes, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// SubscribeChan returns a channel that receives events. Slow readers miss events.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var once sync.Once
	var closed bool
	var mu sync.Mutex

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// History returns up to limit recent events, oldest first. When eventTypes
// are given only those types are returned.
func (b *Bus) History(limit int, eventTypes ...EventType) []Event {
	if len(eventTypes) == 0 {
		return b.recent.last(limit, nil)
	}
	filter := subscription{eventTypes: eventTypes}
	return b.recent.last(limit, filter.matches)
}

// Close shuts down the event bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// ring keeps the most recent events in publish order.
type ring struct {
	mu    sync.RWMutex
	buf   []Event
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = event
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last walks from the newest event backwards and keeps up to n matches,
// then returns them oldest first.
func (r *ring) last(n int, match func(Event) bool) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	var out []Event
	for i := 1; i <= r.count && len(out) < n; i++ {
		e := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if match == nil || match(e) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}
