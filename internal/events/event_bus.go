// Package events provides the in-process event bus the scheduler publishes
// signal, trade and risk events to. The API layer subscribes to stream
// them out over websocket.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type categorizes events on the bus.
type Type string

const (
	TypeSignal Type = "signal"
	TypeTrade  Type = "trade"
	TypeRisk   Type = "risk"
	TypeStatus Type = "status"
)

// Event is a bus message. Payload carries a JSON-serializable value owned
// by the publisher.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// New builds an event with a fresh ID and timestamp.
func New(t Type, payload any) Event {
	return Event{ID: uuid.NewString(), Type: t, At: time.Now().UTC(), Payload: payload}
}

// Handler consumes one event. Handlers run on the bus worker goroutine and
// must not block.
type Handler func(Event)

// Bus fans events out to subscribers through one worker goroutine.
// Publishing never blocks: if the buffer is full the event is dropped and
// counted.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[Type][]Handler
	all  []Handler

	ch      chan Event
	dropped atomic.Int64
	done    chan struct{}
	stop    sync.Once
}

// NewBus creates and starts a bus.
func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{
		logger: logger.Named("events"),
		subs:   make(map[Type][]Handler),
		ch:     make(chan Event, 1024),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for e := range b.ch {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.subs[e.Type]...)
		handlers = append(handlers, b.all...)
		b.mu.RUnlock()
		for _, h := range handlers {
			h(e)
		}
	}
	close(b.done)
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event, dropping it if the buffer is full.
func (b *Bus) Publish(e Event) {
	select {
	case b.ch <- e:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("event bus buffer full, dropping",
				zap.String("type", string(e.Type)),
				zap.Int64("dropped", b.dropped.Load()),
			)
		}
	}
}

// Dropped returns the count of dropped events.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Stop drains the queue and stops the worker.
func (b *Bus) Stop() {
	b.stop.Do(func() { close(b.ch) })
	<-b.done
}
