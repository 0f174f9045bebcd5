package events_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/events"
)

func TestBusDeliversByType(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	trades := make(chan events.Event, 8)
	everything := make(chan events.Event, 8)
	bus.Subscribe(events.TypeTrade, func(e events.Event) { trades <- e })
	bus.SubscribeAll(func(e events.Event) { everything <- e })

	bus.Publish(events.New(events.TypeTrade, "t1"))
	bus.Publish(events.New(events.TypeSignal, "s1"))
	bus.Stop() // drains the queue

	if got := len(trades); got != 1 {
		t.Errorf("trade handler saw %d events, want 1", got)
	}
	if got := len(everything); got != 2 {
		t.Errorf("all handler saw %d events, want 2", got)
	}

	e := <-trades
	if e.Type != events.TypeTrade || e.Payload != "t1" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.ID == "" || e.At.IsZero() {
		t.Error("event missing ID or timestamp")
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := events.NewBus(zap.NewNop())

	// Block the worker so the buffer backs up.
	gate := make(chan struct{})
	bus.SubscribeAll(func(events.Event) { <-gate })

	for i := 0; i < 2000; i++ {
		bus.Publish(events.New(events.TypeStatus, i))
	}
	if bus.Dropped() == 0 {
		t.Error("expected drops once the buffer filled")
	}
	close(gate)
	bus.Stop()
}
