// Package broker defines the single broker abstraction the orchestrator
// trades through, plus the market-hours calendar.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/quantshed/orchestrator/pkg/types"
)

// Broker is the only surface the rest of the system touches. Adapters for
// real brokers and the paper broker both implement it; nothing above this
// interface contains broker-specific logic.
type Broker interface {
	// Quote returns the latest price/volume for a symbol.
	Quote(ctx context.Context, symbol string) (types.Quote, error)

	// Historical returns up to n bars for a symbol, oldest first.
	Historical(ctx context.Context, symbol string, n int) ([]types.Bar, error)

	// Portfolio returns the current account snapshot.
	Portfolio(ctx context.Context) (*types.Portfolio, error)

	// PlaceOrder submits an order and returns the broker's acknowledgement.
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderAck, error)

	// CancelOrder cancels an open order by broker order ID.
	CancelOrder(ctx context.Context, orderID string) error
}

var (
	easternOnce sync.Once
	eastern     *time.Location
)

func marketLocation() *time.Location {
	easternOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			// UTC keeps the clock running if tzdata is missing; the
			// session window will just be shifted.
			loc = time.UTC
		}
		eastern = loc
	})
	return eastern
}

// MarketOpen reports whether US equities trade at t: weekdays 09:30-16:00
// Eastern. No holiday calendar.
func MarketOpen(t time.Time) bool {
	et := t.In(marketLocation())
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
