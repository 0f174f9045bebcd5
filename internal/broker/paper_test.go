package broker_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/broker"
	"github.com/quantshed/orchestrator/pkg/types"
)

func newPaper(t *testing.T) *broker.PaperBroker {
	t.Helper()
	cfg := broker.DefaultPaperConfig()
	cfg.Sectors = map[string]string{"AAPL": "Technology"}
	return broker.NewPaperBroker(zap.NewNop(), cfg, rand.New(rand.NewSource(1)))
}

func TestPaperQuoteAndHistory(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	quote, err := b.Quote(ctx, "AAPL")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if !quote.Price.IsPositive() {
		t.Errorf("Price = %s, want positive", quote.Price)
	}

	bars, err := b.Historical(ctx, "AAPL", 60)
	if err != nil {
		t.Fatalf("Historical: %v", err)
	}
	if len(bars) != 60 {
		t.Errorf("got %d bars, want 60", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].At.After(bars[i-1].At) {
			t.Fatalf("bars out of order at %d", i)
		}
	}
}

func TestPaperBuySellRoundTrip(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	ack, err := b.PlaceOrder(ctx, types.OrderIntent{
		Symbol: "AAPL", Side: types.OrderSideBuy,
		Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if ack.Status != types.OrderStatusFilled {
		t.Errorf("Status = %s, want filled", ack.Status)
	}
	if !ack.FilledQty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("FilledQty = %s, want 10", ack.FilledQty)
	}

	p, err := b.Portfolio(ctx)
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	pos, ok := p.Positions["AAPL"]
	if !ok {
		t.Fatal("expected AAPL position after buy")
	}
	if pos.Sector != "Technology" {
		t.Errorf("Sector = %q, want Technology", pos.Sector)
	}
	if p.Cash.GreaterThanOrEqual(broker.DefaultPaperConfig().StartingCash) {
		t.Errorf("Cash = %s, should be reduced by the buy", p.Cash)
	}

	if _, err := b.PlaceOrder(ctx, types.OrderIntent{
		Symbol: "AAPL", Side: types.OrderSideSell,
		Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	p, _ = b.Portfolio(ctx)
	if _, ok := p.Positions["AAPL"]; ok {
		t.Error("position should be closed after selling everything")
	}
}

func TestPaperRejectsBadOrders(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	var brokerErr *types.BrokerError

	// Selling with no position.
	_, err := b.PlaceOrder(ctx, types.OrderIntent{
		Symbol: "AAPL", Side: types.OrderSideSell,
		Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	if !asBrokerError(err, &brokerErr) {
		t.Errorf("naked sell: got %v, want BrokerError", err)
	}

	// Buying more than cash allows.
	_, err = b.PlaceOrder(ctx, types.OrderIntent{
		Symbol: "AAPL", Side: types.OrderSideBuy,
		Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1_000_000),
	})
	if !asBrokerError(err, &brokerErr) {
		t.Errorf("oversized buy: got %v, want BrokerError", err)
	}

	// Non-positive quantity.
	_, err = b.PlaceOrder(ctx, types.OrderIntent{
		Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeMarket,
	})
	if !asBrokerError(err, &brokerErr) {
		t.Errorf("zero quantity: got %v, want BrokerError", err)
	}
}

func asBrokerError(err error, target **types.BrokerError) bool {
	if err == nil {
		return false
	}
	e, ok := err.(*types.BrokerError)
	if ok {
		*target = e
	}
	return ok
}

func TestPaperPostOnlyRestsUntilCancelled(t *testing.T) {
	b := newPaper(t)
	ctx := context.Background()

	ack, err := b.PlaceOrder(ctx, types.OrderIntent{
		ID: "decoy-1", Symbol: "AAPL", Side: types.OrderSideSell,
		Type: types.OrderTypeLimit, Quantity: decimal.NewFromInt(5),
		LimitPrice: decimal.NewFromInt(999), PostOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.Status != types.OrderStatusOpen {
		t.Errorf("Status = %s, want open", ack.Status)
	}
	if !ack.FilledQty.IsZero() {
		t.Errorf("FilledQty = %s, resting orders must not fill", ack.FilledQty)
	}
	if b.OpenOrders() != 1 {
		t.Fatalf("OpenOrders = %d, want 1", b.OpenOrders())
	}

	if err := b.CancelOrder(ctx, ack.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if b.OpenOrders() != 0 {
		t.Errorf("OpenOrders = %d after cancel, want 0", b.OpenOrders())
	}
	if err := b.CancelOrder(ctx, "no-such-order"); err == nil {
		t.Error("expected error cancelling unknown order")
	}
}

func TestMarketOpen(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"weekday midday", time.Date(2026, 8, 26, 12, 0, 0, 0, loc), true},
		{"open bell", time.Date(2026, 8, 26, 9, 30, 0, 0, loc), true},
		{"just before open", time.Date(2026, 8, 26, 9, 29, 0, 0, loc), false},
		{"close bell", time.Date(2026, 8, 26, 16, 0, 0, 0, loc), false},
		{"weekday evening", time.Date(2026, 8, 26, 20, 0, 0, 0, loc), false},
		{"saturday", time.Date(2026, 8, 29, 12, 0, 0, 0, loc), false},
		{"sunday", time.Date(2026, 8, 30, 12, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := broker.MarketOpen(tc.t); got != tc.want {
				t.Errorf("MarketOpen(%s) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}
