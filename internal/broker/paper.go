package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/pkg/types"
)

// PaperConfig configures the in-memory demo broker.
type PaperConfig struct {
	StartingCash decimal.Decimal   `json:"startingCash"`
	BasePrice    decimal.Decimal   `json:"basePrice"`
	DailyVol     float64           `json:"dailyVol"`
	Sectors      map[string]string `json:"sectors"`
	HistoryBars  int               `json:"historyBars"`
}

// DefaultPaperConfig returns a demo account with $100k cash.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartingCash: decimal.NewFromInt(100_000),
		BasePrice:    decimal.NewFromInt(100),
		DailyVol:     0.02,
		Sectors:      map[string]string{},
		HistoryBars:  120,
	}
}

// PaperBroker simulates a broker: quotes follow a random walk from an
// injected rand source and market orders fill immediately at the quote.
// Post-only limit orders rest open until cancelled.
type PaperBroker struct {
	logger *zap.Logger
	cfg    PaperConfig

	mu        sync.Mutex
	rng       *rand.Rand
	cash      decimal.Decimal
	positions map[string]*types.Position
	prices    map[string]decimal.Decimal
	history   map[string][]types.Bar
	open      map[string]types.OrderIntent
	fills     []types.OrderAck
}

// NewPaperBroker creates a demo broker. rng drives the price walk and must
// not be shared with other components without synchronization.
func NewPaperBroker(logger *zap.Logger, cfg PaperConfig, rng *rand.Rand) *PaperBroker {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.HistoryBars <= 0 {
		cfg.HistoryBars = 120
	}
	return &PaperBroker{
		logger:    logger.Named("paper_broker"),
		cfg:       cfg,
		rng:       rng,
		cash:      cfg.StartingCash,
		positions: make(map[string]*types.Position),
		prices:    make(map[string]decimal.Decimal),
		history:   make(map[string][]types.Bar),
		open:      make(map[string]types.OrderIntent),
	}
}

// ensureSymbol seeds a price and synthetic history the first time a symbol
// is seen. Caller holds the lock.
func (b *PaperBroker) ensureSymbol(symbol string) {
	if _, ok := b.prices[symbol]; ok {
		return
	}
	price := b.cfg.BasePrice
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}

	bars := make([]types.Bar, 0, b.cfg.HistoryBars)
	p, _ := price.Float64()
	at := time.Now().UTC().Add(-time.Duration(b.cfg.HistoryBars) * 24 * time.Hour)
	for i := 0; i < b.cfg.HistoryBars; i++ {
		p *= math.Exp(b.rng.NormFloat64() * b.cfg.DailyVol)
		c := decimal.NewFromFloat(p)
		bars = append(bars, types.Bar{
			At:     at.Add(time.Duration(i) * 24 * time.Hour),
			Open:   c,
			High:   c,
			Low:    c,
			Close:  c,
			Volume: decimal.NewFromInt(int64(500_000 + b.rng.Intn(1_000_000))),
		})
	}
	b.prices[symbol] = bars[len(bars)-1].Close
	b.history[symbol] = bars
}

// step advances the symbol's random walk by one quote. Caller holds the lock.
func (b *PaperBroker) step(symbol string) decimal.Decimal {
	b.ensureSymbol(symbol)
	p, _ := b.prices[symbol].Float64()
	p *= math.Exp(b.rng.NormFloat64() * b.cfg.DailyVol / 10)
	price := decimal.NewFromFloat(p)
	b.prices[symbol] = price
	return price
}

func (b *PaperBroker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	if err := ctx.Err(); err != nil {
		return types.Quote{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	price := b.step(symbol)
	return types.Quote{
		Symbol: symbol,
		Price:  price,
		Volume: decimal.NewFromInt(int64(500_000 + b.rng.Intn(1_000_000))),
		At:     time.Now().UTC(),
	}, nil
}

func (b *PaperBroker) Historical(ctx context.Context, symbol string, n int) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ensureSymbol(symbol)
	bars := b.history[symbol]
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (b *PaperBroker) Portfolio(ctx context.Context) (*types.Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	positions := make(map[string]*types.Position, len(b.positions))
	for sym, pos := range b.positions {
		value := pos.Quantity.Mul(b.prices[sym])
		cp := *pos
		cp.MarketValue = value
		positions[sym] = &cp
		equity = equity.Add(value)
	}
	return &types.Portfolio{
		Cash:      b.cash,
		Equity:    equity,
		Positions: positions,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (b *PaperBroker) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderAck{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !intent.Quantity.IsPositive() {
		return types.OrderAck{}, &types.BrokerError{
			Op: "place", Err: fmt.Errorf("non-positive quantity %s", intent.Quantity),
		}
	}

	orderID := intent.ID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	// Resting orders (decoys) never fill in the simulation.
	if intent.Type == types.OrderTypeLimit && intent.PostOnly {
		b.open[orderID] = intent
		return types.OrderAck{
			OrderID: orderID,
			Status:  types.OrderStatusOpen,
			At:      time.Now().UTC(),
		}, nil
	}

	b.ensureSymbol(intent.Symbol)
	price := b.prices[intent.Symbol]
	notional := intent.Quantity.Mul(price)

	switch intent.Side {
	case types.OrderSideBuy:
		if notional.GreaterThan(b.cash) {
			return types.OrderAck{}, &types.BrokerError{
				Op: "place", Err: fmt.Errorf("insufficient cash: need %s, have %s", notional, b.cash),
			}
		}
		b.cash = b.cash.Sub(notional)
		pos, ok := b.positions[intent.Symbol]
		if !ok {
			pos = &types.Position{
				Symbol:     intent.Symbol,
				Sector:     b.cfg.Sectors[intent.Symbol],
				EntryPrice: price,
				OpenedAt:   time.Now().UTC(),
			}
			b.positions[intent.Symbol] = pos
		}
		pos.Quantity = pos.Quantity.Add(intent.Quantity)
	case types.OrderSideSell:
		pos, ok := b.positions[intent.Symbol]
		if !ok || pos.Quantity.LessThan(intent.Quantity) {
			return types.OrderAck{}, &types.BrokerError{
				Op: "place", Err: fmt.Errorf("insufficient position in %s", intent.Symbol),
			}
		}
		pos.Quantity = pos.Quantity.Sub(intent.Quantity)
		b.cash = b.cash.Add(notional)
		if pos.Quantity.IsZero() {
			delete(b.positions, intent.Symbol)
		}
	}

	ack := types.OrderAck{
		OrderID:   orderID,
		Status:    types.OrderStatusFilled,
		FilledQty: intent.Quantity,
		AvgPrice:  price,
		At:        time.Now().UTC(),
	}
	b.fills = append(b.fills, ack)
	b.logger.Debug("paper fill",
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("qty", intent.Quantity.String()),
		zap.String("price", price.String()),
	)
	return ack, nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.open[orderID]; !ok {
		return &types.BrokerError{Op: "cancel", Err: fmt.Errorf("unknown order %s", orderID)}
	}
	delete(b.open, orderID)
	return nil
}

// OpenOrders returns the resting order count, used by tests and the API.
func (b *PaperBroker) OpenOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Fills returns a copy of all fills so far.
func (b *PaperBroker) Fills() []types.OrderAck {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.OrderAck, len(b.fills))
	copy(out, b.fills)
	return out
}
