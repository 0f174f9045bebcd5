// Package types provides shared type definitions for the trading orchestrator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// SignalKind is the direction a signal votes for. The numeric value of a
// kind (+1 buy, -1 sell, 0 hold) is what signal fusion sums over.
type SignalKind string

const (
	SignalBuy  SignalKind = "buy"
	SignalSell SignalKind = "sell"
	SignalHold SignalKind = "hold"
)

// Value returns the fusion weight of the kind: +1, -1 or 0.
func (k SignalKind) Value() float64 {
	switch k {
	case SignalBuy:
		return 1
	case SignalSell:
		return -1
	default:
		return 0
	}
}

// ParseSignalKind maps a decision string to a SignalKind. Unknown decisions
// report ok=false so callers can reject malformed advice.
func ParseSignalKind(s string) (SignalKind, bool) {
	switch SignalKind(s) {
	case SignalBuy, SignalSell, SignalHold:
		return SignalKind(s), true
	}
	return SignalHold, false
}

// Signal represents a single trading signal produced by a strategy or by
// signal fusion.
type Signal struct {
	Symbol     string            `json:"symbol"`
	Kind       SignalKind        `json:"kind"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"`
	Price      decimal.Decimal   `json:"price,omitempty"`
	At         time.Time         `json:"at"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Quote represents the latest price/volume for a symbol
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	At     time.Time       `json:"at"`
}

// Bar represents a single candlestick
type Bar struct {
	At     time.Time       `json:"at"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Closes extracts the close series from a slice of bars as float64,
// oldest first, for indicator math.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

// Position represents an open position
type Position struct {
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	MarketValue      decimal.Decimal `json:"marketValue"`
	Sector           string          `json:"sector"`
	RiskContribution float64         `json:"riskContribution"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	OpenedAt         time.Time       `json:"openedAt"`
}

// Portfolio represents the current portfolio state
type Portfolio struct {
	Cash      decimal.Decimal      `json:"cash"`
	Equity    decimal.Decimal      `json:"equity"`
	Positions map[string]*Position `json:"positions"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// PositionFraction returns the fraction of equity held in symbol, 0 if flat.
func (p *Portfolio) PositionFraction(symbol string) float64 {
	if p == nil || p.Equity.IsZero() {
		return 0
	}
	pos, ok := p.Positions[symbol]
	if !ok {
		return 0
	}
	f, _ := pos.MarketValue.Div(p.Equity).Float64()
	return f
}

// PositionSizing is the output of risk-based position sizing for one signal.
type PositionSizing struct {
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	Notional         decimal.Decimal `json:"notional"`
	Fraction         float64         `json:"fraction"`
	RiskContribution float64         `json:"riskContribution"`
	StopLoss         decimal.Decimal `json:"stopLoss"`
	TakeProfit       decimal.Decimal `json:"takeProfit"`
}

// OrderIntent is an order as handed to the execution engine, before any
// anti-gaming transformation is applied.
type OrderIntent struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	PostOnly   bool            `json:"postOnly,omitempty"`
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID   string          `json:"orderId"`
	Status    OrderStatus     `json:"status"`
	FilledQty decimal.Decimal `json:"filledQty"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	At        time.Time       `json:"at"`
}

// ExecutionResult summarizes one pass through the execution engine.
type ExecutionResult struct {
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Tactic    string          `json:"tactic"`
	Chunks    int             `json:"chunks"`
	Requested decimal.Decimal `json:"requested"`
	Filled    decimal.Decimal `json:"filled"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Trade is a completed trade as recorded by the scheduler.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Notional   decimal.Decimal `json:"notional"`
	Confidence float64         `json:"confidence"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit decimal.Decimal `json:"takeProfit,omitempty"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// MarketCondition carries the per-symbol context the execution engine uses
// to shape its behavior. Volatility is annualized; VolumeRatio is current
// volume relative to its recent average.
type MarketCondition struct {
	Volatility  float64 `json:"volatility"`
	VolumeRatio float64 `json:"volumeRatio"`
}
