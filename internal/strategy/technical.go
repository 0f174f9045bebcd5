package strategy

import (
	"context"
	"math"
	"time"

	talib "github.com/markcheno/go-talib"

	"github.com/quantshed/orchestrator/pkg/types"
)

const maxTechnicalConfidence = 0.9

// MovingAverageCross votes on the relationship between a fast and slow
// simple moving average. Confidence grows with the separation between the
// two averages, capped at 0.9.
type MovingAverageCross struct {
	Fast int
	Slow int
}

// NewMovingAverageCross returns the standard 20/50 crossover strategy.
func NewMovingAverageCross() *MovingAverageCross {
	return &MovingAverageCross{Fast: 20, Slow: 50}
}

func (s *MovingAverageCross) Name() string      { return "ma_cross" }
func (s *MovingAverageCross) RequiredBars() int { return s.Slow }

func (s *MovingAverageCross) Generate(ctx context.Context, view MarketView) ([]types.Signal, error) {
	var out []types.Signal
	for _, symbol := range view.Symbols() {
		bars := view.History[symbol]
		if len(bars) < s.RequiredBars() {
			continue
		}
		closes := types.Closes(bars)
		fast := last(talib.Sma(closes, s.Fast))
		slow := last(talib.Sma(closes, s.Slow))
		if slow == 0 {
			continue
		}

		ratio := fast / slow
		conf := math.Min(maxTechnicalConfidence, math.Abs(ratio-1)*10)
		kind := types.SignalHold
		switch {
		case fast > slow:
			kind = types.SignalBuy
		case fast < slow:
			kind = types.SignalSell
		default:
			conf = 0.5
		}
		out = append(out, s.signal(symbol, kind, conf, view.At))
	}
	return out, nil
}

func (s *MovingAverageCross) signal(symbol string, kind types.SignalKind, conf float64, at time.Time) types.Signal {
	return types.Signal{Symbol: symbol, Kind: kind, Confidence: conf, Source: s.Name(), At: at}
}

// RSIStrategy votes oversold/overbought on a 14-period RSI with the
// classic 30/70 thresholds.
type RSIStrategy struct {
	Period     int
	Oversold   float64
	Overbought float64
}

// NewRSIStrategy returns the standard RSI(14, 30/70) strategy.
func NewRSIStrategy() *RSIStrategy {
	return &RSIStrategy{Period: 14, Oversold: 30, Overbought: 70}
}

func (s *RSIStrategy) Name() string      { return "rsi" }
func (s *RSIStrategy) RequiredBars() int { return s.Period + 1 }

func (s *RSIStrategy) Generate(ctx context.Context, view MarketView) ([]types.Signal, error) {
	var out []types.Signal
	for _, symbol := range view.Symbols() {
		bars := view.History[symbol]
		if len(bars) < s.RequiredBars() {
			continue
		}
		rsi := last(talib.Rsi(types.Closes(bars), s.Period))

		kind := types.SignalHold
		conf := 0.5
		switch {
		case rsi < s.Oversold:
			kind = types.SignalBuy
			conf = math.Min(maxTechnicalConfidence, (s.Oversold-rsi)/s.Oversold+0.5)
		case rsi > s.Overbought:
			kind = types.SignalSell
			conf = math.Min(maxTechnicalConfidence, (rsi-s.Overbought)/(100-s.Overbought)+0.5)
		}
		out = append(out, types.Signal{
			Symbol: symbol, Kind: kind, Confidence: conf, Source: s.Name(), At: view.At,
		})
	}
	return out, nil
}

// MACDStrategy votes on the sign of the MACD histogram.
type MACDStrategy struct {
	Fast   int
	Slow   int
	Signal int
}

// NewMACDStrategy returns the standard MACD(12,26,9) strategy.
func NewMACDStrategy() *MACDStrategy {
	return &MACDStrategy{Fast: 12, Slow: 26, Signal: 9}
}

func (s *MACDStrategy) Name() string      { return "macd" }
func (s *MACDStrategy) RequiredBars() int { return s.Slow + s.Signal }

func (s *MACDStrategy) Generate(ctx context.Context, view MarketView) ([]types.Signal, error) {
	var out []types.Signal
	for _, symbol := range view.Symbols() {
		bars := view.History[symbol]
		if len(bars) < s.RequiredBars() {
			continue
		}
		closes := types.Closes(bars)
		_, _, hist := talib.Macd(closes, s.Fast, s.Slow, s.Signal)
		h := last(hist)
		price := closes[len(closes)-1]
		if price == 0 {
			continue
		}

		kind := types.SignalHold
		conf := 0.5
		if h != 0 {
			// Histogram magnitude relative to price drives confidence.
			conf = math.Min(maxTechnicalConfidence, 0.5+math.Abs(h)/price*100)
			if h > 0 {
				kind = types.SignalBuy
			} else {
				kind = types.SignalSell
			}
		}
		out = append(out, types.Signal{
			Symbol: symbol, Kind: kind, Confidence: conf, Source: s.Name(), At: view.At,
		})
	}
	return out, nil
}

// BollingerStrategy votes mean reversion on Bollinger band touches.
type BollingerStrategy struct {
	Period int
	StdDev float64
}

// NewBollingerStrategy returns the standard Bollinger(20, 2) strategy.
func NewBollingerStrategy() *BollingerStrategy {
	return &BollingerStrategy{Period: 20, StdDev: 2}
}

func (s *BollingerStrategy) Name() string      { return "bollinger" }
func (s *BollingerStrategy) RequiredBars() int { return s.Period }

func (s *BollingerStrategy) Generate(ctx context.Context, view MarketView) ([]types.Signal, error) {
	var out []types.Signal
	for _, symbol := range view.Symbols() {
		bars := view.History[symbol]
		if len(bars) < s.RequiredBars() {
			continue
		}
		closes := types.Closes(bars)
		upper, middle, lower := talib.BBands(closes, s.Period, s.StdDev, s.StdDev, talib.SMA)
		u, m, l := last(upper), last(middle), last(lower)
		price := closes[len(closes)-1]
		if m == 0 || u == l {
			continue
		}

		kind := types.SignalHold
		conf := 0.5
		switch {
		case price <= l:
			kind = types.SignalBuy
			conf = math.Min(maxTechnicalConfidence, 0.5+(l-price)/(u-l)+0.1)
		case price >= u:
			kind = types.SignalSell
			conf = math.Min(maxTechnicalConfidence, 0.5+(price-u)/(u-l)+0.1)
		}
		out = append(out, types.Signal{
			Symbol: symbol, Kind: kind, Confidence: conf, Source: s.Name(), At: view.At,
		})
	}
	return out, nil
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
