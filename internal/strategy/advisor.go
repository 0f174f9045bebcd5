package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/advisor"
	"github.com/quantshed/orchestrator/pkg/types"
)

// regime labels used to shape the advisor prompt.
const (
	regimeBullish    = "bullish"
	regimeBearish    = "bearish"
	regimeRangebound = "rangebound"
)

// AdvisorStrategy adapts the AI advisor gateway to the Strategy interface.
// It builds a regime-shaped prompt from the market view, asks the gateway,
// and converts the recommendations to signals.
type AdvisorStrategy struct {
	logger  *zap.Logger
	gateway *advisor.Gateway
}

// NewAdvisorStrategy wraps a gateway.
func NewAdvisorStrategy(logger *zap.Logger, gateway *advisor.Gateway) *AdvisorStrategy {
	return &AdvisorStrategy{logger: logger.Named("advisor_strategy"), gateway: gateway}
}

func (s *AdvisorStrategy) Name() string      { return "advisor" }
func (s *AdvisorStrategy) RequiredBars() int { return 20 }

func (s *AdvisorStrategy) Generate(ctx context.Context, view MarketView) ([]types.Signal, error) {
	symbols := view.Symbols()
	if len(symbols) == 0 {
		return nil, nil
	}

	prompt := buildPrompt(view)
	recs, err := s.gateway.Advise(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("advisor: %w", err)
	}

	inView := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		inView[sym] = true
	}

	out := make([]types.Signal, 0, len(recs))
	for _, rec := range recs {
		if !inView[rec.Symbol] {
			s.logger.Debug("dropping recommendation for unknown symbol",
				zap.String("symbol", rec.Symbol))
			continue
		}
		kind, _ := types.ParseSignalKind(strings.ToLower(rec.Decision))
		sig := types.Signal{
			Symbol:     rec.Symbol,
			Kind:       kind,
			Confidence: rec.Confidence,
			Source:     s.Name(),
			At:         view.At,
			Meta:       map[string]string{},
		}
		if rec.Reasoning != "" {
			sig.Meta["reasoning"] = rec.Reasoning
		}
		if rec.PriceTarget > 0 {
			sig.Meta["price_target"] = strconv.FormatFloat(rec.PriceTarget, 'f', 2, 64)
		}
		if rec.SuggestedQuantity > 0 {
			sig.Meta["suggested_quantity"] = strconv.FormatFloat(rec.SuggestedQuantity, 'f', 4, 64)
		}
		out = append(out, sig)
	}
	return out, nil
}

// buildPrompt renders the market view into a prompt. The preamble is shaped
// by a coarse regime classification over recent returns.
func buildPrompt(view MarketView) string {
	var b strings.Builder

	switch classifyRegime(view) {
	case regimeBullish:
		b.WriteString("The market has been trending up. Focus on momentum continuation and avoid chasing extended moves.\n")
	case regimeBearish:
		b.WriteString("The market has been trending down. Focus on capital preservation and selective shorts or exits.\n")
	default:
		b.WriteString("The market is rangebound. Focus on mean reversion around established ranges.\n")
	}

	b.WriteString("You are analyzing a stock watchlist. Current state:\n")
	for _, symbol := range view.Symbols() {
		q := view.Quotes[symbol]
		b.WriteString(fmt.Sprintf("- %s price=%s volume=%s recent_return=%.2f%%\n",
			symbol, q.Price.StringFixed(2), q.Volume.StringFixed(0), recentReturn(view.History[symbol])*100))
	}

	if view.Portfolio != nil && len(view.Portfolio.Positions) > 0 {
		b.WriteString("Open positions:\n")
		syms := make([]string, 0, len(view.Portfolio.Positions))
		for sym := range view.Portfolio.Positions {
			syms = append(syms, sym)
		}
		// map order is random; keep the prompt stable so caching works
		sort.Strings(syms)
		for _, sym := range syms {
			pos := view.Portfolio.Positions[sym]
			b.WriteString(fmt.Sprintf("- %s qty=%s value=%s\n",
				sym, pos.Quantity.StringFixed(4), pos.MarketValue.StringFixed(2)))
		}
	}

	b.WriteString(`Respond with only a JSON object {"recommendations": [...]}, one item per symbol, with fields: `)
	b.WriteString(`"symbol", "decision" (buy|sell|hold), "confidence" (0.0-1.0), `)
	b.WriteString(`and optionally "reasoning", "price_target", "suggested_quantity".`)
	return b.String()
}

// classifyRegime buckets the watchlist's average recent return.
func classifyRegime(view MarketView) string {
	var sum float64
	var n int
	for _, bars := range view.History {
		if len(bars) < 2 {
			continue
		}
		sum += recentReturn(bars)
		n++
	}
	if n == 0 {
		return regimeRangebound
	}
	avg := sum / float64(n)
	switch {
	case avg > 0.02:
		return regimeBullish
	case avg < -0.02:
		return regimeBearish
	default:
		return regimeRangebound
	}
}

// recentReturn is the fractional move from the first to the last close.
func recentReturn(bars []types.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	first, _ := bars[0].Close.Float64()
	lastClose, _ := bars[len(bars)-1].Close.Float64()
	if first == 0 {
		return 0
	}
	return lastClose/first - 1
}
