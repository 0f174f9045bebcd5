// Package strategy defines the strategy interface, the built-in technical
// strategies, and the registry that fuses their signals into one decision
// per symbol.
package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/quantshed/orchestrator/pkg/types"
)

// MarketView is the snapshot of market state handed to every strategy on a
// tick. History is oldest-first.
type MarketView struct {
	Quotes    map[string]types.Quote
	History   map[string][]types.Bar
	Portfolio *types.Portfolio
	At        time.Time
}

// Symbols returns the watchlist in deterministic order.
func (v MarketView) Symbols() []string {
	out := make([]string, 0, len(v.Quotes))
	for s := range v.Quotes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Strategy produces signals from a market view. Strategies are invoked
// serially in registration order by the registry.
type Strategy interface {
	// Name uniquely identifies the strategy within a registry.
	Name() string

	// RequiredBars is the minimum history length the strategy needs
	// before it can produce a signal for a symbol.
	RequiredBars() int

	// Generate returns zero or more signals for the view. An error
	// excludes the strategy from fusion for this tick.
	Generate(ctx context.Context, view MarketView) ([]types.Signal, error)
}
