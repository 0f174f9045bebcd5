package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/pkg/types"
)

// Fusion thresholds: a weighted score above +0.3 buys, below -0.3 sells,
// anything in between (boundaries included) holds.
const (
	buyThreshold  = 0.3
	sellThreshold = -0.3
)

type entry struct {
	strategy Strategy
	weight   float64
	enabled  bool
}

// Registry holds strategies in registration order and fuses their signals
// into one combined signal per symbol.
type Registry struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	entries []*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("strategy")}
}

// Register adds a strategy with a positive fusion weight. Names must be
// unique within the registry.
func (r *Registry) Register(s Strategy, weight float64) error {
	if weight <= 0 {
		return fmt.Errorf("strategy %q: weight must be positive, got %v", s.Name(), weight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.strategy.Name() == s.Name() {
			return fmt.Errorf("strategy %q already registered", s.Name())
		}
	}
	r.entries = append(r.entries, &entry{strategy: s, weight: weight, enabled: true})
	r.logger.Info("strategy registered",
		zap.String("name", s.Name()),
		zap.Float64("weight", weight),
	)
	return nil
}

// Unregister removes a strategy by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.strategy.Name() == name {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a strategy without removing it.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.strategy.Name() == name {
			e.enabled = enabled
			return true
		}
	}
	return false
}

// List returns registered strategy names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.strategy.Name()
	}
	return out
}

// MaxRequiredBars returns the largest history requirement across enabled
// strategies so the scheduler knows how much to fetch.
func (r *Registry) MaxRequiredBars() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := 0
	for _, e := range r.entries {
		if e.enabled && e.strategy.RequiredBars() > max {
			max = e.strategy.RequiredBars()
		}
	}
	return max
}

type contribution struct {
	name       string
	weight     float64
	kind       types.SignalKind
	confidence float64
}

// Combine runs every enabled strategy over the view and fuses the results.
// Per symbol: score = sum(kindValue * weight) / W, where W is the total
// weight of strategies that produced a signal for that symbol without
// error. Confidence feeds only the combined confidence, never the score.
// A strategy that errors is excluded from W for the tick.
func (r *Registry) Combine(ctx context.Context, view MarketView) ([]types.Signal, error) {
	r.mu.RLock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	bySymbol := make(map[string][]contribution)
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		signals, err := e.strategy.Generate(ctx, view)
		if err != nil {
			r.logger.Warn("strategy errored, excluded from fusion",
				zap.String("strategy", e.strategy.Name()),
				zap.Error(err),
			)
			continue
		}
		for _, sig := range signals {
			bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], contribution{
				name:       e.strategy.Name(),
				weight:     e.weight,
				kind:       sig.Kind,
				confidence: sig.Confidence,
			})
		}
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]types.Signal, 0, len(symbols))
	for _, symbol := range symbols {
		contribs := bySymbol[symbol]
		var totalWeight, score, confSum float64
		names := make([]string, 0, len(contribs))
		for _, c := range contribs {
			totalWeight += c.weight
			score += c.kind.Value() * c.weight
			confSum += c.confidence * c.weight
			names = append(names, c.name)
		}
		if totalWeight == 0 {
			continue
		}
		score /= totalWeight
		confidence := confSum / totalWeight

		kind := types.SignalHold
		switch {
		case score > buyThreshold:
			kind = types.SignalBuy
		case score < sellThreshold:
			kind = types.SignalSell
		}

		out = append(out, types.Signal{
			Symbol:     symbol,
			Kind:       kind,
			Confidence: confidence,
			Source:     "combined",
			At:         view.At,
			Meta: map[string]string{
				"strategies": strings.Join(names, ","),
				"score":      strconv.FormatFloat(score, 'f', 4, 64),
			},
		})
	}
	return out, nil
}
