// Package scheduler drives the autonomous trading loop: on a fixed cadence
// it gathers market data, fuses strategy signals, sizes and validates
// orders, and hands them to the execution engine. A global circuit breaker
// pauses trading after consecutive failed ticks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/broker"
	"github.com/quantshed/orchestrator/internal/events"
	"github.com/quantshed/orchestrator/internal/execution"
	"github.com/quantshed/orchestrator/internal/metrics"
	"github.com/quantshed/orchestrator/internal/risk"
	"github.com/quantshed/orchestrator/internal/strategy"
	"github.com/quantshed/orchestrator/internal/workers"
	"github.com/quantshed/orchestrator/pkg/types"
)

// Config controls the trading loop.
type Config struct {
	Watchlist        []string          `json:"watchlist"`
	Sectors          map[string]string `json:"sectors"`
	TickInterval     time.Duration     `json:"tickInterval"`
	PausedRetry      time.Duration     `json:"pausedRetry"`
	MaxTrades        int               `json:"maxTrades"`
	SessionMax       time.Duration     `json:"sessionMax"`
	HistoryBars      int               `json:"historyBars"`
	DemoMode         bool              `json:"demoMode"`
	BreakerThreshold int               `json:"breakerThreshold"`
	BreakerCooldown  time.Duration     `json:"breakerCooldown"`
	FetchWorkers     int               `json:"fetchWorkers"`
}

// DefaultConfig returns the standard loop parameters.
func DefaultConfig() Config {
	return Config{
		TickInterval:     15 * time.Minute,
		PausedRetry:      60 * time.Second,
		MaxTrades:        20,
		SessionMax:       6 * time.Hour,
		HistoryBars:      60,
		Sectors:          map[string]string{},
		BreakerThreshold: 3,
		BreakerCooldown:  300 * time.Second,
		FetchWorkers:     4,
	}
}

// Stats is the scheduler's observable state.
type Stats struct {
	Running        bool      `json:"running"`
	DemoMode       bool      `json:"demoMode"`
	DecisionsMade  int64     `json:"decisionsMade"`
	TradesExecuted int64     `json:"tradesExecuted"`
	Errors         int64     `json:"errors"`
	LastDecisionAt time.Time `json:"lastDecisionAt"`
	SessionStart   time.Time `json:"sessionStart"`
	BreakerState   string    `json:"breakerState"`
}

// Scheduler owns the serial tick pipeline.
type Scheduler struct {
	logger   *zap.Logger
	cfg      Config
	broker   broker.Broker
	registry *strategy.Registry
	risk     *risk.Manager
	engine   *execution.Engine
	bus      *events.Bus
	metrics  *metrics.Metrics
	breaker  *gobreaker.CircuitBreaker
	fetchers *workers.Pool

	mu         sync.Mutex
	stats      Stats
	tradeCount int
	running    bool

	stopCh chan struct{}
	stop   sync.Once

	// Injectable for tests.
	now        func() time.Time
	marketOpen func(time.Time) bool
}

// New wires a scheduler.
func New(
	logger *zap.Logger,
	cfg Config,
	b broker.Broker,
	registry *strategy.Registry,
	riskMgr *risk.Manager,
	engine *execution.Engine,
	bus *events.Bus,
	m *metrics.Metrics,
) *Scheduler {
	s := &Scheduler{
		logger:     logger.Named("scheduler"),
		cfg:        cfg,
		broker:     b,
		registry:   registry,
		risk:       riskMgr,
		engine:     engine,
		bus:        bus,
		metrics:    m,
		fetchers:   workers.NewPool(logger, cfg.FetchWorkers),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		marketOpen: broker.MarketOpen,
	}
	threshold := uint32(cfg.BreakerThreshold)
	if threshold == 0 {
		threshold = 3
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "trading-loop",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.metrics.SetBreakerOpen("global", to == gobreaker.StateOpen)
			s.logger.Warn("global breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

// Stop asks a running loop to exit.
func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
}

// Stats snapshots the loop's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Running = s.running
	st.DemoMode = s.cfg.DemoMode
	st.BreakerState = s.breaker.State().String()
	return st
}

// Run blocks in the trading loop until the context is cancelled, Stop is
// called, the trade cap is reached, or the session exceeds its maximum
// age. Session-limit exits are clean (nil error).
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.now()
	s.mu.Lock()
	s.running = true
	s.stats.SessionStart = start
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("trading loop started",
		zap.Strings("watchlist", s.cfg.Watchlist),
		zap.Duration("tickInterval", s.cfg.TickInterval),
		zap.Bool("demo", s.cfg.DemoMode),
		zap.Int("maxTrades", s.cfg.MaxTrades),
	)

	for {
		if err := s.wait(ctx, 0); err != nil {
			return nil
		}

		if s.breaker.State() == gobreaker.StateOpen {
			s.logger.Warn("global breaker open, pausing", zap.Duration("pause", s.cfg.PausedRetry))
			if err := s.wait(ctx, s.cfg.PausedRetry); err != nil {
				return nil
			}
			continue
		}

		if !s.marketOpen(s.now()) {
			s.logger.Debug("market closed, pausing", zap.Duration("pause", s.cfg.PausedRetry))
			if err := s.wait(ctx, s.cfg.PausedRetry); err != nil {
				return nil
			}
			continue
		}

		s.mu.Lock()
		capReached := s.cfg.MaxTrades > 0 && s.tradeCount >= s.cfg.MaxTrades
		s.mu.Unlock()
		if capReached {
			s.logger.Info("trade cap reached, ending session", zap.Int("trades", s.cfg.MaxTrades))
			return nil
		}
		if s.cfg.SessionMax > 0 && s.now().Sub(start) > s.cfg.SessionMax {
			s.logger.Info("session age limit reached, ending session",
				zap.Duration("sessionMax", s.cfg.SessionMax))
			return nil
		}

		_, err := s.breaker.Execute(func() (any, error) {
			return nil, s.tick(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.metrics.TickError()
			s.mu.Lock()
			s.stats.Errors++
			s.mu.Unlock()
			s.logger.Error("tick failed", zap.Error(err))
			if !s.cfg.DemoMode {
				var cfgErr *types.ConfigError
				if errors.As(err, &cfgErr) {
					return err
				}
			}
		}

		if err := s.wait(ctx, s.cfg.TickInterval); err != nil {
			return nil
		}
	}
}

// wait sleeps d (0 just polls for shutdown) and reports a non-nil error
// when the loop should exit.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return errors.New("stopped")
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return errors.New("stopped")
	case <-timer.C:
		return nil
	}
}

// tick runs one full decide-and-trade pass.
func (s *Scheduler) tick(ctx context.Context) error {
	now := s.now()

	portfolio, err := s.broker.Portfolio(ctx)
	if err != nil {
		return fmt.Errorf("fetch portfolio: %w", err)
	}
	s.risk.UpdatePortfolio(portfolio)
	s.risk.UpdateDrawdown(portfolio.Equity)

	bars := s.registry.MaxRequiredBars()
	if bars < s.cfg.HistoryBars {
		bars = s.cfg.HistoryBars
	}

	view := strategy.MarketView{
		Quotes:    make(map[string]types.Quote, len(s.cfg.Watchlist)),
		History:   make(map[string][]types.Bar, len(s.cfg.Watchlist)),
		Portfolio: portfolio,
		At:        now,
	}
	var viewMu sync.Mutex
	tasks := make([]workers.Task, 0, len(s.cfg.Watchlist))
	for _, symbol := range s.cfg.Watchlist {
		symbol := symbol
		tasks = append(tasks, func(ctx context.Context) error {
			quote, err := s.broker.Quote(ctx, symbol)
			if err != nil {
				return fmt.Errorf("quote %s: %w", symbol, err)
			}
			history, err := s.broker.Historical(ctx, symbol, bars)
			if err != nil {
				return fmt.Errorf("history %s: %w", symbol, err)
			}
			viewMu.Lock()
			view.Quotes[symbol] = quote
			view.History[symbol] = history
			viewMu.Unlock()
			return nil
		})
	}
	if err := s.fetchers.Run(ctx, tasks); err != nil {
		return err
	}

	signals, err := s.registry.Combine(ctx, view)
	if err != nil {
		return fmt.Errorf("combine signals: %w", err)
	}

	s.metrics.Tick()
	s.mu.Lock()
	s.stats.DecisionsMade++
	s.stats.LastDecisionAt = now
	s.mu.Unlock()

	for _, sig := range signals {
		s.bus.Publish(events.New(events.TypeSignal, sig))
		if sig.Kind == types.SignalHold {
			continue
		}
		if err := s.trade(ctx, sig, view); err != nil {
			return err
		}
	}
	return nil
}

// trade sizes, validates and executes a single non-hold signal. Risk
// rejections and symbol-breaker holds are not tick errors.
func (s *Scheduler) trade(ctx context.Context, sig types.Signal, view strategy.MarketView) error {
	s.mu.Lock()
	if s.cfg.MaxTrades > 0 && s.tradeCount >= s.cfg.MaxTrades {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	quote := view.Quotes[sig.Symbol]
	volatility := s.risk.Volatility(view.History[sig.Symbol])
	sizing := s.risk.Size(sig, quote.Price, volatility)

	if err := s.risk.Validate(sig, sizing, s.sector(sig.Symbol, view.Portfolio)); err != nil {
		var rejection *types.RiskRejection
		if errors.As(err, &rejection) {
			s.bus.Publish(events.New(events.TypeRisk, map[string]string{
				"symbol": sig.Symbol,
				"reason": rejection.Reason,
			}))
			return nil
		}
		return err
	}

	side := types.OrderSideBuy
	if sig.Kind == types.SignalSell {
		side = types.OrderSideSell
	}
	intent := types.OrderIntent{
		ID:       uuid.NewString(),
		Symbol:   sig.Symbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: sizing.Quantity,
	}
	cond := types.MarketCondition{
		Volatility:  volatility,
		VolumeRatio: volumeRatio(quote, view.History[sig.Symbol]),
	}

	result, err := s.engine.Execute(ctx, intent, sizing.Fraction, cond, execution.TacticAuto)
	if err != nil {
		if errors.Is(err, types.ErrBreakerOpen) {
			s.logger.Info("symbol breaker open, skipping", zap.String("symbol", sig.Symbol))
			return nil
		}
		return fmt.Errorf("execute %s: %w", sig.Symbol, err)
	}

	trade := types.Trade{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   result.Filled,
		Price:      result.AvgPrice,
		Notional:   result.Filled.Mul(result.AvgPrice),
		Confidence: sig.Confidence,
		StopLoss:   sizing.StopLoss,
		TakeProfit: sizing.TakeProfit,
		ExecutedAt: s.now(),
	}
	s.risk.RecordTrade(trade, sizing.RiskContribution)
	s.metrics.TradeExecuted()
	s.bus.Publish(events.New(events.TypeTrade, trade))

	s.mu.Lock()
	s.tradeCount++
	s.stats.TradesExecuted++
	s.mu.Unlock()

	s.logger.Info("trade executed",
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.String("qty", trade.Quantity.String()),
		zap.String("price", trade.Price.String()),
		zap.String("tactic", result.Tactic),
	)
	return nil
}

func (s *Scheduler) sector(symbol string, portfolio *types.Portfolio) string {
	if portfolio != nil {
		if pos, ok := portfolio.Positions[symbol]; ok && pos.Sector != "" {
			return pos.Sector
		}
	}
	return s.cfg.Sectors[symbol]
}

// volumeRatio compares the current quote volume to the average bar volume.
func volumeRatio(quote types.Quote, bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 1
	}
	var total float64
	for _, b := range bars {
		v, _ := b.Volume.Float64()
		total += v
	}
	avg := total / float64(len(bars))
	if avg <= 0 {
		return 1
	}
	q, _ := quote.Volume.Float64()
	return q / avg
}
