// Package risk implements position sizing, trade validation and daily
// drawdown tracking.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/quantshed/orchestrator/internal/metrics"
	"github.com/quantshed/orchestrator/pkg/types"
)

// Rejection rule names, also used as metric labels.
const (
	RuleInvalidSize    = "invalid_size"
	RuleDrawdown       = "max_daily_drawdown"
	RulePortfolioRisk  = "portfolio_risk"
	RuleSymbolRisk     = "symbol_risk"
	RuleSectorExposure = "sector_exposure"
)

const tradingDaysPerYear = 252

// Config holds the risk limits.
type Config struct {
	MaxPositionFraction   float64 `json:"maxPositionFraction"`
	MaxPortfolioRiskDaily float64 `json:"maxPortfolioRiskDaily"`
	MaxSymbolRisk         float64 `json:"maxSymbolRisk"`
	MaxSectorExposure     float64 `json:"maxSectorExposure"`
	StopLossPct           float64 `json:"stopLossPct"`
	TakeProfitPct         float64 `json:"takeProfitPct"`
	MaxDailyDrawdown      float64 `json:"maxDailyDrawdown"`
	VolatilityScaling     bool    `json:"volatilityScaling"`
	DefaultVolatility     float64 `json:"defaultVolatility"`
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionFraction:   0.05,
		MaxPortfolioRiskDaily: 0.02,
		MaxSymbolRisk:         0.01,
		MaxSectorExposure:     0.20,
		StopLossPct:           0.05,
		TakeProfitPct:         0.10,
		MaxDailyDrawdown:      0.05,
		VolatilityScaling:     true,
		DefaultVolatility:     0.20,
	}
}

// Report is a point-in-time snapshot of risk state for the API.
type Report struct {
	Equity           decimal.Decimal    `json:"equity"`
	Cash             decimal.Decimal    `json:"cash"`
	PositionCount    int                `json:"positionCount"`
	SectorExposure   map[string]float64 `json:"sectorExposure"`
	CurrentDrawdown  float64            `json:"currentDrawdown"`
	DrawdownBreached bool               `json:"drawdownBreached"`
	TradesToday      int                `json:"tradesToday"`
	GeneratedAt      time.Time          `json:"generatedAt"`
}

// Manager applies the risk limits to proposed trades and tracks daily
// drawdown against a high-water mark. The daily reset runs on a cron
// schedule at the Eastern market-day boundary.
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu               sync.RWMutex
	portfolio        *types.Portfolio
	sectorExposure   map[string]float64
	riskBySymbol     map[string]float64
	dailyHigh        float64
	drawdownBreached bool
	trades           []types.Trade

	cron *cron.Cron
}

// NewManager creates a risk manager.
func NewManager(logger *zap.Logger, cfg Config, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:         logger.Named("risk"),
		cfg:            cfg,
		metrics:        m,
		sectorExposure: make(map[string]float64),
		riskBySymbol:   make(map[string]float64),
	}
}

// Start schedules the daily reset at midnight Eastern. Stop cancels it.
func (m *Manager) Start() error {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return fmt.Errorf("load market timezone: %w", err)
	}
	m.cron = cron.New(cron.WithLocation(loc))
	if _, err := m.cron.AddFunc("0 0 * * *", m.ResetDaily); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the daily reset schedule.
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// UpdatePortfolio refreshes the snapshot the checks run against and
// recomputes sector exposure fractions.
func (m *Manager) UpdatePortfolio(p *types.Portfolio) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.portfolio = p
	m.sectorExposure = make(map[string]float64)
	if p == nil || p.Equity.IsZero() {
		return
	}
	for _, pos := range p.Positions {
		sector := pos.Sector
		if sector == "" {
			sector = "Unknown"
		}
		f, _ := pos.MarketValue.Div(p.Equity).Float64()
		m.sectorExposure[sector] += f
	}
}

// Volatility computes annualized volatility from a close series. Fewer
// than 11 closes (ten returns) falls back to the configured default.
func (m *Manager) Volatility(bars []types.Bar) float64 {
	closes := types.Closes(bars)
	if len(closes) < 11 {
		return m.cfg.DefaultVolatility
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return m.cfg.DefaultVolatility
	}
	daily := stat.StdDev(returns, nil)
	return daily * math.Sqrt(tradingDaysPerYear)
}

// Size computes the position size for a signal. Base size is the max
// position fraction scaled by confidence, then by inverse volatility when
// scaling is on. Buys into an existing position only add the headroom up
// to the base size; sells unwind at the current fraction, clipped to the
// held quantity.
func (m *Manager) Size(sig types.Signal, price decimal.Decimal, volatility float64) types.PositionSizing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sizing := types.PositionSizing{Symbol: sig.Symbol}
	if m.portfolio == nil || m.portfolio.Equity.IsZero() || price.IsZero() {
		return sizing
	}

	base := m.cfg.MaxPositionFraction * sig.Confidence
	if m.cfg.VolatilityScaling && volatility > 0 {
		factor := 1.0 / (volatility / m.cfg.DefaultVolatility)
		factor = math.Max(0.25, math.Min(2.0, factor))
		base *= factor
	}

	currentFraction := m.portfolio.PositionFraction(sig.Symbol)
	var held decimal.Decimal
	if pos, ok := m.portfolio.Positions[sig.Symbol]; ok {
		held = pos.Quantity
	}

	fraction := base
	switch sig.Kind {
	case types.SignalBuy:
		if held.IsPositive() {
			fraction = math.Max(0, base-currentFraction)
		}
	case types.SignalSell:
		fraction = currentFraction
	}

	notional := m.portfolio.Equity.Mul(decimal.NewFromFloat(fraction))
	quantity := notional.Div(price)
	if sig.Kind == types.SignalSell && quantity.GreaterThan(held) {
		quantity = held
	}

	riskNotional, _ := notional.Float64()
	equity, _ := m.portfolio.Equity.Float64()
	riskContribution := 0.0
	if equity > 0 {
		riskContribution = riskNotional * m.cfg.StopLossPct / equity
	}

	sizing.Quantity = quantity
	sizing.Notional = notional
	sizing.Fraction = fraction
	sizing.RiskContribution = riskContribution

	stopPct := decimal.NewFromFloat(m.cfg.StopLossPct)
	profitPct := decimal.NewFromFloat(m.cfg.TakeProfitPct)
	one := decimal.NewFromInt(1)
	switch sig.Kind {
	case types.SignalBuy:
		sizing.StopLoss = price.Mul(one.Sub(stopPct))
		sizing.TakeProfit = price.Mul(one.Add(profitPct))
	case types.SignalSell:
		sizing.StopLoss = price.Mul(one.Add(stopPct))
		sizing.TakeProfit = price.Mul(one.Sub(profitPct))
	}
	return sizing
}

// Validate runs the ordered risk checks and returns a RiskRejection naming
// the first limit a trade violates.
func (m *Manager) Validate(sig types.Signal, sizing types.PositionSizing, sector string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !sizing.Quantity.IsPositive() {
		return m.reject(RuleInvalidSize, "invalid position size")
	}
	if m.drawdownBreached {
		return m.reject(RuleDrawdown, "maximum daily drawdown reached")
	}

	// Open risk comes from the internal ledger; broker-reported values fill
	// in for positions the ledger hasn't seen (e.g. positions held before
	// this process started).
	var totalRisk float64
	for _, rc := range m.riskBySymbol {
		totalRisk += rc
	}
	if m.portfolio != nil {
		for sym, pos := range m.portfolio.Positions {
			if _, tracked := m.riskBySymbol[sym]; !tracked {
				totalRisk += pos.RiskContribution
			}
		}
	}
	if totalRisk+sizing.RiskContribution > m.cfg.MaxPortfolioRiskDaily {
		return m.reject(RulePortfolioRisk, fmt.Sprintf(
			"portfolio risk %.2f%% exceeds limit %.2f%%",
			(totalRisk+sizing.RiskContribution)*100, m.cfg.MaxPortfolioRiskDaily*100))
	}
	if sizing.RiskContribution > m.cfg.MaxSymbolRisk {
		return m.reject(RuleSymbolRisk, fmt.Sprintf(
			"symbol risk %.2f%% exceeds limit %.2f%%",
			sizing.RiskContribution*100, m.cfg.MaxSymbolRisk*100))
	}

	if sector == "" {
		sector = "Unknown"
	}
	// Sells reduce exposure, only buys can push a sector over its cap.
	if sig.Kind == types.SignalBuy {
		exposure := m.sectorExposure[sector] + sizing.Fraction
		if exposure > m.cfg.MaxSectorExposure {
			return m.reject(RuleSectorExposure, fmt.Sprintf(
				"sector %s exposure %.2f%% exceeds limit %.2f%%",
				sector, exposure*100, m.cfg.MaxSectorExposure*100))
		}
	}
	return nil
}

func (m *Manager) reject(rule, reason string) error {
	m.metrics.RiskRejection(rule)
	m.logger.Info("trade rejected", zap.String("rule", rule), zap.String("reason", reason))
	return &types.RiskRejection{Reason: reason}
}

// UpdateDrawdown tracks the daily high-water mark. Once the drawdown limit
// is breached it latches until the next daily reset.
func (m *Manager) UpdateDrawdown(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _ := equity.Float64()
	if e > m.dailyHigh {
		m.dailyHigh = e
	}
	if m.dailyHigh <= 0 {
		return
	}
	drawdown := (m.dailyHigh - e) / m.dailyHigh
	if drawdown > m.cfg.MaxDailyDrawdown && !m.drawdownBreached {
		m.drawdownBreached = true
		m.logger.Warn("daily drawdown limit breached",
			zap.Float64("drawdown", drawdown),
			zap.Float64("limit", m.cfg.MaxDailyDrawdown),
		)
	}
}

// ResetDaily clears the drawdown latch, the high-water mark and the trade
// ledger for the new session day.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drawdownBreached = false
	m.dailyHigh = 0
	if m.portfolio != nil {
		m.dailyHigh, _ = m.portfolio.Equity.Float64()
	}
	m.trades = m.trades[:0]
	m.riskBySymbol = make(map[string]float64)
	m.logger.Info("daily risk metrics reset")
}

// RecordTrade appends to the day's trade ledger and updates the open-risk
// ledger: buys consume risk budget, sells release the symbol's slot.
func (m *Manager) RecordTrade(t types.Trade, riskContribution float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	switch t.Side {
	case types.OrderSideBuy:
		m.riskBySymbol[t.Symbol] += riskContribution
	case types.OrderSideSell:
		delete(m.riskBySymbol, t.Symbol)
	}
}

// Report snapshots risk state.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{
		SectorExposure:   make(map[string]float64, len(m.sectorExposure)),
		DrawdownBreached: m.drawdownBreached,
		TradesToday:      len(m.trades),
		GeneratedAt:      time.Now().UTC(),
	}
	for k, v := range m.sectorExposure {
		r.SectorExposure[k] = v
	}
	if m.portfolio != nil {
		r.Equity = m.portfolio.Equity
		r.Cash = m.portfolio.Cash
		r.PositionCount = len(m.portfolio.Positions)
		if m.dailyHigh > 0 {
			e, _ := m.portfolio.Equity.Float64()
			r.CurrentDrawdown = (m.dailyHigh - e) / m.dailyHigh
		}
	}
	return r
}
