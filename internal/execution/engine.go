// Package execution implements the anti-gaming execution engine: timing
// jitter, size variance, randomized execution tactics, decoy orders,
// per-symbol circuit breakers and pattern disruption.
package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/broker"
	"github.com/quantshed/orchestrator/internal/metrics"
	"github.com/quantshed/orchestrator/pkg/types"
)

// Execution tactic names. TacticAuto lets the engine pick.
const (
	TacticAuto    = "auto"
	TacticIceberg = "iceberg"
	TacticTWAP    = "twap"
	TacticVWAP    = "vwap"
	TacticSimple  = "simple"
)

// Config controls the anti-gaming behavior.
type Config struct {
	JitterMin   time.Duration `json:"jitterMin"`
	JitterMax   time.Duration `json:"jitterMax"`
	JitterFloor time.Duration `json:"jitterFloor"`

	SizeVariance float64 `json:"sizeVariance"`

	IcebergMinChunks int           `json:"icebergMinChunks"`
	IcebergMaxChunks int           `json:"icebergMaxChunks"`
	IcebergVariance  float64       `json:"icebergVariance"`
	IcebergSleepMin  time.Duration `json:"icebergSleepMin"`
	IcebergSleepMax  time.Duration `json:"icebergSleepMax"`

	TWAPSlices       int           `json:"twapSlices"`
	SliceIntervalMin time.Duration `json:"sliceIntervalMin"`
	SliceIntervalMax time.Duration `json:"sliceIntervalMax"`
	SliceFloor       time.Duration `json:"sliceFloor"`

	VWAPProfile []float64 `json:"vwapProfile"`

	DecoyProbability float64       `json:"decoyProbability"`
	DecoySizeMin     float64       `json:"decoySizeMin"`
	DecoySizeMax     float64       `json:"decoySizeMax"`
	DecoyOffsetMin   float64       `json:"decoyOffsetMin"`
	DecoyOffsetMax   float64       `json:"decoyOffsetMax"`
	DecoyCancelMin   time.Duration `json:"decoyCancelMin"`
	DecoyCancelMax   time.Duration `json:"decoyCancelMax"`

	BreakerThreshold int           `json:"breakerThreshold"`
	BreakerCooldown  time.Duration `json:"breakerCooldown"`

	PatternWindow      int     `json:"patternWindow"`
	PatternCVThreshold float64 `json:"patternCVThreshold"`
}

// DefaultConfig returns the standard anti-gaming parameters.
func DefaultConfig() Config {
	return Config{
		JitterMin:          50 * time.Millisecond,
		JitterMax:          500 * time.Millisecond,
		JitterFloor:        10 * time.Millisecond,
		SizeVariance:       0.15,
		IcebergMinChunks:   3,
		IcebergMaxChunks:   8,
		IcebergVariance:    0.10,
		IcebergSleepMin:    500 * time.Millisecond,
		IcebergSleepMax:    3 * time.Second,
		TWAPSlices:         5,
		SliceIntervalMin:   30 * time.Second,
		SliceIntervalMax:   120 * time.Second,
		SliceFloor:         time.Second,
		VWAPProfile:        []float64{0.08, 0.12, 0.15, 0.20, 0.15, 0.12, 0.10, 0.08},
		DecoyProbability:   0.2,
		DecoySizeMin:       0.01,
		DecoySizeMax:       0.05,
		DecoyOffsetMin:     0.01,
		DecoyOffsetMax:     0.05,
		DecoyCancelMin:     5 * time.Second,
		DecoyCancelMax:     30 * time.Second,
		BreakerThreshold:   3,
		BreakerCooldown:    300 * time.Second,
		PatternWindow:      10,
		PatternCVThreshold: 0.2,
	}
}

// lockedRand serializes access to a rand source so the engine and the
// decoy goroutines can share one injected stream.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// uniform samples U(lo, hi).
func (l *lockedRand) uniform(lo, hi float64) float64 {
	return lo + l.Float64()*(hi-lo)
}

func (l *lockedRand) duration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.Float64()*float64(hi-lo))
}

// Engine routes orders to the broker through anti-gaming tactics. All
// randomness flows through the single injected source.
type Engine struct {
	logger  *zap.Logger
	cfg     Config
	broker  broker.Broker
	metrics *metrics.Metrics
	rng     *lockedRand

	mu       sync.Mutex
	breakers map[string]*symbolBreaker
	patterns map[string]*execPattern
	flagged  map[string]bool

	decoys  sync.WaitGroup
	stopCh  chan struct{}
	stopped sync.Once
}

// NewEngine creates an execution engine. A nil rng seeds from the clock.
func NewEngine(logger *zap.Logger, cfg Config, b broker.Broker, m *metrics.Metrics, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if len(cfg.VWAPProfile) == 0 {
		cfg.VWAPProfile = DefaultConfig().VWAPProfile
	}
	return &Engine{
		logger:   logger.Named("execution"),
		cfg:      cfg,
		broker:   b,
		metrics:  m,
		rng:      &lockedRand{r: rng},
		breakers: make(map[string]*symbolBreaker),
		patterns: make(map[string]*execPattern),
		flagged:  make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Stop waits for outstanding decoy cancellations to finish.
func (e *Engine) Stop() {
	e.stopped.Do(func() { close(e.stopCh) })
	e.decoys.Wait()
}

// BreakerOpen reports whether the symbol's circuit breaker is holding.
func (e *Engine) BreakerOpen(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[symbol]
	return ok && b.open(time.Now())
}

// Execute runs one order through the anti-gaming pipeline. fraction is the
// order's notional as a fraction of portfolio equity, used for tactic
// selection. tactic may name a specific tactic or TacticAuto.
func (e *Engine) Execute(ctx context.Context, intent types.OrderIntent, fraction float64, cond types.MarketCondition, tactic string) (*types.ExecutionResult, error) {
	now := time.Now()
	e.mu.Lock()
	b, ok := e.breakers[intent.Symbol]
	if ok && b.open(now) {
		e.mu.Unlock()
		e.metrics.SetBreakerOpen("symbol:"+intent.Symbol, true)
		return nil, fmt.Errorf("symbol %s: %w", intent.Symbol, types.ErrBreakerOpen)
	}
	flagged := e.flagged[intent.Symbol]
	e.mu.Unlock()
	e.metrics.SetBreakerOpen("symbol:"+intent.Symbol, false)

	if err := e.jitter(ctx, cond, flagged); err != nil {
		return nil, err
	}

	// Randomize the visible order size.
	variance := e.rng.uniform(-e.cfg.SizeVariance, e.cfg.SizeVariance)
	adjusted := intent
	adjusted.Quantity = intent.Quantity.Mul(decimal.NewFromFloat(1 + variance))

	if tactic == "" || tactic == TacticAuto {
		tactic = e.selectTactic(fraction, cond)
	}

	start := time.Now()
	var result *types.ExecutionResult
	var err error
	switch tactic {
	case TacticIceberg:
		result, err = e.executeIceberg(ctx, adjusted, cond)
	case TacticTWAP:
		result, err = e.executeTWAP(ctx, adjusted, cond)
	case TacticVWAP:
		result, err = e.executeVWAP(ctx, adjusted, cond)
	case TacticSimple:
		result, err = e.executeSimple(ctx, adjusted)
	default:
		return nil, fmt.Errorf("unknown tactic %q", tactic)
	}
	if err != nil {
		e.recordFailure(intent.Symbol)
		return result, err
	}
	result.Elapsed = time.Since(start)

	if e.rng.Float64() < e.cfg.DecoyProbability {
		e.placeDecoy(ctx, intent, result.AvgPrice)
	}
	e.recordSuccess(intent.Symbol)
	e.metrics.Execution(tactic)

	e.logger.Info("execution complete",
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("tactic", tactic),
		zap.Int("chunks", result.Chunks),
		zap.String("filled", result.Filled.String()),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// jitter sleeps a random interval scaled down by volatility. Symbols with
// too-regular execution timing get doubled jitter.
func (e *Engine) jitter(ctx context.Context, cond types.MarketCondition, flagged bool) error {
	base := e.rng.duration(e.cfg.JitterMin, e.cfg.JitterMax)
	vol := cond.Volatility
	if vol < 0.01 {
		vol = 0.01
	}
	d := time.Duration(float64(base) / vol)
	if flagged {
		d *= 2
	}
	if d < e.cfg.JitterFloor {
		d = e.cfg.JitterFloor
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return e.sleep(ctx, d)
}

// selectTactic draws a weighted random tactic. Weights follow order size
// and market conditions, each perturbed by U(0.8, 1.2) so the choice never
// becomes predictable.
func (e *Engine) selectTactic(fraction float64, cond types.MarketCondition) string {
	vol := cond.Volatility
	if vol < 0.1 {
		vol = 0.1
	}
	volume := cond.VolumeRatio
	if volume <= 0 {
		volume = 1
	}

	weights := map[string]float64{
		TacticIceberg: 1.0,
		TacticTWAP:    1.0,
		TacticVWAP:    1.0,
		TacticSimple:  1.0,
	}
	if fraction > 0.1 {
		weights[TacticIceberg] += 2.0
		weights[TacticVWAP] += 1.0
	}
	if fraction >= 0.05 && fraction <= 0.2 {
		weights[TacticTWAP] += 1.5
	}
	if fraction < 0.05 {
		weights[TacticSimple] += 2.0
	}
	weights[TacticIceberg] *= volume
	weights[TacticVWAP] *= vol
	weights[TacticSimple] *= 1 / vol

	// Fixed iteration order so the draw is reproducible under a seeded rng.
	order := []string{TacticIceberg, TacticTWAP, TacticVWAP, TacticSimple}
	var total float64
	for _, name := range order {
		weights[name] *= e.rng.uniform(0.8, 1.2)
		total += weights[name]
	}

	pick := e.rng.Float64() * total
	for _, name := range order {
		pick -= weights[name]
		if pick <= 0 {
			return name
		}
	}
	return TacticSimple
}

// placeDecoy rests a small post-only order on the opposite side, away from
// the market, and cancels it after a random delay. Decoy failures are
// logged and ignored; they never affect the real execution.
func (e *Engine) placeDecoy(ctx context.Context, parent types.OrderIntent, marketPrice decimal.Decimal) {
	if marketPrice.IsZero() {
		return
	}
	side := parent.Side.Opposite()
	size := parent.Quantity.Mul(decimal.NewFromFloat(e.rng.uniform(e.cfg.DecoySizeMin, e.cfg.DecoySizeMax)))
	offset := e.rng.uniform(e.cfg.DecoyOffsetMin, e.cfg.DecoyOffsetMax)

	var price decimal.Decimal
	if side == types.OrderSideBuy {
		price = marketPrice.Mul(decimal.NewFromFloat(1 - offset))
	} else {
		price = marketPrice.Mul(decimal.NewFromFloat(1 + offset))
	}

	decoy := types.OrderIntent{
		ID:         uuid.NewString(),
		Symbol:     parent.Symbol,
		Side:       side,
		Type:       types.OrderTypeLimit,
		Quantity:   size,
		LimitPrice: price,
		PostOnly:   true,
	}
	ack, err := e.broker.PlaceOrder(ctx, decoy)
	if err != nil {
		e.logger.Debug("decoy placement failed", zap.String("symbol", parent.Symbol), zap.Error(err))
		return
	}
	e.metrics.DecoyPlaced()

	delay := e.rng.duration(e.cfg.DecoyCancelMin, e.cfg.DecoyCancelMax)
	e.decoys.Add(1)
	go func() {
		defer e.decoys.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.stopCh:
		}
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.broker.CancelOrder(cctx, ack.OrderID); err != nil {
			e.logger.Debug("decoy cancel failed", zap.String("orderId", ack.OrderID), zap.Error(err))
		}
	}()
}

func (e *Engine) recordFailure(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[symbol]
	if !ok {
		b = &symbolBreaker{}
		e.breakers[symbol] = b
	}
	if b.recordFailure(time.Now(), e.cfg.BreakerThreshold, e.cfg.BreakerCooldown) {
		e.metrics.SetBreakerOpen("symbol:"+symbol, true)
		e.logger.Warn("symbol circuit breaker tripped",
			zap.String("symbol", symbol),
			zap.Duration("cooldown", e.cfg.BreakerCooldown),
		)
	}
}

func (e *Engine) recordSuccess(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[symbol]; ok {
		b.recordSuccess()
	}
	p, ok := e.patterns[symbol]
	if !ok {
		p = &execPattern{}
		e.patterns[symbol] = p
	}
	p.record(time.Now(), e.cfg.PatternWindow)
	regular := p.tooRegular(e.cfg.PatternCVThreshold)
	if regular && !e.flagged[symbol] {
		e.logger.Warn("execution timing too regular, increasing jitter",
			zap.String("symbol", symbol))
	}
	e.flagged[symbol] = regular
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
