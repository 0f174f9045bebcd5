package execution_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/broker"
	"github.com/quantshed/orchestrator/internal/execution"
	"github.com/quantshed/orchestrator/pkg/types"
)

// fastConfig zeroes every sleep so tests run instantly.
func fastConfig() execution.Config {
	cfg := execution.DefaultConfig()
	cfg.JitterMin = 0
	cfg.JitterMax = 0
	cfg.JitterFloor = 0
	cfg.IcebergSleepMin = 0
	cfg.IcebergSleepMax = 0
	cfg.SliceIntervalMin = 0
	cfg.SliceIntervalMax = 0
	cfg.SliceFloor = 0
	cfg.DecoyProbability = 0
	cfg.SizeVariance = 0
	return cfg
}

func newEngine(t *testing.T, cfg execution.Config, b broker.Broker, seed int64) *execution.Engine {
	t.Helper()
	e := execution.NewEngine(zap.NewNop(), cfg, b, nil, rand.New(rand.NewSource(seed)))
	t.Cleanup(e.Stop)
	return e
}

func newPaper(seed int64) *broker.PaperBroker {
	return broker.NewPaperBroker(zap.NewNop(), broker.DefaultPaperConfig(), rand.New(rand.NewSource(seed)))
}

func marketOrder(qty int64) types.OrderIntent {
	return types.OrderIntent{
		ID:       "order-1",
		Symbol:   "AAPL",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

var calmMarket = types.MarketCondition{Volatility: 0.2, VolumeRatio: 1.0}

func TestIcebergChunksSumExactly(t *testing.T) {
	cfg := fastConfig()
	cfg.IcebergMinChunks = 4
	cfg.IcebergMaxChunks = 4
	e := newEngine(t, cfg, newPaper(1), 42)

	result, err := e.Execute(context.Background(), marketOrder(100), 0.15, calmMarket, execution.TacticIceberg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Chunks != 4 {
		t.Errorf("Chunks = %d, want 4", result.Chunks)
	}
	// Rounding is absorbed by the last chunk, so the fills sum exactly.
	if !result.Filled.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Filled = %s, want exactly 100", result.Filled)
	}
	if result.Tactic != execution.TacticIceberg {
		t.Errorf("Tactic = %q, want iceberg", result.Tactic)
	}
}

func TestTWAPFillsRequested(t *testing.T) {
	e := newEngine(t, fastConfig(), newPaper(1), 42)

	result, err := e.Execute(context.Background(), marketOrder(100), 0.1, calmMarket, execution.TacticTWAP)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Chunks != 5 {
		t.Errorf("Chunks = %d, want 5", result.Chunks)
	}
	if !result.Filled.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Filled = %s, want 100", result.Filled)
	}
}

func TestVWAPFollowsProfile(t *testing.T) {
	paper := newPaper(1)
	e := newEngine(t, fastConfig(), paper, 42)

	result, err := e.Execute(context.Background(), marketOrder(100), 0.15, calmMarket, execution.TacticVWAP)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Chunks != 8 {
		t.Errorf("Chunks = %d, want 8 profile buckets", result.Chunks)
	}
	if !result.Filled.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Filled = %s, want 100", result.Filled)
	}
	if len(paper.Fills()) != 8 {
		t.Errorf("broker saw %d fills, want 8", len(paper.Fills()))
	}
}

func TestSizeVarianceBoundsOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.SizeVariance = 0.15
	e := newEngine(t, cfg, newPaper(1), 42)

	result, err := e.Execute(context.Background(), marketOrder(100), 0.01, calmMarket, execution.TacticSimple)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	filled := result.Filled.InexactFloat64()
	if filled < 85 || filled > 115 {
		t.Errorf("Filled = %v, outside the +/-15%% variance band", filled)
	}
	if result.Filled.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Filled = 100 exactly; variance should have shifted it")
	}
}

// failBroker rejects every order.
type failBroker struct{ broker.Broker }

func (f *failBroker) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderAck, error) {
	return types.OrderAck{}, &types.BrokerError{Op: "place", Transient: true, Err: errors.New("venue down")}
}

func (f *failBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func TestSymbolBreakerTripsAndRecovers(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = 50 * time.Millisecond
	e := newEngine(t, cfg, &failBroker{}, 42)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.Execute(ctx, marketOrder(10), 0.01, calmMarket, execution.TacticSimple); err == nil {
			t.Fatalf("attempt %d: expected broker failure", i)
		}
	}
	if !e.BreakerOpen("AAPL") {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}
	_, err := e.Execute(ctx, marketOrder(10), 0.01, calmMarket, execution.TacticSimple)
	if !errors.Is(err, types.ErrBreakerOpen) {
		t.Fatalf("got %v, want ErrBreakerOpen", err)
	}

	// Other symbols are unaffected.
	other := marketOrder(10)
	other.Symbol = "MSFT"
	if _, err := e.Execute(ctx, other, 0.01, calmMarket, execution.TacticSimple); errors.Is(err, types.ErrBreakerOpen) {
		t.Fatal("MSFT breaker should not be open")
	}

	// After the cooldown the symbol gets another try.
	time.Sleep(60 * time.Millisecond)
	if _, err := e.Execute(ctx, marketOrder(10), 0.01, calmMarket, execution.TacticSimple); errors.Is(err, types.ErrBreakerOpen) {
		t.Fatal("breaker should allow a retry after the cooldown")
	}
}

func TestBreakerResetOnSuccess(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = time.Minute

	paper := newPaper(1)
	flaky := &switchableBroker{ok: paper}
	e := newEngine(t, cfg, flaky, 42)

	ctx := context.Background()
	flaky.fail = true
	for i := 0; i < 2; i++ {
		e.Execute(ctx, marketOrder(10), 0.01, calmMarket, execution.TacticSimple)
	}
	flaky.fail = false
	if _, err := e.Execute(ctx, marketOrder(10), 0.01, calmMarket, execution.TacticSimple); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The success cleared the streak; two more failures stay under the
	// threshold.
	flaky.fail = true
	for i := 0; i < 2; i++ {
		e.Execute(ctx, marketOrder(10), 0.01, calmMarket, execution.TacticSimple)
	}
	if e.BreakerOpen("AAPL") {
		t.Fatal("breaker tripped despite an intervening success")
	}
}

// switchableBroker fails on demand, otherwise delegates to a real broker.
type switchableBroker struct {
	ok   broker.Broker
	fail bool
}

func (s *switchableBroker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	return s.ok.Quote(ctx, symbol)
}
func (s *switchableBroker) Historical(ctx context.Context, symbol string, n int) ([]types.Bar, error) {
	return s.ok.Historical(ctx, symbol, n)
}
func (s *switchableBroker) Portfolio(ctx context.Context) (*types.Portfolio, error) {
	return s.ok.Portfolio(ctx)
}
func (s *switchableBroker) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderAck, error) {
	if s.fail {
		return types.OrderAck{}, &types.BrokerError{Op: "place", Err: errors.New("refused")}
	}
	return s.ok.PlaceOrder(ctx, intent)
}
func (s *switchableBroker) CancelOrder(ctx context.Context, orderID string) error {
	return s.ok.CancelOrder(ctx, orderID)
}

func TestAutoTacticIsReproducible(t *testing.T) {
	run := func() []string {
		e := newEngine(t, fastConfig(), newPaper(1), 99)
		var tactics []string
		for i := 0; i < 5; i++ {
			result, err := e.Execute(context.Background(), marketOrder(50), 0.08, calmMarket, execution.TacticAuto)
			if err != nil {
				t.Fatalf("Execute %d: %v", i, err)
			}
			tactics = append(tactics, result.Tactic)
		}
		return tactics
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("tactic sequence diverged at %d: %v vs %v", i, first, second)
		}
	}
}

func TestUnknownTacticRejected(t *testing.T) {
	e := newEngine(t, fastConfig(), newPaper(1), 42)
	if _, err := e.Execute(context.Background(), marketOrder(10), 0.01, calmMarket, "guerrilla"); err == nil {
		t.Fatal("expected unknown tactic error")
	}
}

func TestDecoyRestsAndCancels(t *testing.T) {
	cfg := fastConfig()
	cfg.DecoyProbability = 1.0
	cfg.DecoyCancelMin = time.Millisecond
	cfg.DecoyCancelMax = 5 * time.Millisecond

	paper := newPaper(1)
	e := newEngine(t, cfg, paper, 42)

	if _, err := e.Execute(context.Background(), marketOrder(10), 0.01, calmMarket, execution.TacticSimple); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := paper.OpenOrders(); got != 1 {
		t.Fatalf("OpenOrders = %d, want 1 resting decoy", got)
	}

	// Stop joins the cancellation goroutine.
	e.Stop()
	if got := paper.OpenOrders(); got != 0 {
		t.Errorf("OpenOrders = %d after Stop, want 0", got)
	}
}
