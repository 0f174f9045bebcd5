package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantshed/orchestrator/pkg/types"
)

// placeChunk sends one market-order slice to the broker.
func (e *Engine) placeChunk(ctx context.Context, parent types.OrderIntent, qty decimal.Decimal) (types.OrderAck, error) {
	return e.broker.PlaceOrder(ctx, types.OrderIntent{
		ID:       uuid.NewString(),
		Symbol:   parent.Symbol,
		Side:     parent.Side,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
	})
}

// icebergChunks splits a total quantity into n chunks of roughly equal
// size with per-chunk variance. The last chunk absorbs all rounding so the
// chunks sum to the total exactly; every chunk stays positive.
func (e *Engine) icebergChunks(total decimal.Decimal, n int) []decimal.Decimal {
	base := total.Div(decimal.NewFromInt(int64(n)))
	chunks := make([]decimal.Decimal, 0, n)
	remaining := total
	for i := 0; i < n-1; i++ {
		v := e.rng.uniform(-e.cfg.IcebergVariance, e.cfg.IcebergVariance)
		chunk := base.Mul(decimal.NewFromFloat(1 + v))
		if chunk.GreaterThanOrEqual(remaining) {
			chunk = remaining.Div(decimal.NewFromInt(2))
		}
		chunks = append(chunks, chunk)
		remaining = remaining.Sub(chunk)
	}
	chunks = append(chunks, remaining)
	return chunks
}

func (e *Engine) executeIceberg(ctx context.Context, intent types.OrderIntent, cond types.MarketCondition) (*types.ExecutionResult, error) {
	span := e.cfg.IcebergMaxChunks - e.cfg.IcebergMinChunks
	n := e.cfg.IcebergMinChunks
	if span > 0 {
		n += e.rng.Intn(span + 1)
	}
	if n < 1 {
		n = 1
	}
	chunks := e.icebergChunks(intent.Quantity, n)

	volFactor := cond.Volatility / 0.2
	if volFactor < 0.1 {
		volFactor = 0.1
	}

	result := &types.ExecutionResult{
		Symbol: intent.Symbol, Side: intent.Side, Tactic: TacticIceberg,
		Chunks: len(chunks), Requested: intent.Quantity,
	}
	for i, qty := range chunks {
		ack, err := e.placeChunk(ctx, intent, qty)
		if err != nil {
			return result, fmt.Errorf("iceberg chunk %d/%d: %w", i+1, len(chunks), err)
		}
		accumulate(result, ack)

		if i < len(chunks)-1 {
			pause := time.Duration(float64(e.rng.duration(e.cfg.IcebergSleepMin, e.cfg.IcebergSleepMax)) * volFactor)
			if err := e.sleep(ctx, pause); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (e *Engine) executeTWAP(ctx context.Context, intent types.OrderIntent, cond types.MarketCondition) (*types.ExecutionResult, error) {
	slices := e.cfg.TWAPSlices
	if slices < 1 {
		slices = 1
	}
	per := intent.Quantity.Div(decimal.NewFromInt(int64(slices)))

	vol := cond.Volatility
	if vol < 0.01 {
		vol = 0.01
	}

	result := &types.ExecutionResult{
		Symbol: intent.Symbol, Side: intent.Side, Tactic: TacticTWAP,
		Chunks: slices, Requested: intent.Quantity,
	}
	remaining := intent.Quantity
	for i := 0; i < slices; i++ {
		qty := per
		if i == slices-1 {
			qty = remaining
		}
		ack, err := e.placeChunk(ctx, intent, qty)
		if err != nil {
			return result, fmt.Errorf("twap slice %d/%d: %w", i+1, slices, err)
		}
		accumulate(result, ack)
		remaining = remaining.Sub(qty)

		if i < slices-1 {
			interval := time.Duration(float64(e.rng.duration(e.cfg.SliceIntervalMin, e.cfg.SliceIntervalMax)) / vol)
			if interval < e.cfg.SliceFloor {
				interval = e.cfg.SliceFloor
			}
			if err := e.sleep(ctx, interval); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (e *Engine) executeVWAP(ctx context.Context, intent types.OrderIntent, cond types.MarketCondition) (*types.ExecutionResult, error) {
	profile := e.cfg.VWAPProfile

	volume := cond.VolumeRatio
	if volume < 0.01 {
		volume = 0.01
	}

	result := &types.ExecutionResult{
		Symbol: intent.Symbol, Side: intent.Side, Tactic: TacticVWAP,
		Chunks: len(profile), Requested: intent.Quantity,
	}
	remaining := intent.Quantity
	for i, share := range profile {
		qty := intent.Quantity.Mul(decimal.NewFromFloat(share))
		if i == len(profile)-1 {
			qty = remaining
		}
		ack, err := e.placeChunk(ctx, intent, qty)
		if err != nil {
			return result, fmt.Errorf("vwap bucket %d/%d: %w", i+1, len(profile), err)
		}
		accumulate(result, ack)
		remaining = remaining.Sub(qty)

		if i < len(profile)-1 {
			interval := time.Duration(float64(e.rng.duration(e.cfg.SliceIntervalMin, e.cfg.SliceIntervalMax)) / volume)
			if interval < e.cfg.SliceFloor {
				interval = e.cfg.SliceFloor
			}
			if err := e.sleep(ctx, interval); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (e *Engine) executeSimple(ctx context.Context, intent types.OrderIntent) (*types.ExecutionResult, error) {
	result := &types.ExecutionResult{
		Symbol: intent.Symbol, Side: intent.Side, Tactic: TacticSimple,
		Chunks: 1, Requested: intent.Quantity,
	}
	ack, err := e.placeChunk(ctx, intent, intent.Quantity)
	if err != nil {
		return result, fmt.Errorf("simple execution: %w", err)
	}
	accumulate(result, ack)
	return result, nil
}

// accumulate folds a fill into the running result, tracking a
// quantity-weighted average price.
func accumulate(r *types.ExecutionResult, ack types.OrderAck) {
	if ack.FilledQty.IsZero() {
		return
	}
	prevNotional := r.Filled.Mul(r.AvgPrice)
	newNotional := ack.FilledQty.Mul(ack.AvgPrice)
	r.Filled = r.Filled.Add(ack.FilledQty)
	if r.Filled.IsPositive() {
		r.AvgPrice = prevNotional.Add(newNotional).Div(r.Filled)
	}
}
