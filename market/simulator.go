// Package market provides the deterministic exchange simulation used by the
// hour executor. Fills come from the most recent order-book snapshot at or
// before the attempt timestamp, fall back to the hourly OHLCV close, and
// otherwise report the price source as unavailable.
package market

import (
	"time"

	"github.com/shopspring/decimal"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
)

// AttemptRequest is one deterministic fill attempt.
type AttemptRequest struct {
	AssetID      int64
	Side         domain.OrderSide
	RequestedQty decimal.Decimal
	AttemptTsUTC time.Time
}

// AttemptResult is the simulated outcome of one attempt. Prices are nil when
// no deterministic price source exists.
type AttemptResult struct {
	FilledQty      decimal.Decimal
	ReferencePrice *decimal.Decimal
	FillPrice      *decimal.Decimal
	LiquidityFlag  domain.LiquidityFlag
	PriceSource    domain.PriceSource
}

// Simulator is the deterministic exchange adapter.
type Simulator struct{}

// NewSimulator returns the stateless deterministic simulator.
func NewSimulator() *Simulator { return &Simulator{} }

// SimulateAttempt resolves one fill attempt against the context's market
// surfaces. All returned quantities and prices are quantized to 1e-18.
func (s *Simulator) SimulateAttempt(ctx *domain.ExecutionContext, request AttemptRequest) AttemptResult {
	if snapshot := ctx.FindLatestOrderBookSnapshot(request.AssetID, request.AttemptTsUTC); snapshot != nil {
		var referencePrice, available decimal.Decimal
		if request.Side == domain.SideBuy {
			referencePrice = snapshot.BestAskPrice
			available = snapshot.BestAskSize
		} else {
			referencePrice = snapshot.BestBidPrice
			available = snapshot.BestBidSize
		}
		available = canon.Quantize18(decimal.Max(decimal.Zero, available))
		filled := canon.Quantize18(decimal.Min(request.RequestedQty, available))
		price := canon.Quantize18(referencePrice)
		return AttemptResult{
			FilledQty:      filled,
			ReferencePrice: &price,
			FillPrice:      &price,
			LiquidityFlag:  domain.LiquidityTaker,
			PriceSource:    domain.PriceSourceOrderBook,
		}
	}

	if candle := ctx.FindOhlcv(request.AssetID); candle != nil {
		price := canon.Quantize18(candle.ClosePrice)
		return AttemptResult{
			FilledQty:      canon.Quantize18(request.RequestedQty),
			ReferencePrice: &price,
			FillPrice:      &price,
			LiquidityFlag:  domain.LiquidityUnknown,
			PriceSource:    domain.PriceSourceOhlcvClose,
		}
	}

	return AttemptResult{
		FilledQty:     canon.Quantize18(decimal.Zero),
		LiquidityFlag: domain.LiquidityUnknown,
		PriceSource:   domain.PriceSourceUnavailable,
	}
}
