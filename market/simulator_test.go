package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
)

var simHour = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(ts time.Time, bid, ask, bidSize, askSize string) domain.OrderBookSnapshotState {
	return domain.OrderBookSnapshotState{
		AssetID:       1,
		SnapshotTsUTC: ts,
		HourTsUTC:     simHour,
		BestBidPrice:  canon.MustDecimal(bid),
		BestAskPrice:  canon.MustDecimal(ask),
		BestBidSize:   canon.MustDecimal(bidSize),
		BestAskSize:   canon.MustDecimal(askSize),
	}
}

func simContext(snapshots []domain.OrderBookSnapshotState, ohlcv []domain.OhlcvState) *domain.ExecutionContext {
	return &domain.ExecutionContext{
		OrderBookSnapshots: snapshots,
		OhlcvRows:          ohlcv,
	}
}

func TestSimulateAttemptUsesOrderBookSides(t *testing.T) {
	ctx := simContext([]domain.OrderBookSnapshotState{
		snapshot(simHour, "99", "100", "50", "75"),
	}, nil)
	simulator := NewSimulator()

	buy := simulator.SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideBuy, RequestedQty: canon.MustDecimal("10"), AttemptTsUTC: simHour,
	})
	require.NotNil(t, buy.FillPrice)
	assert.True(t, buy.FillPrice.Equal(canon.MustDecimal("100")))
	assert.True(t, buy.FilledQty.Equal(canon.MustDecimal("10")))
	assert.Equal(t, domain.LiquidityTaker, buy.LiquidityFlag)
	assert.Equal(t, domain.PriceSourceOrderBook, buy.PriceSource)

	sell := simulator.SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideSell, RequestedQty: canon.MustDecimal("10"), AttemptTsUTC: simHour,
	})
	require.NotNil(t, sell.FillPrice)
	assert.True(t, sell.FillPrice.Equal(canon.MustDecimal("99")))
}

func TestSimulateAttemptPartialAgainstAvailableSize(t *testing.T) {
	ctx := simContext([]domain.OrderBookSnapshotState{
		snapshot(simHour, "99", "100", "50", "7"),
	}, nil)
	result := NewSimulator().SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideBuy, RequestedQty: canon.MustDecimal("10"), AttemptTsUTC: simHour,
	})
	assert.True(t, result.FilledQty.Equal(canon.MustDecimal("7")))
}

func TestSimulateAttemptExactAvailability(t *testing.T) {
	ctx := simContext([]domain.OrderBookSnapshotState{
		snapshot(simHour, "99", "100", "50", "10"),
	}, nil)
	result := NewSimulator().SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideBuy, RequestedQty: canon.MustDecimal("10"), AttemptTsUTC: simHour,
	})
	assert.True(t, result.FilledQty.Equal(canon.MustDecimal("10")))
}

func TestSimulateAttemptMostRecentSnapshotWins(t *testing.T) {
	ctx := simContext([]domain.OrderBookSnapshotState{
		snapshot(simHour, "99", "100", "50", "50"),
		snapshot(simHour.Add(2*time.Minute), "101", "102", "50", "50"),
		snapshot(simHour.Add(30*time.Minute), "200", "201", "50", "50"), // after the attempt
	}, nil)
	result := NewSimulator().SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideBuy, RequestedQty: canon.MustDecimal("1"), AttemptTsUTC: simHour.Add(3 * time.Minute),
	})
	require.NotNil(t, result.FillPrice)
	assert.True(t, result.FillPrice.Equal(canon.MustDecimal("102")))
}

func TestSimulateAttemptFallsBackToOhlcvClose(t *testing.T) {
	ctx := simContext(nil, []domain.OhlcvState{{
		AssetID:    1,
		HourTsUTC:  simHour,
		ClosePrice: canon.MustDecimal("123.45"),
	}})
	result := NewSimulator().SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideBuy, RequestedQty: canon.MustDecimal("4"), AttemptTsUTC: simHour,
	})
	require.NotNil(t, result.FillPrice)
	assert.True(t, result.FillPrice.Equal(canon.MustDecimal("123.45")))
	assert.True(t, result.FilledQty.Equal(canon.MustDecimal("4")))
	assert.Equal(t, domain.LiquidityUnknown, result.LiquidityFlag)
	assert.Equal(t, domain.PriceSourceOhlcvClose, result.PriceSource)
}

func TestSimulateAttemptUnavailable(t *testing.T) {
	result := NewSimulator().SimulateAttempt(simContext(nil, nil), AttemptRequest{
		AssetID: 1, Side: domain.SideSell, RequestedQty: canon.MustDecimal("4"), AttemptTsUTC: simHour,
	})
	assert.Nil(t, result.FillPrice)
	assert.Nil(t, result.ReferencePrice)
	assert.True(t, result.FilledQty.IsZero())
	assert.Equal(t, domain.PriceSourceUnavailable, result.PriceSource)
}

func TestSimulateAttemptNegativeSizeClampedToZero(t *testing.T) {
	ctx := simContext([]domain.OrderBookSnapshotState{
		snapshot(simHour, "99", "100", "50", "-5"),
	}, nil)
	result := NewSimulator().SimulateAttempt(ctx, AttemptRequest{
		AssetID: 1, Side: domain.SideBuy, RequestedQty: canon.MustDecimal("10"), AttemptTsUTC: simHour,
	})
	assert.True(t, result.FilledQty.IsZero())
}
