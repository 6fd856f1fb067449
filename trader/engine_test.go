package trader_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/decision"
	"ChronoLedger/domain"
	"ChronoLedger/replay"
	"ChronoLedger/store"
	"ChronoLedger/testutil"
	"ChronoLedger/trader"
)

// enterHash yields an ENTER decision with a sizable fraction under the
// fixture's fixed upstream hashes, so entry gates have something to bite on.
func enterHash() string {
	return testutil.PredictionHashMatching(func(r decision.Result) bool {
		return r.Action == domain.ActionEnter &&
			r.PositionSizeFraction.GreaterThan(decimal.RequireFromString("0.0011"))
	})
}

func executeFixtureHour(t *testing.T, db *store.SQLiteDB, fixture testutil.FixtureIDs) trader.WriteResult {
	t.Helper()
	result, err := trader.NewEngine(db).ExecuteHour(
		fixture.RunID, fixture.AccountID, domain.RunModeLive, fixture.HourTsUTC)
	require.NoError(t, err)
	return result
}

func reasonCodesOf(events []trader.RiskEventRow) []string {
	codes := make([]string, 0, len(events))
	for i := range events {
		codes = append(codes, events[i].ReasonCode)
	}
	return codes
}

func nonTraceEvents(events []trader.RiskEventRow) []trader.RiskEventRow {
	var out []trader.RiskEventRow
	for i := range events {
		if events[i].EventType != "DECISION_TRACE" {
			out = append(out, events[i])
		}
	}
	return out
}

func assertManifestParity(t *testing.T, db *store.SQLiteDB, fixture testutil.FixtureIDs) {
	t.Helper()
	report, err := replay.ManifestParity(db, fixture.RunID, fixture.AccountID, fixture.HourTsUTC)
	require.NoError(t, err)
	assert.True(t, report.ReplayParity, "parity failures: %+v", report.Failures)
}

func TestExecuteHourHappyEnter(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "happy_enter",
		PredictionRowHash: enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	require.Len(t, result.TradeSignals, 1)
	assert.Equal(t, domain.ActionEnter, result.TradeSignals[0].Action)
	assert.Equal(t, domain.DirectionLong, result.TradeSignals[0].Direction)

	require.Len(t, result.OrderRequests, 1)
	assert.Equal(t, domain.OrderStatusFilled, result.OrderRequests[0].Status)
	assert.Equal(t, domain.SideBuy, result.OrderRequests[0].Side)

	require.Len(t, result.OrderFills, 1)
	require.Len(t, result.PositionLots, 1)
	assert.Empty(t, result.ExecutedTrades)
	require.Len(t, result.CashLedger, 1)
	assert.Equal(t, int64(1), result.CashLedger[0].LedgerSeq)
	assert.Nil(t, result.CashLedger[0].PrevLedgerHash)

	// The only risk event is the decision trace.
	assert.Empty(t, nonTraceEvents(result.RiskEvents))
	require.Len(t, result.RiskEvents, 1)
	assert.Equal(t, "VOLATILITY_SIZED", result.RiskEvents[0].ReasonCode)

	// Parent hash lineage is intact.
	assert.Equal(t, result.TradeSignals[0].RowHash, result.OrderRequests[0].ParentSignalHash)
	assert.Equal(t, result.OrderRequests[0].RowHash, result.OrderFills[0].ParentOrderHash)
	assert.Equal(t, result.OrderFills[0].RowHash, result.PositionLots[0].ParentFillHash)

	report, err := trader.NewEngine(db).ReplayHour(fixture.RunID, fixture.AccountID, fixture.HourTsUTC)
	require.NoError(t, err)
	assert.Zero(t, report.MismatchCount, "mismatches: %+v", report.Mismatches)

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourIsDeterministicAcrossSubstrates(t *testing.T) {
	hash := enterHash()
	run := func() (trader.WriteResult, testutil.FixtureIDs) {
		db := openTestDB(t)
		fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
			Seed:              "determinism",
			PredictionRowHash: hash,
		})
		require.NoError(t, err)
		return executeFixtureHour(t, db, fixture), fixture
	}

	first, _ := run()
	second, _ := run()

	assert.Equal(t, first.ReplayRootHash, second.ReplayRootHash)
	assert.Equal(t, first.RowCount, second.RowCount)
	require.Equal(t, len(first.TradeSignals), len(second.TradeSignals))
	for i := range first.TradeSignals {
		assert.Equal(t, first.TradeSignals[i].RowHash, second.TradeSignals[i].RowHash)
	}
	require.Equal(t, len(first.OrderFills), len(second.OrderFills))
	for i := range first.OrderFills {
		assert.Equal(t, first.OrderFills[i].RowHash, second.OrderFills[i].RowHash)
	}
}

func TestExecuteHourActivationRevoked(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "activation_revoked",
		ActivationStatus:  domain.ActivationRevoked,
		PredictionRowHash: enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	require.Len(t, result.TradeSignals, 1)
	assert.Equal(t, domain.ActionHold, result.TradeSignals[0].Action)
	assert.Empty(t, result.OrderRequests)
	assert.Contains(t, reasonCodesOf(result.RiskEvents), "ACTIVATION_NOT_APPROVED")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourActivationWindowNotReached(t *testing.T) {
	db := openTestDB(t)
	windowEnd := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:                   "activation_window",
		ActivationWindowEndUTC: &windowEnd,
		PredictionRowHash:      enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	assert.Empty(t, result.OrderRequests)
	assert.Contains(t, reasonCodesOf(result.RiskEvents), "ACTIVATION_WINDOW_NOT_REACHED")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourClusterCapExceeded(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:               "cluster_cap",
		ClusterExposurePct: "0.0790000000",
		PredictionRowHash:  enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	assert.Empty(t, result.OrderRequests)
	assert.Contains(t, reasonCodesOf(result.RiskEvents), "CLUSTER_CAP_EXCEEDED")
	require.Len(t, result.TradeSignals, 1)
	assert.Equal(t, domain.ActionHold, result.TradeSignals[0].Action)

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourEntryHaltActive(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "entry_halt",
		HaltNewEntries:    true,
		PredictionRowHash: enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	assert.Empty(t, result.OrderRequests)
	assert.Contains(t, reasonCodesOf(result.RiskEvents), "HALT_NEW_ENTRIES_ACTIVE")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourSevereRecoveryDeriskSell(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "derisk_sell",
		DrawdownPct:       "0.1700000000",
		SevereLossTrigger: "0.1500000000",
		ProbUp:            "0.5000000000",
		PositionQty:       "1.000000000000000000",
		PredictionRowHash: testutil.PredictionHashFor(domain.ActionHold),
	})
	require.NoError(t, err)

	_, err = testutil.PreloadOpenLot(db, fixture, "derisk_sell", "1.000000000000000000", "100.000000000000000000")
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	require.Len(t, result.OrderRequests, 1)
	assert.Equal(t, domain.SideSell, result.OrderRequests[0].Side)
	assert.Equal(t, "0.500000000000000000", result.OrderRequests[0].RequestedQty.StringFixed(18))
	assert.Equal(t, domain.OrderStatusFilled, result.OrderRequests[0].Status)

	require.Len(t, result.OrderFills, 1)
	require.Len(t, result.ExecutedTrades, 1)
	assert.Equal(t, "0.500000000000000000", result.ExecutedTrades[0].Quantity.StringFixed(18))

	codes := reasonCodesOf(result.RiskEvents)
	assert.Contains(t, codes, "SEVERE_RECOVERY_DERISK_ORDER_EMITTED")
	assert.Contains(t, codes, "SEVERE_RECOVERY_DERISK_INTENT")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourQtyBelowLotSize(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "lot_floor",
		LotSize:           "1000.000000000000000000",
		PredictionRowHash: enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	assert.Empty(t, result.OrderRequests)
	assert.Empty(t, result.OrderFills)
	assert.Contains(t, reasonCodesOf(result.RiskEvents), "ORDER_QTY_BELOW_LOT_SIZE")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourNoPriceSources(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "no_price",
		OmitOrderBook:     true,
		OmitOhlcv:         true,
		PredictionRowHash: enterHash(),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	// Four deterministic attempts, all cancelled, no fills.
	require.Len(t, result.OrderRequests, 4)
	for i := range result.OrderRequests {
		assert.Equal(t, domain.OrderStatusCancelled, result.OrderRequests[i].Status)
		assert.Equal(t, int64(i), result.OrderRequests[i].AttemptSeq)
	}
	assert.Empty(t, result.OrderFills)

	codes := reasonCodesOf(result.RiskEvents)
	assert.Contains(t, codes, "ORDER_PRICE_UNAVAILABLE")
	assert.Contains(t, codes, "ORDER_RETRY_EXHAUSTED")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourPartialThenFilled(t *testing.T) {
	hash := testutil.PredictionHashMatching(func(r decision.Result) bool {
		return r.Action == domain.ActionEnter &&
			r.PositionSizeFraction.GreaterThan(decimal.RequireFromString("0.011")) &&
			r.PositionSizeFraction.LessThan(decimal.RequireFromString("0.019"))
	})

	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "partial_fill",
		PredictionRowHash: hash,
		// Requested qty lands in (110, 190); the book only shows 100.
		OrderBookAskSize: "100.000000000000000000",
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	require.Len(t, result.OrderRequests, 2)
	assert.Equal(t, domain.OrderStatusPartial, result.OrderRequests[0].Status)
	assert.Equal(t, domain.OrderStatusFilled, result.OrderRequests[1].Status)
	require.Len(t, result.OrderFills, 2)
	require.Len(t, result.PositionLots, 2)
	require.Len(t, result.CashLedger, 2)

	// Ledger chains across the two fills.
	assert.Equal(t, result.CashLedger[0].LedgerHash, *result.CashLedger[1].PrevLedgerHash)
	assert.True(t, result.CashLedger[1].BalanceBefore.Equal(result.CashLedger[0].BalanceAfter))

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourSellWithNoInventory(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "no_inventory",
		PositionQty:       "0.000000000000000000",
		PredictionRowHash: testutil.PredictionHashFor(domain.ActionExit),
	})
	require.NoError(t, err)

	result := executeFixtureHour(t, db, fixture)

	assert.Empty(t, result.OrderRequests)
	assert.Contains(t, reasonCodesOf(result.RiskEvents), "NO_INVENTORY_FOR_SELL")

	assertManifestParity(t, db, fixture)
}

func TestExecuteHourMissingRunContextAborts(t *testing.T) {
	db := openTestDB(t)
	_, err := trader.NewEngine(db).ExecuteHour(
		testutil.DeterministicUUID("missing-run"), 1, domain.RunModeLive,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInputMissing))
}

func TestReplayHourDetectsDivergence(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{
		Seed:              "replay_diverge",
		PredictionRowHash: enterHash(),
	})
	require.NoError(t, err)
	executeFixtureHour(t, db, fixture)

	// A foreign stored row that the plan does not derive shows up as a
	// presence mismatch.
	_, err = testutil.PreloadOpenLot(db, fixture, "replay_diverge", "1.000000000000000000", "100.000000000000000000")
	require.NoError(t, err)

	report, err := trader.NewEngine(db).ReplayHour(fixture.RunID, fixture.AccountID, fixture.HourTsUTC)
	require.NoError(t, err)
	assert.Greater(t, report.MismatchCount, 0)
}
