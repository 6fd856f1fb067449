package trader_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/canon"
	"ChronoLedger/decision"
	"ChronoLedger/domain"
	"ChronoLedger/store"
	"ChronoLedger/testutil"
	"ChronoLedger/trader"
)

func openTestDB(t *testing.T) *store.SQLiteDB {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func buildFixtureContext(t *testing.T, db *store.SQLiteDB, opts testutil.FixtureOpts) (*domain.ExecutionContext, testutil.FixtureIDs) {
	t.Helper()
	fixture, err := testutil.InsertRuntimeFixture(db, opts)
	require.NoError(t, err)
	ctx, err := trader.NewContextBuilder(db).Build(fixture.RunID, fixture.AccountID, domain.RunModeLive, fixture.HourTsUTC)
	require.NoError(t, err)
	return ctx, fixture
}

func TestDeriveSlippageRate(t *testing.T) {
	// 0xaaaaaaaa = 2863311530; mod 1000 = 530 basis units of 1e-6.
	rate, err := trader.DeriveSlippageRate(strings.Repeat("a", 64))
	require.NoError(t, err)
	assert.Equal(t, "0.000530", rate.StringFixed(6))

	_, err = trader.DeriveSlippageRate("short")
	assert.Error(t, err)
	_, err = trader.DeriveSlippageRate("zzzzzzzz"+strings.Repeat("0", 56))
	assert.Error(t, err)
}

func TestBuildTradeSignalRowIsDeterministic(t *testing.T) {
	db := openTestDB(t)
	ctx, _ := buildFixtureContext(t, db, testutil.FixtureOpts{Seed: "writer_sig"})
	writer := trader.NewWriter(db)

	prediction := &ctx.Predictions[0]
	regime := ctx.FindRegime(prediction.AssetID, prediction.ModelVersionID)
	require.NotNil(t, regime)

	result := decision.Deterministic(prediction.RowHash, regime.RowHash,
		ctx.CapitalState.RowHash, ctx.RiskState.RowHash, "c")

	first, err := writer.BuildTradeSignalRow(ctx, prediction, regime, result, "")
	require.NoError(t, err)
	second, err := writer.BuildTradeSignalRow(ctx, prediction, regime, result, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first.RowHash, 64)
	assert.Equal(t, ctx.RunContext.AccountID, first.AccountID)

	// An action override changes identity and hash.
	held, err := writer.BuildTradeSignalRow(ctx, prediction, regime, result, domain.ActionHold)
	require.NoError(t, err)
	if first.Action != domain.ActionHold {
		assert.NotEqual(t, first.SignalID, held.SignalID)
		assert.NotEqual(t, first.RowHash, held.RowHash)
	}
}

func TestBuildOrderRequestAttemptRowClientOrderID(t *testing.T) {
	db := openTestDB(t)
	ctx, _ := buildFixtureContext(t, db, testutil.FixtureOpts{Seed: "writer_ord"})
	writer := trader.NewWriter(db)

	prediction := &ctx.Predictions[0]
	regime := ctx.FindRegime(prediction.AssetID, prediction.ModelVersionID)
	result := decision.Deterministic(prediction.RowHash, regime.RowHash,
		ctx.CapitalState.RowHash, ctx.RiskState.RowHash, "c")
	signal, err := writer.BuildTradeSignalRow(ctx, prediction, regime, result, "")
	require.NoError(t, err)

	order := writer.BuildOrderRequestAttemptRow(ctx, &signal, domain.SideBuy,
		ctx.RunContext.OriginHourTsUTC, canon.MustDecimal("10"), canon.MustDecimal("10"),
		domain.OrderStatusFilled, 0)

	assert.True(t, strings.HasPrefix(order.ClientOrderID, "det-"))
	assert.Len(t, order.ClientOrderID, 28)
	assert.Equal(t, canon.HexUUID(order.OrderID)[:24], order.ClientOrderID[4:])
	assert.Equal(t, signal.RowHash, order.ParentSignalHash)

	// Attempt sequence is part of the identity.
	second := writer.BuildOrderRequestAttemptRow(ctx, &signal, domain.SideBuy,
		ctx.RunContext.OriginHourTsUTC, canon.MustDecimal("10"), canon.MustDecimal("10"),
		domain.OrderStatusFilled, 1)
	assert.NotEqual(t, order.OrderID, second.OrderID)
}

func TestBuildRiskEventRowDedupKey(t *testing.T) {
	db := openTestDB(t)
	ctx, _ := buildFixtureContext(t, db, testutil.FixtureOpts{Seed: "writer_evt"})
	writer := trader.NewWriter(db)

	first := writer.BuildRiskEventRow(ctx, "RISK_GATE", "HIGH", "HALT_NEW_ENTRIES_ACTIVE", "halted", nil)
	second := writer.BuildRiskEventRow(ctx, "RISK_GATE", "HIGH", "HALT_NEW_ENTRIES_ACTIVE", "halted", nil)
	assert.Equal(t, first.RiskEventID, second.RiskEventID)
	assert.Equal(t, first.RowHash, second.RowHash)

	other := writer.BuildRiskEventRow(ctx, "RISK_GATE", "HIGH", "HALT_NEW_ENTRIES_ACTIVE", "different detail", nil)
	assert.NotEqual(t, first.RiskEventID, other.RiskEventID)
	assert.Equal(t, ctx.RiskState.RowHash, first.ParentStateHash)
	assert.Contains(t, first.Details, `"detail":"halted"`)
}

func TestAssertLedgerContinuity(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "ledger_chain"})
	require.NoError(t, err)
	writer := trader.NewWriter(db)

	// Empty ledger is trivially continuous.
	require.NoError(t, writer.AssertLedgerContinuity(fixture.AccountID, domain.RunModeLive))

	insertLedger := func(seq int64, before, delta, after string, prev any, ledgerHash string) error {
		return db.Execute(`
			INSERT INTO cash_ledger (
				run_id, run_mode, account_id, event_ts_utc, hour_ts_utc, event_type,
				ref_type, ref_id, delta_cash, balance_before, balance_after, ledger_seq,
				prev_ledger_hash, economic_event_hash, ledger_hash, origin_hour_ts_utc, row_hash
			) VALUES (
				:run_id, 'LIVE', :account_id, :event_ts, :hour, 'TRADE_BUY',
				'ORDER_FILL', :ref_id, :delta, :before, :after, :seq,
				:prev, :econ, :ledger_hash, :hour, :row_hash
			)`,
			map[string]any{
				"run_id":      fixture.RunID,
				"account_id":  fixture.AccountID,
				"event_ts":    fixture.HourTsUTC,
				"hour":        fixture.HourTsUTC,
				"ref_id":      testutil.DeterministicUUID("ledger-ref-" + ledgerHash),
				"delta":       delta,
				"before":      before,
				"after":       after,
				"seq":         seq,
				"prev":        prev,
				"econ":        strings.Repeat("e", 64),
				"ledger_hash": ledgerHash,
				"row_hash":    strings.Repeat("f", 64),
			})
	}

	hash1 := strings.Repeat("1", 64)
	require.NoError(t, insertLedger(1,
		"10000.000000000000000000", "-100.000000000000000000", "9900.000000000000000000",
		nil, hash1))
	require.NoError(t, writer.AssertLedgerContinuity(fixture.AccountID, domain.RunModeLive))

	// Second row breaks both the balance carry-forward and the hash chain.
	require.NoError(t, insertLedger(2,
		"9000.000000000000000000", "-100.000000000000000000", "8900.000000000000000000",
		strings.Repeat("9", 64), strings.Repeat("2", 64)))

	err = writer.AssertLedgerContinuity(fixture.AccountID, domain.RunModeLive)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrLedgerContinuityBroken))
}

func TestAssertLedgerContinuityBalanceArithmetic(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "ledger_arith"})
	require.NoError(t, err)
	writer := trader.NewWriter(db)

	// balance_after != balance_before + delta_cash
	require.NoError(t, db.Execute(`
		INSERT INTO cash_ledger (
			run_id, run_mode, account_id, event_ts_utc, hour_ts_utc, event_type,
			ref_type, ref_id, delta_cash, balance_before, balance_after, ledger_seq,
			prev_ledger_hash, economic_event_hash, ledger_hash, origin_hour_ts_utc, row_hash
		) VALUES (
			:run_id, 'LIVE', :account_id, :hour, :hour, 'TRADE_BUY',
			'ORDER_FILL', :ref_id, '-100.000000000000000000',
			'10000.000000000000000000', '9850.000000000000000000', 1,
			NULL, :econ, :ledger_hash, :hour, :row_hash
		)`,
		map[string]any{
			"run_id":      fixture.RunID,
			"account_id":  fixture.AccountID,
			"hour":        fixture.HourTsUTC,
			"ref_id":      testutil.DeterministicUUID("ledger-arith"),
			"econ":        strings.Repeat("e", 64),
			"ledger_hash": strings.Repeat("3", 64),
			"row_hash":    strings.Repeat("f", 64),
		}))

	err = writer.AssertLedgerContinuity(fixture.AccountID, domain.RunModeLive)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrLedgerContinuityBroken))
}
