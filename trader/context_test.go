package trader_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/domain"
	"ChronoLedger/testutil"
	"ChronoLedger/trader"
)

func TestContextBuilderLoadsValidFixture(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "ctx_ok"})
	require.NoError(t, err)

	ctx, err := trader.NewContextBuilder(db).Build(
		fixture.RunID, fixture.AccountID, domain.RunModeLive, fixture.HourTsUTC)
	require.NoError(t, err)

	assert.Equal(t, fixture.RunID, ctx.RunContext.RunID)
	assert.Equal(t, fixture.AccountID, ctx.RunContext.AccountID)
	require.Len(t, ctx.Predictions, 1)
	require.Len(t, ctx.Regimes, 1)
	require.Len(t, ctx.ClusterStates, 1)
	require.Len(t, ctx.Memberships, 1)
	assert.Equal(t, fixture.ClusterMembershipID, ctx.Memberships[0].MembershipID)
	require.Len(t, ctx.AssetPrecisions, 1)
	require.Len(t, ctx.VolatilityFeatures, 1)
	assert.Nil(t, ctx.PriorEconomicState)
	assert.Equal(t, testutil.RunSeedHash, ctx.RunContext.RunSeedHash)
}

func TestContextBuilderMissingRunContext(t *testing.T) {
	db := openTestDB(t)
	_, err := trader.NewContextBuilder(db).Build(
		testutil.DeterministicUUID("ctx-missing"), 1, domain.RunModeLive,
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInputMissing))
}

func TestContextBuilderRejectsTierMismatch(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "ctx_tier"})
	require.NoError(t, err)

	// A second hour with an inconsistent tier: inserted directly because the
	// fixture derives the tier correctly.
	otherHour := fixture.HourTsUTC.Add(time.Hour)
	otherRun := testutil.DeterministicUUID("ctx-tier-run")
	require.NoError(t, db.Execute(`
		INSERT INTO run_context (
			run_id, account_id, run_mode, hour_ts_utc, origin_hour_ts_utc,
			run_seed_hash, context_hash, replay_root_hash
		) VALUES (:run_id, :account_id, 'LIVE', :hour, :hour, :seed, :ctx, '')`,
		map[string]any{
			"run_id":     otherRun,
			"account_id": fixture.AccountID,
			"hour":       otherHour,
			"seed":       testutil.RunSeedHash,
			"ctx":        testutil.ContextHash,
		}))
	require.NoError(t, db.Execute(`
		INSERT INTO portfolio_hourly_state (
			run_mode, account_id, hour_ts_utc, source_run_id, cash_balance,
			market_value, portfolio_value, total_exposure_pct, open_position_count,
			halted, row_hash
		) VALUES ('LIVE', :account_id, :hour, :run_id, '10000.000000000000000000',
			'0.000000000000000000', '10000.000000000000000000', '0.0100000000', 1, 0, :row_hash)`,
		map[string]any{
			"account_id": fixture.AccountID,
			"hour":       otherHour,
			"run_id":     otherRun,
			"row_hash":   testutil.CapitalRowHash,
		}))
	require.NoError(t, db.Execute(`
		INSERT INTO risk_hourly_state (
			run_mode, account_id, hour_ts_utc, source_run_id, portfolio_value,
			peak_portfolio_value, drawdown_pct, drawdown_tier, base_risk_fraction,
			max_concurrent_positions, max_total_exposure_pct, max_cluster_exposure_pct,
			halt_new_entries, kill_switch_active, kill_switch_reason,
			requires_manual_review, state_hash, row_hash
		) VALUES ('LIVE', :account_id, :hour, :run_id, '10000.000000000000000000',
			'10000.000000000000000000', '0.1700000000', 'NORMAL', '0.0200000000', 10,
			'0.2000000000', '0.0800000000', 0, 0, NULL, 0, :state_hash, :row_hash)`,
		map[string]any{
			"account_id": fixture.AccountID,
			"hour":       otherHour,
			"run_id":     otherRun,
			"state_hash": testutil.ClusterStateHash,
			"row_hash":   testutil.RiskRowHash,
		}))
	require.NoError(t, db.Execute(`
		INSERT INTO model_prediction (
			run_id, account_id, run_mode, asset_id, hour_ts_utc, horizon,
			model_version_id, prob_up, expected_return, upstream_hash, row_hash,
			training_window_id, lineage_backtest_run_id, lineage_fold_index,
			lineage_horizon, activation_id
		) VALUES (:run_id, :account_id, 'LIVE', :asset_id, :hour, 'H1',
			:model_version_id, '0.6500000000', '0.020000000000000000', :upstream, :row_hash,
			NULL, NULL, NULL, NULL, :activation_id)`,
		map[string]any{
			"run_id":           otherRun,
			"account_id":       fixture.AccountID,
			"asset_id":         fixture.AssetID,
			"hour":             otherHour,
			"model_version_id": fixture.ModelVersionID,
			"upstream":         testutil.RegimeRowHash,
			"row_hash":         testutil.RegimeRowHash,
			"activation_id":    nil,
		}))

	require.NoError(t, db.Execute(`
		INSERT INTO regime_output (
			run_id, account_id, run_mode, asset_id, hour_ts_utc, model_version_id,
			regime_label, upstream_hash, row_hash, training_window_id,
			lineage_backtest_run_id, lineage_fold_index, lineage_horizon, activation_id
		) VALUES (:run_id, :account_id, 'LIVE', :asset_id, :hour, :model_version_id,
			'TRENDING', :upstream, :row_hash, NULL, NULL, NULL, NULL, NULL)`,
		map[string]any{
			"run_id":           otherRun,
			"account_id":       fixture.AccountID,
			"asset_id":         fixture.AssetID,
			"hour":             otherHour,
			"model_version_id": fixture.ModelVersionID,
			"upstream":         testutil.RegimeRowHash,
			"row_hash":         testutil.RegimeRowHash,
		}))

	_, err = trader.NewContextBuilder(db).Build(otherRun, fixture.AccountID, domain.RunModeLive, otherHour)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInvariantViolation))
	assert.Contains(t, err.Error(), "drawdown_tier")
}

func TestContextBuilderClusterLineageConsistent(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "ctx_lineage"})
	require.NoError(t, err)

	ctx, err := trader.NewContextBuilder(db).Build(
		fixture.RunID, fixture.AccountID, domain.RunModeLive, fixture.HourTsUTC)
	require.NoError(t, err)
	assert.Equal(t, ctx.RiskState.RowHash, ctx.ClusterStates[0].ParentRiskHash)
}
