// Package trader orchestrates one deterministic hour: it builds and
// validates the execution context, plans and writes the append-only output
// rows, and replays previously executed hours for bit-exact comparison.
package trader

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"ChronoLedger/domain"
	"ChronoLedger/store"
)

// ContextBuilder loads and cross-validates the full deterministic input
// context for one (run, account, mode, hour) key. Every load is ordered
// canonically so downstream identity derivation is reproducible.
type ContextBuilder struct {
	db store.Querier
}

// NewContextBuilder wraps a read-capable substrate.
func NewContextBuilder(db store.Querier) *ContextBuilder {
	return &ContextBuilder{db: db}
}

// Build assembles and validates the execution context. Any missing or
// inconsistent input aborts with a typed error and no writes.
func (b *ContextBuilder) Build(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) (*domain.ExecutionContext, error) {
	runCtx, err := b.loadRunContext(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	predictions, err := b.loadPredictions(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	regimes, err := b.loadRegimes(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	riskState, err := b.loadRiskState(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	capitalState, err := b.loadCapitalState(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	clusterStates, err := b.loadClusterStates(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	priorState, err := b.loadPriorEconomicState(accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	trainingWindows, err := b.loadTrainingWindows(predictions, regimes)
	if err != nil {
		return nil, err
	}
	activations, err := b.loadActivationRecords(predictions, regimes)
	if err != nil {
		return nil, err
	}
	memberships, err := b.loadMemberships(predictions, hourTsUTC)
	if err != nil {
		return nil, err
	}
	costProfile, err := b.loadCostProfile(hourTsUTC)
	if err != nil {
		return nil, err
	}
	riskProfile, err := b.loadRiskProfile(accountID, hourTsUTC)
	if err != nil {
		return nil, err
	}
	volatilityFeatures, err := b.loadVolatilityFeatures(runID, runMode, hourTsUTC, predictions, riskProfile.VolatilityFeatureID)
	if err != nil {
		return nil, err
	}
	positions, err := b.loadPositions(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return nil, err
	}
	assetPrecisions, err := b.loadAssetPrecisions(predictions)
	if err != nil {
		return nil, err
	}
	orderBookSnapshots, err := b.loadOrderBookSnapshots(predictions, hourTsUTC)
	if err != nil {
		return nil, err
	}
	ohlcvRows, err := b.loadOhlcvRows(predictions, hourTsUTC)
	if err != nil {
		return nil, err
	}
	existingFills, err := b.loadExistingOrderFills(runID, accountID, runMode)
	if err != nil {
		return nil, err
	}
	existingLots, err := b.loadExistingPositionLots(runID, accountID, runMode)
	if err != nil {
		return nil, err
	}
	existingTrades, err := b.loadExistingExecutedTrades(runID, accountID, runMode)
	if err != nil {
		return nil, err
	}

	ctx := &domain.ExecutionContext{
		RunContext:             runCtx,
		Predictions:            predictions,
		Regimes:                regimes,
		RiskState:              riskState,
		CapitalState:           capitalState,
		ClusterStates:          clusterStates,
		PriorEconomicState:     priorState,
		TrainingWindows:        trainingWindows,
		ActivationRecords:      activations,
		Memberships:            memberships,
		CostProfile:            costProfile,
		RiskProfile:            riskProfile,
		VolatilityFeatures:     volatilityFeatures,
		Positions:              positions,
		AssetPrecisions:        assetPrecisions,
		OrderBookSnapshots:     orderBookSnapshots,
		OhlcvRows:              ohlcvRows,
		ExistingOrderFills:     existingFills,
		ExistingPositionLots:   existingLots,
		ExistingExecutedTrades: existingTrades,
	}
	if err := b.validate(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (b *ContextBuilder) validate(ctx *domain.ExecutionContext) error {
	if len(ctx.Predictions) == 0 {
		return domain.Abort(domain.ErrInputMissing, "no model_prediction rows available for execution hour")
	}
	if len(ctx.Regimes) == 0 {
		return domain.Abort(domain.ErrInputMissing, "no regime_output rows available for execution hour")
	}

	runID := ctx.RunContext.RunID
	accountID := ctx.RunContext.AccountID
	runMode := ctx.RunContext.RunMode

	if ctx.RiskState.SourceRunID != runID {
		return domain.Abort(domain.ErrLineageMismatch, "risk state source_run_id mismatch")
	}
	if ctx.CapitalState.SourceRunID != runID {
		return domain.Abort(domain.ErrLineageMismatch, "capital state source_run_id mismatch")
	}
	if ctx.RiskState.AccountID != accountID || ctx.CapitalState.AccountID != accountID {
		return domain.Abort(domain.ErrInvariantViolation, "cross-account contamination on risk/capital state")
	}

	if !ctx.CapitalState.PortfolioValue.Equal(ctx.CapitalState.CashBalance.Add(ctx.CapitalState.MarketValue)) {
		return domain.Abort(domain.ErrInvariantViolation,
			"portfolio_value does not reconcile to cash_balance + market_value")
	}
	if ctx.RiskState.PeakPortfolioValue.LessThan(ctx.RiskState.PortfolioValue) {
		return domain.Abort(domain.ErrInvariantViolation,
			"peak_portfolio_value below portfolio_value")
	}
	if ctx.RiskState.DrawdownTier != domain.TierForDrawdown(ctx.RiskState.DrawdownPct) {
		return domain.Abort(domain.ErrInvariantViolation,
			"drawdown_tier inconsistent with drawdown_pct")
	}

	for _, cluster := range ctx.ClusterStates {
		if cluster.AccountID != accountID {
			return domain.Abort(domain.ErrInvariantViolation, "cross-account contamination in cluster_exposure_hourly_state")
		}
		if cluster.ParentRiskHash != ctx.RiskState.RowHash {
			return domain.Abort(domain.ErrLineageMismatch, "cluster parent_risk_hash lineage mismatch")
		}
	}

	for i := range ctx.Predictions {
		prediction := &ctx.Predictions[i]
		if prediction.AccountID != accountID || prediction.RunID != runID {
			return domain.Abort(domain.ErrInvariantViolation, "cross-account contamination in model_prediction")
		}
		if prediction.RunMode != runMode {
			return domain.Abort(domain.ErrLineageMismatch, "model_prediction run_mode mismatch")
		}
		if err := b.validatePredictionLineage(prediction, ctx); err != nil {
			return err
		}
	}

	for i := range ctx.Regimes {
		regime := &ctx.Regimes[i]
		if regime.AccountID != accountID || regime.RunID != runID {
			return domain.Abort(domain.ErrInvariantViolation, "cross-account contamination in regime_output")
		}
		if regime.RunMode != runMode {
			return domain.Abort(domain.ErrLineageMismatch, "regime_output run_mode mismatch")
		}
		if err := b.validateRegimeLineage(regime, ctx); err != nil {
			return err
		}
	}

	for i := range ctx.Predictions {
		prediction := &ctx.Predictions[i]
		if ctx.FindRegime(prediction.AssetID, prediction.ModelVersionID) == nil {
			return domain.Abort(domain.ErrInputMissing,
				"missing regime_output for asset_id=%d model_version_id=%d",
				prediction.AssetID, prediction.ModelVersionID)
		}
		if ctx.FindMembership(prediction.AssetID) == nil {
			return domain.Abort(domain.ErrInputMissing,
				"missing asset_cluster_membership for asset_id=%d at hour", prediction.AssetID)
		}
		if ctx.FindAssetPrecision(prediction.AssetID) == nil {
			return domain.Abort(domain.ErrInputMissing,
				"missing asset precision metadata for asset_id=%d", prediction.AssetID)
		}
	}

	if ctx.PriorEconomicState != nil && ctx.PriorEconomicState.LedgerSeq > 1 {
		if ctx.PriorEconomicState.PrevLedgerHash == nil || *ctx.PriorEconomicState.PrevLedgerHash == "" {
			return domain.Abort(domain.ErrLedgerContinuityBroken, "prior economic state has broken ledger hash continuity")
		}
	}

	switch ctx.RiskProfile.TotalExposureMode {
	case domain.ExposurePercentOfPV, domain.ExposureAbsoluteAmount:
	default:
		return domain.Abort(domain.ErrInvariantViolation, "unsupported total_exposure_mode in risk_profile")
	}
	switch ctx.RiskProfile.ClusterExposureMode {
	case domain.ExposurePercentOfPV, domain.ExposureAbsoluteAmount:
	default:
		return domain.Abort(domain.ErrInvariantViolation, "unsupported cluster_exposure_mode in risk_profile")
	}
	if ctx.RiskProfile.SignalPersistenceRequired < 1 {
		return domain.Abort(domain.ErrInvariantViolation, "risk_profile signal_persistence_required must be >= 1")
	}
	if ctx.RiskProfile.VolatilityScaleFloor.GreaterThan(ctx.RiskProfile.VolatilityScaleCeiling) {
		return domain.Abort(domain.ErrInvariantViolation, "risk_profile volatility scale floor/ceiling invalid")
	}

	for _, feature := range ctx.VolatilityFeatures {
		if feature.FeatureID != ctx.RiskProfile.VolatilityFeatureID {
			return domain.Abort(domain.ErrLineageMismatch, "configured volatility_feature_id mismatch in feature_snapshot")
		}
	}

	for _, lot := range ctx.ExistingPositionLots {
		if ctx.FindExistingFill(lot.OpenFillID) == nil {
			return domain.Abort(domain.ErrInputMissing,
				"position_lot open_fill_id=%s missing matching order_fill row", lot.OpenFillID)
		}
	}
	return nil
}

func (b *ContextBuilder) validatePredictionLineage(prediction *domain.PredictionState, ctx *domain.ExecutionContext) error {
	if ctx.RunContext.RunMode == domain.RunModeBacktest {
		if prediction.TrainingWindowID == nil {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction missing training_window_id")
		}
		window := ctx.FindTrainingWindow(*prediction.TrainingWindowID)
		if window == nil {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction training window not found")
		}
		if prediction.LineageBacktestRunID == nil || *prediction.LineageBacktestRunID != window.BacktestRunID {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction lineage_backtest_run_id mismatch")
		}
		if prediction.LineageFoldIndex == nil || *prediction.LineageFoldIndex != window.FoldIndex {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction lineage_fold_index mismatch")
		}
		if prediction.LineageHorizon == nil || *prediction.LineageHorizon != window.Horizon {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction lineage_horizon mismatch")
		}
		if prediction.ModelVersionID != window.ModelVersionID {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction model_version_id mismatch in lineage")
		}
		// No-forward-leakage guard.
		if !prediction.HourTsUTC.After(window.TrainEndUTC) {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction leaks into training period")
		}
		if prediction.HourTsUTC.Before(window.ValidStartUTC) {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction before validation window")
		}
		if !prediction.HourTsUTC.Before(window.ValidEndUTC) {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction after validation window")
		}
		if prediction.ActivationID != nil {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST prediction must not carry activation_id")
		}
		return nil
	}

	if prediction.ActivationID == nil {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER prediction missing activation_id")
	}
	activation := ctx.FindActivation(*prediction.ActivationID)
	if activation == nil {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER prediction activation record missing")
	}
	// Status and validation-window policy belong to the activation gate,
	// which converts breaches into risk events instead of aborting the hour.
	if activation.ModelVersionID != prediction.ModelVersionID {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER prediction activation model_version mismatch")
	}
	if activation.RunMode != ctx.RunContext.RunMode {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER prediction activation run_mode mismatch")
	}
	return nil
}

func (b *ContextBuilder) validateRegimeLineage(regime *domain.RegimeState, ctx *domain.ExecutionContext) error {
	if ctx.RunContext.RunMode == domain.RunModeBacktest {
		if regime.TrainingWindowID == nil {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output missing training_window_id")
		}
		window := ctx.FindTrainingWindow(*regime.TrainingWindowID)
		if window == nil {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output training window not found")
		}
		if regime.LineageBacktestRunID == nil || *regime.LineageBacktestRunID != window.BacktestRunID {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output lineage_backtest_run_id mismatch")
		}
		if regime.LineageFoldIndex == nil || *regime.LineageFoldIndex != window.FoldIndex {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output lineage_fold_index mismatch")
		}
		if regime.LineageHorizon == nil || *regime.LineageHorizon != window.Horizon {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output lineage_horizon mismatch")
		}
		if regime.ModelVersionID != window.ModelVersionID {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output model_version_id mismatch in lineage")
		}
		if !regime.HourTsUTC.After(window.TrainEndUTC) {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output leaks into training period")
		}
		if regime.HourTsUTC.Before(window.ValidStartUTC) {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output before validation window")
		}
		if !regime.HourTsUTC.Before(window.ValidEndUTC) {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output after validation window")
		}
		if regime.ActivationID != nil {
			return domain.Abort(domain.ErrLineageMismatch, "BACKTEST regime_output must not carry activation_id")
		}
		return nil
	}

	if regime.ActivationID == nil {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER regime_output missing activation_id")
	}
	activation := ctx.FindActivation(*regime.ActivationID)
	if activation == nil {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER regime_output activation record missing")
	}
	if activation.ModelVersionID != regime.ModelVersionID {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER regime_output activation model_version mismatch")
	}
	if activation.RunMode != ctx.RunContext.RunMode {
		return domain.Abort(domain.ErrActivationRejected, "LIVE/PAPER regime_output activation run_mode mismatch")
	}
	return nil
}

func (b *ContextBuilder) loadRunContext(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) (domain.RunContextState, error) {
	row, err := b.db.FetchOne(`
		SELECT run_id, account_id, run_mode, hour_ts_utc, origin_hour_ts_utc,
		       run_seed_hash, context_hash, replay_root_hash
		FROM run_context
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND run_mode = :run_mode
		  AND origin_hour_ts_utc = :hour_ts_utc`,
		map[string]any{
			"run_id":      runID,
			"account_id":  accountID,
			"run_mode":    runMode,
			"hour_ts_utc": hourTsUTC,
		})
	if err != nil {
		return domain.RunContextState{}, err
	}
	if row == nil {
		return domain.RunContextState{}, domain.Abort(domain.ErrInputMissing,
			"run_context row not found for deterministic execution key")
	}
	id, err := row.UUID("run_id")
	if err != nil {
		return domain.RunContextState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.run_id")
	}
	hour, err := row.Time("hour_ts_utc")
	if err != nil {
		return domain.RunContextState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.hour_ts_utc")
	}
	origin, err := row.Time("origin_hour_ts_utc")
	if err != nil {
		return domain.RunContextState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.origin_hour_ts_utc")
	}
	return domain.RunContextState{
		RunID:           id,
		AccountID:       row.Int64("account_id"),
		RunMode:         domain.RunMode(row.String("run_mode")),
		HourTsUTC:       hour,
		OriginHourTsUTC: origin,
		RunSeedHash:     row.String("run_seed_hash"),
		ContextHash:     row.String("context_hash"),
		ReplayRootHash:  row.String("replay_root_hash"),
	}, nil
}

func (b *ContextBuilder) loadPredictions(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) ([]domain.PredictionState, error) {
	rows, err := b.db.FetchAll(`
		SELECT run_id, account_id, run_mode, asset_id, hour_ts_utc, horizon,
		       model_version_id, prob_up, expected_return, upstream_hash, row_hash,
		       training_window_id, lineage_backtest_run_id, lineage_fold_index,
		       lineage_horizon, activation_id
		FROM model_prediction
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND run_mode = :run_mode
		  AND hour_ts_utc = :hour_ts_utc
		ORDER BY asset_id ASC, horizon ASC, model_version_id ASC, row_hash ASC`,
		map[string]any{
			"run_id":      runID,
			"account_id":  accountID,
			"run_mode":    runMode,
			"hour_ts_utc": hourTsUTC,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.PredictionState, 0, len(rows))
	for _, row := range rows {
		id, err := row.UUID("run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_prediction.run_id")
		}
		hour, err := row.Time("hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_prediction.hour_ts_utc")
		}
		probUp, err := row.Decimal("prob_up")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_prediction.prob_up")
		}
		expectedReturn, err := row.Decimal("expected_return")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_prediction.expected_return")
		}
		lineageRunID, err := row.NullUUID("lineage_backtest_run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_prediction.lineage_backtest_run_id")
		}
		var lineageHorizon *domain.Horizon
		if s := row.NullString("lineage_horizon"); s != nil {
			h := domain.Horizon(*s)
			lineageHorizon = &h
		}
		result = append(result, domain.PredictionState{
			RunID:                id,
			AccountID:            row.Int64("account_id"),
			RunMode:              domain.RunMode(row.String("run_mode")),
			AssetID:              row.Int64("asset_id"),
			HourTsUTC:            hour,
			Horizon:              domain.Horizon(row.String("horizon")),
			ModelVersionID:       row.Int64("model_version_id"),
			ProbUp:               probUp,
			ExpectedReturn:       expectedReturn,
			UpstreamHash:         row.String("upstream_hash"),
			RowHash:              row.String("row_hash"),
			TrainingWindowID:     row.NullInt64("training_window_id"),
			LineageBacktestRunID: lineageRunID,
			LineageFoldIndex:     row.NullInt64("lineage_fold_index"),
			LineageHorizon:       lineageHorizon,
			ActivationID:         row.NullInt64("activation_id"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadRegimes(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) ([]domain.RegimeState, error) {
	rows, err := b.db.FetchAll(`
		SELECT run_id, account_id, run_mode, asset_id, hour_ts_utc, model_version_id,
		       regime_label, upstream_hash, row_hash,
		       training_window_id, lineage_backtest_run_id, lineage_fold_index,
		       lineage_horizon, activation_id
		FROM regime_output
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND run_mode = :run_mode
		  AND hour_ts_utc = :hour_ts_utc
		ORDER BY asset_id ASC, model_version_id ASC, row_hash ASC`,
		map[string]any{
			"run_id":      runID,
			"account_id":  accountID,
			"run_mode":    runMode,
			"hour_ts_utc": hourTsUTC,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.RegimeState, 0, len(rows))
	for _, row := range rows {
		id, err := row.UUID("run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "regime_output.run_id")
		}
		hour, err := row.Time("hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "regime_output.hour_ts_utc")
		}
		lineageRunID, err := row.NullUUID("lineage_backtest_run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "regime_output.lineage_backtest_run_id")
		}
		var lineageHorizon *domain.Horizon
		if s := row.NullString("lineage_horizon"); s != nil {
			h := domain.Horizon(*s)
			lineageHorizon = &h
		}
		result = append(result, domain.RegimeState{
			RunID:                id,
			AccountID:            row.Int64("account_id"),
			RunMode:              domain.RunMode(row.String("run_mode")),
			AssetID:              row.Int64("asset_id"),
			HourTsUTC:            hour,
			ModelVersionID:       row.Int64("model_version_id"),
			RegimeLabel:          row.String("regime_label"),
			UpstreamHash:         row.String("upstream_hash"),
			RowHash:              row.String("row_hash"),
			TrainingWindowID:     row.NullInt64("training_window_id"),
			LineageBacktestRunID: lineageRunID,
			LineageFoldIndex:     row.NullInt64("lineage_fold_index"),
			LineageHorizon:       lineageHorizon,
			ActivationID:         row.NullInt64("activation_id"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadRiskState(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) (domain.RiskState, error) {
	row, err := b.db.FetchOne(`
		SELECT run_mode, account_id, hour_ts_utc, source_run_id, portfolio_value,
		       peak_portfolio_value, drawdown_pct, drawdown_tier, base_risk_fraction,
		       max_concurrent_positions, max_total_exposure_pct, max_cluster_exposure_pct,
		       halt_new_entries, kill_switch_active, kill_switch_reason, state_hash, row_hash
		FROM risk_hourly_state
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND hour_ts_utc = :hour_ts_utc
		  AND source_run_id = :source_run_id`,
		map[string]any{
			"run_mode":      runMode,
			"account_id":    accountID,
			"hour_ts_utc":   hourTsUTC,
			"source_run_id": runID,
		})
	if err != nil {
		return domain.RiskState{}, err
	}
	if row == nil {
		return domain.RiskState{}, domain.Abort(domain.ErrInputMissing,
			"risk_hourly_state row not found for execution key")
	}
	hour, err := row.Time("hour_ts_utc")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.hour_ts_utc")
	}
	sourceRunID, err := row.UUID("source_run_id")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.source_run_id")
	}
	portfolioValue, err := row.Decimal("portfolio_value")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.portfolio_value")
	}
	peakValue, err := row.Decimal("peak_portfolio_value")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.peak_portfolio_value")
	}
	drawdownPct, err := row.Decimal("drawdown_pct")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.drawdown_pct")
	}
	baseRiskFraction, err := row.Decimal("base_risk_fraction")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.base_risk_fraction")
	}
	maxTotalExposurePct, err := row.Decimal("max_total_exposure_pct")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.max_total_exposure_pct")
	}
	maxClusterExposurePct, err := row.Decimal("max_cluster_exposure_pct")
	if err != nil {
		return domain.RiskState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_hourly_state.max_cluster_exposure_pct")
	}
	return domain.RiskState{
		RunMode:                domain.RunMode(row.String("run_mode")),
		AccountID:              row.Int64("account_id"),
		HourTsUTC:              hour,
		SourceRunID:            sourceRunID,
		PortfolioValue:         portfolioValue,
		PeakPortfolioValue:     peakValue,
		DrawdownPct:            drawdownPct,
		DrawdownTier:           domain.DrawdownTier(row.String("drawdown_tier")),
		BaseRiskFraction:       baseRiskFraction,
		MaxConcurrentPositions: row.Int64("max_concurrent_positions"),
		MaxTotalExposurePct:    maxTotalExposurePct,
		MaxClusterExposurePct:  maxClusterExposurePct,
		HaltNewEntries:         row.Bool("halt_new_entries"),
		KillSwitchActive:       row.Bool("kill_switch_active"),
		KillSwitchReason:       row.String("kill_switch_reason"),
		StateHash:              row.String("state_hash"),
		RowHash:                row.String("row_hash"),
	}, nil
}

func (b *ContextBuilder) loadCapitalState(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) (domain.CapitalState, error) {
	row, err := b.db.FetchOne(`
		SELECT run_mode, account_id, hour_ts_utc, source_run_id, cash_balance,
		       market_value, portfolio_value, total_exposure_pct, open_position_count,
		       halted, row_hash
		FROM portfolio_hourly_state
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND hour_ts_utc = :hour_ts_utc
		  AND source_run_id = :source_run_id`,
		map[string]any{
			"run_mode":      runMode,
			"account_id":    accountID,
			"hour_ts_utc":   hourTsUTC,
			"source_run_id": runID,
		})
	if err != nil {
		return domain.CapitalState{}, err
	}
	if row == nil {
		return domain.CapitalState{}, domain.Abort(domain.ErrInputMissing,
			"portfolio_hourly_state row not found for execution key")
	}
	hour, err := row.Time("hour_ts_utc")
	if err != nil {
		return domain.CapitalState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "portfolio_hourly_state.hour_ts_utc")
	}
	sourceRunID, err := row.UUID("source_run_id")
	if err != nil {
		return domain.CapitalState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "portfolio_hourly_state.source_run_id")
	}
	cashBalance, err := row.Decimal("cash_balance")
	if err != nil {
		return domain.CapitalState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "portfolio_hourly_state.cash_balance")
	}
	marketValue, err := row.Decimal("market_value")
	if err != nil {
		return domain.CapitalState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "portfolio_hourly_state.market_value")
	}
	portfolioValue, err := row.Decimal("portfolio_value")
	if err != nil {
		return domain.CapitalState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "portfolio_hourly_state.portfolio_value")
	}
	totalExposurePct, err := row.Decimal("total_exposure_pct")
	if err != nil {
		return domain.CapitalState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "portfolio_hourly_state.total_exposure_pct")
	}
	return domain.CapitalState{
		RunMode:           domain.RunMode(row.String("run_mode")),
		AccountID:         row.Int64("account_id"),
		HourTsUTC:         hour,
		SourceRunID:       sourceRunID,
		CashBalance:       cashBalance,
		MarketValue:       marketValue,
		PortfolioValue:    portfolioValue,
		TotalExposurePct:  totalExposurePct,
		OpenPositionCount: row.Int64("open_position_count"),
		Halted:            row.Bool("halted"),
		RowHash:           row.String("row_hash"),
	}, nil
}

func (b *ContextBuilder) loadClusterStates(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) ([]domain.ClusterState, error) {
	rows, err := b.db.FetchAll(`
		SELECT run_mode, account_id, cluster_id, hour_ts_utc, source_run_id,
		       exposure_pct, max_cluster_exposure_pct, state_hash, parent_risk_hash, row_hash
		FROM cluster_exposure_hourly_state
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND hour_ts_utc = :hour_ts_utc
		  AND source_run_id = :source_run_id
		ORDER BY cluster_id ASC`,
		map[string]any{
			"run_mode":      runMode,
			"account_id":    accountID,
			"hour_ts_utc":   hourTsUTC,
			"source_run_id": runID,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.ClusterState, 0, len(rows))
	for _, row := range rows {
		hour, err := row.Time("hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cluster_exposure_hourly_state.hour_ts_utc")
		}
		sourceRunID, err := row.UUID("source_run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cluster_exposure_hourly_state.source_run_id")
		}
		exposurePct, err := row.Decimal("exposure_pct")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cluster_exposure_hourly_state.exposure_pct")
		}
		maxClusterExposurePct, err := row.Decimal("max_cluster_exposure_pct")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cluster_exposure_hourly_state.max_cluster_exposure_pct")
		}
		result = append(result, domain.ClusterState{
			RunMode:               domain.RunMode(row.String("run_mode")),
			AccountID:             row.Int64("account_id"),
			ClusterID:             row.Int64("cluster_id"),
			HourTsUTC:             hour,
			SourceRunID:           sourceRunID,
			ExposurePct:           exposurePct,
			MaxClusterExposurePct: maxClusterExposurePct,
			StateHash:             row.String("state_hash"),
			ParentRiskHash:        row.String("parent_risk_hash"),
			RowHash:               row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadPriorEconomicState(
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) (*domain.PriorEconomicState, error) {
	row, err := b.db.FetchOne(`
		SELECT ledger_seq, balance_before, balance_after, prev_ledger_hash, ledger_hash,
		       row_hash, event_ts_utc
		FROM cash_ledger
		WHERE account_id = :account_id
		  AND run_mode = :run_mode
		  AND event_ts_utc < :hour_ts_utc
		ORDER BY ledger_seq DESC
		LIMIT 1`,
		map[string]any{
			"account_id":  accountID,
			"run_mode":    runMode,
			"hour_ts_utc": hourTsUTC,
		})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	balanceBefore, err := row.Decimal("balance_before")
	if err != nil {
		return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.balance_before")
	}
	balanceAfter, err := row.Decimal("balance_after")
	if err != nil {
		return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.balance_after")
	}
	eventTs, err := row.Time("event_ts_utc")
	if err != nil {
		return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.event_ts_utc")
	}
	return &domain.PriorEconomicState{
		LedgerSeq:      row.Int64("ledger_seq"),
		BalanceBefore:  balanceBefore,
		BalanceAfter:   balanceAfter,
		PrevLedgerHash: row.NullString("prev_ledger_hash"),
		LedgerHash:     row.String("ledger_hash"),
		RowHash:        row.String("row_hash"),
		EventTsUTC:     eventTs,
	}, nil
}

func (b *ContextBuilder) loadTrainingWindows(
	predictions []domain.PredictionState,
	regimes []domain.RegimeState,
) ([]domain.TrainingWindowState, error) {
	ids := collectIDs(
		func(yield func(*int64)) {
			for i := range predictions {
				yield(predictions[i].TrainingWindowID)
			}
			for i := range regimes {
				yield(regimes[i].TrainingWindowID)
			}
		})

	result := make([]domain.TrainingWindowState, 0, len(ids))
	for _, windowID := range ids {
		row, err := b.db.FetchOne(`
			SELECT training_window_id, backtest_run_id, model_version_id, fold_index, horizon,
			       train_end_utc, valid_start_utc, valid_end_utc, training_window_hash, row_hash
			FROM model_training_window
			WHERE training_window_id = :training_window_id`,
			map[string]any{"training_window_id": windowID})
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, domain.Abort(domain.ErrInputMissing, "training_window_id=%d not found", windowID)
		}
		backtestRunID, err := row.UUID("backtest_run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_training_window.backtest_run_id")
		}
		trainEnd, err := row.Time("train_end_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_training_window.train_end_utc")
		}
		validStart, err := row.Time("valid_start_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_training_window.valid_start_utc")
		}
		validEnd, err := row.Time("valid_end_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_training_window.valid_end_utc")
		}
		result = append(result, domain.TrainingWindowState{
			TrainingWindowID:   row.Int64("training_window_id"),
			BacktestRunID:      backtestRunID,
			ModelVersionID:     row.Int64("model_version_id"),
			FoldIndex:          row.Int64("fold_index"),
			Horizon:            domain.Horizon(row.String("horizon")),
			TrainEndUTC:        trainEnd,
			ValidStartUTC:      validStart,
			ValidEndUTC:        validEnd,
			TrainingWindowHash: row.String("training_window_hash"),
			RowHash:            row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadActivationRecords(
	predictions []domain.PredictionState,
	regimes []domain.RegimeState,
) ([]domain.ActivationRecord, error) {
	ids := collectIDs(
		func(yield func(*int64)) {
			for i := range predictions {
				yield(predictions[i].ActivationID)
			}
			for i := range regimes {
				yield(regimes[i].ActivationID)
			}
		})

	result := make([]domain.ActivationRecord, 0, len(ids))
	for _, activationID := range ids {
		row, err := b.db.FetchOne(`
			SELECT activation_id, model_version_id, run_mode, validation_window_end_utc,
			       status, approval_hash
			FROM model_activation_gate
			WHERE activation_id = :activation_id`,
			map[string]any{"activation_id": activationID})
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, domain.Abort(domain.ErrInputMissing, "activation_id=%d not found", activationID)
		}
		windowEnd, err := row.Time("validation_window_end_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "model_activation_gate.validation_window_end_utc")
		}
		result = append(result, domain.ActivationRecord{
			ActivationID:           row.Int64("activation_id"),
			ModelVersionID:         row.Int64("model_version_id"),
			RunMode:                domain.RunMode(row.String("run_mode")),
			ValidationWindowEndUTC: windowEnd,
			Status:                 domain.ActivationStatus(row.String("status")),
			ApprovalHash:           row.String("approval_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadMemberships(
	predictions []domain.PredictionState,
	hourTsUTC time.Time,
) ([]domain.ClusterMembershipState, error) {
	assetIDs := sortedAssetIDs(predictions)
	if len(assetIDs) == 0 {
		return nil, nil
	}

	rows, err := b.db.FetchAll(`
		SELECT membership_id, asset_id, cluster_id, membership_hash, effective_from_utc
		FROM asset_cluster_membership
		WHERE effective_from_utc <= :hour_ts_utc
		  AND (effective_to_utc IS NULL OR effective_to_utc > :hour_ts_utc)
		ORDER BY asset_id ASC, effective_from_utc DESC, membership_id DESC`,
		map[string]any{"hour_ts_utc": hourTsUTC})
	if err != nil {
		return nil, err
	}

	wanted := make(map[int64]bool, len(assetIDs))
	for _, id := range assetIDs {
		wanted[id] = true
	}
	selected := make(map[int64]domain.ClusterMembershipState)
	for _, row := range rows {
		assetID := row.Int64("asset_id")
		if !wanted[assetID] {
			continue
		}
		if _, seen := selected[assetID]; seen {
			continue
		}
		selected[assetID] = domain.ClusterMembershipState{
			MembershipID:   row.Int64("membership_id"),
			AssetID:        assetID,
			ClusterID:      row.Int64("cluster_id"),
			MembershipHash: row.String("membership_hash"),
		}
	}

	ordered := make([]domain.ClusterMembershipState, 0, len(selected))
	for _, assetID := range assetIDs {
		if membership, ok := selected[assetID]; ok {
			ordered = append(ordered, membership)
		}
	}
	return ordered, nil
}

func (b *ContextBuilder) loadCostProfile(hourTsUTC time.Time) (domain.CostProfileState, error) {
	row, err := b.db.FetchOne(`
		SELECT cost_profile_id, fee_rate, slippage_param_hash
		FROM cost_profile
		WHERE venue = 'KRAKEN'
		  AND is_active = 1
		  AND effective_from_utc <= :hour_ts_utc
		  AND (effective_to_utc IS NULL OR effective_to_utc > :hour_ts_utc)
		ORDER BY effective_from_utc DESC, cost_profile_id DESC
		LIMIT 1`,
		map[string]any{"hour_ts_utc": hourTsUTC})
	if err != nil {
		return domain.CostProfileState{}, err
	}
	if row == nil {
		return domain.CostProfileState{}, domain.Abort(domain.ErrInputMissing,
			"no active KRAKEN cost_profile for execution hour")
	}
	feeRate, err := row.Decimal("fee_rate")
	if err != nil {
		return domain.CostProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cost_profile.fee_rate")
	}
	return domain.CostProfileState{
		CostProfileID:     row.Int64("cost_profile_id"),
		FeeRate:           feeRate,
		SlippageParamHash: row.String("slippage_param_hash"),
	}, nil
}

func (b *ContextBuilder) loadRiskProfile(accountID int64, hourTsUTC time.Time) (domain.RiskProfileState, error) {
	rows, err := b.db.FetchAll(`
		SELECT a.assignment_id, p.profile_version, p.total_exposure_mode,
		       p.max_total_exposure_pct, p.max_total_exposure_amount,
		       p.cluster_exposure_mode, p.max_cluster_exposure_pct,
		       p.max_cluster_exposure_amount, p.max_concurrent_positions,
		       p.severe_loss_drawdown_trigger, p.volatility_feature_id,
		       p.volatility_target, p.volatility_scale_floor, p.volatility_scale_ceiling,
		       p.hold_min_expected_return, p.exit_expected_return_threshold,
		       p.recovery_hold_prob_up_threshold, p.recovery_exit_prob_up_threshold,
		       p.derisk_fraction, p.signal_persistence_required, p.row_hash
		FROM account_risk_profile_assignment a
		JOIN risk_profile p ON p.profile_version = a.profile_version
		WHERE a.account_id = :account_id
		  AND a.effective_from_utc <= :hour_ts_utc
		  AND (a.effective_to_utc IS NULL OR a.effective_to_utc > :hour_ts_utc)
		ORDER BY a.effective_from_utc DESC, a.assignment_id DESC`,
		map[string]any{"account_id": accountID, "hour_ts_utc": hourTsUTC})
	if err != nil {
		return domain.RiskProfileState{}, err
	}
	if len(rows) == 0 {
		return domain.RiskProfileState{}, domain.Abort(domain.ErrInputMissing,
			"no active risk_profile assignment for execution hour")
	}
	if len(rows) > 1 {
		return domain.RiskProfileState{}, domain.Abort(domain.ErrInvariantViolation,
			"multiple active risk_profile assignments for execution hour")
	}

	row := rows[0]
	maxTotalPct, err := row.NullDecimal("max_total_exposure_pct")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.max_total_exposure_pct")
	}
	maxTotalAmount, err := row.NullDecimal("max_total_exposure_amount")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.max_total_exposure_amount")
	}
	maxClusterPct, err := row.NullDecimal("max_cluster_exposure_pct")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.max_cluster_exposure_pct")
	}
	maxClusterAmount, err := row.NullDecimal("max_cluster_exposure_amount")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.max_cluster_exposure_amount")
	}
	severeLossTrigger, err := row.Decimal("severe_loss_drawdown_trigger")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.severe_loss_drawdown_trigger")
	}
	volatilityTarget, err := row.Decimal("volatility_target")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.volatility_target")
	}
	scaleFloor, err := row.Decimal("volatility_scale_floor")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.volatility_scale_floor")
	}
	scaleCeiling, err := row.Decimal("volatility_scale_ceiling")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.volatility_scale_ceiling")
	}
	holdMin, err := row.Decimal("hold_min_expected_return")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.hold_min_expected_return")
	}
	exitThresh, err := row.Decimal("exit_expected_return_threshold")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.exit_expected_return_threshold")
	}
	recoveryHold, err := row.Decimal("recovery_hold_prob_up_threshold")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.recovery_hold_prob_up_threshold")
	}
	recoveryExit, err := row.Decimal("recovery_exit_prob_up_threshold")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.recovery_exit_prob_up_threshold")
	}
	deriskFraction, err := row.Decimal("derisk_fraction")
	if err != nil {
		return domain.RiskProfileState{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "risk_profile.derisk_fraction")
	}
	return domain.RiskProfileState{
		ProfileVersion:            row.String("profile_version"),
		TotalExposureMode:         domain.ExposureMode(row.String("total_exposure_mode")),
		MaxTotalExposurePct:       maxTotalPct,
		MaxTotalExposureAmount:    maxTotalAmount,
		ClusterExposureMode:       domain.ExposureMode(row.String("cluster_exposure_mode")),
		MaxClusterExposurePct:     maxClusterPct,
		MaxClusterExposureAmount:  maxClusterAmount,
		MaxConcurrentPositions:    row.Int64("max_concurrent_positions"),
		SevereLossDrawdownTrigger: severeLossTrigger,
		VolatilityFeatureID:       row.Int64("volatility_feature_id"),
		VolatilityTarget:          volatilityTarget,
		VolatilityScaleFloor:      scaleFloor,
		VolatilityScaleCeiling:    scaleCeiling,
		HoldMinExpectedReturn:     holdMin,
		ExitExpectedReturnThresh:  exitThresh,
		RecoveryHoldProbUpThresh:  recoveryHold,
		RecoveryExitProbUpThresh:  recoveryExit,
		DeriskFraction:            deriskFraction,
		SignalPersistenceRequired: row.Int64("signal_persistence_required"),
		RowHash:                   row.String("row_hash"),
	}, nil
}

func (b *ContextBuilder) loadVolatilityFeatures(
	runID uuid.UUID,
	runMode domain.RunMode,
	hourTsUTC time.Time,
	predictions []domain.PredictionState,
	volatilityFeatureID int64,
) ([]domain.VolatilityFeatureState, error) {
	rows, err := b.db.FetchAll(`
		SELECT asset_id, feature_id, feature_value, row_hash
		FROM feature_snapshot
		WHERE run_id = :run_id
		  AND run_mode = :run_mode
		  AND hour_ts_utc = :hour_ts_utc
		  AND feature_id = :feature_id
		ORDER BY asset_id ASC`,
		map[string]any{
			"run_id":      runID,
			"run_mode":    runMode,
			"hour_ts_utc": hourTsUTC,
			"feature_id":  volatilityFeatureID,
		})
	if err != nil {
		return nil, err
	}
	wanted := assetIDSet(predictions)
	result := make([]domain.VolatilityFeatureState, 0, len(rows))
	for _, row := range rows {
		assetID := row.Int64("asset_id")
		if !wanted[assetID] {
			continue
		}
		value, err := row.Decimal("feature_value")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "feature_snapshot.feature_value")
		}
		result = append(result, domain.VolatilityFeatureState{
			AssetID:      assetID,
			FeatureID:    row.Int64("feature_id"),
			FeatureValue: value,
			RowHash:      row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadPositions(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) ([]domain.PositionState, error) {
	rows, err := b.db.FetchAll(`
		SELECT run_mode, account_id, asset_id, hour_ts_utc, source_run_id,
		       quantity, exposure_pct, unrealized_pnl, row_hash
		FROM position_hourly_state
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND hour_ts_utc = :hour_ts_utc
		  AND source_run_id = :source_run_id
		ORDER BY asset_id ASC`,
		map[string]any{
			"run_mode":      runMode,
			"account_id":    accountID,
			"hour_ts_utc":   hourTsUTC,
			"source_run_id": runID,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.PositionState, 0, len(rows))
	for _, row := range rows {
		hour, err := row.Time("hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_hourly_state.hour_ts_utc")
		}
		sourceRunID, err := row.UUID("source_run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_hourly_state.source_run_id")
		}
		quantity, err := row.Decimal("quantity")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_hourly_state.quantity")
		}
		exposurePct, err := row.Decimal("exposure_pct")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_hourly_state.exposure_pct")
		}
		unrealizedPnL, err := row.Decimal("unrealized_pnl")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_hourly_state.unrealized_pnl")
		}
		result = append(result, domain.PositionState{
			RunMode:       domain.RunMode(row.String("run_mode")),
			AccountID:     row.Int64("account_id"),
			AssetID:       row.Int64("asset_id"),
			HourTsUTC:     hour,
			SourceRunID:   sourceRunID,
			Quantity:      quantity,
			ExposurePct:   exposurePct,
			UnrealizedPnL: unrealizedPnL,
			RowHash:       row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadAssetPrecisions(predictions []domain.PredictionState) ([]domain.AssetPrecisionState, error) {
	wanted := assetIDSet(predictions)
	rows, err := b.db.FetchAll(`
		SELECT asset_id, tick_size, lot_size
		FROM asset
		ORDER BY asset_id ASC`,
		map[string]any{})
	if err != nil {
		return nil, err
	}
	result := make([]domain.AssetPrecisionState, 0, len(wanted))
	for _, row := range rows {
		assetID := row.Int64("asset_id")
		if !wanted[assetID] {
			continue
		}
		tickSize, err := row.Decimal("tick_size")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "asset.tick_size")
		}
		lotSize, err := row.Decimal("lot_size")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "asset.lot_size")
		}
		result = append(result, domain.AssetPrecisionState{
			AssetID:  assetID,
			TickSize: tickSize,
			LotSize:  lotSize,
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadOrderBookSnapshots(
	predictions []domain.PredictionState,
	hourTsUTC time.Time,
) ([]domain.OrderBookSnapshotState, error) {
	wanted := assetIDSet(predictions)
	rows, err := b.db.FetchAll(`
		SELECT asset_id, snapshot_ts_utc, hour_ts_utc, best_bid_price, best_ask_price,
		       best_bid_size, best_ask_size, row_hash
		FROM order_book_snapshot
		WHERE hour_ts_utc = :hour_ts_utc
		ORDER BY asset_id ASC, snapshot_ts_utc ASC, row_hash ASC`,
		map[string]any{"hour_ts_utc": hourTsUTC})
	if err != nil {
		return nil, err
	}
	result := make([]domain.OrderBookSnapshotState, 0, len(rows))
	for _, row := range rows {
		assetID := row.Int64("asset_id")
		if !wanted[assetID] {
			continue
		}
		snapshotTs, err := row.Time("snapshot_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_book_snapshot.snapshot_ts_utc")
		}
		hour, err := row.Time("hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_book_snapshot.hour_ts_utc")
		}
		bidPrice, err := row.Decimal("best_bid_price")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_book_snapshot.best_bid_price")
		}
		askPrice, err := row.Decimal("best_ask_price")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_book_snapshot.best_ask_price")
		}
		bidSize, err := row.Decimal("best_bid_size")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_book_snapshot.best_bid_size")
		}
		askSize, err := row.Decimal("best_ask_size")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_book_snapshot.best_ask_size")
		}
		result = append(result, domain.OrderBookSnapshotState{
			AssetID:       assetID,
			SnapshotTsUTC: snapshotTs,
			HourTsUTC:     hour,
			BestBidPrice:  bidPrice,
			BestAskPrice:  askPrice,
			BestBidSize:   bidSize,
			BestAskSize:   askSize,
			RowHash:       row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadOhlcvRows(
	predictions []domain.PredictionState,
	hourTsUTC time.Time,
) ([]domain.OhlcvState, error) {
	wanted := assetIDSet(predictions)
	rows, err := b.db.FetchAll(`
		SELECT asset_id, hour_ts_utc, close_price, row_hash, source_venue
		FROM market_ohlcv_hourly
		WHERE hour_ts_utc = :hour_ts_utc
		ORDER BY asset_id ASC, source_venue ASC, row_hash ASC`,
		map[string]any{"hour_ts_utc": hourTsUTC})
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	result := make([]domain.OhlcvState, 0, len(rows))
	for _, row := range rows {
		assetID := row.Int64("asset_id")
		if !wanted[assetID] || seen[assetID] {
			continue
		}
		seen[assetID] = true
		hour, err := row.Time("hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "market_ohlcv_hourly.hour_ts_utc")
		}
		closePrice, err := row.Decimal("close_price")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "market_ohlcv_hourly.close_price")
		}
		result = append(result, domain.OhlcvState{
			AssetID:    assetID,
			HourTsUTC:  hour,
			ClosePrice: closePrice,
			RowHash:    row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadExistingOrderFills(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
) ([]domain.ExistingOrderFillState, error) {
	rows, err := b.db.FetchAll(`
		SELECT fill_id, order_id, run_id, run_mode, account_id, asset_id, fill_ts_utc,
		       fill_price, fill_qty, fill_notional, fee_paid, realized_slippage_rate,
		       slippage_cost, row_hash
		FROM order_fill
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND run_mode = :run_mode
		ORDER BY fill_ts_utc ASC, fill_id ASC`,
		map[string]any{
			"run_id":     runID,
			"account_id": accountID,
			"run_mode":   runMode,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.ExistingOrderFillState, 0, len(rows))
	for _, row := range rows {
		fillID, err := row.UUID("fill_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.fill_id")
		}
		orderID, err := row.UUID("order_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.order_id")
		}
		id, err := row.UUID("run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.run_id")
		}
		fillTs, err := row.Time("fill_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.fill_ts_utc")
		}
		fillPrice, err := row.Decimal("fill_price")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.fill_price")
		}
		fillQty, err := row.Decimal("fill_qty")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.fill_qty")
		}
		fillNotional, err := row.Decimal("fill_notional")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.fill_notional")
		}
		feePaid, err := row.Decimal("fee_paid")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.fee_paid")
		}
		slippageRate, err := row.Decimal("realized_slippage_rate")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.realized_slippage_rate")
		}
		slippageCost, err := row.Decimal("slippage_cost")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "order_fill.slippage_cost")
		}
		result = append(result, domain.ExistingOrderFillState{
			FillID:               fillID,
			OrderID:              orderID,
			RunID:                id,
			RunMode:              domain.RunMode(row.String("run_mode")),
			AccountID:            row.Int64("account_id"),
			AssetID:              row.Int64("asset_id"),
			FillTsUTC:            fillTs,
			FillPrice:            fillPrice,
			FillQty:              fillQty,
			FillNotional:         fillNotional,
			FeePaid:              feePaid,
			RealizedSlippageRate: slippageRate,
			SlippageCost:         slippageCost,
			RowHash:              row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadExistingPositionLots(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
) ([]domain.ExistingPositionLotState, error) {
	rows, err := b.db.FetchAll(`
		SELECT lot_id, open_fill_id, run_id, run_mode, account_id, asset_id, open_ts_utc,
		       open_price, open_qty, open_fee, remaining_qty, row_hash
		FROM position_lot
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND run_mode = :run_mode
		ORDER BY open_ts_utc ASC, lot_id ASC`,
		map[string]any{
			"run_id":     runID,
			"account_id": accountID,
			"run_mode":   runMode,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.ExistingPositionLotState, 0, len(rows))
	for _, row := range rows {
		lotID, err := row.UUID("lot_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.lot_id")
		}
		openFillID, err := row.UUID("open_fill_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.open_fill_id")
		}
		id, err := row.UUID("run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.run_id")
		}
		openTs, err := row.Time("open_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.open_ts_utc")
		}
		openPrice, err := row.Decimal("open_price")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.open_price")
		}
		openQty, err := row.Decimal("open_qty")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.open_qty")
		}
		openFee, err := row.Decimal("open_fee")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.open_fee")
		}
		remainingQty, err := row.Decimal("remaining_qty")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "position_lot.remaining_qty")
		}
		result = append(result, domain.ExistingPositionLotState{
			LotID:        lotID,
			OpenFillID:   openFillID,
			RunID:        id,
			RunMode:      domain.RunMode(row.String("run_mode")),
			AccountID:    row.Int64("account_id"),
			AssetID:      row.Int64("asset_id"),
			OpenTsUTC:    openTs,
			OpenPrice:    openPrice,
			OpenQty:      openQty,
			OpenFee:      openFee,
			RemainingQty: remainingQty,
			RowHash:      row.String("row_hash"),
		})
	}
	return result, nil
}

func (b *ContextBuilder) loadExistingExecutedTrades(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
) ([]domain.ExistingExecutedTradeState, error) {
	rows, err := b.db.FetchAll(`
		SELECT trade_id, lot_id, run_id, run_mode, account_id, asset_id, quantity, row_hash
		FROM executed_trade
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND run_mode = :run_mode
		ORDER BY exit_ts_utc ASC, trade_id ASC`,
		map[string]any{
			"run_id":     runID,
			"account_id": accountID,
			"run_mode":   runMode,
		})
	if err != nil {
		return nil, err
	}
	result := make([]domain.ExistingExecutedTradeState, 0, len(rows))
	for _, row := range rows {
		tradeID, err := row.UUID("trade_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "executed_trade.trade_id")
		}
		lotID, err := row.UUID("lot_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "executed_trade.lot_id")
		}
		id, err := row.UUID("run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "executed_trade.run_id")
		}
		quantity, err := row.Decimal("quantity")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "executed_trade.quantity")
		}
		result = append(result, domain.ExistingExecutedTradeState{
			TradeID:   tradeID,
			LotID:     lotID,
			RunID:     id,
			RunMode:   domain.RunMode(row.String("run_mode")),
			AccountID: row.Int64("account_id"),
			AssetID:   row.Int64("asset_id"),
			Quantity:  quantity,
			RowHash:   row.String("row_hash"),
		})
	}
	return result, nil
}

// collectIDs gathers distinct non-nil ids in ascending order.
func collectIDs(visit func(yield func(*int64))) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	visit(func(id *int64) {
		if id == nil || seen[*id] {
			return
		}
		seen[*id] = true
		ids = append(ids, *id)
	})
	slices.Sort(ids)
	return ids
}

func sortedAssetIDs(predictions []domain.PredictionState) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for i := range predictions {
		if !seen[predictions[i].AssetID] {
			seen[predictions[i].AssetID] = true
			ids = append(ids, predictions[i].AssetID)
		}
	}
	slices.Sort(ids)
	return ids
}

func assetIDSet(predictions []domain.PredictionState) map[int64]bool {
	set := make(map[int64]bool, len(predictions))
	for i := range predictions {
		set[predictions[i].AssetID] = true
	}
	return set
}

