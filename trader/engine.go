package trader

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ChronoLedger/canon"
	"ChronoLedger/decision"
	"ChronoLedger/domain"
	"ChronoLedger/logger"
	"ChronoLedger/market"
	"ChronoLedger/metrics"
	"ChronoLedger/replay"
	"ChronoLedger/risk"
	"ChronoLedger/store"
)

// Cumulative retry backoff in minutes, yielding attempts at +0/+1/+3/+7
// from the hour origin.
var retryBackoffMinutes = []int{1, 2, 4}

// Mismatch is one replay difference for a stored row.
type Mismatch struct {
	TableName string
	Key       string
	FieldName string
	Expected  string
	Actual    string
}

// Report is the replay outcome for one previously executed hour.
type Report struct {
	MismatchCount int
	Mismatches    []Mismatch
}

type orderIntent struct {
	side              domain.OrderSide
	requestedQty      decimal.Decimal
	requestedNotional decimal.Decimal
	sourceReasonCode  string
}

type lotView struct {
	lotID                 uuid.UUID
	assetID               int64
	openTsUTC             time.Time
	openPrice             decimal.Decimal
	openQty               decimal.Decimal
	openFee               decimal.Decimal
	openSlippageCost      decimal.Decimal
	parentLotHash         string
	historicalConsumedQty decimal.Decimal
}

// Engine runs deterministic hour execution and replay against a substrate.
type Engine struct {
	db store.Database
}

// NewEngine wraps a substrate for execution and replay.
func NewEngine(db store.Database) *Engine {
	return &Engine{db: db}
}

// ExecuteHour runs one (run, account, mode, hour) key inside a single
// transaction: context build, artifact planning, append-only writes, ledger
// continuity checks, hash-DAG recomputation, manifest insert, and the
// one-shot run_context root seal. Any error rolls everything back.
func (e *Engine) ExecuteHour(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	hourTsUTC time.Time,
) (result WriteResult, err error) {
	log := logger.With("engine")
	if err := e.db.Begin(); err != nil {
		return WriteResult{}, err
	}
	defer func() {
		if err != nil {
			_ = e.db.Rollback()
		}
	}()

	builder := NewContextBuilder(e.db)
	ctx, err := builder.Build(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return WriteResult{}, err
	}
	writer := NewWriter(e.db)

	if err = writer.AssertLedgerContinuity(ctx.RunContext.AccountID, ctx.RunContext.RunMode); err != nil {
		return WriteResult{}, err
	}

	planned, err := planRuntimeArtifacts(ctx, writer)
	if err != nil {
		return WriteResult{}, err
	}

	for i := range planned.TradeSignals {
		if err = writer.InsertTradeSignal(&planned.TradeSignals[i]); err != nil {
			return WriteResult{}, err
		}
	}
	for i := range planned.OrderRequests {
		if err = writer.InsertOrderRequest(&planned.OrderRequests[i]); err != nil {
			return WriteResult{}, err
		}
	}
	for i := range planned.OrderFills {
		if err = writer.InsertOrderFill(&planned.OrderFills[i]); err != nil {
			return WriteResult{}, err
		}
	}
	for i := range planned.PositionLots {
		if err = writer.InsertPositionLot(&planned.PositionLots[i]); err != nil {
			return WriteResult{}, err
		}
	}
	for i := range planned.ExecutedTrades {
		if err = writer.InsertExecutedTrade(&planned.ExecutedTrades[i]); err != nil {
			return WriteResult{}, err
		}
	}
	for i := range planned.CashLedger {
		if err = writer.InsertCashLedger(&planned.CashLedger[i]); err != nil {
			return WriteResult{}, err
		}
	}
	for i := range planned.RiskEvents {
		if err = writer.InsertRiskEvent(&planned.RiskEvents[i]); err != nil {
			return WriteResult{}, err
		}
	}

	if err = writer.AssertLedgerContinuity(ctx.RunContext.AccountID, ctx.RunContext.RunMode); err != nil {
		return WriteResult{}, err
	}

	// Seal the replay root over the in-flight hour and record the manifest
	// inside the same transaction. The DAG reads the rows just written.
	boundary, err := replay.LoadSnapshotBoundary(e.db, runID, accountID, ctx.RunContext.OriginHourTsUTC)
	if err != nil {
		return WriteResult{}, err
	}
	dag, err := replay.RecomputeHashDag(e.db, boundary)
	if err != nil {
		return WriteResult{}, err
	}
	if err = writer.SealRunContextRoot(runID, dag.RootHash); err != nil {
		return WriteResult{}, err
	}
	if err = writer.InsertReplayManifest(
		runID, accountID, ctx.RunContext.RunMode, ctx.RunContext.OriginHourTsUTC,
		ctx.RunContext.RunSeedHash, dag.RootHash, dag.AuthoritativeRowCount,
	); err != nil {
		return WriteResult{}, err
	}

	if err = e.db.Commit(); err != nil {
		return WriteResult{}, err
	}

	planned.ReplayRootHash = dag.RootHash
	planned.RowCount = dag.AuthoritativeRowCount
	metrics.RecordHourExecuted(string(ctx.RunContext.RunMode), &metrics.HourCounts{
		TradeSignals:   len(planned.TradeSignals),
		OrderRequests:  len(planned.OrderRequests),
		OrderFills:     len(planned.OrderFills),
		PositionLots:   len(planned.PositionLots),
		ExecutedTrades: len(planned.ExecutedTrades),
		CashLedger:     len(planned.CashLedger),
		RiskEvents:     len(planned.RiskEvents),
	})
	for i := range planned.RiskEvents {
		metrics.RecordRiskEvent(planned.RiskEvents[i].EventType, planned.RiskEvents[i].ReasonCode)
	}
	log.Info().
		Str("run_id", runID.String()).
		Str("run_mode", string(ctx.RunContext.RunMode)).
		Str("hour_ts_utc", canon.Timestamp(ctx.RunContext.OriginHourTsUTC)).
		Int("signals", len(planned.TradeSignals)).
		Int("orders", len(planned.OrderRequests)).
		Int("fills", len(planned.OrderFills)).
		Str("replay_root_hash", dag.RootHash).
		Msg("hour executed")
	return planned, nil
}

// ReplayHour rebuilds the context, re-derives every expected row, and
// compares against the stored rows. Zero mismatches means the hour replays
// bit-exactly.
func (e *Engine) ReplayHour(
	runID uuid.UUID,
	accountID int64,
	hourTsUTC time.Time,
) (Report, error) {
	runCtxRow, err := e.db.FetchOne(`
		SELECT run_mode
		FROM run_context
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND origin_hour_ts_utc = :hour_ts_utc`,
		map[string]any{
			"run_id":      runID,
			"account_id":  accountID,
			"hour_ts_utc": hourTsUTC,
		})
	if err != nil {
		return Report{}, err
	}
	if runCtxRow == nil {
		return Report{}, domain.Abort(domain.ErrInputMissing, "run_context not found for replay key")
	}
	runMode := domain.RunMode(runCtxRow.String("run_mode"))

	builder := NewContextBuilder(e.db)
	ctx, err := builder.Build(runID, accountID, runMode, hourTsUTC)
	if err != nil {
		return Report{}, err
	}
	writer := NewWriter(e.db)
	expected, err := planRuntimeArtifacts(ctx, writer)
	if err != nil {
		return Report{}, err
	}

	params := map[string]any{
		"run_id":      runID,
		"account_id":  accountID,
		"hour_ts_utc": hourTsUTC,
	}
	var mismatches []Mismatch

	storedSignals, err := e.db.FetchAll(`
		SELECT signal_id, decision_hash, row_hash
		FROM trade_signal
		WHERE run_id = :run_id AND account_id = :account_id AND hour_ts_utc = :hour_ts_utc
		ORDER BY signal_id ASC`, params)
	if err != nil {
		return Report{}, err
	}
	expectedSignals := make(map[string][2]string, len(expected.TradeSignals))
	for i := range expected.TradeSignals {
		signal := &expected.TradeSignals[i]
		expectedSignals[signal.SignalID.String()] = [2]string{signal.DecisionHash, signal.RowHash}
	}
	storedSignalMap := make(map[string][2]string, len(storedSignals))
	for _, row := range storedSignals {
		storedSignalMap[row.String("signal_id")] = [2]string{row.String("decision_hash"), row.String("row_hash")}
	}
	for _, key := range sortedKeys2(expectedSignals, storedSignalMap) {
		expectedRow, inExpected := expectedSignals[key]
		storedRow, inStored := storedSignalMap[key]
		switch {
		case !inExpected:
			mismatches = append(mismatches, Mismatch{"trade_signal", key, "presence", "expected_absent", "stored_present"})
		case !inStored:
			mismatches = append(mismatches, Mismatch{"trade_signal", key, "presence", "expected_present", "stored_absent"})
		default:
			if storedRow[0] != expectedRow[0] {
				mismatches = append(mismatches, Mismatch{"trade_signal", key, "decision_hash", expectedRow[0], storedRow[0]})
			}
			if storedRow[1] != expectedRow[1] {
				mismatches = append(mismatches, Mismatch{"trade_signal", key, "row_hash", expectedRow[1], storedRow[1]})
			}
		}
	}

	compareHashTable := func(table, keyColumn string, expectedHashes map[string]string) error {
		stored, err := e.db.FetchAll(`
			SELECT `+keyColumn+`, row_hash
			FROM `+table+`
			WHERE run_id = :run_id AND account_id = :account_id AND origin_hour_ts_utc = :hour_ts_utc
			ORDER BY `+keyColumn+` ASC`, params)
		if err != nil {
			return err
		}
		storedHashes := make(map[string]string, len(stored))
		for _, row := range stored {
			storedHashes[row.String(keyColumn)] = row.String("row_hash")
		}
		for _, key := range sortedKeys(expectedHashes, storedHashes) {
			expectedHash, inExpected := expectedHashes[key]
			storedHash, inStored := storedHashes[key]
			switch {
			case !inExpected:
				mismatches = append(mismatches, Mismatch{table, key, "presence", "expected_absent", "stored_present"})
			case !inStored:
				mismatches = append(mismatches, Mismatch{table, key, "presence", "expected_present", "stored_absent"})
			case storedHash != expectedHash:
				mismatches = append(mismatches, Mismatch{table, key, "row_hash", expectedHash, storedHash})
			}
		}
		return nil
	}

	expectedOrders := make(map[string]string, len(expected.OrderRequests))
	for i := range expected.OrderRequests {
		expectedOrders[expected.OrderRequests[i].OrderID.String()] = expected.OrderRequests[i].RowHash
	}
	if err := compareHashTable("order_request", "order_id", expectedOrders); err != nil {
		return Report{}, err
	}

	expectedFills := make(map[string]string, len(expected.OrderFills))
	for i := range expected.OrderFills {
		expectedFills[expected.OrderFills[i].FillID.String()] = expected.OrderFills[i].RowHash
	}
	if err := compareHashTable("order_fill", "fill_id", expectedFills); err != nil {
		return Report{}, err
	}

	expectedLots := make(map[string]string, len(expected.PositionLots))
	for i := range expected.PositionLots {
		expectedLots[expected.PositionLots[i].LotID.String()] = expected.PositionLots[i].RowHash
	}
	if err := compareHashTable("position_lot", "lot_id", expectedLots); err != nil {
		return Report{}, err
	}

	expectedTrades := make(map[string]string, len(expected.ExecutedTrades))
	for i := range expected.ExecutedTrades {
		expectedTrades[expected.ExecutedTrades[i].TradeID.String()] = expected.ExecutedTrades[i].RowHash
	}
	if err := compareHashTable("executed_trade", "trade_id", expectedTrades); err != nil {
		return Report{}, err
	}

	expectedLedger := make(map[string]string, len(expected.CashLedger))
	for i := range expected.CashLedger {
		expectedLedger[formatInt(expected.CashLedger[i].LedgerSeq)] = expected.CashLedger[i].RowHash
	}
	if err := compareHashTable("cash_ledger", "ledger_seq", expectedLedger); err != nil {
		return Report{}, err
	}

	expectedEvents := make(map[string]string, len(expected.RiskEvents))
	for i := range expected.RiskEvents {
		expectedEvents[expected.RiskEvents[i].RiskEventID.String()] = expected.RiskEvents[i].RowHash
	}
	if err := compareHashTable("risk_event", "risk_event_id", expectedEvents); err != nil {
		return Report{}, err
	}

	metrics.RecordReplay(len(mismatches) == 0)
	return Report{MismatchCount: len(mismatches), Mismatches: mismatches}, nil
}

// planRuntimeArtifacts derives the full output surface for the hour without
// touching the substrate: signals via decision + risk runtime, orders via
// the retry schedule, fills, lots, FIFO trades, ledger rows, risk events.
func planRuntimeArtifacts(ctx *domain.ExecutionContext, writer *Writer) (WriteResult, error) {
	var result WriteResult
	emittedRiskEvents := make(map[[4]string]bool)

	simulator := market.NewSimulator()
	plannedLotsByAsset := make(map[int64][]PositionLotRow)
	plannedFillsByID := make(map[uuid.UUID]*OrderFillRow)
	plannedLotConsumedQty := make(map[uuid.UUID]decimal.Decimal)
	fillSides := make(map[uuid.UUID]domain.OrderSide)

	for i := range ctx.Predictions {
		prediction := &ctx.Predictions[i]
		regime := ctx.FindRegime(prediction.AssetID, prediction.ModelVersionID)
		if regime == nil {
			return WriteResult{}, domain.Abort(domain.ErrInputMissing,
				"missing regime for asset_id=%d model_version_id=%d",
				prediction.AssetID, prediction.ModelVersionID)
		}

		clusterHash, err := clusterStateHashForPrediction(ctx, prediction)
		if err != nil {
			return WriteResult{}, err
		}
		decisionResult := decision.Deterministic(
			prediction.RowHash,
			regime.RowHash,
			ctx.CapitalState.RowHash,
			ctx.RiskState.RowHash,
			clusterHash,
		)

		adaptiveEval := risk.EvaluateAdaptiveHorizonAction(decisionResult.Action, prediction, ctx)
		severeEval := risk.EvaluateSevereLossRecoveryAction(adaptiveEval.Action, prediction, ctx)
		sizingEval := risk.ComputeVolatilityAdjustedFraction(
			severeEval.Action, decisionResult.PositionSizeFraction, prediction.AssetID, ctx)

		adjusted := decisionResult
		adjusted.Action = severeEval.Action
		adjusted.Direction = domain.DirectionFlat
		if severeEval.Action == domain.ActionEnter {
			adjusted.Direction = domain.DirectionLong
		}
		adjusted.PositionSizeFraction = sizingEval.AdjustedFraction

		var activation *domain.ActivationRecord
		if prediction.ActivationID != nil {
			activation = ctx.FindActivation(*prediction.ActivationID)
		}
		activationResult := decision.EnforceActivationGate(
			ctx.RunContext.RunMode,
			ctx.RunContext.OriginHourTsUTC,
			prediction.ModelVersionID,
			activation,
		)

		preliminary, err := writer.BuildTradeSignalRow(ctx, prediction, regime, adjusted, "")
		if err != nil {
			return WriteResult{}, err
		}

		var violations []risk.Violation
		violations = append(violations, risk.EnforceCrossAccountIsolation(ctx)...)
		if !activationResult.Allowed {
			violations = append(violations, risk.Violation{
				EventType:  "ACTIVATION_GATE",
				Severity:   "HIGH",
				ReasonCode: activationResult.ReasonCode,
				Detail:     activationResult.Detail,
			})
		}
		violations = append(violations, risk.EnforceRuntimeRiskGate(preliminary.Action, ctx)...)
		violations = append(violations, risk.EnforcePositionCountCap(preliminary.Action, ctx)...)
		violations = append(violations, risk.EnforceSevereLossEntryGate(preliminary.Action, ctx)...)
		if preliminary.Action == domain.ActionEnter && preliminary.NetEdge.LessThanOrEqual(decimal.Zero) {
			violations = append(violations, risk.Violation{
				EventType:  "RISK_GATE",
				Severity:   "MEDIUM",
				ReasonCode: "ENTER_COST_GATE_FAILED",
				Detail:     "Expected return does not exceed deterministic transaction cost.",
			})
		}
		violations = append(violations,
			risk.EnforceCapitalPreservation(preliminary.Action, preliminary.TargetPositionNotional, ctx)...)
		violations = append(violations,
			risk.EnforceClusterCap(preliminary.Action, prediction.AssetID, preliminary.TargetPositionNotional, ctx)...)

		actionOverride := domain.SignalAction("")
		if len(violations) > 0 {
			actionOverride = domain.ActionHold
		}
		finalSignal, err := writer.BuildTradeSignalRow(ctx, prediction, regime, adjusted, actionOverride)
		if err != nil {
			return WriteResult{}, err
		}
		result.TradeSignals = append(result.TradeSignals, finalSignal)

		if len(violations) == 0 {
			intent, intentEvents, err := deriveOrderIntent(ctx, writer, &finalSignal, severeEval.ReasonCode)
			if err != nil {
				return WriteResult{}, err
			}
			result.RiskEvents = append(result.RiskEvents, intentEvents...)
			if intent != nil {
				attempts, fills, lots, trades, lifecycleEvents, err := materializeOrderLifecycle(
					ctx, writer, simulator, &finalSignal, intent,
					plannedLotsByAsset, plannedFillsByID, plannedLotConsumedQty)
				if err != nil {
					return WriteResult{}, err
				}
				for i := range fills {
					fillSides[fills[i].FillID] = intent.side
				}
				result.OrderRequests = append(result.OrderRequests, attempts...)
				result.OrderFills = append(result.OrderFills, fills...)
				result.PositionLots = append(result.PositionLots, lots...)
				result.ExecutedTrades = append(result.ExecutedTrades, trades...)
				result.RiskEvents = append(result.RiskEvents, lifecycleEvents...)
			}
		} else {
			for _, violation := range violations {
				// De-duplicate semantically identical run-hour violations so
				// repeated asset-level blocks do not collide on deterministic IDs.
				key := [4]string{violation.EventType, violation.Severity, violation.ReasonCode, violation.Detail}
				if emittedRiskEvents[key] {
					continue
				}
				emittedRiskEvents[key] = true
				result.RiskEvents = append(result.RiskEvents,
					writer.BuildRiskEventRow(ctx, violation.EventType, violation.Severity,
						violation.ReasonCode, violation.Detail, nil))
			}
		}

		stateEval := risk.EvaluateStateMachine(ctx)
		var actionReasonCode string
		switch {
		case severeEval.ReasonCode != "NO_SEVERE_LOSS_RECOVERY":
			actionReasonCode = severeEval.ReasonCode
		case finalSignal.Action == domain.ActionEnter:
			actionReasonCode = sizingEval.ReasonCode
		default:
			actionReasonCode = adaptiveEval.ReasonCode
		}
		violationCodes := make([]any, 0, len(violations))
		for _, violation := range violations {
			violationCodes = append(violationCodes, violation.ReasonCode)
		}
		observedVolatility := any(nil)
		if sizingEval.ObservedVolatility != nil {
			observedVolatility = sizingEval.ObservedVolatility.String()
		}
		result.RiskEvents = append(result.RiskEvents, writer.BuildRiskEventRow(
			ctx,
			"DECISION_TRACE",
			"LOW",
			actionReasonCode,
			"Decision trace for asset_id="+formatInt(prediction.AssetID)+
				" horizon="+string(prediction.Horizon)+
				" model_version_id="+formatInt(prediction.ModelVersionID)+
				" action="+string(finalSignal.Action)+".",
			map[string]any{
				"profile_version":             ctx.RiskProfile.ProfileVersion,
				"risk_state_mode":             string(stateEval.State),
				"final_action":                string(finalSignal.Action),
				"action_reason_code":          actionReasonCode,
				"adaptive_reason_code":        adaptiveEval.ReasonCode,
				"severe_recovery_reason_code": severeEval.ReasonCode,
				"volatility_reason_code":      sizingEval.ReasonCode,
				"base_fraction":               sizingEval.BaseFraction.String(),
				"observed_volatility":         observedVolatility,
				"volatility_scale":            sizingEval.VolatilityScale.String(),
				"adjusted_fraction":           sizingEval.AdjustedFraction.String(),
				"derisk_fraction":             ctx.RiskProfile.DeriskFraction.String(),
				"violation_reason_codes":      violationCodes,
				"total_exposure_mode":         string(ctx.RiskProfile.TotalExposureMode),
				"cluster_exposure_mode":       string(ctx.RiskProfile.ClusterExposureMode),
				"max_concurrent_positions":    ctx.RiskProfile.MaxConcurrentPositions,
			},
		))
	}

	ledgerRows, err := planLedgerRows(ctx, writer, result.OrderFills, fillSides)
	if err != nil {
		return WriteResult{}, err
	}
	result.CashLedger = ledgerRows
	return result, nil
}

// planLedgerRows appends one settlement row per fill, continuing the chain
// from the most recent ledger row before the hour.
func planLedgerRows(
	ctx *domain.ExecutionContext,
	writer *Writer,
	fills []OrderFillRow,
	fillSides map[uuid.UUID]domain.OrderSide,
) ([]CashLedgerRow, error) {
	if len(fills) == 0 {
		return nil, nil
	}

	seq := int64(1)
	balance := canon.Quantize18(ctx.CapitalState.CashBalance)
	var prevHash *string
	if prior := ctx.PriorEconomicState; prior != nil {
		seq = prior.LedgerSeq + 1
		balance = canon.Quantize18(prior.BalanceAfter)
		hash := prior.LedgerHash
		prevHash = &hash
	}

	rows := make([]CashLedgerRow, 0, len(fills))
	for i := range fills {
		fill := &fills[i]
		side, ok := fillSides[fill.FillID]
		if !ok {
			return nil, domain.Abort(domain.ErrInvariantViolation,
				"fill_id=%s has no originating order side", fill.FillID)
		}
		row := writer.BuildCashLedgerRow(ctx, fill, side, seq, balance, prevHash)
		rows = append(rows, row)
		seq++
		balance = row.BalanceAfter
		hash := row.LedgerHash
		prevHash = &hash
	}
	return rows, nil
}

// deriveOrderIntent maps a final signal onto an order intent, or explains
// why no order is emitted.
func deriveOrderIntent(
	ctx *domain.ExecutionContext,
	writer *Writer,
	signal *TradeSignalRow,
	severeRecoveryReasonCode string,
) (*orderIntent, []RiskEventRow, error) {
	var events []RiskEventRow
	precision := ctx.FindAssetPrecision(signal.AssetID)
	if precision == nil {
		return nil, nil, domain.Abort(domain.ErrInputMissing,
			"missing asset precision for asset_id=%d", signal.AssetID)
	}
	if precision.LotSize.LessThanOrEqual(decimal.Zero) {
		return nil, nil, domain.Abort(domain.ErrInvariantViolation,
			"invalid lot_size for asset_id=%d", signal.AssetID)
	}

	position := ctx.FindPosition(signal.AssetID)
	inventoryQty := canon.Quantize18(decimal.Zero)
	if position != nil {
		inventoryQty = canon.Quantize18(position.Quantity)
	}

	var (
		side              domain.OrderSide
		rawQty            decimal.Decimal
		requestedNotional decimal.Decimal
	)
	sourceReasonCode := "SIGNAL_ENTER"

	switch {
	case signal.Action == domain.ActionEnter && signal.TargetPositionNotional.GreaterThan(decimal.Zero):
		side = domain.SideBuy
		rawQty = canon.Quantize18(signal.TargetPositionNotional)
		requestedNotional = canon.Quantize18(signal.TargetPositionNotional)
	case signal.Action == domain.ActionExit:
		side = domain.SideSell
		sourceReasonCode = "SIGNAL_EXIT"
		if inventoryQty.LessThanOrEqual(decimal.Zero) {
			events = append(events, writer.BuildRiskEventRow(ctx, "ORDER_LIFECYCLE", "MEDIUM",
				"NO_INVENTORY_FOR_SELL",
				"signal_id="+signal.SignalID.String()+" has zero inventory for SELL intent.", nil))
			return nil, events, nil
		}
		rawQty = inventoryQty
		requestedNotional = rawQty
	case signal.Action == domain.ActionHold && severeRecoveryReasonCode == "SEVERE_RECOVERY_DERISK_INTENT":
		side = domain.SideSell
		sourceReasonCode = severeRecoveryReasonCode
		if inventoryQty.LessThanOrEqual(decimal.Zero) {
			events = append(events, writer.BuildRiskEventRow(ctx, "ORDER_LIFECYCLE", "MEDIUM",
				"NO_INVENTORY_FOR_SELL",
				"signal_id="+signal.SignalID.String()+" has zero inventory for de-risk SELL intent.", nil))
			return nil, events, nil
		}
		rawQty = canon.Quantize18(inventoryQty.Mul(ctx.RiskProfile.DeriskFraction))
		requestedNotional = rawQty
	default:
		return nil, events, nil
	}

	if side == domain.SideSell && rawQty.GreaterThan(inventoryQty) {
		events = append(events, writer.BuildRiskEventRow(ctx, "ORDER_LIFECYCLE", "LOW",
			"SELL_QTY_CLIPPED_TO_INVENTORY",
			"signal_id="+signal.SignalID.String()+" clipped sell qty from "+rawQty.String()+
				" to inventory "+inventoryQty.String()+".", nil))
		rawQty = inventoryQty
	}

	normalizedQty := roundDownToLotSize(rawQty, precision.LotSize)
	if normalizedQty.LessThanOrEqual(decimal.Zero) {
		events = append(events, writer.BuildRiskEventRow(ctx, "ORDER_LIFECYCLE", "MEDIUM",
			"ORDER_QTY_BELOW_LOT_SIZE",
			"signal_id="+signal.SignalID.String()+" normalized qty="+normalizedQty.String()+
				" at lot_size="+precision.LotSize.String()+".", nil))
		return nil, events, nil
	}

	if side == domain.SideSell && sourceReasonCode == "SEVERE_RECOVERY_DERISK_INTENT" {
		events = append(events, writer.BuildRiskEventRow(ctx, "ORDER_LIFECYCLE", "LOW",
			"SEVERE_RECOVERY_DERISK_ORDER_EMITTED",
			"signal_id="+signal.SignalID.String()+" emitted de-risk SELL qty="+normalizedQty.String()+
				" fraction="+ctx.RiskProfile.DeriskFraction.String()+".", nil))
	}

	minNotional := decimal.New(1, -canon.Scale18)
	requestedNotional = canon.Quantize18(decimal.Max(requestedNotional, minNotional))

	return &orderIntent{
		side:              side,
		requestedQty:      normalizedQty,
		requestedNotional: requestedNotional,
		sourceReasonCode:  sourceReasonCode,
	}, events, nil
}

// materializeOrderLifecycle runs the deterministic retry schedule for one
// intent, emitting attempt/fill/lot/trade rows and lifecycle risk events.
func materializeOrderLifecycle(
	ctx *domain.ExecutionContext,
	writer *Writer,
	simulator *market.Simulator,
	signal *TradeSignalRow,
	intent *orderIntent,
	plannedLotsByAsset map[int64][]PositionLotRow,
	plannedFillsByID map[uuid.UUID]*OrderFillRow,
	plannedLotConsumedQty map[uuid.UUID]decimal.Decimal,
) ([]OrderRequestRow, []OrderFillRow, []PositionLotRow, []ExecutedTradeRow, []RiskEventRow, error) {
	var (
		attempts        []OrderRequestRow
		fills           []OrderFillRow
		lots            []PositionLotRow
		trades          []ExecutedTradeRow
		lifecycleEvents []RiskEventRow
	)

	remainingQty := canon.Quantize18(intent.requestedQty)
	attemptTimes := attemptTimestamps(ctx.RunContext.OriginHourTsUTC)

	for attemptSeq, ts := range attemptTimes {
		if remainingQty.LessThanOrEqual(decimal.Zero) {
			break
		}

		attemptResult := simulator.SimulateAttempt(ctx, market.AttemptRequest{
			AssetID:      signal.AssetID,
			Side:         intent.side,
			RequestedQty: remainingQty,
			AttemptTsUTC: ts,
		})

		filledQty := canon.Quantize18(decimal.Min(remainingQty, attemptResult.FilledQty))
		if attemptResult.FillPrice == nil || attemptResult.ReferencePrice == nil {
			filledQty = canon.Quantize18(decimal.Zero)
			lifecycleEvents = append(lifecycleEvents, writer.BuildRiskEventRow(ctx,
				"ORDER_LIFECYCLE", "HIGH", "ORDER_PRICE_UNAVAILABLE",
				"signal_id="+signal.SignalID.String()+" attempt_seq="+formatInt(int64(attemptSeq))+
					" has no deterministic price source.", nil))
		}

		var status domain.OrderStatus
		switch {
		case filledQty.GreaterThanOrEqual(remainingQty):
			status = domain.OrderStatusFilled
			filledQty = remainingQty
		case filledQty.GreaterThan(decimal.Zero):
			status = domain.OrderStatusPartial
		default:
			status = domain.OrderStatusCancelled
		}

		requestedNotional, err := attemptRequestedNotional(intent, remainingQty)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		order := writer.BuildOrderRequestAttemptRow(
			ctx, signal, intent.side, ts, remainingQty, requestedNotional, status, int64(attemptSeq))
		attempts = append(attempts, order)

		if filledQty.GreaterThan(decimal.Zero) && attemptResult.FillPrice != nil {
			fill, err := writer.BuildOrderFillRow(
				ctx, &order, ts, *attemptResult.FillPrice, filledQty,
				attemptResult.LiquidityFlag, int64(attemptSeq))
			if err != nil {
				return nil, nil, nil, nil, nil, err
			}
			fills = append(fills, fill)
			plannedFillsByID[fill.FillID] = &fills[len(fills)-1]

			if intent.side == domain.SideBuy {
				lot := writer.BuildPositionLotRow(ctx, &fill)
				lots = append(lots, lot)
				plannedLotsByAsset[lot.AssetID] = append(plannedLotsByAsset[lot.AssetID], lot)
			} else {
				sellResidual, err := allocateSellFillFifo(
					ctx, writer, &fill, plannedLotsByAsset, plannedFillsByID,
					plannedLotConsumedQty, &trades)
				if err != nil {
					return nil, nil, nil, nil, nil, err
				}
				if sellResidual.GreaterThan(decimal.Zero) {
					lifecycleEvents = append(lifecycleEvents, writer.BuildRiskEventRow(ctx,
						"ORDER_LIFECYCLE", "HIGH", "SELL_ALLOCATION_INSUFFICIENT_LOTS",
						"fill_id="+fill.FillID.String()+" residual_qty="+sellResidual.String()+
							" could not be allocated via FIFO lots.", nil))
				}
			}
		}

		remainingQty = canon.Quantize18(remainingQty.Sub(filledQty))
	}

	if remainingQty.GreaterThan(decimal.Zero) {
		lifecycleEvents = append(lifecycleEvents, writer.BuildRiskEventRow(ctx,
			"ORDER_LIFECYCLE", "MEDIUM", "ORDER_RETRY_EXHAUSTED",
			"signal_id="+signal.SignalID.String()+" remaining_qty="+remainingQty.String()+
				" after "+formatInt(int64(len(attemptTimes)))+" deterministic attempts.", nil))
	}

	return attempts, fills, lots, trades, lifecycleEvents, nil
}

// allocateSellFillFifo walks the ordered lot list, consuming availability
// oldest-first and emitting one executed trade per (lot, fill, qty) slice.
// Returns the unallocatable residual.
func allocateSellFillFifo(
	ctx *domain.ExecutionContext,
	writer *Writer,
	fill *OrderFillRow,
	plannedLotsByAsset map[int64][]PositionLotRow,
	plannedFillsByID map[uuid.UUID]*OrderFillRow,
	plannedLotConsumedQty map[uuid.UUID]decimal.Decimal,
	trades *[]ExecutedTradeRow,
) (decimal.Decimal, error) {
	remaining := canon.Quantize18(fill.FillQty)
	views, err := buildFifoLotViews(ctx, fill.AssetID, plannedLotsByAsset, plannedFillsByID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, view := range views {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		consumed := plannedLotConsumedQty[view.lotID]
		available := canon.Quantize18(view.openQty.Sub(view.historicalConsumedQty).Sub(consumed))
		if available.LessThanOrEqual(decimal.Zero) {
			continue
		}
		quantity := canon.Quantize18(decimal.Min(available, remaining))
		trade, err := writer.BuildExecutedTradeRow(
			ctx, view.lotID, view.assetID, view.openTsUTC, view.openPrice,
			view.openQty, view.openFee, view.openSlippageCost, view.parentLotHash,
			fill, quantity)
		if err != nil {
			return decimal.Zero, err
		}
		*trades = append(*trades, trade)
		plannedLotConsumedQty[view.lotID] = canon.Quantize18(consumed.Add(quantity))
		remaining = canon.Quantize18(remaining.Sub(quantity))
	}
	return remaining, nil
}

// buildFifoLotViews merges persisted lots with lots planned earlier in the
// hour, ordered by (open_ts_utc, lot_id).
func buildFifoLotViews(
	ctx *domain.ExecutionContext,
	assetID int64,
	plannedLotsByAsset map[int64][]PositionLotRow,
	plannedFillsByID map[uuid.UUID]*OrderFillRow,
) ([]lotView, error) {
	var views []lotView
	for _, lot := range ctx.LotsForAsset(assetID) {
		openFill := ctx.FindExistingFill(lot.OpenFillID)
		if openFill == nil {
			return nil, domain.Abort(domain.ErrInputMissing,
				"missing open_fill_id=%s for lot_id=%s", lot.OpenFillID, lot.LotID)
		}
		views = append(views, lotView{
			lotID:                 lot.LotID,
			assetID:               lot.AssetID,
			openTsUTC:             lot.OpenTsUTC,
			openPrice:             lot.OpenPrice,
			openQty:               lot.OpenQty,
			openFee:               lot.OpenFee,
			openSlippageCost:      openFill.SlippageCost,
			parentLotHash:         lot.RowHash,
			historicalConsumedQty: canon.Quantize18(ctx.ExecutedQtyForLot(lot.LotID)),
		})
	}
	for i := range plannedLotsByAsset[assetID] {
		lot := &plannedLotsByAsset[assetID][i]
		openFill, ok := plannedFillsByID[lot.OpenFillID]
		if !ok {
			return nil, domain.Abort(domain.ErrInvariantViolation,
				"missing planned fill for open_fill_id=%s", lot.OpenFillID)
		}
		views = append(views, lotView{
			lotID:                 lot.LotID,
			assetID:               lot.AssetID,
			openTsUTC:             lot.OpenTsUTC,
			openPrice:             lot.OpenPrice,
			openQty:               lot.OpenQty,
			openFee:               lot.OpenFee,
			openSlippageCost:      openFill.SlippageCost,
			parentLotHash:         lot.RowHash,
			historicalConsumedQty: canon.Quantize18(decimal.Zero),
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		if !views[i].openTsUTC.Equal(views[j].openTsUTC) {
			return views[i].openTsUTC.Before(views[j].openTsUTC)
		}
		return views[i].lotID.String() < views[j].lotID.String()
	})
	return views, nil
}

func attemptTimestamps(originHourTsUTC time.Time) []time.Time {
	timestamps := []time.Time{originHourTsUTC}
	current := originHourTsUTC
	for _, backoff := range retryBackoffMinutes {
		current = current.Add(time.Duration(backoff) * time.Minute)
		timestamps = append(timestamps, current)
	}
	return timestamps
}

func attemptRequestedNotional(intent *orderIntent, requestedQty decimal.Decimal) (decimal.Decimal, error) {
	if requestedQty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, domain.Abort(domain.ErrInvariantViolation,
			"requested_qty must be positive when deriving requested_notional")
	}
	if intent.side == domain.SideSell {
		return canon.Quantize18(requestedQty), nil
	}
	ratio := canon.Quantize18(requestedQty.Div(intent.requestedQty))
	notional := canon.Quantize18(intent.requestedNotional.Mul(ratio))
	if notional.LessThanOrEqual(decimal.Zero) {
		notional = canon.Quantize18(requestedQty)
	}
	return notional, nil
}

func roundDownToLotSize(rawQty, lotSize decimal.Decimal) decimal.Decimal {
	if rawQty.LessThanOrEqual(decimal.Zero) {
		return canon.Quantize18(decimal.Zero)
	}
	lotSteps := rawQty.Div(lotSize).Floor()
	normalized := lotSteps.Mul(lotSize)
	if normalized.LessThanOrEqual(decimal.Zero) {
		return canon.Quantize18(decimal.Zero)
	}
	return canon.Quantize18(normalized)
}

func clusterStateHashForPrediction(ctx *domain.ExecutionContext, prediction *domain.PredictionState) (string, error) {
	membership := ctx.FindMembership(prediction.AssetID)
	if membership == nil {
		return "", domain.Abort(domain.ErrInputMissing,
			"missing cluster membership for asset_id=%d", prediction.AssetID)
	}
	clusterState := ctx.FindClusterState(membership.ClusterID)
	if clusterState == nil {
		return "", domain.Abort(domain.ErrInputMissing,
			"missing cluster state for cluster_id=%d", membership.ClusterID)
	}
	return canon.StableHash(
		ctx.RunContext.RunSeedHash,
		membership.MembershipHash,
		clusterState.StateHash,
		clusterState.ParentRiskHash,
		clusterState.RowHash,
	), nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func sortedKeys(a, b map[string]string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for key := range a {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range b {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys2(a, b map[string][2]string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var keys []string
	for key := range a {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range b {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
