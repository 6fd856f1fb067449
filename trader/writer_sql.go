package trader

import (
	"time"

	"github.com/google/uuid"

	"ChronoLedger/domain"
)

func (w *Writer) InsertTradeSignal(signal *TradeSignalRow) error {
	return w.db.Execute(`
		INSERT INTO trade_signal (
			signal_id, run_id, run_mode, account_id, asset_id, hour_ts_utc, horizon,
			action, direction, confidence, expected_return, assumed_fee_rate,
			assumed_slippage_rate, net_edge, target_position_notional,
			position_size_fraction, risk_state_hour_ts_utc, decision_hash,
			risk_state_run_id, cluster_membership_id, upstream_hash, row_hash
		) VALUES (
			:signal_id, :run_id, :run_mode, :account_id, :asset_id, :hour_ts_utc, :horizon,
			:action, :direction, :confidence, :expected_return, :assumed_fee_rate,
			:assumed_slippage_rate, :net_edge, :target_position_notional,
			:position_size_fraction, :risk_state_hour_ts_utc, :decision_hash,
			:risk_state_run_id, :cluster_membership_id, :upstream_hash, :row_hash
		)`,
		map[string]any{
			"signal_id":                signal.SignalID,
			"run_id":                   signal.RunID,
			"run_mode":                 signal.RunMode,
			"account_id":               signal.AccountID,
			"asset_id":                 signal.AssetID,
			"hour_ts_utc":              signal.HourTsUTC,
			"horizon":                  signal.Horizon,
			"action":                   signal.Action,
			"direction":                signal.Direction,
			"confidence":               signal.Confidence,
			"expected_return":          signal.ExpectedReturn,
			"assumed_fee_rate":         signal.AssumedFeeRate,
			"assumed_slippage_rate":    signal.AssumedSlippageRate,
			"net_edge":                 signal.NetEdge,
			"target_position_notional": signal.TargetPositionNotional,
			"position_size_fraction":   signal.PositionSizeFraction,
			"risk_state_hour_ts_utc":   signal.RiskStateHourTsUTC,
			"decision_hash":            signal.DecisionHash,
			"risk_state_run_id":        signal.RiskStateRunID,
			"cluster_membership_id":    signal.ClusterMembershipID,
			"upstream_hash":            signal.UpstreamHash,
			"row_hash":                 signal.RowHash,
		})
}

func (w *Writer) InsertOrderRequest(order *OrderRequestRow) error {
	return w.db.Execute(`
		INSERT INTO order_request (
			order_id, signal_id, run_id, run_mode, account_id, asset_id, client_order_id,
			request_ts_utc, hour_ts_utc, side, order_type, tif, limit_price, requested_qty,
			requested_notional, pre_order_cash_available, risk_check_passed, status,
			attempt_seq, cost_profile_id, origin_hour_ts_utc, risk_state_run_id,
			cluster_membership_id, parent_signal_hash, row_hash
		) VALUES (
			:order_id, :signal_id, :run_id, :run_mode, :account_id, :asset_id, :client_order_id,
			:request_ts_utc, :hour_ts_utc, :side, :order_type, :tif, :limit_price, :requested_qty,
			:requested_notional, :pre_order_cash_available, :risk_check_passed, :status,
			:attempt_seq, :cost_profile_id, :origin_hour_ts_utc, :risk_state_run_id,
			:cluster_membership_id, :parent_signal_hash, :row_hash
		)`,
		map[string]any{
			"order_id":                 order.OrderID,
			"signal_id":                order.SignalID,
			"run_id":                   order.RunID,
			"run_mode":                 order.RunMode,
			"account_id":               order.AccountID,
			"asset_id":                 order.AssetID,
			"client_order_id":          order.ClientOrderID,
			"request_ts_utc":           order.RequestTsUTC,
			"hour_ts_utc":              order.HourTsUTC,
			"side":                     order.Side,
			"order_type":               order.OrderType,
			"tif":                      order.Tif,
			"limit_price":              order.LimitPrice,
			"requested_qty":            order.RequestedQty,
			"requested_notional":       order.RequestedNotional,
			"pre_order_cash_available": order.PreOrderCashAvailable,
			"risk_check_passed":        order.RiskCheckPassed,
			"status":                   order.Status,
			"attempt_seq":              order.AttemptSeq,
			"cost_profile_id":          order.CostProfileID,
			"origin_hour_ts_utc":       order.OriginHourTsUTC,
			"risk_state_run_id":        order.RiskStateRunID,
			"cluster_membership_id":    order.ClusterMembershipID,
			"parent_signal_hash":       order.ParentSignalHash,
			"row_hash":                 order.RowHash,
		})
}

func (w *Writer) InsertOrderFill(fill *OrderFillRow) error {
	return w.db.Execute(`
		INSERT INTO order_fill (
			fill_id, order_id, run_id, run_mode, account_id, asset_id, exchange_trade_id,
			fill_ts_utc, hour_ts_utc, fill_price, fill_qty, fill_notional, fee_paid,
			fee_rate, realized_slippage_rate, slippage_cost, liquidity_flag,
			origin_hour_ts_utc, parent_order_hash, row_hash
		) VALUES (
			:fill_id, :order_id, :run_id, :run_mode, :account_id, :asset_id, :exchange_trade_id,
			:fill_ts_utc, :hour_ts_utc, :fill_price, :fill_qty, :fill_notional, :fee_paid,
			:fee_rate, :realized_slippage_rate, :slippage_cost, :liquidity_flag,
			:origin_hour_ts_utc, :parent_order_hash, :row_hash
		)`,
		map[string]any{
			"fill_id":                fill.FillID,
			"order_id":               fill.OrderID,
			"run_id":                 fill.RunID,
			"run_mode":               fill.RunMode,
			"account_id":             fill.AccountID,
			"asset_id":               fill.AssetID,
			"exchange_trade_id":      fill.ExchangeTradeID,
			"fill_ts_utc":            fill.FillTsUTC,
			"hour_ts_utc":            fill.HourTsUTC,
			"fill_price":             fill.FillPrice,
			"fill_qty":               fill.FillQty,
			"fill_notional":          fill.FillNotional,
			"fee_paid":               fill.FeePaid,
			"fee_rate":               fill.FeeRate,
			"realized_slippage_rate": fill.RealizedSlippageRate,
			"slippage_cost":          fill.SlippageCost,
			"liquidity_flag":         fill.LiquidityFlag,
			"origin_hour_ts_utc":     fill.OriginHourTsUTC,
			"parent_order_hash":      fill.ParentOrderHash,
			"row_hash":               fill.RowHash,
		})
}

func (w *Writer) InsertPositionLot(lot *PositionLotRow) error {
	return w.db.Execute(`
		INSERT INTO position_lot (
			lot_id, open_fill_id, run_id, run_mode, account_id, asset_id, hour_ts_utc,
			open_ts_utc, open_price, open_qty, open_notional, open_fee, remaining_qty,
			origin_hour_ts_utc, parent_fill_hash, row_hash
		) VALUES (
			:lot_id, :open_fill_id, :run_id, :run_mode, :account_id, :asset_id, :hour_ts_utc,
			:open_ts_utc, :open_price, :open_qty, :open_notional, :open_fee, :remaining_qty,
			:origin_hour_ts_utc, :parent_fill_hash, :row_hash
		)`,
		map[string]any{
			"lot_id":             lot.LotID,
			"open_fill_id":       lot.OpenFillID,
			"run_id":             lot.RunID,
			"run_mode":           lot.RunMode,
			"account_id":         lot.AccountID,
			"asset_id":           lot.AssetID,
			"hour_ts_utc":        lot.HourTsUTC,
			"open_ts_utc":        lot.OpenTsUTC,
			"open_price":         lot.OpenPrice,
			"open_qty":           lot.OpenQty,
			"open_notional":      lot.OpenNotional,
			"open_fee":           lot.OpenFee,
			"remaining_qty":      lot.RemainingQty,
			"origin_hour_ts_utc": lot.OriginHourTsUTC,
			"parent_fill_hash":   lot.ParentFillHash,
			"row_hash":           lot.RowHash,
		})
}

func (w *Writer) InsertExecutedTrade(trade *ExecutedTradeRow) error {
	return w.db.Execute(`
		INSERT INTO executed_trade (
			trade_id, lot_id, run_id, run_mode, account_id, asset_id, hour_ts_utc,
			entry_ts_utc, exit_ts_utc, entry_price, exit_price, quantity, gross_pnl,
			net_pnl, total_fee, total_slippage_cost, holding_hours, origin_hour_ts_utc,
			parent_lot_hash, row_hash
		) VALUES (
			:trade_id, :lot_id, :run_id, :run_mode, :account_id, :asset_id, :hour_ts_utc,
			:entry_ts_utc, :exit_ts_utc, :entry_price, :exit_price, :quantity, :gross_pnl,
			:net_pnl, :total_fee, :total_slippage_cost, :holding_hours, :origin_hour_ts_utc,
			:parent_lot_hash, :row_hash
		)`,
		map[string]any{
			"trade_id":            trade.TradeID,
			"lot_id":              trade.LotID,
			"run_id":              trade.RunID,
			"run_mode":            trade.RunMode,
			"account_id":          trade.AccountID,
			"asset_id":            trade.AssetID,
			"hour_ts_utc":         trade.HourTsUTC,
			"entry_ts_utc":        trade.EntryTsUTC,
			"exit_ts_utc":         trade.ExitTsUTC,
			"entry_price":         trade.EntryPrice,
			"exit_price":          trade.ExitPrice,
			"quantity":            trade.Quantity,
			"gross_pnl":           trade.GrossPnL,
			"net_pnl":             trade.NetPnL,
			"total_fee":           trade.TotalFee,
			"total_slippage_cost": trade.TotalSlippageCost,
			"holding_hours":       trade.HoldingHours,
			"origin_hour_ts_utc":  trade.OriginHourTsUTC,
			"parent_lot_hash":     trade.ParentLotHash,
			"row_hash":            trade.RowHash,
		})
}

func (w *Writer) InsertCashLedger(entry *CashLedgerRow) error {
	return w.db.Execute(`
		INSERT INTO cash_ledger (
			run_id, run_mode, account_id, event_ts_utc, hour_ts_utc, event_type,
			ref_type, ref_id, delta_cash, balance_before, balance_after, ledger_seq,
			prev_ledger_hash, economic_event_hash, ledger_hash, origin_hour_ts_utc, row_hash
		) VALUES (
			:run_id, :run_mode, :account_id, :event_ts_utc, :hour_ts_utc, :event_type,
			:ref_type, :ref_id, :delta_cash, :balance_before, :balance_after, :ledger_seq,
			:prev_ledger_hash, :economic_event_hash, :ledger_hash, :origin_hour_ts_utc, :row_hash
		)`,
		map[string]any{
			"run_id":              entry.RunID,
			"run_mode":            entry.RunMode,
			"account_id":          entry.AccountID,
			"event_ts_utc":        entry.EventTsUTC,
			"hour_ts_utc":         entry.HourTsUTC,
			"event_type":          entry.EventType,
			"ref_type":            entry.RefType,
			"ref_id":              entry.RefID,
			"delta_cash":          entry.DeltaCash,
			"balance_before":      entry.BalanceBefore,
			"balance_after":       entry.BalanceAfter,
			"ledger_seq":          entry.LedgerSeq,
			"prev_ledger_hash":    entry.PrevLedgerHash,
			"economic_event_hash": entry.EconomicEventHash,
			"ledger_hash":         entry.LedgerHash,
			"origin_hour_ts_utc":  entry.OriginHourTsUTC,
			"row_hash":            entry.RowHash,
		})
}

func (w *Writer) InsertRiskEvent(event *RiskEventRow) error {
	return w.db.Execute(`
		INSERT INTO risk_event (
			risk_event_id, run_id, run_mode, account_id, event_ts_utc, hour_ts_utc,
			event_type, severity, reason_code, details, related_state_hour_ts_utc,
			origin_hour_ts_utc, parent_state_hash, row_hash
		) VALUES (
			:risk_event_id, :run_id, :run_mode, :account_id, :event_ts_utc, :hour_ts_utc,
			:event_type, :severity, :reason_code, :details, :related_state_hour_ts_utc,
			:origin_hour_ts_utc, :parent_state_hash, :row_hash
		)`,
		map[string]any{
			"risk_event_id":             event.RiskEventID,
			"run_id":                    event.RunID,
			"run_mode":                  event.RunMode,
			"account_id":                event.AccountID,
			"event_ts_utc":              event.EventTsUTC,
			"hour_ts_utc":               event.HourTsUTC,
			"event_type":                event.EventType,
			"severity":                  event.Severity,
			"reason_code":               event.ReasonCode,
			"details":                   event.Details,
			"related_state_hour_ts_utc": event.RelatedStateHourTsUTC,
			"origin_hour_ts_utc":        event.OriginHourTsUTC,
			"parent_state_hash":         event.ParentStateHash,
			"row_hash":                  event.RowHash,
		})
}

// InsertReplayManifest records the authoritative hash-DAG summary for the
// executed hour inside the same transaction as the row writes.
func (w *Writer) InsertReplayManifest(
	runID uuid.UUID,
	accountID int64,
	runMode domain.RunMode,
	originHourTsUTC time.Time,
	runSeedHash string,
	replayRootHash string,
	authoritativeRowCount int64,
) error {
	return w.db.Execute(`
		INSERT INTO replay_manifest (
			run_id, account_id, run_mode, origin_hour_ts_utc, run_seed_hash,
			replay_root_hash, authoritative_row_count
		) VALUES (
			:run_id, :account_id, :run_mode, :origin_hour_ts_utc, :run_seed_hash,
			:replay_root_hash, :authoritative_row_count
		)`,
		map[string]any{
			"run_id":                  runID,
			"account_id":              accountID,
			"run_mode":                runMode,
			"origin_hour_ts_utc":      originHourTsUTC,
			"run_seed_hash":           runSeedHash,
			"replay_root_hash":        replayRootHash,
			"authoritative_row_count": authoritativeRowCount,
		})
}

// SealRunContextRoot performs the one-shot replay-root seal on run_context.
// The substrate trigger permits exactly this transition from a blank root.
func (w *Writer) SealRunContextRoot(runID uuid.UUID, replayRootHash string) error {
	return w.db.Execute(`
		UPDATE run_context
		SET replay_root_hash = :replay_root_hash
		WHERE run_id = :run_id`,
		map[string]any{
			"run_id":           runID,
			"replay_root_hash": replayRootHash,
		})
}
