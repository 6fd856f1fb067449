package testutil

import (
	"strings"

	"github.com/google/uuid"

	"ChronoLedger/canon"
	"ChronoLedger/store"
)

// PreloadedLotIDs identifies the BUY lineage inserted for SELL-path tests.
type PreloadedLotIDs struct {
	SignalID uuid.UUID
	OrderID  uuid.UUID
	FillID   uuid.UUID
	LotID    uuid.UUID
}

// PreloadOpenLot inserts a deterministic BUY signal/order/fill/lot chain so
// SELL intents in the same hour have FIFO inventory to consume.
func PreloadOpenLot(db store.Database, fixture FixtureIDs, seed, quantity, price string) (PreloadedLotIDs, error) {
	signalID := DeterministicUUID("preload-signal-" + seed)
	orderID := DeterministicUUID("preload-order-" + seed)
	fillID := DeterministicUUID("preload-fill-" + seed)
	lotID := DeterministicUUID("preload-lot-" + seed)

	signalRowHash := strings.Repeat("3", 64)
	orderRowHash := strings.Repeat("4", 64)
	fillRowHash := strings.Repeat("5", 64)
	lotRowHash := strings.Repeat("6", 64)

	qty := canon.MustDecimal(quantity)
	px := canon.MustDecimal(price)
	notional := canon.Quantize18(qty.Mul(px))
	feeRate := canon.MustDecimal("0.004000")
	slippageRate := canon.MustDecimal("0.000530")
	feePaid := canon.Quantize18(notional.Mul(feeRate))
	slippageCost := canon.Quantize18(notional.Mul(slippageRate))

	costProfileRow, err := db.FetchOne(`
		SELECT cost_profile_id
		FROM cost_profile
		WHERE venue = 'KRAKEN'
		  AND is_active = 1
		  AND effective_from_utc <= :hour_ts_utc
		  AND (effective_to_utc IS NULL OR effective_to_utc > :hour_ts_utc)
		ORDER BY effective_from_utc DESC, cost_profile_id DESC
		LIMIT 1`,
		map[string]any{"hour_ts_utc": fixture.HourTsUTC})
	if err != nil {
		return PreloadedLotIDs{}, err
	}

	steps := []stmt{
		{
			sql: `INSERT INTO trade_signal (
					signal_id, run_id, run_mode, account_id, asset_id, hour_ts_utc, horizon,
					action, direction, confidence, expected_return, assumed_fee_rate,
					assumed_slippage_rate, net_edge, target_position_notional,
					position_size_fraction, risk_state_hour_ts_utc, decision_hash,
					risk_state_run_id, cluster_membership_id, upstream_hash, row_hash
				) VALUES (
					:signal_id, :run_id, 'LIVE', :account_id, :asset_id, :hour_ts_utc, 'H4',
					'ENTER', 'LONG', '0.5000000000', '0.010000000000000000', '0.004000',
					'0.000530', '0.005470000000000000', :target_position_notional,
					'0.0100000000', :hour_ts_utc, :decision_hash,
					:risk_state_run_id, :cluster_membership_id, :upstream_hash, :row_hash
				)`,
			params: map[string]any{
				"signal_id":                signalID,
				"run_id":                   fixture.RunID,
				"account_id":               fixture.AccountID,
				"asset_id":                 fixture.AssetID,
				"hour_ts_utc":              fixture.HourTsUTC,
				"target_position_notional": notional,
				"decision_hash":            strings.Repeat("7", 64),
				"risk_state_run_id":        fixture.RunID,
				"cluster_membership_id":    fixture.ClusterMembershipID,
				"upstream_hash":            strings.Repeat("8", 64),
				"row_hash":                 signalRowHash,
			},
		},
		{
			sql: `INSERT INTO order_request (
					order_id, signal_id, run_id, run_mode, account_id, asset_id, client_order_id,
					request_ts_utc, hour_ts_utc, side, order_type, tif, limit_price, requested_qty,
					requested_notional, pre_order_cash_available, risk_check_passed, status,
					attempt_seq, cost_profile_id, origin_hour_ts_utc, risk_state_run_id,
					cluster_membership_id, parent_signal_hash, row_hash
				) VALUES (
					:order_id, :signal_id, :run_id, 'LIVE', :account_id, :asset_id, :client_order_id,
					:hour_ts_utc, :hour_ts_utc, 'BUY', 'MARKET', 'IOC', NULL, :requested_qty,
					:requested_notional, '10000.000000000000000000', 1, 'FILLED',
					0, :cost_profile_id, :hour_ts_utc, :risk_state_run_id,
					:cluster_membership_id, :parent_signal_hash, :row_hash
				)`,
			params: map[string]any{
				"order_id":              orderID,
				"signal_id":             signalID,
				"run_id":                fixture.RunID,
				"account_id":            fixture.AccountID,
				"asset_id":              fixture.AssetID,
				"client_order_id":       "preload-" + canon.HexUUID(orderID)[:16],
				"hour_ts_utc":           fixture.HourTsUTC,
				"requested_qty":         qty,
				"requested_notional":    notional,
				"cost_profile_id":       costProfileRow.Int64("cost_profile_id"),
				"risk_state_run_id":     fixture.RunID,
				"cluster_membership_id": fixture.ClusterMembershipID,
				"parent_signal_hash":    signalRowHash,
				"row_hash":              orderRowHash,
			},
		},
		{
			sql: `INSERT INTO order_fill (
					fill_id, order_id, run_id, run_mode, account_id, asset_id, exchange_trade_id,
					fill_ts_utc, hour_ts_utc, fill_price, fill_qty, fill_notional, fee_paid,
					fee_rate, realized_slippage_rate, slippage_cost, liquidity_flag,
					origin_hour_ts_utc, parent_order_hash, row_hash
				) VALUES (
					:fill_id, :order_id, :run_id, 'LIVE', :account_id, :asset_id, :exchange_trade_id,
					:hour_ts_utc, :hour_ts_utc, :fill_price, :fill_qty, :fill_notional, :fee_paid,
					'0.004000', '0.000530', :slippage_cost, 'TAKER',
					:hour_ts_utc, :parent_order_hash, :row_hash
				)`,
			params: map[string]any{
				"fill_id":           fillID,
				"order_id":          orderID,
				"run_id":            fixture.RunID,
				"account_id":        fixture.AccountID,
				"asset_id":          fixture.AssetID,
				"exchange_trade_id": "preload-" + canon.HexUUID(fillID)[:20],
				"hour_ts_utc":       fixture.HourTsUTC,
				"fill_price":        px,
				"fill_qty":          qty,
				"fill_notional":     notional,
				"fee_paid":          feePaid,
				"slippage_cost":     slippageCost,
				"parent_order_hash": orderRowHash,
				"row_hash":          fillRowHash,
			},
		},
		{
			sql: `INSERT INTO position_lot (
					lot_id, open_fill_id, run_id, run_mode, account_id, asset_id, hour_ts_utc,
					open_ts_utc, open_price, open_qty, open_notional, open_fee, remaining_qty,
					origin_hour_ts_utc, parent_fill_hash, row_hash
				) VALUES (
					:lot_id, :open_fill_id, :run_id, 'LIVE', :account_id, :asset_id, :hour_ts_utc,
					:hour_ts_utc, :open_price, :open_qty, :open_notional, :open_fee, :open_qty,
					:hour_ts_utc, :parent_fill_hash, :row_hash
				)`,
			params: map[string]any{
				"lot_id":           lotID,
				"open_fill_id":     fillID,
				"run_id":           fixture.RunID,
				"account_id":       fixture.AccountID,
				"asset_id":         fixture.AssetID,
				"hour_ts_utc":      fixture.HourTsUTC,
				"open_price":       px,
				"open_qty":         qty,
				"open_notional":    notional,
				"open_fee":         feePaid,
				"parent_fill_hash": fillRowHash,
				"row_hash":         lotRowHash,
			},
		},
	}
	for _, step := range steps {
		if err := db.Execute(step.sql, step.params); err != nil {
			return PreloadedLotIDs{}, err
		}
	}
	return PreloadedLotIDs{
		SignalID: signalID,
		OrderID:  orderID,
		FillID:   fillID,
		LotID:    lotID,
	}, nil
}
