package store

import "strings"

// The substrate schema. Decimals are stored as 18-digit fixed-point text so
// the stored bytes are exactly the hashed bytes; timestamps are RFC-3339 Z
// text, which compares chronologically as text. Append-only triggers reject
// every UPDATE and DELETE on lineage tables. Arithmetic invariants (ledger
// chain, portfolio identity) are enforced by the runtime validator, not by
// CHECK constraints, because SQLite would compare them in floating point.

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_migration_control (
	migration_id    TEXT NOT NULL,
	applied_at_utc  TEXT NOT NULL,
	schema_hash     TEXT NOT NULL,
	PRIMARY KEY (migration_id)
);

CREATE TABLE IF NOT EXISTS account (
	account_id      INTEGER NOT NULL,
	account_label   TEXT NOT NULL,
	base_currency   TEXT NOT NULL DEFAULT 'USD',
	created_at_utc  TEXT NOT NULL,
	PRIMARY KEY (account_id),
	CHECK (length(trim(account_label)) > 0)
);

CREATE TABLE IF NOT EXISTS asset (
	asset_id   INTEGER NOT NULL,
	symbol     TEXT NOT NULL,
	venue      TEXT NOT NULL,
	tick_size  TEXT NOT NULL,
	lot_size   TEXT NOT NULL,
	PRIMARY KEY (asset_id),
	UNIQUE (symbol, venue)
);

CREATE TABLE IF NOT EXISTS cost_profile (
	cost_profile_id     INTEGER NOT NULL,
	venue               TEXT NOT NULL,
	fee_rate            TEXT NOT NULL,
	slippage_param_hash TEXT NOT NULL,
	is_active           INTEGER NOT NULL DEFAULT 1,
	effective_from_utc  TEXT NOT NULL,
	effective_to_utc    TEXT,
	PRIMARY KEY (cost_profile_id),
	CHECK (length(slippage_param_hash) = 64)
);

CREATE TABLE IF NOT EXISTS risk_profile (
	profile_version                 TEXT NOT NULL,
	total_exposure_mode             TEXT NOT NULL,
	max_total_exposure_pct          TEXT,
	max_total_exposure_amount       TEXT,
	cluster_exposure_mode           TEXT NOT NULL,
	max_cluster_exposure_pct        TEXT,
	max_cluster_exposure_amount     TEXT,
	max_concurrent_positions        INTEGER NOT NULL,
	severe_loss_drawdown_trigger    TEXT NOT NULL,
	volatility_feature_id           INTEGER NOT NULL,
	volatility_target               TEXT NOT NULL,
	volatility_scale_floor          TEXT NOT NULL,
	volatility_scale_ceiling        TEXT NOT NULL,
	hold_min_expected_return        TEXT NOT NULL,
	exit_expected_return_threshold  TEXT NOT NULL,
	recovery_hold_prob_up_threshold TEXT NOT NULL,
	recovery_exit_prob_up_threshold TEXT NOT NULL,
	derisk_fraction                 TEXT NOT NULL,
	signal_persistence_required     INTEGER NOT NULL,
	row_hash                        TEXT NOT NULL,
	PRIMARY KEY (profile_version),
	CHECK (total_exposure_mode IN ('PERCENT_OF_PV', 'ABSOLUTE_AMOUNT')),
	CHECK (cluster_exposure_mode IN ('PERCENT_OF_PV', 'ABSOLUTE_AMOUNT')),
	CHECK (signal_persistence_required >= 1)
);

CREATE TABLE IF NOT EXISTS account_risk_profile_assignment (
	assignment_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id         INTEGER NOT NULL,
	profile_version    TEXT NOT NULL,
	effective_from_utc TEXT NOT NULL,
	effective_to_utc   TEXT,
	FOREIGN KEY (account_id) REFERENCES account (account_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (profile_version) REFERENCES risk_profile (profile_version)
		ON UPDATE RESTRICT ON DELETE RESTRICT
);

CREATE TABLE IF NOT EXISTS asset_cluster_membership (
	membership_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_id           INTEGER NOT NULL,
	cluster_id         INTEGER NOT NULL,
	membership_hash    TEXT NOT NULL,
	effective_from_utc TEXT NOT NULL,
	effective_to_utc   TEXT,
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT
);

CREATE TABLE IF NOT EXISTS model_training_window (
	training_window_id   INTEGER NOT NULL,
	backtest_run_id      TEXT NOT NULL,
	model_version_id     INTEGER NOT NULL,
	fold_index           INTEGER NOT NULL,
	horizon              TEXT NOT NULL,
	train_end_utc        TEXT NOT NULL,
	valid_start_utc      TEXT NOT NULL,
	valid_end_utc        TEXT NOT NULL,
	training_window_hash TEXT NOT NULL,
	row_hash             TEXT NOT NULL,
	PRIMARY KEY (training_window_id),
	CHECK (horizon IN ('H1', 'H4', 'H24'))
);

CREATE TABLE IF NOT EXISTS model_activation_gate (
	activation_id             INTEGER NOT NULL,
	model_version_id          INTEGER NOT NULL,
	run_mode                  TEXT NOT NULL,
	validation_window_end_utc TEXT NOT NULL,
	status                    TEXT NOT NULL,
	approval_hash             TEXT NOT NULL,
	PRIMARY KEY (activation_id),
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (status IN ('APPROVED', 'PENDING', 'REVOKED'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_activation_approved_per_mode
	ON model_activation_gate (model_version_id, run_mode)
	WHERE status = 'APPROVED';

CREATE TABLE IF NOT EXISTS feature_snapshot (
	run_id       TEXT NOT NULL,
	run_mode     TEXT NOT NULL,
	asset_id     INTEGER NOT NULL,
	feature_id   INTEGER NOT NULL,
	hour_ts_utc  TEXT NOT NULL,
	feature_value TEXT NOT NULL,
	row_hash     TEXT NOT NULL,
	PRIMARY KEY (run_id, run_mode, asset_id, feature_id, hour_ts_utc),
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE'))
);

CREATE TABLE IF NOT EXISTS market_ohlcv_hourly (
	asset_id     INTEGER NOT NULL,
	hour_ts_utc  TEXT NOT NULL,
	source_venue TEXT NOT NULL,
	open_price   TEXT NOT NULL,
	high_price   TEXT NOT NULL,
	low_price    TEXT NOT NULL,
	close_price  TEXT NOT NULL,
	volume       TEXT NOT NULL,
	row_hash     TEXT NOT NULL,
	PRIMARY KEY (asset_id, hour_ts_utc, source_venue),
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS order_book_snapshot (
	asset_id       INTEGER NOT NULL,
	snapshot_ts_utc TEXT NOT NULL,
	hour_ts_utc    TEXT NOT NULL,
	best_bid_price TEXT NOT NULL,
	best_ask_price TEXT NOT NULL,
	best_bid_size  TEXT NOT NULL,
	best_ask_size  TEXT NOT NULL,
	row_hash       TEXT NOT NULL,
	PRIMARY KEY (asset_id, snapshot_ts_utc),
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS run_context (
	run_id             TEXT NOT NULL,
	account_id         INTEGER NOT NULL,
	run_mode           TEXT NOT NULL,
	hour_ts_utc        TEXT NOT NULL,
	origin_hour_ts_utc TEXT NOT NULL,
	run_seed_hash      TEXT NOT NULL,
	context_hash       TEXT NOT NULL,
	replay_root_hash   TEXT NOT NULL,
	PRIMARY KEY (run_id),
	UNIQUE (account_id, run_mode, origin_hour_ts_utc),
	UNIQUE (run_id, account_id, run_mode, origin_hour_ts_utc),
	FOREIGN KEY (account_id) REFERENCES account (account_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z'),
	CHECK (length(run_seed_hash) = 64),
	CHECK (length(context_hash) = 64)
);

CREATE TABLE IF NOT EXISTS model_prediction (
	run_id                  TEXT NOT NULL,
	account_id              INTEGER NOT NULL,
	run_mode                TEXT NOT NULL,
	asset_id                INTEGER NOT NULL,
	hour_ts_utc             TEXT NOT NULL,
	horizon                 TEXT NOT NULL,
	model_version_id        INTEGER NOT NULL,
	prob_up                 TEXT NOT NULL,
	expected_return         TEXT NOT NULL,
	upstream_hash           TEXT NOT NULL,
	row_hash                TEXT NOT NULL,
	training_window_id      INTEGER,
	lineage_backtest_run_id TEXT,
	lineage_fold_index      INTEGER,
	lineage_horizon         TEXT,
	activation_id           INTEGER,
	PRIMARY KEY (run_id, asset_id, horizon, model_version_id, hour_ts_utc),
	FOREIGN KEY (run_id, account_id, run_mode, hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (training_window_id) REFERENCES model_training_window (training_window_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (activation_id) REFERENCES model_activation_gate (activation_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (horizon IN ('H1', 'H4', 'H24')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS regime_output (
	run_id                  TEXT NOT NULL,
	account_id              INTEGER NOT NULL,
	run_mode                TEXT NOT NULL,
	asset_id                INTEGER NOT NULL,
	hour_ts_utc             TEXT NOT NULL,
	model_version_id        INTEGER NOT NULL,
	regime_label            TEXT NOT NULL,
	upstream_hash           TEXT NOT NULL,
	row_hash                TEXT NOT NULL,
	training_window_id      INTEGER,
	lineage_backtest_run_id TEXT,
	lineage_fold_index      INTEGER,
	lineage_horizon         TEXT,
	activation_id           INTEGER,
	PRIMARY KEY (run_id, asset_id, model_version_id, hour_ts_utc),
	FOREIGN KEY (run_id, account_id, run_mode, hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS risk_hourly_state (
	run_mode                 TEXT NOT NULL,
	account_id               INTEGER NOT NULL,
	hour_ts_utc              TEXT NOT NULL,
	source_run_id            TEXT NOT NULL,
	portfolio_value          TEXT NOT NULL,
	peak_portfolio_value     TEXT NOT NULL,
	drawdown_pct             TEXT NOT NULL,
	drawdown_tier            TEXT NOT NULL,
	base_risk_fraction       TEXT NOT NULL,
	max_concurrent_positions INTEGER NOT NULL,
	max_total_exposure_pct   TEXT NOT NULL,
	max_cluster_exposure_pct TEXT NOT NULL,
	halt_new_entries         INTEGER NOT NULL,
	kill_switch_active       INTEGER NOT NULL,
	kill_switch_reason       TEXT,
	requires_manual_review   INTEGER NOT NULL DEFAULT 0,
	state_hash               TEXT NOT NULL,
	row_hash                 TEXT NOT NULL,
	PRIMARY KEY (run_mode, account_id, hour_ts_utc),
	FOREIGN KEY (account_id) REFERENCES account (account_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (drawdown_tier IN ('NORMAL', 'DD10', 'DD15', 'HALT20')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (kill_switch_active = 0 OR length(trim(kill_switch_reason)) > 0),
	CHECK (max_concurrent_positions BETWEEN 0 AND 10)
);

CREATE TABLE IF NOT EXISTS portfolio_hourly_state (
	run_mode            TEXT NOT NULL,
	account_id          INTEGER NOT NULL,
	hour_ts_utc         TEXT NOT NULL,
	source_run_id       TEXT NOT NULL,
	cash_balance        TEXT NOT NULL,
	market_value        TEXT NOT NULL,
	portfolio_value     TEXT NOT NULL,
	total_exposure_pct  TEXT NOT NULL,
	open_position_count INTEGER NOT NULL,
	halted              INTEGER NOT NULL DEFAULT 0,
	row_hash            TEXT NOT NULL,
	PRIMARY KEY (run_mode, account_id, hour_ts_utc),
	FOREIGN KEY (account_id) REFERENCES account (account_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (open_position_count BETWEEN 0 AND 10)
);

CREATE TABLE IF NOT EXISTS cluster_exposure_hourly_state (
	run_mode                 TEXT NOT NULL,
	account_id               INTEGER NOT NULL,
	cluster_id               INTEGER NOT NULL,
	hour_ts_utc              TEXT NOT NULL,
	source_run_id            TEXT NOT NULL,
	exposure_pct             TEXT NOT NULL,
	max_cluster_exposure_pct TEXT NOT NULL,
	state_hash               TEXT NOT NULL,
	parent_risk_hash         TEXT NOT NULL,
	row_hash                 TEXT NOT NULL,
	PRIMARY KEY (run_mode, account_id, cluster_id, hour_ts_utc),
	FOREIGN KEY (run_mode, account_id, hour_ts_utc)
		REFERENCES risk_hourly_state (run_mode, account_id, hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS position_hourly_state (
	run_mode       TEXT NOT NULL,
	account_id     INTEGER NOT NULL,
	asset_id       INTEGER NOT NULL,
	hour_ts_utc    TEXT NOT NULL,
	source_run_id  TEXT NOT NULL,
	quantity       TEXT NOT NULL,
	exposure_pct   TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	row_hash       TEXT NOT NULL,
	PRIMARY KEY (run_mode, account_id, asset_id, hour_ts_utc),
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS trade_signal (
	signal_id                 TEXT NOT NULL,
	run_id                    TEXT NOT NULL,
	run_mode                  TEXT NOT NULL,
	account_id                INTEGER NOT NULL,
	asset_id                  INTEGER NOT NULL,
	hour_ts_utc               TEXT NOT NULL,
	horizon                   TEXT NOT NULL,
	action                    TEXT NOT NULL,
	direction                 TEXT NOT NULL,
	confidence                TEXT NOT NULL,
	expected_return           TEXT NOT NULL,
	assumed_fee_rate          TEXT NOT NULL,
	assumed_slippage_rate     TEXT NOT NULL,
	net_edge                  TEXT NOT NULL,
	target_position_notional  TEXT NOT NULL,
	position_size_fraction    TEXT NOT NULL,
	risk_state_hour_ts_utc    TEXT NOT NULL,
	decision_hash             TEXT NOT NULL,
	risk_state_run_id         TEXT NOT NULL,
	cluster_membership_id     INTEGER NOT NULL,
	upstream_hash             TEXT NOT NULL,
	row_hash                  TEXT NOT NULL,
	PRIMARY KEY (signal_id),
	UNIQUE (signal_id, run_id, run_mode, account_id, asset_id),
	UNIQUE (signal_id, cluster_membership_id),
	UNIQUE (signal_id, risk_state_run_id),
	FOREIGN KEY (run_id, account_id, run_mode, hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (asset_id) REFERENCES asset (asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (horizon IN ('H1', 'H4', 'H24')),
	CHECK (action IN ('ENTER', 'HOLD', 'EXIT')),
	CHECK (direction IN ('LONG', 'FLAT')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (length(decision_hash) = 64),
	CHECK (length(row_hash) = 64)
);

CREATE TABLE IF NOT EXISTS order_request (
	order_id                 TEXT NOT NULL,
	signal_id                TEXT NOT NULL,
	run_id                   TEXT NOT NULL,
	run_mode                 TEXT NOT NULL,
	account_id               INTEGER NOT NULL,
	asset_id                 INTEGER NOT NULL,
	client_order_id          TEXT NOT NULL,
	request_ts_utc           TEXT NOT NULL,
	hour_ts_utc              TEXT NOT NULL,
	side                     TEXT NOT NULL,
	order_type               TEXT NOT NULL,
	tif                      TEXT NOT NULL,
	limit_price              TEXT,
	requested_qty            TEXT NOT NULL,
	requested_notional       TEXT NOT NULL,
	pre_order_cash_available TEXT NOT NULL,
	risk_check_passed        INTEGER NOT NULL,
	status                   TEXT NOT NULL,
	attempt_seq              INTEGER NOT NULL,
	cost_profile_id          INTEGER NOT NULL,
	origin_hour_ts_utc       TEXT NOT NULL,
	risk_state_run_id        TEXT NOT NULL,
	cluster_membership_id    INTEGER NOT NULL,
	parent_signal_hash       TEXT NOT NULL,
	row_hash                 TEXT NOT NULL,
	PRIMARY KEY (order_id),
	UNIQUE (client_order_id),
	UNIQUE (order_id, run_id, run_mode, account_id, asset_id),
	FOREIGN KEY (run_id, account_id, run_mode, origin_hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (signal_id, cluster_membership_id)
		REFERENCES trade_signal (signal_id, cluster_membership_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (signal_id, risk_state_run_id)
		REFERENCES trade_signal (signal_id, risk_state_run_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	FOREIGN KEY (cost_profile_id) REFERENCES cost_profile (cost_profile_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (side IN ('BUY', 'SELL')),
	CHECK (order_type IN ('LIMIT', 'MARKET')),
	CHECK (status IN ('NEW', 'ACK', 'PARTIAL', 'FILLED', 'CANCELLED', 'REJECTED')),
	CHECK (tif IN ('GTC', 'IOC', 'FOK')),
	CHECK (length(trim(client_order_id)) > 0),
	CHECK ((order_type = 'LIMIT' AND limit_price IS NOT NULL) OR (order_type = 'MARKET' AND limit_price IS NULL)),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z'),
	CHECK (request_ts_utc >= origin_hour_ts_utc),
	CHECK (attempt_seq >= 0)
);

CREATE TABLE IF NOT EXISTS order_fill (
	fill_id                TEXT NOT NULL,
	order_id               TEXT NOT NULL,
	run_id                 TEXT NOT NULL,
	run_mode               TEXT NOT NULL,
	account_id             INTEGER NOT NULL,
	asset_id               INTEGER NOT NULL,
	exchange_trade_id      TEXT NOT NULL,
	fill_ts_utc            TEXT NOT NULL,
	hour_ts_utc            TEXT NOT NULL,
	fill_price             TEXT NOT NULL,
	fill_qty               TEXT NOT NULL,
	fill_notional          TEXT NOT NULL,
	fee_paid               TEXT NOT NULL,
	fee_rate               TEXT NOT NULL,
	realized_slippage_rate TEXT NOT NULL,
	slippage_cost          TEXT NOT NULL,
	liquidity_flag         TEXT NOT NULL DEFAULT 'UNKNOWN',
	origin_hour_ts_utc     TEXT NOT NULL,
	fee_expected           REAL GENERATED ALWAYS AS (CAST(fill_notional AS REAL) * CAST(fee_rate AS REAL)) STORED,
	parent_order_hash      TEXT NOT NULL,
	row_hash               TEXT NOT NULL,
	PRIMARY KEY (fill_id),
	UNIQUE (fill_id, run_id, run_mode, account_id, asset_id),
	FOREIGN KEY (order_id, run_id, run_mode, account_id, asset_id)
		REFERENCES order_request (order_id, run_id, run_mode, account_id, asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (liquidity_flag IN ('MAKER', 'TAKER', 'UNKNOWN')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z'),
	CHECK (fill_ts_utc >= origin_hour_ts_utc)
);

CREATE TABLE IF NOT EXISTS position_lot (
	lot_id             TEXT NOT NULL,
	open_fill_id       TEXT NOT NULL,
	run_id             TEXT NOT NULL,
	run_mode           TEXT NOT NULL,
	account_id         INTEGER NOT NULL,
	asset_id           INTEGER NOT NULL,
	hour_ts_utc        TEXT NOT NULL,
	open_ts_utc        TEXT NOT NULL,
	open_price         TEXT NOT NULL,
	open_qty           TEXT NOT NULL,
	open_notional      TEXT NOT NULL,
	open_fee           TEXT NOT NULL,
	remaining_qty      TEXT NOT NULL,
	origin_hour_ts_utc TEXT NOT NULL,
	parent_fill_hash   TEXT NOT NULL,
	row_hash           TEXT NOT NULL,
	PRIMARY KEY (lot_id),
	UNIQUE (lot_id, run_id, run_mode, account_id, asset_id),
	FOREIGN KEY (open_fill_id, run_id, run_mode, account_id, asset_id)
		REFERENCES order_fill (fill_id, run_id, run_mode, account_id, asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS executed_trade (
	trade_id            TEXT NOT NULL,
	lot_id              TEXT NOT NULL,
	run_id              TEXT NOT NULL,
	run_mode            TEXT NOT NULL,
	account_id          INTEGER NOT NULL,
	asset_id            INTEGER NOT NULL,
	hour_ts_utc         TEXT NOT NULL,
	entry_ts_utc        TEXT NOT NULL,
	exit_ts_utc         TEXT NOT NULL,
	entry_price         TEXT NOT NULL,
	exit_price          TEXT NOT NULL,
	quantity            TEXT NOT NULL,
	gross_pnl           TEXT NOT NULL,
	net_pnl             TEXT NOT NULL,
	total_fee           TEXT NOT NULL,
	total_slippage_cost TEXT NOT NULL,
	holding_hours       INTEGER NOT NULL,
	origin_hour_ts_utc  TEXT NOT NULL,
	parent_lot_hash     TEXT NOT NULL,
	row_hash            TEXT NOT NULL,
	PRIMARY KEY (trade_id),
	UNIQUE (trade_id, run_id, run_mode, account_id, asset_id),
	FOREIGN KEY (lot_id, run_id, run_mode, account_id, asset_id)
		REFERENCES position_lot (lot_id, run_id, run_mode, account_id, asset_id)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z'),
	CHECK (holding_hours >= 0)
);

CREATE TABLE IF NOT EXISTS cash_ledger (
	ledger_id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id              TEXT NOT NULL,
	run_mode            TEXT NOT NULL,
	account_id          INTEGER NOT NULL,
	event_ts_utc        TEXT NOT NULL,
	hour_ts_utc         TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	ref_type            TEXT NOT NULL,
	ref_id              TEXT NOT NULL,
	delta_cash          TEXT NOT NULL,
	balance_before      TEXT NOT NULL,
	balance_after       TEXT NOT NULL,
	ledger_seq          INTEGER NOT NULL,
	prev_ledger_hash    TEXT,
	economic_event_hash TEXT NOT NULL,
	ledger_hash         TEXT NOT NULL,
	origin_hour_ts_utc  TEXT NOT NULL,
	row_hash            TEXT NOT NULL,
	UNIQUE (account_id, run_mode, ledger_seq),
	UNIQUE (account_id, run_mode, event_ts_utc, ref_type, ref_id, event_type),
	FOREIGN KEY (run_id, account_id, run_mode, origin_hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (length(trim(event_type)) > 0),
	CHECK (length(trim(ref_type)) > 0),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z'),
	CHECK (event_ts_utc >= origin_hour_ts_utc),
	CHECK ((ledger_seq = 1 AND prev_ledger_hash IS NULL) OR (ledger_seq > 1 AND prev_ledger_hash IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS risk_event (
	risk_event_id           TEXT NOT NULL,
	run_id                  TEXT NOT NULL,
	run_mode                TEXT NOT NULL,
	account_id              INTEGER NOT NULL,
	event_ts_utc            TEXT NOT NULL,
	hour_ts_utc             TEXT NOT NULL,
	event_type              TEXT NOT NULL,
	severity                TEXT NOT NULL,
	reason_code             TEXT NOT NULL,
	details                 TEXT NOT NULL,
	related_state_hour_ts_utc TEXT NOT NULL,
	origin_hour_ts_utc      TEXT NOT NULL,
	parent_state_hash       TEXT NOT NULL,
	row_hash                TEXT NOT NULL,
	PRIMARY KEY (risk_event_id),
	FOREIGN KEY (run_id, account_id, run_mode, origin_hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (length(trim(event_type)) > 0),
	CHECK (length(trim(reason_code)) > 0),
	CHECK (substr(hour_ts_utc, 14) = ':00:00Z'),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z')
);

CREATE TABLE IF NOT EXISTS replay_manifest (
	run_id                  TEXT NOT NULL,
	account_id              INTEGER NOT NULL,
	run_mode                TEXT NOT NULL,
	origin_hour_ts_utc      TEXT NOT NULL,
	run_seed_hash           TEXT NOT NULL,
	replay_root_hash        TEXT NOT NULL,
	authoritative_row_count INTEGER NOT NULL,
	PRIMARY KEY (run_id, account_id, run_mode, origin_hour_ts_utc),
	FOREIGN KEY (run_id, account_id, run_mode, origin_hour_ts_utc)
		REFERENCES run_context (run_id, account_id, run_mode, origin_hour_ts_utc)
		ON UPDATE RESTRICT ON DELETE RESTRICT,
	CHECK (run_mode IN ('BACKTEST', 'PAPER', 'LIVE')),
	CHECK (substr(origin_hour_ts_utc, 14) = ':00:00Z'),
	CHECK (length(run_seed_hash) = 64),
	CHECK (length(replay_root_hash) = 64),
	CHECK (authoritative_row_count >= 0)
);
`

// appendOnlyTables are rejected for UPDATE and DELETE by triggers.
var appendOnlyTables = []string{
	"model_prediction",
	"regime_output",
	"risk_hourly_state",
	"portfolio_hourly_state",
	"cluster_exposure_hourly_state",
	"position_hourly_state",
	"trade_signal",
	"order_request",
	"order_fill",
	"position_lot",
	"executed_trade",
	"cash_ledger",
	"risk_event",
	"replay_manifest",
}

func schemaStatements() []string {
	var statements []string
	for _, stmt := range strings.Split(schemaDDL, ";\n\n") {
		trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";"))
		if trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	// run_context is append-only except for the one-shot replay-root seal:
	// the executor fills replay_root_hash exactly once, from blank, inside
	// the hour's transaction. Every other mutation is rejected.
	statements = append(statements,
		`CREATE TRIGGER IF NOT EXISTS trg_run_context_no_update BEFORE UPDATE ON run_context
		WHEN NOT (NEW.run_id = OLD.run_id
			AND NEW.account_id = OLD.account_id
			AND NEW.run_mode = OLD.run_mode
			AND NEW.hour_ts_utc = OLD.hour_ts_utc
			AND NEW.origin_hour_ts_utc = OLD.origin_hour_ts_utc
			AND NEW.run_seed_hash = OLD.run_seed_hash
			AND NEW.context_hash = OLD.context_hash
			AND OLD.replay_root_hash = '')
		BEGIN SELECT RAISE(ABORT, 'append-only: run_context permits only the replay-root seal'); END`,
		`CREATE TRIGGER IF NOT EXISTS trg_run_context_no_delete BEFORE DELETE ON run_context
		BEGIN SELECT RAISE(ABORT, 'append-only: run_context rejects DELETE'); END`,
	)
	for _, table := range appendOnlyTables {
		statements = append(statements,
			"CREATE TRIGGER IF NOT EXISTS trg_"+table+"_no_update BEFORE UPDATE ON "+table+
				" BEGIN SELECT RAISE(ABORT, 'append-only: "+table+" rejects UPDATE'); END",
			"CREATE TRIGGER IF NOT EXISTS trg_"+table+"_no_delete BEFORE DELETE ON "+table+
				" BEGIN SELECT RAISE(ABORT, 'append-only: "+table+" rejects DELETE'); END",
		)
	}
	return statements
}
