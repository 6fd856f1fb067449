// Package testutil seeds deterministic, self-contained fixture hours into a
// substrate. It stands in for the upstream ingestion/training pipeline in
// tests: every row it inserts is something Phase 6 would have finalized.
package testutil

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChronoLedger/canon"
	"ChronoLedger/decision"
	"ChronoLedger/domain"
	"ChronoLedger/store"
)

// Fixture hash constants. Deliberately simple repeated-character hashes so
// failures read well in diffs.
const (
	RunSeedHash        = "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	ContextHash        = "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	CapitalRowHash     = "hhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhhh"
	RiskRowHash        = "rrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrr"
	MembershipHash     = "jjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjjj"
	ClusterStateHash   = "kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk"
	ClusterRowHash     = "llllllllllllllllllllllllllllllllllllllllllllllllllllllllllllllll"
	RegimeRowHash      = "1111111111111111111111111111111111111111111111111111111111111111"
	SlippageParamHash  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	defaultPrediction  = "5555555555555555555555555555555555555555555555555555555555555555"
)

// FixtureIDs identifies the inserted deterministic hour.
type FixtureIDs struct {
	RunID               uuid.UUID
	AccountID           int64
	AssetID             int64
	ModelVersionID      int64
	ClusterMembershipID int64
	HourTsUTC           time.Time
}

// FixtureOpts tunes the fixture surface; zero values take the documented
// defaults mirroring the happy execution path.
type FixtureOpts struct {
	Seed                   string
	RunMode                domain.RunMode
	ActivationStatus       domain.ActivationStatus
	ActivationWindowEndUTC *time.Time
	HaltNewEntries         bool
	KillSwitchActive       bool
	DrawdownPct            string
	ClusterExposurePct     string
	PredictionRowHash      string
	ExpectedReturn         string
	PositionQty            string
	OmitOrderBook          bool
	OmitOhlcv              bool
	OrderBookAskSize       string
	LotSize                string
	SevereLossTrigger      string
	ProbUp                 string
}

// DeterministicUUID derives a stable test UUID from a seed label.
func DeterministicUUID(seed string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("phase-test::"+seed))
}

// FixtureHour maps a seed onto an hour-aligned timestamp in 2026.
func FixtureHour(seed string) time.Time {
	id := DeterministicUUID("hour-" + seed)
	offset := binary.BigEndian.Uint64(id[:8]) % 5000
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Hour)
}

// PredictionHashMatching searches a deterministic candidate space for a
// prediction row hash whose decision satisfies the predicate under the
// fixture's fixed upstream hashes.
func PredictionHashMatching(match func(decision.Result) bool) string {
	clusterHash := canon.StableHash(
		RunSeedHash, MembershipHash, ClusterStateHash, RiskRowHash, ClusterRowHash)
	for i := 0; i < 10000; i++ {
		candidate := canon.StableHash("prediction-candidate", int64(i))
		result := decision.Deterministic(candidate, RegimeRowHash, CapitalRowHash, RiskRowHash, clusterHash)
		if match(result) {
			return candidate
		}
	}
	panic("testutil: no candidate prediction hash satisfies predicate")
}

// PredictionHashFor returns a prediction row hash yielding the wanted action.
func PredictionHashFor(want domain.SignalAction) string {
	return PredictionHashMatching(func(r decision.Result) bool { return r.Action == want })
}

// InsertRuntimeFixture seeds one fully valid deterministic hour: account,
// asset, cost profile, risk profile and assignment, cluster membership, run
// context, prediction, regime, activation, risk/portfolio/cluster/position
// state, volatility feature, order book, and OHLCV.
func InsertRuntimeFixture(db store.Database, opts FixtureOpts) (FixtureIDs, error) {
	if opts.Seed == "" {
		opts.Seed = "fixture"
	}
	if opts.RunMode == "" {
		opts.RunMode = domain.RunModeLive
	}
	if opts.ActivationStatus == "" {
		opts.ActivationStatus = domain.ActivationApproved
	}
	if opts.PredictionRowHash == "" {
		opts.PredictionRowHash = defaultPrediction
	}
	if opts.ExpectedReturn == "" {
		opts.ExpectedReturn = "0.020000000000000000"
	}
	if opts.DrawdownPct == "" {
		opts.DrawdownPct = "0.0000000000"
	}
	if opts.ClusterExposurePct == "" {
		opts.ClusterExposurePct = "0.0100000000"
	}
	if opts.PositionQty == "" {
		opts.PositionQty = "1.000000000000000000"
	}
	if opts.OrderBookAskSize == "" {
		opts.OrderBookAskSize = "1000000.000000000000000000"
	}
	if opts.LotSize == "" {
		opts.LotSize = "0.000000010000000000"
	}
	if opts.SevereLossTrigger == "" {
		opts.SevereLossTrigger = "0.2000000000"
	}
	if opts.ProbUp == "" {
		opts.ProbUp = "0.6500000000"
	}

	runID := DeterministicUUID("run-" + opts.Seed)
	hour := FixtureHour(opts.Seed)
	accountID := scalarID("account-"+opts.Seed, 1)
	assetID := scalarID("asset-"+opts.Seed, 1)
	modelVersionID := scalarID("model-"+opts.Seed, 1)
	clusterID := scalarID("cluster-"+opts.Seed, 1)
	costProfileID := scalarID("cost-"+opts.Seed, 1)
	activationID := scalarID("activation-"+opts.Seed, 1)
	featureID := scalarID("feature-"+opts.Seed, 1)

	drawdown := canon.MustDecimal(opts.DrawdownPct)
	tier := domain.TierForDrawdown(drawdown)
	haltNewEntries := opts.HaltNewEntries
	requiresReview := false
	baseRiskFraction := "0.0200000000"
	if tier == domain.TierHalt20 {
		haltNewEntries = true
		requiresReview = true
		baseRiskFraction = "0.0000000000"
	}

	steps := []stmt{
		{
			sql: `INSERT INTO account (account_id, account_label, base_currency, created_at_utc)
				VALUES (:account_id, :account_label, 'USD', :created_at_utc)`,
			params: map[string]any{
				"account_id":     accountID,
				"account_label":  "ACC_" + strings.ToUpper(opts.Seed),
				"created_at_utc": hour.Add(-365 * 24 * time.Hour),
			},
		},
		{
			sql: `INSERT INTO asset (asset_id, symbol, venue, tick_size, lot_size)
				VALUES (:asset_id, :symbol, 'KRAKEN', '0.000000010000000000', :lot_size)`,
			params: map[string]any{
				"asset_id": assetID,
				"symbol":   "AS" + strings.ToUpper(opts.Seed),
				"lot_size": opts.LotSize,
			},
		},
		{
			sql: `INSERT INTO cost_profile (
					cost_profile_id, venue, fee_rate, slippage_param_hash, is_active,
					effective_from_utc, effective_to_utc
				) VALUES (
					:cost_profile_id, 'KRAKEN', '0.004000', :slippage_param_hash, 1,
					:effective_from_utc, NULL
				)`,
			params: map[string]any{
				"cost_profile_id":     costProfileID,
				"slippage_param_hash": SlippageParamHash,
				"effective_from_utc":  hour.Add(-30 * 24 * time.Hour),
			},
		},
		{
			sql: `INSERT INTO risk_profile (
					profile_version, total_exposure_mode, max_total_exposure_pct, max_total_exposure_amount,
					cluster_exposure_mode, max_cluster_exposure_pct, max_cluster_exposure_amount,
					max_concurrent_positions, severe_loss_drawdown_trigger, volatility_feature_id,
					volatility_target, volatility_scale_floor, volatility_scale_ceiling,
					hold_min_expected_return, exit_expected_return_threshold,
					recovery_hold_prob_up_threshold, recovery_exit_prob_up_threshold,
					derisk_fraction, signal_persistence_required, row_hash
				) VALUES (
					:profile_version, 'PERCENT_OF_PV', '0.2000000000', NULL,
					'PERCENT_OF_PV', '0.0800000000', NULL,
					10, :severe_loss_trigger, :volatility_feature_id,
					'0.0200000000', '0.5000000000', '1.5000000000',
					'0.000000000000000000', '-0.005000000000000000',
					'0.6000000000', '0.3500000000',
					'0.5000000000', 1, :row_hash
				)`,
			params: map[string]any{
				"profile_version":       "profile_" + strings.ToLower(opts.Seed),
				"severe_loss_trigger":   opts.SevereLossTrigger,
				"volatility_feature_id": featureID,
				"row_hash":              strings.Repeat("z", 64),
			},
		},
		{
			sql: `INSERT INTO account_risk_profile_assignment (
					account_id, profile_version, effective_from_utc, effective_to_utc
				) VALUES (:account_id, :profile_version, :effective_from_utc, NULL)`,
			params: map[string]any{
				"account_id":         accountID,
				"profile_version":    "profile_" + strings.ToLower(opts.Seed),
				"effective_from_utc": hour.Add(-24 * time.Hour),
			},
		},
		{
			sql: `INSERT INTO run_context (
					run_id, account_id, run_mode, hour_ts_utc, origin_hour_ts_utc,
					run_seed_hash, context_hash, replay_root_hash
				) VALUES (
					:run_id, :account_id, :run_mode, :hour_ts_utc, :origin_hour_ts_utc,
					:run_seed_hash, :context_hash, ''
				)`,
			params: map[string]any{
				"run_id":             runID,
				"account_id":         accountID,
				"run_mode":           opts.RunMode,
				"hour_ts_utc":        hour,
				"origin_hour_ts_utc": hour,
				"run_seed_hash":      RunSeedHash,
				"context_hash":       ContextHash,
			},
		},
		{
			sql: `INSERT INTO portfolio_hourly_state (
					run_mode, account_id, hour_ts_utc, source_run_id, cash_balance,
					market_value, portfolio_value, total_exposure_pct, open_position_count,
					halted, row_hash
				) VALUES (
					:run_mode, :account_id, :hour_ts_utc, :source_run_id,
					'10000.000000000000000000', '0.000000000000000000',
					'10000.000000000000000000', '0.0100000000', 1, 0, :row_hash
				)`,
			params: map[string]any{
				"run_mode":      opts.RunMode,
				"account_id":    accountID,
				"hour_ts_utc":   hour,
				"source_run_id": runID,
				"row_hash":      CapitalRowHash,
			},
		},
		{
			sql: `INSERT INTO risk_hourly_state (
					run_mode, account_id, hour_ts_utc, source_run_id, portfolio_value,
					peak_portfolio_value, drawdown_pct, drawdown_tier, base_risk_fraction,
					max_concurrent_positions, max_total_exposure_pct, max_cluster_exposure_pct,
					halt_new_entries, kill_switch_active, kill_switch_reason,
					requires_manual_review, state_hash, row_hash
				) VALUES (
					:run_mode, :account_id, :hour_ts_utc, :source_run_id,
					'10000.000000000000000000', '10000.000000000000000000',
					:drawdown_pct, :drawdown_tier, :base_risk_fraction, 10,
					'0.2000000000', '0.0800000000', :halt_new_entries,
					:kill_switch_active, :kill_switch_reason, :requires_manual_review,
					:state_hash, :row_hash
				)`,
			params: map[string]any{
				"run_mode":               opts.RunMode,
				"account_id":             accountID,
				"hour_ts_utc":            hour,
				"source_run_id":          runID,
				"drawdown_pct":           opts.DrawdownPct,
				"drawdown_tier":          tier,
				"base_risk_fraction":     baseRiskFraction,
				"halt_new_entries":       haltNewEntries,
				"kill_switch_active":     opts.KillSwitchActive,
				"kill_switch_reason":     killSwitchReason(opts.KillSwitchActive),
				"requires_manual_review": requiresReview,
				"state_hash":             strings.Repeat("i", 64),
				"row_hash":               RiskRowHash,
			},
		},
		{
			sql: `INSERT INTO asset_cluster_membership (
					asset_id, cluster_id, membership_hash, effective_from_utc, effective_to_utc
				) VALUES (:asset_id, :cluster_id, :membership_hash, :effective_from_utc, NULL)`,
			params: map[string]any{
				"asset_id":           assetID,
				"cluster_id":         clusterID,
				"membership_hash":    MembershipHash,
				"effective_from_utc": hour.Add(-10 * 24 * time.Hour),
			},
		},
		{
			sql: `INSERT INTO cluster_exposure_hourly_state (
					run_mode, account_id, cluster_id, hour_ts_utc, source_run_id,
					exposure_pct, max_cluster_exposure_pct, state_hash, parent_risk_hash, row_hash
				) VALUES (
					:run_mode, :account_id, :cluster_id, :hour_ts_utc, :source_run_id,
					:exposure_pct, '0.0800000000', :state_hash, :parent_risk_hash, :row_hash
				)`,
			params: map[string]any{
				"run_mode":         opts.RunMode,
				"account_id":       accountID,
				"cluster_id":       clusterID,
				"hour_ts_utc":      hour,
				"source_run_id":    runID,
				"exposure_pct":     opts.ClusterExposurePct,
				"state_hash":       ClusterStateHash,
				"parent_risk_hash": RiskRowHash,
				"row_hash":         ClusterRowHash,
			},
		},
		{
			sql: `INSERT INTO position_hourly_state (
					run_mode, account_id, asset_id, hour_ts_utc, source_run_id,
					quantity, exposure_pct, unrealized_pnl, row_hash
				) VALUES (
					:run_mode, :account_id, :asset_id, :hour_ts_utc, :source_run_id,
					:quantity, '0.0100000000', '0.000000000000000000', :row_hash
				)`,
			params: map[string]any{
				"run_mode":      opts.RunMode,
				"account_id":    accountID,
				"asset_id":      assetID,
				"hour_ts_utc":   hour,
				"source_run_id": runID,
				"quantity":      opts.PositionQty,
				"row_hash":      strings.Repeat("x", 64),
			},
		},
		{
			sql: `INSERT INTO feature_snapshot (
					run_id, run_mode, asset_id, feature_id, hour_ts_utc, feature_value, row_hash
				) VALUES (
					:run_id, :run_mode, :asset_id, :feature_id, :hour_ts_utc,
					'0.0200000000', :row_hash
				)`,
			params: map[string]any{
				"run_id":      runID,
				"run_mode":    opts.RunMode,
				"asset_id":    assetID,
				"feature_id":  featureID,
				"hour_ts_utc": hour,
				"row_hash":    strings.Repeat("v", 64),
			},
		},
	}

	if opts.RunMode != domain.RunModeBacktest {
		windowEnd := hour.Add(-time.Hour)
		if opts.ActivationWindowEndUTC != nil {
			windowEnd = *opts.ActivationWindowEndUTC
		}
		steps = append(steps, stmt{
			sql: `INSERT INTO model_activation_gate (
					activation_id, model_version_id, run_mode, validation_window_end_utc,
					status, approval_hash
				) VALUES (
					:activation_id, :model_version_id, :run_mode, :validation_window_end_utc,
					:status, :approval_hash
				)`,
			params: map[string]any{
				"activation_id":             activationID,
				"model_version_id":          modelVersionID,
				"run_mode":                  opts.RunMode,
				"validation_window_end_utc": windowEnd,
				"status":                    opts.ActivationStatus,
				"approval_hash":             strings.Repeat("m", 64),
			},
		})
	}

	predictionActivation := any(activationID)
	if opts.RunMode == domain.RunModeBacktest {
		predictionActivation = nil
	}
	steps = append(steps,
		stmt{
			sql: `INSERT INTO model_prediction (
					run_id, account_id, run_mode, asset_id, hour_ts_utc, horizon,
					model_version_id, prob_up, expected_return, upstream_hash, row_hash,
					training_window_id, lineage_backtest_run_id, lineage_fold_index,
					lineage_horizon, activation_id
				) VALUES (
					:run_id, :account_id, :run_mode, :asset_id, :hour_ts_utc, 'H1',
					:model_version_id, :prob_up, :expected_return, :upstream_hash,
					:row_hash, NULL, NULL, NULL, NULL, :activation_id
				)`,
			params: map[string]any{
				"run_id":           runID,
				"account_id":       accountID,
				"run_mode":         opts.RunMode,
				"asset_id":         assetID,
				"hour_ts_utc":      hour,
				"model_version_id": modelVersionID,
				"prob_up":          opts.ProbUp,
				"expected_return":  opts.ExpectedReturn,
				"upstream_hash":    strings.Repeat("o", 64),
				"row_hash":         opts.PredictionRowHash,
				"activation_id":    predictionActivation,
			},
		},
		stmt{
			sql: `INSERT INTO regime_output (
					run_id, account_id, run_mode, asset_id, hour_ts_utc, model_version_id,
					regime_label, upstream_hash, row_hash, training_window_id,
					lineage_backtest_run_id, lineage_fold_index, lineage_horizon, activation_id
				) VALUES (
					:run_id, :account_id, :run_mode, :asset_id, :hour_ts_utc, :model_version_id,
					'TRENDING', :upstream_hash, :row_hash, NULL, NULL, NULL, NULL, :activation_id
				)`,
			params: map[string]any{
				"run_id":           runID,
				"account_id":       accountID,
				"run_mode":         opts.RunMode,
				"asset_id":         assetID,
				"hour_ts_utc":      hour,
				"model_version_id": modelVersionID,
				"upstream_hash":    strings.Repeat("q", 64),
				"row_hash":         RegimeRowHash,
				"activation_id":    predictionActivation,
			},
		},
	)

	if !opts.OmitOrderBook {
		steps = append(steps, stmt{
			sql: `INSERT INTO order_book_snapshot (
					asset_id, snapshot_ts_utc, hour_ts_utc, best_bid_price, best_ask_price,
					best_bid_size, best_ask_size, row_hash
				) VALUES (
					:asset_id, :snapshot_ts_utc, :hour_ts_utc,
					'99.000000000000000000', '100.000000000000000000',
					'1000000.000000000000000000', :best_ask_size, :row_hash
				)`,
			params: map[string]any{
				"asset_id":        assetID,
				"snapshot_ts_utc": hour,
				"hour_ts_utc":     hour,
				"best_ask_size":   opts.OrderBookAskSize,
				"row_hash":        strings.Repeat("1", 64),
			},
		})
	}
	if !opts.OmitOhlcv {
		steps = append(steps, stmt{
			sql: `INSERT INTO market_ohlcv_hourly (
					asset_id, hour_ts_utc, source_venue, open_price, high_price, low_price,
					close_price, volume, row_hash
				) VALUES (
					:asset_id, :hour_ts_utc, 'KRAKEN',
					'100.000000000000000000', '100.000000000000000000',
					'100.000000000000000000', '100.000000000000000000',
					'0.000000000000000000', :row_hash
				)`,
			params: map[string]any{
				"asset_id":    assetID,
				"hour_ts_utc": hour,
				"row_hash":    strings.Repeat("2", 64),
			},
		})
	}

	for _, step := range steps {
		if err := db.Execute(step.sql, step.params); err != nil {
			return FixtureIDs{}, err
		}
	}

	membershipRow, err := db.FetchOne(`
		SELECT membership_id FROM asset_cluster_membership WHERE asset_id = :asset_id`,
		map[string]any{"asset_id": assetID})
	if err != nil {
		return FixtureIDs{}, err
	}

	return FixtureIDs{
		RunID:               runID,
		AccountID:           accountID,
		AssetID:             assetID,
		ModelVersionID:      modelVersionID,
		ClusterMembershipID: membershipRow.Int64("membership_id"),
		HourTsUTC:           hour,
	}, nil
}

type stmt struct {
	sql    string
	params map[string]any
}

func scalarID(seed string, floor int64) int64 {
	id := DeterministicUUID(seed)
	return floor + int64(binary.BigEndian.Uint64(id[:8])%10000)
}

func killSwitchReason(active bool) any {
	if active {
		return "TEST_KILL"
	}
	return nil
}
