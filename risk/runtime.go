// Package risk implements the layered runtime risk enforcement: the risk
// state machine, admission gates, adaptive horizon overrides, severe-loss
// recovery policy, and volatility-adjusted sizing. Every function is a pure
// evaluation over the immutable execution context.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
)

// Violation is one deterministic admission gate failure.
type Violation struct {
	EventType  string
	Severity   string
	ReasonCode string
	Detail     string
}

// StateEvaluation is the state machine result for the active context.
type StateEvaluation struct {
	State      domain.RiskStateMode
	ReasonCode string
	Detail     string
}

// SizingEvaluation is the volatility-adjusted sizing result.
type SizingEvaluation struct {
	AdjustedFraction   decimal.Decimal
	ReasonCode         string
	Detail             string
	BaseFraction       decimal.Decimal
	ObservedVolatility *decimal.Decimal
	VolatilityScale    decimal.Decimal
}

// ActionEvaluation is an action override result.
type ActionEvaluation struct {
	Action     domain.SignalAction
	ReasonCode string
	Detail     string
}

var (
	epsilon = canon.MustDecimal("0.0000000001")
	one     = decimal.NewFromInt(1)
)

// EvaluateStateMachine resolves the layered risk state for the hour:
// kill switch, then entry halt, then severe-loss recovery, then normal.
func EvaluateStateMachine(ctx *domain.ExecutionContext) StateEvaluation {
	if ctx.RiskState.KillSwitchActive {
		return StateEvaluation{
			State:      domain.RiskStateKillSwitchLockdown,
			ReasonCode: "KILL_SWITCH_ACTIVE",
			Detail:     "Kill switch is active; new entries are blocked.",
		}
	}
	if ctx.RiskState.HaltNewEntries {
		return StateEvaluation{
			State:      domain.RiskStateEntryHalt,
			ReasonCode: "HALT_NEW_ENTRIES_ACTIVE",
			Detail:     "Drawdown/risk halt is active; new entries are blocked.",
		}
	}
	if ctx.RiskState.DrawdownPct.GreaterThanOrEqual(ctx.RiskProfile.SevereLossDrawdownTrigger) {
		return StateEvaluation{
			State:      domain.RiskStateSevereLossRecovery,
			ReasonCode: "SEVERE_LOSS_RECOVERY_MODE",
			Detail:     "Severe-loss recovery mode active; prioritize de-risking over new exposure.",
		}
	}
	return StateEvaluation{
		State:      domain.RiskStateNormal,
		ReasonCode: "NORMAL",
		Detail:     "Risk state within normal admission bounds.",
	}
}

// ComputeVolatilityAdjustedFraction deterministically scales entry size by
// the profile volatility controls. Non-entry actions always size to zero.
func ComputeVolatilityAdjustedFraction(
	action domain.SignalAction,
	candidateFraction decimal.Decimal,
	assetID int64,
	ctx *domain.ExecutionContext,
) SizingEvaluation {
	if action != domain.ActionEnter {
		zero := canon.Quantize10(decimal.Zero)
		return SizingEvaluation{
			AdjustedFraction: zero,
			ReasonCode:       "VOLATILITY_SIZING_NOT_APPLICABLE",
			Detail:           "Volatility sizing is only applied to ENTER actions.",
			BaseFraction:     zero,
			VolatilityScale:  zero,
		}
	}

	capped := decimal.Min(candidateFraction, ctx.RiskState.BaseRiskFraction)
	baseFraction := canon.Quantize10(decimal.Max(decimal.Zero, capped))

	feature := ctx.FindVolatilityFeature(assetID)
	if feature == nil || feature.FeatureValue.LessThanOrEqual(decimal.Zero) {
		eval := SizingEvaluation{
			AdjustedFraction: baseFraction,
			ReasonCode:       "VOLATILITY_FALLBACK_BASE",
			Detail:           "Missing or non-positive volatility input; using base fraction without scaling.",
			BaseFraction:     baseFraction,
			VolatilityScale:  canon.Quantize10(one),
		}
		if feature != nil {
			value := feature.FeatureValue
			eval.ObservedVolatility = &value
		}
		return eval
	}

	observed := feature.FeatureValue
	rawScale := ctx.RiskProfile.VolatilityTarget.Div(decimal.Max(observed, epsilon))
	clipped := decimal.Min(ctx.RiskProfile.VolatilityScaleCeiling,
		decimal.Max(ctx.RiskProfile.VolatilityScaleFloor, rawScale))
	scale := canon.Quantize10(clipped)
	adjusted := canon.Quantize10(baseFraction.Mul(scale))
	adjusted = decimal.Min(canon.Quantize10(one), decimal.Max(decimal.Zero, adjusted))

	return SizingEvaluation{
		AdjustedFraction:   adjusted,
		ReasonCode:         "VOLATILITY_SIZED",
		Detail:             "Applied deterministic volatility-adjusted sizing.",
		BaseFraction:       baseFraction,
		ObservedVolatility: &observed,
		VolatilityScale:    scale,
	}
}

// EvaluateAdaptiveHorizonAction applies hold/exit overrides for assets with
// an open position. Persistence policy is safety-biased: a negative signal
// with pending confirmations defers EXIT intent to HOLD.
func EvaluateAdaptiveHorizonAction(
	candidate domain.SignalAction,
	prediction *domain.PredictionState,
	ctx *domain.ExecutionContext,
) ActionEvaluation {
	position := ctx.FindPosition(prediction.AssetID)
	if position == nil || position.Quantity.LessThanOrEqual(decimal.Zero) {
		return ActionEvaluation{
			Action:     candidate,
			ReasonCode: "ADAPTIVE_HORIZON_NO_OPEN_POSITION",
			Detail:     "No open position exists for adaptive horizon override.",
		}
	}

	profile := ctx.RiskProfile
	persistencePending := ActionEvaluation{
		Action:     domain.ActionHold,
		ReasonCode: "ADAPTIVE_HORIZON_PERSISTENCE_PENDING",
		Detail: "Negative signal detected but persistence window requires additional confirmations; " +
			"forcing HOLD until persistence is satisfied.",
	}

	if candidate == domain.ActionEnter {
		if prediction.ExpectedReturn.LessThanOrEqual(profile.ExitExpectedReturnThresh) &&
			profile.SignalPersistenceRequired > 1 {
			return persistencePending
		}
		return ActionEvaluation{
			Action:     candidate,
			ReasonCode: "ADAPTIVE_HORIZON_NO_OVERRIDE",
			Detail:     "Entry candidates are governed by admission gates, not horizon extension logic.",
		}
	}

	if prediction.ExpectedReturn.GreaterThanOrEqual(profile.HoldMinExpectedReturn) {
		return ActionEvaluation{
			Action:     domain.ActionHold,
			ReasonCode: "ADAPTIVE_HORIZON_HOLD_EXTENDED",
			Detail:     "Expected return remains above hold threshold; extending hold horizon.",
		}
	}

	if prediction.ExpectedReturn.LessThanOrEqual(profile.ExitExpectedReturnThresh) {
		if profile.SignalPersistenceRequired <= 1 {
			return ActionEvaluation{
				Action:     domain.ActionExit,
				ReasonCode: "ADAPTIVE_HORIZON_EXIT_PERSISTENT_NEGATIVE",
				Detail:     "Negative expectation threshold breached with satisfied persistence policy.",
			}
		}
		return persistencePending
	}

	return ActionEvaluation{
		Action:     candidate,
		ReasonCode: "ADAPTIVE_HORIZON_NO_OVERRIDE",
		Detail:     "Adaptive horizon thresholds did not require action override.",
	}
}

// EvaluateSevereLossRecoveryAction determines the recovery branch action for
// non-ENTER candidates while the state machine is in severe-loss recovery.
func EvaluateSevereLossRecoveryAction(
	candidate domain.SignalAction,
	prediction *domain.PredictionState,
	ctx *domain.ExecutionContext,
) ActionEvaluation {
	state := EvaluateStateMachine(ctx)
	if state.State != domain.RiskStateSevereLossRecovery {
		return ActionEvaluation{
			Action:     candidate,
			ReasonCode: "NO_SEVERE_LOSS_RECOVERY",
			Detail:     "Risk state is not in severe-loss recovery mode.",
		}
	}

	profile := ctx.RiskProfile
	if candidate == domain.ActionEnter {
		return ActionEvaluation{
			Action:     candidate,
			ReasonCode: "SEVERE_RECOVERY_ENTRY_PENDING_GATE",
			Detail:     "Entry candidate is deferred to severe-loss entry gate enforcement.",
		}
	}

	if prediction.ProbUp.GreaterThanOrEqual(profile.RecoveryHoldProbUpThresh) {
		return ActionEvaluation{
			Action:     domain.ActionHold,
			ReasonCode: "SEVERE_RECOVERY_HOLD",
			Detail:     "Recovery probability is credible; continue holding.",
		}
	}

	if prediction.ProbUp.LessThanOrEqual(profile.RecoveryExitProbUpThresh) ||
		prediction.ExpectedReturn.LessThanOrEqual(profile.ExitExpectedReturnThresh) {
		return ActionEvaluation{
			Action:     domain.ActionExit,
			ReasonCode: "SEVERE_RECOVERY_EXIT",
			Detail:     "Recovery outlook is weak; full exit is required.",
		}
	}

	return ActionEvaluation{
		Action:     domain.ActionHold,
		ReasonCode: "SEVERE_RECOVERY_DERISK_INTENT",
		Detail: fmt.Sprintf(
			"Mixed recovery outlook; emit deterministic de-risk intent with derisk_fraction=%s.",
			profile.DeriskFraction.String(),
		),
	}
}

// EnforceCrossAccountIsolation asserts risk/capital/cluster rows all carry
// the run context's account.
func EnforceCrossAccountIsolation(ctx *domain.ExecutionContext) []Violation {
	accountID := ctx.RunContext.AccountID
	var violations []Violation
	if ctx.RiskState.AccountID != accountID {
		violations = append(violations, Violation{
			EventType:  "RISK_GATE",
			Severity:   "CRITICAL",
			ReasonCode: "CROSS_ACCOUNT_RISK_STATE",
			Detail:     "risk_hourly_state account_id does not match run_context account_id.",
		})
	}
	if ctx.CapitalState.AccountID != accountID {
		violations = append(violations, Violation{
			EventType:  "RISK_GATE",
			Severity:   "CRITICAL",
			ReasonCode: "CROSS_ACCOUNT_CAPITAL_STATE",
			Detail:     "portfolio_hourly_state account_id does not match run_context account_id.",
		})
	}
	for _, cluster := range ctx.ClusterStates {
		if cluster.AccountID != accountID {
			violations = append(violations, Violation{
				EventType:  "RISK_GATE",
				Severity:   "CRITICAL",
				ReasonCode: "CROSS_ACCOUNT_CLUSTER_STATE",
				Detail:     "cluster_exposure_hourly_state account_id mismatch.",
			})
			break
		}
	}
	return violations
}

// EnforceRuntimeRiskGate blocks new entries under halt/kill-switch. When both
// are active, kill-switch wins and only that violation is emitted.
func EnforceRuntimeRiskGate(action domain.SignalAction, ctx *domain.ExecutionContext) []Violation {
	if action != domain.ActionEnter {
		return nil
	}
	if ctx.RiskState.KillSwitchActive {
		return []Violation{{
			EventType:  "RISK_GATE",
			Severity:   "CRITICAL",
			ReasonCode: "KILL_SWITCH_ACTIVE",
			Detail:     "kill_switch_active is TRUE; new entries are blocked.",
		}}
	}
	if ctx.RiskState.HaltNewEntries {
		return []Violation{{
			EventType:  "RISK_GATE",
			Severity:   "HIGH",
			ReasonCode: "HALT_NEW_ENTRIES_ACTIVE",
			Detail:     "halt_new_entries is TRUE; new entries are blocked.",
		}}
	}
	return nil
}

// EnforcePositionCountCap applies the max concurrent position admission cap.
func EnforcePositionCountCap(action domain.SignalAction, ctx *domain.ExecutionContext) []Violation {
	if action != domain.ActionEnter {
		return nil
	}
	maxPositions := ctx.RiskProfile.MaxConcurrentPositions
	if maxPositions < 0 {
		return []Violation{{
			EventType:  "CAPITAL_RULE",
			Severity:   "CRITICAL",
			ReasonCode: "INVALID_MAX_CONCURRENT_POSITIONS_CONFIG",
			Detail:     "max_concurrent_positions must be >= 0.",
		}}
	}
	if ctx.CapitalState.OpenPositionCount >= maxPositions {
		return []Violation{{
			EventType:  "CAPITAL_RULE",
			Severity:   "HIGH",
			ReasonCode: "MAX_CONCURRENT_POSITIONS_EXCEEDED",
			Detail:     "open_position_count exceeds max_concurrent_positions.",
		}}
	}
	return nil
}

// EnforceSevereLossEntryGate blocks new admission in severe-loss recovery.
func EnforceSevereLossEntryGate(action domain.SignalAction, ctx *domain.ExecutionContext) []Violation {
	if action != domain.ActionEnter {
		return nil
	}
	if EvaluateStateMachine(ctx).State != domain.RiskStateSevereLossRecovery {
		return nil
	}
	return []Violation{{
		EventType:  "RISK_GATE",
		Severity:   "HIGH",
		ReasonCode: "SEVERE_LOSS_RECOVERY_ENTRY_BLOCKED",
		Detail:     "Severe-loss recovery mode is active; new entries are blocked.",
	}}
}

// EnforceCapitalPreservation applies the cash, portfolio-value, and total
// exposure admission rules under the profile's exposure mode.
func EnforceCapitalPreservation(
	action domain.SignalAction,
	targetPositionNotional decimal.Decimal,
	ctx *domain.ExecutionContext,
) []Violation {
	if action != domain.ActionEnter {
		return nil
	}

	profile := ctx.RiskProfile
	capital := ctx.CapitalState
	var violations []Violation

	if targetPositionNotional.GreaterThan(capital.CashBalance) {
		violations = append(violations, Violation{
			EventType:  "CAPITAL_RULE",
			Severity:   "HIGH",
			ReasonCode: "INSUFFICIENT_AVAILABLE_CASH",
			Detail:     "target_position_notional exceeds cash_balance.",
		})
	}
	if capital.PortfolioValue.LessThanOrEqual(decimal.Zero) {
		violations = append(violations, Violation{
			EventType:  "CAPITAL_RULE",
			Severity:   "HIGH",
			ReasonCode: "NON_POSITIVE_PORTFOLIO_VALUE",
			Detail:     "portfolio_value is non-positive; order admission is blocked.",
		})
		return violations
	}

	switch profile.TotalExposureMode {
	case domain.ExposurePercentOfPV:
		capPct := ctx.RiskState.MaxTotalExposurePct
		if profile.MaxTotalExposurePct != nil {
			capPct = *profile.MaxTotalExposurePct
		}
		projected := canon.Quantize18(
			capital.TotalExposurePct.Add(targetPositionNotional.Div(capital.PortfolioValue)),
		)
		if projected.GreaterThan(capPct) {
			violations = append(violations, Violation{
				EventType:  "CAPITAL_RULE",
				Severity:   "HIGH",
				ReasonCode: "TOTAL_EXPOSURE_CAP_EXCEEDED",
				Detail:     "Projected total exposure exceeds max_total_exposure_pct.",
			})
		}
		return violations

	case domain.ExposureAbsoluteAmount:
		capAmount := profile.MaxTotalExposureAmount
		if capAmount == nil || capAmount.LessThanOrEqual(decimal.Zero) {
			violations = append(violations, Violation{
				EventType:  "CAPITAL_RULE",
				Severity:   "CRITICAL",
				ReasonCode: "INVALID_TOTAL_EXPOSURE_ABSOLUTE_CAP",
				Detail:     "ABSOLUTE_AMOUNT mode requires max_total_exposure_amount > 0.",
			})
			return violations
		}
		current := canon.Quantize18(capital.TotalExposurePct.Mul(capital.PortfolioValue))
		projected := canon.Quantize18(current.Add(targetPositionNotional))
		if projected.GreaterThan(*capAmount) {
			violations = append(violations, Violation{
				EventType:  "CAPITAL_RULE",
				Severity:   "HIGH",
				ReasonCode: "TOTAL_EXPOSURE_AMOUNT_CAP_EXCEEDED",
				Detail:     "Projected total exposure exceeds max_total_exposure_amount.",
			})
		}
		return violations
	}

	violations = append(violations, Violation{
		EventType:  "CAPITAL_RULE",
		Severity:   "CRITICAL",
		ReasonCode: "INVALID_TOTAL_EXPOSURE_MODE",
		Detail:     fmt.Sprintf("Unsupported total exposure mode: %s.", profile.TotalExposureMode),
	})
	return violations
}

// EnforceClusterCap applies the cluster exposure admission rule for the
// asset's active cluster.
func EnforceClusterCap(
	action domain.SignalAction,
	assetID int64,
	targetPositionNotional decimal.Decimal,
	ctx *domain.ExecutionContext,
) []Violation {
	if action != domain.ActionEnter {
		return nil
	}

	profile := ctx.RiskProfile
	membership := ctx.FindMembership(assetID)
	if membership == nil {
		return []Violation{{
			EventType:  "CLUSTER_CAP",
			Severity:   "HIGH",
			ReasonCode: "MISSING_CLUSTER_MEMBERSHIP",
			Detail:     fmt.Sprintf("No active cluster membership for asset_id=%d.", assetID),
		}}
	}
	clusterState := ctx.FindClusterState(membership.ClusterID)
	if clusterState == nil {
		return []Violation{{
			EventType:  "CLUSTER_CAP",
			Severity:   "HIGH",
			ReasonCode: "MISSING_CLUSTER_STATE",
			Detail:     fmt.Sprintf("No cluster exposure state for cluster_id=%d.", membership.ClusterID),
		}}
	}
	if ctx.CapitalState.PortfolioValue.LessThanOrEqual(decimal.Zero) {
		return []Violation{{
			EventType:  "CLUSTER_CAP",
			Severity:   "HIGH",
			ReasonCode: "NON_POSITIVE_PORTFOLIO_VALUE",
			Detail:     "portfolio_value is non-positive; cannot compute cluster cap projection.",
		}}
	}

	switch profile.ClusterExposureMode {
	case domain.ExposurePercentOfPV:
		capPct := clusterState.MaxClusterExposurePct
		if profile.MaxClusterExposurePct != nil {
			capPct = *profile.MaxClusterExposurePct
		}
		projected := canon.Quantize18(
			clusterState.ExposurePct.Add(targetPositionNotional.Div(ctx.CapitalState.PortfolioValue)),
		)
		if projected.GreaterThan(capPct) {
			return []Violation{{
				EventType:  "CLUSTER_CAP",
				Severity:   "HIGH",
				ReasonCode: "CLUSTER_CAP_EXCEEDED",
				Detail:     "Projected cluster exposure exceeds max_cluster_exposure_pct.",
			}}
		}
		return nil

	case domain.ExposureAbsoluteAmount:
		capAmount := profile.MaxClusterExposureAmount
		if capAmount == nil || capAmount.LessThanOrEqual(decimal.Zero) {
			return []Violation{{
				EventType:  "CLUSTER_CAP",
				Severity:   "CRITICAL",
				ReasonCode: "INVALID_CLUSTER_EXPOSURE_ABSOLUTE_CAP",
				Detail:     "ABSOLUTE_AMOUNT mode requires max_cluster_exposure_amount > 0.",
			}}
		}
		current := canon.Quantize18(clusterState.ExposurePct.Mul(ctx.CapitalState.PortfolioValue))
		projected := canon.Quantize18(current.Add(targetPositionNotional))
		if projected.GreaterThan(*capAmount) {
			return []Violation{{
				EventType:  "CLUSTER_CAP",
				Severity:   "HIGH",
				ReasonCode: "CLUSTER_CAP_AMOUNT_EXCEEDED",
				Detail:     "Projected cluster exposure exceeds max_cluster_exposure_amount.",
			}}
		}
		return nil
	}

	return []Violation{{
		EventType:  "CLUSTER_CAP",
		Severity:   "CRITICAL",
		ReasonCode: "INVALID_CLUSTER_EXPOSURE_MODE",
		Detail:     fmt.Sprintf("Unsupported cluster exposure mode: %s.", profile.ClusterExposureMode),
	}}
}
