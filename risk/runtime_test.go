package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
)

func dec(s string) decimal.Decimal { return canon.MustDecimal(s) }

func decPtr(s string) *decimal.Decimal {
	d := canon.MustDecimal(s)
	return &d
}

// testContext builds a minimal valid execution context for gate evaluation.
func testContext() *domain.ExecutionContext {
	hour := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.ExecutionContext{
		RunContext: domain.RunContextState{AccountID: 1, RunMode: domain.RunModeLive, OriginHourTsUTC: hour},
		RiskState: domain.RiskState{
			AccountID:              1,
			HourTsUTC:              hour,
			PortfolioValue:         dec("10000"),
			PeakPortfolioValue:     dec("10000"),
			DrawdownPct:            dec("0"),
			DrawdownTier:           domain.TierNormal,
			BaseRiskFraction:       dec("0.02"),
			MaxConcurrentPositions: 10,
			MaxTotalExposurePct:    dec("0.20"),
			MaxClusterExposurePct:  dec("0.08"),
		},
		CapitalState: domain.CapitalState{
			AccountID:         1,
			HourTsUTC:         hour,
			CashBalance:       dec("10000"),
			PortfolioValue:    dec("10000"),
			TotalExposurePct:  dec("0.01"),
			OpenPositionCount: 1,
		},
		ClusterStates: []domain.ClusterState{{
			AccountID:             1,
			ClusterID:             5,
			ExposurePct:           dec("0.01"),
			MaxClusterExposurePct: dec("0.08"),
		}},
		Memberships: []domain.ClusterMembershipState{{MembershipID: 3, AssetID: 9, ClusterID: 5}},
		RiskProfile: domain.RiskProfileState{
			ProfileVersion:            "profile_test",
			TotalExposureMode:         domain.ExposurePercentOfPV,
			MaxTotalExposurePct:       decPtr("0.20"),
			ClusterExposureMode:       domain.ExposurePercentOfPV,
			MaxClusterExposurePct:     decPtr("0.08"),
			MaxConcurrentPositions:    10,
			SevereLossDrawdownTrigger: dec("0.20"),
			VolatilityFeatureID:       2,
			VolatilityTarget:          dec("0.02"),
			VolatilityScaleFloor:      dec("0.5"),
			VolatilityScaleCeiling:    dec("1.5"),
			HoldMinExpectedReturn:     dec("0"),
			ExitExpectedReturnThresh:  dec("-0.005"),
			RecoveryHoldProbUpThresh:  dec("0.60"),
			RecoveryExitProbUpThresh:  dec("0.35"),
			DeriskFraction:            dec("0.5"),
			SignalPersistenceRequired: 1,
		},
	}
}

func prediction(probUp, expectedReturn string) *domain.PredictionState {
	return &domain.PredictionState{
		AssetID:        9,
		ProbUp:         dec(probUp),
		ExpectedReturn: dec(expectedReturn),
	}
}

func withPosition(ctx *domain.ExecutionContext, quantity string) *domain.ExecutionContext {
	ctx.Positions = []domain.PositionState{{AccountID: 1, AssetID: 9, Quantity: dec(quantity)}}
	return ctx
}

func TestStateMachinePrecedence(t *testing.T) {
	ctx := testContext()
	assert.Equal(t, domain.RiskStateNormal, EvaluateStateMachine(ctx).State)

	ctx.RiskState.DrawdownPct = dec("0.25")
	assert.Equal(t, domain.RiskStateSevereLossRecovery, EvaluateStateMachine(ctx).State)

	ctx.RiskState.HaltNewEntries = true
	assert.Equal(t, domain.RiskStateEntryHalt, EvaluateStateMachine(ctx).State)

	ctx.RiskState.KillSwitchActive = true
	eval := EvaluateStateMachine(ctx)
	assert.Equal(t, domain.RiskStateKillSwitchLockdown, eval.State)
	assert.Equal(t, "KILL_SWITCH_ACTIVE", eval.ReasonCode)
}

func TestRuntimeRiskGateKillSwitchWins(t *testing.T) {
	ctx := testContext()
	ctx.RiskState.HaltNewEntries = true
	ctx.RiskState.KillSwitchActive = true

	violations := EnforceRuntimeRiskGate(domain.ActionEnter, ctx)
	assert.Len(t, violations, 1)
	assert.Equal(t, "KILL_SWITCH_ACTIVE", violations[0].ReasonCode)

	assert.Empty(t, EnforceRuntimeRiskGate(domain.ActionHold, ctx))
}

func TestRuntimeRiskGateHaltOnly(t *testing.T) {
	ctx := testContext()
	ctx.RiskState.HaltNewEntries = true
	violations := EnforceRuntimeRiskGate(domain.ActionEnter, ctx)
	assert.Len(t, violations, 1)
	assert.Equal(t, "HALT_NEW_ENTRIES_ACTIVE", violations[0].ReasonCode)
}

func TestPositionCountCap(t *testing.T) {
	ctx := testContext()
	ctx.RiskProfile.MaxConcurrentPositions = 1
	violations := EnforcePositionCountCap(domain.ActionEnter, ctx)
	assert.Len(t, violations, 1)
	assert.Equal(t, "MAX_CONCURRENT_POSITIONS_EXCEEDED", violations[0].ReasonCode)

	ctx.RiskProfile.MaxConcurrentPositions = 2
	assert.Empty(t, EnforcePositionCountCap(domain.ActionEnter, ctx))
}

func TestSevereLossEntryGate(t *testing.T) {
	ctx := testContext()
	ctx.RiskState.DrawdownPct = dec("0.25")
	violations := EnforceSevereLossEntryGate(domain.ActionEnter, ctx)
	assert.Len(t, violations, 1)
	assert.Equal(t, "SEVERE_LOSS_RECOVERY_ENTRY_BLOCKED", violations[0].ReasonCode)

	assert.Empty(t, EnforceSevereLossEntryGate(domain.ActionExit, ctx))
}

func TestCapitalPreservationPercentOfPV(t *testing.T) {
	ctx := testContext()

	assert.Empty(t, EnforceCapitalPreservation(domain.ActionEnter, dec("100"), ctx))

	violations := EnforceCapitalPreservation(domain.ActionEnter, dec("20000"), ctx)
	codes := reasonCodes(violations)
	assert.Contains(t, codes, "INSUFFICIENT_AVAILABLE_CASH")
	assert.Contains(t, codes, "TOTAL_EXPOSURE_CAP_EXCEEDED")
}

func TestCapitalPreservationNonPositivePortfolio(t *testing.T) {
	ctx := testContext()
	ctx.CapitalState.PortfolioValue = dec("0")
	violations := EnforceCapitalPreservation(domain.ActionEnter, dec("100"), ctx)
	assert.Equal(t, []string{"NON_POSITIVE_PORTFOLIO_VALUE"}, reasonCodes(violations))
}

func TestCapitalPreservationAbsoluteMode(t *testing.T) {
	ctx := testContext()
	ctx.RiskProfile.TotalExposureMode = domain.ExposureAbsoluteAmount

	violations := EnforceCapitalPreservation(domain.ActionEnter, dec("100"), ctx)
	assert.Equal(t, []string{"INVALID_TOTAL_EXPOSURE_ABSOLUTE_CAP"}, reasonCodes(violations))

	ctx.RiskProfile.MaxTotalExposureAmount = decPtr("150")
	violations = EnforceCapitalPreservation(domain.ActionEnter, dec("100"), ctx)
	assert.Equal(t, []string{"TOTAL_EXPOSURE_AMOUNT_CAP_EXCEEDED"}, reasonCodes(violations))

	ctx.RiskProfile.MaxTotalExposureAmount = decPtr("500")
	assert.Empty(t, EnforceCapitalPreservation(domain.ActionEnter, dec("100"), ctx))
}

func TestClusterCap(t *testing.T) {
	ctx := testContext()

	assert.Empty(t, EnforceClusterCap(domain.ActionEnter, 9, dec("100"), ctx))

	ctx.ClusterStates[0].ExposurePct = dec("0.079")
	violations := EnforceClusterCap(domain.ActionEnter, 9, dec("100"), ctx)
	assert.Equal(t, []string{"CLUSTER_CAP_EXCEEDED"}, reasonCodes(violations))
}

func TestClusterCapMissingMembership(t *testing.T) {
	ctx := testContext()
	violations := EnforceClusterCap(domain.ActionEnter, 404, dec("100"), ctx)
	assert.Equal(t, []string{"MISSING_CLUSTER_MEMBERSHIP"}, reasonCodes(violations))
}

func TestCrossAccountIsolation(t *testing.T) {
	ctx := testContext()
	assert.Empty(t, EnforceCrossAccountIsolation(ctx))

	ctx.RiskState.AccountID = 2
	ctx.ClusterStates[0].AccountID = 2
	codes := reasonCodes(EnforceCrossAccountIsolation(ctx))
	assert.Contains(t, codes, "CROSS_ACCOUNT_RISK_STATE")
	assert.Contains(t, codes, "CROSS_ACCOUNT_CLUSTER_STATE")
}

func TestAdaptiveHorizonNoPosition(t *testing.T) {
	ctx := testContext()
	eval := EvaluateAdaptiveHorizonAction(domain.ActionExit, prediction("0.5", "0.01"), ctx)
	assert.Equal(t, domain.ActionExit, eval.Action)
	assert.Equal(t, "ADAPTIVE_HORIZON_NO_OPEN_POSITION", eval.ReasonCode)
}

func TestAdaptiveHorizonOverrides(t *testing.T) {
	tests := []struct {
		name           string
		candidate      domain.SignalAction
		expectedReturn string
		persistence    int64
		wantAction     domain.SignalAction
		wantReason     string
	}{
		{"hold extended", domain.ActionExit, "0.010", 1, domain.ActionHold, "ADAPTIVE_HORIZON_HOLD_EXTENDED"},
		{"exit persistent negative", domain.ActionHold, "-0.010", 1, domain.ActionExit, "ADAPTIVE_HORIZON_EXIT_PERSISTENT_NEGATIVE"},
		{"persistence pending", domain.ActionHold, "-0.010", 2, domain.ActionHold, "ADAPTIVE_HORIZON_PERSISTENCE_PENDING"},
		{"enter persistence pending", domain.ActionEnter, "-0.010", 2, domain.ActionHold, "ADAPTIVE_HORIZON_PERSISTENCE_PENDING"},
		{"enter no override", domain.ActionEnter, "0.010", 1, domain.ActionEnter, "ADAPTIVE_HORIZON_NO_OVERRIDE"},
		{"between thresholds", domain.ActionExit, "-0.001", 1, domain.ActionExit, "ADAPTIVE_HORIZON_NO_OVERRIDE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := withPosition(testContext(), "1.0")
			ctx.RiskProfile.SignalPersistenceRequired = tc.persistence
			eval := EvaluateAdaptiveHorizonAction(tc.candidate, prediction("0.5", tc.expectedReturn), ctx)
			assert.Equal(t, tc.wantAction, eval.Action)
			assert.Equal(t, tc.wantReason, eval.ReasonCode)
		})
	}
}

func TestSevereRecoveryBranches(t *testing.T) {
	tests := []struct {
		name       string
		probUp     string
		expected   string
		wantAction domain.SignalAction
		wantReason string
	}{
		{"hold credible", "0.65", "0.01", domain.ActionHold, "SEVERE_RECOVERY_HOLD"},
		{"exit weak probability", "0.30", "0.01", domain.ActionExit, "SEVERE_RECOVERY_EXIT"},
		{"exit negative return", "0.50", "-0.010", domain.ActionExit, "SEVERE_RECOVERY_EXIT"},
		{"derisk mixed outlook", "0.50", "0.01", domain.ActionHold, "SEVERE_RECOVERY_DERISK_INTENT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := withPosition(testContext(), "1.0")
			ctx.RiskState.DrawdownPct = dec("0.25")
			eval := EvaluateSevereLossRecoveryAction(domain.ActionHold, prediction(tc.probUp, tc.expected), ctx)
			assert.Equal(t, tc.wantAction, eval.Action)
			assert.Equal(t, tc.wantReason, eval.ReasonCode)
		})
	}
}

func TestSevereRecoveryInactiveAndEnterPassthrough(t *testing.T) {
	ctx := testContext()
	eval := EvaluateSevereLossRecoveryAction(domain.ActionHold, prediction("0.5", "0.01"), ctx)
	assert.Equal(t, "NO_SEVERE_LOSS_RECOVERY", eval.ReasonCode)

	ctx.RiskState.DrawdownPct = dec("0.25")
	eval = EvaluateSevereLossRecoveryAction(domain.ActionEnter, prediction("0.5", "0.01"), ctx)
	assert.Equal(t, domain.ActionEnter, eval.Action)
	assert.Equal(t, "SEVERE_RECOVERY_ENTRY_PENDING_GATE", eval.ReasonCode)
}

func TestVolatilitySizingFallback(t *testing.T) {
	ctx := testContext()
	eval := ComputeVolatilityAdjustedFraction(domain.ActionEnter, dec("0.015"), 9, ctx)
	assert.Equal(t, "VOLATILITY_FALLBACK_BASE", eval.ReasonCode)
	assert.True(t, eval.AdjustedFraction.Equal(dec("0.015")))
}

func TestVolatilitySizingScalesAndClips(t *testing.T) {
	ctx := testContext()
	ctx.VolatilityFeatures = []domain.VolatilityFeatureState{{AssetID: 9, FeatureID: 2, FeatureValue: dec("0.04")}}
	// target 0.02 / vol 0.04 = 0.5 scale (at the floor).
	eval := ComputeVolatilityAdjustedFraction(domain.ActionEnter, dec("0.02"), 9, ctx)
	assert.Equal(t, "VOLATILITY_SIZED", eval.ReasonCode)
	assert.True(t, eval.AdjustedFraction.Equal(dec("0.01")), "got %s", eval.AdjustedFraction)

	// Very low volatility clips at the ceiling.
	ctx.VolatilityFeatures[0].FeatureValue = dec("0.001")
	eval = ComputeVolatilityAdjustedFraction(domain.ActionEnter, dec("0.02"), 9, ctx)
	assert.True(t, eval.VolatilityScale.Equal(dec("1.5")))
}

func TestVolatilitySizingNonEnterIsZero(t *testing.T) {
	ctx := testContext()
	eval := ComputeVolatilityAdjustedFraction(domain.ActionExit, dec("0.02"), 9, ctx)
	assert.Equal(t, "VOLATILITY_SIZING_NOT_APPLICABLE", eval.ReasonCode)
	assert.True(t, eval.AdjustedFraction.IsZero())
}

func TestVolatilitySizingCapsAtBaseRiskFraction(t *testing.T) {
	ctx := testContext()
	eval := ComputeVolatilityAdjustedFraction(domain.ActionEnter, dec("0.5"), 9, ctx)
	assert.True(t, eval.BaseFraction.Equal(dec("0.02")))
}

func reasonCodes(violations []Violation) []string {
	codes := make([]string, 0, len(violations))
	for _, violation := range violations {
		codes = append(codes, violation.ReasonCode)
	}
	return codes
}
