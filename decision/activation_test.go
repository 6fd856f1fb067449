package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ChronoLedger/domain"
)

var gateHour = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func approvedActivation() *domain.ActivationRecord {
	return &domain.ActivationRecord{
		ActivationID:           7,
		ModelVersionID:         11,
		RunMode:                domain.RunModeLive,
		ValidationWindowEndUTC: gateHour.Add(-time.Hour),
		Status:                 domain.ActivationApproved,
		ApprovalHash:           "m",
	}
}

func TestActivationGateBacktest(t *testing.T) {
	result := EnforceActivationGate(domain.RunModeBacktest, gateHour, 11, nil)
	assert.True(t, result.Allowed)
	assert.Equal(t, ActivationOK, result.ReasonCode)

	result = EnforceActivationGate(domain.RunModeBacktest, gateHour, 11, approvedActivation())
	assert.False(t, result.Allowed)
	assert.Equal(t, BacktestActivationPresent, result.ReasonCode)
}

func TestActivationGateLivePaths(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*domain.ActivationRecord) *domain.ActivationRecord
		allowed    bool
		reasonCode string
	}{
		{
			name:       "approved in window",
			mutate:     func(a *domain.ActivationRecord) *domain.ActivationRecord { return a },
			allowed:    true,
			reasonCode: ActivationOK,
		},
		{
			name:       "missing",
			mutate:     func(*domain.ActivationRecord) *domain.ActivationRecord { return nil },
			allowed:    false,
			reasonCode: MissingActivation,
		},
		{
			name: "model mismatch",
			mutate: func(a *domain.ActivationRecord) *domain.ActivationRecord {
				a.ModelVersionID = 99
				return a
			},
			allowed:    false,
			reasonCode: ActivationModelMismatch,
		},
		{
			name: "mode mismatch",
			mutate: func(a *domain.ActivationRecord) *domain.ActivationRecord {
				a.RunMode = domain.RunModePaper
				return a
			},
			allowed:    false,
			reasonCode: ActivationModeMismatch,
		},
		{
			name: "revoked",
			mutate: func(a *domain.ActivationRecord) *domain.ActivationRecord {
				a.Status = domain.ActivationRevoked
				return a
			},
			allowed:    false,
			reasonCode: ActivationNotApproved,
		},
		{
			name: "window not reached",
			mutate: func(a *domain.ActivationRecord) *domain.ActivationRecord {
				a.ValidationWindowEndUTC = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
				return a
			},
			allowed:    false,
			reasonCode: ActivationWindowNotReached,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := EnforceActivationGate(domain.RunModeLive, gateHour, 11, tc.mutate(approvedActivation()))
			assert.Equal(t, tc.allowed, result.Allowed)
			assert.Equal(t, tc.reasonCode, result.ReasonCode)
		})
	}
}

func TestActivationGateWindowBoundaryIsInclusive(t *testing.T) {
	activation := approvedActivation()
	activation.ValidationWindowEndUTC = gateHour
	result := EnforceActivationGate(domain.RunModeLive, gateHour, 11, activation)
	assert.True(t, result.Allowed)
}
