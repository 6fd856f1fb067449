package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTierForDrawdownBoundaries(t *testing.T) {
	tests := []struct {
		drawdown string
		tier     DrawdownTier
	}{
		{"0.0000000000", TierNormal},
		{"0.0999999999", TierNormal},
		{"0.1000000000", TierDD10},
		{"0.1499999999", TierDD10},
		{"0.1500000000", TierDD15},
		{"0.1999999999", TierDD15},
		{"0.2000000000", TierHalt20},
		{"1.0000000000", TierHalt20},
	}
	for _, tc := range tests {
		value := decimal.RequireFromString(tc.drawdown)
		assert.Equal(t, tc.tier, TierForDrawdown(value), "drawdown %s", tc.drawdown)
	}
}

func TestParseRunMode(t *testing.T) {
	for _, valid := range []string{"BACKTEST", "PAPER", "LIVE"} {
		mode, err := ParseRunMode(valid)
		assert.NoError(t, err)
		assert.Equal(t, RunMode(valid), mode)
	}
	_, err := ParseRunMode("live")
	assert.Error(t, err)
}

func TestAbortErrorKinds(t *testing.T) {
	err := Abort(ErrInputMissing, "missing row %d", 7)
	assert.True(t, IsKind(err, ErrInputMissing))
	assert.False(t, IsKind(err, ErrInvariantViolation))
	assert.Contains(t, err.Error(), "missing row 7")
}
