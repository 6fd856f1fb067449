package decision

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"ChronoLedger/domain"
)

func hashOf(c byte) string {
	return strings.Repeat(string(c), 64)
}

func TestDeterministicIsReferentiallyTransparent(t *testing.T) {
	first := Deterministic(hashOf('1'), hashOf('2'), hashOf('3'), hashOf('4'), hashOf('5'))
	second := Deterministic(hashOf('1'), hashOf('2'), hashOf('3'), hashOf('4'), hashOf('5'))
	assert.Equal(t, first, second)
}

func TestDeterministicActionDirectionContract(t *testing.T) {
	inputs := []string{hashOf('0'), hashOf('1'), hashOf('2'), hashOf('3'), hashOf('4'),
		hashOf('5'), hashOf('6'), hashOf('7'), hashOf('8'), hashOf('9'),
		hashOf('a'), hashOf('b'), hashOf('c'), hashOf('d'), hashOf('e'), hashOf('f')}

	for _, predictionHash := range inputs {
		result := Deterministic(predictionHash, hashOf('2'), hashOf('3'), hashOf('4'), hashOf('5'))

		assert.Len(t, result.DecisionHash, 64)
		assert.Contains(t, []domain.SignalAction{domain.ActionEnter, domain.ActionHold, domain.ActionExit}, result.Action)
		if result.Action == domain.ActionEnter {
			assert.Equal(t, domain.DirectionLong, result.Direction)
		} else {
			assert.Equal(t, domain.DirectionFlat, result.Direction)
			assert.True(t, result.PositionSizeFraction.IsZero(),
				"non-ENTER actions must carry zero size, got %s", result.PositionSizeFraction)
		}

		assert.True(t, result.Confidence.GreaterThanOrEqual(decimal.Zero))
		assert.True(t, result.Confidence.LessThan(decimal.NewFromInt(1)))
		assert.True(t, result.PositionSizeFraction.GreaterThanOrEqual(decimal.Zero))
		assert.True(t, result.PositionSizeFraction.LessThan(decimal.RequireFromString("0.02")))
	}
}

func TestDeterministicSensitiveToEveryInput(t *testing.T) {
	base := Deterministic(hashOf('1'), hashOf('2'), hashOf('3'), hashOf('4'), hashOf('5'))

	variants := []Result{
		Deterministic(hashOf('9'), hashOf('2'), hashOf('3'), hashOf('4'), hashOf('5')),
		Deterministic(hashOf('1'), hashOf('9'), hashOf('3'), hashOf('4'), hashOf('5')),
		Deterministic(hashOf('1'), hashOf('2'), hashOf('9'), hashOf('4'), hashOf('5')),
		Deterministic(hashOf('1'), hashOf('2'), hashOf('3'), hashOf('9'), hashOf('5')),
		Deterministic(hashOf('1'), hashOf('2'), hashOf('3'), hashOf('4'), hashOf('9')),
	}
	for i, variant := range variants {
		assert.NotEqual(t, base.DecisionHash, variant.DecisionHash, "input %d did not affect the hash", i)
	}
}

func TestDeterministicConfidenceScale(t *testing.T) {
	result := Deterministic(hashOf('1'), hashOf('2'), hashOf('3'), hashOf('4'), hashOf('5'))
	// Confidence is quantized at 1e-10.
	assert.True(t, result.Confidence.Exponent() >= -10)
}
