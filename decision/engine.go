// Package decision holds the pure deterministic decision primitives: the
// hash-driven decision function and the model activation gate. Nothing in
// this package touches the substrate.
package decision

import (
	"strconv"

	"github.com/shopspring/decimal"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
)

const decisionDomainTag = "phase_1d_decision_v1"

// Result is the pure deterministic decision payload.
type Result struct {
	DecisionHash         string
	Action               domain.SignalAction
	Direction            domain.Direction
	Confidence           decimal.Decimal
	PositionSizeFraction decimal.Decimal
}

// Deterministic maps five upstream hashes onto (action, confidence, size).
// Identical inputs always yield identical outputs; the score is the first
// 16 hex chars of the decision hash read as an unsigned 64-bit integer.
func Deterministic(predictionHash, regimeHash, capitalStateHash, riskStateHash, clusterStateHash string) Result {
	decisionHash := canon.StableHash(
		decisionDomainTag,
		predictionHash,
		regimeHash,
		capitalStateHash,
		riskStateHash,
		clusterStateHash,
	)

	score, err := strconv.ParseUint(decisionHash[:16], 16, 64)
	if err != nil {
		// Unreachable: StableHash always yields lowercase hex.
		panic("decision: malformed decision hash " + decisionHash)
	}

	var (
		action    domain.SignalAction
		direction domain.Direction
	)
	switch score % 3 {
	case 0:
		action, direction = domain.ActionEnter, domain.DirectionLong
	case 1:
		action, direction = domain.ActionHold, domain.DirectionFlat
	default:
		action, direction = domain.ActionExit, domain.DirectionFlat
	}

	confidence := canon.Quantize10(
		decimal.NewFromUint64(score % 10_000).Div(decimal.NewFromInt(10_000)),
	)

	// Runtime risk constraints cap base position size at 2%; keep this pure.
	fraction := canon.Quantize10(
		decimal.NewFromUint64((score / 10_000) % 2_000).Div(decimal.NewFromInt(100_000)),
	)
	if action != domain.ActionEnter {
		fraction = canon.Quantize10(decimal.Zero)
	}

	return Result{
		DecisionHash:         decisionHash,
		Action:               action,
		Direction:            direction,
		Confidence:           confidence,
		PositionSizeFraction: fraction,
	}
}
