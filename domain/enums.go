package domain

import "fmt"

// RunMode is the execution environment for a run.
type RunMode string

const (
	RunModeBacktest RunMode = "BACKTEST"
	RunModePaper    RunMode = "PAPER"
	RunModeLive     RunMode = "LIVE"
)

// ParseRunMode validates and normalizes a run mode literal.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case RunModeBacktest, RunModePaper, RunModeLive:
		return RunMode(s), nil
	}
	return "", fmt.Errorf("unknown run_mode %q", s)
}

// Horizon is the prediction and signal lookahead window.
type Horizon string

const (
	HorizonH1  Horizon = "H1"
	HorizonH4  Horizon = "H4"
	HorizonH24 Horizon = "H24"
)

// ModelRole is the role of a model in the ensemble.
type ModelRole string

const (
	ModelRoleBaseTree ModelRole = "BASE_TREE"
	ModelRoleBaseDeep ModelRole = "BASE_DEEP"
	ModelRoleRegime   ModelRole = "REGIME"
	ModelRoleMeta     ModelRole = "META"
)

// SignalAction is the trading signal verb for an asset at an hour.
type SignalAction string

const (
	ActionEnter SignalAction = "ENTER"
	ActionHold  SignalAction = "HOLD"
	ActionExit  SignalAction = "EXIT"
)

// Direction is the position direction carried by a signal.
type Direction string

const (
	DirectionLong Direction = "LONG"
	DirectionFlat Direction = "FLAT"
)

// OrderSide is the order side.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the order lifecycle status.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusAck       OrderStatus = "ACK"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// DrawdownTier is the discrete drawdown classification.
type DrawdownTier string

const (
	TierNormal DrawdownTier = "NORMAL"
	TierDD10   DrawdownTier = "DD10"
	TierDD15   DrawdownTier = "DD15"
	TierHalt20 DrawdownTier = "HALT20"
)

// LiquidityFlag marks how a fill interacted with the book.
type LiquidityFlag string

const (
	LiquidityMaker   LiquidityFlag = "MAKER"
	LiquidityTaker   LiquidityFlag = "TAKER"
	LiquidityUnknown LiquidityFlag = "UNKNOWN"
)

// PriceSource identifies the deterministic price source for a fill attempt.
type PriceSource string

const (
	PriceSourceOrderBook   PriceSource = "ORDER_BOOK"
	PriceSourceOhlcvClose  PriceSource = "OHLCV_CLOSE"
	PriceSourceUnavailable PriceSource = "UNAVAILABLE"
)

// RiskStateMode is the layered risk state machine state.
type RiskStateMode string

const (
	RiskStateNormal             RiskStateMode = "NORMAL"
	RiskStateEntryHalt          RiskStateMode = "ENTRY_HALT"
	RiskStateKillSwitchLockdown RiskStateMode = "KILL_SWITCH_LOCKDOWN"
	RiskStateSevereLossRecovery RiskStateMode = "SEVERE_LOSS_RECOVERY"
)

// ExposureMode selects how exposure caps are interpreted.
type ExposureMode string

const (
	ExposurePercentOfPV    ExposureMode = "PERCENT_OF_PV"
	ExposureAbsoluteAmount ExposureMode = "ABSOLUTE_AMOUNT"
)

// ActivationStatus is the model activation gate status.
type ActivationStatus string

const (
	ActivationApproved ActivationStatus = "APPROVED"
	ActivationPending  ActivationStatus = "PENDING"
	ActivationRevoked  ActivationStatus = "REVOKED"
)
