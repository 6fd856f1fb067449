package trader

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ChronoLedger/canon"
	"ChronoLedger/decision"
	"ChronoLedger/domain"
	"ChronoLedger/store"
)

// TradeSignalRow is one append-only trade_signal row.
type TradeSignalRow struct {
	SignalID               uuid.UUID
	RunID                  uuid.UUID
	RunMode                domain.RunMode
	AccountID              int64
	AssetID                int64
	HourTsUTC              time.Time
	Horizon                domain.Horizon
	Action                 domain.SignalAction
	Direction              domain.Direction
	Confidence             decimal.Decimal
	ExpectedReturn         decimal.Decimal
	AssumedFeeRate         decimal.Decimal
	AssumedSlippageRate    decimal.Decimal
	NetEdge                decimal.Decimal
	TargetPositionNotional decimal.Decimal
	PositionSizeFraction   decimal.Decimal
	RiskStateHourTsUTC     time.Time
	DecisionHash           string
	RiskStateRunID         uuid.UUID
	ClusterMembershipID    int64
	UpstreamHash           string
	RowHash                string
}

// OrderRequestRow is one append-only order_request attempt row.
type OrderRequestRow struct {
	OrderID               uuid.UUID
	SignalID              uuid.UUID
	RunID                 uuid.UUID
	RunMode               domain.RunMode
	AccountID             int64
	AssetID               int64
	ClientOrderID         string
	RequestTsUTC          time.Time
	HourTsUTC             time.Time
	Side                  domain.OrderSide
	OrderType             domain.OrderType
	Tif                   string
	LimitPrice            *decimal.Decimal
	RequestedQty          decimal.Decimal
	RequestedNotional     decimal.Decimal
	PreOrderCashAvailable decimal.Decimal
	RiskCheckPassed       bool
	Status                domain.OrderStatus
	AttemptSeq            int64
	CostProfileID         int64
	OriginHourTsUTC       time.Time
	RiskStateRunID        uuid.UUID
	ClusterMembershipID   int64
	ParentSignalHash      string
	RowHash               string
}

// OrderFillRow is one append-only order_fill row.
type OrderFillRow struct {
	FillID               uuid.UUID
	OrderID              uuid.UUID
	RunID                uuid.UUID
	RunMode              domain.RunMode
	AccountID            int64
	AssetID              int64
	ExchangeTradeID      string
	FillTsUTC            time.Time
	HourTsUTC            time.Time
	FillPrice            decimal.Decimal
	FillQty              decimal.Decimal
	FillNotional         decimal.Decimal
	FeePaid              decimal.Decimal
	FeeRate              decimal.Decimal
	RealizedSlippageRate decimal.Decimal
	SlippageCost         decimal.Decimal
	LiquidityFlag        domain.LiquidityFlag
	OriginHourTsUTC      time.Time
	ParentOrderHash      string
	RowHash              string
}

// PositionLotRow is one append-only position_lot row.
type PositionLotRow struct {
	LotID           uuid.UUID
	OpenFillID      uuid.UUID
	RunID           uuid.UUID
	RunMode         domain.RunMode
	AccountID       int64
	AssetID         int64
	HourTsUTC       time.Time
	OpenTsUTC       time.Time
	OpenPrice       decimal.Decimal
	OpenQty         decimal.Decimal
	OpenNotional    decimal.Decimal
	OpenFee         decimal.Decimal
	RemainingQty    decimal.Decimal
	OriginHourTsUTC time.Time
	ParentFillHash  string
	RowHash         string
}

// ExecutedTradeRow is one append-only FIFO consumption slice.
type ExecutedTradeRow struct {
	TradeID           uuid.UUID
	LotID             uuid.UUID
	RunID             uuid.UUID
	RunMode           domain.RunMode
	AccountID         int64
	AssetID           int64
	HourTsUTC         time.Time
	EntryTsUTC        time.Time
	ExitTsUTC         time.Time
	EntryPrice        decimal.Decimal
	ExitPrice         decimal.Decimal
	Quantity          decimal.Decimal
	GrossPnL          decimal.Decimal
	NetPnL            decimal.Decimal
	TotalFee          decimal.Decimal
	TotalSlippageCost decimal.Decimal
	HoldingHours      int64
	OriginHourTsUTC   time.Time
	ParentLotHash     string
	RowHash           string
}

// CashLedgerRow is one append-only cash_ledger row.
type CashLedgerRow struct {
	RunID             uuid.UUID
	RunMode           domain.RunMode
	AccountID         int64
	EventTsUTC        time.Time
	HourTsUTC         time.Time
	EventType         string
	RefType           string
	RefID             uuid.UUID
	DeltaCash         decimal.Decimal
	BalanceBefore     decimal.Decimal
	BalanceAfter      decimal.Decimal
	LedgerSeq         int64
	PrevLedgerHash    *string
	EconomicEventHash string
	LedgerHash        string
	OriginHourTsUTC   time.Time
	RowHash           string
}

// RiskEventRow is one append-only risk_event row.
type RiskEventRow struct {
	RiskEventID           uuid.UUID
	RunID                 uuid.UUID
	RunMode               domain.RunMode
	AccountID             int64
	EventTsUTC            time.Time
	HourTsUTC             time.Time
	EventType             string
	Severity              string
	ReasonCode            string
	Details               string
	RelatedStateHourTsUTC time.Time
	OriginHourTsUTC       time.Time
	ParentStateHash       string
	RowHash               string
}

// WriteResult is the full planned or persisted output surface for one hour.
type WriteResult struct {
	TradeSignals   []TradeSignalRow
	OrderRequests  []OrderRequestRow
	OrderFills     []OrderFillRow
	PositionLots   []PositionLotRow
	ExecutedTrades []ExecutedTradeRow
	CashLedger     []CashLedgerRow
	RiskEvents     []RiskEventRow
	ReplayRootHash string
	RowCount       int64
}

// Writer builds and inserts append-only runtime rows. Row identities and
// hashes are pure functions of deterministic inputs; the writer never reads
// clocks or random sources.
type Writer struct {
	db store.Database
}

// NewWriter wraps a write-capable substrate.
func NewWriter(db store.Database) *Writer {
	return &Writer{db: db}
}

// AssertLedgerContinuity fails fast when the cash ledger chain for the
// account/mode is broken. Ordering and prior-row pairing run in SQL via
// window functions; the balance arithmetic is compared exactly in decimal.
func (w *Writer) AssertLedgerContinuity(accountID int64, runMode domain.RunMode) error {
	rows, err := w.db.FetchAll(`
		SELECT ledger_seq, balance_before, balance_after, delta_cash,
		       prev_ledger_hash, ledger_hash,
		       LAG(balance_after) OVER (
		           PARTITION BY account_id, run_mode ORDER BY ledger_seq
		       ) AS expected_before,
		       LAG(ledger_hash) OVER (
		           PARTITION BY account_id, run_mode ORDER BY ledger_seq
		       ) AS expected_prev_hash
		FROM cash_ledger
		WHERE account_id = :account_id
		  AND run_mode = :run_mode
		ORDER BY ledger_seq ASC`,
		map[string]any{"account_id": accountID, "run_mode": runMode})
	if err != nil {
		return err
	}

	violations := 0
	for _, row := range rows {
		balanceBefore, err := row.Decimal("balance_before")
		if err != nil {
			return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.balance_before")
		}
		balanceAfter, err := row.Decimal("balance_after")
		if err != nil {
			return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.balance_after")
		}
		deltaCash, err := row.Decimal("delta_cash")
		if err != nil {
			return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.delta_cash")
		}
		if !balanceAfter.Equal(balanceBefore.Add(deltaCash)) {
			violations++
			continue
		}
		if row.Int64("ledger_seq") > 1 {
			expectedBefore, err := row.NullDecimal("expected_before")
			if err != nil {
				return domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "cash_ledger.expected_before")
			}
			if expectedBefore == nil || !balanceBefore.Equal(*expectedBefore) {
				violations++
				continue
			}
			prevHash := row.NullString("prev_ledger_hash")
			expectedPrev := row.NullString("expected_prev_hash")
			if prevHash == nil || expectedPrev == nil || *prevHash != *expectedPrev {
				violations++
			}
		}
	}
	if violations != 0 {
		return domain.Abort(domain.ErrLedgerContinuityBroken,
			"cash ledger continuity invariant violated (violations=%d)", violations)
	}
	return nil
}

// BuildTradeSignalRow assembles the deterministic trade_signal row for one
// prediction. When actionOverride is non-empty it replaces the decision
// action (admission gates force HOLD through this path).
func (w *Writer) BuildTradeSignalRow(
	ctx *domain.ExecutionContext,
	prediction *domain.PredictionState,
	regime *domain.RegimeState,
	result decision.Result,
	actionOverride domain.SignalAction,
) (TradeSignalRow, error) {
	action := result.Action
	if actionOverride != "" {
		action = actionOverride
	}
	switch action {
	case domain.ActionEnter, domain.ActionHold, domain.ActionExit:
	default:
		return TradeSignalRow{}, domain.Abort(domain.ErrInvariantViolation, "invalid signal action=%s", action)
	}
	direction := domain.DirectionFlat
	if action == domain.ActionEnter {
		direction = domain.DirectionLong
	}

	expectedReturn := canon.Quantize18(prediction.ExpectedReturn)
	assumedFeeRate := canon.Quantize6(ctx.CostProfile.FeeRate)
	assumedSlippageRate, err := DeriveSlippageRate(ctx.CostProfile.SlippageParamHash)
	if err != nil {
		return TradeSignalRow{}, err
	}
	costRate := canon.Quantize6(assumedFeeRate.Add(assumedSlippageRate))
	netEdge := canon.Quantize18(expectedReturn.Sub(costRate))

	fraction := canon.Quantize10(decimal.Zero)
	targetNotional := canon.Quantize18(decimal.Zero)
	if action == domain.ActionEnter {
		fraction = canon.Quantize10(result.PositionSizeFraction)
		targetNotional = canon.Quantize18(ctx.CapitalState.PortfolioValue.Mul(fraction))
	}
	if targetNotional.GreaterThan(ctx.CapitalState.CashBalance) {
		targetNotional = canon.Quantize18(ctx.CapitalState.CashBalance)
	}

	membership := ctx.FindMembership(prediction.AssetID)
	if membership == nil {
		return TradeSignalRow{}, domain.Abort(domain.ErrInputMissing,
			"missing cluster membership for asset_id=%d", prediction.AssetID)
	}
	clusterState := ctx.FindClusterState(membership.ClusterID)
	if clusterState == nil {
		return TradeSignalRow{}, domain.Abort(domain.ErrInputMissing,
			"missing cluster state for cluster_id=%d", membership.ClusterID)
	}

	upstreamHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		prediction.UpstreamHash,
		regime.UpstreamHash,
		ctx.CapitalState.RowHash,
		ctx.RiskState.RowHash,
		clusterState.RowHash,
	)
	signalID := canon.StableUUID("trade_signal",
		ctx.RunContext.RunSeedHash,
		prediction.AssetID,
		prediction.Horizon,
		action,
		result.DecisionHash,
		upstreamHash,
	)
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		signalID,
		ctx.RunContext.RunID,
		ctx.RunContext.RunMode,
		ctx.RunContext.AccountID,
		prediction.AssetID,
		ctx.RunContext.OriginHourTsUTC,
		prediction.Horizon,
		action,
		direction,
		result.Confidence,
		expectedReturn,
		assumedFeeRate,
		assumedSlippageRate,
		netEdge,
		targetNotional,
		fraction,
		ctx.RiskState.HourTsUTC,
		result.DecisionHash,
		ctx.RiskState.SourceRunID,
		membership.MembershipID,
		upstreamHash,
	)

	return TradeSignalRow{
		SignalID:               signalID,
		RunID:                  ctx.RunContext.RunID,
		RunMode:                ctx.RunContext.RunMode,
		AccountID:              ctx.RunContext.AccountID,
		AssetID:                prediction.AssetID,
		HourTsUTC:              ctx.RunContext.OriginHourTsUTC,
		Horizon:                prediction.Horizon,
		Action:                 action,
		Direction:              direction,
		Confidence:             result.Confidence,
		ExpectedReturn:         expectedReturn,
		AssumedFeeRate:         assumedFeeRate,
		AssumedSlippageRate:    assumedSlippageRate,
		NetEdge:                netEdge,
		TargetPositionNotional: targetNotional,
		PositionSizeFraction:   fraction,
		RiskStateHourTsUTC:     ctx.RiskState.HourTsUTC,
		DecisionHash:           result.DecisionHash,
		RiskStateRunID:         ctx.RiskState.SourceRunID,
		ClusterMembershipID:    membership.MembershipID,
		UpstreamHash:           upstreamHash,
		RowHash:                rowHash,
	}, nil
}

// BuildOrderRequestAttemptRow assembles one deterministic attempt row of the
// retry schedule for a signal-derived order intent.
func (w *Writer) BuildOrderRequestAttemptRow(
	ctx *domain.ExecutionContext,
	signal *TradeSignalRow,
	side domain.OrderSide,
	requestTsUTC time.Time,
	requestedQty decimal.Decimal,
	requestedNotional decimal.Decimal,
	status domain.OrderStatus,
	attemptSeq int64,
) OrderRequestRow {
	requestedQty = canon.Quantize18(requestedQty)
	requestedNotional = canon.Quantize18(requestedNotional)
	preOrderCash := canon.Quantize18(ctx.CapitalState.CashBalance)

	orderID := canon.StableUUID("order_request",
		ctx.RunContext.RunSeedHash,
		signal.SignalID,
		signal.RowHash,
		requestedNotional,
		attemptSeq,
	)
	clientOrderID := "det-" + canon.HexUUID(orderID)[:24]
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		orderID,
		signal.SignalID,
		signal.RunID,
		signal.RunMode,
		signal.AccountID,
		signal.AssetID,
		clientOrderID,
		requestTsUTC,
		ctx.RunContext.OriginHourTsUTC,
		side,
		domain.OrderTypeMarket,
		"IOC",
		requestedQty,
		requestedNotional,
		preOrderCash,
		true,
		status,
		attemptSeq,
		ctx.CostProfile.CostProfileID,
		ctx.RunContext.OriginHourTsUTC,
		ctx.RiskState.SourceRunID,
		signal.ClusterMembershipID,
		signal.RowHash,
	)

	return OrderRequestRow{
		OrderID:               orderID,
		SignalID:              signal.SignalID,
		RunID:                 signal.RunID,
		RunMode:               signal.RunMode,
		AccountID:             signal.AccountID,
		AssetID:               signal.AssetID,
		ClientOrderID:         clientOrderID,
		RequestTsUTC:          requestTsUTC,
		HourTsUTC:             ctx.RunContext.OriginHourTsUTC,
		Side:                  side,
		OrderType:             domain.OrderTypeMarket,
		Tif:                   "IOC",
		RequestedQty:          requestedQty,
		RequestedNotional:     requestedNotional,
		PreOrderCashAvailable: preOrderCash,
		RiskCheckPassed:       true,
		Status:                status,
		AttemptSeq:            attemptSeq,
		CostProfileID:         ctx.CostProfile.CostProfileID,
		OriginHourTsUTC:       ctx.RunContext.OriginHourTsUTC,
		RiskStateRunID:        ctx.RiskState.SourceRunID,
		ClusterMembershipID:   signal.ClusterMembershipID,
		ParentSignalHash:      signal.RowHash,
		RowHash:               rowHash,
	}
}

// BuildOrderFillRow assembles the deterministic fill row for one attempt.
func (w *Writer) BuildOrderFillRow(
	ctx *domain.ExecutionContext,
	order *OrderRequestRow,
	fillTsUTC time.Time,
	fillPrice decimal.Decimal,
	fillQty decimal.Decimal,
	liquidityFlag domain.LiquidityFlag,
	attemptSeq int64,
) (OrderFillRow, error) {
	fillPrice = canon.Quantize18(fillPrice)
	fillQty = canon.Quantize18(fillQty)
	fillNotional := canon.Quantize18(fillPrice.Mul(fillQty))
	feeRate := canon.Quantize6(ctx.CostProfile.FeeRate)
	feePaid := canon.Quantize18(fillNotional.Mul(feeRate))
	slippageRate, err := DeriveSlippageRate(ctx.CostProfile.SlippageParamHash)
	if err != nil {
		return OrderFillRow{}, err
	}
	slippageCost := canon.Quantize18(fillNotional.Mul(slippageRate))

	fillID := canon.StableUUID("order_fill",
		ctx.RunContext.RunSeedHash,
		order.OrderID,
		order.RowHash,
		fillQty,
		attemptSeq,
	)
	exchangeTradeID := "sim-" + canon.HexUUID(fillID)[:24]
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		fillID,
		order.OrderID,
		order.RunID,
		order.RunMode,
		order.AccountID,
		order.AssetID,
		exchangeTradeID,
		fillTsUTC,
		ctx.RunContext.OriginHourTsUTC,
		fillPrice,
		fillQty,
		fillNotional,
		feePaid,
		feeRate,
		slippageRate,
		slippageCost,
		liquidityFlag,
		ctx.RunContext.OriginHourTsUTC,
		order.RowHash,
	)

	return OrderFillRow{
		FillID:               fillID,
		OrderID:              order.OrderID,
		RunID:                order.RunID,
		RunMode:              order.RunMode,
		AccountID:            order.AccountID,
		AssetID:              order.AssetID,
		ExchangeTradeID:      exchangeTradeID,
		FillTsUTC:            fillTsUTC,
		HourTsUTC:            ctx.RunContext.OriginHourTsUTC,
		FillPrice:            fillPrice,
		FillQty:              fillQty,
		FillNotional:         fillNotional,
		FeePaid:              feePaid,
		FeeRate:              feeRate,
		RealizedSlippageRate: slippageRate,
		SlippageCost:         slippageCost,
		LiquidityFlag:        liquidityFlag,
		OriginHourTsUTC:      ctx.RunContext.OriginHourTsUTC,
		ParentOrderHash:      order.RowHash,
		RowHash:              rowHash,
	}, nil
}

// BuildPositionLotRow opens a lot from a BUY fill.
func (w *Writer) BuildPositionLotRow(ctx *domain.ExecutionContext, fill *OrderFillRow) PositionLotRow {
	lotID := canon.StableUUID("position_lot",
		ctx.RunContext.RunSeedHash,
		fill.FillID,
		fill.RowHash,
	)
	openQty := canon.Quantize18(fill.FillQty)
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		lotID,
		fill.FillID,
		fill.RunID,
		fill.RunMode,
		fill.AccountID,
		fill.AssetID,
		ctx.RunContext.OriginHourTsUTC,
		fill.FillTsUTC,
		fill.FillPrice,
		openQty,
		fill.FillNotional,
		fill.FeePaid,
		openQty,
		ctx.RunContext.OriginHourTsUTC,
		fill.RowHash,
	)
	return PositionLotRow{
		LotID:           lotID,
		OpenFillID:      fill.FillID,
		RunID:           fill.RunID,
		RunMode:         fill.RunMode,
		AccountID:       fill.AccountID,
		AssetID:         fill.AssetID,
		HourTsUTC:       ctx.RunContext.OriginHourTsUTC,
		OpenTsUTC:       fill.FillTsUTC,
		OpenPrice:       fill.FillPrice,
		OpenQty:         openQty,
		OpenNotional:    fill.FillNotional,
		OpenFee:         fill.FeePaid,
		RemainingQty:    openQty,
		OriginHourTsUTC: ctx.RunContext.OriginHourTsUTC,
		ParentFillHash:  fill.RowHash,
		RowHash:         rowHash,
	}
}

// BuildExecutedTradeRow closes one FIFO (lot, fill, quantity) slice. Fees
// and slippage are apportioned pro-rata on both legs; net_pnl subtracts both
// from the gross price difference.
func (w *Writer) BuildExecutedTradeRow(
	ctx *domain.ExecutionContext,
	lotID uuid.UUID,
	lotAssetID int64,
	entryTsUTC time.Time,
	entryPrice decimal.Decimal,
	lotOpenQty decimal.Decimal,
	lotOpenFee decimal.Decimal,
	entryFillSlippageCost decimal.Decimal,
	parentLotHash string,
	exitFill *OrderFillRow,
	quantity decimal.Decimal,
) (ExecutedTradeRow, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return ExecutedTradeRow{}, domain.Abort(domain.ErrInvariantViolation,
			"executed trade quantity must be positive")
	}
	if lotOpenQty.LessThanOrEqual(decimal.Zero) || exitFill.FillQty.LessThanOrEqual(decimal.Zero) {
		return ExecutedTradeRow{}, domain.Abort(domain.ErrInvariantViolation,
			"executed trade requires positive lot and fill quantities")
	}

	quantity = canon.Quantize18(quantity)
	entryPrice = canon.Quantize18(entryPrice)
	exitPrice := exitFill.FillPrice

	grossPnL := canon.Quantize18(exitPrice.Sub(entryPrice).Mul(quantity))
	entryFeeShare := canon.Quantize18(lotOpenFee.Mul(quantity).Div(lotOpenQty))
	exitFeeShare := canon.Quantize18(exitFill.FeePaid.Mul(quantity).Div(exitFill.FillQty))
	totalFee := canon.Quantize18(entryFeeShare.Add(exitFeeShare))
	entrySlippageShare := canon.Quantize18(entryFillSlippageCost.Mul(quantity).Div(lotOpenQty))
	exitSlippageShare := canon.Quantize18(exitFill.SlippageCost.Mul(quantity).Div(exitFill.FillQty))
	totalSlippage := canon.Quantize18(entrySlippageShare.Add(exitSlippageShare))
	netPnL := canon.Quantize18(grossPnL.Sub(totalFee).Sub(totalSlippage))

	holdingHours := int64(exitFill.FillTsUTC.Sub(entryTsUTC) / time.Hour)
	if holdingHours < 0 {
		holdingHours = 0
	}

	tradeID := canon.StableUUID("executed_trade",
		ctx.RunContext.RunSeedHash,
		lotID,
		exitFill.FillID,
		exitFill.RowHash,
		quantity,
	)
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		tradeID,
		lotID,
		exitFill.RunID,
		exitFill.RunMode,
		exitFill.AccountID,
		lotAssetID,
		ctx.RunContext.OriginHourTsUTC,
		entryTsUTC,
		exitFill.FillTsUTC,
		entryPrice,
		exitPrice,
		quantity,
		grossPnL,
		netPnL,
		totalFee,
		totalSlippage,
		holdingHours,
		ctx.RunContext.OriginHourTsUTC,
		parentLotHash,
	)

	return ExecutedTradeRow{
		TradeID:           tradeID,
		LotID:             lotID,
		RunID:             exitFill.RunID,
		RunMode:           exitFill.RunMode,
		AccountID:         exitFill.AccountID,
		AssetID:           lotAssetID,
		HourTsUTC:         ctx.RunContext.OriginHourTsUTC,
		EntryTsUTC:        entryTsUTC,
		ExitTsUTC:         exitFill.FillTsUTC,
		EntryPrice:        entryPrice,
		ExitPrice:         exitPrice,
		Quantity:          quantity,
		GrossPnL:          grossPnL,
		NetPnL:            netPnL,
		TotalFee:          totalFee,
		TotalSlippageCost: totalSlippage,
		HoldingHours:      holdingHours,
		OriginHourTsUTC:   ctx.RunContext.OriginHourTsUTC,
		ParentLotHash:     parentLotHash,
		RowHash:           rowHash,
	}, nil
}

// Cash ledger event vocabulary.
const (
	LedgerEventTradeBuy  = "TRADE_BUY"
	LedgerEventTradeSell = "TRADE_SELL"
	LedgerRefOrderFill   = "ORDER_FILL"
)

// BuildCashLedgerRow appends one settlement row for a fill, continuing the
// (account, run_mode) chain from the prior balance and hash.
func (w *Writer) BuildCashLedgerRow(
	ctx *domain.ExecutionContext,
	fill *OrderFillRow,
	side domain.OrderSide,
	ledgerSeq int64,
	balanceBefore decimal.Decimal,
	prevLedgerHash *string,
) CashLedgerRow {
	var (
		eventType string
		deltaCash decimal.Decimal
	)
	if side == domain.SideBuy {
		eventType = LedgerEventTradeBuy
		deltaCash = canon.Quantize18(fill.FillNotional.Add(fill.FeePaid).Neg())
	} else {
		eventType = LedgerEventTradeSell
		deltaCash = canon.Quantize18(fill.FillNotional.Sub(fill.FeePaid).Sub(fill.SlippageCost))
	}
	balanceBefore = canon.Quantize18(balanceBefore)
	balanceAfter := canon.Quantize18(balanceBefore.Add(deltaCash))

	economicEventHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		LedgerRefOrderFill,
		fill.FillID,
		fill.RowHash,
	)
	prevToken := ""
	if prevLedgerHash != nil {
		prevToken = *prevLedgerHash
	}
	ledgerHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		ctx.RunContext.AccountID,
		ctx.RunContext.RunMode,
		ledgerSeq,
		fill.FillTsUTC,
		eventType,
		LedgerRefOrderFill,
		fill.FillID,
		deltaCash,
		balanceBefore,
		balanceAfter,
		prevToken,
	)
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		ctx.RunContext.RunID,
		ctx.RunContext.RunMode,
		ctx.RunContext.AccountID,
		fill.FillTsUTC,
		ctx.RunContext.OriginHourTsUTC,
		eventType,
		LedgerRefOrderFill,
		fill.FillID,
		deltaCash,
		balanceBefore,
		balanceAfter,
		ledgerSeq,
		prevToken,
		economicEventHash,
		ledgerHash,
		ctx.RunContext.OriginHourTsUTC,
	)

	return CashLedgerRow{
		RunID:             ctx.RunContext.RunID,
		RunMode:           ctx.RunContext.RunMode,
		AccountID:         ctx.RunContext.AccountID,
		EventTsUTC:        fill.FillTsUTC,
		HourTsUTC:         ctx.RunContext.OriginHourTsUTC,
		EventType:         eventType,
		RefType:           LedgerRefOrderFill,
		RefID:             fill.FillID,
		DeltaCash:         deltaCash,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      balanceAfter,
		LedgerSeq:         ledgerSeq,
		PrevLedgerHash:    prevLedgerHash,
		EconomicEventHash: economicEventHash,
		LedgerHash:        ledgerHash,
		OriginHourTsUTC:   ctx.RunContext.OriginHourTsUTC,
		RowHash:           rowHash,
	}
}

// BuildRiskEventRow assembles one deduplicatable risk_event row. Extra
// details are merged into the canonical JSON payload next to "detail".
func (w *Writer) BuildRiskEventRow(
	ctx *domain.ExecutionContext,
	eventType string,
	severity string,
	reasonCode string,
	detail string,
	extraDetails map[string]any,
) RiskEventRow {
	payload := map[string]any{"detail": detail}
	for key, value := range extraDetails {
		payload[key] = value
	}
	detailsJSON, err := json.Marshal(payload)
	if err != nil {
		// Payloads hold strings, string slices, integers and nulls; marshal cannot fail.
		detailsJSON = []byte(`{"detail":` + strconv.Quote(detail) + `}`)
	}

	riskEventID := canon.StableUUID("risk_event",
		ctx.RunContext.RunSeedHash,
		eventType,
		severity,
		reasonCode,
		detail,
		ctx.RunContext.OriginHourTsUTC,
	)
	rowHash := canon.StableHash(
		ctx.RunContext.RunSeedHash,
		riskEventID,
		ctx.RunContext.RunID,
		ctx.RunContext.RunMode,
		ctx.RunContext.AccountID,
		ctx.RunContext.OriginHourTsUTC,
		ctx.RunContext.OriginHourTsUTC,
		eventType,
		severity,
		reasonCode,
		string(detailsJSON),
		ctx.RiskState.HourTsUTC,
		ctx.RunContext.OriginHourTsUTC,
		ctx.RiskState.RowHash,
	)
	return RiskEventRow{
		RiskEventID:           riskEventID,
		RunID:                 ctx.RunContext.RunID,
		RunMode:               ctx.RunContext.RunMode,
		AccountID:             ctx.RunContext.AccountID,
		EventTsUTC:            ctx.RunContext.OriginHourTsUTC,
		HourTsUTC:             ctx.RunContext.OriginHourTsUTC,
		EventType:             eventType,
		Severity:              severity,
		ReasonCode:            reasonCode,
		Details:               string(detailsJSON),
		RelatedStateHourTsUTC: ctx.RiskState.HourTsUTC,
		OriginHourTsUTC:       ctx.RunContext.OriginHourTsUTC,
		ParentStateHash:       ctx.RiskState.RowHash,
		RowHash:               rowHash,
	}
}

// DeriveSlippageRate maps the first 8 hex chars of slippage_param_hash onto
// a deterministic rate in [0, 1e-3). Placeholder model: the real slippage
// surface lives upstream of this core.
func DeriveSlippageRate(slippageParamHash string) (decimal.Decimal, error) {
	if len(slippageParamHash) < 8 {
		return decimal.Zero, domain.Abort(domain.ErrInvariantViolation,
			"slippage_param_hash too short: %q", slippageParamHash)
	}
	basisPoints, err := strconv.ParseUint(slippageParamHash[:8], 16, 64)
	if err != nil {
		return decimal.Zero, domain.AbortWrap(domain.ErrInvariantViolation, err,
			"slippage_param_hash is not hex: %q", slippageParamHash)
	}
	rate := decimal.NewFromUint64(basisPoints % 1000).Div(decimal.NewFromInt(1_000_000))
	return canon.Quantize6(rate), nil
}
