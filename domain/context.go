package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunContextState is the immutable identity row for one executed hour.
type RunContextState struct {
	RunID           uuid.UUID
	AccountID       int64
	RunMode         RunMode
	HourTsUTC       time.Time
	OriginHourTsUTC time.Time
	RunSeedHash     string
	ContextHash     string
	ReplayRootHash  string
}

// PredictionState is one model output row feeding the decision function.
type PredictionState struct {
	RunID                uuid.UUID
	AccountID            int64
	RunMode              RunMode
	AssetID              int64
	HourTsUTC            time.Time
	Horizon              Horizon
	ModelVersionID       int64
	ProbUp               decimal.Decimal
	ExpectedReturn       decimal.Decimal
	UpstreamHash         string
	RowHash              string
	TrainingWindowID     *int64
	LineageBacktestRunID *uuid.UUID
	LineageFoldIndex     *int64
	LineageHorizon       *Horizon
	ActivationID         *int64
}

// RegimeState parallels PredictionState for regime model outputs.
type RegimeState struct {
	RunID                uuid.UUID
	AccountID            int64
	RunMode              RunMode
	AssetID              int64
	HourTsUTC            time.Time
	ModelVersionID       int64
	RegimeLabel          string
	UpstreamHash         string
	RowHash              string
	TrainingWindowID     *int64
	LineageBacktestRunID *uuid.UUID
	LineageFoldIndex     *int64
	LineageHorizon       *Horizon
	ActivationID         *int64
}

// TrainingWindowState is the backtest lineage window for a prediction.
type TrainingWindowState struct {
	TrainingWindowID   int64
	BacktestRunID      uuid.UUID
	ModelVersionID     int64
	FoldIndex          int64
	Horizon            Horizon
	TrainEndUTC        time.Time
	ValidStartUTC      time.Time
	ValidEndUTC        time.Time
	TrainingWindowHash string
	RowHash            string
}

// ActivationRecord is the model_activation_gate projection for LIVE/PAPER.
type ActivationRecord struct {
	ActivationID           int64
	ModelVersionID         int64
	RunMode                RunMode
	ValidationWindowEndUTC time.Time
	Status                 ActivationStatus
	ApprovalHash           string
}

// RiskState is the per-hour account risk state surface.
type RiskState struct {
	RunMode                RunMode
	AccountID              int64
	HourTsUTC              time.Time
	SourceRunID            uuid.UUID
	PortfolioValue         decimal.Decimal
	PeakPortfolioValue     decimal.Decimal
	DrawdownPct            decimal.Decimal
	DrawdownTier           DrawdownTier
	BaseRiskFraction       decimal.Decimal
	MaxConcurrentPositions int64
	MaxTotalExposurePct    decimal.Decimal
	MaxClusterExposurePct  decimal.Decimal
	HaltNewEntries         bool
	KillSwitchActive       bool
	KillSwitchReason       string
	StateHash              string
	RowHash                string
}

// CapitalState is the per-hour portfolio capital surface.
type CapitalState struct {
	RunMode           RunMode
	AccountID         int64
	HourTsUTC         time.Time
	SourceRunID       uuid.UUID
	CashBalance       decimal.Decimal
	MarketValue       decimal.Decimal
	PortfolioValue    decimal.Decimal
	TotalExposurePct  decimal.Decimal
	OpenPositionCount int64
	Halted            bool
	RowHash           string
}

// ClusterState is one cluster exposure row for the hour.
type ClusterState struct {
	RunMode               RunMode
	AccountID             int64
	ClusterID             int64
	HourTsUTC             time.Time
	SourceRunID           uuid.UUID
	ExposurePct           decimal.Decimal
	MaxClusterExposurePct decimal.Decimal
	StateHash             string
	ParentRiskHash        string
	RowHash               string
}

// PriorEconomicState is the most recent ledger row strictly before the hour.
type PriorEconomicState struct {
	LedgerSeq      int64
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	PrevLedgerHash *string
	LedgerHash     string
	RowHash        string
	EventTsUTC     time.Time
}

// CostProfileState carries venue fee and slippage parameters.
type CostProfileState struct {
	CostProfileID     int64
	FeeRate           decimal.Decimal
	SlippageParamHash string
}

// ClusterMembershipState is the active cluster membership for an asset.
type ClusterMembershipState struct {
	MembershipID   int64
	AssetID        int64
	ClusterID      int64
	MembershipHash string
}

// RiskProfileState is the assigned runtime risk profile for the account.
type RiskProfileState struct {
	ProfileVersion             string
	TotalExposureMode          ExposureMode
	MaxTotalExposurePct        *decimal.Decimal
	MaxTotalExposureAmount     *decimal.Decimal
	ClusterExposureMode        ExposureMode
	MaxClusterExposurePct      *decimal.Decimal
	MaxClusterExposureAmount   *decimal.Decimal
	MaxConcurrentPositions     int64
	SevereLossDrawdownTrigger  decimal.Decimal
	VolatilityFeatureID        int64
	VolatilityTarget           decimal.Decimal
	VolatilityScaleFloor       decimal.Decimal
	VolatilityScaleCeiling     decimal.Decimal
	HoldMinExpectedReturn      decimal.Decimal
	ExitExpectedReturnThresh   decimal.Decimal
	RecoveryHoldProbUpThresh   decimal.Decimal
	RecoveryExitProbUpThresh   decimal.Decimal
	DeriskFraction             decimal.Decimal
	SignalPersistenceRequired  int64
	RowHash                    string
}

// VolatilityFeatureState is the configured volatility input for an asset.
type VolatilityFeatureState struct {
	AssetID      int64
	FeatureID    int64
	FeatureValue decimal.Decimal
	RowHash      string
}

// PositionState is the open-position surface for an asset at the hour.
type PositionState struct {
	RunMode       RunMode
	AccountID     int64
	AssetID       int64
	HourTsUTC     time.Time
	SourceRunID   uuid.UUID
	Quantity      decimal.Decimal
	ExposurePct   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RowHash       string
}

// AssetPrecisionState carries per-asset tick and lot sizes.
type AssetPrecisionState struct {
	AssetID  int64
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
}

// OrderBookSnapshotState is one top-of-book snapshot.
type OrderBookSnapshotState struct {
	AssetID      int64
	SnapshotTsUTC time.Time
	HourTsUTC    time.Time
	BestBidPrice decimal.Decimal
	BestAskPrice decimal.Decimal
	BestBidSize  decimal.Decimal
	BestAskSize  decimal.Decimal
	RowHash      string
}

// OhlcvState is the hourly close fallback price row.
type OhlcvState struct {
	AssetID    int64
	HourTsUTC  time.Time
	ClosePrice decimal.Decimal
	RowHash    string
}

// ExistingOrderFillState is a previously persisted fill for this run.
type ExistingOrderFillState struct {
	FillID               uuid.UUID
	OrderID              uuid.UUID
	RunID                uuid.UUID
	RunMode              RunMode
	AccountID            int64
	AssetID              int64
	FillTsUTC            time.Time
	FillPrice            decimal.Decimal
	FillQty              decimal.Decimal
	FillNotional         decimal.Decimal
	FeePaid              decimal.Decimal
	RealizedSlippageRate decimal.Decimal
	SlippageCost         decimal.Decimal
	RowHash              string
}

// ExistingPositionLotState is a previously persisted open lot for this run.
type ExistingPositionLotState struct {
	LotID        uuid.UUID
	OpenFillID   uuid.UUID
	RunID        uuid.UUID
	RunMode      RunMode
	AccountID    int64
	AssetID      int64
	OpenTsUTC    time.Time
	OpenPrice    decimal.Decimal
	OpenQty      decimal.Decimal
	OpenFee      decimal.Decimal
	RemainingQty decimal.Decimal
	RowHash      string
}

// ExistingExecutedTradeState is a previously persisted FIFO consumption slice.
type ExistingExecutedTradeState struct {
	TradeID   uuid.UUID
	LotID     uuid.UUID
	RunID     uuid.UUID
	RunMode   RunMode
	AccountID int64
	AssetID   int64
	Quantity  decimal.Decimal
	RowHash   string
}

// ExecutionContext is the immutable input surface for one deterministic hour.
// Slices are ordered canonically at load time and must not be mutated.
type ExecutionContext struct {
	RunContext             RunContextState
	Predictions            []PredictionState
	Regimes                []RegimeState
	RiskState              RiskState
	CapitalState           CapitalState
	ClusterStates          []ClusterState
	PriorEconomicState     *PriorEconomicState
	TrainingWindows        []TrainingWindowState
	ActivationRecords      []ActivationRecord
	Memberships            []ClusterMembershipState
	CostProfile            CostProfileState
	RiskProfile            RiskProfileState
	VolatilityFeatures     []VolatilityFeatureState
	Positions              []PositionState
	AssetPrecisions        []AssetPrecisionState
	OrderBookSnapshots     []OrderBookSnapshotState
	OhlcvRows              []OhlcvState
	ExistingOrderFills     []ExistingOrderFillState
	ExistingPositionLots   []ExistingPositionLotState
	ExistingExecutedTrades []ExistingExecutedTradeState
}

func (c *ExecutionContext) FindTrainingWindow(id int64) *TrainingWindowState {
	for i := range c.TrainingWindows {
		if c.TrainingWindows[i].TrainingWindowID == id {
			return &c.TrainingWindows[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindActivation(id int64) *ActivationRecord {
	for i := range c.ActivationRecords {
		if c.ActivationRecords[i].ActivationID == id {
			return &c.ActivationRecords[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindRegime(assetID, modelVersionID int64) *RegimeState {
	for i := range c.Regimes {
		if c.Regimes[i].AssetID == assetID && c.Regimes[i].ModelVersionID == modelVersionID {
			return &c.Regimes[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindMembership(assetID int64) *ClusterMembershipState {
	for i := range c.Memberships {
		if c.Memberships[i].AssetID == assetID {
			return &c.Memberships[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindClusterState(clusterID int64) *ClusterState {
	for i := range c.ClusterStates {
		if c.ClusterStates[i].ClusterID == clusterID {
			return &c.ClusterStates[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindVolatilityFeature(assetID int64) *VolatilityFeatureState {
	for i := range c.VolatilityFeatures {
		if c.VolatilityFeatures[i].AssetID == assetID {
			return &c.VolatilityFeatures[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindPosition(assetID int64) *PositionState {
	for i := range c.Positions {
		if c.Positions[i].AssetID == assetID {
			return &c.Positions[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindAssetPrecision(assetID int64) *AssetPrecisionState {
	for i := range c.AssetPrecisions {
		if c.AssetPrecisions[i].AssetID == assetID {
			return &c.AssetPrecisions[i]
		}
	}
	return nil
}

// FindLatestOrderBookSnapshot returns the most recent snapshot for assetID at
// or before asOf, or nil when none qualifies.
func (c *ExecutionContext) FindLatestOrderBookSnapshot(assetID int64, asOf time.Time) *OrderBookSnapshotState {
	var selected *OrderBookSnapshotState
	for i := range c.OrderBookSnapshots {
		snap := &c.OrderBookSnapshots[i]
		if snap.AssetID != assetID || snap.SnapshotTsUTC.After(asOf) {
			continue
		}
		if selected == nil || snap.SnapshotTsUTC.After(selected.SnapshotTsUTC) {
			selected = snap
		}
	}
	return selected
}

func (c *ExecutionContext) FindOhlcv(assetID int64) *OhlcvState {
	for i := range c.OhlcvRows {
		if c.OhlcvRows[i].AssetID == assetID {
			return &c.OhlcvRows[i]
		}
	}
	return nil
}

func (c *ExecutionContext) FindExistingFill(fillID uuid.UUID) *ExistingOrderFillState {
	for i := range c.ExistingOrderFills {
		if c.ExistingOrderFills[i].FillID == fillID {
			return &c.ExistingOrderFills[i]
		}
	}
	return nil
}

// LotsForAsset returns the persisted lots for assetID in load order
// (open_ts_utc, lot_id ascending).
func (c *ExecutionContext) LotsForAsset(assetID int64) []ExistingPositionLotState {
	var lots []ExistingPositionLotState
	for _, lot := range c.ExistingPositionLots {
		if lot.AssetID == assetID {
			lots = append(lots, lot)
		}
	}
	return lots
}

// ExecutedQtyForLot sums persisted FIFO consumption against one lot.
func (c *ExecutionContext) ExecutedQtyForLot(lotID uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, trade := range c.ExistingExecutedTrades {
		if trade.LotID == lotID {
			total = total.Add(trade.Quantity)
		}
	}
	return total
}

// Drawdown tier boundaries.
var (
	tierDD10Edge   = decimal.RequireFromString("0.10")
	tierDD15Edge   = decimal.RequireFromString("0.15")
	tierHalt20Edge = decimal.RequireFromString("0.20")
)

// TierForDrawdown maps drawdown_pct onto its unique tier interval:
// [0,0.10) NORMAL, [0.10,0.15) DD10, [0.15,0.20) DD15, [0.20,1] HALT20.
func TierForDrawdown(drawdownPct decimal.Decimal) DrawdownTier {
	switch {
	case drawdownPct.GreaterThanOrEqual(tierHalt20Edge):
		return TierHalt20
	case drawdownPct.GreaterThanOrEqual(tierDD15Edge):
		return TierDD15
	case drawdownPct.GreaterThanOrEqual(tierDD10Edge):
		return TierDD10
	default:
		return TierNormal
	}
}
