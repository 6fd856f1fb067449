// Package replay recomputes the per-hour Merkle-style hash DAG over the
// persisted row surface and compares it against the stored manifest. The
// harness is read-only; the table ordering below is part of the protocol.
package replay

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
	"ChronoLedger/store"
)

const (
	boundaryDomainTag  = "phase_2_boundary_v1"
	tableDigestTag     = "phase_2_table_digest_v1"
	tableNodeDomainTag = "phase_2_table_node_v1"
	replayRootTag      = "phase_2_replay_root_v1"
)

// ManifestState is the stored replay_manifest projection.
type ManifestState struct {
	RunSeedHash           string
	ReplayRootHash        string
	AuthoritativeRowCount int64
}

// SnapshotBoundary is the replay input surface for one hour.
type SnapshotBoundary struct {
	RunID                     uuid.UUID
	AccountID                 int64
	RunMode                   domain.RunMode
	OriginHourTsUTC           time.Time
	RunSeedHash               string
	ContextHash               string
	RunContextReplayRootHash  string
	PriorRiskStateHash        *string
	PriorPortfolioStateHash   *string
	PriorLedgerHash           *string
	Manifest                  *ManifestState
}

// TableDigest is one table's canonical rowset digest.
type TableDigest struct {
	TableName    string
	RowCount     int64
	RowsetDigest string
}

// HashNode is one node of the linear hash DAG.
type HashNode struct {
	NodeName     string
	NodeHash     string
	ParentHashes []string
}

// DagResult is the recomputed hash DAG summary.
type DagResult struct {
	BoundaryHash          string
	RootHash              string
	AuthoritativeRowCount int64
	TableDigests          []TableDigest
	HashNodes             []HashNode
}

// Failure is one classified parity failure.
type Failure struct {
	FailureCode string
	Severity    string
	Scope       string
	Detail      string
	Expected    string
	Actual      string
}

// ComparisonReport is the manifest parity outcome for one hour.
type ComparisonReport struct {
	ReplayParity                    bool
	MismatchCount                   int
	Failures                        []Failure
	RecomputedRootHash              string
	ManifestRootHash                *string
	RecomputedAuthoritativeRowCount int64
	ManifestAuthoritativeRowCount   *int64
}

// Target identifies one replayable hour.
type Target struct {
	RunID           uuid.UUID
	AccountID       int64
	RunMode         domain.RunMode
	OriginHourTsUTC time.Time
}

// WindowItem pairs a target with its parity report.
type WindowItem struct {
	Target Target
	Report ComparisonReport
}

// WindowReport is the aggregate parity outcome over a target window.
type WindowReport struct {
	ReplayParity  bool
	TotalTargets  int
	PassedTargets int
	FailedTargets int
	Items         []WindowItem
}

type tableSpec struct {
	tableName  string
	keyColumns []string
	hashColumn string
	sql        string
}

// Fixed deterministic table order; changing it changes every root hash.
var replayTableSpecs = []tableSpec{
	{
		tableName:  "model_prediction",
		keyColumns: []string{"asset_id", "horizon", "model_version_id", "hour_ts_utc"},
		hashColumn: "row_hash",
		sql: `
			SELECT asset_id, horizon, model_version_id, hour_ts_utc, row_hash
			FROM model_prediction
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND hour_ts_utc = :origin_hour_ts_utc
			ORDER BY asset_id ASC, horizon ASC, model_version_id ASC, row_hash ASC`,
	},
	{
		tableName:  "regime_output",
		keyColumns: []string{"asset_id", "model_version_id", "hour_ts_utc"},
		hashColumn: "row_hash",
		sql: `
			SELECT asset_id, model_version_id, hour_ts_utc, row_hash
			FROM regime_output
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND hour_ts_utc = :origin_hour_ts_utc
			ORDER BY asset_id ASC, model_version_id ASC, row_hash ASC`,
	},
	{
		tableName:  "risk_hourly_state",
		keyColumns: []string{"hour_ts_utc"},
		hashColumn: "row_hash",
		sql: `
			SELECT hour_ts_utc, row_hash
			FROM risk_hourly_state
			WHERE source_run_id = :run_id
			  AND run_mode = :run_mode
			  AND account_id = :account_id
			  AND hour_ts_utc = :origin_hour_ts_utc
			ORDER BY hour_ts_utc ASC`,
	},
	{
		tableName:  "portfolio_hourly_state",
		keyColumns: []string{"hour_ts_utc"},
		hashColumn: "row_hash",
		sql: `
			SELECT hour_ts_utc, row_hash
			FROM portfolio_hourly_state
			WHERE source_run_id = :run_id
			  AND run_mode = :run_mode
			  AND account_id = :account_id
			  AND hour_ts_utc = :origin_hour_ts_utc
			ORDER BY hour_ts_utc ASC`,
	},
	{
		tableName:  "cluster_exposure_hourly_state",
		keyColumns: []string{"cluster_id", "hour_ts_utc"},
		hashColumn: "row_hash",
		sql: `
			SELECT cluster_id, hour_ts_utc, row_hash
			FROM cluster_exposure_hourly_state
			WHERE source_run_id = :run_id
			  AND run_mode = :run_mode
			  AND account_id = :account_id
			  AND hour_ts_utc = :origin_hour_ts_utc
			ORDER BY cluster_id ASC, row_hash ASC`,
	},
	{
		tableName:  "trade_signal",
		keyColumns: []string{"signal_id"},
		hashColumn: "row_hash",
		sql: `
			SELECT signal_id, row_hash
			FROM trade_signal
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND hour_ts_utc = :origin_hour_ts_utc
			ORDER BY signal_id ASC`,
	},
	{
		tableName:  "order_request",
		keyColumns: []string{"order_id"},
		hashColumn: "row_hash",
		sql: `
			SELECT order_id, row_hash
			FROM order_request
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND origin_hour_ts_utc = :origin_hour_ts_utc
			ORDER BY order_id ASC`,
	},
	{
		tableName:  "order_fill",
		keyColumns: []string{"fill_id"},
		hashColumn: "row_hash",
		sql: `
			SELECT fill_id, row_hash
			FROM order_fill
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND origin_hour_ts_utc = :origin_hour_ts_utc
			ORDER BY fill_id ASC`,
	},
	{
		tableName:  "position_lot",
		keyColumns: []string{"lot_id"},
		hashColumn: "row_hash",
		sql: `
			SELECT lot_id, row_hash
			FROM position_lot
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND origin_hour_ts_utc = :origin_hour_ts_utc
			ORDER BY lot_id ASC`,
	},
	{
		tableName:  "executed_trade",
		keyColumns: []string{"trade_id"},
		hashColumn: "row_hash",
		sql: `
			SELECT trade_id, row_hash
			FROM executed_trade
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND origin_hour_ts_utc = :origin_hour_ts_utc
			ORDER BY trade_id ASC`,
	},
	{
		tableName:  "cash_ledger",
		keyColumns: []string{"ledger_seq"},
		hashColumn: "row_hash",
		sql: `
			SELECT ledger_seq, row_hash
			FROM cash_ledger
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND origin_hour_ts_utc = :origin_hour_ts_utc
			ORDER BY ledger_seq ASC`,
	},
	{
		tableName:  "risk_event",
		keyColumns: []string{"risk_event_id"},
		hashColumn: "row_hash",
		sql: `
			SELECT risk_event_id, row_hash
			FROM risk_event
			WHERE run_id = :run_id
			  AND account_id = :account_id
			  AND origin_hour_ts_utc = :origin_hour_ts_utc
			ORDER BY risk_event_id ASC`,
	},
}

var failureClassification = map[string]struct{ severity, scope string }{
	"MANIFEST_MISSING":          {"CRITICAL", "replay_manifest"},
	"RUN_SEED_MISMATCH":         {"HIGH", "replay_manifest"},
	"ROOT_HASH_MISMATCH":        {"CRITICAL", "replay_manifest"},
	"ROW_COUNT_MISMATCH":        {"HIGH", "replay_manifest"},
	"RUN_CONTEXT_ROOT_MISMATCH": {"HIGH", "run_context"},
}

// LoadSnapshotBoundary reads the replay boundary and manifest state.
func LoadSnapshotBoundary(
	db store.Querier,
	runID uuid.UUID,
	accountID int64,
	originHourTsUTC time.Time,
) (SnapshotBoundary, error) {
	params := map[string]any{
		"run_id":             runID,
		"account_id":         accountID,
		"origin_hour_ts_utc": originHourTsUTC,
	}
	runContext, err := db.FetchOne(`
		SELECT run_id, account_id, run_mode, origin_hour_ts_utc,
		       run_seed_hash, context_hash, replay_root_hash
		FROM run_context
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND origin_hour_ts_utc = :origin_hour_ts_utc`, params)
	if err != nil {
		return SnapshotBoundary{}, err
	}
	if runContext == nil {
		return SnapshotBoundary{}, domain.Abort(domain.ErrInputMissing,
			"run_context not found for replay boundary key")
	}

	manifestRow, err := db.FetchOne(`
		SELECT run_seed_hash, replay_root_hash, authoritative_row_count
		FROM replay_manifest
		WHERE run_id = :run_id
		  AND account_id = :account_id
		  AND origin_hour_ts_utc = :origin_hour_ts_utc`, params)
	if err != nil {
		return SnapshotBoundary{}, err
	}

	runMode := domain.RunMode(runContext.String("run_mode"))
	modeParams := map[string]any{
		"run_mode":           runMode,
		"account_id":         accountID,
		"origin_hour_ts_utc": originHourTsUTC,
	}
	priorRisk, err := db.FetchOne(`
		SELECT row_hash
		FROM risk_hourly_state
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND hour_ts_utc < :origin_hour_ts_utc
		ORDER BY hour_ts_utc DESC
		LIMIT 1`, modeParams)
	if err != nil {
		return SnapshotBoundary{}, err
	}
	priorPortfolio, err := db.FetchOne(`
		SELECT row_hash
		FROM portfolio_hourly_state
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND hour_ts_utc < :origin_hour_ts_utc
		ORDER BY hour_ts_utc DESC
		LIMIT 1`, modeParams)
	if err != nil {
		return SnapshotBoundary{}, err
	}
	priorLedger, err := db.FetchOne(`
		SELECT ledger_hash
		FROM cash_ledger
		WHERE run_mode = :run_mode
		  AND account_id = :account_id
		  AND event_ts_utc < :origin_hour_ts_utc
		ORDER BY event_ts_utc DESC, ledger_seq DESC
		LIMIT 1`, modeParams)
	if err != nil {
		return SnapshotBoundary{}, err
	}

	boundaryRunID, err := runContext.UUID("run_id")
	if err != nil {
		return SnapshotBoundary{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.run_id")
	}
	origin, err := runContext.Time("origin_hour_ts_utc")
	if err != nil {
		return SnapshotBoundary{}, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.origin_hour_ts_utc")
	}

	var manifest *ManifestState
	if manifestRow != nil {
		manifest = &ManifestState{
			RunSeedHash:           manifestRow.String("run_seed_hash"),
			ReplayRootHash:        manifestRow.String("replay_root_hash"),
			AuthoritativeRowCount: manifestRow.Int64("authoritative_row_count"),
		}
	}
	boundary := SnapshotBoundary{
		RunID:                    boundaryRunID,
		AccountID:                runContext.Int64("account_id"),
		RunMode:                  runMode,
		OriginHourTsUTC:          origin,
		RunSeedHash:              runContext.String("run_seed_hash"),
		ContextHash:              runContext.String("context_hash"),
		RunContextReplayRootHash: runContext.String("replay_root_hash"),
		Manifest:                 manifest,
	}
	if priorRisk != nil {
		boundary.PriorRiskStateHash = priorRisk.NullString("row_hash")
	}
	if priorPortfolio != nil {
		boundary.PriorPortfolioStateHash = priorPortfolio.NullString("row_hash")
	}
	if priorLedger != nil {
		boundary.PriorLedgerHash = priorLedger.NullString("ledger_hash")
	}
	return boundary, nil
}

// RecomputeHashDag rebuilds the deterministic hash DAG over the hour's row
// surface and returns the canonical replay root.
func RecomputeHashDag(db store.Querier, boundary SnapshotBoundary) (DagResult, error) {
	boundaryHash := canon.StableHash(
		boundaryDomainTag,
		boundary.RunSeedHash,
		boundary.ContextHash,
		canon.Timestamp(boundary.OriginHourTsUTC),
		orBlank(boundary.PriorRiskStateHash),
		orBlank(boundary.PriorPortfolioStateHash),
		orBlank(boundary.PriorLedgerHash),
	)

	params := map[string]any{
		"run_id":             boundary.RunID,
		"account_id":         boundary.AccountID,
		"run_mode":           boundary.RunMode,
		"origin_hour_ts_utc": boundary.OriginHourTsUTC,
	}

	digests := make([]TableDigest, 0, len(replayTableSpecs)+1)
	nodes := []HashNode{{NodeName: "boundary", NodeHash: boundaryHash}}

	runContextRow := store.Row{
		"run_id":             boundary.RunID,
		"account_id":         boundary.AccountID,
		"run_mode":           string(boundary.RunMode),
		"origin_hour_ts_utc": canon.Timestamp(boundary.OriginHourTsUTC),
		"context_hash":       boundary.ContextHash,
	}
	runContextDigest := computeTableDigest(
		"run_context",
		[]string{"run_id", "account_id", "run_mode", "origin_hour_ts_utc"},
		"context_hash",
		[]store.Row{runContextRow},
		boundaryHash,
	)
	digests = append(digests, runContextDigest)

	priorNodeHash := canon.StableHash(
		tableNodeDomainTag,
		boundaryHash,
		runContextDigest.TableName,
		runContextDigest.RowsetDigest,
		runContextDigest.RowCount,
	)
	nodes = append(nodes, HashNode{
		NodeName:     runContextDigest.TableName,
		NodeHash:     priorNodeHash,
		ParentHashes: []string{boundaryHash},
	})

	for _, spec := range replayTableSpecs {
		rows, err := db.FetchAll(spec.sql, params)
		if err != nil {
			return DagResult{}, err
		}
		digest := computeTableDigest(spec.tableName, spec.keyColumns, spec.hashColumn, rows, boundaryHash)
		digests = append(digests, digest)
		nodeHash := canon.StableHash(
			tableNodeDomainTag,
			priorNodeHash,
			digest.TableName,
			digest.RowsetDigest,
			digest.RowCount,
		)
		nodes = append(nodes, HashNode{
			NodeName:     digest.TableName,
			NodeHash:     nodeHash,
			ParentHashes: []string{priorNodeHash},
		})
		priorNodeHash = nodeHash
	}

	rootTokens := []any{replayRootTag, boundaryHash}
	for _, node := range nodes[1:] {
		rootTokens = append(rootTokens, node.NodeName+":"+node.NodeHash)
	}
	rootHash := canon.StableHash(rootTokens...)

	var rowCount int64
	for _, digest := range digests {
		rowCount += digest.RowCount
	}
	return DagResult{
		BoundaryHash:          boundaryHash,
		RootHash:              rootHash,
		AuthoritativeRowCount: rowCount,
		TableDigests:          digests,
		HashNodes:             nodes,
	}, nil
}

// ClassifyFailure maps a failure code onto its deterministic severity/scope.
func ClassifyFailure(failureCode, detail, expected, actual string) Failure {
	class, ok := failureClassification[failureCode]
	if !ok {
		class = struct{ severity, scope string }{"MEDIUM", "unknown"}
	}
	return Failure{
		FailureCode: failureCode,
		Severity:    class.severity,
		Scope:       class.scope,
		Detail:      detail,
		Expected:    expected,
		Actual:      actual,
	}
}

// CompareWithManifest checks the recomputed DAG against the stored manifest
// and the run_context's authoritative root copy.
func CompareWithManifest(boundary SnapshotBoundary, recomputed DagResult) ComparisonReport {
	var failures []Failure
	var manifestRootHash *string
	var manifestRowCount *int64

	if boundary.Manifest == nil {
		failures = append(failures, ClassifyFailure(
			"MANIFEST_MISSING", "No replay_manifest row found for replay key.", "", ""))
	} else {
		manifestRootHash = &boundary.Manifest.ReplayRootHash
		manifestRowCount = &boundary.Manifest.AuthoritativeRowCount
		if boundary.Manifest.RunSeedHash != boundary.RunSeedHash {
			failures = append(failures, ClassifyFailure(
				"RUN_SEED_MISMATCH",
				"run_seed_hash in replay_manifest does not match run_context.",
				boundary.RunSeedHash,
				boundary.Manifest.RunSeedHash))
		}
		if boundary.Manifest.ReplayRootHash != recomputed.RootHash {
			failures = append(failures, ClassifyFailure(
				"ROOT_HASH_MISMATCH",
				"replay_root_hash in replay_manifest does not match recomputed DAG root.",
				recomputed.RootHash,
				boundary.Manifest.ReplayRootHash))
		}
		if boundary.Manifest.AuthoritativeRowCount != recomputed.AuthoritativeRowCount {
			failures = append(failures, ClassifyFailure(
				"ROW_COUNT_MISMATCH",
				"authoritative_row_count does not match recomputed row surface count.",
				formatInt(recomputed.AuthoritativeRowCount),
				formatInt(boundary.Manifest.AuthoritativeRowCount)))
		}
	}

	if boundary.RunContextReplayRootHash != recomputed.RootHash {
		failures = append(failures, ClassifyFailure(
			"RUN_CONTEXT_ROOT_MISMATCH",
			"run_context.replay_root_hash does not match recomputed DAG root.",
			recomputed.RootHash,
			boundary.RunContextReplayRootHash))
	}

	return ComparisonReport{
		ReplayParity:                    len(failures) == 0,
		MismatchCount:                   len(failures),
		Failures:                        failures,
		RecomputedRootHash:              recomputed.RootHash,
		ManifestRootHash:                manifestRootHash,
		RecomputedAuthoritativeRowCount: recomputed.AuthoritativeRowCount,
		ManifestAuthoritativeRowCount:   manifestRowCount,
	}
}

// ManifestParity is the end-to-end parity check for one executed hour.
func ManifestParity(
	db store.Querier,
	runID uuid.UUID,
	accountID int64,
	originHourTsUTC time.Time,
) (ComparisonReport, error) {
	boundary, err := LoadSnapshotBoundary(db, runID, accountID, originHourTsUTC)
	if err != nil {
		return ComparisonReport{}, err
	}
	recomputed, err := RecomputeHashDag(db, boundary)
	if err != nil {
		return ComparisonReport{}, err
	}
	return CompareWithManifest(boundary, recomputed), nil
}

// ListTargets selects replayable hours for an account/mode window in
// ascending (origin_hour_ts_utc, run_id) order.
func ListTargets(
	db store.Querier,
	accountID int64,
	runMode domain.RunMode,
	startHourTsUTC time.Time,
	endHourTsUTC time.Time,
	maxTargets int,
) ([]Target, error) {
	if endHourTsUTC.Before(startHourTsUTC) {
		return nil, domain.Abort(domain.ErrInvariantViolation, "end_hour_ts_utc must be >= start_hour_ts_utc")
	}
	rows, err := db.FetchAll(`
		SELECT run_id, account_id, run_mode, origin_hour_ts_utc
		FROM run_context
		WHERE account_id = :account_id
		  AND run_mode = :run_mode
		  AND origin_hour_ts_utc >= :start_hour_ts_utc
		  AND origin_hour_ts_utc <= :end_hour_ts_utc
		ORDER BY origin_hour_ts_utc ASC, run_id ASC`,
		map[string]any{
			"account_id":        accountID,
			"run_mode":          runMode,
			"start_hour_ts_utc": startHourTsUTC,
			"end_hour_ts_utc":   endHourTsUTC,
		})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.Abort(domain.ErrInputMissing, "no run_context rows found for replay target window")
	}

	targets := make([]Target, 0, len(rows))
	for _, row := range rows {
		runID, err := row.UUID("run_id")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.run_id")
		}
		origin, err := row.Time("origin_hour_ts_utc")
		if err != nil {
			return nil, domain.AbortWrap(domain.ErrSubstrateIntegrity, err, "run_context.origin_hour_ts_utc")
		}
		targets = append(targets, Target{
			RunID:           runID,
			AccountID:       row.Int64("account_id"),
			RunMode:         domain.RunMode(row.String("run_mode")),
			OriginHourTsUTC: origin,
		})
	}
	if maxTargets == 0 {
		return targets, nil
	}
	if maxTargets < 0 {
		return nil, domain.Abort(domain.ErrInvariantViolation, "max_targets must be > 0 when provided")
	}
	if maxTargets < len(targets) {
		targets = targets[:maxTargets]
	}
	return targets, nil
}

// ManifestWindowParity runs parity checks over a replay target window.
func ManifestWindowParity(
	db store.Querier,
	accountID int64,
	runMode domain.RunMode,
	startHourTsUTC time.Time,
	endHourTsUTC time.Time,
	maxTargets int,
) (WindowReport, error) {
	targets, err := ListTargets(db, accountID, runMode, startHourTsUTC, endHourTsUTC, maxTargets)
	if err != nil {
		return WindowReport{}, err
	}
	items := make([]WindowItem, 0, len(targets))
	failed := 0
	for _, target := range targets {
		report, err := ManifestParity(db, target.RunID, target.AccountID, target.OriginHourTsUTC)
		if err != nil {
			return WindowReport{}, err
		}
		if !report.ReplayParity {
			failed++
		}
		items = append(items, WindowItem{Target: target, Report: report})
	}
	return WindowReport{
		ReplayParity:  failed == 0,
		TotalTargets:  len(items),
		PassedTargets: len(items) - failed,
		FailedTargets: failed,
		Items:         items,
	}, nil
}

func computeTableDigest(
	tableName string,
	keyColumns []string,
	hashColumn string,
	rows []store.Row,
	boundaryHash string,
) TableDigest {
	sorted := make([]store.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rowSortKey(sorted[i], keyColumns) < rowSortKey(sorted[j], keyColumns)
	})

	canonicalRows := make([]any, 0, len(sorted))
	for _, row := range sorted {
		keys := make(map[string]any, len(keyColumns))
		for _, column := range keyColumns {
			keys[column] = row[column]
		}
		canonicalRows = append(canonicalRows, map[string]any{
			"keys": keys,
			"hash": row[hashColumn],
		})
	}
	serialized := CanonicalSerialize(map[string]any{
		"table": tableName,
		"rows":  canonicalRows,
	})
	rowsetDigest := canon.StableHash(
		tableDigestTag,
		boundaryHash,
		tableName,
		int64(len(canonicalRows)),
		serialized,
	)
	return TableDigest{
		TableName:    tableName,
		RowCount:     int64(len(canonicalRows)),
		RowsetDigest: rowsetDigest,
	}
}

func rowSortKey(row store.Row, keyColumns []string) string {
	key := ""
	for _, column := range keyColumns {
		key += canon.Normalize(row[column]) + "\x00"
	}
	return key
}

func orBlank(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
