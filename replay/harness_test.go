package replay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/canon"
	"ChronoLedger/domain"
	"ChronoLedger/replay"
	"ChronoLedger/store"
	"ChronoLedger/testutil"
	"ChronoLedger/trader"
)

func openTestDB(t *testing.T) *store.SQLiteDB {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func executedFixture(t *testing.T, db *store.SQLiteDB, seed string) testutil.FixtureIDs {
	t.Helper()
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: seed})
	require.NoError(t, err)
	_, err = trader.NewEngine(db).ExecuteHour(
		fixture.RunID, fixture.AccountID, domain.RunModeLive, fixture.HourTsUTC)
	require.NoError(t, err)
	return fixture
}

func TestCanonicalSerializeSortsKeysAndCompacts(t *testing.T) {
	payload := map[string]any{
		"zeta":  int64(1),
		"alpha": "x",
		"mid":   []any{int64(2), "y", nil},
	}
	assert.Equal(t, `{"alpha":"x","mid":[2,"y",null],"zeta":1}`, replay.CanonicalSerialize(payload))
}

func TestCanonicalSerializeDecimalAndTimestamp(t *testing.T) {
	ts, err := canon.ParseTimestamp("2026-08-01T15:00:00+02:00")
	require.NoError(t, err)
	payload := map[string]any{
		"price": canon.MustDecimal("1.5"),
		"ts":    ts,
	}
	assert.Equal(t,
		`{"price":"1.500000000000000000","ts":"2026-08-01T13:00:00Z"}`,
		replay.CanonicalSerialize(payload))
}

func TestCanonicalSerializeEscapesNonASCII(t *testing.T) {
	assert.Equal(t, `{"k":"caf\u00e9"}`, replay.CanonicalSerialize(map[string]any{"k": "café"}))
}

func TestHashDagIdempotent(t *testing.T) {
	db := openTestDB(t)
	fixture := executedFixture(t, db, "dag_idempotent")

	boundary, err := replay.LoadSnapshotBoundary(db, fixture.RunID, fixture.AccountID, fixture.HourTsUTC)
	require.NoError(t, err)

	first, err := replay.RecomputeHashDag(db, boundary)
	require.NoError(t, err)
	second, err := replay.RecomputeHashDag(db, boundary)
	require.NoError(t, err)

	assert.Equal(t, first.RootHash, second.RootHash)
	assert.Equal(t, first.AuthoritativeRowCount, second.AuthoritativeRowCount)
	assert.Equal(t, first.BoundaryHash, second.BoundaryHash)

	// Fixed protocol order: run_context first, then the twelve row tables.
	require.Len(t, first.TableDigests, 13)
	assert.Equal(t, "run_context", first.TableDigests[0].TableName)
	assert.Equal(t, "model_prediction", first.TableDigests[1].TableName)
	assert.Equal(t, "risk_event", first.TableDigests[12].TableName)

	// Linear chain: each node's parent is the previous node.
	for i := 1; i < len(first.HashNodes); i++ {
		require.Len(t, first.HashNodes[i].ParentHashes, 1)
		assert.Equal(t, first.HashNodes[i-1].NodeHash, first.HashNodes[i].ParentHashes[0])
	}
}

func TestManifestParityAfterExecution(t *testing.T) {
	db := openTestDB(t)
	fixture := executedFixture(t, db, "manifest_parity")

	report, err := replay.ManifestParity(db, fixture.RunID, fixture.AccountID, fixture.HourTsUTC)
	require.NoError(t, err)
	assert.True(t, report.ReplayParity, "failures: %+v", report.Failures)
	assert.Zero(t, report.MismatchCount)
	require.NotNil(t, report.ManifestRootHash)
	assert.Equal(t, report.RecomputedRootHash, *report.ManifestRootHash)
}

func TestManifestMissingClassifiedCritical(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "manifest_missing"})
	require.NoError(t, err)

	report, err := replay.ManifestParity(db, fixture.RunID, fixture.AccountID, fixture.HourTsUTC)
	require.NoError(t, err)
	assert.False(t, report.ReplayParity)

	byCode := make(map[string]replay.Failure)
	for _, failure := range report.Failures {
		byCode[failure.FailureCode] = failure
	}
	require.Contains(t, byCode, "MANIFEST_MISSING")
	assert.Equal(t, "CRITICAL", byCode["MANIFEST_MISSING"].Severity)
	assert.Equal(t, "replay_manifest", byCode["MANIFEST_MISSING"].Scope)

	// The unsealed run_context root also diverges from the recomputed DAG.
	require.Contains(t, byCode, "RUN_CONTEXT_ROOT_MISMATCH")
	assert.Equal(t, "HIGH", byCode["RUN_CONTEXT_ROOT_MISMATCH"].Severity)
}

func TestWindowParity(t *testing.T) {
	db := openTestDB(t)
	fixture := executedFixture(t, db, "window_parity")

	report, err := replay.ManifestWindowParity(db, fixture.AccountID, domain.RunModeLive,
		fixture.HourTsUTC.Add(-2*time.Hour), fixture.HourTsUTC.Add(2*time.Hour), 0)
	require.NoError(t, err)
	assert.True(t, report.ReplayParity)
	assert.Equal(t, 1, report.TotalTargets)
	assert.Equal(t, 1, report.PassedTargets)
	assert.Zero(t, report.FailedTargets)
}

func TestWindowParityEmptySelectionAborts(t *testing.T) {
	db := openTestDB(t)
	fixture := executedFixture(t, db, "window_empty")

	_, err := replay.ManifestWindowParity(db, fixture.AccountID+1, domain.RunModeLive,
		fixture.HourTsUTC, fixture.HourTsUTC, 0)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrInputMissing))
}

func TestWindowRejectsInvertedRange(t *testing.T) {
	db := openTestDB(t)
	fixture := executedFixture(t, db, "window_inverted")

	_, err := replay.ListTargets(db, fixture.AccountID, domain.RunModeLive,
		fixture.HourTsUTC, fixture.HourTsUTC.Add(-time.Hour), 0)
	require.Error(t, err)
}

func TestListTargetsMaxCap(t *testing.T) {
	db := openTestDB(t)
	fixture := executedFixture(t, db, "window_cap")

	targets, err := replay.ListTargets(db, fixture.AccountID, domain.RunModeLive,
		fixture.HourTsUTC, fixture.HourTsUTC, 5)
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	_, err = replay.ListTargets(db, fixture.AccountID, domain.RunModeLive,
		fixture.HourTsUTC, fixture.HourTsUTC, -1)
	require.Error(t, err)
}
