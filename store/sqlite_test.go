package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/domain"
	"ChronoLedger/store"
	"ChronoLedger/testutil"
)

func openTestDB(t *testing.T) *store.SQLiteDB {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNamedParametersRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Execute(`
		INSERT INTO account (account_id, account_label, base_currency, created_at_utc)
		VALUES (:account_id, :account_label, 'USD', :created_at_utc)`,
		map[string]any{
			"account_id":     int64(7),
			"account_label":  "ACC_TEST",
			"created_at_utc": "2026-01-01T00:00:00Z",
		}))

	row, err := db.FetchOne(`
		SELECT account_id, account_label FROM account WHERE account_id = :account_id`,
		map[string]any{"account_id": int64(7)})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(7), row.Int64("account_id"))
	assert.Equal(t, "ACC_TEST", row.String("account_label"))
}

func TestFetchOneMissingRowReturnsNil(t *testing.T) {
	db := openTestDB(t)
	row, err := db.FetchOne(`SELECT account_id FROM account WHERE account_id = :id`,
		map[string]any{"id": int64(404)})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestAppendOnlyTriggersRejectMutation(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "append_only"})
	require.NoError(t, err)

	_, err = testutil.PreloadOpenLot(db, fixture, "append_only", "1.000000000000000000", "100.000000000000000000")
	require.NoError(t, err)

	err = db.Execute(`UPDATE trade_signal SET direction = 'FLAT' WHERE run_id = :run_id`,
		map[string]any{"run_id": fixture.RunID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	err = db.Execute(`DELETE FROM order_fill WHERE run_id = :run_id`,
		map[string]any{"run_id": fixture.RunID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	err = db.Execute(`UPDATE model_prediction SET prob_up = '0.9900000000' WHERE run_id = :run_id`,
		map[string]any{"run_id": fixture.RunID})
	require.Error(t, err)
}

func TestRunContextPermitsOnlyReplayRootSeal(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "seal_once"})
	require.NoError(t, err)

	root := "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	require.NoError(t, db.Execute(`
		UPDATE run_context SET replay_root_hash = :root WHERE run_id = :run_id`,
		map[string]any{"root": root, "run_id": fixture.RunID}))

	// A second seal, or any other mutation, is rejected.
	err = db.Execute(`
		UPDATE run_context SET replay_root_hash = :root WHERE run_id = :run_id`,
		map[string]any{"root": root, "run_id": fixture.RunID})
	require.Error(t, err)

	err = db.Execute(`DELETE FROM run_context WHERE run_id = :run_id`,
		map[string]any{"run_id": fixture.RunID})
	require.Error(t, err)
}

func TestForeignKeysEnforced(t *testing.T) {
	db := openTestDB(t)
	err := db.Execute(`
		INSERT INTO asset_cluster_membership (asset_id, cluster_id, membership_hash, effective_from_utc)
		VALUES (:asset_id, 1, :hash, '2026-01-01T00:00:00Z')`,
		map[string]any{"asset_id": int64(9999), "hash": "x"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.ErrSubstrateIntegrity))
}

func TestDuplicateRunContextFailsUniqueness(t *testing.T) {
	db := openTestDB(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "unique_ctx"})
	require.NoError(t, err)

	// A second submission for the same (account, mode, hour) must fail on
	// the uniqueness key, never silently overwrite.
	err = db.Execute(`
		INSERT INTO run_context (
			run_id, account_id, run_mode, hour_ts_utc, origin_hour_ts_utc,
			run_seed_hash, context_hash, replay_root_hash
		) VALUES (
			:run_id, :account_id, 'LIVE', :hour, :hour, :seed, :ctx, ''
		)`,
		map[string]any{
			"run_id":     testutil.DeterministicUUID("another-run"),
			"account_id": fixture.AccountID,
			"hour":       fixture.HourTsUTC,
			"seed":       testutil.RunSeedHash,
			"ctx":        testutil.ContextHash,
		})
	require.Error(t, err)
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Begin())
	require.NoError(t, db.Execute(`
		INSERT INTO account (account_id, account_label, base_currency, created_at_utc)
		VALUES (1, 'ACC_TX', 'USD', '2026-01-01T00:00:00Z')`, nil))
	require.NoError(t, db.Rollback())

	row, err := db.FetchOne(`SELECT account_id FROM account WHERE account_id = 1`, nil)
	require.NoError(t, err)
	assert.Nil(t, row)
}
