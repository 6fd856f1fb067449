package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoLedger/api"
	"ChronoLedger/canon"
	"ChronoLedger/store"
	"ChronoLedger/testutil"
)

func newTestServer(t *testing.T) (*api.Server, *store.SQLiteDB) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return api.NewServer(db), db
}

func TestExecuteHourEndpoint(t *testing.T) {
	server, db := newTestServer(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "api_exec"})
	require.NoError(t, err)

	body := `{"run_id":"` + fixture.RunID.String() + `",` +
		`"account_id":` + jsonInt(fixture.AccountID) + `,` +
		`"run_mode":"LIVE",` +
		`"hour_ts_utc":"` + canon.Timestamp(fixture.HourTsUTC) + `"}`

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/execute-hour", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.EqualValues(t, 1, payload["trade_signals"])
	assert.NotEmpty(t, payload["replay_root_hash"])
}

func TestReplayManifestEndpoint(t *testing.T) {
	server, db := newTestServer(t)
	fixture, err := testutil.InsertRuntimeFixture(db, testutil.FixtureOpts{Seed: "api_parity"})
	require.NoError(t, err)

	// Execute through the HTTP surface, then check parity.
	body := `{"run_id":"` + fixture.RunID.String() + `",` +
		`"account_id":` + jsonInt(fixture.AccountID) + `,` +
		`"run_mode":"LIVE",` +
		`"hour_ts_utc":"` + canon.Timestamp(fixture.HourTsUTC) + `"}`
	executeRecorder := httptest.NewRecorder()
	executeRequest := httptest.NewRequest(http.MethodPost, "/execute-hour", strings.NewReader(body))
	executeRequest.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(executeRecorder, executeRequest)
	require.Equal(t, http.StatusOK, executeRecorder.Code, executeRecorder.Body.String())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet,
		"/replay-manifest?run_id="+fixture.RunID.String()+
			"&account_id="+jsonInt(fixture.AccountID)+
			"&hour_ts_utc="+canon.Timestamp(fixture.HourTsUTC), nil)
	server.Router().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var payload map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, true, payload["ReplayParity"])
}

func TestExecuteHourEndpointRejectsBadKey(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/execute-hour",
		strings.NewReader(`{"run_id":"nope","account_id":1,"run_mode":"LIVE","hour_ts_utc":"2026-01-01T00:00:00Z"}`))
	request.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestExecuteHourEndpointMissingContextIs404(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/execute-hour",
		strings.NewReader(`{"run_id":"a8098c1a-f86e-11da-bd1a-00112444be1e","account_id":1,"run_mode":"LIVE","hour_ts_utc":"2026-01-01T00:00:00Z"}`))
	request.Header.Set("Content-Type", "application/json")
	server.Router().ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
