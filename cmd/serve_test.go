//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir-cli/internal/model"
	"github.com/sells-group/bizdir-cli/internal/monitoring"
)

func serveRequest(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	rr := serveRequest(t, h, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Coverage(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	rr := serveRequest(t, h, "/coverage")
	require.Equal(t, http.StatusOK, rr.Code)

	var rep model.CoverageReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, int64(3), rep.Total)
	assert.Equal(t, int64(3), rep.WithCode)
	assert.Zero(t, rep.WithCategory)
	assert.Equal(t, int64(2), rep.PendingRecords, "1070 mapped directly, 1071 inherited")
	assert.Equal(t, []model.CodeCount{{Code: "4776", Count: 1}}, rep.UnmappedCodes)
}

func TestRouter_CoverageBadTop(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	rr := serveRequest(t, h, "/coverage?top=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid top")
}

func TestRouter_RunsAndFailuresEmpty(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	for _, path := range []string{"/runs", "/failures"} {
		rr := serveRequest(t, h, path)
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.JSONEq(t, "[]", rr.Body.String(), path)
	}
}

func TestRouter_RunsAfterStart(t *testing.T) {
	setTestConfig(t)
	st := seedTestStore(t)
	_, err := st.StartRun(context.Background(), "all", nil)
	require.NoError(t, err)

	rr := serveRequest(t, newRouter(st, nil), "/runs?limit=5")
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []model.RunEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusRunning, runs[0].Status)
	assert.Equal(t, "all", runs[0].Scope)
}

func TestRouter_CodeDetail(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	rr := serveRequest(t, h, "/codes/1071")
	require.Equal(t, http.StatusOK, rr.Code)

	var detail codeDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, "Bread and pastry", detail.Code.Label)
	require.Len(t, detail.Ancestors, 2)
	assert.Equal(t, "1070", detail.Ancestors[0].Code)
	require.Len(t, detail.Candidates, 1)
	assert.Equal(t, model.MappingSourceInherited, detail.Candidates[0].Source)
	require.NotNil(t, detail.Selected)
	assert.Equal(t, "food", detail.Selected.MainCategoryID)
	assert.Equal(t, "bakery", detail.Selected.SubCategoryID)
	assert.Empty(t, detail.SkipReason)
}

func TestRouter_CodeDetailPadsCode(t *testing.T) {
	setTestConfig(t)
	st := seedTestStore(t)
	_, err := st.UpsertCodes(context.Background(), []model.EconomicActivityCode{
		{Code: "0100", Label: "Agriculture", Level: model.LevelMajor},
	})
	require.NoError(t, err)

	rr := serveRequest(t, newRouter(st, nil), "/codes/100")
	require.Equal(t, http.StatusOK, rr.Code)

	var detail codeDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, "0100", detail.Code.Code)
	assert.Nil(t, detail.Selected)
	assert.Equal(t, model.SkipNoMapping, detail.SkipReason)
}

func TestRouter_CodeDetailNotFound(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	rr := serveRequest(t, h, "/codes/9999")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown code 9999")
}

func TestRouter_CORS(t *testing.T) {
	setTestConfig(t)
	h := newRouter(seedTestStore(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Alerts(t *testing.T) {
	setTestConfig(t)
	cfg.Monitoring.LookbackWindowHours = 24
	st := seedTestStore(t)

	rr := serveRequest(t, newRouter(st, nil), "/alerts")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	checker := newChecker(st)
	_, err := checker.Check(context.Background())
	require.NoError(t, err)

	rr = serveRequest(t, newRouter(st, checker), "/alerts")
	require.Equal(t, http.StatusOK, rr.Code)

	var status monitoring.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.NotNil(t, status.Snapshot)
	assert.Empty(t, status.Alerts)
	assert.Zero(t, status.Snapshot.RetryQueueDepth)
}

func TestIntParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?n=7&bad=-1", nil)

	n, err := intParam(req, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = intParam(req, "missing", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = intParam(req, "bad", 3)
	assert.Error(t, err)
}
