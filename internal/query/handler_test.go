package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	httperr "github.com/verity-health/verity/internal/core/errors"
	"github.com/verity-health/verity/internal/core/model"
	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/core/store"
	"github.com/verity-health/verity/internal/history"
	"github.com/verity-health/verity/internal/view"
	"github.com/verity-health/verity/internal/window"
)

type fixture struct {
	rollups *rollup.Engine
	windows *window.Engine
	history *history.Engine
	views   *view.Materializer
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		rollups: rollup.NewEngine(),
		windows: window.NewEngine(),
		history: history.NewEngine(0),
	}
	f.views = view.NewMaterializer(f.rollups, f.windows, store.NewMemory())

	require.NoError(t, f.rollups.Define(rollup.Definition{
		Name:    "revenue_by_provider",
		Kind:    model.KindTransaction,
		GroupBy: []string{"patient.insurance_provider"},
		Value:   "amount",
		Metrics: []string{rollup.MetricSum, rollup.MetricCount, rollup.MetricAvg},
	}))
	require.NoError(t, f.views.Define(view.Definition{
		Name:   "provider_revenue",
		Source: view.SourceRollup,
		Rollup: "revenue_by_provider",
	}))

	f.router = gin.New()
	NewService(f.rollups, f.windows, f.history, f.views).RegisterRoutes(f.router)
	return f
}

func (f *fixture) apply(t *testing.T, key string, amount int64) {
	t.Helper()
	v := decimal.NewFromInt(amount)
	require.NoError(t, f.rollups.ApplyDelta("revenue_by_provider", key, nil, &v))
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func TestHandleQueryRollup(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "Acme", 100)
	f.apply(t, "Acme", 250)
	f.apply(t, "Beacon", 200)

	resp := f.get(t, "/v1/rollups/revenue_by_provider")
	require.Equal(t, http.StatusOK, resp.Code)

	var body RollupResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "revenue_by_provider", body.Rollup)
	require.Equal(t, 2, body.Groups)
	// Primary metric descending: Acme 350 before Beacon 200.
	require.Equal(t, "Acme", body.Entries[0].Key)
	require.True(t, body.Entries[0].Sum.Equal(decimal.NewFromInt(350)))
	require.Equal(t, "Beacon", body.Entries[1].Key)
}

func TestHandleQueryRollup_Unknown(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/rollups/nope")
	require.Equal(t, http.StatusNotFound, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpUnknownRollupError, errResp.ErrorType)
}

func TestHandleQueryOutliers(t *testing.T) {
	f := newFixture(t)
	// Values 10, 10, 10, 100: global mean 32.5, default threshold 65.
	f.apply(t, "A", 10)
	f.apply(t, "B", 10)
	f.apply(t, "C", 10)
	f.apply(t, "D", 100)

	resp := f.get(t, "/v1/rollups/revenue_by_provider/outliers")
	require.Equal(t, http.StatusOK, resp.Code)

	var body OutliersResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, "D", body.Entries[0].Key)
	require.True(t, body.Multiplier.Equal(decimal.NewFromInt(2)))
}

func TestHandleQueryOutliers_CustomMultiplier(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "A", 10)
	f.apply(t, "B", 30)

	// Mean 20; multiplier 1.4 puts the threshold at 28.
	resp := f.get(t, "/v1/rollups/revenue_by_provider/outliers?multiplier=1.4")
	require.Equal(t, http.StatusOK, resp.Code)

	var body OutliersResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, "B", body.Entries[0].Key)
}

func TestHandleQueryOutliers_BadMultiplier(t *testing.T) {
	f := newFixture(t)

	for _, m := range []string{"zero", "-1", "0"} {
		resp := f.get(t, "/v1/rollups/revenue_by_provider/outliers?multiplier="+m)
		require.Equal(t, http.StatusBadRequest, resp.Code, "multiplier %q", m)

		var errResp httperr.ErrorResponse
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
		require.Equal(t, httperr.HttpInvalidParameterError, errResp.ErrorType)
	}
}

func TestHandleMovingAverage(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []int64{10, 20, 30, 40, 50} {
		f.windows.Append("amounts", base.AddDate(0, 0, i), decimal.NewFromInt(v))
	}

	resp := f.get(t, "/v1/series/amounts/moving-average?window=3")
	require.Equal(t, http.StatusOK, resp.Code)

	var body MovingAverageResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 3, body.Window)
	require.Len(t, body.Points, 5)
	want := []string{"10", "15", "20", "30", "40"}
	for i, w := range want {
		require.True(t, body.Points[i].Average.Equal(decimal.RequireFromString(w)),
			"point %d: got %s want %s", i, body.Points[i].Average, w)
	}
}

func TestHandleMovingAverage_MissingWindow(t *testing.T) {
	f := newFixture(t)
	f.windows.Append("amounts", time.Now(), decimal.NewFromInt(1))

	resp := f.get(t, "/v1/series/amounts/moving-average")
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidParameterError, errResp.ErrorType)
}

func TestHandleMovingAverage_UnknownSeries(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/series/nope/moving-average?window=3")
	require.Equal(t, http.StatusNotFound, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpUnknownSeriesError, errResp.ErrorType)
}

func TestHandlePatientHistory(t *testing.T) {
	f := newFixture(t)
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.history.Upsert(nil, &model.Procedure{
		ProcedureID:   "PR1",
		PatientID:     "P1",
		ProcedureDate: d,
		ProcedureCode: "CPT-1",
		Cost:          decimal.NewFromInt(50),
	})
	f.history.Upsert(nil, &model.Procedure{
		ProcedureID:       "PR2",
		PatientID:         "P1",
		ProcedureDate:     d.AddDate(0, 0, 1),
		Cost:              decimal.NewFromInt(75),
		ReferralPatientID: "P2",
	})
	f.history.Upsert(nil, &model.Procedure{
		ProcedureID:   "PR3",
		PatientID:     "P2",
		ProcedureDate: d.AddDate(0, 0, 2),
		Cost:          decimal.NewFromInt(20),
	})

	resp := f.get(t, "/v1/patients/P1/history")
	require.Equal(t, http.StatusOK, resp.Code)

	var body history.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "P1", body.PatientID)
	// Referral into P2 pulls PR3 in as well.
	require.Len(t, body.Nodes, 3)
}

func TestHandlePatientHistory_NoProcedures(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/patients/P9/history")
	require.Equal(t, http.StatusOK, resp.Code)

	var body history.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Empty(t, body.Nodes)
}

func TestHandleReadView_NeverRefreshed(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/views/provider_revenue")
	require.Equal(t, http.StatusOK, resp.Code)

	var snap view.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	require.Empty(t, snap.Rows)
}

func TestHandleRefreshThenReadView(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "Acme", 350)

	req := httptest.NewRequest(http.MethodPost, "/v1/views/provider_revenue/refresh", nil)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var result view.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.Equal(t, "provider_revenue", result.View)
	require.Equal(t, 1, result.RowsWritten)
	require.NotEmpty(t, result.RefreshID)

	read := f.get(t, "/v1/views/provider_revenue")
	require.Equal(t, http.StatusOK, read.Code)

	var snap view.Snapshot
	require.NoError(t, json.Unmarshal(read.Body.Bytes(), &snap))
	require.Len(t, snap.Rows, 1)
	require.Equal(t, "Acme", snap.Rows[0].RowKey)
}

func TestHandleRefreshView_Unknown(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/views/nope/refresh", nil)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusNotFound, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpUnknownViewError, errResp.ErrorType)
}
