/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Check-in accrual through POST /access-events
- Error status mapping (404, 400, 422)
- Adjustments, bulk adjustments and audit
- Verification and snapshot round trip
- Rate limiting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-points/ledger"
	"github.com/warp/attendance-points/ledger/store"
	"github.com/warp/attendance-points/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	backend *store.Memory
	router  http.Handler
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		backend: store.NewMemory(),
		now:     time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC),
	}
	h := NewHandler(ts.backend, Config{
		Calendar: ledger.NewCalendar(time.UTC),
		Defaults: rewards.Defaults{EntryPoints: 1, BonusThreshold: 4, BonusPoints: 3, PointsRole: "student"},
		Now:      func() time.Time { return ts.now },
		Logger:   zerolog.Nop(),
	})
	ts.router = NewRouter(h, RouterOptions{})
	return ts
}

func (ts *testServer) seed(t *testing.T, id ledger.StudentID, role string) {
	t.Helper()
	require.NoError(t, ts.backend.SaveStudent(context.Background(), ledger.Student{
		ID: id, SiteID: "north", Name: string(id), Role: role,
	}))
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/sites/north"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(adminHeader, "admin-1")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// CHECK-IN
// =============================================================================

func TestRecordAccessEvent_GrantsEntryAndBonus(t *testing.T) {
	// GIVEN: A student with the default rule (threshold 4, bonus 3)
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	// WHEN: The student checks in on four consecutive days
	var last AccessEventResponse
	for day := 0; day < 4; day++ {
		ts.now = time.Date(2025, 3, 3+day, 8, 0, 0, 0, time.UTC)
		rec := ts.do(t, http.MethodPost, "/access-events", AccessEventRequest{StudentID: "stu-1", Kind: "entry"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		last = decode[AccessEventResponse](t, rec)
	}

	// THEN: The fourth check-in grants the entry point and the bonus
	assert.True(t, last.EntryGranted)
	assert.True(t, last.BonusGranted)
	assert.Equal(t, 3, last.BonusPoints)
	assert.Equal(t, 4, last.MonthlyEntries)
	require.NotNil(t, last.Balance)
	assert.Equal(t, 7, *last.Balance)
}

func TestRecordAccessEvent_SecondEntrySameDayGrantsNothing(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	first := ts.do(t, http.MethodPost, "/access-events", AccessEventRequest{StudentID: "stu-1"})
	require.Equal(t, http.StatusCreated, first.Code)

	ts.now = ts.now.Add(3 * time.Hour)
	rec := ts.do(t, http.MethodPost, "/access-events", AccessEventRequest{StudentID: "stu-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode[AccessEventResponse](t, rec)
	assert.False(t, resp.EntryGranted)
	require.NotNil(t, resp.Balance)
	assert.Equal(t, 1, *resp.Balance)
}

func TestRecordAccessEvent_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown student", AccessEventRequest{StudentID: "ghost"}, http.StatusNotFound},
		{"missing student", AccessEventRequest{}, http.StatusBadRequest},
		{"invalid kind", AccessEventRequest{StudentID: "stu-1", Kind: "teleport"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/access-events", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRecordAccessEvent_ExitIsRecordedWithoutPoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	rec := ts.do(t, http.MethodPost, "/access-events", AccessEventRequest{StudentID: "stu-1", Kind: "exit"})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decode[AccessEventResponse](t, rec)
	assert.True(t, resp.Skipped)
	assert.False(t, resp.EntryGranted)
}

func TestRecordAccessEvent_ReplayedEventIDCountsOnce(t *testing.T) {
	// GIVEN: A student one day away from a threshold of 2
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")
	threshold := 2
	rec := ts.do(t, http.MethodPut, "/students/stu-1", StudentRequest{
		Name: "stu-1", Role: "student", Override: &OverrideRequest{Enabled: true, Threshold: &threshold},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	first := ts.do(t, http.MethodPost, "/access-events", AccessEventRequest{StudentID: "stu-1", EventID: "scan-1"})
	require.Equal(t, http.StatusCreated, first.Code)

	// WHEN: The reader resends the same scan the next day
	ts.now = ts.now.AddDate(0, 0, 1)
	rec = ts.do(t, http.MethodPost, "/access-events", AccessEventRequest{StudentID: "stu-1", EventID: "scan-1"})

	// THEN: It is acknowledged without a second count or any grant
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[AccessEventResponse](t, rec)
	assert.True(t, resp.Replayed)
	assert.False(t, resp.EntryGranted)
	assert.False(t, resp.BonusGranted)
	require.NotNil(t, resp.Balance)
	assert.Equal(t, 1, *resp.Balance)

	n, err := ts.backend.CountAccessEvents(context.Background(), "north", "stu-1", ledger.AccessEntry, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// ROSTER
// =============================================================================

func TestSaveStudent_AndClassThreshold(t *testing.T) {
	ts := newTestServer(t)

	threshold := 2
	rec := ts.do(t, http.MethodPut, "/students/stu-9", StudentRequest{
		Name: "Nine", Role: "student", Class: "5A",
		Override: &OverrideRequest{Enabled: true, Threshold: &threshold},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[ledger.Student](t, rec)
	assert.True(t, st.Override.HasOverride)
	assert.Equal(t, 0, st.CurrentPoints)

	rec = ts.do(t, http.MethodPut, "/classes/5A/bonus-threshold", ClassThresholdRequest{Threshold: 6, BonusPoints: 2})
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[ledger.ClassThreshold](t, rec)
	assert.True(t, cfg.Enabled)
	assert.True(t, ts.now.Equal(cfg.UpdatedAt), "stamped with the handler clock")

	rec = ts.do(t, http.MethodPut, "/students/stu-10", StudentRequest{Name: "Ten"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestCreateAdjustment_CreditDebitAndOverdraw(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	rec := ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: 10, Description: "Science fair"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ledger.AdjustmentResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, 10, res.NewBalance)

	rec = ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: -4})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, decode[ledger.AdjustmentResult](t, rec).NewBalance)

	// Debit above the balance is rejected and nothing changes
	rec = ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: -50})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	res = decode[ledger.AdjustmentResult](t, rec)
	assert.Equal(t, "insufficient_balance", res.Code)

	rec = ts.do(t, http.MethodGet, "/students/stu-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6, decode[BalanceResponse](t, rec).Balance)

	// Adjustments are attributed and audited
	rec = ts.do(t, http.MethodGet, "/students/stu-1/transactions", nil)
	txs := decode[TransactionsResponse](t, rec).Transactions
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.AdminID("admin-1"), txs[0].AdminID)

	rec = ts.do(t, http.MethodGet, "/audit?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]ledger.AuditEntry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.AuditManualAdjust, entries[0].Action)
}

func TestCreateAdjustment_ZeroAndUnknown(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	rec := ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "ghost", Delta: 3})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBulkAdjustment_PartialFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")
	ts.seed(t, "stu-2", "student")

	rec := ts.do(t, http.MethodPost, "/adjustments/bulk", BulkAdjustmentRequest{Items: []ledger.BulkItem{
		{StudentID: "stu-1", Points: 5},
		{StudentID: "ghost", Points: 5},
		{StudentID: "stu-2", Points: -1},
	}})
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[ledger.BulkResult](t, rec)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "student_not_found", res.Results[1].Code)
	assert.Equal(t, "insufficient_balance", res.Results[2].Code)

	rec = ts.do(t, http.MethodPost, "/adjustments/bulk", BulkAdjustmentRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// VERIFICATION AND SNAPSHOTS
// =============================================================================

func TestRunVerification_FixesDrift(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")
	rec := ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	// GIVEN: A stored balance that no longer matches the ledger
	require.NoError(t, ts.backend.SetBalance(context.Background(), "north", "stu-1", 9))

	// WHEN: Verifying without and then with auto-fix
	rec = ts.do(t, http.MethodPost, "/verification", VerificationRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[ledger.VerificationReport](t, rec)
	assert.Equal(t, 1, report.Summary.Incorrect)
	assert.Equal(t, 0, report.Summary.Fixed)

	rec = ts.do(t, http.MethodPost, "/verification", VerificationRequest{StudentID: "stu-1", AutoFix: true})
	require.Equal(t, http.StatusOK, rec.Code)
	report = decode[ledger.VerificationReport](t, rec)

	// THEN: The balance is back to the ledger sum
	assert.Equal(t, 1, report.Summary.Fixed)
	bal, err := ts.backend.Balance(context.Background(), "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 5, bal)

	rec = ts.do(t, http.MethodPost, "/verification", VerificationRequest{StudentID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunVerification_EmptyBody(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")

	for _, length := range []int64{0, -1} {
		// -1 is what a chunked request with no body reports
		req := httptest.NewRequest(http.MethodPost, "/api/sites/north/verification", http.NoBody)
		req.ContentLength = length
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		report := decode[ledger.VerificationReport](t, rec)
		assert.Equal(t, 1, report.Summary.Total)
	}

	rec := ts.do(t, http.MethodPost, "/verification", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshots_CreateRestoreDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "stu-1", "student")
	ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: 8})

	rec := ts.do(t, http.MethodPost, "/snapshots", CreateSnapshotRequest{Name: "before reset"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[CreateSnapshotResponse](t, rec).ID
	require.NotEmpty(t, id)

	ts.do(t, http.MethodPost, "/adjustments", AdjustmentRequest{StudentID: "stu-1", Delta: -8})

	rec = ts.do(t, http.MethodPost, "/snapshots/"+string(id)+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[ledger.RestoreResult](t, rec).Restored)

	rec = ts.do(t, http.MethodGet, "/students/stu-1/balance", nil)
	assert.Equal(t, 8, decode[BalanceResponse](t, rec).Balance)

	rec = ts.do(t, http.MethodGet, "/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ledger.Snapshot](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, "/snapshots/"+string(id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/snapshots/"+string(id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/snapshots", CreateSnapshotRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAudit_RejectsBadLimit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]ledger.AuditEntry](t, rec))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimiter_Rejects(t *testing.T) {
	ts := newTestServer(t)
	h := NewHandler(ts.backend, Config{Logger: zerolog.Nop()})
	router := NewRouter(h, RouterOptions{RateLimit: 0.001, RateBurst: 1})

	get := func() int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sites/north/students/", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())

	// Health checks are outside the limiter
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
