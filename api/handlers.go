/*
handlers.go - HTTP API handlers for the attendance points ledger

PURPOSE:
  Exposes check-in accrual, balances, admin adjustments, verification and
  snapshots via REST. Handlers parse and validate, delegate to the ledger
  and rewards services, and serialize the result. They keep no state of
  their own.

ENDPOINTS (all under /api/sites/{site}):
  Check-in:
    POST   /access-events                  Record a scan, run accrual on entry

  Roster:
    GET    /students                       List students with balances
    PUT    /students/{id}                  Upsert a student (incl. bonus override)
    GET    /students/{id}/balance          Stored balance
    GET    /students/{id}/transactions     Ledger history
    PUT    /classes/{class}/bonus-threshold Class bonus rule

  Admin:
    POST   /adjustments                    Signed manual adjustment
    POST   /adjustments/bulk               Independent per-item adjustments
    POST   /verification                   Compare balances with the ledger
    GET    /snapshots                      List backups
    POST   /snapshots                      Create a backup
    GET    /snapshots/{id}                 Backup with entries
    DELETE /snapshots/{id}                 Delete a backup
    POST   /snapshots/{id}/restore         Overwrite balances from a backup
    GET    /audit                          Recent audit entries

ADMIN IDENTITY:
  Taken from the X-Admin-ID header and recorded on adjustments, snapshots
  and audit entries. Authentication happens upstream.

ERROR HANDLING:
  - 400: Malformed body, invalid input
  - 404: Unknown student or snapshot
  - 409: Grant already made for the period
  - 422: Insufficient balance
  - 500: Infrastructure failure, generic retryable message

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/attendance-points/ledger"
	"github.com/warp/attendance-points/rewards"
)

const (
	adminHeader       = "X-Admin-ID"
	defaultAuditLimit = 50
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Config wires a Handler.
type Config struct {
	Calendar ledger.Calendar
	Defaults rewards.Defaults

	// Now is shared by the writer and the accrual orchestrator.
	Now func() time.Time

	// TwoStepOnly disables the atomic write path.
	TwoStepOnly bool

	Logger zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend     ledger.Backend
	Writer      *ledger.Writer
	Accrual     *rewards.Orchestrator
	Adjustments *ledger.AdjustmentService
	Reconciler  *ledger.Reconciler
	Snapshots   *ledger.SnapshotService
	Logger      zerolog.Logger

	now func() time.Time
}

// NewHandler builds the ledger and rewards services over one backend.
func NewHandler(backend ledger.Backend, cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	opts := []ledger.WriterOption{ledger.WithClock(now), ledger.WithLogger(cfg.Logger)}
	if cfg.TwoStepOnly {
		opts = append(opts, ledger.WithoutAtomic())
	}
	writer := ledger.NewWriter(backend, opts...)

	return &Handler{
		Backend: backend,
		Writer:  writer,
		Accrual: rewards.NewOrchestrator(rewards.OrchestratorConfig{
			Roster:   backend,
			Store:    backend,
			Access:   backend,
			Writer:   writer,
			Calendar: cfg.Calendar,
			Defaults: cfg.Defaults,
			Now:      now,
			Logger:   cfg.Logger,
		}),
		Adjustments: ledger.NewAdjustmentService(writer, backend, cfg.Logger),
		Reconciler:  ledger.NewReconciler(backend, backend, backend, cfg.Logger),
		Snapshots:   ledger.NewSnapshotService(backend, backend, cfg.Logger),
		Logger:      cfg.Logger,
		now:         now,
	}
}

func siteID(r *http.Request) ledger.SiteID {
	return ledger.SiteID(chi.URLParam(r, "site"))
}

func adminID(r *http.Request) ledger.AdminID {
	return ledger.AdminID(strings.TrimSpace(r.Header.Get(adminHeader)))
}

// =============================================================================
// CHECK-IN
// =============================================================================

// RecordAccessEvent stores the scan and runs accrual for entries. Accrual
// failures are reported in the body, never as an error status.
func (h *Handler) RecordAccessEvent(w http.ResponseWriter, r *http.Request) {
	var req AccessEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "student_id is required", nil)
		return
	}
	kind := ledger.AccessKind(req.Kind)
	if kind == "" {
		kind = ledger.AccessEntry
	}

	site := siteID(r)
	checkIn, err := h.Accrual.RecordAccess(r.Context(), rewards.AccessRequest{
		SiteID:    site,
		StudentID: ledger.StudentID(req.StudentID),
		Kind:      kind,
		EventID:   req.EventID,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to record access event", err)
		return
	}

	acc := checkIn.Accrual
	resp := AccessEventResponse{
		EventID:        checkIn.Event.ID,
		StudentID:      string(checkIn.Event.StudentID),
		Kind:           string(checkIn.Event.Kind),
		OccurredAt:     checkIn.Event.OccurredAt,
		EntryGranted:   acc.EntryGranted,
		BonusGranted:   acc.BonusGranted,
		EntryPoints:    acc.EntryPoints,
		BonusPoints:    acc.BonusPoints,
		MonthlyEntries: acc.MonthlyEntries,
		Rule:           acc.Rule,
		Skipped:        acc.Skipped,
		SkipReason:     acc.SkipReason,
		Replayed:       checkIn.Replayed,
	}
	if bal, err := h.Backend.Balance(r.Context(), site, checkIn.Event.StudentID); err == nil {
		resp.Balance = &bal
	}
	status := http.StatusCreated
	if checkIn.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// ROSTER HANDLERS
// =============================================================================

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Backend.ListStudents(r.Context(), siteID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list students", err)
		return
	}
	if students == nil {
		students = []ledger.Student{}
	}
	writeJSON(w, http.StatusOK, students)
}

// SaveStudent upserts a roster row. The balance is never changed here.
func (h *Handler) SaveStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Role) == "" {
		writeError(w, http.StatusBadRequest, "name and role are required", nil)
		return
	}

	st := ledger.Student{
		ID:     ledger.StudentID(chi.URLParam(r, "id")),
		SiteID: siteID(r),
		Name:   req.Name,
		Role:   req.Role,
		Class:  req.Class,
	}
	if req.Override != nil {
		st.Override = ledger.BonusOverride{
			HasOverride: req.Override.Enabled,
			Threshold:   req.Override.Threshold,
			BonusPoints: req.Override.BonusPoints,
		}
	}

	ctx := r.Context()
	if err := h.Backend.SaveStudent(ctx, st); err != nil {
		h.writeDomainError(w, r, "Failed to save student", err)
		return
	}
	saved, err := h.Backend.Student(ctx, st.SiteID, st.ID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to read student", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.StudentID(chi.URLParam(r, "id"))
	bal, err := h.Backend.Balance(r.Context(), siteID(r), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{StudentID: id, Balance: bal})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site := siteID(r)
	id := ledger.StudentID(chi.URLParam(r, "id"))

	bal, err := h.Backend.Balance(ctx, site, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get transactions", err)
		return
	}
	txs, err := h.Backend.Transactions(ctx, site, id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get transactions", err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{StudentID: id, Balance: bal, Transactions: txs})
}

func (h *Handler) SaveClassThreshold(w http.ResponseWriter, r *http.Request) {
	var req ClassThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Threshold < 0 || req.BonusPoints < 0 {
		writeError(w, http.StatusBadRequest, "threshold and bonus_points must not be negative", nil)
		return
	}

	cfg := ledger.ClassThreshold{
		SiteID:      siteID(r),
		Class:       chi.URLParam(r, "class"),
		Threshold:   req.Threshold,
		BonusPoints: req.BonusPoints,
		Enabled:     req.Enabled == nil || *req.Enabled,
		UpdatedAt:   h.now().UTC(),
	}
	if err := h.Backend.SaveClassThreshold(r.Context(), cfg); err != nil {
		h.writeDomainError(w, r, "Failed to save class threshold", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "student_id is required", nil)
		return
	}

	res := h.Adjustments.Adjust(r.Context(), ledger.Adjustment{
		SiteID:      siteID(r),
		StudentID:   ledger.StudentID(req.StudentID),
		Delta:       req.Delta,
		Description: req.Description,
		AdminID:     adminID(r),
	})
	writeJSON(w, adjustmentStatus(res), res)
}

// CreateBulkAdjustment always answers 200 when the body is valid; each
// item carries its own outcome.
func (h *Handler) CreateBulkAdjustment(w http.ResponseWriter, r *http.Request) {
	var req BulkAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items must not be empty", nil)
		return
	}

	writeJSON(w, http.StatusOK, h.Adjustments.AdjustBulk(r.Context(), siteID(r), adminID(r), req.Items))
}

func (h *Handler) RunVerification(w http.ResponseWriter, r *http.Request) {
	// An empty body runs a report-only check of the whole site
	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := h.Reconciler.Run(r.Context(), ledger.VerifyRequest{
		SiteID:    siteID(r),
		StudentID: ledger.StudentID(req.StudentID),
		AutoFix:   req.AutoFix,
		ActorID:   adminID(r),
	})
	if err != nil {
		h.writeDomainError(w, r, "Verification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Snapshots.List(r.Context(), siteID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list snapshots", err)
		return
	}
	if snaps == nil {
		snaps = []ledger.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Snapshots.CreateBackup(r.Context(), siteID(r), req.Name, req.Description, adminID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to create snapshot", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSnapshotResponse{ID: id})
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Snapshots.Get(r.Context(), siteID(r), ledger.SnapshotID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	err := h.Snapshots.Delete(r.Context(), siteID(r), ledger.SnapshotID(chi.URLParam(r, "id")), adminID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to delete snapshot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	res, err := h.Snapshots.Restore(r.Context(), siteID(r), ledger.SnapshotID(chi.URLParam(r, "id")), adminID(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to restore snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	entries, err := h.Backend.AuditEntries(r.Context(), siteID(r), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to read audit log", err)
		return
	}
	if entries == nil {
		entries = []ledger.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to a status. Infrastructure errors
// are logged and answered with a generic message.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := http.StatusBadRequest
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateAward), errors.Is(err, ledger.ErrDuplicateAccessEvent):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case ledger.IsClientError(err), errors.Is(err, rewards.ErrInvalidAccessKind):
	default:
		hlog.FromRequest(r).Error().Err(err).Msg(message)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Temporary failure, please retry",
			Code:  "internal",
		})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: ledger.ErrorCode(err), Details: err.Error()})
}

func adjustmentStatus(res ledger.AdjustmentResult) int {
	switch res.Code {
	case "":
		return http.StatusOK
	case "student_not_found":
		return http.StatusNotFound
	case "insufficient_balance":
		return http.StatusUnprocessableEntity
	case "internal":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
