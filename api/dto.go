/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger types that are
  already shaped for clients (Transaction, Snapshot, VerificationReport,
  BulkResult) are returned as they are; the types here cover request
  bodies and composed responses.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Composed response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/attendance-points/ledger"
	"github.com/warp/attendance-points/rewards"
)

// =============================================================================
// ACCESS EVENTS
// =============================================================================

// AccessEventRequest is one scan. Kind defaults to entry.
type AccessEventRequest struct {
	StudentID string `json:"student_id"`
	Kind      string `json:"kind"`
	EventID   string `json:"event_id,omitempty"`
}

type AccessEventResponse struct {
	EventID        string             `json:"event_id"`
	StudentID      string             `json:"student_id"`
	Kind           string             `json:"kind"`
	OccurredAt     time.Time          `json:"occurred_at"`
	EntryGranted   bool               `json:"entry_granted"`
	BonusGranted   bool               `json:"bonus_granted"`
	EntryPoints    int                `json:"entry_points"`
	BonusPoints    int                `json:"bonus_points"`
	MonthlyEntries int                `json:"monthly_entries"`
	Rule           *rewards.BonusRule `json:"rule,omitempty"`
	Skipped        bool               `json:"skipped,omitempty"`
	SkipReason     string             `json:"skip_reason,omitempty"`
	Replayed       bool               `json:"replayed,omitempty"`
	Balance        *int               `json:"balance,omitempty"`
}

// =============================================================================
// ROSTER
// =============================================================================

type StudentRequest struct {
	Name     string           `json:"name"`
	Role     string           `json:"role"`
	Class    string           `json:"class"`
	Override *OverrideRequest `json:"override,omitempty"`
}

type OverrideRequest struct {
	Enabled     bool `json:"enabled"`
	Threshold   *int `json:"threshold,omitempty"`
	BonusPoints *int `json:"bonus_points,omitempty"`
}

// ClassThresholdRequest sets a class bonus rule. Enabled defaults to true.
type ClassThresholdRequest struct {
	Threshold   int   `json:"threshold"`
	BonusPoints int   `json:"bonus_points"`
	Enabled     *bool `json:"enabled,omitempty"`
}

type BalanceResponse struct {
	StudentID ledger.StudentID `json:"student_id"`
	Balance   int              `json:"balance"`
}

type TransactionsResponse struct {
	StudentID    ledger.StudentID     `json:"student_id"`
	Balance      int                  `json:"balance"`
	Transactions []ledger.Transaction `json:"transactions"`
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

type AdjustmentRequest struct {
	StudentID   string `json:"student_id"`
	Delta       int    `json:"delta"`
	Description string `json:"description"`
}

type BulkAdjustmentRequest struct {
	Items []ledger.BulkItem `json:"items"`
}

type VerificationRequest struct {
	StudentID string `json:"student_id,omitempty"`
	AutoFix   bool   `json:"auto_fix"`
}

type CreateSnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type CreateSnapshotResponse struct {
	ID ledger.SnapshotID `json:"id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
