package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

// Adjustment is a signed manual change requested by an admin.
type Adjustment struct {
	SiteID      SiteID
	StudentID   StudentID
	Delta       int
	Description string
	AdminID     AdminID
}

// AdjustmentResult is the outcome of one adjustment. Error holds a message
// fit for display; Code is machine readable.
type AdjustmentResult struct {
	StudentID     StudentID     `json:"student_id"`
	Success       bool          `json:"success"`
	TransactionID TransactionID `json:"transaction_id,omitempty"`
	NewBalance    int           `json:"new_balance,omitempty"`
	Error         string        `json:"error,omitempty"`
	Code          string        `json:"code,omitempty"`
}

// BulkItem is one row of a bulk adjustment.
type BulkItem struct {
	StudentID   StudentID `json:"student_id"`
	Points      int       `json:"points"`
	Description string    `json:"description"`
}

type BulkResult struct {
	SuccessCount int                `json:"success_count"`
	FailureCount int                `json:"failure_count"`
	Results      []AdjustmentResult `json:"results"`
}

// AdjustmentService applies admin credits and debits through the writer.
type AdjustmentService struct {
	writer *Writer
	audit  AuditLog
	now    func() time.Time
	logger zerolog.Logger
}

func NewAdjustmentService(writer *Writer, audit AuditLog, logger zerolog.Logger) *AdjustmentService {
	return &AdjustmentService{writer: writer, audit: audit, now: writer.now, logger: logger}
}

// Adjust credits (delta > 0) or debits (delta < 0) one student. Failures are
// reported in the result, never as a Go error.
func (s *AdjustmentService) Adjust(ctx context.Context, adj Adjustment) AdjustmentResult {
	result := AdjustmentResult{StudentID: adj.StudentID}

	var (
		posting Posting
		err     error
	)
	switch {
	case adj.Delta > 0:
		posting, err = s.writer.AddPoints(ctx, Credit{
			SiteID:      adj.SiteID,
			StudentID:   adj.StudentID,
			Points:      adj.Delta,
			Type:        TxAdminAdd,
			Description: adj.Description,
			AdminID:     adj.AdminID,
		})
	case adj.Delta < 0:
		posting, err = s.writer.SubtractPoints(ctx, Debit{
			SiteID:      adj.SiteID,
			StudentID:   adj.StudentID,
			Points:      -adj.Delta,
			Type:        TxAdminSubtract,
			Description: adj.Description,
			AdminID:     adj.AdminID,
		})
	default:
		err = ErrInvalidPoints
	}

	if err != nil {
		result.Code = ErrorCode(err)
		result.Error = userMessage(err)
		s.logger.Warn().
			Err(err).
			Str("site_id", string(adj.SiteID)).
			Str("student_id", string(adj.StudentID)).
			Int("delta", adj.Delta).
			Msg("Manual adjustment rejected")
		return result
	}

	result.Success = true
	result.TransactionID = posting.Transaction.ID
	result.NewBalance = posting.Balance

	s.appendAudit(ctx, AuditEntry{
		SiteID:  adj.SiteID,
		ActorID: adj.AdminID,
		Action:  AuditManualAdjust,
		Target:  string(adj.StudentID),
		Payload: map[string]any{
			"delta":          adj.Delta,
			"description":    adj.Description,
			"transaction_id": string(posting.Transaction.ID),
			"new_balance":    posting.Balance,
		},
	})
	return result
}

// AdjustBulk applies each item independently. A failed item does not roll
// back the others.
func (s *AdjustmentService) AdjustBulk(ctx context.Context, siteID SiteID, adminID AdminID, items []BulkItem) BulkResult {
	out := BulkResult{Results: make([]AdjustmentResult, 0, len(items))}
	for _, item := range items {
		r := s.Adjust(ctx, Adjustment{
			SiteID:      siteID,
			StudentID:   item.StudentID,
			Delta:       item.Points,
			Description: item.Description,
			AdminID:     adminID,
		})
		if r.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
		out.Results = append(out.Results, r)
	}

	s.logger.Info().
		Str("site_id", string(siteID)).
		Str("admin_id", string(adminID)).
		Int("succeeded", out.SuccessCount).
		Int("failed", out.FailureCount).
		Msg("Bulk adjustment finished")
	return out
}

// appendAudit is best effort; a failed audit write never fails the operation.
func (s *AdjustmentService) appendAudit(ctx context.Context, entry AuditEntry) {
	appendAudit(ctx, s.audit, s.now, s.logger, entry)
}

func appendAudit(ctx context.Context, log AuditLog, now func() time.Time, logger zerolog.Logger, entry AuditEntry) {
	if log == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = now().UTC()
	}
	if err := log.AppendAudit(ctx, entry); err != nil {
		logger.Error().
			Err(err).
			Str("site_id", string(entry.SiteID)).
			Str("action", string(entry.Action)).
			Msg("Failed to append audit entry")
	}
}

func userMessage(err error) string {
	var ib *InsufficientBalanceError
	switch {
	case errors.As(err, &ib):
		return fmt.Sprintf("Insufficient balance: %d available, %d requested", ib.Available, ib.Requested)
	case errors.Is(err, ErrInvalidPoints):
		return "Points must be a non-zero whole number"
	case errors.Is(err, ErrStudentNotFound):
		return "Student not found"
	case errors.Is(err, ErrInvalidTransactionType):
		return "Invalid transaction type"
	default:
		return "Temporary failure, please retry"
	}
}
