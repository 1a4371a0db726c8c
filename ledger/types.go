/*
Package ledger provides the points ledger: transactions, balances, and the
services that mutate and verify them.

PURPOSE:
  Students earn points by checking in at school and lose them when points are
  consumed or an admin debits them. Every change is a Transaction row in an
  append-only log. The per-student CurrentPoints column is a cache of the sum
  of that log, kept for fast reads.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction:    An immutable ledger row with signed points
  - Student:        Roster row carrying the denormalized balance
  - ClassThreshold: Per-class bonus configuration
  - AccessEvent:    Entry/exit record written by the access-log writer
  - Snapshot:       Point-in-time copy of every balance in a site
  - AuditEntry:     Who did what when, for destructive admin operations

DESIGN PRINCIPLES:
  1. The ledger is the source of truth; CurrentPoints is derived state
  2. Rows are never edited. The only delete is the compensating delete of
     the two-step write path (see writer.go)
  3. AwardPeriod turns "one entry grant per day" and "one bonus per month"
     into a storage uniqueness constraint

SEE ALSO:
  - store.go:     Persistence interfaces
  - writer.go:    Balance mutation protocol
  - reconcile.go: Drift detection and repair
  - snapshot.go:  Backup and restore
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SiteID string
type StudentID string
type TransactionID string
type SnapshotID string
type AdminID string

// =============================================================================
// TRANSACTION - Immutable ledger row
// =============================================================================

type TransactionType string

const (
	TxEntry         TransactionType = "entry"          // Daily check-in grant
	TxBonus         TransactionType = "bonus"          // Monthly attendance bonus
	TxAdminAdd      TransactionType = "admin_add"      // Admin credit
	TxAdminSubtract TransactionType = "admin_subtract" // Admin debit
	TxConsumption   TransactionType = "consumption"    // Points spent
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxEntry, TxBonus, TxAdminAdd, TxAdminSubtract, TxConsumption:
		return true
	}
	return false
}

// IsCredit reports whether transactions of this type carry positive points.
func (t TransactionType) IsCredit() bool {
	return t == TxEntry || t == TxBonus || t == TxAdminAdd
}

// IsAdmin reports whether the type is admin-attributed.
func (t TransactionType) IsAdmin() bool {
	return t == TxAdminAdd || t == TxAdminSubtract
}

type Transaction struct {
	ID          TransactionID   `json:"id"`
	SiteID      SiteID          `json:"site_id"`
	StudentID   StudentID       `json:"student_id"`
	Type        TransactionType `json:"transaction_type"`
	Points      int             `json:"points"`
	Description string          `json:"description,omitempty"`
	ReferenceID string          `json:"reference_id,omitempty"`

	// AdminID is best effort: stores without the column drop it.
	AdminID AdminID `json:"admin_id,omitempty"`

	// AwardPeriod is the site-local day (entry) or month (bonus) a grant
	// belongs to. Stores reject a second row with the same
	// (site, student, type, period).
	AwardPeriod string `json:"award_period,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TransactionFilter narrows CountTransactions.
type TransactionFilter struct {
	SiteID       SiteID
	StudentID    StudentID
	Type         TransactionType
	Since        time.Time
	PositiveOnly bool
}

// Matches applies the filter to a single transaction.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if tx.SiteID != f.SiteID || tx.StudentID != f.StudentID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	if f.PositiveOnly && tx.Points <= 0 {
		return false
	}
	return true
}

// =============================================================================
// ROSTER - Students and bonus configuration
// =============================================================================

// Student is the roster row. CurrentPoints is the denormalized balance.
type Student struct {
	ID            StudentID     `json:"id"`
	SiteID        SiteID        `json:"site_id"`
	Name          string        `json:"name"`
	Role          string        `json:"role"`
	Class         string        `json:"class,omitempty"`
	CurrentPoints int           `json:"current_points"`
	Override      BonusOverride `json:"override"`
}

// BonusOverride is the per-student bonus configuration.
type BonusOverride struct {
	HasOverride bool `json:"has_override"`
	Threshold   *int `json:"threshold,omitempty"`
	BonusPoints *int `json:"bonus_points,omitempty"`
}

// ClassThreshold is the per-class bonus configuration. Last write wins.
type ClassThreshold struct {
	SiteID      SiteID    `json:"site_id"`
	Class       string    `json:"class"`
	Threshold   int       `json:"threshold"`
	BonusPoints int       `json:"bonus_points"`
	Enabled     bool      `json:"enabled"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// =============================================================================
// ACCESS EVENTS
// =============================================================================

type AccessKind string

const (
	AccessEntry AccessKind = "entry"
	AccessExit  AccessKind = "exit"
)

// AccessEvent is authoritative: it is recorded whether or not points are granted.
type AccessEvent struct {
	ID         string     `json:"id"`
	SiteID     SiteID     `json:"site_id"`
	StudentID  StudentID  `json:"student_id"`
	Kind       AccessKind `json:"kind"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type Snapshot struct {
	ID          SnapshotID      `json:"id"`
	SiteID      SiteID          `json:"site_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   AdminID         `json:"created_by,omitempty"`
	Entries     []SnapshotEntry `json:"entries,omitempty"`
	EntryCount  int             `json:"entry_count"`
}

type SnapshotEntry struct {
	StudentID StudentID `json:"student_id"`
	Points    int       `json:"points_at_capture"`
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditManualAdjust    AuditAction = "manual_adjustment"
	AuditReconciliation  AuditAction = "reconciliation"
	AuditSnapshotCreate  AuditAction = "snapshot_created"
	AuditSnapshotRestore AuditAction = "snapshot_restored"
	AuditSnapshotDelete  AuditAction = "snapshot_deleted"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID      string         `json:"id"`
	SiteID  SiteID         `json:"site_id"`
	ActorID AdminID        `json:"actor_id,omitempty"`
	Action  AuditAction    `json:"action"`
	Target  string         `json:"target,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}
