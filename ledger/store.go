/*
store.go - Persistence interfaces for the points ledger

PURPOSE:
  Defines the boundary between ledger logic and the relational store. All
  shared state lives in the store; services in this package hold none.

KEY INTERFACES:
  Store:         Transactions and the denormalized balance
  AtomicStore:   Optional single-unit insert-and-update procedure
  Roster:        Students and class bonus configuration (read side)
  RosterWriter:  Upserts used by admin tooling and tests
  AccessLog:     Entry/exit events
  SnapshotStore: Balance backups
  AuditLog:      Who did what when

UNIQUENESS:
  Every Store must reject a second transaction with the same
  (site, student, type, award period) when the period is non-empty,
  returning ErrDuplicateAward.

IMPLEMENTATIONS:
  - ledger/store/memory.go:  In-memory, for tests
  - store/sqlite/sqlite.go:  SQLite (single node)
  - store/postgres/postgres.go: PostgreSQL with a plpgsql procedure
*/
package ledger

import (
	"context"
	"time"
)

// Store handles transactions and balances.
type Store interface {
	// InsertTransaction appends a row. Returns ErrDuplicateAward on an award
	// period collision and ErrOptionalColumn if AdminID is set but the
	// schema has no column for it.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// DeleteTransaction removes a row. Used only as a compensating action.
	DeleteTransaction(ctx context.Context, siteID SiteID, id TransactionID) error

	// Balance returns the stored CurrentPoints.
	Balance(ctx context.Context, siteID SiteID, studentID StudentID) (int, error)

	// SetBalance overwrites the stored CurrentPoints.
	SetBalance(ctx context.Context, siteID SiteID, studentID StudentID, points int) error

	// Transactions returns the student's ledger ordered by CreatedAt.
	Transactions(ctx context.Context, siteID SiteID, studentID StudentID) ([]Transaction, error)

	// CountTransactions counts rows matching the filter.
	CountTransactions(ctx context.Context, filter TransactionFilter) (int, error)

	// SumPoints returns Σ points over the student's ledger.
	SumPoints(ctx context.Context, siteID SiteID, studentID StudentID) (int, error)
}

// AtomicStore is implemented by stores that can insert a transaction and
// update the balance as one unit.
type AtomicStore interface {
	// ApplyAtomic inserts tx and adds tx.Points to the balance, returning the
	// new balance. With requireFunds it rejects a result below zero with
	// *InsufficientBalanceError. Returns ErrAtomicUnavailable when the
	// procedure is not installed.
	ApplyAtomic(ctx context.Context, tx Transaction, requireFunds bool) (int, error)
}

// Roster is the read side of students and bonus configuration.
type Roster interface {
	Student(ctx context.Context, siteID SiteID, studentID StudentID) (Student, error)
	ListStudents(ctx context.Context, siteID SiteID) ([]Student, error)

	// ClassThreshold returns the class configuration; found is false when
	// the class has none.
	ClassThreshold(ctx context.Context, siteID SiteID, class string) (cfg ClassThreshold, found bool, err error)

	// Sites lists every site that has at least one student.
	Sites(ctx context.Context) ([]SiteID, error)
}

// RosterWriter upserts roster rows. CurrentPoints is ignored on update of
// an existing student; balances only move through the writer, reconciliation
// and restore.
type RosterWriter interface {
	SaveStudent(ctx context.Context, s Student) error
	SaveClassThreshold(ctx context.Context, c ClassThreshold) error
}

// AccessLog stores entry/exit events.
type AccessLog interface {
	RecordAccessEvent(ctx context.Context, ev AccessEvent) error
	CountAccessEvents(ctx context.Context, siteID SiteID, studentID StudentID, kind AccessKind, since time.Time) (int, error)
}

// SnapshotStore persists balance backups.
type SnapshotStore interface {
	// CaptureBalances reads every student's balance in the site.
	CaptureBalances(ctx context.Context, siteID SiteID) ([]SnapshotEntry, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// Snapshot returns the snapshot with its entries, or ErrSnapshotNotFound.
	Snapshot(ctx context.Context, siteID SiteID, id SnapshotID) (Snapshot, error)

	// ListSnapshots returns snapshots newest first, without entries.
	ListSnapshots(ctx context.Context, siteID SiteID) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, siteID SiteID, id SnapshotID) error

	// RestoreBalances overwrites the balance of every listed student that
	// still exists and returns how many were written.
	RestoreBalances(ctx context.Context, siteID SiteID, entries []SnapshotEntry) (int, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditEntries(ctx context.Context, siteID SiteID, limit int) ([]AuditEntry, error)
}

// Backend is everything the HTTP and CLI layers need from one store.
type Backend interface {
	Store
	Roster
	RosterWriter
	AccessLog
	SnapshotStore
	AuditLog
	Close() error
}
