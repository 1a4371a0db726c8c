/*
Package sqlite provides a SQLite-backed implementation of the ledger
storage interfaces.

PURPOSE:
  Implements ledger.Backend and ledger.AtomicStore on a single SQLite file.
  Suitable for one school server; use store/postgres when several
  processes write to the same ledger.

INTERFACES IMPLEMENTED:
  ledger.Store:         Transactions and balances
  ledger.AtomicStore:   Insert and balance update in one SQL transaction
  ledger.Roster:        Students and class bonus configuration
  ledger.AccessLog:     Entry/exit events
  ledger.SnapshotStore: Balance backups
  ledger.AuditLog:      Audit trail

KEY TABLES:
  point_transactions:     Append-only ledger
  students:               Roster with the denormalized current_points
  class_bonus_thresholds: Per-class bonus configuration
  access_events:          Check-in log
  point_snapshots:        Backup headers
  point_snapshot_entries: One balance per student per backup
  audit_log:              Who did what when

INDEXES:
  - idx_point_tx_award_period: One entry grant per local day and one bonus
    per local month. Rows with a NULL award_period are not constrained.
  - idx_point_tx_student_created: Ledger reads and eligibility counts

TIME STORAGE:
  Timestamps are UTC TEXT in a fixed-width layout so that string
  comparison orders them correctly.

ADMIN COLUMN:
  Databases created before admin attribution lack
  point_transactions.admin_id. The column is probed once on open with
  PRAGMA table_info; writes that carry an AdminID against such a database
  return ledger.ErrOptionalColumn.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  writer := ledger.NewWriter(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/attendance-points/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options controls schema creation.
type Options struct {
	// LegacySchema creates point_transactions without admin_id, as in
	// databases that predate admin attribution.
	LegacySchema bool
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	db             *sql.DB
	mu             sync.RWMutex
	hasAdminColumn bool
}

var (
	_ ledger.Backend     = (*Store)(nil)
	_ ledger.AtomicStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithOptions(dbPath, Options{})
}

func NewWithOptions(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if store.hasAdminColumn, err = store.probeAdminColumn(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to inspect schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate(opts Options) error {
	adminColumn := "admin_id TEXT,"
	if opts.LegacySchema {
		adminColumn = ""
	}

	schema := `
	CREATE TABLE IF NOT EXISTS students (
		site_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		class TEXT,
		current_points INTEGER NOT NULL DEFAULT 0,
		has_bonus_override INTEGER NOT NULL DEFAULT 0,
		bonus_threshold_override INTEGER,
		bonus_points_override INTEGER,
		PRIMARY KEY (site_id, id)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS point_transactions (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		points INTEGER NOT NULL,
		description TEXT,
		reference_id TEXT,
		` + adminColumn + `
		award_period TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (site_id, student_id) REFERENCES students(site_id, id)
	);

	-- One entry grant per local day, one bonus per local month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_tx_award_period
		ON point_transactions(site_id, student_id, transaction_type, award_period)
		WHERE award_period IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_point_tx_student_created
		ON point_transactions(site_id, student_id, created_at);

	CREATE TABLE IF NOT EXISTS class_bonus_thresholds (
		site_id TEXT NOT NULL,
		class TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		bonus_points INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (site_id, class)
	);

	CREATE TABLE IF NOT EXISTS access_events (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_access_events_student
		ON access_events(site_id, student_id, kind, occurred_at);

	CREATE TABLE IF NOT EXISTS point_snapshots (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT,
		entry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_point_snapshots_site
		ON point_snapshots(site_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS point_snapshot_entries (
		snapshot_id TEXT NOT NULL REFERENCES point_snapshots(id) ON DELETE CASCADE,
		student_id TEXT NOT NULL,
		points_at_capture INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target TEXT,
		payload_json TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_site
		ON audit_log(site_id, at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) probeAdminColumn() (bool, error) {
	rows, err := s.db.Query(`PRAGMA table_info(point_transactions)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == "admin_id" {
			return true, nil
		}
	}
	return false, rows.Err()
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTx(ctx, s.db, tx)
}

func (s *Store) insertTx(ctx context.Context, db execer, tx ledger.Transaction) error {
	if tx.AdminID != "" && !s.hasAdminColumn {
		return ledger.ErrOptionalColumn
	}

	columns := "id, site_id, student_id, transaction_type, points, description, reference_id, award_period, created_at"
	args := []any{
		string(tx.ID),
		string(tx.SiteID),
		string(tx.StudentID),
		string(tx.Type),
		tx.Points,
		nullString(tx.Description),
		nullString(tx.ReferenceID),
		nullString(tx.AwardPeriod),
		formatTime(tx.CreatedAt),
	}
	if s.hasAdminColumn {
		columns += ", admin_id"
		args = append(args, nullString(string(tx.AdminID)))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	query := "INSERT INTO point_transactions (" + columns + ") VALUES (" + placeholders + ")"
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return classify(err, "failed to insert transaction")
	}
	return nil
}

func (s *Store) DeleteTransaction(ctx context.Context, siteID ledger.SiteID, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM point_transactions WHERE site_id = ? AND id = ?`, string(siteID), string(id))
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

// ApplyAtomic inserts tx and moves the balance inside one SQL transaction.
func (s *Store) ApplyAtomic(ctx context.Context, tx ledger.Transaction, requireFunds bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := balance(ctx, sqlTx, tx.SiteID, tx.StudentID)
	if err != nil {
		return 0, err
	}
	if requireFunds && current+tx.Points < 0 {
		return 0, &ledger.InsufficientBalanceError{StudentID: tx.StudentID, Available: current, Requested: -tx.Points}
	}

	if err := s.insertTx(ctx, sqlTx, tx); err != nil {
		return 0, err
	}
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE students SET current_points = current_points + ? WHERE site_id = ? AND id = ?`,
		tx.Points, string(tx.SiteID), string(tx.StudentID),
	); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return current + tx.Points, nil
}

func (s *Store) Balance(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return balance(ctx, s.db, siteID, studentID)
}

func balance(ctx context.Context, db queryer, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	var points int
	err := db.QueryRowContext(ctx,
		`SELECT current_points FROM students WHERE site_id = ? AND id = ?`,
		string(siteID), string(studentID),
	).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrStudentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return points, nil
}

func (s *Store) SetBalance(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE students SET current_points = ? WHERE site_id = ? AND id = ?`,
		points, string(siteID), string(studentID))
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrStudentNotFound
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adminExpr := "NULL"
	if s.hasAdminColumn {
		adminExpr = "admin_id"
	}
	query := `
		SELECT id, site_id, student_id, transaction_type, points, description,
		       reference_id, ` + adminExpr + `, award_period, created_at
		FROM point_transactions
		WHERE site_id = ? AND student_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(siteID), string(studentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		description sql.NullString
		referenceID sql.NullString
		adminID     sql.NullString
		awardPeriod sql.NullString
		createdAt   string
	)

	err := rows.Scan(
		&tx.ID, &tx.SiteID, &tx.StudentID, &tx.Type, &tx.Points,
		&description, &referenceID, &adminID, &awardPeriod, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.ReferenceID = referenceID.String
	tx.AdminID = ledger.AdminID(adminID.String)
	tx.AwardPeriod = awardPeriod.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

func (s *Store) CountTransactions(ctx context.Context, filter ledger.TransactionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT COUNT(*) FROM point_transactions WHERE site_id = ? AND student_id = ?`
	args := []any{string(filter.SiteID), string(filter.StudentID)}
	if filter.Type != "" {
		query += ` AND transaction_type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if filter.PositiveOnly {
		query += ` AND points > 0`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (s *Store) SumPoints(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM point_transactions WHERE site_id = ? AND student_id = ?`,
		string(siteID), string(studentID),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum points: %w", err)
	}
	return sum, nil
}

// =============================================================================
// ROSTER
// =============================================================================

const studentColumns = `id, site_id, name, role, class, current_points,
	has_bonus_override, bonus_threshold_override, bonus_points_override`

func (s *Store) Student(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (ledger.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE site_id = ? AND id = ?`,
		string(siteID), string(studentID))
	if err != nil {
		return ledger.Student{}, fmt.Errorf("failed to query student: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Student{}, err
		}
		return ledger.Student{}, ledger.ErrStudentNotFound
	}
	return scanStudent(rows)
}

func (s *Store) ListStudents(ctx context.Context, siteID ledger.SiteID) ([]ledger.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE site_id = ? ORDER BY id`, string(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var students []ledger.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

func scanStudent(rows *sql.Rows) (ledger.Student, error) {
	var (
		st          ledger.Student
		class       sql.NullString
		hasOverride bool
		threshold   sql.NullInt64
		bonusPoints sql.NullInt64
	)
	err := rows.Scan(&st.ID, &st.SiteID, &st.Name, &st.Role, &class, &st.CurrentPoints,
		&hasOverride, &threshold, &bonusPoints)
	if err != nil {
		return st, fmt.Errorf("failed to scan student: %w", err)
	}

	st.Class = class.String
	st.Override.HasOverride = hasOverride
	st.Override.Threshold = nullIntPtr(threshold)
	st.Override.BonusPoints = nullIntPtr(bonusPoints)
	return st, nil
}

func (s *Store) ClassThreshold(ctx context.Context, siteID ledger.SiteID, class string) (ledger.ClassThreshold, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		cfg       = ledger.ClassThreshold{SiteID: siteID, Class: class}
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT threshold, bonus_points, enabled, updated_at
		FROM class_bonus_thresholds WHERE site_id = ? AND class = ?`,
		string(siteID), class,
	).Scan(&cfg.Threshold, &cfg.BonusPoints, &cfg.Enabled, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ClassThreshold{}, false, nil
	}
	if err != nil {
		return ledger.ClassThreshold{}, false, fmt.Errorf("failed to read class threshold: %w", err)
	}
	cfg.UpdatedAt = parseTime(updatedAt)
	return cfg, true, nil
}

func (s *Store) Sites(ctx context.Context) ([]ledger.SiteID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT site_id FROM students ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []ledger.SiteID
	for rows.Next() {
		var id ledger.SiteID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sites = append(sites, id)
	}
	return sites, rows.Err()
}

// SaveStudent upserts the roster row. current_points is only set on insert.
func (s *Store) SaveStudent(ctx context.Context, st ledger.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (site_id, id, name, role, class, current_points,
			has_bonus_override, bonus_threshold_override, bonus_points_override)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			class = excluded.class,
			has_bonus_override = excluded.has_bonus_override,
			bonus_threshold_override = excluded.bonus_threshold_override,
			bonus_points_override = excluded.bonus_points_override`,
		string(st.SiteID), string(st.ID), st.Name, st.Role, nullString(st.Class), st.CurrentPoints,
		st.Override.HasOverride, intPtrArg(st.Override.Threshold), intPtrArg(st.Override.BonusPoints),
	)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (s *Store) SaveClassThreshold(ctx context.Context, c ledger.ClassThreshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO class_bonus_thresholds (site_id, class, threshold, bonus_points, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id, class) DO UPDATE SET
			threshold = excluded.threshold,
			bonus_points = excluded.bonus_points,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		string(c.SiteID), c.Class, c.Threshold, c.BonusPoints, c.Enabled, formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save class threshold: %w", err)
	}
	return nil
}

// =============================================================================
// ACCESS LOG
// =============================================================================

func (s *Store) RecordAccessEvent(ctx context.Context, ev ledger.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_events (id, site_id, student_id, kind, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.SiteID), string(ev.StudentID), string(ev.Kind), formatTime(ev.OccurredAt))
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return ledger.ErrDuplicateAccessEvent
		}
		return fmt.Errorf("failed to record access event: %w", err)
	}
	return nil
}

func (s *Store) CountAccessEvents(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, kind ledger.AccessKind, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM access_events
		WHERE site_id = ? AND student_id = ? AND kind = ? AND occurred_at >= ?`,
		string(siteID), string(studentID), string(kind), formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count access events: %w", err)
	}
	return n, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *Store) CaptureBalances(ctx context.Context, siteID ledger.SiteID) ([]ledger.SnapshotEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, current_points FROM students WHERE site_id = ? ORDER BY id`, string(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to capture balances: %w", err)
	}
	defer rows.Close()

	entries := []ledger.SnapshotEntry{}
	for rows.Next() {
		var e ledger.SnapshotEntry
		if err := rows.Scan(&e.StudentID, &e.Points); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO point_snapshots (id, site_id, name, description, created_at, created_by, entry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(snap.ID), string(snap.SiteID), snap.Name, nullString(snap.Description),
		formatTime(snap.CreatedAt), nullString(string(snap.CreatedBy)), len(snap.Entries),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	for _, e := range snap.Entries {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO point_snapshot_entries (snapshot_id, student_id, points_at_capture) VALUES (?, ?, ?)`,
			string(snap.ID), string(e.StudentID), e.Points,
		); err != nil {
			return fmt.Errorf("failed to save snapshot entry: %w", err)
		}
	}
	return sqlTx.Commit()
}

func (s *Store) Snapshot(ctx context.Context, siteID ledger.SiteID, id ledger.SnapshotID) (ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, name, description, created_at, created_by, entry_count
		FROM point_snapshots WHERE site_id = ? AND id = ?`, string(siteID), string(id))
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	if !rows.Next() {
		err := rows.Err()
		rows.Close()
		if err != nil {
			return ledger.Snapshot{}, err
		}
		return ledger.Snapshot{}, ledger.ErrSnapshotNotFound
	}
	snap, err := scanSnapshot(rows)
	rows.Close()
	if err != nil {
		return ledger.Snapshot{}, err
	}

	entryRows, err := s.db.QueryContext(ctx, `
		SELECT student_id, points_at_capture FROM point_snapshot_entries
		WHERE snapshot_id = ? ORDER BY student_id`, string(id))
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to query snapshot entries: %w", err)
	}
	defer entryRows.Close()

	snap.Entries = []ledger.SnapshotEntry{}
	for entryRows.Next() {
		var e ledger.SnapshotEntry
		if err := entryRows.Scan(&e.StudentID, &e.Points); err != nil {
			return ledger.Snapshot{}, err
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap, entryRows.Err()
}

func (s *Store) ListSnapshots(ctx context.Context, siteID ledger.SiteID) ([]ledger.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, name, description, created_at, created_by, entry_count
		FROM point_snapshots WHERE site_id = ?
		ORDER BY created_at DESC`, string(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []ledger.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (ledger.Snapshot, error) {
	var (
		snap        ledger.Snapshot
		description sql.NullString
		createdBy   sql.NullString
		createdAt   string
	)
	err := rows.Scan(&snap.ID, &snap.SiteID, &snap.Name, &description, &createdAt, &createdBy, &snap.EntryCount)
	if err != nil {
		return snap, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	snap.Description = description.String
	snap.CreatedBy = ledger.AdminID(createdBy.String)
	snap.CreatedAt = parseTime(createdAt)
	return snap, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, siteID ledger.SiteID, id ledger.SnapshotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx,
		`DELETE FROM point_snapshots WHERE site_id = ? AND id = ?`, string(siteID), string(id))
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrSnapshotNotFound
	}
	if _, err := sqlTx.ExecContext(ctx,
		`DELETE FROM point_snapshot_entries WHERE snapshot_id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to delete snapshot entries: %w", err)
	}
	return sqlTx.Commit()
}

// RestoreBalances overwrites balances in one SQL transaction. Entries for
// students that no longer exist are skipped.
func (s *Store) RestoreBalances(ctx context.Context, siteID ledger.SiteID, entries []ledger.SnapshotEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	restored := 0
	for _, e := range entries {
		res, err := sqlTx.ExecContext(ctx,
			`UPDATE students SET current_points = ? WHERE site_id = ? AND id = ?`,
			e.Points, string(siteID), string(e.StudentID))
		if err != nil {
			return 0, fmt.Errorf("failed to restore balance for %s: %w", e.StudentID, err)
		}
		n, _ := res.RowsAffected()
		restored += int(n)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit restore: %w", err)
	}
	return restored, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, site_id, actor_id, action, target, payload_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.SiteID), nullString(string(entry.ActorID)), string(entry.Action),
		nullString(entry.Target), string(payload), formatTime(entry.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns the newest entries first. limit <= 0 returns all.
func (s *Store) AuditEntries(ctx context.Context, siteID ledger.SiteID, limit int) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, site_id, actor_id, action, target, payload_json, at
		FROM audit_log WHERE site_id = ?
		ORDER BY at DESC, rowid DESC`
	args := []any{string(siteID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e       ledger.AuditEntry
			actor   sql.NullString
			target  sql.NullString
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &e.SiteID, &actor, &e.Action, &target, &payload, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorID = ledger.AdminID(actor.String)
		e.Target = target.String
		e.At = parseTime(at)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func intPtrArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// classify maps driver constraint errors to ledger errors.
func classify(err error, msg string) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique:
			return ledger.ErrDuplicateAward
		case sqlite3.ErrConstraintForeignKey:
			return ledger.ErrStudentNotFound
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
