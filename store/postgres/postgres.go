/*
Package postgres provides a PostgreSQL-backed implementation of the ledger
storage interfaces on a pgx connection pool.

PURPOSE:
  The multi-process deployment target. Several servers and the CLI can
  write to the same ledger; the atomic path serializes on the student row.

ATOMIC PATH:
  Migration installs the plpgsql function apply_point_transaction. It
  locks the student row, checks funds, inserts the transaction and moves
  the balance in one statement. Options.SkipProcedure leaves the function
  out (and drops it if present); ApplyAtomic then reports
  ledger.ErrAtomicUnavailable and the writer uses its two-step path.

ERROR CLASSIFICATION (pgerrcode):
  undefined_function  -> ledger.ErrAtomicUnavailable
  undefined_column    -> ledger.ErrOptionalColumn
  unique_violation    -> ledger.ErrDuplicateAward (award period index)
  foreign_key / no_data_found -> ledger.ErrStudentNotFound
  check_violation     -> *ledger.InsufficientBalanceError (raised by the function)

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node implementation with the same schema
  - ledger/writer.go: Fallback when the function is missing
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/attendance-points/ledger"
)

const awardPeriodIndex = "idx_point_tx_award_period"

// Options controls schema creation.
type Options struct {
	// SkipProcedure leaves apply_point_transaction uninstalled.
	SkipProcedure bool

	// LegacySchema creates point_transactions without admin_id.
	LegacySchema bool
}

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ledger.Backend     = (*Store)(nil)
	_ ledger.AtomicStore = (*Store)(nil)
)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx, opts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context, opts Options) error {
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
		has_bonus_override BOOLEAN NOT NULL DEFAULT FALSE,
		bonus_threshold_override INTEGER,
		bonus_points_override INTEGER,
		PRIMARY KEY (site_id, id)
	);

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
		created_at TIMESTAMPTZ NOT NULL,
		FOREIGN KEY (site_id, student_id) REFERENCES students(site_id, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ` + awardPeriodIndex + `
		ON point_transactions(site_id, student_id, transaction_type, award_period)
		WHERE award_period IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_point_tx_student_created
		ON point_transactions(site_id, student_id, created_at);

	CREATE TABLE IF NOT EXISTS class_bonus_thresholds (
		site_id TEXT NOT NULL,
		class TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		bonus_points INTEGER NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (site_id, class)
	);

	CREATE TABLE IF NOT EXISTS access_events (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_access_events_student
		ON access_events(site_id, student_id, kind, occurred_at);

	CREATE TABLE IF NOT EXISTS point_snapshots (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		created_by TEXT,
		entry_count INTEGER NOT NULL DEFAULT 0
	);

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
		payload JSONB,
		at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_site ON audit_log(site_id, at DESC);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return err
	}

	if opts.SkipProcedure {
		_, err := s.pool.Exec(ctx, `DROP FUNCTION IF EXISTS apply_point_transaction(TEXT, TEXT, TEXT, TEXT, INTEGER, TEXT, TEXT, TEXT, TEXT, TIMESTAMPTZ, BOOLEAN)`)
		return err
	}
	_, err := s.pool.Exec(ctx, applyPointTransactionSQL)
	return err
}

// The admin branch references admin_id only when an admin is given, so the
// function also runs against a schema without that column.
const applyPointTransactionSQL = `
CREATE OR REPLACE FUNCTION apply_point_transaction(
	p_id TEXT, p_site TEXT, p_student TEXT, p_type TEXT, p_points INTEGER,
	p_description TEXT, p_reference TEXT, p_admin TEXT, p_period TEXT,
	p_created_at TIMESTAMPTZ, p_require_funds BOOLEAN
) RETURNS INTEGER AS $$
DECLARE
	v_current INTEGER;
BEGIN
	SELECT current_points INTO v_current
	FROM students WHERE site_id = p_site AND id = p_student
	FOR UPDATE;

	IF NOT FOUND THEN
		RAISE EXCEPTION 'student % not found', p_student USING ERRCODE = 'no_data_found';
	END IF;

	IF p_require_funds AND v_current + p_points < 0 THEN
		RAISE EXCEPTION 'insufficient balance for %', p_student
			USING ERRCODE = 'check_violation', DETAIL = v_current::TEXT;
	END IF;

	IF p_admin IS NULL THEN
		INSERT INTO point_transactions
			(id, site_id, student_id, transaction_type, points, description, reference_id, award_period, created_at)
		VALUES
			(p_id, p_site, p_student, p_type, p_points, p_description, p_reference, p_period, p_created_at);
	ELSE
		INSERT INTO point_transactions
			(id, site_id, student_id, transaction_type, points, description, reference_id, admin_id, award_period, created_at)
		VALUES
			(p_id, p_site, p_student, p_type, p_points, p_description, p_reference, p_admin, p_period, p_created_at);
	END IF;

	UPDATE students SET current_points = current_points + p_points
	WHERE site_id = p_site AND id = p_student;

	RETURN v_current + p_points;
END;
$$ LANGUAGE plpgsql;
`

// =============================================================================
// TRANSACTIONS AND BALANCES
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	var err error
	if tx.AdminID == "" {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO point_transactions
				(id, site_id, student_id, transaction_type, points, description, reference_id, award_period, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(tx.ID), string(tx.SiteID), string(tx.StudentID), string(tx.Type), tx.Points,
			nullText(tx.Description), nullText(tx.ReferenceID), nullText(tx.AwardPeriod), tx.CreatedAt.UTC())
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO point_transactions
				(id, site_id, student_id, transaction_type, points, description, reference_id, admin_id, award_period, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			string(tx.ID), string(tx.SiteID), string(tx.StudentID), string(tx.Type), tx.Points,
			nullText(tx.Description), nullText(tx.ReferenceID), string(tx.AdminID), nullText(tx.AwardPeriod), tx.CreatedAt.UTC())
	}
	if err != nil {
		return classify(err, tx, "failed to insert transaction")
	}
	return nil
}

func (s *Store) DeleteTransaction(ctx context.Context, siteID ledger.SiteID, id ledger.TransactionID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM point_transactions WHERE site_id = $1 AND id = $2`, string(siteID), string(id))
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) ApplyAtomic(ctx context.Context, tx ledger.Transaction, requireFunds bool) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx,
		`SELECT apply_point_transaction($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		string(tx.ID), string(tx.SiteID), string(tx.StudentID), string(tx.Type), tx.Points,
		nullText(tx.Description), nullText(tx.ReferenceID), nullText(string(tx.AdminID)),
		nullText(tx.AwardPeriod), tx.CreatedAt.UTC(), requireFunds,
	).Scan(&balance)
	if err != nil {
		return 0, classify(err, tx, "failed to apply transaction")
	}
	return balance, nil
}

func (s *Store) Balance(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	var points int
	err := s.pool.QueryRow(ctx,
		`SELECT current_points FROM students WHERE site_id = $1 AND id = $2`,
		string(siteID), string(studentID)).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrStudentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return points, nil
}

func (s *Store) SetBalance(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, points int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE students SET current_points = $1 WHERE site_id = $2 AND id = $3`,
		points, string(siteID), string(studentID))
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrStudentNotFound
	}
	return nil
}

// Transactions reads admin_id through to_jsonb so the query works with or
// without the column.
func (s *Store) Transactions(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, student_id, transaction_type, points, description,
		       reference_id, to_jsonb(t) ->> 'admin_id', award_period, created_at
		FROM point_transactions t
		WHERE site_id = $1 AND student_id = $2
		ORDER BY created_at ASC, id ASC`,
		string(siteID), string(studentID))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var list []ledger.Transaction
	for rows.Next() {
		var (
			tx                     ledger.Transaction
			id, site, student, typ string
			description, reference *string
			admin, awardPeriod     *string
		)
		if err := rows.Scan(&id, &site, &student, &typ, &tx.Points,
			&description, &reference, &admin, &awardPeriod, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = ledger.TransactionID(id)
		tx.SiteID = ledger.SiteID(site)
		tx.StudentID = ledger.StudentID(student)
		tx.Type = ledger.TransactionType(typ)
		tx.Description = deref(description)
		tx.ReferenceID = deref(reference)
		tx.AdminID = ledger.AdminID(deref(admin))
		tx.AwardPeriod = deref(awardPeriod)
		tx.CreatedAt = tx.CreatedAt.UTC()
		list = append(list, tx)
	}
	return list, rows.Err()
}

func (s *Store) CountTransactions(ctx context.Context, filter ledger.TransactionFilter) (int, error) {
	query := `SELECT COUNT(*) FROM point_transactions WHERE site_id = $1 AND student_id = $2`
	args := []any{string(filter.SiteID), string(filter.StudentID)}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += ` AND transaction_type = $` + strconv.Itoa(len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if filter.PositiveOnly {
		query += ` AND points > 0`
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (s *Store) SumPoints(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	var sum int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)::INTEGER FROM point_transactions WHERE site_id = $1 AND student_id = $2`,
		string(siteID), string(studentID)).Scan(&sum)
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

func scanStudent(row pgx.Row) (ledger.Student, error) {
	var (
		st                     ledger.Student
		id, site               string
		class                  *string
		threshold, bonusPoints *int
	)
	if err := row.Scan(&id, &site, &st.Name, &st.Role, &class, &st.CurrentPoints,
		&st.Override.HasOverride, &threshold, &bonusPoints); err != nil {
		return st, err
	}
	st.ID = ledger.StudentID(id)
	st.SiteID = ledger.SiteID(site)
	st.Class = deref(class)
	st.Override.Threshold = threshold
	st.Override.BonusPoints = bonusPoints
	return st, nil
}

func (s *Store) Student(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (ledger.Student, error) {
	st, err := scanStudent(s.pool.QueryRow(ctx,
		`SELECT `+studentColumns+` FROM students WHERE site_id = $1 AND id = $2`,
		string(siteID), string(studentID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Student{}, ledger.ErrStudentNotFound
	}
	if err != nil {
		return ledger.Student{}, fmt.Errorf("failed to read student: %w", err)
	}
	return st, nil
}

func (s *Store) ListStudents(ctx context.Context, siteID ledger.SiteID) ([]ledger.Student, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+studentColumns+` FROM students WHERE site_id = $1 ORDER BY id`, string(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var list []ledger.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		list = append(list, st)
	}
	return list, rows.Err()
}

func (s *Store) ClassThreshold(ctx context.Context, siteID ledger.SiteID, class string) (ledger.ClassThreshold, bool, error) {
	cfg := ledger.ClassThreshold{SiteID: siteID, Class: class}
	err := s.pool.QueryRow(ctx, `
		SELECT threshold, bonus_points, enabled, updated_at
		FROM class_bonus_thresholds WHERE site_id = $1 AND class = $2`,
		string(siteID), class).Scan(&cfg.Threshold, &cfg.BonusPoints, &cfg.Enabled, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ClassThreshold{}, false, nil
	}
	if err != nil {
		return ledger.ClassThreshold{}, false, fmt.Errorf("failed to read class threshold: %w", err)
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, true, nil
}

func (s *Store) Sites(ctx context.Context) ([]ledger.SiteID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT site_id FROM students ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []ledger.SiteID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sites = append(sites, ledger.SiteID(id))
	}
	return sites, rows.Err()
}

func (s *Store) SaveStudent(ctx context.Context, st ledger.Student) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (site_id, id, name, role, class, current_points,
			has_bonus_override, bonus_threshold_override, bonus_points_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (site_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			class = EXCLUDED.class,
			has_bonus_override = EXCLUDED.has_bonus_override,
			bonus_threshold_override = EXCLUDED.bonus_threshold_override,
			bonus_points_override = EXCLUDED.bonus_points_override`,
		string(st.SiteID), string(st.ID), st.Name, st.Role, nullText(st.Class), st.CurrentPoints,
		st.Override.HasOverride, st.Override.Threshold, st.Override.BonusPoints)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (s *Store) SaveClassThreshold(ctx context.Context, c ledger.ClassThreshold) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO class_bonus_thresholds (site_id, class, threshold, bonus_points, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (site_id, class) DO UPDATE SET
			threshold = EXCLUDED.threshold,
			bonus_points = EXCLUDED.bonus_points,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		string(c.SiteID), c.Class, c.Threshold, c.BonusPoints, c.Enabled, c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save class threshold: %w", err)
	}
	return nil
}

// =============================================================================
// ACCESS LOG
// =============================================================================

func (s *Store) RecordAccessEvent(ctx context.Context, ev ledger.AccessEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO access_events (id, site_id, student_id, kind, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, string(ev.SiteID), string(ev.StudentID), string(ev.Kind), ev.OccurredAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ledger.ErrDuplicateAccessEvent
		}
		return fmt.Errorf("failed to record access event: %w", err)
	}
	return nil
}

func (s *Store) CountAccessEvents(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, kind ledger.AccessKind, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM access_events
		WHERE site_id = $1 AND student_id = $2 AND kind = $3 AND occurred_at >= $4`,
		string(siteID), string(studentID), string(kind), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count access events: %w", err)
	}
	return n, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *Store) CaptureBalances(ctx context.Context, siteID ledger.SiteID) ([]ledger.SnapshotEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, current_points FROM students WHERE site_id = $1 ORDER BY id`, string(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to capture balances: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]ledger.SnapshotEntry, error) {
	defer rows.Close()

	entries := []ledger.SnapshotEntry{}
	for rows.Next() {
		var (
			id     string
			points int
		)
		if err := rows.Scan(&id, &points); err != nil {
			return nil, err
		}
		entries = append(entries, ledger.SnapshotEntry{StudentID: ledger.StudentID(id), Points: points})
	}
	return entries, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO point_snapshots (id, site_id, name, description, created_at, created_by, entry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(snap.ID), string(snap.SiteID), snap.Name, nullText(snap.Description),
			snap.CreatedAt.UTC(), nullText(string(snap.CreatedBy)), len(snap.Entries))
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}

		batch := &pgx.Batch{}
		for _, e := range snap.Entries {
			batch.Queue(`INSERT INTO point_snapshot_entries (snapshot_id, student_id, points_at_capture) VALUES ($1, $2, $3)`,
				string(snap.ID), string(e.StudentID), e.Points)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save snapshot entries: %w", err)
		}
		return nil
	})
}

const snapshotColumns = `id, site_id, name, description, created_at, created_by, entry_count`

func scanSnapshot(row pgx.Row) (ledger.Snapshot, error) {
	var (
		snap                   ledger.Snapshot
		id, site               string
		description, createdBy *string
	)
	if err := row.Scan(&id, &site, &snap.Name, &description, &snap.CreatedAt, &createdBy, &snap.EntryCount); err != nil {
		return snap, err
	}
	snap.ID = ledger.SnapshotID(id)
	snap.SiteID = ledger.SiteID(site)
	snap.Description = deref(description)
	snap.CreatedBy = ledger.AdminID(deref(createdBy))
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}

func (s *Store) Snapshot(ctx context.Context, siteID ledger.SiteID, id ledger.SnapshotID) (ledger.Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM point_snapshots WHERE site_id = $1 AND id = $2`,
		string(siteID), string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Snapshot{}, ledger.ErrSnapshotNotFound
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT student_id, points_at_capture FROM point_snapshot_entries
		WHERE snapshot_id = $1 ORDER BY student_id`, string(id))
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("failed to read snapshot entries: %w", err)
	}
	if snap.Entries, err = collectEntries(rows); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, siteID ledger.SiteID) ([]ledger.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM point_snapshots WHERE site_id = $1 ORDER BY created_at DESC`,
		string(siteID))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var list []ledger.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		list = append(list, snap)
	}
	return list, rows.Err()
}

func (s *Store) DeleteSnapshot(ctx context.Context, siteID ledger.SiteID, id ledger.SnapshotID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM point_snapshots WHERE site_id = $1 AND id = $2`, string(siteID), string(id))
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrSnapshotNotFound
	}
	return nil
}

func (s *Store) RestoreBalances(ctx context.Context, siteID ledger.SiteID, entries []ledger.SnapshotEntry) (int, error) {
	restored := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			tag, err := tx.Exec(ctx,
				`UPDATE students SET current_points = $1 WHERE site_id = $2 AND id = $3`,
				e.Points, string(siteID), string(e.StudentID))
			if err != nil {
				return fmt.Errorf("failed to restore balance for %s: %w", e.StudentID, err)
			}
			restored += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, site_id, actor_id, action, target, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, string(entry.SiteID), nullText(string(entry.ActorID)), string(entry.Action),
		nullText(entry.Target), entry.Payload, entry.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) AuditEntries(ctx context.Context, siteID ledger.SiteID, limit int) ([]ledger.AuditEntry, error) {
	query := `
		SELECT id, site_id, actor_id, action, target, payload, at
		FROM audit_log WHERE site_id = $1 ORDER BY at DESC, id DESC`
	args := []any{string(siteID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var list []ledger.AuditEntry
	for rows.Next() {
		var (
			e             ledger.AuditEntry
			site, action  string
			actor, target *string
		)
		if err := rows.Scan(&e.ID, &site, &actor, &action, &target, &e.Payload, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.SiteID = ledger.SiteID(site)
		e.Action = ledger.AuditAction(action)
		e.ActorID = ledger.AdminID(deref(actor))
		e.Target = deref(target)
		e.At = e.At.UTC()
		list = append(list, e)
	}
	return list, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func classify(err error, tx ledger.Transaction, msg string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	switch pgErr.Code {
	case pgerrcode.UndefinedFunction:
		return ledger.ErrAtomicUnavailable
	case pgerrcode.UndefinedColumn:
		return ledger.ErrOptionalColumn
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == awardPeriodIndex {
			return ledger.ErrDuplicateAward
		}
	case pgerrcode.ForeignKeyViolation, pgerrcode.NoDataFound:
		return ledger.ErrStudentNotFound
	case pgerrcode.CheckViolation:
		available, _ := strconv.Atoi(pgErr.Detail)
		return &ledger.InsufficientBalanceError{StudentID: tx.StudentID, Available: available, Requested: -tx.Points}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
