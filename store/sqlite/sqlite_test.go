package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-points/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := NewWithOptions(":memory:", opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, id := range []ledger.StudentID{"stu-1", "stu-2"} {
		require.NoError(t, s.SaveStudent(ctx, ledger.Student{ID: id, SiteID: "north", Name: string(id), Role: "student"}))
	}
	return s
}

func tx(id string, typ ledger.TransactionType, points int, period string) ledger.Transaction {
	return ledger.Transaction{
		ID:          ledger.TransactionID(id),
		SiteID:      "north",
		StudentID:   "stu-1",
		Type:        typ,
		Points:      points,
		AwardPeriod: period,
		CreatedAt:   time.Date(2025, 3, 10, 8, 0, 0, 123456789, time.UTC),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_ApplyAtomic(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	bal, err := s.ApplyAtomic(ctx, tx("t1", ledger.TxEntry, 4, "2025-03-10"), false)
	require.NoError(t, err)
	assert.Equal(t, 4, bal)

	// Overdraw is rejected and nothing is written
	_, err = s.ApplyAtomic(ctx, tx("t2", ledger.TxConsumption, -5, ""), true)
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, 4, ib.Available)

	// Duplicate award period rolls back the balance change too
	_, err = s.ApplyAtomic(ctx, tx("t3", ledger.TxEntry, 4, "2025-03-10"), false)
	assert.ErrorIs(t, err, ledger.ErrDuplicateAward)

	bal, err = s.Balance(ctx, "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 4, bal)
	sum, err := s.SumPoints(ctx, "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 4, sum)
}

func TestSQLite_InsertAndRead(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	admin := tx("t1", ledger.TxAdminAdd, 7, "")
	admin.AdminID = "admin-1"
	admin.Description = "Science fair"
	require.NoError(t, s.InsertTransaction(ctx, admin))
	require.NoError(t, s.InsertTransaction(ctx, tx("t2", ledger.TxConsumption, -2, "")))

	txs, err := s.Transactions(ctx, "north", "stu-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.AdminID("admin-1"), txs[0].AdminID)
	assert.Equal(t, "Science fair", txs[0].Description)
	assert.True(t, admin.CreatedAt.Equal(txs[0].CreatedAt))

	n, err := s.CountTransactions(ctx, ledger.TransactionFilter{SiteID: "north", StudentID: "stu-1", PositiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountTransactions(ctx, ledger.TransactionFilter{
		SiteID: "north", StudentID: "stu-1", Since: admin.CreatedAt.Add(time.Nanosecond),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The compensating delete frees the row
	require.NoError(t, s.DeleteTransaction(ctx, "north", "t2"))
	assert.ErrorIs(t, s.DeleteTransaction(ctx, "north", "t2"), ledger.ErrTransactionNotFound)
}

func TestSQLite_UnknownStudent(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	ghost := tx("t1", ledger.TxEntry, 1, "")
	ghost.StudentID = "ghost"
	assert.ErrorIs(t, s.InsertTransaction(ctx, ghost), ledger.ErrStudentNotFound)

	_, err := s.Student(ctx, "north", "ghost")
	assert.ErrorIs(t, err, ledger.ErrStudentNotFound)
}

func TestSQLite_LegacySchemaWithWriter(t *testing.T) {
	// GIVEN: A database without the admin_id column
	s := newTestStore(t, Options{LegacySchema: true})
	ctx := context.Background()

	assert.ErrorIs(t, s.InsertTransaction(ctx, ledger.Transaction{
		ID: "t0", SiteID: "north", StudentID: "stu-1", Type: ledger.TxAdminAdd, Points: 1, AdminID: "admin-1",
	}), ledger.ErrOptionalColumn)

	// WHEN: The writer makes an attributed credit
	w := ledger.NewWriter(s, ledger.WithLogger(zerolog.Nop()))
	p, err := w.AddPoints(ctx, ledger.Credit{SiteID: "north", StudentID: "stu-1", Points: 3, Type: ledger.TxAdminAdd, AdminID: "admin-1"})

	// THEN: It lands without attribution
	require.NoError(t, err)
	assert.Equal(t, 3, p.Balance)
	txs, err := s.Transactions(ctx, "north", "stu-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Empty(t, txs[0].AdminID)
}

// =============================================================================
// ROSTER AND ACCESS LOG
// =============================================================================

func TestSQLite_RosterAndClasses(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.SetBalance(ctx, "north", "stu-1", 9))

	// Saving an existing student keeps its balance
	three := 3
	require.NoError(t, s.SaveStudent(ctx, ledger.Student{
		ID: "stu-1", SiteID: "north", Name: "Renamed", Role: "student", Class: "5A",
		CurrentPoints: 100, Override: ledger.BonusOverride{HasOverride: true, Threshold: &three},
	}))
	st, err := s.Student(ctx, "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", st.Name)
	assert.Equal(t, 9, st.CurrentPoints)
	require.NotNil(t, st.Override.Threshold)
	assert.Equal(t, 3, *st.Override.Threshold)
	assert.Nil(t, st.Override.BonusPoints)

	_, found, err := s.ClassThreshold(ctx, "north", "5A")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveClassThreshold(ctx, ledger.ClassThreshold{SiteID: "north", Class: "5A", Threshold: 4, BonusPoints: 2, Enabled: true}))
	require.NoError(t, s.SaveClassThreshold(ctx, ledger.ClassThreshold{SiteID: "north", Class: "5A", Threshold: 6, BonusPoints: 2, Enabled: true}))
	cfg, found, err := s.ClassThreshold(ctx, "north", "5A")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 6, cfg.Threshold)

	sites, err := s.Sites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.SiteID{"north"}, sites)
}

func TestSQLite_AccessEvents(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, kind := range []ledger.AccessKind{ledger.AccessEntry, ledger.AccessExit, ledger.AccessEntry} {
		require.NoError(t, s.RecordAccessEvent(ctx, ledger.AccessEvent{
			ID: string(rune('a' + i)), SiteID: "north", StudentID: "stu-1", Kind: kind,
			OccurredAt: base.Add(time.Duration(i) * 24 * time.Hour),
		}))
	}

	n, err := s.CountAccessEvents(ctx, "north", "stu-1", ledger.AccessEntry, base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountAccessEvents(ctx, "north", "stu-1", ledger.AccessEntry, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A resent event id is rejected as a duplicate, not a storage failure
	err = s.RecordAccessEvent(ctx, ledger.AccessEvent{
		ID: "a", SiteID: "north", StudentID: "stu-1", Kind: ledger.AccessEntry, OccurredAt: base.Add(72 * time.Hour),
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccessEvent)
	n, err = s.CountAccessEvents(ctx, "north", "stu-1", ledger.AccessEntry, base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =============================================================================
// SNAPSHOTS AND AUDIT
// =============================================================================

func TestSQLite_SnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "north", "stu-1", 7))

	entries, err := s.CaptureBalances(ctx, "north")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, s.SaveSnapshot(ctx, ledger.Snapshot{
		ID: "snap-1", SiteID: "north", Name: "before", CreatedAt: time.Now(), CreatedBy: "admin-1", Entries: entries,
	}))

	require.NoError(t, s.SetBalance(ctx, "north", "stu-1", 0))

	snap, err := s.Snapshot(ctx, "north", "snap-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.EntryCount)
	n, err := s.RestoreBalances(ctx, "north", snap.Entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bal, err := s.Balance(ctx, "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 7, bal)

	list, err := s.ListSnapshots(ctx, "north")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Entries)

	require.NoError(t, s.DeleteSnapshot(ctx, "north", "snap-1"))
	_, err = s.Snapshot(ctx, "north", "snap-1")
	assert.ErrorIs(t, err, ledger.ErrSnapshotNotFound)
}

func TestSQLite_SnapshotRestoreScope(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.SetBalance(ctx, "north", "stu-1", 4))
	require.NoError(t, s.SetBalance(ctx, "north", "stu-2", 11))
	svc := ledger.NewSnapshotService(s, s, zerolog.Nop())

	// Restoring right after the backup changes nothing
	id, err := svc.CreateBackup(ctx, "north", "noop", "", "admin-1")
	require.NoError(t, err)
	res, err := svc.Restore(ctx, "north", id, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	for sid, want := range map[ledger.StudentID]int{"stu-1": 4, "stu-2": 11} {
		bal, err := s.Balance(ctx, "north", sid)
		require.NoError(t, err)
		assert.Equal(t, want, bal, sid)
	}

	// A student enrolled after the backup keeps their balance
	require.NoError(t, s.SaveStudent(ctx, ledger.Student{ID: "stu-3", SiteID: "north", Name: "Three", Role: "student"}))
	w := ledger.NewWriter(s, ledger.WithLogger(zerolog.Nop()))
	_, err = w.AddPoints(ctx, ledger.Credit{SiteID: "north", StudentID: "stu-3", Points: 6, Type: ledger.TxAdminAdd})
	require.NoError(t, err)
	require.NoError(t, s.SetBalance(ctx, "north", "stu-1", 0))

	res, err = svc.Restore(ctx, "north", id, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Restored)
	bal, err := s.Balance(ctx, "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 4, bal)
	bal, err = s.Balance(ctx, "north", "stu-3")
	require.NoError(t, err)
	assert.Equal(t, 6, bal)
}

func TestSQLite_AuditEntries(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendAudit(ctx, ledger.AuditEntry{ID: "a1", SiteID: "north", Action: ledger.AuditSnapshotCreate, At: base}))
	require.NoError(t, s.AppendAudit(ctx, ledger.AuditEntry{
		ID: "a2", SiteID: "north", ActorID: "admin-1", Action: ledger.AuditManualAdjust,
		Target: "stu-1", Payload: map[string]any{"delta": 5}, At: base.Add(time.Minute),
	}))

	entries, err := s.AuditEntries(ctx, "north", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a2", entries[0].ID)
	assert.EqualValues(t, 5, entries[0].Payload["delta"])
}

func TestSQLite_FileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveStudent(ctx, ledger.Student{ID: "stu-1", SiteID: "north", Name: "One", Role: "student"}))
	_, err = s.ApplyAtomic(ctx, tx("t1", ledger.TxEntry, 2, "2025-03-10"), false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	bal, err := s.Balance(ctx, "north", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, bal)
}
