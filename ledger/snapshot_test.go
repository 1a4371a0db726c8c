package ledger_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-points/ledger"
)

func TestSnapshot_BackupAndRestore(t *testing.T) {
	// GIVEN: Two students with balances and a backup
	m := newMemory(t, "stu-1", "stu-2")
	ctx := context.Background()
	w := newWriter(m)
	_, err := w.AddPoints(ctx, ledger.Credit{SiteID: site, StudentID: "stu-1", Points: 6, Type: ledger.TxAdminAdd})
	require.NoError(t, err)

	svc := ledger.NewSnapshotService(m, m, zerolog.Nop())
	id, err := svc.CreateBackup(ctx, site, " end of term ", "", "admin-1")
	require.NoError(t, err)

	snap, err := svc.Get(ctx, site, id)
	require.NoError(t, err)
	assert.Equal(t, "end of term", snap.Name)
	assert.Equal(t, 2, snap.EntryCount)

	// WHEN: Balances change and the backup is restored
	_, err = w.SubtractPoints(ctx, ledger.Debit{SiteID: site, StudentID: "stu-1", Points: 6})
	require.NoError(t, err)
	res, err := svc.Restore(ctx, site, id, "admin-1")
	require.NoError(t, err)

	// THEN: Balances match the backup; the ledger is untouched
	assert.Equal(t, 2, res.Restored)
	bal, err := m.Balance(ctx, site, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 6, bal)
	sum, err := m.SumPoints(ctx, site, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 0, sum)

	audit, err := m.AuditEntries(ctx, site, 0)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, ledger.AuditSnapshotRestore, audit[0].Action)
	assert.Equal(t, ledger.AuditSnapshotCreate, audit[1].Action)
}

func TestSnapshot_ImmediateRestoreChangesNothing(t *testing.T) {
	m := newMemory(t, "stu-1", "stu-2")
	ctx := context.Background()
	require.NoError(t, m.SetBalance(ctx, site, "stu-1", 4))
	require.NoError(t, m.SetBalance(ctx, site, "stu-2", 11))
	svc := ledger.NewSnapshotService(m, m, zerolog.Nop())

	id, err := svc.CreateBackup(ctx, site, "noop", "", "admin-1")
	require.NoError(t, err)
	res, err := svc.Restore(ctx, site, id, "admin-1")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Restored)
	for id, want := range map[ledger.StudentID]int{"stu-1": 4, "stu-2": 11} {
		bal, err := m.Balance(ctx, site, id)
		require.NoError(t, err)
		assert.Equal(t, want, bal, id)
	}
}

func TestSnapshot_RestoreLeavesLaterStudentsAlone(t *testing.T) {
	// GIVEN: A backup taken before a new student joined and earned points
	m := newMemory(t, "stu-1")
	ctx := context.Background()
	w := newWriter(m)
	_, err := w.AddPoints(ctx, ledger.Credit{SiteID: site, StudentID: "stu-1", Points: 2, Type: ledger.TxAdminAdd})
	require.NoError(t, err)

	svc := ledger.NewSnapshotService(m, m, zerolog.Nop())
	id, err := svc.CreateBackup(ctx, site, "before enrolment", "", "admin-1")
	require.NoError(t, err)

	require.NoError(t, m.SaveStudent(ctx, ledger.Student{ID: "stu-new", SiteID: site, Name: "New", Role: "student"}))
	_, err = w.AddPoints(ctx, ledger.Credit{SiteID: site, StudentID: "stu-new", Points: 9, Type: ledger.TxAdminAdd})
	require.NoError(t, err)
	_, err = w.AddPoints(ctx, ledger.Credit{SiteID: site, StudentID: "stu-1", Points: 3, Type: ledger.TxAdminAdd})
	require.NoError(t, err)

	// WHEN: Restoring the backup
	res, err := svc.Restore(ctx, site, id, "admin-1")
	require.NoError(t, err)

	// THEN: Only the captured student is rewritten
	assert.Equal(t, 1, res.Restored)
	bal, err := m.Balance(ctx, site, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, bal)
	assertConsistent(t, m, "stu-new", 9)
}

func TestSnapshot_Errors(t *testing.T) {
	m := newMemory(t, "stu-1")
	svc := ledger.NewSnapshotService(m, m, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.CreateBackup(ctx, site, "   ", "", "admin-1")
	assert.ErrorIs(t, err, ledger.ErrInvalidSnapshotName)

	_, err = svc.Restore(ctx, site, "missing", "admin-1")
	assert.ErrorIs(t, err, ledger.ErrSnapshotNotFound)

	err = svc.Delete(ctx, site, "missing", "admin-1")
	assert.ErrorIs(t, err, ledger.ErrSnapshotNotFound)
}

func TestSnapshot_DeleteAndList(t *testing.T) {
	m := newMemory(t, "stu-1")
	svc := ledger.NewSnapshotService(m, m, zerolog.Nop())
	ctx := context.Background()

	id, err := svc.CreateBackup(ctx, site, "weekly", "", "admin-1")
	require.NoError(t, err)

	list, err := svc.List(ctx, site)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Entries)

	// Other sites do not see it
	other, err := svc.List(ctx, "south")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, svc.Delete(ctx, site, id, "admin-1"))
	list, err = svc.List(ctx, site)
	require.NoError(t, err)
	assert.Empty(t, list)
}
