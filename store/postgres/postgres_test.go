package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-points/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	dsnOnce sync.Once
	dsn     string
	dsnErr  error
)

// testDSN starts one disposable Postgres container for the package, or
// skips when Docker is not reachable.
func testDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests skipped in -short mode")
	}
	if env := os.Getenv("POINTS_TEST_DATABASE_URL"); env != "" {
		return env
	}

	dsnOnce.Do(func() {
		pool, err := dockertest.NewPool("")
		if err != nil {
			dsnErr = err
			return
		}
		if err = pool.Client.Ping(); err != nil {
			dsnErr = err
			return
		}

		resource, err := pool.RunWithOptions(&dockertest.RunOptions{
			Repository: "postgres",
			Tag:        "16-alpine",
			Env: []string{
				"POSTGRES_USER=points",
				"POSTGRES_PASSWORD=points",
				"POSTGRES_DB=points",
			},
		}, func(hc *docker.HostConfig) {
			hc.AutoRemove = true
			hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
		})
		if err != nil {
			dsnErr = err
			return
		}
		_ = resource.Expire(300)

		dsn = fmt.Sprintf("postgres://points:points@%s/points?sslmode=disable", resource.GetHostPort("5432/tcp"))
		pool.MaxWait = 90 * time.Second
		dsnErr = pool.Retry(func() error {
			conn, err := pgx.Connect(context.Background(), dsn)
			if err != nil {
				return err
			}
			defer conn.Close(context.Background())
			return conn.Ping(context.Background())
		})
	})
	if dsnErr != nil {
		t.Skipf("docker unavailable: %v", dsnErr)
	}
	return dsn
}

// setupStore opens a store on a fresh schema so tests do not share rows.
func setupStore(t *testing.T, opts Options) *Store {
	t.Helper()
	ctx := context.Background()
	base := testDSN(t)

	schema := fmt.Sprintf("t_%d", time.Now().UnixNano())
	conn, err := pgx.Connect(ctx, base)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	scoped := base + sep + "search_path=" + schema

	s, err := New(ctx, scoped, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStudent(t *testing.T, s *Store, id ledger.StudentID) {
	t.Helper()
	require.NoError(t, s.SaveStudent(context.Background(), ledger.Student{
		ID: id, SiteID: "site-1", Name: string(id), Role: "student",
	}))
}

func tx(id string, typ ledger.TransactionType, points int, period string) ledger.Transaction {
	return ledger.Transaction{
		ID:          ledger.TransactionID(id),
		SiteID:      "site-1",
		StudentID:   "stu-1",
		Type:        typ,
		Points:      points,
		AwardPeriod: period,
		CreatedAt:   time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// ATOMIC PROCEDURE
// =============================================================================

func TestPostgres_ApplyAtomic_MovesBalance(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	seedStudent(t, s, "stu-1")

	// WHEN: A credit and a debit are applied through the procedure
	bal, err := s.ApplyAtomic(ctx, tx("t1", ledger.TxEntry, 5, "2025-03-10"), false)
	require.NoError(t, err)
	assert.Equal(t, 5, bal)

	bal, err = s.ApplyAtomic(ctx, tx("t2", ledger.TxConsumption, -3, ""), true)
	require.NoError(t, err)

	// THEN: Balance equals the ledger sum
	assert.Equal(t, 2, bal)
	sum, err := s.SumPoints(ctx, "site-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum)
}

func TestPostgres_ApplyAtomic_InsufficientBalance(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	seedStudent(t, s, "stu-1")

	_, err := s.ApplyAtomic(ctx, tx("t1", ledger.TxAdminAdd, 2, ""), false)
	require.NoError(t, err)

	// WHEN: Debiting more than the balance
	_, err = s.ApplyAtomic(ctx, tx("t2", ledger.TxConsumption, -5, ""), true)

	// THEN: Rejected with the available amount, nothing written
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, 2, ib.Available)
	assert.Equal(t, 5, ib.Requested)

	n, err := s.CountTransactions(ctx, ledger.TransactionFilter{SiteID: "site-1", StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgres_ApplyAtomic_DuplicateAwardPeriod(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	seedStudent(t, s, "stu-1")

	_, err := s.ApplyAtomic(ctx, tx("t1", ledger.TxEntry, 1, "2025-03-10"), false)
	require.NoError(t, err)

	_, err = s.ApplyAtomic(ctx, tx("t2", ledger.TxEntry, 1, "2025-03-10"), false)
	assert.ErrorIs(t, err, ledger.ErrDuplicateAward)

	bal, err := s.Balance(ctx, "site-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, bal)
}

func TestPostgres_ApplyAtomic_UnknownStudent(t *testing.T) {
	s := setupStore(t, Options{})

	_, err := s.ApplyAtomic(context.Background(), tx("t1", ledger.TxEntry, 1, ""), false)
	assert.ErrorIs(t, err, ledger.ErrStudentNotFound)
}

// =============================================================================
// SCHEMA VARIANTS
// =============================================================================

func TestPostgres_SkipProcedure_ReportsUnavailable(t *testing.T) {
	s := setupStore(t, Options{SkipProcedure: true})
	seedStudent(t, s, "stu-1")

	_, err := s.ApplyAtomic(context.Background(), tx("t1", ledger.TxEntry, 1, ""), false)
	assert.ErrorIs(t, err, ledger.ErrAtomicUnavailable)
}

func TestPostgres_LegacySchema_ReportsOptionalColumn(t *testing.T) {
	s := setupStore(t, Options{LegacySchema: true})
	ctx := context.Background()
	seedStudent(t, s, "stu-1")

	withAdmin := tx("t1", ledger.TxAdminAdd, 3, "")
	withAdmin.AdminID = "admin-1"

	// Both write paths report the missing column
	_, err := s.ApplyAtomic(ctx, withAdmin, false)
	assert.ErrorIs(t, err, ledger.ErrOptionalColumn)
	assert.ErrorIs(t, s.InsertTransaction(ctx, withAdmin), ledger.ErrOptionalColumn)

	// Without the admin the same write succeeds and reads back
	withAdmin.AdminID = ""
	_, err = s.ApplyAtomic(ctx, withAdmin, false)
	require.NoError(t, err)

	txs, err := s.Transactions(ctx, "site-1", "stu-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Empty(t, txs[0].AdminID)
}

// =============================================================================
// SNAPSHOTS AND AUDIT
// =============================================================================

func TestPostgres_SnapshotRoundTrip(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	seedStudent(t, s, "stu-1")
	seedStudent(t, s, "stu-2")
	require.NoError(t, s.SetBalance(ctx, "site-1", "stu-1", 7))

	entries, err := s.CaptureBalances(ctx, "site-1")
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, ledger.Snapshot{
		ID: "snap-1", SiteID: "site-1", Name: "before", CreatedAt: time.Now(), Entries: entries,
	}))

	require.NoError(t, s.SetBalance(ctx, "site-1", "stu-1", 100))

	snap, err := s.Snapshot(ctx, "site-1", "snap-1")
	require.NoError(t, err)
	n, err := s.RestoreBalances(ctx, "site-1", snap.Entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bal, err := s.Balance(ctx, "site-1", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 7, bal)

	require.NoError(t, s.DeleteSnapshot(ctx, "site-1", "snap-1"))
	_, err = s.Snapshot(ctx, "site-1", "snap-1")
	assert.ErrorIs(t, err, ledger.ErrSnapshotNotFound)
}

func TestPostgres_RecordAccessEvent_RejectsDuplicateID(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	seedStudent(t, s, "stu-1")
	ev := ledger.AccessEvent{
		ID: "scan-1", SiteID: "site-1", StudentID: "stu-1", Kind: ledger.AccessEntry,
		OccurredAt: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
	}

	require.NoError(t, s.RecordAccessEvent(ctx, ev))
	ev.OccurredAt = ev.OccurredAt.Add(24 * time.Hour)
	assert.ErrorIs(t, s.RecordAccessEvent(ctx, ev), ledger.ErrDuplicateAccessEvent)

	n, err := s.CountAccessEvents(ctx, "site-1", "stu-1", ledger.AccessEntry, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgres_AuditEntries_NewestFirst(t *testing.T) {
	s := setupStore(t, Options{})
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendAudit(ctx, ledger.AuditEntry{
		ID: "a1", SiteID: "site-1", Action: ledger.AuditSnapshotCreate, At: base,
	}))
	require.NoError(t, s.AppendAudit(ctx, ledger.AuditEntry{
		ID: "a2", SiteID: "site-1", ActorID: "admin-1", Action: ledger.AuditSnapshotRestore,
		Payload: map[string]any{"restored": 3}, At: base.Add(time.Hour),
	}))

	entries, err := s.AuditEntries(ctx, "site-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a2", entries[0].ID)
	assert.Equal(t, ledger.AdminID("admin-1"), entries[0].ActorID)
	assert.EqualValues(t, 3, entries[0].Payload["restored"])
}
