// Package store provides the in-memory ledger backend.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/attendance-points/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Backend and ledger.AtomicStore.
//
// AtomicDisabled makes ApplyAtomic report ErrAtomicUnavailable, as a
// database without the procedure would. LegacySchema rejects transactions
// that carry an AdminID with ErrOptionalColumn, as a schema without the
// admin_id column would. Set both before use.
type Memory struct {
	AtomicDisabled bool
	LegacySchema   bool

	mu           sync.RWMutex
	students     map[studentKey]ledger.Student
	transactions []ledger.Transaction
	awards       map[awardKey]ledger.TransactionID
	classes      map[classKey]ledger.ClassThreshold
	events       []ledger.AccessEvent
	eventIDs     map[string]struct{}
	snapshots    map[snapshotKey]ledger.Snapshot
	audit        []ledger.AuditEntry
}

type studentKey struct {
	SiteID    ledger.SiteID
	StudentID ledger.StudentID
}

type awardKey struct {
	studentKey
	Type   ledger.TransactionType
	Period string
}

type classKey struct {
	SiteID ledger.SiteID
	Class  string
}

type snapshotKey struct {
	SiteID ledger.SiteID
	ID     ledger.SnapshotID
}

var (
	_ ledger.Backend     = (*Memory)(nil)
	_ ledger.AtomicStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		students:  make(map[studentKey]ledger.Student),
		awards:    make(map[awardKey]ledger.TransactionID),
		classes:   make(map[classKey]ledger.ClassThreshold),
		eventIDs:  make(map[string]struct{}),
		snapshots: make(map[snapshotKey]ledger.Snapshot),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// TRANSACTIONS AND BALANCES
// =============================================================================

func (m *Memory) InsertTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx)
}

func (m *Memory) insertLocked(tx ledger.Transaction) error {
	if m.LegacySchema && tx.AdminID != "" {
		return ledger.ErrOptionalColumn
	}
	if _, ok := m.students[studentKey{tx.SiteID, tx.StudentID}]; !ok {
		return ledger.ErrStudentNotFound
	}
	if tx.AwardPeriod != "" {
		k := awardKey{studentKey{tx.SiteID, tx.StudentID}, tx.Type, tx.AwardPeriod}
		if _, dup := m.awards[k]; dup {
			return ledger.ErrDuplicateAward
		}
		m.awards[k] = tx.ID
	}
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *Memory) DeleteTransaction(_ context.Context, siteID ledger.SiteID, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, tx := range m.transactions {
		if tx.SiteID != siteID || tx.ID != id {
			continue
		}
		if tx.AwardPeriod != "" {
			delete(m.awards, awardKey{studentKey{tx.SiteID, tx.StudentID}, tx.Type, tx.AwardPeriod})
		}
		m.transactions = append(m.transactions[:i], m.transactions[i+1:]...)
		return nil
	}
	return ledger.ErrTransactionNotFound
}

// ApplyAtomic inserts and moves the balance under one lock.
func (m *Memory) ApplyAtomic(_ context.Context, tx ledger.Transaction, requireFunds bool) (int, error) {
	if m.AtomicDisabled {
		return 0, ledger.ErrAtomicUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := studentKey{tx.SiteID, tx.StudentID}
	st, ok := m.students[k]
	if !ok {
		return 0, ledger.ErrStudentNotFound
	}
	if requireFunds && st.CurrentPoints+tx.Points < 0 {
		return 0, &ledger.InsufficientBalanceError{StudentID: tx.StudentID, Available: st.CurrentPoints, Requested: -tx.Points}
	}
	if err := m.insertLocked(tx); err != nil {
		return 0, err
	}
	st.CurrentPoints += tx.Points
	m.students[k] = st
	return st.CurrentPoints, nil
}

func (m *Memory) Balance(_ context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.students[studentKey{siteID, studentID}]
	if !ok {
		return 0, ledger.ErrStudentNotFound
	}
	return st.CurrentPoints, nil
}

func (m *Memory) SetBalance(_ context.Context, siteID ledger.SiteID, studentID ledger.StudentID, points int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := studentKey{siteID, studentID}
	st, ok := m.students[k]
	if !ok {
		return ledger.ErrStudentNotFound
	}
	st.CurrentPoints = points
	m.students[k] = st
	return nil
}

func (m *Memory) Transactions(_ context.Context, siteID ledger.SiteID, studentID ledger.StudentID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Transaction
	for _, tx := range m.transactions {
		if tx.SiteID == siteID && tx.StudentID == studentID {
			result = append(result, tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) CountTransactions(_ context.Context, filter ledger.TransactionFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, tx := range m.transactions {
		if filter.Matches(tx) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SumPoints(_ context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := 0
	for _, tx := range m.transactions {
		if tx.SiteID == siteID && tx.StudentID == studentID {
			sum += tx.Points
		}
	}
	return sum, nil
}

// =============================================================================
// ROSTER
// =============================================================================

func (m *Memory) Student(_ context.Context, siteID ledger.SiteID, studentID ledger.StudentID) (ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.students[studentKey{siteID, studentID}]
	if !ok {
		return ledger.Student{}, ledger.ErrStudentNotFound
	}
	return st, nil
}

func (m *Memory) ListStudents(_ context.Context, siteID ledger.SiteID) ([]ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Student
	for k, st := range m.students {
		if k.SiteID == siteID {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ClassThreshold(_ context.Context, siteID ledger.SiteID, class string) (ledger.ClassThreshold, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.classes[classKey{siteID, class}]
	return cfg, ok, nil
}

func (m *Memory) Sites(_ context.Context) ([]ledger.SiteID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[ledger.SiteID]bool)
	var result []ledger.SiteID
	for k := range m.students {
		if !seen[k.SiteID] {
			seen[k.SiteID] = true
			result = append(result, k.SiteID)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

func (m *Memory) SaveStudent(_ context.Context, s ledger.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := studentKey{s.SiteID, s.ID}
	if existing, ok := m.students[k]; ok {
		s.CurrentPoints = existing.CurrentPoints
	}
	m.students[k] = s
	return nil
}

func (m *Memory) SaveClassThreshold(_ context.Context, c ledger.ClassThreshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.classes[classKey{c.SiteID, c.Class}] = c
	return nil
}

// =============================================================================
// ACCESS LOG
// =============================================================================

func (m *Memory) RecordAccessEvent(_ context.Context, ev ledger.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eventIDs[ev.ID]; ok {
		return ledger.ErrDuplicateAccessEvent
	}
	m.eventIDs[ev.ID] = struct{}{}
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) CountAccessEvents(_ context.Context, siteID ledger.SiteID, studentID ledger.StudentID, kind ledger.AccessKind, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ev := range m.events {
		if ev.SiteID == siteID && ev.StudentID == studentID && ev.Kind == kind && !ev.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) CaptureBalances(ctx context.Context, siteID ledger.SiteID) ([]ledger.SnapshotEntry, error) {
	students, err := m.ListStudents(ctx, siteID)
	if err != nil {
		return nil, err
	}
	entries := make([]ledger.SnapshotEntry, 0, len(students))
	for _, st := range students {
		entries = append(entries, ledger.SnapshotEntry{StudentID: st.ID, Points: st.CurrentPoints})
	}
	return entries, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.Entries = append([]ledger.SnapshotEntry(nil), snap.Entries...)
	snap.EntryCount = len(snap.Entries)
	m.snapshots[snapshotKey{snap.SiteID, snap.ID}] = snap
	return nil
}

func (m *Memory) Snapshot(_ context.Context, siteID ledger.SiteID, id ledger.SnapshotID) (ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[snapshotKey{siteID, id}]
	if !ok {
		return ledger.Snapshot{}, ledger.ErrSnapshotNotFound
	}
	snap.Entries = append([]ledger.SnapshotEntry(nil), snap.Entries...)
	return snap, nil
}

func (m *Memory) ListSnapshots(_ context.Context, siteID ledger.SiteID) ([]ledger.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Snapshot
	for k, snap := range m.snapshots {
		if k.SiteID == siteID {
			snap.Entries = nil
			result = append(result, snap)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) DeleteSnapshot(_ context.Context, siteID ledger.SiteID, id ledger.SnapshotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := snapshotKey{siteID, id}
	if _, ok := m.snapshots[k]; !ok {
		return ledger.ErrSnapshotNotFound
	}
	delete(m.snapshots, k)
	return nil
}

func (m *Memory) RestoreBalances(_ context.Context, siteID ledger.SiteID, entries []ledger.SnapshotEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range entries {
		k := studentKey{siteID, e.StudentID}
		st, ok := m.students[k]
		if !ok {
			continue
		}
		st.CurrentPoints = e.Points
		m.students[k] = st
		n++
	}
	return n, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// AuditEntries returns the newest entries first. limit <= 0 returns all.
func (m *Memory) AuditEntries(_ context.Context, siteID ledger.SiteID, limit int) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].SiteID != siteID {
			continue
		}
		result = append(result, m.audit[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
