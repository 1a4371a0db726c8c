package rewards

import (
	"context"
	"time"

	"github.com/warp/attendance-points/ledger"
)

// =============================================================================
// ELIGIBILITY - Read-only grant predicates
// =============================================================================

// Eligibility answers whether a grant has already been made in the current
// local day or month. Answers can be stale by the time a grant is written;
// the store's award period uniqueness is what prevents double grants.
type Eligibility struct {
	store    ledger.Store
	access   ledger.AccessLog
	calendar ledger.Calendar
}

func NewEligibility(store ledger.Store, access ledger.AccessLog, calendar ledger.Calendar) *Eligibility {
	return &Eligibility{store: store, access: access, calendar: calendar}
}

// HasReceivedEntryGrantToday reports whether a positive entry transaction
// exists since local midnight.
func (e *Eligibility) HasReceivedEntryGrantToday(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, now time.Time) (bool, error) {
	n, err := e.store.CountTransactions(ctx, ledger.TransactionFilter{
		SiteID:       siteID,
		StudentID:    studentID,
		Type:         ledger.TxEntry,
		Since:        e.calendar.StartOfDay(siteID, now),
		PositiveOnly: true,
	})
	return n > 0, err
}

// MonthlyEntryCount counts entry access events since the start of the
// local month, including the event being processed.
func (e *Eligibility) MonthlyEntryCount(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, now time.Time) (int, error) {
	return e.access.CountAccessEvents(ctx, siteID, studentID, ledger.AccessEntry, e.calendar.StartOfMonth(siteID, now))
}

// HasReceivedBonusThisMonth reports whether a bonus transaction exists
// since the start of the local month.
func (e *Eligibility) HasReceivedBonusThisMonth(ctx context.Context, siteID ledger.SiteID, studentID ledger.StudentID, now time.Time) (bool, error) {
	n, err := e.store.CountTransactions(ctx, ledger.TransactionFilter{
		SiteID:    siteID,
		StudentID: studentID,
		Type:      ledger.TxBonus,
		Since:     e.calendar.StartOfMonth(siteID, now),
	})
	return n > 0, err
}
