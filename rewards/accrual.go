/*
accrual.go - Entry event accrual

PURPOSE:
  Runs after an entry event has been recorded and writes the grants the
  student earned with it.

STEPS:
  1. Load the student; non points-earning roles are skipped
  2. Entry grant if none was made since local midnight
  3. Monthly bonus if the month's entry count reached the threshold and
     no bonus was made since the start of the local month

FAILURE HANDLING:
  The access event is authoritative and already stored. A failed grant is
  logged and dropped; it never fails the check-in. ErrDuplicateAward means
  a concurrent event made the same grant first and is not a failure.

SEE ALSO:
  - eligibility.go:   The predicates in steps 2 and 3
  - config.go:        Threshold and bonus resolution
  - ledger/writer.go: The write path for grants
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/attendance-points/ledger"
	"github.com/warp/attendance-points/metrics"
)

var ErrInvalidAccessKind = errors.New("access kind must be entry or exit")

// EntryEvent identifies the access event that triggers accrual.
type EntryEvent struct {
	SiteID        ledger.SiteID
	StudentID     ledger.StudentID
	AccessEventID string
}

// AccrualResult reports which grants were written.
type AccrualResult struct {
	EntryGranted   bool       `json:"entry_granted"`
	BonusGranted   bool       `json:"bonus_granted"`
	EntryPoints    int        `json:"entry_points,omitempty"`
	BonusPoints    int        `json:"bonus_points,omitempty"`
	MonthlyEntries int        `json:"monthly_entries"`
	Rule           *BonusRule `json:"rule,omitempty"`
	Skipped        bool       `json:"skipped,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
}

// AccessRequest is one scanned entry or exit.
type AccessRequest struct {
	SiteID    ledger.SiteID
	StudentID ledger.StudentID
	Kind      ledger.AccessKind

	// EventID is optional; a new id is generated when empty.
	EventID string
}

// CheckIn is the stored access event and the accrual it triggered.
type CheckIn struct {
	Event   ledger.AccessEvent `json:"event"`
	Accrual AccrualResult      `json:"accrual"`

	// Replayed is set when the event id was already recorded. Nothing is
	// stored or granted a second time.
	Replayed bool `json:"replayed,omitempty"`
}

// OrchestratorConfig wires an Orchestrator. Now must be the same clock the
// writer uses.
type OrchestratorConfig struct {
	Roster   ledger.Roster
	Store    ledger.Store
	Access   ledger.AccessLog
	Writer   *ledger.Writer
	Calendar ledger.Calendar
	Defaults Defaults
	Now      func() time.Time
	Logger   zerolog.Logger
}

type Orchestrator struct {
	roster      ledger.Roster
	access      ledger.AccessLog
	writer      *ledger.Writer
	eligibility *Eligibility
	resolver    *ConfigResolver
	calendar    ledger.Calendar
	defaults    Defaults
	now         func() time.Time
	logger      zerolog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	defaults := cfg.Defaults.withFallbacks()
	return &Orchestrator{
		roster:      cfg.Roster,
		access:      cfg.Access,
		writer:      cfg.Writer,
		eligibility: NewEligibility(cfg.Store, cfg.Access, cfg.Calendar),
		resolver:    NewConfigResolver(cfg.Roster, defaults, cfg.Logger),
		calendar:    cfg.Calendar,
		defaults:    defaults,
		now:         now,
		logger:      cfg.Logger,
	}
}

// RecordAccess stores the access event and, for an entry, runs accrual.
// Only a failure to store the event is returned; accrual problems are
// logged and reported in the result.
func (o *Orchestrator) RecordAccess(ctx context.Context, req AccessRequest) (CheckIn, error) {
	if req.Kind != ledger.AccessEntry && req.Kind != ledger.AccessExit {
		return CheckIn{}, ErrInvalidAccessKind
	}
	if _, err := o.roster.Student(ctx, req.SiteID, req.StudentID); err != nil {
		return CheckIn{}, err
	}

	ev := ledger.AccessEvent{
		ID:         req.EventID,
		SiteID:     req.SiteID,
		StudentID:  req.StudentID,
		Kind:       req.Kind,
		OccurredAt: o.now().UTC(),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := o.access.RecordAccessEvent(ctx, ev); err != nil {
		if errors.Is(err, ledger.ErrDuplicateAccessEvent) {
			o.logger.Debug().
				Str("site_id", string(req.SiteID)).
				Str("event_id", ev.ID).
				Msg("Access event replayed")
			return CheckIn{
				Event:    ev,
				Accrual:  AccrualResult{Skipped: true, SkipReason: "event already recorded"},
				Replayed: true,
			}, nil
		}
		return CheckIn{}, fmt.Errorf("recording access event: %w", err)
	}

	out := CheckIn{Event: ev}
	if req.Kind != ledger.AccessEntry {
		out.Accrual = AccrualResult{Skipped: true, SkipReason: "exit event"}
		return out, nil
	}

	res, err := o.RecordEntryEvent(ctx, EntryEvent{SiteID: req.SiteID, StudentID: req.StudentID, AccessEventID: ev.ID})
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("site_id", string(req.SiteID)).
			Str("student_id", string(req.StudentID)).
			Msg("Accrual failed after access event")
		res = AccrualResult{Skipped: true, SkipReason: "accrual failed"}
	}
	out.Accrual = res
	return out, nil
}

// RecordEntryEvent writes the entry grant and monthly bonus earned by one
// entry event. The only error returned is a failure to load the student.
func (o *Orchestrator) RecordEntryEvent(ctx context.Context, ev EntryEvent) (AccrualResult, error) {
	st, err := o.roster.Student(ctx, ev.SiteID, ev.StudentID)
	if err != nil {
		return AccrualResult{}, err
	}
	if st.Role != o.defaults.PointsRole {
		return AccrualResult{Skipped: true, SkipReason: "role " + st.Role + " does not earn points"}, nil
	}

	now := o.now()
	log := o.logger.With().
		Str("site_id", string(ev.SiteID)).
		Str("student_id", string(ev.StudentID)).
		Str("event_id", ev.AccessEventID).
		Logger()

	var res AccrualResult
	res.EntryGranted = o.grantEntry(ctx, log, ev, now)
	if res.EntryGranted {
		res.EntryPoints = o.defaults.EntryPoints
	}

	rule := o.resolver.Resolve(ctx, st)
	res.Rule = &rule
	res.BonusGranted, res.MonthlyEntries = o.grantBonus(ctx, log, ev, rule, now)
	if res.BonusGranted {
		res.BonusPoints = rule.BonusPoints
	}
	return res, nil
}

func (o *Orchestrator) grantEntry(ctx context.Context, log zerolog.Logger, ev EntryEvent, now time.Time) bool {
	granted, err := o.eligibility.HasReceivedEntryGrantToday(ctx, ev.SiteID, ev.StudentID, now)
	if err != nil {
		metrics.AccrualGrants.WithLabelValues("entry", "failed").Inc()
		log.Error().Err(err).Msg("Entry grant check failed")
		return false
	}
	if granted {
		return false
	}

	_, err = o.writer.AddPoints(ctx, ledger.Credit{
		SiteID:      ev.SiteID,
		StudentID:   ev.StudentID,
		Points:      o.defaults.EntryPoints,
		Type:        ledger.TxEntry,
		Description: "Daily entry",
		ReferenceID: ev.AccessEventID,
		AwardPeriod: o.calendar.DayKey(ev.SiteID, now),
	})
	return o.recordOutcome(log, "entry", err)
}

func (o *Orchestrator) grantBonus(ctx context.Context, log zerolog.Logger, ev EntryEvent, rule BonusRule, now time.Time) (bool, int) {
	count, err := o.eligibility.MonthlyEntryCount(ctx, ev.SiteID, ev.StudentID, now)
	if err != nil {
		metrics.AccrualGrants.WithLabelValues("bonus", "failed").Inc()
		log.Error().Err(err).Msg("Monthly entry count failed")
		return false, 0
	}
	if count < rule.Threshold {
		return false, count
	}

	granted, err := o.eligibility.HasReceivedBonusThisMonth(ctx, ev.SiteID, ev.StudentID, now)
	if err != nil {
		metrics.AccrualGrants.WithLabelValues("bonus", "failed").Inc()
		log.Error().Err(err).Msg("Bonus grant check failed")
		return false, count
	}
	if granted {
		return false, count
	}

	_, err = o.writer.AddPoints(ctx, ledger.Credit{
		SiteID:      ev.SiteID,
		StudentID:   ev.StudentID,
		Points:      rule.BonusPoints,
		Type:        ledger.TxBonus,
		Description: fmt.Sprintf("Monthly attendance bonus (%d entries)", rule.Threshold),
		ReferenceID: ev.AccessEventID,
		AwardPeriod: o.calendar.MonthKey(ev.SiteID, now),
	})
	return o.recordOutcome(log, "bonus", err), count
}

func (o *Orchestrator) recordOutcome(log zerolog.Logger, kind string, err error) bool {
	switch {
	case err == nil:
		metrics.AccrualGrants.WithLabelValues(kind, "granted").Inc()
		log.Info().Str("grant", kind).Msg("Points granted")
		return true
	case errors.Is(err, ledger.ErrDuplicateAward):
		metrics.AccrualGrants.WithLabelValues(kind, "duplicate").Inc()
		log.Debug().Str("grant", kind).Msg("Grant already made by a concurrent event")
		return false
	default:
		metrics.AccrualGrants.WithLabelValues(kind, "failed").Inc()
		log.Error().Err(err).Str("grant", kind).Msg("Grant failed")
		return false
	}
}
