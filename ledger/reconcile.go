/*
reconcile.go - Balance verification and repair

PURPOSE:
  Recomputes each student's balance from the ledger and compares it with
  the stored CurrentPoints. With AutoFix the stored value is overwritten
  with the ledger sum. This is the only repair for drift left by the
  two-step write path.

PROPERTIES:
  - Idempotent: a second auto-fix run over an unchanged ledger fixes nothing
  - Per-student failures are recorded in the report; the batch continues
  - Auto-fix runs are audited

LIMITATION:
  A write landing between the read of the ledger sum and the balance
  overwrite is reverted by the overwrite and reappears as drift on the
  next run.

SEE ALSO:
  - writer.go: TwoStepMutator, the source of drift
  - api/scheduler.go: Periodic report-only verification
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/attendance-points/metrics"
)

// VerifyRequest scopes a run. An empty StudentID verifies the whole site.
type VerifyRequest struct {
	SiteID    SiteID
	StudentID StudentID
	AutoFix   bool
	ActorID   AdminID
}

type VerificationResult struct {
	StudentID  StudentID `json:"student_id"`
	Stored     int       `json:"stored"`
	Expected   int       `json:"expected"`
	Difference int       `json:"difference"`
	Correct    bool      `json:"correct"`
	Fixed      bool      `json:"fixed"`
	Error      string    `json:"error,omitempty"`
}

type VerificationSummary struct {
	Total     int `json:"total"`
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
	Fixed     int `json:"fixed"`
	Failed    int `json:"failed"`
}

type VerificationReport struct {
	SiteID  SiteID               `json:"site_id"`
	RunAt   time.Time            `json:"run_at"`
	AutoFix bool                 `json:"auto_fix"`
	Results []VerificationResult `json:"results"`
	Summary VerificationSummary  `json:"summary"`
}

// Mismatches returns the results whose stored balance differed.
func (r VerificationReport) Mismatches() []VerificationResult {
	var out []VerificationResult
	for _, res := range r.Results {
		if res.Difference != 0 {
			out = append(out, res)
		}
	}
	return out
}

type Reconciler struct {
	store  Store
	roster Roster
	audit  AuditLog
	now    func() time.Time
	logger zerolog.Logger
}

func NewReconciler(store Store, roster Roster, audit AuditLog, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, roster: roster, audit: audit, now: time.Now, logger: logger}
}

// Run verifies the requested students. It fails only when the student set
// cannot be loaded; everything after that is reported per student.
func (r *Reconciler) Run(ctx context.Context, req VerifyRequest) (VerificationReport, error) {
	report := VerificationReport{SiteID: req.SiteID, RunAt: r.now().UTC(), AutoFix: req.AutoFix}

	var ids []StudentID
	if req.StudentID != "" {
		if _, err := r.roster.Student(ctx, req.SiteID, req.StudentID); err != nil {
			return report, err
		}
		ids = []StudentID{req.StudentID}
	} else {
		students, err := r.roster.ListStudents(ctx, req.SiteID)
		if err != nil {
			return report, fmt.Errorf("listing students: %w", err)
		}
		for _, st := range students {
			ids = append(ids, st.ID)
		}
	}

	report.Results = make([]VerificationResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := r.verifyOne(ctx, req.SiteID, id, req.AutoFix)
		report.Results = append(report.Results, res)
		report.Summary.add(res)
	}

	if report.Summary.Incorrect > 0 {
		metrics.ReconcileMismatches.Add(float64(report.Summary.Incorrect))
	}
	if report.Summary.Fixed > 0 {
		metrics.ReconcileFixes.Add(float64(report.Summary.Fixed))
	}

	r.logger.Info().
		Str("site_id", string(req.SiteID)).
		Bool("auto_fix", req.AutoFix).
		Int("total", report.Summary.Total).
		Int("incorrect", report.Summary.Incorrect).
		Int("fixed", report.Summary.Fixed).
		Int("failed", report.Summary.Failed).
		Msg("Balance verification finished")

	if req.AutoFix {
		appendAudit(ctx, r.audit, r.now, r.logger, AuditEntry{
			SiteID:  req.SiteID,
			ActorID: req.ActorID,
			Action:  AuditReconciliation,
			Target:  string(req.StudentID),
			Payload: map[string]any{
				"total":     report.Summary.Total,
				"incorrect": report.Summary.Incorrect,
				"fixed":     report.Summary.Fixed,
				"failed":    report.Summary.Failed,
			},
		})
	}
	return report, nil
}

func (r *Reconciler) verifyOne(ctx context.Context, siteID SiteID, studentID StudentID, autoFix bool) VerificationResult {
	res := VerificationResult{StudentID: studentID}

	expected, err := r.store.SumPoints(ctx, siteID, studentID)
	if err != nil {
		return r.failed(res, siteID, err)
	}
	stored, err := r.store.Balance(ctx, siteID, studentID)
	if err != nil {
		return r.failed(res, siteID, err)
	}

	res.Stored = stored
	res.Expected = expected
	res.Difference = stored - expected
	res.Correct = res.Difference == 0
	if res.Correct || !autoFix {
		return res
	}

	if err := r.store.SetBalance(ctx, siteID, studentID, expected); err != nil {
		return r.failed(res, siteID, err)
	}
	res.Fixed = true
	r.logger.Warn().
		Str("site_id", string(siteID)).
		Str("student_id", string(studentID)).
		Int("stored", stored).
		Int("expected", expected).
		Msg("Balance corrected from ledger")
	return res
}

func (r *Reconciler) failed(res VerificationResult, siteID SiteID, err error) VerificationResult {
	res.Error = err.Error()
	r.logger.Error().
		Err(err).
		Str("site_id", string(siteID)).
		Str("student_id", string(res.StudentID)).
		Msg("Balance verification failed for student")
	return res
}

func (s *VerificationSummary) add(res VerificationResult) {
	s.Total++
	switch {
	case res.Correct:
		s.Correct++
	case res.Error != "":
		s.Failed++
		if res.Difference != 0 {
			s.Incorrect++
		}
	default:
		s.Incorrect++
		if res.Fixed {
			s.Fixed++
		}
	}
}
