/*
scheduler.go - Scheduled balance verification

PURPOSE:
  Periodically runs reconciliation for every site so drift between the
  stored balances and the ledger is noticed without an admin asking.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Report-only unless AutoFix is set; fixes are audited as "scheduler"
  - A failing site is logged and does not stop the others

USAGE:
  scheduler := NewVerificationScheduler(backend, reconciler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunVerification endpoint (manual verification)
  - ledger/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/attendance-points/ledger"
)

const schedulerActor ledger.AdminID = "scheduler"

// VerificationScheduler runs reconciliation on a ticker.
type VerificationScheduler struct {
	Roster        ledger.Roster
	Reconciler    *ledger.Reconciler
	CheckInterval time.Duration
	AutoFix       bool
	Enabled       bool
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	resultsMu   sync.Mutex
	lastRun     time.Time
	lastReports []ledger.VerificationReport
}

// NewVerificationScheduler creates a scheduler with a one hour interval.
func NewVerificationScheduler(roster ledger.Roster, reconciler *ledger.Reconciler, logger zerolog.Logger) *VerificationScheduler {
	return &VerificationScheduler{
		Roster:        roster,
		Reconciler:    reconciler,
		CheckInterval: time.Hour,
		Enabled:       true,
		Logger:        logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (vs *VerificationScheduler) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !vs.Enabled || vs.CheckInterval <= 0 {
		vs.Logger.Info().Msg("Verification scheduler disabled")
		return
	}
	if vs.ticker != nil {
		return
	}

	vs.ticker = time.NewTicker(vs.CheckInterval)
	vs.stop = make(chan struct{})
	vs.wg.Add(1)
	go vs.run()

	vs.Logger.Info().Dur("interval", vs.CheckInterval).Bool("auto_fix", vs.AutoFix).Msg("Verification scheduler started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (vs *VerificationScheduler) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker != nil {
		vs.ticker.Stop()
		close(vs.stop)
		vs.wg.Wait()
		vs.ticker = nil
		vs.Logger.Info().Msg("Verification scheduler stopped")
	}
}

func (vs *VerificationScheduler) run() {
	defer vs.wg.Done()

	// Run immediately on start
	vs.check(context.Background())

	for {
		select {
		case <-vs.ticker.C:
			vs.check(context.Background())
		case <-vs.stop:
			return
		}
	}
}

// RunNow runs one verification pass over every site and returns the reports.
func (vs *VerificationScheduler) RunNow(ctx context.Context) []ledger.VerificationReport {
	return vs.check(ctx)
}

// LastRun returns when the last pass finished and its reports.
func (vs *VerificationScheduler) LastRun() (time.Time, []ledger.VerificationReport) {
	vs.resultsMu.Lock()
	defer vs.resultsMu.Unlock()
	return vs.lastRun, vs.lastReports
}

func (vs *VerificationScheduler) check(ctx context.Context) []ledger.VerificationReport {
	sites, err := vs.Roster.Sites(ctx)
	if err != nil {
		vs.Logger.Error().Err(err).Msg("Listing sites failed")
		return nil
	}

	var reports []ledger.VerificationReport
	for _, site := range sites {
		report, err := vs.Reconciler.Run(ctx, ledger.VerifyRequest{
			SiteID:  site,
			AutoFix: vs.AutoFix,
			ActorID: schedulerActor,
		})
		if err != nil {
			vs.Logger.Error().Err(err).Str("site_id", string(site)).Msg("Verification failed")
			continue
		}
		reports = append(reports, report)

		ev := vs.Logger.Info()
		if report.Summary.Incorrect > 0 {
			ev = vs.Logger.Warn()
		}
		ev.Str("site_id", string(site)).
			Int("total", report.Summary.Total).
			Int("incorrect", report.Summary.Incorrect).
			Int("fixed", report.Summary.Fixed).
			Int("failed", report.Summary.Failed).
			Msg("Verification completed")
	}

	vs.resultsMu.Lock()
	vs.lastRun = time.Now()
	vs.lastReports = reports
	vs.resultsMu.Unlock()
	return reports
}
