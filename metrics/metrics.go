// Package metrics holds the Prometheus collectors for the points ledger.
// Collectors register on the default registry, served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// LEDGER WRITER
// =============================================================================

// LedgerWrites counts committed ledger writes by transaction type and path.
var LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "writes_total",
	Help:      "Committed ledger writes by transaction type and write path (atomic, two_step).",
}, []string{"type", "path"})

// LedgerWriteFailures counts failed ledger writes by error code.
var LedgerWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "write_failures_total",
	Help:      "Failed ledger writes by error code.",
}, []string{"code"})

// AtomicFallbacks counts writes that fell back to the two-step path.
var AtomicFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "atomic_fallbacks_total",
	Help:      "Writes that fell back to insert-then-update because the atomic procedure was unavailable.",
})

// Compensations counts compensating deletes by outcome.
var Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "compensations_total",
	Help:      "Compensating deletes after a failed balance update, by outcome (ok, failed).",
}, []string{"outcome"})

// AttributionDropped counts writes retried without the admin attribution column.
var AttributionDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "ledger",
	Name:      "attribution_dropped_total",
	Help:      "Admin-attributed writes retried without admin_id because the column is absent.",
})

// =============================================================================
// ACCRUAL
// =============================================================================

// AccrualGrants counts accrual decisions by grant kind and outcome.
var AccrualGrants = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "accrual",
	Name:      "grants_total",
	Help:      "Accrual grants by kind (entry, bonus) and outcome (granted, duplicate, failed).",
}, []string{"kind", "outcome"})

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileMismatches counts students whose stored balance differed from the ledger sum.
var ReconcileMismatches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "reconcile",
	Name:      "mismatches_total",
	Help:      "Students found with stored balance different from the ledger sum.",
})

// ReconcileFixes counts balances corrected by auto-fix.
var ReconcileFixes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "points",
	Subsystem: "reconcile",
	Name:      "fixes_total",
	Help:      "Balances overwritten with the ledger sum by auto-fix runs.",
})
