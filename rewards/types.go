/*
Package rewards decides when a student earns attendance points.

PURPOSE:
  Turns an entry event into ledger grants. Two grant kinds exist:
  - Entry grant: a flat amount for the first check-in of a local day
  - Monthly bonus: a one-off amount once the month's entry count reaches
    the student's threshold

RULE PRECEDENCE (config.go):
  1. Per-student override
  2. Class configuration (enabled, positive values)
  3. System defaults

EXAMPLE FLOW (threshold 4, bonus 3, entry 1):
  Day 1..3: entry grant only                         balance 1, 2, 3
  Day 4:    entry grant, count reaches 4, bonus +3   balance 7
  Day 5:    entry grant, bonus already granted       balance 8

SEE ALSO:
  - config.go:      Bonus rule resolution
  - eligibility.go: Read-only grant predicates
  - accrual.go:     The orchestrator that writes grants
*/
package rewards

// =============================================================================
// DEFAULTS
// =============================================================================

// Defaults are the system-wide accrual settings.
type Defaults struct {
	EntryPoints    int
	BonusThreshold int
	BonusPoints    int

	// PointsRole is the roster role that earns points; other roles are skipped.
	PointsRole string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Defaults {
	return Defaults{
		EntryPoints:    1,
		BonusThreshold: 10,
		BonusPoints:    5,
		PointsRole:     "student",
	}
}

// withFallbacks replaces non-positive values with the built-in defaults.
func (d Defaults) withFallbacks() Defaults {
	base := DefaultSettings()
	if d.EntryPoints <= 0 {
		d.EntryPoints = base.EntryPoints
	}
	if d.BonusThreshold <= 0 {
		d.BonusThreshold = base.BonusThreshold
	}
	if d.BonusPoints <= 0 {
		d.BonusPoints = base.BonusPoints
	}
	if d.PointsRole == "" {
		d.PointsRole = base.PointsRole
	}
	return d
}

// =============================================================================
// BONUS RULE
// =============================================================================

type RuleSource string

const (
	SourceOverride RuleSource = "override"
	SourceClass    RuleSource = "class"
	SourceDefault  RuleSource = "default"
)

// BonusRule is the effective monthly bonus configuration for one student.
type BonusRule struct {
	Threshold   int        `json:"threshold"`
	BonusPoints int        `json:"bonus_points"`
	Source      RuleSource `json:"source"`
}
