package rewards

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/warp/attendance-points/ledger"
)

// ConfigResolver resolves the effective bonus rule of a student.
type ConfigResolver struct {
	roster   ledger.Roster
	defaults Defaults
	logger   zerolog.Logger
}

func NewConfigResolver(roster ledger.Roster, defaults Defaults, logger zerolog.Logger) *ConfigResolver {
	return &ConfigResolver{roster: roster, defaults: defaults.withFallbacks(), logger: logger}
}

// Resolve never fails. A class lookup error is logged and treated as if
// the class had no configuration.
func (r *ConfigResolver) Resolve(ctx context.Context, st ledger.Student) BonusRule {
	class, hasClass := r.classRule(ctx, st)

	ov := st.Override
	if ov.HasOverride && ov.Threshold != nil && *ov.Threshold > 0 {
		rule := BonusRule{Threshold: *ov.Threshold, BonusPoints: r.defaults.BonusPoints, Source: SourceOverride}
		switch {
		case ov.BonusPoints != nil && *ov.BonusPoints > 0:
			rule.BonusPoints = *ov.BonusPoints
		case hasClass:
			rule.BonusPoints = class.BonusPoints
		}
		return rule
	}

	if hasClass {
		return class
	}
	return BonusRule{
		Threshold:   r.defaults.BonusThreshold,
		BonusPoints: r.defaults.BonusPoints,
		Source:      SourceDefault,
	}
}

// classRule returns the class configuration if it is usable: enabled with
// a positive threshold and positive bonus points.
func (r *ConfigResolver) classRule(ctx context.Context, st ledger.Student) (BonusRule, bool) {
	if st.Class == "" {
		return BonusRule{}, false
	}

	cfg, found, err := r.roster.ClassThreshold(ctx, st.SiteID, st.Class)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("site_id", string(st.SiteID)).
			Str("class", st.Class).
			Msg("Class threshold lookup failed, using defaults")
		return BonusRule{}, false
	}
	if !found || !cfg.Enabled || cfg.Threshold <= 0 || cfg.BonusPoints <= 0 {
		return BonusRule{}, false
	}
	return BonusRule{Threshold: cfg.Threshold, BonusPoints: cfg.BonusPoints, Source: SourceClass}, true
}
