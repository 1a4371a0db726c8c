package ledger

import "time"

// =============================================================================
// CALENDAR - Site-local day and month boundaries
// =============================================================================

// Calendar resolves day and month boundaries in each site's time zone.
// A school day starts at local midnight, not UTC midnight.
type Calendar struct {
	Default *time.Location
	Sites   map[SiteID]*time.Location
}

// NewCalendar returns a calendar with loc as the default zone.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{Default: loc, Sites: make(map[SiteID]*time.Location)}
}

// Location returns the zone configured for the site.
func (c Calendar) Location(siteID SiteID) *time.Location {
	if loc, ok := c.Sites[siteID]; ok && loc != nil {
		return loc
	}
	if c.Default != nil {
		return c.Default
	}
	return time.UTC
}

// StartOfDay returns local midnight of the day containing t.
func (c Calendar) StartOfDay(siteID SiteID, t time.Time) time.Time {
	lt := t.In(c.Location(siteID))
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, lt.Location())
}

// StartOfMonth returns local midnight of the first day of the month containing t.
func (c Calendar) StartOfMonth(siteID SiteID, t time.Time) time.Time {
	lt := t.In(c.Location(siteID))
	return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, lt.Location())
}

// DayKey is the award period of an entry grant: YYYY-MM-DD, local.
func (c Calendar) DayKey(siteID SiteID, t time.Time) string {
	return t.In(c.Location(siteID)).Format("2006-01-02")
}

// MonthKey is the award period of a bonus grant: YYYY-MM, local.
func (c Calendar) MonthKey(siteID SiteID, t time.Time) string {
	return t.In(c.Location(siteID)).Format("2006-01")
}
