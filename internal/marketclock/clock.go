// Package marketclock provides Eastern-time market calendar awareness:
// trading-day detection, the 09:30-15:50 trading window, and DTE math.
package marketclock

import (
	"fmt"
	"time"
)

// Default trading window bounds (ET). The end is deliberately ten minutes
// before the close so exits are never racing the bell.
const (
	DefaultOpen  = "09:30"
	DefaultClose = "15:50"
)

// Clock answers market-schedule questions in Eastern time.
type Clock struct {
	loc       *time.Location
	openHM    string
	closeHM   string
	// now is swappable for tests.
	now func() time.Time
}

// New creates a Clock for the given location and trading window.
func New(loc *time.Location, openHM, closeHM string) (*Clock, error) {
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("America/New_York")
		if err != nil {
			return nil, fmt.Errorf("loading eastern timezone: %w", err)
		}
	}
	if openHM == "" {
		openHM = DefaultOpen
	}
	if closeHM == "" {
		closeHM = DefaultClose
	}
	for _, hm := range []string{openHM, closeHM} {
		if _, err := time.Parse("15:04", hm); err != nil {
			return nil, fmt.Errorf("invalid trading window bound %q: %w", hm, err)
		}
	}
	return &Clock{loc: loc, openHM: openHM, closeHM: closeHM, now: time.Now}, nil
}

// WithNow overrides the time source, for tests.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	c.now = now
	return c
}

// NowET returns the current time in the market timezone.
func (c *Clock) NowET() time.Time {
	return c.now().In(c.loc)
}

// ToET converts t into the market timezone.
func (c *Clock) ToET(t time.Time) time.Time {
	return t.In(c.loc)
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *Clock) IsTradingDay(t time.Time) bool {
	et := t.In(c.loc)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isMarketHoliday(et)
}

// IsMarketHours reports whether t is within the trading window on a trading day.
func (c *Clock) IsMarketHours(t time.Time) bool {
	et := t.In(c.loc)
	if !c.IsTradingDay(et) {
		return false
	}
	open, _ := time.Parse("15:04", c.openHM)
	clos, _ := time.Parse("15:04", c.closeHM)
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= open.Hour()*60+open.Minute() && minutes < clos.Hour()*60+clos.Minute()
}

// AfterCutoff reports whether the ET wall-clock of t is at or past the
// "HH:MM" cutoff. Used by the time-exit rule.
func (c *Clock) AfterCutoff(t time.Time, cutoff string) (bool, error) {
	hm, err := time.Parse("15:04", cutoff)
	if err != nil {
		return false, fmt.Errorf("invalid cutoff %q: %w", cutoff, err)
	}
	et := t.In(c.loc)
	return et.Hour()*60+et.Minute() >= hm.Hour()*60+hm.Minute(), nil
}

// DTE returns calendar days between t and the expiration date, floored at zero.
func DTE(t, expiration time.Time) int {
	from := t.UTC().Truncate(24 * time.Hour)
	to := expiration.UTC().Truncate(24 * time.Hour)
	days := int(to.Sub(from).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// isMarketHoliday covers the fixed and floating full-day US equity market
// closures. Early-close half days are handled by the trading window itself.
func isMarketHoliday(et time.Time) bool {
	y, m, d := et.Date()

	switch {
	case m == time.January && d == 1: // New Year's Day
		return true
	case m == time.June && d == 19: // Juneteenth
		return true
	case m == time.July && d == 4: // Independence Day
		return true
	case m == time.December && d == 25: // Christmas
		return true
	}

	// Observed shifts: Sat holidays observed Friday, Sun observed Monday.
	wd := et.Weekday()
	if wd == time.Friday {
		next := et.AddDate(0, 0, 1)
		if isFixedHoliday(next.Month(), next.Day()) {
			return true
		}
	}
	if wd == time.Monday {
		prev := et.AddDate(0, 0, -1)
		if isFixedHoliday(prev.Month(), prev.Day()) {
			return true
		}
	}

	switch {
	case m == time.January && wd == time.Monday && nth(d) == 3: // MLK Day
		return true
	case m == time.February && wd == time.Monday && nth(d) == 3: // Presidents' Day
		return true
	case m == time.May && wd == time.Monday && d+7 > 31: // Memorial Day (last Monday)
		return true
	case m == time.September && wd == time.Monday && nth(d) == 1: // Labor Day
		return true
	case m == time.November && wd == time.Thursday && nth(d) == 4: // Thanksgiving
		return true
	}

	// Good Friday: two days before Easter Sunday.
	gf := goodFriday(y)
	return m == gf.Month() && d == gf.Day()
}

func isFixedHoliday(m time.Month, d int) bool {
	switch {
	case m == time.January && d == 1,
		m == time.June && d == 19,
		m == time.July && d == 4,
		m == time.December && d == 25:
		return true
	}
	return false
}

// nth returns which occurrence of its weekday a day-of-month is (1-based).
func nth(day int) int {
	return (day-1)/7 + 1
}

// goodFriday computes Good Friday via the anonymous Gregorian Easter algorithm.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return easter.AddDate(0, 0, -2)
}
