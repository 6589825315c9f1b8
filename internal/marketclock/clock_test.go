package marketclock

import (
	"testing"
	"time"
)

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading eastern timezone: %v", err)
	}
	return loc
}

func newClock(t *testing.T) *Clock {
	t.Helper()
	c, err := New(eastern(t), DefaultOpen, DefaultClose)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadWindow(t *testing.T) {
	if _, err := New(eastern(t), "9:99", DefaultClose); err == nil {
		t.Error("invalid open bound should fail")
	}
	if _, err := New(eastern(t), DefaultOpen, "25:00"); err == nil {
		t.Error("invalid close bound should fail")
	}
}

func TestIsMarketHours(t *testing.T) {
	c := newClock(t)
	loc := eastern(t)

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid-session Tuesday", time.Date(2026, 3, 10, 11, 0, 0, 0, loc), true},
		{"at the open", time.Date(2026, 3, 10, 9, 30, 0, 0, loc), true},
		{"one minute before the open", time.Date(2026, 3, 10, 9, 29, 0, 0, loc), false},
		{"at the window end", time.Date(2026, 3, 10, 15, 50, 0, 0, loc), false},
		{"one minute before the end", time.Date(2026, 3, 10, 15, 49, 0, 0, loc), true},
		{"Saturday", time.Date(2026, 3, 14, 11, 0, 0, 0, loc), false},
		{"Independence Day observed", time.Date(2026, 7, 3, 11, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.IsMarketHours(tc.at); got != tc.want {
				t.Errorf("IsMarketHours(%s) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestIsTradingDayHolidays(t *testing.T) {
	c := newClock(t)
	loc := eastern(t)

	holidays := []time.Time{
		time.Date(2026, 1, 1, 12, 0, 0, 0, loc),   // New Year's Day
		time.Date(2026, 1, 19, 12, 0, 0, 0, loc),  // MLK Day (third Monday)
		time.Date(2026, 2, 16, 12, 0, 0, 0, loc),  // Presidents' Day
		time.Date(2026, 4, 3, 12, 0, 0, 0, loc),   // Good Friday
		time.Date(2026, 5, 25, 12, 0, 0, 0, loc),  // Memorial Day (last Monday)
		time.Date(2026, 6, 19, 12, 0, 0, 0, loc),  // Juneteenth
		time.Date(2026, 7, 3, 12, 0, 0, 0, loc),   // July 4 falls Saturday, observed Friday
		time.Date(2026, 9, 7, 12, 0, 0, 0, loc),   // Labor Day
		time.Date(2026, 11, 26, 12, 0, 0, 0, loc), // Thanksgiving
		time.Date(2026, 12, 25, 12, 0, 0, 0, loc), // Christmas
	}
	for _, day := range holidays {
		if c.IsTradingDay(day) {
			t.Errorf("%s should be a market holiday", day.Format("2006-01-02"))
		}
	}

	ordinary := []time.Time{
		time.Date(2026, 3, 10, 12, 0, 0, 0, loc),
		time.Date(2026, 11, 27, 12, 0, 0, 0, loc), // day after Thanksgiving is a half day, still a trading day
	}
	for _, day := range ordinary {
		if !c.IsTradingDay(day) {
			t.Errorf("%s should be a trading day", day.Format("2006-01-02"))
		}
	}
}

func TestAfterCutoff(t *testing.T) {
	c := newClock(t)
	loc := eastern(t)

	at := time.Date(2026, 3, 10, 15, 30, 0, 0, loc)
	got, err := c.AfterCutoff(at, "15:30")
	if err != nil {
		t.Fatalf("AfterCutoff: %v", err)
	}
	if !got {
		t.Error("exactly at the cutoff should report true")
	}

	got, err = c.AfterCutoff(at.Add(-time.Minute), "15:30")
	if err != nil {
		t.Fatalf("AfterCutoff: %v", err)
	}
	if got {
		t.Error("one minute before the cutoff should report false")
	}

	// UTC input must be evaluated on the ET wall clock.
	utc := time.Date(2026, 3, 10, 19, 45, 0, 0, time.UTC) // 15:45 ET (EDT)
	got, err = c.AfterCutoff(utc, "15:30")
	if err != nil {
		t.Fatalf("AfterCutoff: %v", err)
	}
	if !got {
		t.Error("19:45 UTC is 15:45 ET, past the cutoff")
	}

	if _, err := c.AfterCutoff(at, "half past three"); err == nil {
		t.Error("unparseable cutoff should error")
	}
}

func TestDTE(t *testing.T) {
	exp := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	if got := DTE(time.Date(2026, 4, 3, 15, 30, 0, 0, time.UTC), exp); got != 7 {
		t.Errorf("DTE = %d, want 7", got)
	}
	if got := DTE(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC), exp); got != 0 {
		t.Errorf("expiration day DTE = %d, want 0", got)
	}
	if got := DTE(time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC), exp); got != 0 {
		t.Errorf("past-expiration DTE = %d, want 0", got)
	}
}

func TestWithNow(t *testing.T) {
	c := newClock(t)
	fixed := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	c.WithNow(func() time.Time { return fixed })

	got := c.NowET()
	if !got.Equal(fixed) {
		t.Errorf("NowET = %s, want the injected instant", got)
	}
	if got.Location().String() != "America/New_York" {
		t.Errorf("NowET location = %s, want America/New_York", got.Location())
	}
}
