// Package timeutil holds the calendar arithmetic shared by the serial
// allocator, the daily stats rollover, and the check-in window test.
package timeutil

import "time"

const dayKeyLayout = "2006-01-02"

// CalendarDayKey returns the calendar day of t in the given IANA timezone,
// formatted as YYYY-MM-DD. An unknown timezone falls back to UTC so a
// misconfigured provider still rolls its counters once per UTC day instead
// of never.
func CalendarDayKey(t time.Time, timezone string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dayKeyLayout)
}

// WithinWindow reports whether t falls inside the asymmetric window
// [ref-early, ref+late]. Both bounds are inclusive.
func WithinWindow(t, ref time.Time, early, late time.Duration) bool {
	if t.Before(ref.Add(-early)) {
		return false
	}
	if t.After(ref.Add(late)) {
		return false
	}
	return true
}
