package timeutil

import (
	"testing"
	"time"
)

func TestCalendarDayKey(t *testing.T) {
	// 2024-03-10 02:30 UTC is still 2024-03-09 in New York.
	instant := time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC)

	cases := []struct {
		timezone string
		want     string
	}{
		{"UTC", "2024-03-10"},
		{"America/New_York", "2024-03-09"},
		{"Asia/Tokyo", "2024-03-10"},
		{"not-a-zone", "2024-03-10"},
		{"", "2024-03-10"},
	}

	for _, tt := range cases {
		if got := CalendarDayKey(instant, tt.timezone); got != tt.want {
			t.Fatalf("CalendarDayKey(%q)=%q, want %q", tt.timezone, got, tt.want)
		}
	}
}

func TestWithinWindow(t *testing.T) {
	ref := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	early := 30 * time.Minute
	late := 15 * time.Minute

	cases := []struct {
		offset time.Duration
		want   bool
	}{
		{-31 * time.Minute, false},
		{-30 * time.Minute, true},
		{-5 * time.Minute, true},
		{0, true},
		{15 * time.Minute, true},
		{16 * time.Minute, false},
	}

	for _, tt := range cases {
		if got := WithinWindow(ref.Add(tt.offset), ref, early, late); got != tt.want {
			t.Fatalf("WithinWindow(offset=%v)=%v, want %v", tt.offset, got, tt.want)
		}
	}
}
