package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "in_progress", false},
		{"call_next", "completed", false},
		{"complete", "in_progress", true},
		{"complete", "waiting", false},
		{"cancel", "waiting", true},
		{"cancel", "in_progress", false},
		{"cancel", "cancelled", false},
		{"no_show", "in_progress", true},
		{"no_show", "waiting", false},
		{"no_show", "no_show", false},
		{"reposition", "waiting", true},
		{"reposition", "in_progress", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
