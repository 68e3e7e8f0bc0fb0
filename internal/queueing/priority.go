// Package queueing holds the pure ordering policy: priority classification,
// the total order over waiting entries, and position/wait assignment. It has
// no storage dependencies so both store implementations share it.
package queueing

import (
	"math"
	"sort"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/timeutil"
)

const (
	DefaultEarlyWindow      = 30 * time.Minute
	DefaultLateWindow       = 15 * time.Minute
	DefaultWaitBufferFactor = 1.2
)

// Classify maps an admission to its priority class. Only a scheduled
// check-in arriving inside the window around its booked time is expedited;
// walk-ins and late or very early check-ins are standard.
func Classify(admissionType string, scheduledAt *time.Time, checkInAt time.Time, early, late time.Duration) int {
	if admissionType != models.AdmissionScheduled || scheduledAt == nil {
		return models.PriorityStandard
	}
	if timeutil.WithinWindow(checkInAt, *scheduledAt, early, late) {
		return models.PriorityExpedited
	}
	return models.PriorityStandard
}

// Compare totally orders two waiting entries: priority class ascending,
// then scheduled time ascending with unscheduled entries last, then
// admission time ascending. Deterministic for identical inputs.
func Compare(a, b models.QueueEntry) int {
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return -1
		}
		return 1
	}
	switch {
	case a.ScheduledAt != nil && b.ScheduledAt == nil:
		return -1
	case a.ScheduledAt == nil && b.ScheduledAt != nil:
		return 1
	case a.ScheduledAt != nil && b.ScheduledAt != nil:
		if !a.ScheduledAt.Equal(*b.ScheduledAt) {
			if a.ScheduledAt.Before(*b.ScheduledAt) {
				return -1
			}
			return 1
		}
	}
	if a.AdmittedAt.Equal(b.AdmittedAt) {
		return 0
	}
	if a.AdmittedAt.Before(b.AdmittedAt) {
		return -1
	}
	return 1
}

// EstimatedWait returns the wait estimate in minutes for an entry at the
// given 1-based position, using the fixed deterministic formula.
func EstimatedWait(position, avgServiceMinutes int, bufferFactor float64) int {
	if position <= 1 {
		return 0
	}
	return int(math.Round(float64(position-1) * float64(avgServiceMinutes) * bufferFactor))
}

// AssignPositions sorts the waiting set with Compare and assigns each entry
// a dense 1..N position and its wait estimate. Idempotent: re-running over
// the same set yields the same assignment.
func AssignPositions(entries []models.QueueEntry, avgServiceMinutes int, bufferFactor float64) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Compare(entries[i], entries[j]) < 0
	})
	for i := range entries {
		entries[i].Position = i + 1
		entries[i].EstimatedWait = EstimatedWait(i+1, avgServiceMinutes, bufferFactor)
	}
}
