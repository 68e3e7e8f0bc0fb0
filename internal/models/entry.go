package models

import "time"

// QueueEntry is one admission of a participant into a provider's queue.
type QueueEntry struct {
	EntryID       string     `json:"entry_id"`
	ProviderID    string     `json:"provider_id"`
	ParticipantID string     `json:"participant_id"`
	BookingID     *string    `json:"booking_id,omitempty"`
	AdmissionType string     `json:"admission_type"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	Position      int        `json:"position"`
	EstimatedWait int        `json:"estimated_wait"`
	SerialNumber  string     `json:"serial_number"`
	AdmittedAt    time.Time  `json:"admitted_at"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
}

const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusNoShow     = "no_show"
	StatusCancelled  = "cancelled"
)

const (
	AdmissionWalkIn    = "walk_in"
	AdmissionScheduled = "scheduled"
)

const (
	PriorityExpedited = 1
	PriorityStandard  = 2
)

// IsTerminalStatus reports whether a status has no outgoing transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	default:
		return false
	}
}
