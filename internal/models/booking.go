package models

import "time"

// Booking is a scheduled appointment provisioned outside this service.
// The engine only reads it during check-in and flips scheduled -> checked_in.
type Booking struct {
	BookingID     string    `json:"booking_id"`
	ProviderID    string    `json:"provider_id"`
	ParticipantID string    `json:"participant_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        string    `json:"status"`
}

const (
	BookingScheduled = "scheduled"
	BookingCheckedIn = "checked_in"
	BookingCompleted = "completed"
	BookingCancelled = "cancelled"
	BookingNoShow    = "no_show"
)

type Participant struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}
