package store

import (
	"time"

	"clinicq/internal/models"
)

// EntryUpdate is the payload delivered to the participant who owns an entry.
type EntryUpdate struct {
	EntryID       string     `json:"entry_id"`
	ProviderID    string     `json:"provider_id"`
	ParticipantID string     `json:"participant_id"`
	Status        string     `json:"status"`
	Position      int        `json:"position"`
	EstimatedWait int        `json:"estimated_wait"`
	SerialNumber  string     `json:"serial_number"`
	AdmissionType string     `json:"admission_type"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewEntryUpdate projects an entry onto the participant-facing payload.
func NewEntryUpdate(entry models.QueueEntry) EntryUpdate {
	return EntryUpdate{
		EntryID:       entry.EntryID,
		ProviderID:    entry.ProviderID,
		ParticipantID: entry.ParticipantID,
		Status:        entry.Status,
		Position:      entry.Position,
		EstimatedWait: entry.EstimatedWait,
		SerialNumber:  entry.SerialNumber,
		AdmissionType: entry.AdmissionType,
		ScheduledAt:   entry.ScheduledAt,
		CalledAt:      entry.CalledAt,
		CompletedAt:   entry.CompletedAt,
	}
}
