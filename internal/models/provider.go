package models

// Provider is the service resource being queued for. The provider row is
// the single source of truth for who is being served right now; CurrentEntryID
// is non-nil exactly when Availability is busy.
type Provider struct {
	ProviderID           string  `json:"provider_id"`
	Timezone             string  `json:"timezone"`
	AvgServiceMinutes    int     `json:"avg_service_minutes"`
	Availability         string  `json:"availability"`
	CurrentEntryID       *string `json:"current_entry_id,omitempty"`
	CurrentParticipantID *string `json:"current_participant_id,omitempty"`
	ServedToday          int     `json:"served_today"`
	NoShowsToday         int     `json:"no_shows_today"`
	StatsDate            string  `json:"stats_date"`
	TotalServed          int     `json:"total_served"`
	AllowWalkIns         bool    `json:"allow_walk_ins"`
	AllowCheckIn         bool    `json:"allow_check_in"`
	AutoAdvance          bool    `json:"auto_advance"`
	NoShowTimeoutMinutes int     `json:"no_show_timeout_minutes"`
}

const (
	AvailabilityAvailable = "available"
	AvailabilityBusy      = "busy"
	AvailabilityOffline   = "offline"
	AvailabilityBreak     = "break"
)
