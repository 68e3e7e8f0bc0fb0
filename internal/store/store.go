package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicq/internal/models"
)

type AdmitWalkInInput struct {
	RequestID        string
	ProviderID       string
	ParticipantID    string
	PriorityOverride int
	Actor            models.Actor
}

type CheckInInput struct {
	RequestID string
	BookingID string
	Actor     models.Actor
}

type CallNextInput struct {
	RequestID  string
	ProviderID string
	Actor      models.Actor
}

type CompleteInput struct {
	RequestID string
	EntryID   string
	Notes     string
	Actor     models.Actor
}

type UpdateStatusInput struct {
	RequestID string
	EntryID   string
	Target    string // models.StatusCancelled or models.StatusNoShow
	Actor     models.Actor
}

type RepositionInput struct {
	RequestID string
	EntryID   string
	NewRank   int
	Actor     models.Actor
}

// Snapshot is the per-provider queue view emitted after every mutation:
// in-service entries first, then the waiting set sorted by position.
type Snapshot struct {
	Provider models.Provider     `json:"provider"`
	Queue    []models.QueueEntry `json:"queue"`
}

// OutboxEvent is one notification row written inside an operation's
// transaction and dispatched to the fan-out transport afterwards.
type OutboxEvent struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	ProviderID string          `json:"provider_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Outbox event types.
const (
	EventEntryAdmitted  = "entry.admitted"
	EventEntryCalled    = "entry.called"
	EventEntryCompleted = "entry.completed"
	EventEntryCancelled = "entry.cancelled"
	EventEntryNoShow    = "entry.no_show"
	EventEntryUpdated   = "entry.updated"
	EventQueueSnapshot  = "queue.snapshot"
	EventProviderStatus = "provider.status"
)

// Queue is the scheduling engine. Every mutating method runs as one
// transaction at the strictest isolation the backing store offers; a
// serialization conflict surfaces as ErrTxConflict and the caller may retry
// the whole call.
type Queue interface {
	AdmitWalkIn(ctx context.Context, input AdmitWalkInInput) (models.QueueEntry, error)
	CheckInScheduled(ctx context.Context, input CheckInInput) (models.QueueEntry, error)
	CallNext(ctx context.Context, input CallNextInput) (models.QueueEntry, error)
	Complete(ctx context.Context, input CompleteInput) (models.QueueEntry, error)
	UpdateEntryStatus(ctx context.Context, input UpdateStatusInput) (models.QueueEntry, error)
	Reposition(ctx context.Context, input RepositionInput) (models.QueueEntry, error)

	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	GetProvider(ctx context.Context, providerID string) (models.Provider, error)
	ProviderSnapshot(ctx context.Context, providerID string) (Snapshot, error)

	// SweepNoShows force-transitions overdue in-service entries to no_show.
	// Each overdue entry is handled independently; it returns the number
	// transitioned.
	SweepNoShows(ctx context.Context, batchSize int) (int, error)
	// SweepDailyRollover resets per-day counters for providers whose local
	// calendar day moved on since their stats date. Returns providers rolled.
	SweepDailyRollover(ctx context.Context) (int, error)
	// RefreshWaitTimes recomputes positions and wait estimates for every
	// provider with waiting entries. Returns providers refreshed.
	RefreshWaitTimes(ctx context.Context) (int, error)

	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
}
