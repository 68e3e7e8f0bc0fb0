// Package postgres implements the queue engine on PostgreSQL. Every mutating
// operation is one serializable transaction covering the entry, the provider
// row, the serial counter, and the position recalculation; a serialization
// failure surfaces as store.ErrTxConflict so the API layer can retry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queueing"
	"clinicq/internal/store"
	"clinicq/internal/timeutil"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const serialPad = 3

type Store struct {
	pool             *pgxpool.Pool
	logger           *zap.Logger
	now              func() time.Time
	waitBufferFactor float64
	earlyWindow      time.Duration
	lateWindow       time.Duration
}

type Options struct {
	Logger           *zap.Logger
	Now              func() time.Time
	WaitBufferFactor float64
	EarlyWindow      time.Duration
	LateWindow       time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	s := &Store{
		pool:             pool,
		logger:           options.Logger,
		now:              options.Now,
		waitBufferFactor: options.WaitBufferFactor,
		earlyWindow:      options.EarlyWindow,
		lateWindow:       options.LateWindow,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.waitBufferFactor <= 0 {
		s.waitBufferFactor = queueing.DefaultWaitBufferFactor
	}
	if s.earlyWindow <= 0 {
		s.earlyWindow = queueing.DefaultEarlyWindow
	}
	if s.lateWindow <= 0 {
		s.lateWindow = queueing.DefaultLateWindow
	}
	return s
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, wrapErr(err)
	}
	return tx, nil
}

// wrapErr maps serialization and deadlock failures onto the retryable
// sentinel; everything else passes through.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return store.ErrTxConflict
		}
	}
	return err
}

const entryColumns = `entry_id, provider_id, participant_id, booking_id, admission_type, status,
	priority, position, estimated_wait, serial_number, admitted_at, scheduled_at, called_at, completed_at, notes`

const providerColumns = `provider_id, timezone, avg_service_minutes, availability, current_entry_id,
	current_participant_id, served_today, no_shows_today, stats_date, total_served,
	allow_walk_ins, allow_check_in, auto_advance, no_show_timeout_minutes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var bookingID sql.NullString
	var scheduledAt, calledAt, completedAt sql.NullTime
	var notes sql.NullString
	err := row.Scan(
		&entry.EntryID, &entry.ProviderID, &entry.ParticipantID, &bookingID,
		&entry.AdmissionType, &entry.Status, &entry.Priority, &entry.Position,
		&entry.EstimatedWait, &entry.SerialNumber, &entry.AdmittedAt,
		&scheduledAt, &calledAt, &completedAt, &notes,
	)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.BookingID = nullStringPtr(bookingID)
	entry.ScheduledAt = nullTimePtr(scheduledAt)
	entry.CalledAt = nullTimePtr(calledAt)
	entry.CompletedAt = nullTimePtr(completedAt)
	if notes.Valid {
		entry.Notes = notes.String
	}
	return entry, nil
}

func scanProvider(row rowScanner) (models.Provider, error) {
	var provider models.Provider
	var currentEntry, currentParticipant sql.NullString
	err := row.Scan(
		&provider.ProviderID, &provider.Timezone, &provider.AvgServiceMinutes,
		&provider.Availability, &currentEntry, &currentParticipant,
		&provider.ServedToday, &provider.NoShowsToday, &provider.StatsDate,
		&provider.TotalServed, &provider.AllowWalkIns, &provider.AllowCheckIn,
		&provider.AutoAdvance, &provider.NoShowTimeoutMinutes,
	)
	if err != nil {
		return models.Provider{}, err
	}
	provider.CurrentEntryID = nullStringPtr(currentEntry)
	provider.CurrentParticipantID = nullStringPtr(currentParticipant)
	return provider, nil
}

// lockProvider loads the provider row FOR UPDATE so one in-flight operation
// per provider serializes on the row lock instead of burning a retry.
func lockProvider(ctx context.Context, tx pgx.Tx, providerID string) (models.Provider, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE provider_id = $1
		FOR UPDATE
	`, providerID)
	provider, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Provider{}, store.ErrProviderNotFound
		}
		return models.Provider{}, err
	}
	return provider, nil
}

func getEntryTx(ctx context.Context, tx pgx.Tx, entryID string, forUpdate bool) (models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE entry_id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	entry, err := scanEntry(tx.QueryRow(ctx, query, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// allocateSerial atomically issues the next serial for (provider, day) and
// formats the ticket. Single upsert-and-increment, never read-then-write.
func (s *Store) allocateSerial(ctx context.Context, tx pgx.Tx, providerID, dayKey string) (string, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO daily_serial_counters (provider_id, day_key, next_serial)
		VALUES ($1, $2, 1)
		ON CONFLICT (provider_id, day_key)
		DO UPDATE SET next_serial = daily_serial_counters.next_serial + 1
		RETURNING next_serial
	`, providerID, dayKey)
	if err := row.Scan(&next); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%0*d", providerID, dayKey, serialPad, next), nil
}

// ensureCurrentDay lazily rolls the provider's daily counters when its local
// calendar day has moved past the stored stats date. The caller must hold the
// provider row lock.
func (s *Store) ensureCurrentDay(ctx context.Context, tx pgx.Tx, provider *models.Provider) error {
	dayKey := timeutil.CalendarDayKey(s.now(), provider.Timezone)
	if provider.StatsDate == dayKey {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE providers
		SET served_today = 0,
			no_shows_today = 0,
			stats_date = $1
		WHERE provider_id = $2
	`, dayKey, provider.ProviderID)
	if err != nil {
		return err
	}
	provider.ServedToday = 0
	provider.NoShowsToday = 0
	provider.StatsDate = dayKey
	return nil
}

func loadWaiting(ctx context.Context, tx pgx.Tx, providerID string) ([]models.QueueEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE provider_id = $1 AND status = $2
		FOR UPDATE
	`, providerID, models.StatusWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// recompute reorders the provider's waiting set with the ordering policy,
// persists positions and wait estimates, and emits a per-entry update for
// every affected participant. Returns the sorted waiting list.
func (s *Store) recompute(ctx context.Context, tx pgx.Tx, provider models.Provider) ([]models.QueueEntry, error) {
	waiting, err := loadWaiting(ctx, tx, provider.ProviderID)
	if err != nil {
		return nil, err
	}
	queueing.AssignPositions(waiting, provider.AvgServiceMinutes, s.waitBufferFactor)
	return waiting, s.applyPositions(ctx, tx, provider.ProviderID, waiting)
}

// applyPositions persists an already-ordered waiting list as-is. Used by
// recompute and by the manual reposition path, which intentionally bypasses
// the natural order.
func (s *Store) applyPositions(ctx context.Context, tx pgx.Tx, providerID string, waiting []models.QueueEntry) error {
	if len(waiting) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, entry := range waiting {
		batch.Queue(`
			UPDATE queue_entries
			SET position = $1, estimated_wait = $2
			WHERE entry_id = $3
		`, entry.Position, entry.EstimatedWait, entry.EntryID)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range waiting {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	for _, entry := range waiting {
		if err := s.emitOutbox(ctx, tx, store.EventEntryUpdated, providerID, store.NewEntryUpdate(entry)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) emitOutbox(ctx context.Context, tx pgx.Tx, eventType, providerID string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (type, provider_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, eventType, providerID, payloadJSON, s.now())
	return err
}

// emitQueueState writes the provider-status broadcast and the refreshed
// queue snapshot after a mutating operation. The waiting list must already
// carry final positions.
func (s *Store) emitQueueState(ctx context.Context, tx pgx.Tx, provider models.Provider, waiting []models.QueueEntry) error {
	if err := s.emitOutbox(ctx, tx, store.EventProviderStatus, provider.ProviderID, provider); err != nil {
		return err
	}
	snapshot, err := s.buildSnapshot(ctx, tx, provider, waiting)
	if err != nil {
		return err
	}
	return s.emitOutbox(ctx, tx, store.EventQueueSnapshot, provider.ProviderID, snapshot)
}

func (s *Store) buildSnapshot(ctx context.Context, tx pgx.Tx, provider models.Provider, waiting []models.QueueEntry) (store.Snapshot, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE provider_id = $1 AND status = $2
	`, provider.ProviderID, models.StatusInProgress)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer rows.Close()

	queue := make([]models.QueueEntry, 0, len(waiting)+1)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return store.Snapshot{}, err
		}
		queue = append(queue, entry)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, err
	}
	queue = append(queue, waiting...)
	return store.Snapshot{Provider: provider, Queue: queue}, nil
}

// findActionRequest returns the entry produced by a previous run of the same
// request, making mutating calls idempotent across client retries.
func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.QueueEntry, bool, error) {
	if requestID == "" {
		return models.QueueEntry{}, false, nil
	}
	var entryID string
	row := tx.QueryRow(ctx, `
		SELECT entry_id
		FROM queue_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	entry, err := getEntryTx(ctx, tx, entryID, false)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	entry.RequestID = requestID
	return entry, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, entryID string) error {
	if requestID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_action_requests (request_id, action, entry_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, entryID)
	return err
}

// serviceMinutes converts an in-service span to whole minutes, floored at 1.
func serviceMinutes(calledAt *time.Time, completedAt time.Time) int {
	if calledAt == nil {
		return 1
	}
	minutes := int(math.Round(completedAt.Sub(*calledAt).Minutes()))
	if minutes < 1 {
		return 1
	}
	return minutes
}

func foldAverage(oldAvg, totalServed, duration int) int {
	return int(math.Round(float64(oldAvg*totalServed+duration) / float64(totalServed+1)))
}

func newRequestID() string {
	return uuid.NewString()
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
