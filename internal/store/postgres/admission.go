package postgres

import (
	"context"
	"errors"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queueing"
	"clinicq/internal/store"
	"clinicq/internal/timeutil"

	"github.com/jackc/pgx/v5"
)

// AdmitWalkIn appends a walk-in to the provider's queue: serial allocation,
// insertion, and the full position recalculation happen in one transaction.
func (s *Store) AdmitWalkIn(ctx context.Context, input store.AdmitWalkInInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() && input.Actor.ID != input.ParticipantID {
		return models.QueueEntry{}, store.ErrNotOwner
	}
	priority := models.PriorityStandard
	if input.PriorityOverride == models.PriorityExpedited || input.PriorityOverride == models.PriorityStandard {
		priority = input.PriorityOverride
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if prior, found, ferr := findActionRequest(ctx, tx, "admit_walk_in", input.RequestID); ferr != nil {
		err = wrapErr(ferr)
		return models.QueueEntry{}, err
	} else if found {
		_ = tx.Rollback(ctx)
		return prior, nil
	}

	provider, perr := lockProvider(ctx, tx, input.ProviderID)
	if perr != nil {
		err = wrapErr(perr)
		return models.QueueEntry{}, err
	}
	if !provider.AllowWalkIns {
		err = store.ErrWalkInsDisabled
		return models.QueueEntry{}, err
	}
	if err = participantExists(ctx, tx, input.ParticipantID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = s.ensureCurrentDay(ctx, tx, &provider); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	now := s.now()
	dayKey := timeutil.CalendarDayKey(now, provider.Timezone)
	serial, serr := s.allocateSerial(ctx, tx, provider.ProviderID, dayKey)
	if serr != nil {
		err = wrapErr(serr)
		return models.QueueEntry{}, err
	}

	entry := models.QueueEntry{
		EntryID:       newRequestID(),
		ProviderID:    provider.ProviderID,
		ParticipantID: input.ParticipantID,
		AdmissionType: models.AdmissionWalkIn,
		Status:        models.StatusWaiting,
		Priority:      priority,
		SerialNumber:  serial,
		AdmittedAt:    now,
		RequestID:     input.RequestID,
	}
	if err = insertEntry(ctx, tx, entry); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	entry, err = s.finishAdmission(ctx, tx, provider, entry, "admit_walk_in", input.RequestID, store.EventEntryAdmitted)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// CheckInScheduled converts a booking into a live queue entry when the
// participant arrives inside the check-in window. Arriving late inside the
// window earns expedited priority.
func (s *Store) CheckInScheduled(ctx context.Context, input store.CheckInInput) (models.QueueEntry, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if prior, found, ferr := findActionRequest(ctx, tx, "check_in", input.RequestID); ferr != nil {
		err = wrapErr(ferr)
		return models.QueueEntry{}, err
	} else if found {
		_ = tx.Rollback(ctx)
		return prior, nil
	}

	booking, berr := getBookingTx(ctx, tx, input.BookingID)
	if berr != nil {
		err = wrapErr(berr)
		return models.QueueEntry{}, err
	}
	if !input.Actor.IsStaff() && input.Actor.ID != booking.ParticipantID {
		err = store.ErrNotOwner
		return models.QueueEntry{}, err
	}
	switch booking.Status {
	case models.BookingScheduled:
	case models.BookingCheckedIn:
		err = store.ErrDuplicateCheckIn
		return models.QueueEntry{}, err
	default:
		err = store.ErrBookingClosed
		return models.QueueEntry{}, err
	}

	var exists bool
	if err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_entries WHERE booking_id = $1)
	`, booking.BookingID).Scan(&exists); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if exists {
		err = store.ErrDuplicateCheckIn
		return models.QueueEntry{}, err
	}

	provider, perr := lockProvider(ctx, tx, booking.ProviderID)
	if perr != nil {
		err = wrapErr(perr)
		return models.QueueEntry{}, err
	}
	if !provider.AllowCheckIn {
		err = store.ErrCheckInDisabled
		return models.QueueEntry{}, err
	}

	now := s.now()
	if !timeutil.WithinWindow(now, booking.ScheduledAt, s.earlyWindow, s.lateWindow) {
		err = store.ErrOutsideWindow
		return models.QueueEntry{}, err
	}
	if err = s.ensureCurrentDay(ctx, tx, &provider); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	dayKey := timeutil.CalendarDayKey(now, provider.Timezone)
	serial, serr := s.allocateSerial(ctx, tx, provider.ProviderID, dayKey)
	if serr != nil {
		err = wrapErr(serr)
		return models.QueueEntry{}, err
	}

	scheduledAt := booking.ScheduledAt
	entry := models.QueueEntry{
		EntryID:       newRequestID(),
		ProviderID:    provider.ProviderID,
		ParticipantID: booking.ParticipantID,
		BookingID:     &booking.BookingID,
		AdmissionType: models.AdmissionScheduled,
		Status:        models.StatusWaiting,
		Priority:      queueing.Classify(models.AdmissionScheduled, &scheduledAt, now, s.earlyWindow, s.lateWindow),
		SerialNumber:  serial,
		AdmittedAt:    now,
		ScheduledAt:   &scheduledAt,
		RequestID:     input.RequestID,
	}
	if err = insertEntry(ctx, tx, entry); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE bookings SET status = $1 WHERE booking_id = $2
	`, models.BookingCheckedIn, booking.BookingID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	entry, err = s.finishAdmission(ctx, tx, provider, entry, "check_in", input.RequestID, store.EventEntryAdmitted)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// finishAdmission runs the shared tail of both admission paths: recompute,
// idempotency record, event emission, commit.
func (s *Store) finishAdmission(ctx context.Context, tx pgx.Tx, provider models.Provider, entry models.QueueEntry, action, requestID, eventType string) (models.QueueEntry, error) {
	waiting, err := s.recompute(ctx, tx, provider)
	if err != nil {
		_ = tx.Rollback(ctx)
		return models.QueueEntry{}, wrapErr(err)
	}
	for _, candidate := range waiting {
		if candidate.EntryID == entry.EntryID {
			entry.Position = candidate.Position
			entry.EstimatedWait = candidate.EstimatedWait
			break
		}
	}
	if err := insertActionRequest(ctx, tx, action, requestID, entry.EntryID); err != nil {
		_ = tx.Rollback(ctx)
		return models.QueueEntry{}, wrapErr(err)
	}
	if err := s.emitOutbox(ctx, tx, eventType, provider.ProviderID, store.NewEntryUpdate(entry)); err != nil {
		_ = tx.Rollback(ctx)
		return models.QueueEntry{}, wrapErr(err)
	}
	if err := s.emitQueueState(ctx, tx, provider, waiting); err != nil {
		_ = tx.Rollback(ctx)
		return models.QueueEntry{}, wrapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, wrapErr(err)
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry models.QueueEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (
			entry_id, provider_id, participant_id, booking_id, admission_type,
			status, priority, position, estimated_wait, serial_number,
			admitted_at, scheduled_at, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.EntryID, entry.ProviderID, entry.ParticipantID, entry.BookingID,
		entry.AdmissionType, entry.Status, entry.Priority, entry.Position,
		entry.EstimatedWait, entry.SerialNumber, entry.AdmittedAt,
		entry.ScheduledAt, nullIfEmpty(entry.Notes))
	return err
}

func participantExists(ctx context.Context, tx pgx.Tx, participantID string) error {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM participants WHERE participant_id = $1)
	`, participantID).Scan(&exists)
	if err != nil {
		return wrapErr(err)
	}
	if !exists {
		return store.ErrParticipantNotFound
	}
	return nil
}

func getBookingTx(ctx context.Context, tx pgx.Tx, bookingID string) (models.Booking, error) {
	var booking models.Booking
	var scheduledAt time.Time
	row := tx.QueryRow(ctx, `
		SELECT booking_id, provider_id, participant_id, scheduled_at, status
		FROM bookings
		WHERE booking_id = $1
		FOR UPDATE
	`, bookingID)
	err := row.Scan(&booking.BookingID, &booking.ProviderID, &booking.ParticipantID, &scheduledAt, &booking.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, store.ErrBookingNotFound
		}
		return models.Booking{}, err
	}
	booking.ScheduledAt = scheduledAt.UTC()
	return booking, nil
}
