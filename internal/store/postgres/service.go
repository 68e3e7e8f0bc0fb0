package postgres

import (
	"context"
	"errors"
	"sort"

	"clinicq/internal/models"
	"clinicq/internal/queueing"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

// CallNext moves the head of the waiting queue into service. A provider can
// hold at most one entry in service, so a second call without a completion
// fails with ErrAlreadyInService.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
	}
	if input.Actor.Role == models.RoleProvider && input.Actor.ID != input.ProviderID {
		return models.QueueEntry{}, store.ErrNotOwner
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

	if prior, found, ferr := findActionRequest(ctx, tx, "call_next", input.RequestID); ferr != nil {
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
	if provider.CurrentEntryID != nil {
		err = store.ErrAlreadyInService
		return models.QueueEntry{}, err
	}

	waiting, werr := loadWaiting(ctx, tx, provider.ProviderID)
	if werr != nil {
		err = wrapErr(werr)
		return models.QueueEntry{}, err
	}
	if len(waiting) == 0 {
		err = store.ErrQueueEmpty
		return models.QueueEntry{}, err
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return queueing.Compare(waiting[i], waiting[j]) < 0
	})
	entry := waiting[0]

	now := s.now()
	entry.Status = models.StatusInProgress
	entry.CalledAt = &now
	entry.Position = 0
	entry.EstimatedWait = 0
	if _, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = $1, called_at = $2, position = 0, estimated_wait = 0
		WHERE entry_id = $3
	`, entry.Status, now, entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	provider.Availability = models.AvailabilityBusy
	provider.CurrentEntryID = &entry.EntryID
	provider.CurrentParticipantID = &entry.ParticipantID
	if _, err = tx.Exec(ctx, `
		UPDATE providers
		SET availability = $1, current_entry_id = $2, current_participant_id = $3
		WHERE provider_id = $4
	`, provider.Availability, entry.EntryID, entry.ParticipantID, provider.ProviderID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	remaining, rerr := s.recompute(ctx, tx, provider)
	if rerr != nil {
		err = wrapErr(rerr)
		return models.QueueEntry{}, err
	}
	if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitOutbox(ctx, tx, store.EventEntryCalled, provider.ProviderID, store.NewEntryUpdate(entry)); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitQueueState(ctx, tx, provider, remaining); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// Complete closes the in-service entry, folds the observed service duration
// into the provider's running average, and frees the provider. When the
// provider has auto-advance on, the next participant is called in a separate
// follow-up transaction so a failure there cannot undo the completion.
func (s *Store) Complete(ctx context.Context, input store.CompleteInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
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

	if prior, found, ferr := findActionRequest(ctx, tx, "complete", input.RequestID); ferr != nil {
		err = wrapErr(ferr)
		return models.QueueEntry{}, err
	} else if found {
		_ = tx.Rollback(ctx)
		return prior, nil
	}

	entry, eerr := getEntryTx(ctx, tx, input.EntryID, true)
	if eerr != nil {
		err = wrapErr(eerr)
		return models.QueueEntry{}, err
	}
	if input.Actor.Role == models.RoleProvider && input.Actor.ID != entry.ProviderID {
		err = store.ErrNotOwner
		return models.QueueEntry{}, err
	}
	if models.IsTerminalStatus(entry.Status) {
		err = store.ErrEntryClosed
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition("complete", entry.Status) {
		err = store.ErrNotInService
		return models.QueueEntry{}, err
	}

	provider, perr := lockProvider(ctx, tx, entry.ProviderID)
	if perr != nil {
		err = wrapErr(perr)
		return models.QueueEntry{}, err
	}
	if err = s.ensureCurrentDay(ctx, tx, &provider); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	now := s.now()
	duration := serviceMinutes(entry.CalledAt, now)
	newAvg := foldAverage(provider.AvgServiceMinutes, provider.TotalServed, duration)

	entry.Status = models.StatusCompleted
	entry.CompletedAt = &now
	entry.Position = 0
	entry.EstimatedWait = 0
	if input.Notes != "" {
		entry.Notes = input.Notes
	}
	if _, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = $1, completed_at = $2, position = 0, estimated_wait = 0,
			notes = COALESCE($3, notes)
		WHERE entry_id = $4
	`, entry.Status, now, nullIfEmpty(input.Notes), entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if entry.BookingID != nil {
		if _, err = tx.Exec(ctx, `
			UPDATE bookings SET status = $1 WHERE booking_id = $2
		`, models.BookingCompleted, *entry.BookingID); err != nil {
			err = wrapErr(err)
			return models.QueueEntry{}, err
		}
	}

	provider.AvgServiceMinutes = newAvg
	provider.TotalServed++
	provider.ServedToday++
	provider.Availability = models.AvailabilityAvailable
	provider.CurrentEntryID = nil
	provider.CurrentParticipantID = nil
	if _, err = tx.Exec(ctx, `
		UPDATE providers
		SET avg_service_minutes = $1, total_served = $2, served_today = $3,
			availability = $4, current_entry_id = NULL, current_participant_id = NULL
		WHERE provider_id = $5
	`, newAvg, provider.TotalServed, provider.ServedToday,
		provider.Availability, provider.ProviderID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	waiting, werr := s.recompute(ctx, tx, provider)
	if werr != nil {
		err = wrapErr(werr)
		return models.QueueEntry{}, err
	}
	if err = insertActionRequest(ctx, tx, "complete", input.RequestID, entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitOutbox(ctx, tx, store.EventEntryCompleted, provider.ProviderID, store.NewEntryUpdate(entry)); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitQueueState(ctx, tx, provider, waiting); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	if provider.AutoAdvance {
		if aerr := s.autoAdvance(ctx, provider.ProviderID); aerr != nil {
			return models.QueueEntry{}, aerr
		}
	}
	return entry, nil
}

// autoAdvance calls the next participant on behalf of the system. An empty
// queue is the normal quiet case, not a failure.
func (s *Store) autoAdvance(ctx context.Context, providerID string) error {
	_, err := s.CallNext(ctx, store.CallNextInput{
		RequestID:  newRequestID(),
		ProviderID: providerID,
		Actor:      models.Actor{ID: "system", Role: models.RoleSystem},
	})
	if errors.Is(err, store.ErrQueueEmpty) {
		return nil
	}
	if err != nil {
		s.logger.Warn("auto-advance failed",
			zap.String("provider_id", providerID),
			zap.Error(err))
	}
	return err
}

// UpdateEntryStatus applies a terminal transition: cancel a waiting entry or
// mark an in-service entry as a no-show.
func (s *Store) UpdateEntryStatus(ctx context.Context, input store.UpdateStatusInput) (models.QueueEntry, error) {
	var action, eventType string
	switch input.Target {
	case models.StatusCancelled:
		action, eventType = "cancel", store.EventEntryCancelled
	case models.StatusNoShow:
		action, eventType = "no_show", store.EventEntryNoShow
	default:
		return models.QueueEntry{}, store.ErrNotWaiting
	}
	if input.Target == models.StatusNoShow && !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
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

	if prior, found, ferr := findActionRequest(ctx, tx, action, input.RequestID); ferr != nil {
		err = wrapErr(ferr)
		return models.QueueEntry{}, err
	} else if found {
		_ = tx.Rollback(ctx)
		return prior, nil
	}

	entry, eerr := getEntryTx(ctx, tx, input.EntryID, true)
	if eerr != nil {
		err = wrapErr(eerr)
		return models.QueueEntry{}, err
	}
	if !input.Actor.IsStaff() && input.Actor.ID != entry.ParticipantID {
		err = store.ErrNotOwner
		return models.QueueEntry{}, err
	}
	if models.IsTerminalStatus(entry.Status) {
		err = store.ErrEntryClosed
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition(action, entry.Status) {
		if input.Target == models.StatusNoShow {
			err = store.ErrNotInService
		} else {
			err = store.ErrNotWaiting
		}
		return models.QueueEntry{}, err
	}

	provider, perr := lockProvider(ctx, tx, entry.ProviderID)
	if perr != nil {
		err = wrapErr(perr)
		return models.QueueEntry{}, err
	}
	if err = s.ensureCurrentDay(ctx, tx, &provider); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}

	now := s.now()
	wasInService := entry.Status == models.StatusInProgress
	entry.Status = input.Target
	entry.CompletedAt = &now
	entry.Position = 0
	entry.EstimatedWait = 0
	if _, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = $1, completed_at = $2, position = 0, estimated_wait = 0
		WHERE entry_id = $3
	`, entry.Status, now, entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if entry.BookingID != nil {
		bookingStatus := models.BookingCancelled
		if input.Target == models.StatusNoShow {
			bookingStatus = models.BookingNoShow
		}
		if _, err = tx.Exec(ctx, `
			UPDATE bookings SET status = $1 WHERE booking_id = $2
		`, bookingStatus, *entry.BookingID); err != nil {
			err = wrapErr(err)
			return models.QueueEntry{}, err
		}
	}

	if wasInService {
		provider.Availability = models.AvailabilityAvailable
		provider.CurrentEntryID = nil
		provider.CurrentParticipantID = nil
		provider.NoShowsToday++
		if _, err = tx.Exec(ctx, `
			UPDATE providers
			SET availability = $1, current_entry_id = NULL, current_participant_id = NULL,
				no_shows_today = $2
			WHERE provider_id = $3
		`, provider.Availability, provider.NoShowsToday, provider.ProviderID); err != nil {
			err = wrapErr(err)
			return models.QueueEntry{}, err
		}
	}

	waiting, werr := s.recompute(ctx, tx, provider)
	if werr != nil {
		err = wrapErr(werr)
		return models.QueueEntry{}, err
	}
	if err = insertActionRequest(ctx, tx, action, input.RequestID, entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitOutbox(ctx, tx, eventType, provider.ProviderID, store.NewEntryUpdate(entry)); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitQueueState(ctx, tx, provider, waiting); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// Reposition moves a waiting entry to an explicit rank. The manual order is
// persisted as-is; the next natural recomputation reorders by policy again.
func (s *Store) Reposition(ctx context.Context, input store.RepositionInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
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

	if prior, found, ferr := findActionRequest(ctx, tx, "reposition", input.RequestID); ferr != nil {
		err = wrapErr(ferr)
		return models.QueueEntry{}, err
	} else if found {
		_ = tx.Rollback(ctx)
		return prior, nil
	}

	entry, eerr := getEntryTx(ctx, tx, input.EntryID, true)
	if eerr != nil {
		err = wrapErr(eerr)
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition("reposition", entry.Status) {
		err = store.ErrNotWaiting
		return models.QueueEntry{}, err
	}

	provider, perr := lockProvider(ctx, tx, entry.ProviderID)
	if perr != nil {
		err = wrapErr(perr)
		return models.QueueEntry{}, err
	}

	waiting, werr := loadWaiting(ctx, tx, provider.ProviderID)
	if werr != nil {
		err = wrapErr(werr)
		return models.QueueEntry{}, err
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return waiting[i].Position < waiting[j].Position
	})

	idx := -1
	for i := range waiting {
		if waiting[i].EntryID == entry.EntryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		err = store.ErrEntryNotFound
		return models.QueueEntry{}, err
	}
	moved := waiting[idx]
	waiting = append(waiting[:idx], waiting[idx+1:]...)

	rank := input.NewRank
	if rank < 1 {
		rank = 1
	}
	if rank > len(waiting)+1 {
		rank = len(waiting) + 1
	}
	waiting = append(waiting[:rank-1], append([]models.QueueEntry{moved}, waiting[rank-1:]...)...)

	for i := range waiting {
		waiting[i].Position = i + 1
		waiting[i].EstimatedWait = queueing.EstimatedWait(i+1, provider.AvgServiceMinutes, s.waitBufferFactor)
	}
	if err = s.applyPositions(ctx, tx, provider.ProviderID, waiting); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	entry = waiting[rank-1]

	if err = insertActionRequest(ctx, tx, "reposition", input.RequestID, entry.EntryID); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = s.emitQueueState(ctx, tx, provider, waiting); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = wrapErr(err)
		return models.QueueEntry{}, err
	}
	return entry, nil
}
