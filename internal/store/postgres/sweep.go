package postgres

import (
	"context"
	"errors"
	"sort"

	"clinicq/internal/models"
	"clinicq/internal/store"
	"clinicq/internal/timeutil"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SweepNoShows finds in-service entries that exceeded their provider's
// no-show timeout and transitions each one independently, so a failure on one
// entry never blocks the rest of the batch.
func (s *Store) SweepNoShows(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.entry_id
		FROM queue_entries e
		JOIN providers p ON p.provider_id = e.provider_id
		WHERE e.status = $1
		  AND e.called_at IS NOT NULL
		  AND e.called_at + make_interval(mins => p.no_show_timeout_minutes) < $2
		ORDER BY e.called_at
		LIMIT $3
	`, models.StatusInProgress, s.now(), batchSize)
	if err != nil {
		return 0, wrapErr(err)
	}
	var overdue []string
	for rows.Next() {
		var entryID string
		if err := rows.Scan(&entryID); err != nil {
			rows.Close()
			return 0, err
		}
		overdue = append(overdue, entryID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, entryID := range overdue {
		_, err := s.UpdateEntryStatus(ctx, store.UpdateStatusInput{
			RequestID: newRequestID(),
			EntryID:   entryID,
			Target:    models.StatusNoShow,
			Actor:     models.Actor{ID: "system", Role: models.RoleSystem},
		})
		if err != nil {
			// Raced with a manual complete or cancel; the entry is closed
			// either way.
			if errors.Is(err, store.ErrEntryClosed) || errors.Is(err, store.ErrNotInService) {
				continue
			}
			s.logger.Warn("no-show sweep: entry skipped",
				zap.String("entry_id", entryID),
				zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

// SweepDailyRollover resets per-day counters for providers whose local
// calendar day has moved past their recorded stats date. The WHERE guard on
// the old date makes the reset a no-op when an operation rolled the provider
// over concurrently.
func (s *Store) SweepDailyRollover(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider_id, timezone, stats_date FROM providers
	`)
	if err != nil {
		return 0, wrapErr(err)
	}
	type staleProvider struct {
		id      string
		oldDate string
		newDate string
	}
	var stale []staleProvider
	now := s.now()
	for rows.Next() {
		var id, tz, statsDate string
		if err := rows.Scan(&id, &tz, &statsDate); err != nil {
			rows.Close()
			return 0, err
		}
		dayKey := timeutil.CalendarDayKey(now, tz)
		if dayKey != statsDate {
			stale = append(stale, staleProvider{id: id, oldDate: statsDate, newDate: dayKey})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	rolled := 0
	for _, p := range stale {
		tag, err := s.pool.Exec(ctx, `
			UPDATE providers
			SET served_today = 0, no_shows_today = 0, stats_date = $1
			WHERE provider_id = $2 AND stats_date = $3
		`, p.newDate, p.id, p.oldDate)
		if err != nil {
			s.logger.Warn("daily rollover: provider skipped",
				zap.String("provider_id", p.id),
				zap.Error(err))
			continue
		}
		if tag.RowsAffected() > 0 {
			rolled++
		}
	}
	return rolled, nil
}

// RefreshWaitTimes recomputes positions and wait estimates for every provider
// that currently has waiting entries. Each provider gets its own transaction.
func (s *Store) RefreshWaitTimes(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT provider_id FROM queue_entries WHERE status = $1
	`, models.StatusWaiting)
	if err != nil {
		return 0, wrapErr(err)
	}
	var providerIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		providerIDs = append(providerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	sort.Strings(providerIDs)

	refreshed := 0
	for _, providerID := range providerIDs {
		if err := s.refreshProvider(ctx, providerID); err != nil {
			s.logger.Warn("wait refresh: provider skipped",
				zap.String("provider_id", providerID),
				zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

func (s *Store) refreshProvider(ctx context.Context, providerID string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	provider, perr := lockProvider(ctx, tx, providerID)
	if perr != nil {
		err = wrapErr(perr)
		return err
	}
	waiting, werr := s.recompute(ctx, tx, provider)
	if werr != nil {
		err = wrapErr(werr)
		return err
	}
	if err = s.emitQueueState(ctx, tx, provider, waiting); err != nil {
		err = wrapErr(err)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		err = wrapErr(err)
		return err
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = $1
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, wrapErr(err)
	}
	return entry, nil
}

func (s *Store) GetProvider(ctx context.Context, providerID string) (models.Provider, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+providerColumns+` FROM providers WHERE provider_id = $1
	`, providerID)
	provider, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Provider{}, store.ErrProviderNotFound
		}
		return models.Provider{}, wrapErr(err)
	}
	return provider, nil
}

// ProviderSnapshot returns the live queue view: in-service entries first,
// then the waiting set ordered by position.
func (s *Store) ProviderSnapshot(ctx context.Context, providerID string) (store.Snapshot, error) {
	provider, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return store.Snapshot{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE provider_id = $1 AND status IN ($2, $3)
		ORDER BY CASE status WHEN $3 THEN 0 ELSE 1 END, position
	`, providerID, models.StatusWaiting, models.StatusInProgress)
	if err != nil {
		return store.Snapshot{}, wrapErr(err)
	}
	defer rows.Close()

	queue := make([]models.QueueEntry, 0, 8)
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
	return store.Snapshot{Provider: provider, Queue: queue}, nil
}

// ListOutboxEvents pages committed notification rows in sequence order.
func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, provider_id, payload, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.Seq, &event.Type, &event.ProviderID, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
