// Package memory implements the queue engine on in-process maps under one
// mutex. It mirrors the postgres semantics operation for operation and backs
// the handler tests and the concurrency property tests, where a real
// database would only add noise.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queueing"
	"clinicq/internal/store"
	"clinicq/internal/timeutil"

	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	providers    map[string]*models.Provider
	participants map[string]models.Participant
	bookings     map[string]*models.Booking
	entries      map[string]*models.QueueEntry
	serials      map[string]int // provider_id + "|" + day_key
	requests     map[string]string
	outbox       []store.OutboxEvent
	nextSeq      int64

	now              func() time.Time
	waitBufferFactor float64
	earlyWindow      time.Duration
	lateWindow       time.Duration
}

type Options struct {
	Now              func() time.Time
	WaitBufferFactor float64
	EarlyWindow      time.Duration
	LateWindow       time.Duration
}

func NewStore(options Options) *Store {
	s := &Store{
		providers:        make(map[string]*models.Provider),
		participants:     make(map[string]models.Participant),
		bookings:         make(map[string]*models.Booking),
		entries:          make(map[string]*models.QueueEntry),
		serials:          make(map[string]int),
		requests:         make(map[string]string),
		now:              options.Now,
		waitBufferFactor: options.WaitBufferFactor,
		earlyWindow:      options.EarlyWindow,
		lateWindow:       options.LateWindow,
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

// SetNow swaps the clock. Tests use it to step through windows and days.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) AddProvider(provider models.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if provider.StatsDate == "" {
		provider.StatsDate = timeutil.CalendarDayKey(s.now(), provider.Timezone)
	}
	copied := provider
	s.providers[provider.ProviderID] = &copied
}

func (s *Store) AddParticipant(participant models.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[participant.ParticipantID] = participant
}

func (s *Store) AddBooking(booking models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if booking.Status == "" {
		booking.Status = models.BookingScheduled
	}
	copied := booking
	s.bookings[booking.BookingID] = &copied
}

func (s *Store) AdmitWalkIn(ctx context.Context, input store.AdmitWalkInInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() && input.Actor.ID != input.ParticipantID {
		return models.QueueEntry{}, store.ErrNotOwner
	}
	priority := models.PriorityStandard
	if input.PriorityOverride == models.PriorityExpedited || input.PriorityOverride == models.PriorityStandard {
		priority = input.PriorityOverride
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, found := s.priorResult("admit_walk_in", input.RequestID); found {
		return prior, nil
	}
	provider, ok := s.providers[input.ProviderID]
	if !ok {
		return models.QueueEntry{}, store.ErrProviderNotFound
	}
	if !provider.AllowWalkIns {
		return models.QueueEntry{}, store.ErrWalkInsDisabled
	}
	if _, ok := s.participants[input.ParticipantID]; !ok {
		return models.QueueEntry{}, store.ErrParticipantNotFound
	}
	s.ensureCurrentDay(provider)

	now := s.now()
	entry := &models.QueueEntry{
		EntryID:       uuid.NewString(),
		ProviderID:    provider.ProviderID,
		ParticipantID: input.ParticipantID,
		AdmissionType: models.AdmissionWalkIn,
		Status:        models.StatusWaiting,
		Priority:      priority,
		SerialNumber:  s.allocateSerial(provider.ProviderID, timeutil.CalendarDayKey(now, provider.Timezone)),
		AdmittedAt:    now,
		RequestID:     input.RequestID,
	}
	s.entries[entry.EntryID] = entry
	s.recompute(provider)
	s.recordRequest("admit_walk_in", input.RequestID, entry.EntryID)
	s.emit(store.EventEntryAdmitted, provider.ProviderID, store.NewEntryUpdate(*entry))
	s.emitQueueState(provider)
	return *entry, nil
}

func (s *Store) CheckInScheduled(ctx context.Context, input store.CheckInInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, found := s.priorResult("check_in", input.RequestID); found {
		return prior, nil
	}
	booking, ok := s.bookings[input.BookingID]
	if !ok {
		return models.QueueEntry{}, store.ErrBookingNotFound
	}
	if !input.Actor.IsStaff() && input.Actor.ID != booking.ParticipantID {
		return models.QueueEntry{}, store.ErrNotOwner
	}
	switch booking.Status {
	case models.BookingScheduled:
	case models.BookingCheckedIn:
		return models.QueueEntry{}, store.ErrDuplicateCheckIn
	default:
		return models.QueueEntry{}, store.ErrBookingClosed
	}
	for _, entry := range s.entries {
		if entry.BookingID != nil && *entry.BookingID == booking.BookingID {
			return models.QueueEntry{}, store.ErrDuplicateCheckIn
		}
	}
	provider, ok := s.providers[booking.ProviderID]
	if !ok {
		return models.QueueEntry{}, store.ErrProviderNotFound
	}
	if !provider.AllowCheckIn {
		return models.QueueEntry{}, store.ErrCheckInDisabled
	}

	now := s.now()
	if !timeutil.WithinWindow(now, booking.ScheduledAt, s.earlyWindow, s.lateWindow) {
		return models.QueueEntry{}, store.ErrOutsideWindow
	}
	s.ensureCurrentDay(provider)

	scheduledAt := booking.ScheduledAt
	entry := &models.QueueEntry{
		EntryID:       uuid.NewString(),
		ProviderID:    provider.ProviderID,
		ParticipantID: booking.ParticipantID,
		BookingID:     &booking.BookingID,
		AdmissionType: models.AdmissionScheduled,
		Status:        models.StatusWaiting,
		Priority:      queueing.Classify(models.AdmissionScheduled, &scheduledAt, now, s.earlyWindow, s.lateWindow),
		SerialNumber:  s.allocateSerial(provider.ProviderID, timeutil.CalendarDayKey(now, provider.Timezone)),
		AdmittedAt:    now,
		ScheduledAt:   &scheduledAt,
		RequestID:     input.RequestID,
	}
	s.entries[entry.EntryID] = entry
	booking.Status = models.BookingCheckedIn
	s.recompute(provider)
	s.recordRequest("check_in", input.RequestID, entry.EntryID)
	s.emit(store.EventEntryAdmitted, provider.ProviderID, store.NewEntryUpdate(*entry))
	s.emitQueueState(provider)
	return *entry, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
	}
	if input.Actor.Role == models.RoleProvider && input.Actor.ID != input.ProviderID {
		return models.QueueEntry{}, store.ErrNotOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callNextLocked(input)
}

func (s *Store) callNextLocked(input store.CallNextInput) (models.QueueEntry, error) {
	if prior, found := s.priorResult("call_next", input.RequestID); found {
		return prior, nil
	}
	provider, ok := s.providers[input.ProviderID]
	if !ok {
		return models.QueueEntry{}, store.ErrProviderNotFound
	}
	if provider.CurrentEntryID != nil {
		return models.QueueEntry{}, store.ErrAlreadyInService
	}
	waiting := s.waitingFor(provider.ProviderID)
	if len(waiting) == 0 {
		return models.QueueEntry{}, store.ErrQueueEmpty
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return queueing.Compare(*waiting[i], *waiting[j]) < 0
	})
	entry := waiting[0]

	now := s.now()
	entry.Status = models.StatusInProgress
	entry.CalledAt = &now
	entry.Position = 0
	entry.EstimatedWait = 0

	provider.Availability = models.AvailabilityBusy
	provider.CurrentEntryID = &entry.EntryID
	provider.CurrentParticipantID = &entry.ParticipantID

	s.recompute(provider)
	s.recordRequest("call_next", input.RequestID, entry.EntryID)
	s.emit(store.EventEntryCalled, provider.ProviderID, store.NewEntryUpdate(*entry))
	s.emitQueueState(provider)
	return *entry, nil
}

func (s *Store) Complete(ctx context.Context, input store.CompleteInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
	}

	s.mu.Lock()

	if prior, found := s.priorResult("complete", input.RequestID); found {
		s.mu.Unlock()
		return prior, nil
	}
	entry, ok := s.entries[input.EntryID]
	if !ok {
		s.mu.Unlock()
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if input.Actor.Role == models.RoleProvider && input.Actor.ID != entry.ProviderID {
		s.mu.Unlock()
		return models.QueueEntry{}, store.ErrNotOwner
	}
	if models.IsTerminalStatus(entry.Status) {
		s.mu.Unlock()
		return models.QueueEntry{}, store.ErrEntryClosed
	}
	if !store.ValidTransition("complete", entry.Status) {
		s.mu.Unlock()
		return models.QueueEntry{}, store.ErrNotInService
	}
	provider := s.providers[entry.ProviderID]
	s.ensureCurrentDay(provider)

	now := s.now()
	duration := serviceMinutes(entry.CalledAt, now)
	provider.AvgServiceMinutes = foldAverage(provider.AvgServiceMinutes, provider.TotalServed, duration)
	provider.TotalServed++
	provider.ServedToday++
	provider.Availability = models.AvailabilityAvailable
	provider.CurrentEntryID = nil
	provider.CurrentParticipantID = nil

	entry.Status = models.StatusCompleted
	entry.CompletedAt = &now
	entry.Position = 0
	entry.EstimatedWait = 0
	if input.Notes != "" {
		entry.Notes = input.Notes
	}
	if entry.BookingID != nil {
		if booking, ok := s.bookings[*entry.BookingID]; ok {
			booking.Status = models.BookingCompleted
		}
	}

	s.recompute(provider)
	s.recordRequest("complete", input.RequestID, entry.EntryID)
	s.emit(store.EventEntryCompleted, provider.ProviderID, store.NewEntryUpdate(*entry))
	s.emitQueueState(provider)
	result := *entry
	autoAdvance := provider.AutoAdvance
	providerID := provider.ProviderID
	s.mu.Unlock()

	if autoAdvance {
		_, err := s.CallNext(ctx, store.CallNextInput{
			RequestID:  uuid.NewString(),
			ProviderID: providerID,
			Actor:      models.Actor{ID: "system", Role: models.RoleSystem},
		})
		if err != nil && err != store.ErrQueueEmpty {
			return models.QueueEntry{}, err
		}
	}
	return result, nil
}

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

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, found := s.priorResult(action, input.RequestID); found {
		return prior, nil
	}
	entry, ok := s.entries[input.EntryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if !input.Actor.IsStaff() && input.Actor.ID != entry.ParticipantID {
		return models.QueueEntry{}, store.ErrNotOwner
	}
	if models.IsTerminalStatus(entry.Status) {
		return models.QueueEntry{}, store.ErrEntryClosed
	}
	if !store.ValidTransition(action, entry.Status) {
		if input.Target == models.StatusNoShow {
			return models.QueueEntry{}, store.ErrNotInService
		}
		return models.QueueEntry{}, store.ErrNotWaiting
	}
	provider := s.providers[entry.ProviderID]
	s.ensureCurrentDay(provider)

	now := s.now()
	wasInService := entry.Status == models.StatusInProgress
	entry.Status = input.Target
	entry.CompletedAt = &now
	entry.Position = 0
	entry.EstimatedWait = 0
	if entry.BookingID != nil {
		if booking, ok := s.bookings[*entry.BookingID]; ok {
			if input.Target == models.StatusNoShow {
				booking.Status = models.BookingNoShow
			} else {
				booking.Status = models.BookingCancelled
			}
		}
	}
	if wasInService {
		provider.Availability = models.AvailabilityAvailable
		provider.CurrentEntryID = nil
		provider.CurrentParticipantID = nil
		provider.NoShowsToday++
	}

	s.recompute(provider)
	s.recordRequest(action, input.RequestID, entry.EntryID)
	s.emit(eventType, provider.ProviderID, store.NewEntryUpdate(*entry))
	s.emitQueueState(provider)
	return *entry, nil
}

func (s *Store) Reposition(ctx context.Context, input store.RepositionInput) (models.QueueEntry, error) {
	if !input.Actor.IsStaff() {
		return models.QueueEntry{}, store.ErrRoleDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, found := s.priorResult("reposition", input.RequestID); found {
		return prior, nil
	}
	entry, ok := s.entries[input.EntryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if !store.ValidTransition("reposition", entry.Status) {
		return models.QueueEntry{}, store.ErrNotWaiting
	}
	provider := s.providers[entry.ProviderID]

	waiting := s.waitingFor(provider.ProviderID)
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
	moved := waiting[idx]
	waiting = append(waiting[:idx], waiting[idx+1:]...)

	rank := input.NewRank
	if rank < 1 {
		rank = 1
	}
	if rank > len(waiting)+1 {
		rank = len(waiting) + 1
	}
	waiting = append(waiting[:rank-1], append([]*models.QueueEntry{moved}, waiting[rank-1:]...)...)
	for i, item := range waiting {
		item.Position = i + 1
		item.EstimatedWait = queueing.EstimatedWait(i+1, provider.AvgServiceMinutes, s.waitBufferFactor)
		s.emit(store.EventEntryUpdated, provider.ProviderID, store.NewEntryUpdate(*item))
	}

	s.recordRequest("reposition", input.RequestID, entry.EntryID)
	s.emitQueueState(provider)
	return *entry, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return *entry, nil
}

func (s *Store) GetProvider(ctx context.Context, providerID string) (models.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	provider, ok := s.providers[providerID]
	if !ok {
		return models.Provider{}, store.ErrProviderNotFound
	}
	return *provider, nil
}

func (s *Store) ProviderSnapshot(ctx context.Context, providerID string) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	provider, ok := s.providers[providerID]
	if !ok {
		return store.Snapshot{}, store.ErrProviderNotFound
	}
	return s.snapshotLocked(provider), nil
}

func (s *Store) SweepNoShows(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	s.mu.Lock()
	now := s.now()
	var overdue []string
	for _, entry := range s.entries {
		if entry.Status != models.StatusInProgress || entry.CalledAt == nil {
			continue
		}
		provider, ok := s.providers[entry.ProviderID]
		if !ok {
			continue
		}
		timeout := time.Duration(provider.NoShowTimeoutMinutes) * time.Minute
		if now.Sub(*entry.CalledAt) > timeout {
			overdue = append(overdue, entry.EntryID)
		}
	}
	sort.Strings(overdue)
	if len(overdue) > batchSize {
		overdue = overdue[:batchSize]
	}
	s.mu.Unlock()

	swept := 0
	for _, entryID := range overdue {
		_, err := s.UpdateEntryStatus(ctx, store.UpdateStatusInput{
			RequestID: uuid.NewString(),
			EntryID:   entryID,
			Target:    models.StatusNoShow,
			Actor:     models.Actor{ID: "system", Role: models.RoleSystem},
		})
		if err != nil {
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Store) SweepDailyRollover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rolled := 0
	for _, provider := range s.providers {
		dayKey := timeutil.CalendarDayKey(now, provider.Timezone)
		if provider.StatsDate != dayKey {
			provider.ServedToday = 0
			provider.NoShowsToday = 0
			provider.StatsDate = dayKey
			rolled++
		}
	}
	return rolled, nil
}

func (s *Store) RefreshWaitTimes(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refreshed := 0
	for _, provider := range s.providers {
		if len(s.waitingFor(provider.ProviderID)) == 0 {
			continue
		}
		s.recompute(provider)
		s.emitQueueState(provider)
		refreshed++
	}
	return refreshed, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// --- internals, caller must hold s.mu ---

func (s *Store) waitingFor(providerID string) []*models.QueueEntry {
	var waiting []*models.QueueEntry
	for _, entry := range s.entries {
		if entry.ProviderID == providerID && entry.Status == models.StatusWaiting {
			waiting = append(waiting, entry)
		}
	}
	return waiting
}

func (s *Store) recompute(provider *models.Provider) {
	waiting := s.waitingFor(provider.ProviderID)
	sorted := make([]models.QueueEntry, len(waiting))
	for i, entry := range waiting {
		sorted[i] = *entry
	}
	queueing.AssignPositions(sorted, provider.AvgServiceMinutes, s.waitBufferFactor)
	for _, item := range sorted {
		entry := s.entries[item.EntryID]
		entry.Position = item.Position
		entry.EstimatedWait = item.EstimatedWait
		s.emit(store.EventEntryUpdated, provider.ProviderID, store.NewEntryUpdate(*entry))
	}
}

func (s *Store) ensureCurrentDay(provider *models.Provider) {
	dayKey := timeutil.CalendarDayKey(s.now(), provider.Timezone)
	if provider.StatsDate != dayKey {
		provider.ServedToday = 0
		provider.NoShowsToday = 0
		provider.StatsDate = dayKey
	}
}

func (s *Store) allocateSerial(providerID, dayKey string) string {
	key := providerID + "|" + dayKey
	s.serials[key]++
	return fmt.Sprintf("%s-%s-%03d", providerID, dayKey, s.serials[key])
}

func (s *Store) priorResult(action, requestID string) (models.QueueEntry, bool) {
	if requestID == "" {
		return models.QueueEntry{}, false
	}
	entryID, ok := s.requests[action+"|"+requestID]
	if !ok {
		return models.QueueEntry{}, false
	}
	entry, ok := s.entries[entryID]
	if !ok {
		return models.QueueEntry{}, false
	}
	result := *entry
	result.RequestID = requestID
	return result, true
}

func (s *Store) recordRequest(action, requestID, entryID string) {
	if requestID == "" {
		return
	}
	s.requests[action+"|"+requestID] = entryID
}

func (s *Store) emit(eventType, providerID string, payload any) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.nextSeq++
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:        s.nextSeq,
		Type:       eventType,
		ProviderID: providerID,
		Payload:    payloadJSON,
		CreatedAt:  s.now(),
	})
}

func (s *Store) emitQueueState(provider *models.Provider) {
	s.emit(store.EventProviderStatus, provider.ProviderID, *provider)
	s.emit(store.EventQueueSnapshot, provider.ProviderID, s.snapshotLocked(provider))
}

func (s *Store) snapshotLocked(provider *models.Provider) store.Snapshot {
	var inService, waiting []models.QueueEntry
	for _, entry := range s.entries {
		if entry.ProviderID != provider.ProviderID {
			continue
		}
		switch entry.Status {
		case models.StatusInProgress:
			inService = append(inService, *entry)
		case models.StatusWaiting:
			waiting = append(waiting, *entry)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].Position < waiting[j].Position })
	return store.Snapshot{Provider: *provider, Queue: append(inService, waiting...)}
}

func serviceMinutes(calledAt *time.Time, completedAt time.Time) int {
	if calledAt == nil {
		return 1
	}
	minutes := int(completedAt.Sub(*calledAt).Round(time.Minute) / time.Minute)
	if minutes < 1 {
		return 1
	}
	return minutes
}

func foldAverage(oldAvg, totalServed, duration int) int {
	value := float64(oldAvg*totalServed+duration) / float64(totalServed+1)
	return int(value + 0.5)
}
