package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

var (
	staffActor  = models.Actor{ID: "assistant-1", Role: models.RoleAssistant}
	systemActor = models.Actor{ID: "system", Role: models.RoleSystem}
)

func newTestStore(t *testing.T, at time.Time) *Store {
	t.Helper()
	s := NewStore(Options{Now: func() time.Time { return at }})
	s.AddProvider(models.Provider{
		ProviderID:           "prov-1",
		Timezone:             "UTC",
		AvgServiceMinutes:    15,
		Availability:         models.AvailabilityAvailable,
		AllowWalkIns:         true,
		AllowCheckIn:         true,
		NoShowTimeoutMinutes: 10,
	})
	for i := 1; i <= 8; i++ {
		s.AddParticipant(models.Participant{ParticipantID: fmt.Sprintf("part-%d", i)})
	}
	return s
}

func admit(t *testing.T, s *Store, participantID string) models.QueueEntry {
	t.Helper()
	entry, err := s.AdmitWalkIn(context.Background(), store.AdmitWalkInInput{
		RequestID:     uuid.NewString(),
		ProviderID:    "prov-1",
		ParticipantID: participantID,
		Actor:         staffActor,
	})
	if err != nil {
		t.Fatalf("AdmitWalkIn(%s): %v", participantID, err)
	}
	return entry
}

func TestAdmitWalkInAssignsSerialAndPosition(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)

	first := admit(t, s, "part-1")
	second := admit(t, s, "part-2")

	if first.SerialNumber != "prov-1-2026-03-10-001" {
		t.Fatalf("first serial = %q", first.SerialNumber)
	}
	if second.SerialNumber != "prov-1-2026-03-10-002" {
		t.Fatalf("second serial = %q", second.SerialNumber)
	}
	if first.Position != 1 || first.EstimatedWait != 0 {
		t.Fatalf("first position/wait = %d/%d", first.Position, first.EstimatedWait)
	}
	if second.Position != 2 || second.EstimatedWait != 18 {
		t.Fatalf("second position/wait = %d/%d", second.Position, second.EstimatedWait)
	}
}

func TestAdmitWalkInDisabled(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	s.AddProvider(models.Provider{
		ProviderID:   "prov-closed",
		Timezone:     "UTC",
		AllowWalkIns: false,
	})

	_, err := s.AdmitWalkIn(context.Background(), store.AdmitWalkInInput{
		RequestID:     uuid.NewString(),
		ProviderID:    "prov-closed",
		ParticipantID: "part-1",
		Actor:         staffActor,
	})
	if !errors.Is(err, store.ErrWalkInsDisabled) {
		t.Fatalf("err = %v, want ErrWalkInsDisabled", err)
	}
	if store.Kind(err) != store.KindForbidden {
		t.Fatalf("kind = %v, want forbidden", store.Kind(err))
	}
}

func TestAdmitWalkInIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)

	requestID := uuid.NewString()
	input := store.AdmitWalkInInput{
		RequestID:     requestID,
		ProviderID:    "prov-1",
		ParticipantID: "part-1",
		Actor:         staffActor,
	}
	first, err := s.AdmitWalkIn(context.Background(), input)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	second, err := s.AdmitWalkIn(context.Background(), input)
	if err != nil {
		t.Fatalf("retried admit: %v", err)
	}
	if first.EntryID != second.EntryID {
		t.Fatalf("retry created a new entry: %s vs %s", first.EntryID, second.EntryID)
	}
	snapshot, err := s.ProviderSnapshot(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Queue) != 1 {
		t.Fatalf("queue length = %d after retry, want 1", len(snapshot.Queue))
	}
}

func TestCheckInWindowAndPriority(t *testing.T) {
	scheduled := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		at       time.Time
		wantErr  error
		priority int
	}{
		{"on time", scheduled, nil, models.PriorityExpedited},
		{"edge early", scheduled.Add(-30 * time.Minute), nil, models.PriorityExpedited},
		{"edge late", scheduled.Add(15 * time.Minute), nil, models.PriorityExpedited},
		{"too early", scheduled.Add(-31 * time.Minute), store.ErrOutsideWindow, 0},
		{"too late", scheduled.Add(16 * time.Minute), store.ErrOutsideWindow, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, tt.at)
			s.AddBooking(models.Booking{
				BookingID:     "book-1",
				ProviderID:    "prov-1",
				ParticipantID: "part-1",
				ScheduledAt:   scheduled,
			})
			entry, err := s.CheckInScheduled(context.Background(), store.CheckInInput{
				RequestID: uuid.NewString(),
				BookingID: "book-1",
				Actor:     models.Actor{ID: "part-1", Role: models.RoleParticipant},
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if entry.Priority != tt.priority {
				t.Fatalf("priority = %d, want %d", entry.Priority, tt.priority)
			}
		})
	}
}

func TestCheckInTwiceRejected(t *testing.T) {
	scheduled := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, scheduled)
	s.AddBooking(models.Booking{
		BookingID:     "book-1",
		ProviderID:    "prov-1",
		ParticipantID: "part-1",
		ScheduledAt:   scheduled,
	})

	if _, err := s.CheckInScheduled(context.Background(), store.CheckInInput{
		RequestID: uuid.NewString(),
		BookingID: "book-1",
		Actor:     staffActor,
	}); err != nil {
		t.Fatal(err)
	}
	_, err := s.CheckInScheduled(context.Background(), store.CheckInInput{
		RequestID: uuid.NewString(),
		BookingID: "book-1",
		Actor:     staffActor,
	})
	if !errors.Is(err, store.ErrDuplicateCheckIn) {
		t.Fatalf("err = %v, want ErrDuplicateCheckIn", err)
	}
}

func TestCheckInForeignBookingRejected(t *testing.T) {
	scheduled := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, scheduled)
	s.AddBooking(models.Booking{
		BookingID:     "book-1",
		ProviderID:    "prov-1",
		ParticipantID: "part-1",
		ScheduledAt:   scheduled,
	})

	_, err := s.CheckInScheduled(context.Background(), store.CheckInInput{
		RequestID: uuid.NewString(),
		BookingID: "book-1",
		Actor:     models.Actor{ID: "part-2", Role: models.RoleParticipant},
	})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

// A provider serves at most one participant at a time: a second call without
// an intervening completion must fail, and completion must free the provider.
func TestCallNextMutualExclusion(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	admit(t, s, "part-1")
	admit(t, s, "part-2")

	called, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if called.ParticipantID != "part-1" {
		t.Fatalf("called %s, want part-1", called.ParticipantID)
	}
	if called.Status != models.StatusInProgress || called.CalledAt == nil {
		t.Fatalf("called entry = %+v", called)
	}

	provider, err := s.GetProvider(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if provider.Availability != models.AvailabilityBusy || provider.CurrentEntryID == nil {
		t.Fatalf("provider after call = %+v", provider)
	}

	_, err = s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if !errors.Is(err, store.ErrAlreadyInService) {
		t.Fatalf("second call err = %v, want ErrAlreadyInService", err)
	}

	// Remaining queue closed up to a dense 1..N.
	snapshot, err := s.ProviderSnapshot(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	waitingSeen := 0
	for _, entry := range snapshot.Queue {
		if entry.Status == models.StatusWaiting {
			waitingSeen++
			if entry.Position != waitingSeen {
				t.Fatalf("waiting position = %d, want %d", entry.Position, waitingSeen)
			}
		}
	}
	if waitingSeen != 1 {
		t.Fatalf("waiting count = %d, want 1", waitingSeen)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)

	_, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if !errors.Is(err, store.ErrQueueEmpty) {
		t.Fatalf("err = %v, want ErrQueueEmpty", err)
	}
}

func TestCallNextRequiresStaff(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	admit(t, s, "part-1")

	_, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      models.Actor{ID: "part-1", Role: models.RoleParticipant},
	})
	if !errors.Is(err, store.ErrRoleDenied) {
		t.Fatalf("err = %v, want ErrRoleDenied", err)
	}

	_, err = s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      models.Actor{ID: "prov-2", Role: models.RoleProvider},
	})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestCompleteFoldsServiceAverage(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	current := base
	s := NewStore(Options{Now: func() time.Time { return current }})
	s.AddProvider(models.Provider{
		ProviderID:        "prov-1",
		Timezone:          "UTC",
		AvgServiceMinutes: 15,
		Availability:      models.AvailabilityAvailable,
		AllowWalkIns:      true,
		TotalServed:       9,
	})
	s.AddParticipant(models.Participant{ParticipantID: "part-1"})

	admit(t, s, "part-1")
	called, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}

	current = base.Add(25 * time.Minute)
	completed, err := s.Complete(context.Background(), store.CompleteInput{
		RequestID: uuid.NewString(),
		EntryID:   called.EntryID,
		Notes:     "follow-up in two weeks",
		Actor:     staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed entry = %+v", completed)
	}
	if completed.Notes != "follow-up in two weeks" {
		t.Fatalf("notes = %q", completed.Notes)
	}

	provider, err := s.GetProvider(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	// (15*9 + 25) / 10 = 16
	if provider.AvgServiceMinutes != 16 {
		t.Fatalf("avg = %d, want 16", provider.AvgServiceMinutes)
	}
	if provider.TotalServed != 10 || provider.ServedToday != 1 {
		t.Fatalf("served counters = %d/%d", provider.TotalServed, provider.ServedToday)
	}
	if provider.Availability != models.AvailabilityAvailable || provider.CurrentEntryID != nil {
		t.Fatalf("provider not freed: %+v", provider)
	}
}

func TestCompleteAutoAdvances(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return base }})
	s.AddProvider(models.Provider{
		ProviderID:        "prov-1",
		Timezone:          "UTC",
		AvgServiceMinutes: 15,
		Availability:      models.AvailabilityAvailable,
		AllowWalkIns:      true,
		AutoAdvance:       true,
	})
	s.AddParticipant(models.Participant{ParticipantID: "part-1"})
	s.AddParticipant(models.Participant{ParticipantID: "part-2"})

	admit(t, s, "part-1")
	admit(t, s, "part-2")
	called, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(context.Background(), store.CompleteInput{
		RequestID: uuid.NewString(),
		EntryID:   called.EntryID,
		Actor:     staffActor,
	}); err != nil {
		t.Fatal(err)
	}

	provider, err := s.GetProvider(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if provider.Availability != models.AvailabilityBusy || provider.CurrentParticipantID == nil {
		t.Fatalf("auto-advance did not call next: %+v", provider)
	}
	if *provider.CurrentParticipantID != "part-2" {
		t.Fatalf("advanced to %s, want part-2", *provider.CurrentParticipantID)
	}

	// Completing the last entry leaves the provider idle, not errored.
	if _, err := s.Complete(context.Background(), store.CompleteInput{
		RequestID: uuid.NewString(),
		EntryID:   *provider.CurrentEntryID,
		Actor:     staffActor,
	}); err != nil {
		t.Fatal(err)
	}
	provider, _ = s.GetProvider(context.Background(), "prov-1")
	if provider.Availability != models.AvailabilityAvailable {
		t.Fatalf("provider after draining queue = %+v", provider)
	}
}

func TestCompleteRequiresInService(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	entry := admit(t, s, "part-1")

	_, err := s.Complete(context.Background(), store.CompleteInput{
		RequestID: uuid.NewString(),
		EntryID:   entry.EntryID,
		Actor:     staffActor,
	})
	if !errors.Is(err, store.ErrNotInService) {
		t.Fatalf("err = %v, want ErrNotInService", err)
	}
}

func TestCancelWaitingEntryClosesGap(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	first := admit(t, s, "part-1")
	admit(t, s, "part-2")
	third := admit(t, s, "part-3")

	cancelled, err := s.UpdateEntryStatus(context.Background(), store.UpdateStatusInput{
		RequestID: uuid.NewString(),
		EntryID:   first.EntryID,
		Target:    models.StatusCancelled,
		Actor:     models.Actor{ID: "part-1", Role: models.RoleParticipant},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	got, err := s.GetEntry(context.Background(), third.EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Position != 2 {
		t.Fatalf("third entry position = %d after cancel, want 2", got.Position)
	}

	// Terminal entries reject further transitions.
	_, err = s.UpdateEntryStatus(context.Background(), store.UpdateStatusInput{
		RequestID: uuid.NewString(),
		EntryID:   first.EntryID,
		Target:    models.StatusCancelled,
		Actor:     staffActor,
	})
	if !errors.Is(err, store.ErrEntryClosed) {
		t.Fatalf("err = %v, want ErrEntryClosed", err)
	}
}

func TestCancelForeignEntryRejected(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	entry := admit(t, s, "part-1")

	_, err := s.UpdateEntryStatus(context.Background(), store.UpdateStatusInput{
		RequestID: uuid.NewString(),
		EntryID:   entry.EntryID,
		Target:    models.StatusCancelled,
		Actor:     models.Actor{ID: "part-2", Role: models.RoleParticipant},
	})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestNoShowSweep(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	current := base
	s := NewStore(Options{Now: func() time.Time { return current }})
	s.AddProvider(models.Provider{
		ProviderID:           "prov-1",
		Timezone:             "UTC",
		AvgServiceMinutes:    15,
		Availability:         models.AvailabilityAvailable,
		AllowWalkIns:         true,
		NoShowTimeoutMinutes: 10,
	})
	s.AddParticipant(models.Participant{ParticipantID: "part-1"})
	s.AddParticipant(models.Participant{ParticipantID: "part-2"})

	admit(t, s, "part-1")
	admit(t, s, "part-2")
	called, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Inside the timeout: nothing to sweep.
	current = base.Add(9 * time.Minute)
	swept, err := s.SweepNoShows(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 0 {
		t.Fatalf("swept = %d before timeout, want 0", swept)
	}

	current = base.Add(11 * time.Minute)
	swept, err = s.SweepNoShows(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	entry, err := s.GetEntry(context.Background(), called.EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != models.StatusNoShow {
		t.Fatalf("status = %s, want no_show", entry.Status)
	}
	provider, err := s.GetProvider(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if provider.NoShowsToday != 1 {
		t.Fatalf("no_shows_today = %d, want 1", provider.NoShowsToday)
	}
	if provider.Availability != models.AvailabilityAvailable || provider.CurrentEntryID != nil {
		t.Fatalf("provider not freed by sweep: %+v", provider)
	}
}

func TestDailyRolloverResetsCountersAndSerials(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	current := day1
	s := NewStore(Options{Now: func() time.Time { return current }})
	s.AddProvider(models.Provider{
		ProviderID:        "prov-1",
		Timezone:          "UTC",
		AvgServiceMinutes: 15,
		Availability:      models.AvailabilityAvailable,
		AllowWalkIns:      true,
	})
	s.AddParticipant(models.Participant{ParticipantID: "part-1"})
	s.AddParticipant(models.Participant{ParticipantID: "part-2"})

	admit(t, s, "part-1")
	called, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(context.Background(), store.CompleteInput{
		RequestID: uuid.NewString(),
		EntryID:   called.EntryID,
		Actor:     staffActor,
	}); err != nil {
		t.Fatal(err)
	}

	// Next calendar day: the sweep resets daily counters, lifetime stats stay.
	current = day1.Add(20 * time.Minute)
	rolled, err := s.SweepDailyRollover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rolled != 1 {
		t.Fatalf("rolled = %d, want 1", rolled)
	}
	provider, err := s.GetProvider(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if provider.ServedToday != 0 || provider.NoShowsToday != 0 {
		t.Fatalf("daily counters = %d/%d after rollover", provider.ServedToday, provider.NoShowsToday)
	}
	if provider.TotalServed != 1 {
		t.Fatalf("total_served = %d, want 1", provider.TotalServed)
	}
	if provider.StatsDate != "2026-03-11" {
		t.Fatalf("stats_date = %s", provider.StatsDate)
	}

	// Serials restart at 001 under the new day key.
	entry := admit(t, s, "part-2")
	if entry.SerialNumber != "prov-1-2026-03-11-001" {
		t.Fatalf("serial = %q, want prov-1-2026-03-11-001", entry.SerialNumber)
	}
}

func TestRepositionClampsRank(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	first := admit(t, s, "part-1")
	admit(t, s, "part-2")
	admit(t, s, "part-3")

	moved, err := s.Reposition(context.Background(), store.RepositionInput{
		RequestID: uuid.NewString(),
		EntryID:   first.EntryID,
		NewRank:   99,
		Actor:     staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if moved.Position != 3 {
		t.Fatalf("position = %d, want clamped 3", moved.Position)
	}

	moved, err = s.Reposition(context.Background(), store.RepositionInput{
		RequestID: uuid.NewString(),
		EntryID:   first.EntryID,
		NewRank:   -5,
		Actor:     staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if moved.Position != 1 {
		t.Fatalf("position = %d, want clamped 1", moved.Position)
	}

	snapshot, err := s.ProviderSnapshot(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	for i, entry := range snapshot.Queue {
		if entry.Position != i+1 {
			t.Fatalf("position[%d] = %d, want dense order", i, entry.Position)
		}
	}
}

func TestRepositionRequiresWaiting(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	admit(t, s, "part-1")
	called, err := s.CallNext(context.Background(), store.CallNextInput{
		RequestID:  uuid.NewString(),
		ProviderID: "prov-1",
		Actor:      staffActor,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Reposition(context.Background(), store.RepositionInput{
		RequestID: uuid.NewString(),
		EntryID:   called.EntryID,
		NewRank:   1,
		Actor:     staffActor,
	})
	if !errors.Is(err, store.ErrNotWaiting) {
		t.Fatalf("err = %v, want ErrNotWaiting", err)
	}
}

// Concurrent admissions must never duplicate or skip a serial.
func TestConcurrentAdmissionsUniqueSerials(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return base }})
	s.AddProvider(models.Provider{
		ProviderID:        "prov-1",
		Timezone:          "UTC",
		AvgServiceMinutes: 15,
		Availability:      models.AvailabilityAvailable,
		AllowWalkIns:      true,
	})
	const workers = 20
	for i := 0; i < workers; i++ {
		s.AddParticipant(models.Participant{ParticipantID: fmt.Sprintf("part-%d", i)})
	}

	var wg sync.WaitGroup
	serials := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := s.AdmitWalkIn(context.Background(), store.AdmitWalkInInput{
				RequestID:     uuid.NewString(),
				ProviderID:    "prov-1",
				ParticipantID: fmt.Sprintf("part-%d", i),
				Actor:         staffActor,
			})
			if err != nil {
				t.Errorf("admit %d: %v", i, err)
				return
			}
			serials[i] = entry.SerialNumber
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, workers)
	for i, serial := range serials {
		if serial == "" {
			t.Fatalf("worker %d produced no serial", i)
		}
		if seen[serial] {
			t.Fatalf("duplicate serial %q", serial)
		}
		seen[serial] = true
	}

	snapshot, err := s.ProviderSnapshot(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Queue) != workers {
		t.Fatalf("queue length = %d, want %d", len(snapshot.Queue), workers)
	}
	for i, entry := range snapshot.Queue {
		if entry.Position != i+1 {
			t.Fatalf("position[%d] = %d, want dense 1..N", i, entry.Position)
		}
	}
}

// Many goroutines race CallNext and Complete; at every observable point at
// most one entry per provider is in service.
func TestConcurrentCallCompleteMutualExclusion(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := NewStore(Options{Now: func() time.Time { return base }})
	s.AddProvider(models.Provider{
		ProviderID:        "prov-1",
		Timezone:          "UTC",
		AvgServiceMinutes: 15,
		Availability:      models.AvailabilityAvailable,
		AllowWalkIns:      true,
	})
	const entries = 12
	for i := 0; i < entries; i++ {
		id := fmt.Sprintf("part-%d", i)
		s.AddParticipant(models.Participant{ParticipantID: id})
		admit(t, s, id)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				called, err := s.CallNext(context.Background(), store.CallNextInput{
					RequestID:  uuid.NewString(),
					ProviderID: "prov-1",
					Actor:      staffActor,
				})
				if errors.Is(err, store.ErrQueueEmpty) {
					return
				}
				if errors.Is(err, store.ErrAlreadyInService) {
					continue
				}
				if err != nil {
					t.Errorf("call next: %v", err)
					return
				}
				if _, err := s.Complete(context.Background(), store.CompleteInput{
					RequestID: uuid.NewString(),
					EntryID:   called.EntryID,
					Actor:     staffActor,
				}); err != nil && !errors.Is(err, store.ErrEntryClosed) {
					t.Errorf("complete: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	snapshot, err := s.ProviderSnapshot(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.Queue) != 0 {
		t.Fatalf("queue not drained: %d left", len(snapshot.Queue))
	}
	provider, err := s.GetProvider(context.Background(), "prov-1")
	if err != nil {
		t.Fatal(err)
	}
	if provider.TotalServed != entries {
		t.Fatalf("total_served = %d, want %d", provider.TotalServed, entries)
	}
	if provider.CurrentEntryID != nil {
		t.Fatalf("provider still holds an entry after drain")
	}
}

func TestOutboxEventsEmittedInOrder(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, base)
	admit(t, s, "part-1")

	events, err := s.ListOutboxEvents(context.Background(), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatal("no outbox events after admission")
	}
	types := make(map[string]bool)
	var lastSeq int64
	for _, event := range events {
		if event.Seq <= lastSeq {
			t.Fatalf("seq not increasing: %d after %d", event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		types[event.Type] = true
	}
	for _, want := range []string{store.EventEntryAdmitted, store.EventQueueSnapshot, store.EventProviderStatus} {
		if !types[want] {
			t.Fatalf("missing event type %s", want)
		}
	}

	// Paging resumes after the cursor.
	tail, err := s.ListOutboxEvents(context.Background(), events[0].Seq, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != len(events)-1 {
		t.Fatalf("tail length = %d, want %d", len(tail), len(events)-1)
	}
}
