package store

import "errors"

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrBookingNotFound     = errors.New("booking not found")
	ErrEntryNotFound       = errors.New("entry not found")
	ErrQueueEmpty          = errors.New("no waiting entries")

	ErrWalkInsDisabled = errors.New("provider does not accept walk-ins")
	ErrCheckInDisabled = errors.New("provider does not accept scheduled check-in")
	ErrNotOwner        = errors.New("actor does not own this entry")
	ErrRoleDenied      = errors.New("actor role not permitted")

	ErrAlreadyInService = errors.New("another entry is already in service")
	ErrDuplicateCheckIn = errors.New("booking already has a queue entry")
	ErrEntryClosed      = errors.New("entry already in a terminal state")
	ErrNotWaiting       = errors.New("entry is not waiting")

	ErrOutsideWindow = errors.New("check-in outside the allowed window")
	ErrNotInService  = errors.New("entry is not in service")
	ErrBookingClosed = errors.New("booking is not open for check-in")

	// ErrTxConflict marks a store-level serialization failure. The whole
	// operation is safe to retry from scratch.
	ErrTxConflict = errors.New("transaction serialization conflict")
)

// Error kinds, used by the API layer to pick a status code.
const (
	KindForbidden = "forbidden"
	KindNotFound  = "not_found"
	KindConflict  = "conflict"
	KindInvalid   = "invalid"
	KindTransient = "transient"
	KindInternal  = "internal"
)

// Kind classifies an operation error into one of the error kinds above.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrProviderNotFound),
		errors.Is(err, ErrParticipantNotFound),
		errors.Is(err, ErrBookingNotFound),
		errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrQueueEmpty):
		return KindNotFound
	case errors.Is(err, ErrWalkInsDisabled),
		errors.Is(err, ErrCheckInDisabled),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrRoleDenied):
		return KindForbidden
	case errors.Is(err, ErrAlreadyInService),
		errors.Is(err, ErrDuplicateCheckIn),
		errors.Is(err, ErrEntryClosed),
		errors.Is(err, ErrNotWaiting):
		return KindConflict
	case errors.Is(err, ErrOutsideWindow),
		errors.Is(err, ErrNotInService),
		errors.Is(err, ErrBookingClosed):
		return KindInvalid
	case errors.Is(err, ErrTxConflict):
		return KindTransient
	default:
		return KindInternal
	}
}
