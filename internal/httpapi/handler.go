package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

// transient operations are retried this many times before giving up.
const maxRetries = 3

type Handler struct {
	queue  store.Queue
	logger *zap.Logger
}

func NewHandler(queue store.Queue, logger *zap.Logger) *Handler {
	return &Handler{queue: queue, logger: logger}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/entries", h.handleAdmitWalkIn)
	mux.HandleFunc("/api/entries/", h.handleEntry)
	mux.HandleFunc("/api/checkins", h.handleCheckIn)
	mux.HandleFunc("/api/queue/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/providers/status", h.handleProviderStatus)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

type admitRequest struct {
	RequestID     string `json:"request_id"`
	ProviderID    string `json:"provider_id"`
	ParticipantID string `json:"participant_id"`
	Priority      int    `json:"priority"`
}

type checkInRequest struct {
	RequestID string `json:"request_id"`
	BookingID string `json:"booking_id"`
}

type callNextRequest struct {
	RequestID  string `json:"request_id"`
	ProviderID string `json:"provider_id"`
}

type completeRequest struct {
	RequestID string `json:"request_id"`
	Notes     string `json:"notes"`
}

type statusRequest struct {
	RequestID string `json:"request_id"`
}

type repositionRequest struct {
	RequestID string `json:"request_id"`
	NewRank   int    `json:"new_rank"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAdmitWalkIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req admitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.RequestID == "" || req.ProviderID == "" || req.ParticipantID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, provider_id, and participant_id are required")
		return
	}

	entry, err := h.withRetry(r, func() (models.QueueEntry, error) {
		return h.queue.AdmitWalkIn(r.Context(), store.AdmitWalkInInput{
			RequestID:        req.RequestID,
			ProviderID:       req.ProviderID,
			ParticipantID:    req.ParticipantID,
			PriorityOverride: req.Priority,
			Actor:            actor,
		})
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.RequestID == "" || req.BookingID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and booking_id are required")
		return
	}

	entry, err := h.withRetry(r, func() (models.QueueEntry, error) {
		return h.queue.CheckInScheduled(r.Context(), store.CheckInInput{
			RequestID: req.RequestID,
			BookingID: req.BookingID,
			Actor:     actor,
		})
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}

	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.RequestID == "" || req.ProviderID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and provider_id are required")
		return
	}

	entry, err := h.withRetry(r, func() (models.QueueEntry, error) {
		return h.queue.CallNext(r.Context(), store.CallNextInput{
			RequestID:  req.RequestID,
			ProviderID: req.ProviderID,
			Actor:      actor,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrQueueEmpty) {
			writeError(w, req.RequestID, http.StatusConflict, "queue_empty", "no waiting entries")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleEntry serves GET /api/entries/{id} and POST
// /api/entries/{id}/actions/{complete|cancel|no-show|reposition}.
func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && parts[0] != "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetEntry(w, r, parts[0])
		return
	}
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entryID := parts[0]
	switch parts[2] {
	case "complete":
		h.handleComplete(w, r, entryID)
	case "cancel":
		h.handleStatusAction(w, r, entryID, models.StatusCancelled)
	case "no-show":
		h.handleStatusAction(w, r, entryID, models.StatusNoShow)
	case "reposition":
		h.handleReposition(w, r, entryID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	entry, err := h.queue.GetEntry(r.Context(), entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !actor.IsStaff() && actor.ID != entry.ParticipantID {
		writeError(w, "", http.StatusForbidden, "not_owner", "entry belongs to another participant")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, entryID string) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}

	entry, err := h.withRetry(r, func() (models.QueueEntry, error) {
		return h.queue.Complete(r.Context(), store.CompleteInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			Notes:     req.Notes,
			Actor:     actor,
		})
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleStatusAction(w http.ResponseWriter, r *http.Request, entryID, target string) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}

	entry, err := h.withRetry(r, func() (models.QueueEntry, error) {
		return h.queue.UpdateEntryStatus(r.Context(), store.UpdateStatusInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			Target:    target,
			Actor:     actor,
		})
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleReposition(w http.ResponseWriter, r *http.Request, entryID string) {
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req repositionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}

	entry, err := h.withRetry(r, func() (models.QueueEntry, error) {
		return h.queue.Reposition(r.Context(), store.RepositionInput{
			RequestID: req.RequestID,
			EntryID:   entryID,
			NewRank:   req.NewRank,
			Actor:     actor,
		})
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "provider_id is required")
		return
	}
	snapshot, err := h.queue.ProviderSnapshot(r.Context(), providerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "provider_id is required")
		return
	}
	provider, err := h.queue.GetProvider(r.Context(), providerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, provider)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	if !actor.IsStaff() {
		writeError(w, "", http.StatusForbidden, "role_denied", "staff role required")
		return
	}

	var after int64
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := strconv.ParseInt(afterRaw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.queue.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// withRetry re-runs an operation that lost a serialization race. The store
// guarantees the whole call is safe to retry from scratch.
func (h *Handler) withRetry(r *http.Request, op func() (models.QueueEntry, error)) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		entry, err = op()
		if !errors.Is(err, store.ErrTxConflict) {
			return entry, err
		}
		select {
		case <-r.Context().Done():
			return models.QueueEntry{}, r.Context().Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return entry, err
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrProviderNotFound):
		return http.StatusNotFound, "provider_not_found", "provider not found"
	case errors.Is(err, store.ErrParticipantNotFound):
		return http.StatusNotFound, "participant_not_found", "participant not found"
	case errors.Is(err, store.ErrBookingNotFound):
		return http.StatusNotFound, "booking_not_found", "booking not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "entry not found"
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusNotFound, "queue_empty", "no waiting entries"
	case errors.Is(err, store.ErrWalkInsDisabled):
		return http.StatusForbidden, "walk_ins_disabled", "provider does not accept walk-ins"
	case errors.Is(err, store.ErrCheckInDisabled):
		return http.StatusForbidden, "check_in_disabled", "provider does not accept scheduled check-in"
	case errors.Is(err, store.ErrNotOwner):
		return http.StatusForbidden, "not_owner", "entry belongs to another participant"
	case errors.Is(err, store.ErrRoleDenied):
		return http.StatusForbidden, "role_denied", "actor role not permitted"
	case errors.Is(err, store.ErrAlreadyInService):
		return http.StatusConflict, "already_in_service", "another entry is already in service"
	case errors.Is(err, store.ErrDuplicateCheckIn):
		return http.StatusConflict, "duplicate_check_in", "booking already has a queue entry"
	case errors.Is(err, store.ErrEntryClosed):
		return http.StatusConflict, "entry_closed", "entry already in a terminal state"
	case errors.Is(err, store.ErrNotWaiting):
		return http.StatusConflict, "not_waiting", "entry is not waiting"
	case errors.Is(err, store.ErrOutsideWindow):
		return http.StatusBadRequest, "outside_window", "check-in outside the allowed window"
	case errors.Is(err, store.ErrNotInService):
		return http.StatusBadRequest, "not_in_service", "entry is not in service"
	case errors.Is(err, store.ErrBookingClosed):
		return http.StatusBadRequest, "booking_closed", "booking is not open for check-in"
	case errors.Is(err, store.ErrTxConflict):
		return http.StatusServiceUnavailable, "tx_conflict", "operation lost a serialization race, retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
