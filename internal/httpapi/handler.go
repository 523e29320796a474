package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/DesignJungle/qhop/internal/broadcast"
	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store       store.TicketStore
	coordinator *broadcast.Coordinator
}

func NewHandler(st store.TicketStore, coordinator *broadcast.Coordinator) *Handler {
	return &Handler{store: st, coordinator: coordinator}
}

type joinRequest struct {
	QueueID   string `json:"queue_id"`
	ServiceID string `json:"service_id"`
}

type leaveRequest struct {
	TicketID string `json:"ticket_id"`
}

type callNextRequest struct {
	QueueID string `json:"queue_id"`
}

type advanceRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue/join", h.handleJoin)
	mux.HandleFunc("/api/queue/leave", h.handleLeave)
	mux.HandleFunc("/api/queue/call-next", h.handleCallNext)
	mux.HandleFunc("/api/queue/", h.handleQueue)
	mux.HandleFunc("/api/tickets/active", h.handleActiveTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketStatus)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := requireRole(w, r, store.RoleCustomer)
	if !ok {
		return
	}

	var req joinRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.QueueID = strings.TrimSpace(req.QueueID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.QueueID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue_id is required")
		return
	}
	if !isValidUUID(req.QueueID) || (req.ServiceID != "" && !isValidUUID(req.ServiceID)) {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue_id and service_id must be UUIDs")
		return
	}

	ticket, err := h.store.Join(r.Context(), store.JoinInput{
		QueueID:    req.QueueID,
		CustomerID: actor.PrincipalID,
		ServiceID:  req.ServiceID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.finishMutation(w, r, ticket, http.StatusCreated)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req leaveRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.TicketID = strings.TrimSpace(req.TicketID)
	if !isValidUUID(req.TicketID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	ticket, err := h.store.Cancel(r.Context(), store.CancelInput{
		TicketID:   req.TicketID,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.finishMutation(w, r, ticket, http.StatusOK)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := requireRole(w, r, store.RoleBusiness)
	if !ok {
		return
	}

	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.QueueID = strings.TrimSpace(req.QueueID)
	if !isValidUUID(req.QueueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	ticket, err := h.store.CallNext(r.Context(), req.QueueID, actor, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.finishMutation(w, r, ticket, http.StatusOK)
}

// handleQueue serves GET /api/queue/{id}/status and /api/queue/{id}/snapshot.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || !isValidUUID(parts[0]) {
		writeError(w, http.StatusNotFound, "not_found", "unknown queue endpoint")
		return
	}
	queueID := parts[0]

	switch parts[1] {
	case "status":
		summary, err := broadcast.BuildSummary(r.Context(), h.store, queueID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case "snapshot":
		actor, ok := requireRole(w, r, store.RoleBusiness)
		if !ok {
			return
		}
		queue, err := h.store.GetQueue(r.Context(), queueID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		if queue.BusinessID != actor.BusinessID {
			writeError(w, http.StatusForbidden, "access_denied", "queue belongs to another business")
			return
		}
		tickets, err := h.store.Snapshot(r.Context(), queueID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"queue_id": queueID, "tickets": tickets})
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown queue endpoint")
	}
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, ok := requireRole(w, r, store.RoleCustomer)
	if !ok {
		return
	}
	ticket, found, err := h.store.ActiveTicketForCustomer(r.Context(), actor.PrincipalID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "ticket_not_found", "no active ticket")
		return
	}
	h.attachEstimate(r, &ticket)
	writeJSON(w, http.StatusOK, ticket)
}

// handleTicketStatus serves POST /api/tickets/{id}/status.
func (h *Handler) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "status" || !isValidUUID(parts[0]) {
		writeError(w, http.StatusNotFound, "not_found", "unknown ticket endpoint")
		return
	}
	actor, ok := requireRole(w, r, store.RoleBusiness)
	if !ok {
		return
	}

	var req advanceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if !isKnownStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status value")
		return
	}

	ticket, err := h.store.AdvanceStatus(r.Context(), store.AdvanceInput{
		TicketID:   parts[0],
		NewStatus:  req.Status,
		Notes:      req.Notes,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.finishMutation(w, r, ticket, http.StatusOK)
}

// finishMutation runs the post-commit path shared by every mutating
// endpoint: fan out the delta, attach the fresh estimate, respond.
func (h *Handler) finishMutation(w http.ResponseWriter, r *http.Request, ticket models.Ticket, status int) {
	h.coordinator.TicketChanged(r.Context(), ticket)
	h.attachEstimate(r, &ticket)
	writeJSON(w, status, ticket)
}

func (h *Handler) attachEstimate(r *http.Request, ticket *models.Ticket) {
	if ticket.Status != models.StatusWaiting {
		return
	}
	minutes, err := broadcast.EstimateWait(r.Context(), h.store, ticket.QueueID, ticket.Position)
	if err != nil {
		return
	}
	ticket.EstimatedMin = minutes
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isKnownStatus(status string) bool {
	return models.Active(status) || models.Terminal(status)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is not accepting new tickets"
	case errors.Is(err, store.ErrQueueFull):
		return http.StatusConflict, "queue_full", "queue is at capacity"
	case errors.Is(err, store.ErrAlreadyQueued):
		return http.StatusConflict, "already_queued", "customer already holds an active ticket for this business"
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusConflict, "empty_queue", "no customers waiting in queue"
	case errors.Is(err, store.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
