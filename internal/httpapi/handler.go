package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/estimator"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/notify"
	"qms/ticket-service/internal/queue"
	"qms/ticket-service/internal/store"

	"github.com/google/uuid"
)

type TicketService interface {
	Join(ctx context.Context, input queue.JoinInput) (models.Ticket, error)
	Get(ctx context.Context, ticketID string) (models.Ticket, error)
	List(ctx context.Context, status string) ([]models.Ticket, error)
	UpdateTerminalStatus(ctx context.Context, ticketID, status string) (models.Ticket, error)
	ClearHistory(ctx context.Context) (int, error)
	WipeAll(ctx context.Context) (int, error)
}

type CounterService interface {
	List(ctx context.Context) ([]models.Counter, error)
	CallNext(ctx context.Context, counterID int) (models.Ticket, error)
	Release(ctx context.Context, counterID int) (models.Counter, error)
	Toggle(ctx context.Context, counterID int) (models.Counter, error)
	AssignStaff(ctx context.Context, counterID int, staffID string) (models.Counter, error)
	Unassign(ctx context.Context, counterID int) (models.Counter, error)
	Complete(ctx context.Context, counterID int, status string) (models.Ticket, error)
	ClearAllAssignmentsAndCurrentTickets(ctx context.Context) error
}

type CatalogService interface {
	List(ctx context.Context) ([]models.Service, error)
	Save(ctx context.Context, svc models.Service) (models.Service, error)
	Delete(ctx context.Context, serviceID string) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error
}

type Estimates interface {
	Snapshot() estimator.Snapshot
}

type Notifier interface {
	Notify(ctx context.Context, ticket models.Ticket) notify.Outcome
}

type Dependencies struct {
	Tickets   TicketService
	Counters  CounterService
	Catalog   CatalogService
	Settings  SettingsStore
	Estimates Estimates
	Notifier  Notifier
	// Degraded reports whether the store is running on its local fallback.
	Degraded func() bool
	Clock    clock.Clock
	Location *time.Location
	// JoinLimiter, when set, wraps the kiosk join route.
	JoinLimiter *RateLimiter
}

type Handler struct {
	deps Dependencies
}

type joinRequest struct {
	CustomerName string `json:"customer_name"`
	ServiceID    string `json:"service_id"`
	Phone        string `json:"phone"`
	Channel      string `json:"channel"`
}

type completeRequest struct {
	Status string `json:"status"`
}

type assignRequest struct {
	StaffID string `json:"staff_id"`
}

type callNextResponse struct {
	Ticket       models.Ticket  `json:"ticket"`
	CounterID    int            `json:"counter_id"`
	Notification notify.Outcome `json:"notification"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(deps Dependencies) *Handler {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Degraded == nil {
		deps.Degraded = func() bool { return false }
	}
	return &Handler{deps: deps}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	var join http.Handler = http.HandlerFunc(h.handleJoin)
	if h.deps.JoinLimiter != nil {
		join = h.deps.JoinLimiter.Middleware(join)
	}
	mux.Handle("POST /api/tickets", join)
	mux.HandleFunc("GET /api/tickets", h.handleListTickets)
	mux.HandleFunc("GET /api/tickets/{id}", h.handleGetTicket)
	mux.HandleFunc("POST /api/tickets/{id}/{action}", h.handleTicketAction)

	mux.HandleFunc("GET /api/counters", h.handleListCounters)
	mux.HandleFunc("POST /api/counters/{id}/{action}", h.handleCounterAction)

	mux.HandleFunc("GET /api/services", h.handleListServices)
	mux.HandleFunc("POST /api/services", h.handleSaveService)
	mux.HandleFunc("DELETE /api/services/{id}", h.handleDeleteService)

	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("GET /api/estimates", h.handleEstimates)

	mux.HandleFunc("POST /api/admin/clear-history", h.handleClearHistory)
	mux.HandleFunc("POST /api/admin/reset", h.handleReset)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.deps.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	var req joinRequest
	if !decodeRequest(w, r, requestID, &req) {
		return
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" {
		req.Channel = "kiosk"
	}
	if req.Phone != "" && !isValidPhone(req.Phone) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}

	settings, err := h.deps.Settings.GetSettings(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	if req.Channel == "mobile" && !settings.AllowMobileEntry {
		writeError(w, requestID, http.StatusForbidden, "mobile_entry_disabled", "mobile entry is disabled")
		return
	}
	open, err := settings.OperatingHours.Open(h.deps.Clock.Now().In(h.deps.Location))
	if err != nil {
		log.Printf("operating hours invalid request_id=%s error=%v", requestID, err)
	} else if !open {
		writeError(w, requestID, http.StatusForbidden, "outside_operating_hours", "the queue is closed outside operating hours")
		return
	}

	ticket, err := h.deps.Tickets.Join(r.Context(), queue.JoinInput{
		CustomerName: req.CustomerName,
		ServiceID:    strings.TrimSpace(req.ServiceID),
		Phone:        req.Phone,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status != "" && !models.ValidStatus(status) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "unknown status filter")
		return
	}
	tickets, err := h.deps.Tickets.List(r.Context(), status)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	ticket, err := h.deps.Tickets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

var ticketActions = map[string]string{
	"complete": models.StatusCompleted,
	"cancel":   models.StatusCancelled,
	"no-show":  models.StatusNoShow,
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	status, ok := ticketActions[r.PathValue("action")]
	if !ok {
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown ticket action")
		return
	}
	ticket, err := h.deps.Tickets.UpdateTerminalStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, requestID, httpStatus, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.deps.Counters.List(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFrom(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleCounterAction(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	counterID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || counterID <= 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "counter id must be a positive integer")
		return
	}

	ctx := r.Context()
	var payload interface{}
	switch r.PathValue("action") {
	case "call-next":
		var ticket models.Ticket
		ticket, err = h.deps.Counters.CallNext(ctx, counterID)
		if err == nil {
			resp := callNextResponse{Ticket: ticket, CounterID: counterID, Notification: notify.Outcome{Status: notify.OutcomeSkipped}}
			if h.deps.Notifier != nil {
				resp.Notification = h.deps.Notifier.Notify(ctx, ticket)
			}
			payload = resp
		}
	case "release":
		payload, err = h.deps.Counters.Release(ctx, counterID)
	case "toggle":
		payload, err = h.deps.Counters.Toggle(ctx, counterID)
	case "assign":
		var req assignRequest
		if !decodeRequest(w, r, requestID, &req) {
			return
		}
		payload, err = h.deps.Counters.AssignStaff(ctx, counterID, req.StaffID)
	case "unassign":
		payload, err = h.deps.Counters.Unassign(ctx, counterID)
	case "complete":
		req := completeRequest{Status: models.StatusCompleted}
		if r.ContentLength > 0 && !decodeRequest(w, r, requestID, &req) {
			return
		}
		payload, err = h.deps.Counters.Complete(ctx, counterID, req.Status)
	default:
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown counter action")
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.deps.Catalog.List(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFrom(r), status, code, msg)
		return
	}
	if services == nil {
		services = []models.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleSaveService(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	var svc models.Service
	if !decodeRequest(w, r, requestID, &svc) {
		return
	}
	saved, err := h.deps.Catalog.Save(r.Context(), svc)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	if err := h.deps.Catalog.Delete(r.Context(), r.PathValue("id")); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.deps.Settings.GetSettings(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFrom(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	var settings models.Settings
	if !decodeRequest(w, r, requestID, &settings) {
		return
	}
	if err := settings.OperatingHours.Validate(); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.deps.Settings.SaveSettings(r.Context(), settings); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) handleEstimates(w http.ResponseWriter, r *http.Request) {
	if h.deps.Estimates == nil {
		writeJSON(w, http.StatusOK, estimator.Snapshot{PerService: map[string]int{}})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Estimates.Snapshot())
}

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.deps.Tickets.ClearHistory(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFrom(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	deleted, err := h.deps.Tickets.WipeAll(r.Context())
	if err == nil {
		err = h.deps.Counters.ClearAllAssignmentsAndCurrentTickets(r.Context())
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	log.Printf("admin reset request_id=%s deleted=%d", requestID, deleted)
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func requestIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}

func isValidPhone(value string) bool {
	value = strings.TrimPrefix(strings.TrimSpace(value), "+")
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, queue.ErrUnknownService):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, queue.ErrStaleTicket):
		return http.StatusConflict, "stale_ticket", "ticket changed concurrently, retry"
	case errors.Is(err, queue.ErrNoneWaiting):
		return http.StatusNotFound, "none_waiting", "no ticket is waiting"
	case errors.Is(err, queue.ErrNoTicketAvailable):
		return http.StatusConflict, "no_ticket_available", "no ticket could be claimed, retry"
	case errors.Is(err, queue.ErrCounterClosed):
		return http.StatusConflict, "counter_closed", "counter is closed"
	case errors.Is(err, queue.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is still serving a ticket"
	case errors.Is(err, queue.ErrNoCurrentTicket):
		return http.StatusConflict, "no_current_ticket", "counter has no current ticket"
	case errors.Is(err, queue.ErrAllocationExhausted):
		return http.StatusServiceUnavailable, "allocation_exhausted", "could not allocate a ticket number, retry"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "store unavailable"
	default:
		log.Printf("internal error=%v", err)
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

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
