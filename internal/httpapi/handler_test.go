package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/notify"
	"qms/ticket-service/internal/queue"
	"qms/ticket-service/internal/store"
	"qms/ticket-service/internal/store/memory"
)

type fakeNotifier struct {
	calls []models.Ticket
}

func (f *fakeNotifier) Notify(ctx context.Context, ticket models.Ticket) notify.Outcome {
	f.calls = append(f.calls, ticket)
	return notify.Outcome{Status: notify.OutcomeLink, Link: "https://wa.me/62812?text=hi"}
}

type testEnv struct {
	store    *memory.Store
	clock    *clock.Fake
	notifier *fakeNotifier
	routes   http.Handler
}

func newTestEnv(t *testing.T, counters int) testEnv {
	t.Helper()
	st := memory.NewStore(counters)
	if err := st.SaveService(context.Background(), models.Service{ServiceID: "srv_1", Name: "Customer Service", Prefix: "A", DefaultWaitMinutes: 5}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fake := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	options := queue.Options{Clock: fake, Location: time.UTC}
	tickets := queue.NewTickets(st, options)
	notifier := &fakeNotifier{}
	handler := NewHandler(Dependencies{
		Tickets:  tickets,
		Counters: queue.NewRegistry(st, tickets, options),
		Catalog:  queue.NewCatalog(st, options),
		Settings: st,
		Notifier: notifier,
		Clock:    fake,
		Location: time.UTC,
	})
	return testEnv{store: st, clock: fake, notifier: notifier, routes: handler.Routes()}
}

func (e testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestJoinCreatesTicket(t *testing.T) {
	env := newTestEnv(t, 1)
	rec := env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Alice", "service_id": "srv_1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ticket models.Ticket
	if err := json.NewDecoder(rec.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ticket.Number != "A001" || ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
}

func TestJoinValidation(t *testing.T) {
	env := newTestEnv(t, 1)
	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown field", map[string]string{"customer_name": "Alice", "service_id": "srv_1", "extra": "x"}, http.StatusBadRequest, "invalid_json"},
		{"missing name", map[string]string{"service_id": "srv_1"}, http.StatusBadRequest, "invalid_request"},
		{"bad phone", map[string]string{"customer_name": "Alice", "service_id": "srv_1", "phone": "abc"}, http.StatusBadRequest, "invalid_request"},
		{"unknown service", map[string]string{"customer_name": "Alice", "service_id": "nope"}, http.StatusNotFound, "service_not_found"},
		{"mobile disabled", map[string]string{"customer_name": "Alice", "service_id": "srv_1", "channel": "mobile"}, http.StatusForbidden, "mobile_entry_disabled"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/tickets", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error.Code != tc.code || resp.RequestID != "req-1" {
				t.Fatalf("unexpected error response %+v", resp)
			}
		})
	}
}

func TestJoinOperatingHoursGate(t *testing.T) {
	evening := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	morning := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		hours  models.OperatingHours
		now    time.Time
		status int
	}{
		{"disabled accepts at any time", models.OperatingHours{Enabled: false, Start: "09:00", End: "17:00"}, evening, http.StatusCreated},
		{"enabled refuses after closing", models.OperatingHours{Enabled: true, Start: "09:00", End: "17:00"}, evening, http.StatusForbidden},
		{"enabled accepts inside window", models.OperatingHours{Enabled: true, Start: "09:00", End: "17:00"}, morning, http.StatusCreated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 1)
			settings := models.DefaultSettings()
			settings.OperatingHours = tc.hours
			if err := env.store.SaveSettings(context.Background(), settings); err != nil {
				t.Fatalf("save settings: %v", err)
			}
			env.clock.Set(tc.now)

			rec := env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Alice", "service_id": "srv_1"})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if tc.status == http.StatusForbidden {
				if resp := decodeError(t, rec); resp.Error.Code != "outside_operating_hours" {
					t.Fatalf("unexpected code %s", resp.Error.Code)
				}
			}
		})
	}
}

func TestTicketActionReleasesServingCounter(t *testing.T) {
	for _, action := range []string{"complete", "no-show", "cancel"} {
		t.Run(action, func(t *testing.T) {
			env := newTestEnv(t, 1)
			env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Alice", "service_id": "srv_1"})
			rec := env.do(t, http.MethodPost, "/api/counters/1/call-next", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("call next: %d %s", rec.Code, rec.Body.String())
			}
			var called callNextResponse
			if err := json.NewDecoder(rec.Body).Decode(&called); err != nil {
				t.Fatalf("decode: %v", err)
			}

			rec = env.do(t, http.MethodPost, "/api/tickets/"+called.Ticket.TicketID+"/"+action, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s: expected 200, got %d: %s", action, rec.Code, rec.Body.String())
			}
			counter, err := env.store.GetCounter(context.Background(), 1)
			if err != nil {
				t.Fatalf("get counter: %v", err)
			}
			if counter.CurrentTicketID != nil {
				t.Fatalf("expected counter 1 released after %s, still holds %s", action, *counter.CurrentTicketID)
			}

			env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Bob", "service_id": "srv_1"})
			if rec := env.do(t, http.MethodPost, "/api/counters/1/call-next", nil); rec.Code != http.StatusOK {
				t.Fatalf("expected released counter to call again, got %d", rec.Code)
			}
		})
	}
}

func TestCallNextNotifiesAndCompletes(t *testing.T) {
	env := newTestEnv(t, 2)
	env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Alice", "service_id": "srv_1", "phone": "08123456789"})

	rec := env.do(t, http.MethodPost, "/api/counters/2/call-next", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp callNextResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ticket.Number != "A001" || resp.CounterID != 2 || resp.Notification.Status != notify.OutcomeLink {
		t.Fatalf("unexpected call-next response %+v", resp)
	}
	if len(env.notifier.calls) != 1 {
		t.Fatalf("expected one notification, got %d", len(env.notifier.calls))
	}

	rec = env.do(t, http.MethodPost, "/api/counters/2/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var completed models.Ticket
	_ = json.NewDecoder(rec.Body).Decode(&completed)
	if completed.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/tickets/"+completed.TicketID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal ticket, got %d", rec.Code)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	env := newTestEnv(t, 1)
	rec := env.do(t, http.MethodPost, "/api/counters/1/call-next", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != "none_waiting" {
		t.Fatalf("unexpected code %s", resp.Error.Code)
	}
	if len(env.notifier.calls) != 0 {
		t.Fatalf("notifier must not run without a ticket")
	}
}

func TestCounterActions(t *testing.T) {
	env := newTestEnv(t, 2)
	if rec := env.do(t, http.MethodPost, "/api/counters/abc/toggle", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/counters/9/toggle", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown counter, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/counters/1/dance", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/counters/1/assign", map[string]string{"staff_id": "op-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/counters/1/toggle", nil)
	var counter models.Counter
	_ = json.NewDecoder(rec.Body).Decode(&counter)
	if counter.IsOpen || counter.AssignedStaffID == nil {
		t.Fatalf("unexpected counter %+v", counter)
	}
	rec = env.do(t, http.MethodPost, "/api/counters/1/call-next", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for closed counter, got %d", rec.Code)
	}
}

func TestAdminClearHistoryAndReset(t *testing.T) {
	env := newTestEnv(t, 1)
	env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Alice", "service_id": "srv_1"})
	env.do(t, http.MethodPost, "/api/tickets", map[string]string{"customer_name": "Bob", "service_id": "srv_1"})
	env.do(t, http.MethodPost, "/api/counters/1/call-next", nil)
	env.do(t, http.MethodPost, "/api/counters/1/complete", map[string]string{"status": "no_show"})

	rec := env.do(t, http.MethodPost, "/api/admin/clear-history", nil)
	var cleared map[string]int
	_ = json.NewDecoder(rec.Body).Decode(&cleared)
	if cleared["deleted"] != 1 {
		t.Fatalf("expected 1 deleted, got %v", cleared)
	}

	rec = env.do(t, http.MethodPost, "/api/admin/reset", nil)
	var reset map[string]int
	_ = json.NewDecoder(rec.Body).Decode(&reset)
	if reset["deleted"] != 1 {
		t.Fatalf("expected remaining waiting ticket wiped, got %v", reset)
	}

	rec = env.do(t, http.MethodGet, "/api/tickets", nil)
	var tickets []models.Ticket
	_ = json.NewDecoder(rec.Body).Decode(&tickets)
	if len(tickets) != 0 {
		t.Fatalf("expected no tickets after reset, got %d", len(tickets))
	}
}

func TestServicesAndSettings(t *testing.T) {
	env := newTestEnv(t, 1)
	rec := env.do(t, http.MethodPost, "/api/services", map[string]interface{}{"name": "Tellers", "prefix": "B", "default_wait_minutes": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("save service: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved models.Service
	_ = json.NewDecoder(rec.Body).Decode(&saved)

	rec = env.do(t, http.MethodPost, "/api/services", map[string]interface{}{"name": "Bad", "prefix": "bb"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad prefix, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/services/"+saved.ServiceID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	settings := models.DefaultSettings()
	settings.OperatingHours = models.OperatingHours{Enabled: true, Start: "25:00", End: "17:00"}
	if rec := env.do(t, http.MethodPut, "/api/settings", settings); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid hours, got %d", rec.Code)
	}
	settings.OperatingHours.Start = "08:00"
	settings.AllowMobileEntry = true
	if rec := env.do(t, http.MethodPut, "/api/settings", settings); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stored, _ := env.store.GetSettings(context.Background())
	if !stored.AllowMobileEntry {
		t.Fatalf("expected settings persisted")
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	handler := NewHandler(Dependencies{Degraded: func() bool { return true }})
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("unexpected health %d %v", rec.Code, body)
	}
}

type fakeTickets struct {
	getFn  func(ctx context.Context, ticketID string) (models.Ticket, error)
	listFn func(ctx context.Context, status string) ([]models.Ticket, error)
}

func (f fakeTickets) Join(ctx context.Context, input queue.JoinInput) (models.Ticket, error) {
	return models.Ticket{}, nil
}

func (f fakeTickets) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getFn == nil {
		return models.Ticket{}, nil
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeTickets) List(ctx context.Context, status string) ([]models.Ticket, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, status)
}

func (f fakeTickets) UpdateTerminalStatus(ctx context.Context, ticketID, status string) (models.Ticket, error) {
	return models.Ticket{}, nil
}

func (f fakeTickets) ClearHistory(ctx context.Context) (int, error) { return 0, nil }

func (f fakeTickets) WipeAll(ctx context.Context) (int, error) { return 0, nil }

func TestStoreErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrTicketNotFound, http.StatusNotFound, "ticket_not_found"},
		{store.ErrUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		handler := NewHandler(Dependencies{Tickets: fakeTickets{
			getFn: func(ctx context.Context, ticketID string) (models.Ticket, error) { return models.Ticket{}, tc.err },
		}})
		rec := httptest.NewRecorder()
		handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tickets/t-1", nil))
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error.Code != tc.code || resp.RequestID == "" {
			t.Fatalf("%v: unexpected response %+v", tc.err, resp)
		}
	}
}

func TestListTicketsRejectsUnknownStatus(t *testing.T) {
	handler := NewHandler(Dependencies{Tickets: fakeTickets{
		listFn: func(ctx context.Context, status string) ([]models.Ticket, error) {
			t.Fatalf("store must not be queried")
			return nil, nil
		},
	}})
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tickets?status=lost", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestJoinRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	limited := NewHandler(Dependencies{
		Tickets:     queue.NewTickets(env.store, queue.Options{Clock: env.clock, Location: time.UTC}),
		Settings:    env.store,
		Clock:       env.clock,
		Location:    time.UTC,
		JoinLimiter: NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1}),
	}).Routes()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		raw, _ := json.Marshal(map[string]string{"customer_name": "Alice", "service_id": "srv_1"})
		req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(raw))
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}
