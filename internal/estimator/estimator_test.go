package estimator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
	"qms/ticket-service/internal/store/memory"
)

var opening = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type harness struct {
	store *memory.Store
	clock *clock.Fake
	est   *Estimator
	seq   int
}

func newHarness(t *testing.T, counters int, history bool) *harness {
	t.Helper()
	st := memory.NewStore(counters)
	ctx := context.Background()
	_ = st.SaveService(ctx, models.Service{ServiceID: "srv_1", Name: "CS", Prefix: "A", DefaultWaitMinutes: 5})
	_ = st.SaveService(ctx, models.Service{ServiceID: "srv_2", Name: "Teller", Prefix: "B", DefaultWaitMinutes: 10})
	fake := clock.NewFake(opening)
	return &harness{
		store: st,
		clock: fake,
		est:   New(st, Options{Clock: fake, Location: time.UTC, Interval: time.Minute, UseHistory: history}),
	}
}

func (h *harness) add(t *testing.T, serviceID string) models.Ticket {
	t.Helper()
	h.seq++
	ticket, err := h.store.InsertTicket(context.Background(), models.Ticket{
		TicketID:     fmt.Sprintf("t%d", h.seq),
		Number:       fmt.Sprintf("X%03d", h.seq),
		ServiceID:    serviceID,
		BusinessDate: "2026-03-02",
		Status:       models.StatusWaiting,
		JoinedAt:     h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return ticket
}

func (h *harness) serve(t *testing.T, ticketID string, at time.Time) {
	t.Helper()
	counter := 1
	if _, err := h.store.UpdateTicketStatus(context.Background(), store.StatusChange{
		TicketID: ticketID, FromStatus: models.StatusWaiting, ToStatus: models.StatusServing,
		CounterID: &counter, ServedAt: &at,
	}); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func (h *harness) complete(t *testing.T, ticketID string, at time.Time) {
	t.Helper()
	if _, err := h.store.UpdateTicketStatus(context.Background(), store.StatusChange{
		TicketID: ticketID, FromStatus: models.StatusServing, ToStatus: models.StatusCompleted, CompletedAt: &at,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestEmptySystemEstimatesZero(t *testing.T) {
	h := newHarness(t, 2, false)
	snapshot, err := h.est.Recompute(context.Background())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if snapshot.Minutes != 0 || h.est.Estimate("srv_1") != 0 || h.est.Estimate("srv_2") != 0 {
		t.Fatalf("expected zero estimates, got %+v", snapshot)
	}
}

func TestWaitingBacklogSplitAcrossOpenCounters(t *testing.T) {
	h := newHarness(t, 2, false)
	h.add(t, "srv_1")
	h.add(t, "srv_2")
	h.add(t, "srv_1")

	if _, err := h.est.Recompute(context.Background()); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	// (5 + 10 + 5) / 2 counters
	if got := h.est.Estimate("srv_1"); got != 10 {
		t.Fatalf("expected 10 minutes, got %d", got)
	}
	if h.est.Estimate("srv_2") != h.est.Estimate("srv_1") {
		t.Fatalf("expected a uniform estimate across services")
	}
	if h.est.Estimate("unknown") != 0 {
		t.Fatalf("expected 0 for unknown service")
	}
}

func TestClosedCountersFallBackToOne(t *testing.T) {
	h := newHarness(t, 2, false)
	ctx := context.Background()
	_, _ = h.store.ToggleCounter(ctx, 1)
	_, _ = h.store.ToggleCounter(ctx, 2)
	h.add(t, "srv_1")
	h.add(t, "srv_1")

	snapshot, err := h.est.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if snapshot.OpenCounters != 0 || snapshot.Minutes != 10 {
		t.Fatalf("expected 10 minutes with no open counters, got %+v", snapshot)
	}
}

func TestServingBacklogUsesRemainingTime(t *testing.T) {
	h := newHarness(t, 1, false)
	ticket := h.add(t, "srv_1")
	h.serve(t, ticket.TicketID, opening)
	h.clock.Advance(2 * time.Minute)

	snapshot, err := h.est.Recompute(context.Background())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if snapshot.Minutes != 3 {
		t.Fatalf("expected 3 minutes remaining, got %d", snapshot.Minutes)
	}
}

func TestOverdueServingTicketKeepsFloor(t *testing.T) {
	h := newHarness(t, 1, false)
	ticket := h.add(t, "srv_1")
	h.serve(t, ticket.TicketID, opening)
	h.clock.Advance(time.Hour)

	snapshot, err := h.est.Recompute(context.Background())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if snapshot.Minutes != 1 {
		t.Fatalf("expected the 30s floor to round up to 1 minute, got %d", snapshot.Minutes)
	}
}

func TestHistoryReplacesDefaultDuration(t *testing.T) {
	h := newHarness(t, 1, true)
	done := h.add(t, "srv_1")
	h.serve(t, done.TicketID, opening)
	h.complete(t, done.TicketID, opening.Add(2*time.Minute))
	h.add(t, "srv_1")
	h.add(t, "srv_1")

	snapshot, err := h.est.Recompute(context.Background())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if snapshot.Minutes != 4 {
		t.Fatalf("expected 2 waiting x 2 minute mean, got %d", snapshot.Minutes)
	}
}

func TestOutsideOperatingHoursEstimatesZero(t *testing.T) {
	h := newHarness(t, 1, false)
	ctx := context.Background()
	settings := models.DefaultSettings()
	settings.OperatingHours = models.OperatingHours{Enabled: true, Start: "08:00", End: "09:00"}
	_ = h.store.SaveSettings(ctx, settings)
	h.add(t, "srv_1")

	snapshot, err := h.est.Recompute(ctx)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if snapshot.Minutes != 0 {
		t.Fatalf("expected 0 outside operating hours, got %d", snapshot.Minutes)
	}
}

func TestMinutes(t *testing.T) {
	cases := []struct {
		backlog  time.Duration
		counters int
		want     int
	}{
		{0, 3, 0},
		{30 * time.Second, 1, 1},
		{10 * time.Minute, 3, 4},
		{10 * time.Minute, 0, 10},
	}
	for _, c := range cases {
		if got := Minutes(c.backlog, c.counters); got != c.want {
			t.Fatalf("Minutes(%s, %d)=%d, want %d", c.backlog, c.counters, got, c.want)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.est.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("estimator did not stop")
	}
}
