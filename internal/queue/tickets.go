package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/feed"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const terminalUpdateAttempts = 3

var tracer = otel.Tracer("qms/ticket-service/queue")

var terminalStatuses = []string{models.StatusCompleted, models.StatusCancelled, models.StatusNoShow}

type Options struct {
	Clock              clock.Clock
	Location           *time.Location
	Publisher          feed.Publisher
	AllocationAttempts int
	CallNextAttempts   int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Publisher == nil {
		o.Publisher = feed.Discard{}
	}
	if o.CallNextAttempts <= 0 {
		o.CallNextAttempts = defaultCallNextAttempts
	}
	return o
}

// Tickets owns ticket records and their state machine.
type Tickets struct {
	store     store.Store
	allocator *Allocator
	clock     clock.Clock
	location  *time.Location
	publisher feed.Publisher
}

type JoinInput struct {
	CustomerName string
	ServiceID    string
	Phone        string
}

func NewTickets(st store.Store, options Options) *Tickets {
	options = options.withDefaults()
	return &Tickets{
		store:     st,
		allocator: NewAllocator(st, options.AllocationAttempts),
		clock:     options.Clock,
		location:  options.Location,
		publisher: options.Publisher,
	}
}

func (t *Tickets) Allocator() *Allocator {
	return t.allocator
}

// BusinessDate is today's operational day in the deployment time zone.
func (t *Tickets) BusinessDate() string {
	return BusinessDate(t.clock.Now(), t.location)
}

func (t *Tickets) Join(ctx context.Context, input JoinInput) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "tickets.join", trace.WithAttributes(attribute.String("service_id", input.ServiceID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	name := strings.TrimSpace(input.CustomerName)
	if name == "" {
		return models.Ticket{}, fmt.Errorf("%w: customer name is required", ErrInvalidInput)
	}

	svc, err := t.store.GetService(ctx, input.ServiceID)
	if err != nil {
		if errors.Is(err, store.ErrServiceNotFound) {
			return models.Ticket{}, ErrUnknownService
		}
		return models.Ticket{}, err
	}

	now := t.clock.Now()
	ticket = models.Ticket{
		TicketID:     uuid.NewString(),
		CustomerName: name,
		Phone:        strings.TrimSpace(input.Phone),
		ServiceID:    svc.ServiceID,
		ServiceName:  svc.Name,
		BusinessDate: BusinessDate(now, t.location),
		Status:       models.StatusWaiting,
		JoinedAt:     now.UTC(),
	}
	ticket, err = t.allocator.Allocate(ctx, svc, ticket)
	if err != nil {
		return models.Ticket{}, err
	}
	span.SetAttributes(attribute.String("ticket_number", ticket.Number))

	t.publisher.Publish(ctx, feed.NewEvent("ticket.created", feed.TopicTickets, ticket))
	return ticket, nil
}

func (t *Tickets) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	return t.store.GetTicket(ctx, ticketID)
}

// TransitionToServing claims a WAITING ticket for counterID. Losing the claim
// to a concurrent caller yields ErrStaleTicket.
func (t *Tickets) TransitionToServing(ctx context.Context, ticketID string, counterID int) (models.Ticket, error) {
	now := t.clock.Now().UTC()
	ticket, err := t.store.UpdateTicketStatus(ctx, store.StatusChange{
		TicketID:   ticketID,
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusServing,
		CounterID:  &counterID,
		ServedAt:   &now,
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			return models.Ticket{}, ErrStaleTicket
		}
		return models.Ticket{}, err
	}
	t.publisher.Publish(ctx, feed.NewEvent("ticket.serving", feed.TopicTickets, ticket))
	return ticket, nil
}

// claim serves ticketID at counter and makes it the counter's current ticket
// in one store write.
func (t *Tickets) claim(ctx context.Context, ticketID string, counter models.Counter) (models.Ticket, models.Counter, error) {
	ticket, claimed, err := t.store.ClaimTicket(ctx, store.Claim{
		TicketID:        ticketID,
		CounterID:       counter.CounterID,
		ExpectedCurrent: counter.CurrentTicketID,
		ServedAt:        t.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			return models.Ticket{}, models.Counter{}, ErrStaleTicket
		}
		return models.Ticket{}, models.Counter{}, err
	}
	t.publisher.Publish(ctx, feed.NewEvent("ticket.serving", feed.TopicTickets, ticket))
	return ticket, claimed, nil
}

// UpdateTerminalStatus finishes a ticket. A ticket leaving SERVING is
// released from its counter by the store.
func (t *Tickets) UpdateTerminalStatus(ctx context.Context, ticketID, status string) (models.Ticket, error) {
	if !models.IsTerminal(status) {
		return models.Ticket{}, fmt.Errorf("%w: %q is not a terminal status", ErrInvalidTransition, status)
	}
	for attempt := 0; attempt < terminalUpdateAttempts; attempt++ {
		current, err := t.store.GetTicket(ctx, ticketID)
		if err != nil {
			return models.Ticket{}, err
		}
		if !store.ValidTransition(current.Status, status) {
			return models.Ticket{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
		}

		change := store.StatusChange{TicketID: ticketID, FromStatus: current.Status, ToStatus: status}
		if status == models.StatusCompleted {
			now := t.clock.Now().UTC()
			change.CompletedAt = &now
		}
		ticket, err := t.store.UpdateTicketStatus(ctx, change)
		if errors.Is(err, store.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return models.Ticket{}, err
		}
		t.publisher.Publish(ctx, feed.NewEvent("ticket."+status, feed.TopicTickets, ticket))
		if current.Status == models.StatusServing && ticket.CounterID != nil {
			t.publishCounter(ctx, *ticket.CounterID)
		}
		return ticket, nil
	}
	return models.Ticket{}, ErrStaleTicket
}

func (t *Tickets) publishCounter(ctx context.Context, counterID int) {
	counter, err := t.store.GetCounter(ctx, counterID)
	if err != nil {
		return
	}
	t.publisher.Publish(ctx, feed.NewEvent("counter.updated", feed.TopicCounters, counter))
}

// ListByStatus lazily yields tickets with status in FIFO order. The store
// is read when iteration starts.
func (t *Tickets) ListByStatus(ctx context.Context, status string) iter.Seq2[models.Ticket, error] {
	return func(yield func(models.Ticket, error) bool) {
		tickets, err := t.store.ListTickets(ctx, status)
		if err != nil {
			yield(models.Ticket{}, err)
			return
		}
		for _, ticket := range tickets {
			if !yield(ticket, nil) {
				return
			}
		}
	}
}

func (t *Tickets) List(ctx context.Context, status string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for ticket, err := range t.ListByStatus(ctx, status) {
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// ClearHistory deletes terminal tickets only.
func (t *Tickets) ClearHistory(ctx context.Context) (int, error) {
	deleted, err := t.store.DeleteTickets(ctx, terminalStatuses)
	if err != nil {
		return 0, err
	}
	t.publisher.Publish(ctx, feed.NewEvent("tickets.history_cleared", feed.TopicTickets, map[string]int{"deleted": deleted}))
	return deleted, nil
}

// WipeAll deletes every ticket regardless of status.
func (t *Tickets) WipeAll(ctx context.Context) (int, error) {
	deleted, err := t.store.DeleteTickets(ctx, nil)
	if err != nil {
		return 0, err
	}
	t.publisher.Publish(ctx, feed.NewEvent("tickets.wiped", feed.TopicTickets, map[string]int{"deleted": deleted}))
	return deleted, nil
}
