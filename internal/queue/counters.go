package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qms/ticket-service/internal/feed"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultCallNextAttempts = 5

// Registry owns counter state and mediates call-next against the ticket
// store. It holds no locks: two counters racing for one ticket are settled
// by the store's conditional status update.
type Registry struct {
	store       store.Store
	tickets     *Tickets
	publisher   feed.Publisher
	maxAttempts int
}

func NewRegistry(st store.Store, tickets *Tickets, options Options) *Registry {
	options = options.withDefaults()
	return &Registry{
		store:       st,
		tickets:     tickets,
		publisher:   options.Publisher,
		maxAttempts: options.CallNextAttempts,
	}
}

func (r *Registry) List(ctx context.Context) ([]models.Counter, error) {
	return r.store.ListCounters(ctx)
}

func (r *Registry) Get(ctx context.Context, counterID int) (models.Counter, error) {
	return r.store.GetCounter(ctx, counterID)
}

// CallNext claims the oldest waiting ticket for counterID. An empty queue
// yields ErrNoneWaiting; losing every attempt to other counters yields
// ErrNoTicketAvailable. The claim also compares the counter's current
// ticket, so a second call racing on the same counter finds it busy.
func (r *Registry) CallNext(ctx context.Context, counterID int) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "counters.call_next", trace.WithAttributes(attribute.Int("counter_id", counterID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		counter, err := r.store.GetCounter(ctx, counterID)
		if err != nil {
			return models.Ticket{}, err
		}
		if !counter.IsOpen {
			return models.Ticket{}, ErrCounterClosed
		}
		if busy, err := r.serving(ctx, counter); err != nil {
			return models.Ticket{}, err
		} else if busy {
			return models.Ticket{}, ErrCounterBusy
		}

		waiting, err := r.store.ListTickets(ctx, models.StatusWaiting)
		if err != nil {
			return models.Ticket{}, err
		}
		if len(waiting) == 0 {
			if attempt == 0 {
				return models.Ticket{}, ErrNoneWaiting
			}
			return models.Ticket{}, ErrNoTicketAvailable
		}

		ticket, counter, err = r.tickets.claim(ctx, waiting[0].TicketID, counter)
		if errors.Is(err, ErrStaleTicket) {
			span.AddEvent("stale_ticket", trace.WithAttributes(attribute.String("ticket_id", waiting[0].TicketID)))
			continue
		}
		if errors.Is(err, store.ErrCounterChanged) {
			span.AddEvent("counter_changed")
			continue
		}
		if err != nil {
			return models.Ticket{}, err
		}

		r.publishCounter(ctx, counter)
		span.SetAttributes(attribute.String("ticket_number", ticket.Number), attribute.Int("attempts", attempt+1))
		return ticket, nil
	}
	return models.Ticket{}, ErrNoTicketAvailable
}

// serving reports whether the counter's current ticket is still being served
// there. A stale reference to a finished ticket does not block the counter.
func (r *Registry) serving(ctx context.Context, counter models.Counter) (bool, error) {
	if counter.CurrentTicketID == nil {
		return false, nil
	}
	current, err := r.store.GetTicket(ctx, *counter.CurrentTicketID)
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return false, nil
		}
		return false, err
	}
	return current.Status == models.StatusServing && current.CounterID != nil && *current.CounterID == counter.CounterID, nil
}

// Release clears the counter's current ticket.
func (r *Registry) Release(ctx context.Context, counterID int) (models.Counter, error) {
	counter, err := r.store.SetCounterTicket(ctx, counterID, nil)
	if err != nil {
		return models.Counter{}, err
	}
	r.publishCounter(ctx, counter)
	return counter, nil
}

// Complete applies a terminal status to the counter's current ticket. The
// store releases the counter in the same write.
func (r *Registry) Complete(ctx context.Context, counterID int, status string) (models.Ticket, error) {
	counter, err := r.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if counter.CurrentTicketID == nil {
		return models.Ticket{}, ErrNoCurrentTicket
	}
	return r.tickets.UpdateTerminalStatus(ctx, *counter.CurrentTicketID, status)
}

// Toggle flips IsOpen. The current ticket is kept so a closing counter can
// finish what it is serving.
func (r *Registry) Toggle(ctx context.Context, counterID int) (models.Counter, error) {
	counter, err := r.store.ToggleCounter(ctx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	r.publishCounter(ctx, counter)
	return counter, nil
}

// AssignStaff places staffID at counterID, moving them off any counter they
// occupied before.
func (r *Registry) AssignStaff(ctx context.Context, counterID int, staffID string) (models.Counter, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return models.Counter{}, fmt.Errorf("%w: staff id is required", ErrInvalidInput)
	}
	counter, err := r.store.AssignStaff(ctx, counterID, &staffID)
	if err != nil {
		return models.Counter{}, err
	}
	r.publishCounter(ctx, counter)
	return counter, nil
}

func (r *Registry) Unassign(ctx context.Context, counterID int) (models.Counter, error) {
	counter, err := r.store.AssignStaff(ctx, counterID, nil)
	if err != nil {
		return models.Counter{}, err
	}
	r.publishCounter(ctx, counter)
	return counter, nil
}

func (r *Registry) ClearAllAssignmentsAndCurrentTickets(ctx context.Context) error {
	if err := r.store.ClearCounters(ctx); err != nil {
		return err
	}
	r.publisher.Publish(ctx, feed.NewEvent("counters.cleared", feed.TopicCounters, nil))
	return nil
}

func (r *Registry) publishCounter(ctx context.Context, counter models.Counter) {
	r.publisher.Publish(ctx, feed.NewEvent("counter.updated", feed.TopicCounters, counter))
}
