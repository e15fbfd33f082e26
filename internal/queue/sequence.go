package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

const defaultAllocationAttempts = 5

// Allocator draws per-service ticket numbers from the store's per-day
// sequence, so numbering survives restarts, stays consistent across
// instances and keeps climbing after finished tickets are cleared. The
// store's uniqueness constraint remains the final guard.
type Allocator struct {
	store       store.Store
	maxAttempts int
}

func NewAllocator(st store.Store, maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = defaultAllocationAttempts
	}
	return &Allocator{store: st, maxAttempts: maxAttempts}
}

// FormatNumber renders prefix + zero-padded sequence, e.g. A007, A1000.
func FormatNumber(prefix string, seq int) string {
	return fmt.Sprintf("%s%03d", prefix, seq)
}

// BusinessDate is the operational day of t in loc.
func BusinessDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(time.DateOnly)
}

// NextNumber returns the candidate number the next join for serviceID would
// try first.
func (a *Allocator) NextNumber(ctx context.Context, serviceID, businessDate string) (string, error) {
	svc, err := a.store.GetService(ctx, serviceID)
	if err != nil {
		if errors.Is(err, store.ErrServiceNotFound) {
			return "", ErrUnknownService
		}
		return "", err
	}
	last, err := a.store.LastTicketSeq(ctx, serviceID, businessDate)
	if err != nil {
		return "", err
	}
	return FormatNumber(svc.Prefix, last+1), nil
}

// Allocate numbers and inserts ticket. A number already taken, e.g. by rows
// written before the sequence existed, is skipped by drawing the next one.
func (a *Allocator) Allocate(ctx context.Context, svc models.Service, ticket models.Ticket) (models.Ticket, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		seq, err := a.store.NextTicketSeq(ctx, svc.ServiceID, ticket.BusinessDate)
		if err != nil {
			return models.Ticket{}, err
		}

		ticket.Number = FormatNumber(svc.Prefix, seq)
		inserted, err := a.store.InsertTicket(ctx, ticket)
		if err == nil {
			return inserted, nil
		}
		if !errors.Is(err, store.ErrDuplicateNumber) {
			return models.Ticket{}, err
		}
	}
	return models.Ticket{}, fmt.Errorf("%w: service %s after %d attempts", ErrAllocationExhausted, svc.ServiceID, a.maxAttempts)
}
