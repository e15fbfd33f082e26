// Package failover routes the queue's hot path to a local fallback store
// while the primary store reports store.ErrUnavailable.
//
// Tickets written to the fallback are flagged Degraded: they are not durable
// and their numbers are only unique within this process until the primary
// recovers.
package failover

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
	"qms/ticket-service/internal/store/memory"
)

type Store struct {
	store.Store
	fallback *memory.Store
	degraded atomic.Bool
}

func New(primary store.Store, fallback *memory.Store) *Store {
	return &Store{Store: primary, fallback: fallback}
}

// Degraded reports whether the last hot-path call was served by the fallback.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) recordPrimary(err error) bool {
	if err != nil && errors.Is(err, store.ErrUnavailable) {
		if !s.degraded.Swap(true) {
			log.Printf("store degraded mode=on error=%v", err)
		}
		return true
	}
	if s.degraded.Swap(false) {
		log.Printf("store degraded mode=off")
	}
	return false
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	svc, err := s.Store.GetService(ctx, serviceID)
	if s.recordPrimary(err) {
		return s.fallback.GetService(ctx, serviceID)
	}
	if err == nil {
		s.fallback.MirrorService(svc)
	}
	return svc, err
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	services, err := s.Store.ListServices(ctx)
	if s.recordPrimary(err) {
		return s.fallback.ListServices(ctx)
	}
	for _, svc := range services {
		s.fallback.MirrorService(svc)
	}
	return services, err
}

func (s *Store) LastTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error) {
	last, err := s.Store.LastTicketSeq(ctx, serviceID, businessDate)
	if s.recordPrimary(err) {
		return s.fallback.LastTicketSeq(ctx, serviceID, businessDate)
	}
	return last, err
}

func (s *Store) NextTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error) {
	next, err := s.Store.NextTicketSeq(ctx, serviceID, businessDate)
	if s.recordPrimary(err) {
		return s.fallback.NextTicketSeq(ctx, serviceID, businessDate)
	}
	return next, err
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	inserted, err := s.Store.InsertTicket(ctx, ticket)
	if s.recordPrimary(err) {
		ticket.Degraded = true
		return s.fallback.InsertTicket(ctx, ticket)
	}
	return inserted, err
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := s.fallback.GetTicket(ctx, ticketID)
	if err == nil {
		return ticket, nil
	}
	ticket, err = s.Store.GetTicket(ctx, ticketID)
	s.recordPrimary(err)
	return ticket, err
}

// ListTickets merges the primary's tickets with any degraded tickets still
// held locally; when the primary is down only the local ones are returned.
func (s *Store) ListTickets(ctx context.Context, status string) ([]models.Ticket, error) {
	local, err := s.fallback.ListTickets(ctx, status)
	if err != nil {
		return nil, err
	}
	tickets, err := s.Store.ListTickets(ctx, status)
	if s.recordPrimary(err) {
		return local, nil
	}
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return tickets, nil
	}
	return mergeFIFO(tickets, local), nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, change store.StatusChange) (models.Ticket, error) {
	if _, err := s.fallback.GetTicket(ctx, change.TicketID); err == nil {
		return s.fallback.UpdateTicketStatus(ctx, change)
	}
	ticket, err := s.Store.UpdateTicketStatus(ctx, change)
	s.recordPrimary(err)
	return ticket, err
}

func (s *Store) DeleteTickets(ctx context.Context, statuses []string) (int, error) {
	deleted, err := s.Store.DeleteTickets(ctx, statuses)
	if err != nil {
		return deleted, err
	}
	local, err := s.fallback.DeleteTickets(ctx, statuses)
	if err != nil {
		log.Printf("store fallback delete error=%v", err)
	}
	return deleted + local, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID int) (models.Counter, error) {
	counter, err := s.Store.GetCounter(ctx, counterID)
	if s.recordPrimary(err) {
		return s.fallback.GetCounter(ctx, counterID)
	}
	if err == nil {
		s.fallback.MirrorCounter(counter)
	}
	return counter, err
}

// ClaimTicket claims degraded tickets in the fallback, whose counters mirror
// the primary's last read, and everything else in the primary.
func (s *Store) ClaimTicket(ctx context.Context, claim store.Claim) (models.Ticket, models.Counter, error) {
	if _, err := s.fallback.GetTicket(ctx, claim.TicketID); err == nil {
		return s.fallback.ClaimTicket(ctx, claim)
	}
	ticket, counter, err := s.Store.ClaimTicket(ctx, claim)
	s.recordPrimary(err)
	return ticket, counter, err
}

func (s *Store) SetCounterTicket(ctx context.Context, counterID int, ticketID *string) (models.Counter, error) {
	counter, err := s.Store.SetCounterTicket(ctx, counterID, ticketID)
	if s.recordPrimary(err) {
		return s.fallback.SetCounterTicket(ctx, counterID, ticketID)
	}
	return counter, err
}

func mergeFIFO(a, b []models.Ticket) []models.Ticket {
	merged := make([]models.Ticket, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].JoinedAt.Before(a[i].JoinedAt) {
			merged = append(merged, b[j])
			j++
			continue
		}
		merged = append(merged, a[i])
		i++
	}
	merged = append(merged, a[i:]...)
	return append(merged, b[j:]...)
}
