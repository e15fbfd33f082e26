// Package memory is an in-process store.Store. It backs the unit tests and
// serves as the non-durable fallback while the primary store is unreachable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

type Store struct {
	mu       sync.Mutex
	seq      int64
	services map[string]models.Service
	tickets  map[string]models.Ticket
	numbers  map[string]string
	seqs     map[string]int
	counters map[int]models.Counter
	settings models.Settings
	state    map[string]string
	now      func() time.Time
}

// NewStore provisions counters 1..counterCount, all open and unassigned.
func NewStore(counterCount int) *Store {
	s := &Store{
		services: make(map[string]models.Service),
		tickets:  make(map[string]models.Ticket),
		numbers:  make(map[string]string),
		seqs:     make(map[string]int),
		counters: make(map[int]models.Counter),
		settings: models.DefaultSettings(),
		state:    make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for id := 1; id <= counterCount; id++ {
		s.counters[id] = models.Counter{CounterID: id, IsOpen: true, UpdatedAt: s.now()}
	}
	return s
}

func numberKey(serviceID, businessDate, number string) string {
	return serviceID + "|" + businessDate + "|" + number
}

func seqKey(serviceID, businessDate string) string {
	return serviceID + "|" + businessDate
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	services := make([]models.Service, 0, len(s.services))
	for _, svc := range s.services {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return svc, nil
}

func (s *Store) SaveService(ctx context.Context, service models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
	return nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return store.ErrServiceNotFound
	}
	delete(s.services, serviceID)
	return nil
}

func (s *Store) LastTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[seqKey(serviceID, businessDate)], nil
}

func (s *Store) NextTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seqKey(serviceID, businessDate)
	s.seqs[key]++
	return s.seqs[key], nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := numberKey(ticket.ServiceID, ticket.BusinessDate, ticket.Number)
	if _, taken := s.numbers[key]; taken {
		return models.Ticket{}, store.ErrDuplicateNumber
	}
	s.seq++
	ticket.Seq = s.seq
	s.numbers[key] = ticket.TicketID
	s.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, status string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if status != "" && ticket.Status != status {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].JoinedAt.Equal(tickets[j].JoinedAt) {
			return tickets[i].JoinedAt.Before(tickets[j].JoinedAt)
		}
		return tickets[i].Seq < tickets[j].Seq
	})
	return tickets, nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, change store.StatusChange) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[change.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != change.FromStatus {
		return models.Ticket{}, store.ErrStatusMismatch
	}
	if ticket.Status == models.StatusServing && ticket.CounterID != nil {
		s.releaseLocked(*ticket.CounterID, ticket.TicketID)
	}
	ticket = applyChange(ticket, change)
	s.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (s *Store) ClaimTicket(ctx context.Context, claim store.Claim) (models.Ticket, models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[claim.CounterID]
	if !ok {
		return models.Ticket{}, models.Counter{}, store.ErrCounterNotFound
	}
	if !sameTicket(counter.CurrentTicketID, claim.ExpectedCurrent) {
		return models.Ticket{}, models.Counter{}, store.ErrCounterChanged
	}
	ticket, ok := s.tickets[claim.TicketID]
	if !ok {
		return models.Ticket{}, models.Counter{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusWaiting {
		return models.Ticket{}, models.Counter{}, store.ErrStatusMismatch
	}

	counterID := claim.CounterID
	servedAt := claim.ServedAt
	ticket = applyChange(ticket, store.StatusChange{
		TicketID:   ticket.TicketID,
		FromStatus: models.StatusWaiting,
		ToStatus:   models.StatusServing,
		CounterID:  &counterID,
		ServedAt:   &servedAt,
	})
	s.tickets[ticket.TicketID] = ticket

	id := ticket.TicketID
	counter.CurrentTicketID = &id
	counter.UpdatedAt = s.now()
	s.counters[claim.CounterID] = counter
	return ticket, cloneCounter(counter), nil
}

// releaseLocked clears counterID's current ticket if it is still ticketID.
func (s *Store) releaseLocked(counterID int, ticketID string) {
	counter, ok := s.counters[counterID]
	if !ok || counter.CurrentTicketID == nil || *counter.CurrentTicketID != ticketID {
		return
	}
	counter.CurrentTicketID = nil
	counter.UpdatedAt = s.now()
	s.counters[counterID] = counter
}

func applyChange(ticket models.Ticket, change store.StatusChange) models.Ticket {
	ticket.Status = change.ToStatus
	if change.CounterID != nil {
		id := *change.CounterID
		ticket.CounterID = &id
	}
	if change.ServedAt != nil {
		at := *change.ServedAt
		ticket.ServedAt = &at
	}
	if change.CompletedAt != nil && change.ToStatus == models.StatusCompleted {
		at := *change.CompletedAt
		ticket.CompletedAt = &at
	}
	return ticket
}

func sameTicket(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Store) DeleteTickets(ctx context.Context, statuses []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		match[status] = true
	}
	deleted := 0
	for id, ticket := range s.tickets {
		if len(statuses) > 0 && !match[ticket.Status] {
			continue
		}
		delete(s.tickets, id)
		delete(s.numbers, numberKey(ticket.ServiceID, ticket.BusinessDate, ticket.Number))
		deleted++
	}
	if len(statuses) == 0 {
		clear(s.seqs)
	}
	return deleted, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		counters = append(counters, cloneCounter(counter))
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].CounterID < counters[j].CounterID })
	return counters, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID int) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return cloneCounter(counter), nil
}

func (s *Store) ToggleCounter(ctx context.Context, counterID int) (models.Counter, error) {
	return s.updateCounter(counterID, func(c *models.Counter) {
		c.IsOpen = !c.IsOpen
	})
}

func (s *Store) SetCounterTicket(ctx context.Context, counterID int, ticketID *string) (models.Counter, error) {
	return s.updateCounter(counterID, func(c *models.Counter) {
		c.CurrentTicketID = cloneString(ticketID)
	})
}

func (s *Store) AssignStaff(ctx context.Context, counterID int, staffID *string) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	now := s.now()
	if staffID != nil {
		for id, other := range s.counters {
			if id != counterID && other.AssignedStaffID != nil && *other.AssignedStaffID == *staffID {
				other.AssignedStaffID = nil
				other.UpdatedAt = now
				s.counters[id] = other
			}
		}
	}
	counter.AssignedStaffID = cloneString(staffID)
	counter.UpdatedAt = now
	s.counters[counterID] = counter
	return cloneCounter(counter), nil
}

func (s *Store) ClearCounters(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, counter := range s.counters {
		counter.CurrentTicketID = nil
		counter.AssignedStaffID = nil
		counter.UpdatedAt = now
		s.counters[id] = counter
	}
	return nil
}

func (s *Store) updateCounter(counterID int, apply func(*models.Counter)) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	apply(&counter)
	counter.UpdatedAt = s.now()
	s.counters[counterID] = counter
	return cloneCounter(counter), nil
}

// MirrorCounter stores a copy of a counter read from another store.
func (s *Store) MirrorCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.CounterID] = cloneCounter(counter)
}

// MirrorService stores a copy of a service read from another store.
func (s *Store) MirrorService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.state[key]
	return value, ok, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return nil
}

func cloneCounter(c models.Counter) models.Counter {
	c.CurrentTicketID = cloneString(c.CurrentTicketID)
	c.AssignedStaffID = cloneString(c.AssignedStaffID)
	return c
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
