package store

import (
	"context"
	"time"

	"qms/ticket-service/internal/models"
)

// StateLastResetDate is the system_state key holding the last wiped business date.
const StateLastResetDate = "last_reset_date"

type StatusChange struct {
	TicketID   string
	FromStatus string
	ToStatus   string
	CounterID  *int
	ServedAt   *time.Time
	// CompletedAt is written only when ToStatus is completed.
	CompletedAt *time.Time
}

// Claim moves a WAITING ticket to SERVING and makes it the counter's current
// ticket in one write.
type Claim struct {
	TicketID  string
	CounterID int
	// ExpectedCurrent is the counter's current ticket as last read; the claim
	// fails with ErrCounterChanged if it moved since.
	ExpectedCurrent *string
	ServedAt        time.Time
}

// Store is the transactional boundary the queue engine runs against. Every
// write that guards an invariant is a conditional write evaluated by the
// store itself.
type Store interface {
	ListServices(ctx context.Context) ([]models.Service, error)
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	SaveService(ctx context.Context, service models.Service) error
	DeleteService(ctx context.Context, serviceID string) error

	// LastTicketSeq returns the highest sequence handed out for the service
	// on businessDate, 0 before the first join.
	LastTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error)
	// NextTicketSeq atomically advances and returns the per-day sequence. It
	// never moves backwards when tickets are deleted.
	NextTicketSeq(ctx context.Context, serviceID, businessDate string) (int, error)
	// InsertTicket fails with ErrDuplicateNumber when (service, business date,
	// number) is already taken. The returned ticket carries its Seq.
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// ListTickets returns tickets in FIFO order (joined_at, seq). An empty
	// status lists every ticket.
	ListTickets(ctx context.Context, status string) ([]models.Ticket, error)
	// UpdateTicketStatus applies change only while the ticket still has
	// change.FromStatus; otherwise it fails with ErrStatusMismatch. A ticket
	// leaving SERVING is cleared from the counter holding it in the same write.
	UpdateTicketStatus(ctx context.Context, change StatusChange) (models.Ticket, error)
	// ClaimTicket fails with ErrCounterChanged or ErrStatusMismatch and then
	// leaves both records untouched.
	ClaimTicket(ctx context.Context, claim Claim) (models.Ticket, models.Counter, error)
	// DeleteTickets removes tickets whose status is in statuses. An empty
	// statuses removes every ticket and restarts the per-day sequences.
	DeleteTickets(ctx context.Context, statuses []string) (int, error)

	ListCounters(ctx context.Context) ([]models.Counter, error)
	GetCounter(ctx context.Context, counterID int) (models.Counter, error)
	ToggleCounter(ctx context.Context, counterID int) (models.Counter, error)
	SetCounterTicket(ctx context.Context, counterID int, ticketID *string) (models.Counter, error)
	// AssignStaff clears staffID from any other counter in the same write.
	AssignStaff(ctx context.Context, counterID int, staffID *string) (models.Counter, error)
	ClearCounters(ctx context.Context) error

	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) error

	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}
