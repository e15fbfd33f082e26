package queue

import (
	"errors"
	"fmt"

	"qms/ticket-service/internal/store"
)

var (
	ErrUnknownService      = errors.New("unknown service")
	ErrStaleTicket         = errors.New("ticket status changed concurrently")
	ErrNoTicketAvailable   = errors.New("no ticket available")
	ErrNoneWaiting         = fmt.Errorf("%w: none waiting", ErrNoTicketAvailable)
	ErrAllocationExhausted = errors.New("ticket number allocation exhausted")
	ErrInvalidTransition   = errors.New("invalid ticket transition")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCounterClosed       = errors.New("counter closed")
	ErrCounterBusy         = errors.New("counter already serving a ticket")
	ErrNoCurrentTicket     = errors.New("counter has no current ticket")

	ErrTicketNotFound  = store.ErrTicketNotFound
	ErrCounterNotFound = store.ErrCounterNotFound
)
