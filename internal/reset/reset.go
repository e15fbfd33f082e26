// Package reset wipes the queue once per business day.
package reset

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/store"
)

var resetsTotal = expvar.NewInt("daily_resets_total")

type TicketWiper interface {
	WipeAll(ctx context.Context) (int, error)
}

type CounterClearer interface {
	ClearAllAssignmentsAndCurrentTickets(ctx context.Context) error
}

type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

type Scheduler struct {
	tickets  TicketWiper
	counters CounterClearer
	state    StateStore
	clock    clock.Clock
	location *time.Location
}

func NewScheduler(tickets TicketWiper, counters CounterClearer, state StateStore, clk clock.Clock, loc *time.Location) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{tickets: tickets, counters: counters, state: state, clock: clk, location: loc}
}

// Tick wipes tickets and counter assignments when the local date differs
// from the last recorded reset. The date is persisted only after both steps
// succeed so a failed reset is retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	today := s.clock.Now().In(s.location).Format(time.DateOnly)
	last, ok, err := s.state.GetState(ctx, store.StateLastResetDate)
	if err != nil {
		return false, fmt.Errorf("read last reset date: %w", err)
	}
	if ok && last == today {
		return false, nil
	}

	deleted, err := s.tickets.WipeAll(ctx)
	if err != nil {
		return false, fmt.Errorf("wipe tickets: %w", err)
	}
	if err := s.counters.ClearAllAssignmentsAndCurrentTickets(ctx); err != nil {
		return false, fmt.Errorf("clear counters: %w", err)
	}
	if err := s.state.SetState(ctx, store.StateLastResetDate, today); err != nil {
		return false, fmt.Errorf("record reset date: %w", err)
	}
	resetsTotal.Add(1)
	log.Printf("daily reset date=%s previous=%s deleted=%d", today, last, deleted)
	return true, nil
}

// Run ticks every interval until ctx is cancelled. Errors are logged and
// retried on the next tick.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := s.Tick(ctx); err != nil {
		log.Printf("daily reset error=%v", err)
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := s.Tick(ctx); err != nil {
				log.Printf("daily reset error=%v", err)
			}
		}
	}
}
