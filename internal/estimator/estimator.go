// Package estimator keeps a periodically recomputed estimate of how long a
// newly joined customer will wait.
package estimator

import (
	"context"
	"expvar"
	"log"
	"math"
	"sync"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/models"
	"qms/ticket-service/internal/store"
)

// MinimumFloor is the least remaining time credited to a serving ticket,
// including overdue ones.
const MinimumFloor = 30 * time.Second

var recomputeErrors = expvar.NewInt("estimator_errors_total")

type Options struct {
	Clock    clock.Clock
	Location *time.Location
	Interval time.Duration
	// UseHistory replaces a service's default duration with the mean
	// served-to-completed time of its completed tickets, when it has any.
	UseHistory bool
}

// Snapshot is the result of one recompute.
type Snapshot struct {
	Minutes      int            `json:"minutes"`
	PerService   map[string]int `json:"services"`
	OpenCounters int            `json:"openCounters"`
	Waiting      int            `json:"waiting"`
	Serving      int            `json:"serving"`
	ComputedAt   time.Time      `json:"computedAt"`
}

type Estimator struct {
	store    store.Store
	clock    clock.Clock
	location *time.Location
	interval time.Duration
	history  bool

	mu       sync.RWMutex
	snapshot Snapshot
}

func New(st store.Store, options Options) *Estimator {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Location == nil {
		options.Location = time.Local
	}
	if options.Interval <= 0 {
		options.Interval = 30 * time.Second
	}
	return &Estimator{
		store:    st,
		clock:    options.Clock,
		location: options.Location,
		interval: options.Interval,
		history:  options.UseHistory,
		snapshot: Snapshot{PerService: map[string]int{}},
	}
}

// Estimate returns the last computed wait in minutes for serviceID. Unknown
// services and a never-computed estimator yield 0.
func (e *Estimator) Estimate(serviceID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.PerService[serviceID]
}

func (e *Estimator) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.snapshot
	out.PerService = make(map[string]int, len(e.snapshot.PerService))
	for id, minutes := range e.snapshot.PerService {
		out.PerService[id] = minutes
	}
	return out
}

// Recompute reads the current tickets and counters and replaces the
// snapshot. On error the previous snapshot stays in place.
func (e *Estimator) Recompute(ctx context.Context) (Snapshot, error) {
	now := e.clock.Now()
	snapshot, err := e.compute(ctx, now)
	if err != nil {
		recomputeErrors.Add(1)
		return Snapshot{}, err
	}
	e.mu.Lock()
	e.snapshot = snapshot
	e.mu.Unlock()
	return snapshot, nil
}

func (e *Estimator) compute(ctx context.Context, now time.Time) (Snapshot, error) {
	services, err := e.store.ListServices(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{PerService: make(map[string]int, len(services)), ComputedAt: now.UTC()}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	open, err := settings.OperatingHours.Open(now.In(e.location))
	if err != nil {
		log.Printf("estimator operating hours invalid error=%v", err)
		open = true
	}
	if !open {
		return fill(snapshot, services, 0), nil
	}

	waiting, err := e.store.ListTickets(ctx, models.StatusWaiting)
	if err != nil {
		return Snapshot{}, err
	}
	serving, err := e.store.ListTickets(ctx, models.StatusServing)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.Waiting, snapshot.Serving = len(waiting), len(serving)
	if len(waiting) == 0 && len(serving) == 0 {
		return fill(snapshot, services, 0), nil
	}

	counters, err := e.store.ListCounters(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, counter := range counters {
		if counter.IsOpen {
			snapshot.OpenCounters++
		}
	}

	durations, err := e.durations(ctx, services)
	if err != nil {
		return Snapshot{}, err
	}

	var backlog time.Duration
	for _, ticket := range serving {
		remaining := durations[ticket.ServiceID]
		if ticket.ServedAt != nil {
			remaining -= now.Sub(*ticket.ServedAt)
		}
		backlog += max(MinimumFloor, remaining)
	}
	for _, ticket := range waiting {
		backlog += durations[ticket.ServiceID]
	}

	return fill(snapshot, services, Minutes(backlog, snapshot.OpenCounters)), nil
}

// Minutes spreads backlog across the open counters, never fewer than one,
// rounding up to whole minutes.
func Minutes(backlog time.Duration, openCounters int) int {
	if backlog <= 0 {
		return 0
	}
	perCounter := backlog.Minutes() / float64(max(1, openCounters))
	return int(math.Ceil(perCounter))
}

func (e *Estimator) durations(ctx context.Context, services []models.Service) (map[string]time.Duration, error) {
	durations := make(map[string]time.Duration, len(services))
	for _, svc := range services {
		durations[svc.ServiceID] = time.Duration(svc.DefaultWaitMinutes) * time.Minute
	}
	if !e.history {
		return durations, nil
	}

	completed, err := e.store.ListTickets(ctx, models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	totals := map[string]time.Duration{}
	counts := map[string]int{}
	for _, ticket := range completed {
		if ticket.ServedAt == nil || ticket.CompletedAt == nil {
			continue
		}
		totals[ticket.ServiceID] += ticket.CompletedAt.Sub(*ticket.ServedAt)
		counts[ticket.ServiceID]++
	}
	for serviceID, n := range counts {
		durations[serviceID] = totals[serviceID] / time.Duration(n)
	}
	return durations, nil
}

func fill(snapshot Snapshot, services []models.Service, minutes int) Snapshot {
	snapshot.Minutes = minutes
	for _, svc := range services {
		snapshot.PerService[svc.ServiceID] = minutes
	}
	return snapshot
}

// Run recomputes on every tick until ctx is cancelled.
func (e *Estimator) Run(ctx context.Context) error {
	if _, err := e.Recompute(ctx); err != nil {
		log.Printf("estimator recompute error=%v", err)
	}
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := e.Recompute(ctx); err != nil {
				log.Printf("estimator recompute error=%v", err)
			}
		}
	}
}
