package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/ticket-service/internal/clock"
	"qms/ticket-service/internal/config"
	"qms/ticket-service/internal/estimator"
	"qms/ticket-service/internal/feed"
	"qms/ticket-service/internal/httpapi"
	"qms/ticket-service/internal/notify"
	"qms/ticket-service/internal/queue"
	"qms/ticket-service/internal/reset"
	"qms/ticket-service/internal/store"
	"qms/ticket-service/internal/store/failover"
	"qms/ticket-service/internal/store/memory"
	"qms/ticket-service/internal/store/postgres"
	"qms/ticket-service/internal/telemetry"
	"qms/ticket-service/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, cfg.ServiceName)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, degraded, closeStore := openStore(ctx, cfg)
	defer closeStore()

	hub := feed.NewHub()
	publishers := feed.Fanout{hub}
	if cfg.AMQPURL != "" {
		relay, err := feed.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Printf("amqp relay disabled error=%v", err)
		} else {
			defer relay.Close()
			publishers = append(publishers, relay)
			log.Printf("amqp relay exchange=%s", cfg.AMQPExchange)
		}
	}

	clk := clock.Real()
	options := queue.Options{
		Clock:              clk,
		Location:           cfg.Location,
		Publisher:          publishers,
		AllocationAttempts: cfg.SequenceAttempts,
		CallNextAttempts:   cfg.CallNextAttempts,
	}
	tickets := queue.NewTickets(st, options)
	counters := queue.NewRegistry(st, tickets, options)
	catalog := queue.NewCatalog(st, options)
	estimates := estimator.New(st, estimator.Options{
		Clock:      clk,
		Location:   cfg.Location,
		Interval:   cfg.EstimatorInterval,
		UseHistory: cfg.EstimatorHistory,
	})
	scheduler := reset.NewScheduler(tickets, counters, st, clk, cfg.Location)

	handler := httpapi.NewHandler(httpapi.Dependencies{
		Tickets:   tickets,
		Counters:  counters,
		Catalog:   catalog,
		Settings:  st,
		Estimates: estimates,
		Notifier:  notify.NewDispatcher(st, &http.Client{}, cfg.NotifyTimeout),
		Degraded:  degraded,
		Clock:     clk,
		Location:  cfg.Location,
		JoinLimiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute: cfg.RateLimitPerMinute,
			IPBurst:     cfg.RateLimitBurst,
		}),
	})

	mux := handler.Routes()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", httpapi.RealtimeHandler("/realtime", hub))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(mux), cfg.ServiceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("ticket-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return estimates.Run(gctx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx, cfg.ResetInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Printf("ticket-service stopped")
}

// openStore returns the failover store over PostgreSQL, or a memory store
// when DB_DSN is unset.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func() bool, func()) {
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		return memory.NewStore(cfg.CounterCount), func() bool { return false }, func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	primary := postgres.NewStore(pool)
	if err := primary.ProvisionCounters(ctx, cfg.CounterCount); err != nil {
		log.Printf("provision counters error=%v", err)
	}
	st := failover.New(primary, memory.NewStore(cfg.CounterCount))
	return st, st.Degraded, pool.Close
}
