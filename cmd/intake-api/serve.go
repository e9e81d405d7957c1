package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/api/handlers"
	"github.com/drfirst/go-intake/internal/api/middleware"
	"github.com/drfirst/go-intake/internal/config"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/infrastructure/chart"
	"github.com/drfirst/go-intake/internal/infrastructure/postgres"
	"github.com/drfirst/go-intake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-intake/internal/observability/metrics"
	"github.com/drfirst/go-intake/internal/observability/tracing"
	"github.com/drfirst/go-intake/internal/session"
	"github.com/drfirst/go-intake/pkg/circuitbreaker"
	"github.com/drfirst/go-intake/pkg/idempotency"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API and draft consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, _ := cmd.Flags().GetBool("relay")
			return runServer(relay)
		},
	}
	cmd.Flags().Bool("relay", false, "Also run the outbox relay in this process")
	return cmd
}

func runServer(relay bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	breakers := circuitbreaker.NewManager(logger, m.BreakerStateChanged)

	ccfg := chart.DefaultConfig(cfg.ChartAPIURL)
	ccfg.Token = cfg.ChartAPIToken
	ccfg.Timeout = cfg.ChartAPITimeout
	chartClient, err := chart.NewClient(ccfg, breakers, m, logger)
	if err != nil {
		return err
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	producer.OnProduced(m.Produced)

	checks := map[string]handlers.Check{"redpanda": producer.Ping}

	var (
		events intake.EventSink
		inbox  idempotency.Processor = idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig().DefaultTTL)
		pool   *pgxpool.Pool
	)
	if cfg.OutboxEnabled() {
		pool, err = postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		logger.Info("connected to database")

		events = postgres.NewEventStore(pool, redpanda.TopicEvents, logger)
		pgInbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
		checks["postgres"] = pool.Ping
	} else {
		logger.Warn("DATABASE_URL not set: intake events are not persisted and batch dedup is per process")
	}

	if relay {
		if pool == nil {
			return fmt.Errorf("--relay requires DATABASE_URL")
		}
		outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), m.SetOutboxPending, logger)
		outbox.Start()
		defer outbox.Stop()
		logger.Info("outbox relay started in process")
	}

	scfg := session.DefaultConfig()
	scfg.TTL = cfg.SessionTTL
	scfg.SaveWorkers = cfg.SaveWorkers
	scfg.CompletedTopic = redpanda.TopicCompleted
	manager := session.NewManager(scfg, chartClient, events, m, producer, logger)
	defer manager.Shutdown()

	ingestor := session.NewIngestor(manager, inbox, producer, redpanda.TopicDeadLetter, m, logger)
	ccons := redpanda.DefaultConsumerConfig()
	ccons.Brokers = cfg.KafkaBrokers
	ccons.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(ccons, ingestor.Handle, logger)
	if err != nil {
		return err
	}
	consumer.Start()
	defer func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn("consumer stop failed", zap.Error(err))
		}
	}()

	health := handlers.NewHealthHandler(serviceName, version, checks, chartClient.Health)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler(reg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ClinicianAuth(cfg.APIKeys))
		r.Mount("/sessions", handlers.NewSessionHandler(manager, logger).Routes())
		r.Mount("/codes", handlers.NewCodeHandler(chartClient, logger).Routes())
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// save rounds fan out to the chart and may take a while
		WriteTimeout: cfg.ChartAPITimeout * 4,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting intake API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
