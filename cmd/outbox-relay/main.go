// Package main provides the outbox relay service entry point.
// It publishes committed intake events from Postgres to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/infrastructure/postgres"
	"github.com/drfirst/go-intake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-intake/internal/observability/metrics"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	metricsAddr := ":9091"
	if p := os.Getenv("METRICS_PORT"); p != "" {
		metricsAddr = ":" + p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := postgres.Connect(ctx, dbURL, 4)
	cancel()
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced(m.Produced)

	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), m.SetOutboxPending, logger)
	outbox.Start()

	srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
}
