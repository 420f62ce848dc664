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

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/api/httpapi"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/config"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/events"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/gating"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/logging"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/observability"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "harvestry-tasking-api"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Postgres store
	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	// NATS JetStream event bus (publisher)
	bus, err := events.New(context.Background(), events.Config{
		NATSURL:    cfg.NATSURL,
		StreamName: cfg.NATSStreamName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer bus.Close()

	queue := notify.NewQueue(st.Notifications(), st, logger)
	queue.SetMaxAttempts(cfg.NotifierMaxAttempts)
	svc := orchestrator.NewService(st, gating.NewResolver(st), st, queue, bus, logger)

	// HTTP server
	server := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, svc, queue)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
