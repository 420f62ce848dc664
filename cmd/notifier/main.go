package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/config"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/events"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/logging"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/observability"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/slack"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "harvestry-notifier"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.NotifierMetricsPort)
		logger.Info("notifier metrics server starting", zap.String("addr", addr))
		_ = http.ListenAndServe(addr, mux)
	}()

	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()
	st.SetClaimLease(cfg.NotifierClaimLease)

	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	bus, err := events.New(context.Background(), events.Config{
		NATSURL:    cfg.NATSURL,
		StreamName: cfg.NATSStreamName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer bus.Close()

	deliverer := slack.NewClient(cfg.SlackAPIBase, st)

	dispatcher := notify.NewDispatcher(st.Notifications(), deliverer, bus, logger, notify.DispatcherConfig{
		PollInterval: cfg.NotifierPollInterval,
		BatchSize:    cfg.NotifierBatchSize,
		Concurrency:  cfg.NotifierConcurrency,
		BackoffBase:  cfg.NotifierBackoffBase,
		BackoffMax:   cfg.NotifierBackoffMax,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	dispatcher.Run(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
