package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/config"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/events"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func main() {
	var (
		subject  = flag.String("subject", events.SubjectNotifyDLQ, "subject to tail (tasks.*|notify.dlq)")
		consumer = flag.String("consumer", "events-tail", "durable consumer name")
	)
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	bus, err := events.New(context.Background(), events.Config{
		NATSURL:    cfg.NATSURL,
		StreamName: cfg.NATSStreamName,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer bus.Close()

	js := bus.JetStream()

	sub, err := js.PullSubscribe(*subject, *consumer,
		nats.BindStream(cfg.NATSStreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		logger.Fatal("pull subscribe failed", zap.Error(err))
	}

	logger.Info("tailing events", zap.String("subject", *subject))

	for {
		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			logger.Fatal("fetch failed", zap.Error(err))
		}

		for _, m := range msgs {
			var body map[string]any
			if err := json.Unmarshal(m.Data, &body); err != nil {
				logger.Error("bad event JSON", zap.Error(err), zap.String("subject", m.Subject))
				_ = m.Ack()
				continue
			}

			pretty, _ := json.MarshalIndent(body, "", "  ")
			logger.Info("event", zap.String("subject", m.Subject), zap.String("json", string(pretty)))

			_ = m.Ack()
		}
	}
}
