package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Deliverer pushes one notification to its channel (Slack or equivalent).
type Deliverer interface {
	Deliver(ctx context.Context, r *Request) error
}

// DeadLetterPublisher receives notifications that will never be delivered.
// Publishing is best-effort; a nil publisher disables it.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, r *Request, cause string) error
}

// PermanentError marks a delivery error that should NOT be retried
// (bad channel, revoked token). The dispatcher exhausts the request
// immediately instead of burning the remaining attempts.
type PermanentError struct{ Err error }

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Dispatcher is the background delivery worker. Multiple instances may run
// against the same queue table; Storage.ClaimDue guarantees each row is
// handled by at most one of them at a time.
type Dispatcher struct {
	storage    Storage
	deliverer  Deliverer
	deadLetter DeadLetterPublisher
	logger     *zap.Logger
	cfg        DispatcherConfig
	now        func() time.Time
}

func NewDispatcher(storage Storage, deliverer Deliverer, deadLetter DeadLetterPublisher, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	return &Dispatcher{
		storage:    storage,
		deliverer:  deliverer,
		deadLetter: deadLetter,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run polls for due notifications until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("notification dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("concurrency", d.cfg.Concurrency),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
			if n, err := d.RunOnce(ctx); err != nil {
				d.logger.Warn("dispatch cycle failed", zap.Error(err))
			} else if n > 0 {
				d.logger.Debug("dispatch cycle done", zap.Int("processed", n))
			}
		}
	}
}

// RunOnce claims one batch of due notifications and attempts delivery for each,
// bounded by the configured concurrency. Returns how many rows were processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := d.storage.ClaimDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	wg := &sync.WaitGroup{}

	for i := range due {
		r := due[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatch(ctx, &r)
		}()
	}
	wg.Wait()

	return len(due), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, r *Request) {
	tr := otel.Tracer("harvestry/notify")
	ctx, span := tr.Start(ctx, "notify.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.id", r.ID.String()),
		attribute.String("notification.type", string(r.Type)),
		attribute.Int("notification.attempt", r.AttemptCount+1),
	)

	start := time.Now()
	deliverErr := d.deliverer.Deliver(ctx, r)
	observability.NotificationDeliveryDuration.WithLabelValues(string(r.Type)).Observe(time.Since(start).Seconds())

	now := d.now()
	if deliverErr == nil {
		r.Status = StatusDelivered
		r.AttemptCount++
		r.LastError = nil
		r.UpdatedAt = now
		if err := d.storage.Update(ctx, r); err != nil {
			// The row stays claimed until its lease expires, then is retried;
			// the deliverer must tolerate the duplicate.
			d.logger.Error("failed to persist delivered notification", zap.Error(err),
				zap.String("notification_id", r.ID.String()))
			return
		}
		observability.NotificationsDeliveredTotal.WithLabelValues(string(r.Type)).Inc()
		d.logger.Info("notification delivered",
			zap.String("notification_id", r.ID.String()),
			zap.String("type", string(r.Type)),
			zap.Int("attempt", r.AttemptCount),
		)
		return
	}

	span.RecordError(deliverErr)
	span.SetStatus(codes.Error, deliverErr.Error())

	msg := deliverErr.Error()
	r.AttemptCount++
	r.LastError = &msg
	r.UpdatedAt = now

	permanent := IsPermanent(deliverErr)
	exhausted := r.AttemptCount >= r.MaxAttempts

	if permanent || exhausted {
		r.Status = StatusExhausted
		reason := "exhausted"
		if permanent {
			reason = "permanent"
		}
		observability.NotificationDeliveriesFailedTotal.WithLabelValues(string(r.Type), reason).Inc()

		if err := d.storage.Update(ctx, r); err != nil {
			d.logger.Error("failed to persist exhausted notification", zap.Error(err),
				zap.String("notification_id", r.ID.String()))
			return
		}
		d.publishDeadLetterBestEffort(ctx, r, msg)
		d.logger.Error("notification exhausted",
			zap.String("notification_id", r.ID.String()),
			zap.String("type", string(r.Type)),
			zap.Int("attempts", r.AttemptCount),
			zap.String("reason", reason),
			zap.String("error", msg),
		)
		return
	}

	r.Status = StatusFailed
	r.NextAttemptAt = now.Add(Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax, r.AttemptCount))
	observability.NotificationDeliveriesFailedTotal.WithLabelValues(string(r.Type), "retryable").Inc()

	if err := d.storage.Update(ctx, r); err != nil {
		d.logger.Error("failed to persist retry state", zap.Error(err),
			zap.String("notification_id", r.ID.String()))
		return
	}
	d.logger.Warn("notification delivery failed, will retry",
		zap.String("notification_id", r.ID.String()),
		zap.String("type", string(r.Type)),
		zap.Int("attempt", r.AttemptCount),
		zap.Time("next_attempt_at", r.NextAttemptAt),
		zap.String("error", msg),
	)
}

func (d *Dispatcher) publishDeadLetterBestEffort(ctx context.Context, r *Request, cause string) {
	if d.deadLetter == nil {
		return
	}
	if err := d.deadLetter.PublishDeadLetter(ctx, r, cause); err != nil {
		d.logger.Error("failed to publish dead-letter event", zap.Error(err),
			zap.String("notification_id", r.ID.String()))
	}
}
