package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultMaxAttempts = 5

type EnqueueParams struct {
	SiteID   uuid.UUID
	Type     Type
	Payload  json.RawMessage
	Priority int
	// RequestID is the caller's idempotency key. When empty a fresh random
	// token is generated and the enqueue is not deduplicated.
	RequestID string
}

// Queue resolves fan-out targets and inserts one Request row per target,
// skipping targets that are already queued under the same request id.
type Queue struct {
	storage     Storage
	channels    ChannelResolver
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewQueue(storage Storage, channels ChannelResolver, logger *zap.Logger) *Queue {
	return &Queue{
		storage:     storage,
		channels:    channels,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// SetMaxAttempts overrides the attempt budget stamped onto new rows.
func (q *Queue) SetMaxAttempts(n int) {
	if n > 0 {
		q.maxAttempts = n
	}
}

// Enqueue queues the notification for every active channel mapping of
// (site, type). Returns the rows actually inserted; targets skipped by the
// idempotency check are absent from the result.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) ([]Request, error) {
	if p.SiteID == uuid.Nil {
		return nil, fmt.Errorf("site id is required")
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("invalid notification type %q", p.Type)
	}
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if p.Priority < 0 {
		return nil, fmt.Errorf("priority must be >= 0")
	}

	mappings, err := q.channels.ActiveMappings(ctx, p.SiteID, p.Type)
	if err != nil {
		return nil, fmt.Errorf("resolve channel mappings: %w", err)
	}
	if len(mappings) == 0 {
		q.logger.Debug("no active channel mappings for notification",
			zap.String("site_id", p.SiteID.String()),
			zap.String("type", string(p.Type)),
		)
		return nil, nil
	}

	dedup := p.RequestID != ""
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	now := q.now()
	var queued []Request
	for _, m := range mappings {
		if dedup {
			exists, err := q.storage.Exists(ctx, requestID, m.WorkspaceID, m.ChannelID)
			if err != nil {
				return queued, fmt.Errorf("dedup check: %w", err)
			}
			if exists {
				continue
			}
		}

		r := Request{
			ID:            uuid.New(),
			SiteID:        p.SiteID,
			WorkspaceID:   m.WorkspaceID,
			ChannelID:     m.ChannelID,
			Type:          p.Type,
			Payload:       p.Payload,
			Priority:      p.Priority,
			RequestID:     requestID,
			Status:        StatusPending,
			AttemptCount:  0,
			MaxAttempts:   q.maxAttempts,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := q.storage.Insert(ctx, &r); err != nil {
			// Unique-index race with a concurrent enqueuer: that target is
			// already queued, which is exactly what we wanted.
			if errors.Is(err, ErrAlreadyQueued) {
				continue
			}
			return queued, fmt.Errorf("insert notification: %w", err)
		}
		queued = append(queued, r)
	}

	return queued, nil
}

// RetryFailed re-arms a failed notification for immediate pickup. Rejected
// once the attempt budget is spent; a manual retry never resets AttemptCount.
func (q *Queue) RetryFailed(ctx context.Context, siteID, id uuid.UUID) (*Request, error) {
	r, err := q.storage.GetByID(ctx, siteID, id)
	if err != nil {
		return nil, err
	}

	switch r.Status {
	case StatusDelivered:
		return nil, fmt.Errorf("notification %s is already delivered", id)
	case StatusExhausted:
		return nil, fmt.Errorf("notification %s has exhausted its %d attempts", id, r.MaxAttempts)
	}
	if r.AttemptCount >= r.MaxAttempts {
		return nil, fmt.Errorf("notification %s has exhausted its %d attempts", id, r.MaxAttempts)
	}

	now := q.now()
	r.Status = StatusPending
	r.NextAttemptAt = now
	r.UpdatedAt = now
	if err := q.storage.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListFailed returns notifications awaiting retry or exhausted, newest first.
func (q *Queue) ListFailed(ctx context.Context, siteID uuid.UUID, limit int) ([]Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.storage.ListFailed(ctx, siteID, limit)
}
