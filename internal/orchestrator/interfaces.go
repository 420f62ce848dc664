package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
)

// Contract errors TaskStore implementations must return.
var (
	ErrNotFound = errors.New("task not found")
	// ErrVersionConflict signals a lost optimistic-concurrency race: the row
	// changed between load and update. Callers reload and retry or give up.
	ErrVersionConflict = errors.New("task version conflict")
)

type TaskFilter struct {
	Status     *task.Status
	Type       *task.Type
	AssignedTo *uuid.UUID
	Limit      int
	Offset     int
}

// TaskStore is the persistence collaborator. Update performs a compare-and-swap
// on (id, version) and bumps the aggregate's Version on success.
type TaskStore interface {
	GetByID(ctx context.Context, siteID, id uuid.UUID) (*task.Task, error)
	GetByIDs(ctx context.Context, siteID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*task.Task, error)
	Add(ctx context.Context, t *task.Task) error
	Update(ctx context.Context, t *task.Task) error
	ListBySite(ctx context.Context, siteID uuid.UUID, filter TaskFilter) ([]task.Task, error)
	ListOverdue(ctx context.Context, siteID uuid.UUID, now time.Time) ([]task.Task, error)
}

// AssignmentDecision is the site-authorization verdict for assigner→assignee.
type AssignmentDecision struct {
	IsAllowed     bool
	IsCrossSite   bool
	FailureReason string
}

// SiteAuthorizer is the external policy collaborator consulted before a task
// is assigned to a specific user.
type SiteAuthorizer interface {
	ValidateCrossSiteAssignment(ctx context.Context, assignerID, assigneeID, siteID uuid.UUID) (AssignmentDecision, error)
}

// Notifier enqueues outbound alerts. Implemented by notify.Queue.
type Notifier interface {
	Enqueue(ctx context.Context, p notify.EnqueueParams) ([]notify.Request, error)
}

// TaskEvent is a lifecycle event published to the event bus for external
// consumers (integrations, audit).
type TaskEvent struct {
	TaskID     uuid.UUID `json:"task_id"`
	SiteID     uuid.UUID `json:"site_id"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	ActorID    uuid.UUID `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher fans lifecycle events out to the bus. Publishing is
// best-effort; a nil publisher disables it.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, ev TaskEvent) error
}
