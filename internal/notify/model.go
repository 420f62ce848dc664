// Package notify implements the durable outbound notification queue: idempotent
// enqueue with channel fan-out, and an at-least-once dispatch worker with
// exponential backoff.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	// StatusPending: queued, no delivery attempt has failed yet.
	StatusPending Status = "pending"
	// StatusFailed: at least one attempt failed; due again at NextAttemptAt.
	StatusFailed Status = "failed"
	// StatusDelivered: terminal success.
	StatusDelivered Status = "delivered"
	// StatusExhausted: attempts used up or failure was permanent; retained
	// for audit, no automatic retries.
	StatusExhausted Status = "exhausted"
)

type Type string

const (
	TypeTaskAssigned  Type = "task_assigned"
	TypeTaskStarted   Type = "task_started"
	TypeTaskBlocked   Type = "task_blocked"
	TypeTaskCompleted Type = "task_completed"
	TypeTaskCancelled Type = "task_cancelled"
	TypeTaskOverdue   Type = "task_overdue"
)

func (t Type) Valid() bool {
	switch t {
	case TypeTaskAssigned, TypeTaskStarted, TypeTaskBlocked, TypeTaskCompleted, TypeTaskCancelled, TypeTaskOverdue:
		return true
	}
	return false
}

// Request is one queued outbound alert for one workspace/channel target.
// (RequestID, WorkspaceID, ChannelID) is unique: a second enqueue with the
// same caller-supplied request id is a no-op for that target.
type Request struct {
	ID          uuid.UUID       `json:"id"`
	SiteID      uuid.UUID       `json:"site_id"`
	WorkspaceID string          `json:"workspace_id"`
	ChannelID   string          `json:"channel_id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	RequestID   string          `json:"request_id"`

	Status        Status    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     *string   `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contract errors for Storage implementations.
var (
	ErrNotFound      = errors.New("notification not found")
	ErrAlreadyQueued = errors.New("notification already queued")
)

// ChannelMapping is one resolved fan-out target for a notification type.
type ChannelMapping struct {
	WorkspaceID string
	ChannelID   string
}

// ChannelResolver looks up the active workspace/channel targets configured for
// a (site, notification type) pair. Inactive workspaces are excluded.
type ChannelResolver interface {
	ActiveMappings(ctx context.Context, siteID uuid.UUID, t Type) ([]ChannelMapping, error)
}

// Storage is the durable queue table. Insert must enforce the
// (request_id, workspace_id, channel_id) uniqueness and return
// ErrAlreadyQueued when racing enqueuers collide.
type Storage interface {
	Exists(ctx context.Context, requestID, workspaceID, channelID string) (bool, error)
	Insert(ctx context.Context, r *Request) error
	Update(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, siteID, id uuid.UUID) (*Request, error)
	ListFailed(ctx context.Context, siteID uuid.UUID, limit int) ([]Request, error)
	// ClaimDue atomically claims up to limit due rows (status pending/failed,
	// next_attempt_at <= now) ordered by priority desc, next_attempt_at asc,
	// so concurrent dispatchers never deliver the same row twice.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Request, error)
}
