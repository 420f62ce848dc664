// Package events publishes task lifecycle events and notification dead
// letters to NATS JetStream for external consumers (integrations, audit).
// The durable notification queue itself lives in Postgres; this bus is
// fire-and-forget fan-out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/observability"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

const (
	SubjectTaskAssigned  = "tasks.assigned"
	SubjectTaskStarted   = "tasks.started"
	SubjectTaskBlocked   = "tasks.blocked"
	SubjectTaskCompleted = "tasks.completed"
	SubjectTaskCancelled = "tasks.cancelled"
	SubjectNotifyDLQ     = "notify.dlq"
)

type Config struct {
	NATSURL    string
	StreamName string
}

type Bus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

// DeadLetter describes a notification that will never be delivered.
type DeadLetter struct {
	NotificationID string    `json:"notification_id"`
	SiteID         string    `json:"site_id"`
	WorkspaceID    string    `json:"workspace_id"`
	ChannelID      string    `json:"channel_id"`
	Type           string    `json:"type"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
}

func New(ctx context.Context, cfg Config) (*Bus, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	b := &Bus{nc: nc, js: js, cfg: cfg}
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func (b *Bus) ensureStream(ctx context.Context) error {
	// Desired subjects for our application stream.
	desired := []string{"tasks.*", SubjectNotifyDLQ}

	// If stream exists: merge subjects safely and update only if needed.
	if info, err := b.js.StreamInfo(b.cfg.StreamName); err == nil && info != nil {
		existing := info.Config.Subjects
		merged, changed := mergeSubjects(existing, desired)
		if !changed {
			return nil
		}

		sc := info.Config          // copy existing config
		sc.Subjects = merged       // only change subjects
		sc.Name = b.cfg.StreamName // ensure name stays correct

		if _, err := b.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	// Otherwise create stream.
	sc := &nats.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  desired,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
	if _, err := b.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	// keep existing order
	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

// PublishTaskEvent implements orchestrator.EventPublisher.
func (b *Bus) PublishTaskEvent(ctx context.Context, ev orchestrator.TaskEvent) error {
	subject, ok := subjectFor(ev.Event)
	if !ok {
		return fmt.Errorf("unknown task event %q", ev.Event)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: msg.Header})
	msg.Header.Set("task_id", ev.TaskID.String())

	_, err = b.js.PublishMsg(msg)
	return err
}

// PublishDeadLetter implements notify.DeadLetterPublisher.
func (b *Bus) PublishDeadLetter(ctx context.Context, r *notify.Request, cause string) error {
	dl := DeadLetter{
		NotificationID: r.ID.String(),
		SiteID:         r.SiteID.String(),
		WorkspaceID:    r.WorkspaceID,
		ChannelID:      r.ChannelID,
		Type:           string(r.Type),
		Attempts:       r.AttemptCount,
		Error:          cause,
		FailedAt:       time.Now(),
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(SubjectNotifyDLQ)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: msg.Header})
	msg.Header.Set("notification_id", r.ID.String())

	_, err = b.js.PublishMsg(msg)
	return err
}

func (b *Bus) JetStream() nats.JetStreamContext {
	return b.js
}

func subjectFor(event string) (string, bool) {
	switch event {
	case "task.assigned":
		return SubjectTaskAssigned, true
	case "task.started":
		return SubjectTaskStarted, true
	case "task.blocked":
		return SubjectTaskBlocked, true
	case "task.completed":
		return SubjectTaskCompleted, true
	case "task.cancelled":
		return SubjectTaskCancelled, true
	}
	return "", false
}
