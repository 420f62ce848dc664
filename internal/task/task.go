package task

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusAssigned  Status = "assigned"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAssigned, StatusActive, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses reject all further lifecycle transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for scheduling; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type Type string

const (
	TypeWatering   Type = "watering"
	TypeFeeding    Type = "feeding"
	TypePruning    Type = "pruning"
	TypeTransplant Type = "transplant"
	TypeHarvest    Type = "harvest"
	TypeInspection Type = "inspection"
	TypeSanitation Type = "sanitation"
	TypeCustom     Type = "custom"
)

func (t Type) Valid() bool {
	switch t {
	case TypeWatering, TypeFeeding, TypePruning, TypeTransplant, TypeHarvest, TypeInspection, TypeSanitation, TypeCustom:
		return true
	}
	return false
}

// StateChange is one entry of a task's append-only transition history.
type StateChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ChangedBy uuid.UUID `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Dependency is a directed edge to a prerequisite task in the same site.
type Dependency struct {
	DependsOnTaskID uuid.UUID `json:"depends_on_task_id"`
}

// Task is the orchestration aggregate. The store hydrates its fields, but all
// lifecycle mutation goes through the methods below so the state table and the
// append-only history stay consistent.
type Task struct {
	ID     uuid.UUID `json:"id"`
	SiteID uuid.UUID `json:"site_id"`

	Type        Type   `json:"type"`
	CustomType  string `json:"custom_type,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Priority Priority   `json:"priority"`
	DueDate  *time.Time `json:"due_date,omitempty"`

	AssignedToUserID *uuid.UUID `json:"assigned_to_user_id,omitempty"`
	AssignedToRole   string     `json:"assigned_to_role,omitempty"`
	AssignedByUserID *uuid.UUID `json:"assigned_by_user_id,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`

	// Fixed at creation; never mutated afterwards.
	RequiredSOPIDs      []uuid.UUID `json:"required_sop_ids,omitempty"`
	RequiredTrainingIDs []uuid.UUID `json:"required_training_ids,omitempty"`

	Dependencies []Dependency `json:"dependencies,omitempty"`
	Watchers     []uuid.UUID  `json:"watchers,omitempty"`

	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RelatedEntityType string     `json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID `json:"related_entity_id,omitempty"`

	History []StateChange `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type NewTaskParams struct {
	SiteID              uuid.UUID
	Type                Type
	CustomType          string
	Title               string
	Description         string
	Priority            Priority
	DueDate             *time.Time
	RequiredSOPIDs      []uuid.UUID
	RequiredTrainingIDs []uuid.UUID
	RelatedEntityType   string
	RelatedEntityID     *uuid.UUID
}

func New(p NewTaskParams, now time.Time) (*Task, error) {
	if p.SiteID == uuid.Nil {
		return nil, Validationf("site id is required")
	}
	if p.Title == "" {
		return nil, Validationf("title is required")
	}
	if !p.Type.Valid() {
		return nil, Validationf("invalid task type %q", p.Type)
	}
	if p.Type == TypeCustom && p.CustomType == "" {
		return nil, Validationf("custom task type text is required for custom tasks")
	}
	if p.Type != TypeCustom && p.CustomType != "" {
		return nil, Validationf("custom task type text is only valid for custom tasks")
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, Validationf("invalid priority %q", p.Priority)
	}

	return &Task{
		ID:                  uuid.New(),
		SiteID:              p.SiteID,
		Type:                p.Type,
		CustomType:          p.CustomType,
		Title:               p.Title,
		Description:         p.Description,
		Priority:            priority,
		DueDate:             p.DueDate,
		RequiredSOPIDs:      dedupIDs(p.RequiredSOPIDs),
		RequiredTrainingIDs: dedupIDs(p.RequiredTrainingIDs),
		RelatedEntityType:   p.RelatedEntityType,
		RelatedEntityID:     p.RelatedEntityID,
		Status:              StatusCreated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Assign moves the task to Assigned. At least one of userID/role is required.
// Reassignment of an already-assigned task is allowed.
func (t *Task) Assign(userID *uuid.UUID, role string, by uuid.UUID, now time.Time) error {
	if by == uuid.Nil {
		return Validationf("assigning user id is required")
	}
	if (userID == nil || *userID == uuid.Nil) && role == "" {
		return Validationf("either an assignee user id or a role is required")
	}
	if t.Status != StatusCreated && t.Status != StatusAssigned {
		return Transitionf("cannot assign a task in status %q", t.Status)
	}

	t.AssignedToUserID = userID
	t.AssignedToRole = role
	t.AssignedByUserID = &by
	t.AssignedAt = &now
	t.transition(StatusAssigned, by, now, "")
	return nil
}

// Start moves the task to Active. Gating and dependency checks are the
// orchestration service's responsibility and run before this is called.
func (t *Task) Start(by uuid.UUID, now time.Time) error {
	if by == uuid.Nil {
		return Validationf("starting user id is required")
	}
	if t.Status != StatusCreated && t.Status != StatusAssigned {
		return Transitionf("cannot start a task in status %q", t.Status)
	}

	t.StartedAt = &now
	t.transition(StatusActive, by, now, "")
	return nil
}

// Block records why the task cannot proceed. Reachable from the pre-start
// statuses (a start attempt with unsatisfied dependencies) and from Active.
func (t *Task) Block(reason string, by uuid.UUID, now time.Time) error {
	if reason == "" {
		return Validationf("a reason is required to block a task")
	}
	if by == uuid.Nil {
		return Validationf("blocking user id is required")
	}
	switch t.Status {
	case StatusCreated, StatusAssigned, StatusActive:
	default:
		return Transitionf("cannot block a task in status %q", t.Status)
	}

	t.transition(StatusBlocked, by, now, reason)
	return nil
}

// Unblock returns a blocked task to its pre-start status so the caller can
// re-attempt Start, which re-evaluates gating and dependencies.
func (t *Task) Unblock(by uuid.UUID, now time.Time) error {
	if by == uuid.Nil {
		return Validationf("unblocking user id is required")
	}
	if t.Status != StatusBlocked {
		return Transitionf("cannot unblock a task in status %q", t.Status)
	}

	next := StatusCreated
	if t.AssignedToUserID != nil || t.AssignedToRole != "" {
		next = StatusAssigned
	}
	t.transition(next, by, now, "")
	return nil
}

func (t *Task) Complete(by uuid.UUID, now time.Time) error {
	if by == uuid.Nil {
		return Validationf("completing user id is required")
	}
	if t.Status != StatusActive {
		return Transitionf("cannot complete a task in status %q", t.Status)
	}

	t.CompletedAt = &now
	t.transition(StatusCompleted, by, now, "")
	return nil
}

func (t *Task) Cancel(reason string, by uuid.UUID, now time.Time) error {
	if reason == "" {
		return Validationf("a reason is required to cancel a task")
	}
	if by == uuid.Nil {
		return Validationf("cancelling user id is required")
	}
	if t.Status.Terminal() {
		return Transitionf("cannot cancel a task in status %q", t.Status)
	}

	t.transition(StatusCancelled, by, now, reason)
	return nil
}

// AddDependency records an edge to a prerequisite task. Self-references and
// duplicates are rejected here; cross-graph cycle detection happens in the
// orchestration service, which can load the rest of the graph.
func (t *Task) AddDependency(dependsOn uuid.UUID) error {
	if dependsOn == uuid.Nil {
		return Validationf("dependency task id is required")
	}
	if dependsOn == t.ID {
		return Rulef("a task cannot depend on itself")
	}
	if t.Status.Terminal() {
		return Transitionf("cannot add a dependency to a task in status %q", t.Status)
	}
	for _, d := range t.Dependencies {
		if d.DependsOnTaskID == dependsOn {
			return Rulef("dependency on task %s already exists", dependsOn)
		}
	}

	t.Dependencies = append(t.Dependencies, Dependency{DependsOnTaskID: dependsOn})
	return nil
}

func (t *Task) AddWatcher(userID uuid.UUID, now time.Time) error {
	if userID == uuid.Nil {
		return Validationf("watcher user id is required")
	}
	for _, w := range t.Watchers {
		if w == userID {
			return Rulef("user %s is already watching this task", userID)
		}
	}
	t.Watchers = append(t.Watchers, userID)
	t.UpdatedAt = now
	return nil
}

func (t *Task) RemoveWatcher(userID uuid.UUID, now time.Time) error {
	for i, w := range t.Watchers {
		if w == userID {
			t.Watchers = append(t.Watchers[:i], t.Watchers[i+1:]...)
			t.UpdatedAt = now
			return nil
		}
	}
	return Rulef("user %s is not watching this task", userID)
}

func (t *Task) UpdateDescription(description string, now time.Time) {
	t.Description = description
	t.UpdatedAt = now
}

func (t *Task) UpdateDueDate(due *time.Time, now time.Time) {
	t.DueDate = due
	t.UpdatedAt = now
}

func (t *Task) UpdatePriority(p Priority, now time.Time) error {
	if !p.Valid() {
		return Validationf("invalid priority %q", p)
	}
	t.Priority = p
	t.UpdatedAt = now
	return nil
}

func (t *Task) SetRelatedEntity(entityType string, entityID *uuid.UUID, now time.Time) error {
	if entityType == "" && entityID != nil {
		return Validationf("related entity type is required when an entity id is set")
	}
	t.RelatedEntityType = entityType
	t.RelatedEntityID = entityID
	t.UpdatedAt = now
	return nil
}

// StateHistory returns a copy; the stored log is append-only and owned by the
// aggregate.
func (t *Task) StateHistory() []StateChange {
	out := make([]StateChange, len(t.History))
	copy(out, t.History)
	return out
}

// Overdue reports whether the task has a due date in the past and is still in
// a non-terminal status.
func (t *Task) Overdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && !t.Status.Terminal()
}

func (t *Task) transition(to Status, by uuid.UUID, now time.Time, reason string) {
	t.History = append(t.History, StateChange{
		From:      t.Status,
		To:        to,
		ChangedBy: by,
		ChangedAt: now,
		Reason:    reason,
	})
	t.Status = to
	t.UpdatedAt = now
}

func dedupIDs(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
