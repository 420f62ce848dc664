package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/notify"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/orchestrator"
	"github.com/advancedAgritek-BB/Harvestry-App-sub003/internal/task"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// writeDomainErr maps domain and store errors onto HTTP statuses.
func writeDomainErr(w http.ResponseWriter, err error) {
	if kind, ok := task.KindOf(err); ok {
		switch kind {
		case task.KindValidation:
			writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		case task.KindInvalidTransition:
			writeErr(w, http.StatusConflict, "invalid_transition", err.Error())
		case task.KindBusinessRule:
			writeErr(w, http.StatusUnprocessableEntity, "business_rule_violation", err.Error())
		case task.KindNotFound:
			writeErr(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrVersionConflict):
		writeErr(w, http.StatusConflict, "version_conflict", "the task was modified concurrently; reload and retry")
	default:
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	return id, err == nil
}

type taskResponse struct {
	Task *task.Task `json:"task"`
}

type createTaskRequest struct {
	Type                task.Type     `json:"type"`
	CustomType          string        `json:"custom_type,omitempty"`
	Title               string        `json:"title"`
	Description         string        `json:"description,omitempty"`
	Priority            task.Priority `json:"priority,omitempty"`
	DueDate             *time.Time    `json:"due_date,omitempty"`
	RequiredSOPIDs      []uuid.UUID   `json:"required_sop_ids,omitempty"`
	RequiredTrainingIDs []uuid.UUID   `json:"required_training_ids,omitempty"`
	DependsOnTaskIDs    []uuid.UUID   `json:"depends_on_task_ids,omitempty"`
	RelatedEntityType   string        `json:"related_entity_type,omitempty"`
	RelatedEntityID     *uuid.UUID    `json:"related_entity_id,omitempty"`
	CreatedBy           uuid.UUID     `json:"created_by"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	t, err := s.svc.CreateTask(r.Context(), orchestrator.CreateTaskParams{
		SiteID:              siteID,
		Type:                req.Type,
		CustomType:          req.CustomType,
		Title:               req.Title,
		Description:         req.Description,
		Priority:            req.Priority,
		DueDate:             req.DueDate,
		RequiredSOPIDs:      req.RequiredSOPIDs,
		RequiredTrainingIDs: req.RequiredTrainingIDs,
		DependsOnTaskIDs:    req.DependsOnTaskIDs,
		RelatedEntityType:   req.RelatedEntityType,
		RelatedEntityID:     req.RelatedEntityID,
		CreatedBy:           req.CreatedBy,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, taskResponse{Task: t})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	t, err := s.svc.GetTask(r.Context(), siteID, id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

type listTasksResponse struct {
	Items  []task.Task `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}

	qp := r.URL.Query()
	var filter orchestrator.TaskFilter

	if v := qp.Get("status"); v != "" {
		sv := task.Status(v)
		if !sv.Valid() {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid status")
			return
		}
		filter.Status = &sv
	}
	if v := qp.Get("type"); v != "" {
		tv := task.Type(v)
		if !tv.Valid() {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid type")
			return
		}
		filter.Type = &tv
	}
	if v := qp.Get("assigned_to"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid assigned_to")
			return
		}
		filter.AssignedTo = &id
	}

	filter.Limit = 50
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		filter.Limit = n
	}
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "validation_error", "offset must be >= 0")
			return
		}
		filter.Offset = n
	}

	items, err := s.svc.ListTasks(r.Context(), siteID, filter)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listTasksResponse{Items: items, Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) handleListOverdueTasks(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}

	items, err := s.svc.ListOverdueTasks(r.Context(), siteID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listTasksResponse{Items: items, Limit: len(items)})
}

type updateTaskRequest struct {
	Description       *string        `json:"description,omitempty"`
	DueDate           *time.Time     `json:"due_date,omitempty"`
	ClearDueDate      bool           `json:"clear_due_date,omitempty"`
	Priority          *task.Priority `json:"priority,omitempty"`
	RelatedEntityType *string        `json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID     `json:"related_entity_id,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	t, err := s.svc.UpdateTask(r.Context(), orchestrator.UpdateTaskParams{
		SiteID:            siteID,
		TaskID:            id,
		Description:       req.Description,
		DueDate:           req.DueDate,
		ClearDueDate:      req.ClearDueDate,
		Priority:          req.Priority,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

type assignTaskRequest struct {
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty"`
	Role       string     `json:"role,omitempty"`
	AssignerID uuid.UUID  `json:"assigner_id"`
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	t, err := s.svc.AssignTask(r.Context(), orchestrator.AssignTaskParams{
		SiteID:     siteID,
		TaskID:     id,
		AssigneeID: req.AssigneeID,
		Role:       req.Role,
		AssignerID: req.AssignerID,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

type actorRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	result, err := s.svc.StartTask(r.Context(), siteID, id, req.UserID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	s.handleActorTransition(w, r, s.svc.CompleteTask)
}

func (s *Server) handleUnblockTask(w http.ResponseWriter, r *http.Request) {
	s.handleActorTransition(w, r, s.svc.UnblockTask)
}

func (s *Server) handleActorTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, siteID, taskID, userID uuid.UUID) (*task.Task, error),
) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	t, err := op(r.Context(), siteID, id, req.UserID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

type cancelTaskRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req cancelTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	t, err := s.svc.CancelTask(r.Context(), siteID, id, req.Reason, req.UserID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

type addDependencyRequest struct {
	DependsOnTaskID uuid.UUID `json:"depends_on_task_id"`
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req addDependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	t, err := s.svc.AddDependency(r.Context(), siteID, id, req.DependsOnTaskID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

func (s *Server) handleAddWatcher(w http.ResponseWriter, r *http.Request) {
	s.handleWatcher(w, r, s.svc.AddWatcher)
}

func (s *Server) handleRemoveWatcher(w http.ResponseWriter, r *http.Request) {
	s.handleWatcher(w, r, s.svc.RemoveWatcher)
}

func (s *Server) handleWatcher(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, siteID, taskID, userID uuid.UUID) (*task.Task, error),
) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}
	userID, ok := pathUUID(r, "userID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid user id")
		return
	}

	t, err := op(r.Context(), siteID, id, userID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: t})
}

type historyResponse struct {
	Items []task.StateChange `json:"items"`
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	items, err := s.svc.GetTaskHistory(r.Context(), siteID, id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: items})
}

func (s *Server) handleEvaluateGating(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "user_id query parameter is required")
		return
	}

	status, err := s.svc.EvaluateGating(r.Context(), siteID, id, userID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type sendNotificationRequest struct {
	Type      notify.Type     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	RequestID string          `json:"request_id,omitempty"`
}

type sendNotificationResponse struct {
	Queued []notify.Request `json:"queued"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}

	var req sendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	queued, err := s.queue.Enqueue(r.Context(), notify.EnqueueParams{
		SiteID:    siteID,
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority,
		RequestID: req.RequestID,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, sendNotificationResponse{Queued: queued})
}

type listNotificationsResponse struct {
	Items []notify.Request `json:"items"`
	Limit int              `json:"limit"`
}

func (s *Server) handleListFailedNotifications(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		limit = n
	}

	items, err := s.queue.ListFailed(r.Context(), siteID, limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listNotificationsResponse{Items: items, Limit: limit})
}

type retryNotificationResponse struct {
	Notification *notify.Request `json:"notification"`
}

func (s *Server) handleRetryNotification(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathUUID(r, "siteID")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid site id")
		return
	}
	id, ok := pathUUID(r, "id")
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid notification id")
		return
	}

	n, err := s.queue.RetryFailed(r.Context(), siteID, id)
	if err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "notification not found")
			return
		}
		writeErr(w, http.StatusUnprocessableEntity, "retry_rejected", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, retryNotificationResponse{Notification: n})
}
