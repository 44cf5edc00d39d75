package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/store"
)

type TaskHandler struct {
	tasks  *store.TaskStore
	svc    *lifecycle.Service
	logger *slog.Logger
}

func NewTaskHandler(tasks *store.TaskStore, svc *lifecycle.Service, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, svc: svc, logger: logger}
}

// taskView flattens a task's schedule for clients. Schedule shadows the
// embedded field so it is never encoded.
type taskView struct {
	*model.Task
	Schedule   *struct{}  `json:"schedule,omitempty"`
	DueDate    *time.Time `json:"due_date"`
	Recurring  bool       `json:"is_recurring"`
	Rule       string     `json:"recurrence,omitempty"`
	Enabled    *bool      `json:"recurring_enabled,omitempty"`
	TemplateID *int64     `json:"parent_task_id,omitempty"`
	Overdue    bool       `json:"is_overdue"`
	Locked     bool       `json:"is_locked"`
}

func newTaskView(t *model.Task, now time.Time) taskView {
	v := taskView{
		Task:    t,
		Overdue: lifecycle.IsOverdue(t, now),
		Locked:  lifecycle.IsStrictLocked(t, now),
	}
	if due, ok := t.DueDate(); ok {
		v.DueDate = &due
	}
	switch s := t.Schedule.(type) {
	case model.Template:
		v.Recurring = true
		v.Rule = s.Rule.String()
		v.Enabled = &s.Enabled
	case model.Instance:
		v.TemplateID = &s.TemplateID
	}
	return v
}

func taskViews(tasks []model.Task) []taskView {
	now := time.Now()
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, newTaskView(&tasks[i], now))
	}
	return views
}

// List handles GET /api/tasks?status=&assigned_to=&templates=
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	f := store.TaskFilter{FamilyID: auth.FamilyID(r.Context())}
	q := r.URL.Query()
	for _, s := range q["status"] {
		st, err := model.ParseStatus(s)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	if v := q.Get("assigned_to"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid assigned_to")
			return
		}
		f.AssignedTo = id
	}
	f.Templates = q.Get("templates") == "true"
	f.Hanging = q.Get("hanging") == "true"

	tasks, err := h.tasks.Query(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, taskViews(tasks))
}

// Get handles GET /api/tasks/{id}
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	task, err := h.tasks.Get(r.Context(), id)
	if err == nil && task.FamilyID != auth.FamilyID(r.Context()) {
		err = model.NotFound("task", id)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task, time.Now()))
}

type taskRequest struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	AssignedTo    *int64         `json:"assigned_to"`
	DueDate       *time.Time     `json:"due_date"`
	Points        int            `json:"points"`
	PenaltyPoints int            `json:"penalty_points"`
	Type          model.TaskType `json:"task_type"`
	Strict        bool           `json:"is_strict"`
	Hanging       bool           `json:"is_hanging"`
}

// Create handles POST /api/tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Create(r.Context(), lifecycle.NewTask{
		Title:         req.Title,
		Description:   req.Description,
		AssignedTo:    req.AssignedTo,
		Due:           req.DueDate,
		Points:        req.Points,
		PenaltyPoints: req.PenaltyPoints,
		Type:          req.Type,
		Strict:        req.Strict,
		Hanging:       req.Hanging,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(task, time.Now()))
}

type editRequest struct {
	Title         *string    `json:"title"`
	Description   *string    `json:"description"`
	AssignedTo    *int64     `json:"assigned_to"`
	DueDate       *time.Time `json:"due_date"`
	Points        *int       `json:"points"`
	PenaltyPoints *int       `json:"penalty_points"`
	Strict        *bool      `json:"is_strict"`
}

// Update handles PATCH /api/tasks/{id}
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Edit(r.Context(), id, lifecycle.TaskEdit{
		Title:         req.Title,
		Description:   req.Description,
		AssignedTo:    req.AssignedTo,
		Due:           req.DueDate,
		Points:        req.Points,
		PenaltyPoints: req.PenaltyPoints,
		Strict:        req.Strict,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task, time.Now()))
}

// Delete handles DELETE /api/tasks/{id}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Action handles POST /api/tasks/{id}/{action} for the body-less steps.
func (h *TaskHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}

	var step func(ctx context.Context, id int64) (*model.Task, error)
	switch r.PathValue("action") {
	case "start":
		step = h.svc.Start
	case "complete":
		step = h.svc.Complete
	case "resubmit":
		step = h.svc.Resubmit
	case "claim":
		step = h.svc.Claim
	case "approve":
		step = h.svc.Approve
	case "override-approve":
		step = h.svc.OverrideApprove
	case "archive":
		step = h.svc.Archive
	default:
		writeMessage(w, http.StatusNotFound, "unknown action")
		return
	}

	task, err := step(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task, time.Now()))
}

type rejectRequest struct {
	Reason     string     `json:"reason"`
	GraceUntil *time.Time `json:"grace_until"`
}

// Reject handles POST /api/tasks/{id}/reject
func (h *TaskHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.svc.Reject(r.Context(), id, lifecycle.RejectOptions{Reason: req.Reason, Grace: req.GraceUntil})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task, time.Now()))
}
