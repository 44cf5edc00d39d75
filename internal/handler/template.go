package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/recurrence"
	"github.com/dukerupert/taskpact/internal/scheduler"
)

type TemplateHandler struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
}

func NewTemplateHandler(sched *scheduler.Scheduler, logger *slog.Logger) *TemplateHandler {
	return &TemplateHandler{sched: sched, logger: logger}
}

type templateRequest struct {
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	AssignedTo    *int64         `json:"assigned_to"`
	Hanging       bool           `json:"is_hanging"`
	Rule          string         `json:"recurrence"`
	Points        int            `json:"points"`
	PenaltyPoints int            `json:"penalty_points"`
	Type          model.TaskType `json:"task_type"`
	Strict        bool           `json:"is_strict"`
}

// Create handles POST /api/templates. The first instance is returned along
// with the template.
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := recurrence.Parse(req.Rule)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	tpl, inst, err := h.sched.CreateTemplate(r.Context(), scheduler.NewTemplate{
		Title:         req.Title,
		Description:   req.Description,
		AssignedTo:    req.AssignedTo,
		Hanging:       req.Hanging,
		Rule:          rule,
		Points:        req.Points,
		PenaltyPoints: req.PenaltyPoints,
		Type:          req.Type,
		Strict:        req.Strict,
	})
	if err != nil && tpl == nil {
		writeError(w, h.logger, err)
		return
	}

	now := time.Now()
	resp := map[string]any{"template": newTaskView(tpl, now)}
	if inst != nil {
		resp["instance"] = newTaskView(inst, now)
	}
	if err != nil {
		resp["error"] = "first instance could not be generated"
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Pause handles POST /api/templates/{id}/pause
func (h *TemplateHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

// Resume handles POST /api/templates/{id}/resume
func (h *TemplateHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *TemplateHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	tpl, err := h.sched.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(tpl, time.Now()))
}

// UpdateRule handles PUT /api/templates/{id}/recurrence
func (h *TemplateHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Rule string `json:"recurrence"`
	}
	if !decode(w, r, &req) {
		return
	}
	rule, err := recurrence.Parse(req.Rule)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	tpl, err := h.sched.UpdateRule(r.Context(), id, rule)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(tpl, time.Now()))
}
