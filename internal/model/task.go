package model

import (
	"fmt"
	"time"

	"github.com/dukerupert/taskpact/internal/recurrence"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusArchived   Status = "archived"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusInProgress, StatusCompleted,
	StatusApproved, StatusRejected, StatusArchived,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

type TaskType string

const (
	TaskNegotiable    TaskType = "negotiable"
	TaskNonNegotiable TaskType = "non_negotiable"
)

func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskNegotiable, TaskNonNegotiable:
		return TaskType(s), nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Schedule says when a task is due. It is exactly one of OneOff, Template or
// Instance; templates have no due date by construction.
type Schedule interface {
	schedule()
}

// OneOff is an ordinary task with an optional deadline.
type OneOff struct {
	Due *time.Time `json:"due,omitempty"`
}

// Template is a recurring task definition that generates Instances.
type Template struct {
	Rule    recurrence.Rule `json:"rule"`
	Enabled bool            `json:"enabled"`
}

// Instance is one dated occurrence generated from a Template.
type Instance struct {
	TemplateID int64     `json:"template_id"`
	Due        time.Time `json:"due"`
}

func (OneOff) schedule()   {}
func (Template) schedule() {}
func (Instance) schedule() {}

// PointSplit records how a transferred task's reward is divided on approval.
type PointSplit struct {
	FinalAssignee    int `json:"final_assignee"`
	OriginalAssignee int `json:"original_assignee"`
}

type Task struct {
	ID          int64  `json:"id"`
	FamilyID    int64  `json:"family_id"`
	CreatedBy   int64  `json:"created_by"`
	AssignedTo  *int64 `json:"assigned_to"`
	Title       string `json:"title"`
	Description string `json:"description"`

	Schedule Schedule `json:"schedule"`

	Points           int         `json:"points"`
	PenaltyPoints    int         `json:"penalty_points"`
	PointSplit       *PointSplit `json:"point_split,omitempty"`
	OriginalAssignee *int64      `json:"original_assignee,omitempty"`

	Type               TaskType `json:"task_type"`
	Strict             bool     `json:"is_strict"`
	Hanging            bool     `json:"is_hanging"`
	NegotiationPending bool     `json:"negotiation_pending"`

	Status      Status     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	PenalizedAt *time.Time `json:"penalized_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DueDate returns the task's deadline, if it has one.
func (t *Task) DueDate() (time.Time, bool) {
	switch s := t.Schedule.(type) {
	case OneOff:
		if s.Due != nil {
			return *s.Due, true
		}
	case Instance:
		return s.Due, true
	}
	return time.Time{}, false
}

// SetDueDate moves the deadline of a one-off task or an instance. Templates
// are left untouched and report false.
func (t *Task) SetDueDate(due time.Time) bool {
	switch s := t.Schedule.(type) {
	case OneOff:
		t.Schedule = OneOff{Due: &due}
		return true
	case Instance:
		s.Due = due
		t.Schedule = s
		return true
	}
	return false
}

func (t *Task) Template() (Template, bool) {
	tpl, ok := t.Schedule.(Template)
	return tpl, ok
}

func (t *Task) Instance() (Instance, bool) {
	inst, ok := t.Schedule.(Instance)
	return inst, ok
}

func (t *Task) IsTemplate() bool {
	_, ok := t.Schedule.(Template)
	return ok
}

// IsAssignee reports whether memberID currently owns the task.
func (t *Task) IsAssignee(memberID int64) bool {
	return t.AssignedTo != nil && *t.AssignedTo == memberID
}
