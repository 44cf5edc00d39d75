package lifecycle

import (
	"time"

	"github.com/dukerupert/taskpact/internal/model"
)

// Action is something a member or the sweep does to a task.
type Action string

const (
	ActionStart           Action = "start"
	ActionComplete        Action = "complete"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionResubmit        Action = "resubmit"
	ActionArchive         Action = "archive"
	ActionPenalize        Action = "penalize"
	ActionGrantGrace      Action = "grant_grace"
	ActionOverrideApprove Action = "override_approve"
)

var transitions = map[model.Status]map[Action]model.Status{
	model.StatusPending: {
		ActionStart:    model.StatusInProgress,
		ActionPenalize: model.StatusRejected,
	},
	model.StatusInProgress: {
		ActionComplete: model.StatusCompleted,
		ActionPenalize: model.StatusRejected,
	},
	model.StatusCompleted: {
		ActionApprove:    model.StatusApproved,
		ActionReject:     model.StatusRejected,
		ActionGrantGrace: model.StatusInProgress,
		ActionPenalize:   model.StatusRejected,
	},
	model.StatusRejected: {
		ActionResubmit:        model.StatusInProgress,
		ActionGrantGrace:      model.StatusInProgress,
		ActionOverrideApprove: model.StatusApproved,
		ActionPenalize:        model.StatusRejected,
	},
	model.StatusApproved: {
		ActionArchive: model.StatusArchived,
	},
}

// Transition returns the status a task in from moves to under a. Pairs
// outside the state machine are a ValidationError.
func Transition(from model.Status, a Action) (model.Status, error) {
	if to, ok := transitions[from][a]; ok {
		return to, nil
	}
	return "", model.Invalid("status", "cannot %s a %s task", a, from)
}

// sourcesOf lists every status from which a is valid.
func sourcesOf(a Action) []model.Status {
	var out []model.Status
	for _, st := range model.Statuses {
		if _, ok := transitions[st][a]; ok {
			out = append(out, st)
		}
	}
	return out
}

// IsOverdue reports whether the task has passed its deadline without being
// approved or archived.
func IsOverdue(t *model.Task, now time.Time) bool {
	due, ok := t.DueDate()
	if !ok || !due.Before(now) {
		return false
	}
	return t.Status != model.StatusApproved && t.Status != model.StatusArchived
}

// IsStrictLocked reports whether a strict task has been penalized while
// overdue. A locked task cannot be resubmitted or edited; only a parent
// grace extension or override approval moves it on.
func IsStrictLocked(t *model.Task, now time.Time) bool {
	return t.Strict && t.PenalizedAt != nil && IsOverdue(t, now)
}

func CanEdit(t *model.Task) bool {
	return t.Status == model.StatusPending || t.Status == model.StatusInProgress
}

func CanDelete(t *model.Task) bool {
	return t.Status == model.StatusPending
}

func CanArchive(t *model.Task) bool {
	return t.Status == model.StatusApproved
}
