// Package sweep holds the periodic jobs that act on missed deadlines and
// stale negotiations, and the runner that ticks them.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/logging"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/store"
)

type TaskRepository interface {
	Get(ctx context.Context, id int64) (*model.Task, error)
	Query(ctx context.Context, f store.TaskFilter) ([]model.Task, error)
	ApplyPenalty(ctx context.Context, id int64, at time.Time) (bool, error)
}

// InstanceGenerator creates the next instance of a recurring template.
type InstanceGenerator interface {
	GenerateInstance(ctx context.Context, tpl *model.Task, asOf time.Time) (*model.Task, bool, error)
}

// Penalty generates successors for overdue recurring instances and charges
// penalty points for missed deadlines.
type Penalty struct {
	tasks     TaskRepository
	generator InstanceGenerator
	sink      notify.Sink
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Penalty)

func WithClock(now func() time.Time) Option {
	return func(p *Penalty) { p.now = now }
}

func WithSink(sink notify.Sink) Option {
	return func(p *Penalty) { p.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Penalty) { p.logger = logger }
}

func NewPenalty(tasks TaskRepository, generator InstanceGenerator, opts ...Option) *Penalty {
	p := &Penalty{
		tasks:     tasks,
		generator: generator,
		sink:      notify.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Penalty) log(ctx context.Context) *slog.Logger {
	return logging.From(ctx, p.logger)
}

// Report summarizes one Penalty run.
type Report struct {
	Generated int
	Penalized int
	// Locked counts penalized strict tasks that are now locked.
	Locked int
	Failed int
}

// openStatuses are the statuses a missed deadline can still be charged in.
var openStatuses = []model.Status{
	model.StatusPending,
	model.StatusInProgress,
	model.StatusCompleted,
	model.StatusRejected,
}

// RunOnce performs one sweep. It is safe to run repeatedly or concurrently:
// a task is penalized at most once and a template gets at most one instance
// per local day. Per-task failures are logged and counted, not returned.
func (p *Penalty) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := p.now()

	if err := p.generateSuccessors(ctx, now, &report); err != nil {
		return report, err
	}
	if err := p.penalize(ctx, now, &report); err != nil {
		return report, err
	}

	p.log(ctx).Info("penalty sweep complete",
		"generated", report.Generated,
		"penalized", report.Penalized,
		"locked", report.Locked,
		"failed", report.Failed,
	)
	return report, nil
}

func (p *Penalty) generateSuccessors(ctx context.Context, now time.Time, report *Report) error {
	overdue, err := p.tasks.Query(ctx, store.TaskFilter{
		Instances:   true,
		DueBefore:   &now,
		NoSuccessor: true,
	})
	if err != nil {
		return fmt.Errorf("list overdue instances: %w", err)
	}

	seen := make(map[int64]bool, len(overdue))
	for i := range overdue {
		if err := ctx.Err(); err != nil {
			return err
		}
		inst, ok := overdue[i].Instance()
		if !ok || seen[inst.TemplateID] {
			continue
		}
		seen[inst.TemplateID] = true

		tpl, err := p.tasks.Get(ctx, inst.TemplateID)
		if err != nil {
			report.Failed++
			p.log(ctx).Error("load template", "template_id", inst.TemplateID, "error", err)
			continue
		}
		_, created, err := p.generator.GenerateInstance(ctx, tpl, now)
		if err != nil {
			report.Failed++
			p.log(ctx).Error("generate successor", "template_id", tpl.ID, "error", err)
			continue
		}
		if created {
			report.Generated++
		}
	}
	return nil
}

func (p *Penalty) penalize(ctx context.Context, now time.Time, report *Report) error {
	missed, err := p.tasks.Query(ctx, store.TaskFilter{
		Statuses:    openStatuses,
		DueBefore:   &now,
		Penalizable: true,
	})
	if err != nil {
		return fmt.Errorf("list missed deadlines: %w", err)
	}

	for i := range missed {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := missed[i].ID
		applied, err := p.tasks.ApplyPenalty(ctx, id, now)
		if err != nil {
			report.Failed++
			p.log(ctx).Error("apply penalty", "task_id", id, "error", err)
			continue
		}
		if !applied {
			// Another sweep got there first.
			continue
		}
		report.Penalized++

		task, err := p.tasks.Get(ctx, id)
		if err != nil {
			p.log(ctx).Error("reload penalized task", "task_id", id, "error", err)
			continue
		}
		locked := lifecycle.IsStrictLocked(task, now)
		if locked {
			report.Locked++
		}
		p.log(ctx).Info("task penalized", "task_id", id, "penalty", task.PenaltyPoints, "locked", locked)
		p.notifyPenalized(ctx, task, locked, now)
	}
	return nil
}

func (p *Penalty) notifyPenalized(ctx context.Context, t *model.Task, locked bool, now time.Time) {
	recipients := []int64{t.CreatedBy}
	if t.AssignedTo != nil {
		recipients = append(recipients, *t.AssignedTo)
	}
	body := fmt.Sprintf("%s missed its deadline: -%d points", t.Title, t.PenaltyPoints)
	if locked {
		body += ", locked until a parent steps in"
	}
	notify.Deliver(ctx, p.log(ctx), p.sink, notify.Event{
		Kind:       notify.TaskPenalized,
		FamilyID:   t.FamilyID,
		TaskID:     t.ID,
		Recipients: recipients,
		Title:      "Deadline missed",
		Body:       body,
		At:         now,
	})
}
