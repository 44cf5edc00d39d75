// Package scheduler turns recurring templates into dated task instances.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/logging"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/recurrence"
	"github.com/dukerupert/taskpact/internal/store"
)

// TaskRepository is the task storage the scheduler needs.
type TaskRepository interface {
	Get(ctx context.Context, id int64) (*model.Task, error)
	Insert(ctx context.Context, t *model.Task) (*model.Task, error)
	InsertInstance(ctx context.Context, t *model.Task, dayKey string) (*model.Task, bool, error)
	LatestInstance(ctx context.Context, templateID int64) (*model.Task, error)
	Query(ctx context.Context, f store.TaskFilter) ([]model.Task, error)
	Update(ctx context.Context, id int64, p store.TaskPatch) error
}

type FamilyDirectory interface {
	GetByID(ctx context.Context, id int64) (*model.Family, error)
}

type Scheduler struct {
	tasks    TaskRepository
	families FamilyDirectory
	members  lifecycle.MemberDirectory
	identity auth.IdentityProvider
	sink     notify.Sink
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
	lead     time.Duration
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithSink(sink notify.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithIdentity(idp auth.IdentityProvider) Option {
	return func(s *Scheduler) { s.identity = idp }
}

// WithDefaultLocation sets the zone used for families without a valid
// timezone.
func WithDefaultLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

func New(tasks TaskRepository, families FamilyDirectory, members lifecycle.MemberDirectory, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:    tasks,
		families: families,
		members:  members,
		identity: auth.ContextIdentity{},
		sink:     notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		loc:      time.UTC,
		lead:     recurrence.MinLeadTime,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTemplate describes a recurring task.
type NewTemplate struct {
	Title         string
	Description   string
	AssignedTo    *int64
	Hanging       bool
	Rule          recurrence.Rule
	Points        int
	PenaltyPoints int
	Type          model.TaskType
	Strict        bool
}

// CreateTemplate stores a template and generates its first instance right
// away. The template is returned even when the first generation fails.
func (s *Scheduler) CreateTemplate(ctx context.Context, in NewTemplate) (*model.Task, *model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := lifecycle.ValidateTaskFields(in.Title, in.Points, in.PenaltyPoints); err != nil {
		return nil, nil, err
	}
	if err := validateRule(in.Rule); err != nil {
		return nil, nil, err
	}
	if in.Hanging && in.AssignedTo != nil {
		return nil, nil, model.Invalid("assigned_to", "a hanging task cannot have an assignee")
	}
	if !in.Hanging {
		if in.AssignedTo == nil {
			return nil, nil, model.Invalid("assigned_to", "task needs an assignee or must be hanging")
		}
		if err := lifecycle.RequireChild(ctx, s.members, actor.FamilyID, *in.AssignedTo); err != nil {
			return nil, nil, err
		}
	}
	if in.Type == "" {
		in.Type = model.TaskNegotiable
	}

	tpl, err := s.tasks.Insert(ctx, &model.Task{
		FamilyID:      actor.FamilyID,
		CreatedBy:     actor.MemberID,
		AssignedTo:    in.AssignedTo,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		Schedule:      model.Template{Rule: in.Rule, Enabled: true},
		Points:        in.Points,
		PenaltyPoints: in.PenaltyPoints,
		Type:          in.Type,
		Strict:        in.Strict,
		Hanging:       in.Hanging,
	})
	if err != nil {
		return nil, nil, err
	}
	s.log(ctx).Info("template created", "template_id", tpl.ID, "rule", in.Rule.String())

	inst, _, err := s.GenerateInstance(ctx, tpl, s.now())
	if err != nil {
		s.log(ctx).Error("generate first instance", "template_id", tpl.ID, "error", err)
		return tpl, nil, err
	}
	return tpl, inst, nil
}

func (s *Scheduler) log(ctx context.Context) *slog.Logger {
	return logging.From(ctx, s.logger)
}

// Location returns the time zone recurrence is computed in for a family.
func (s *Scheduler) Location(ctx context.Context, familyID int64) *time.Location {
	fam, err := s.families.GetByID(ctx, familyID)
	if err != nil {
		s.log(ctx).Warn("family timezone unavailable, using default", "family_id", familyID, "error", err)
		return s.loc
	}
	return fam.Location(s.loc)
}

// NextDue computes the deadline of the template's next instance as of asOf,
// in the family's local time.
func (s *Scheduler) NextDue(ctx context.Context, tpl *model.Task, asOf time.Time) (time.Time, error) {
	t, ok := tpl.Template()
	if !ok {
		return time.Time{}, model.Invalid("task", "task %d is not a recurring template", tpl.ID)
	}
	due, err := recurrence.Next(t.Rule, asOf, s.Location(ctx, tpl.FamilyID), s.lead)
	if err != nil {
		return time.Time{}, model.Invalid("recurrence", "%v", err)
	}
	return due, nil
}

// GenerateInstance materializes the template's next slot as of asOf. It is
// idempotent per local calendar day: if the slot's day already has an
// instance, that instance is returned with created false. Disabled
// templates generate nothing.
func (s *Scheduler) GenerateInstance(ctx context.Context, tpl *model.Task, asOf time.Time) (*model.Task, bool, error) {
	t, ok := tpl.Template()
	if !ok {
		return nil, false, model.Invalid("task", "task %d is not a recurring template", tpl.ID)
	}
	if !t.Enabled {
		s.log(ctx).Debug("template disabled, not generating", "template_id", tpl.ID)
		return nil, false, nil
	}

	loc := s.Location(ctx, tpl.FamilyID)
	due, err := recurrence.Next(t.Rule, asOf, loc, s.lead)
	if err != nil {
		return nil, false, model.Invalid("recurrence", "%v", err)
	}

	inst, created, err := s.tasks.InsertInstance(ctx, &model.Task{
		FamilyID:      tpl.FamilyID,
		CreatedBy:     tpl.CreatedBy,
		AssignedTo:    tpl.AssignedTo,
		Title:         tpl.Title,
		Description:   tpl.Description,
		Schedule:      model.Instance{TemplateID: tpl.ID, Due: due},
		Points:        tpl.Points,
		PenaltyPoints: tpl.PenaltyPoints,
		Type:          tpl.Type,
		Strict:        tpl.Strict,
		Hanging:       tpl.Hanging,
		Status:        model.StatusPending,
	}, recurrence.DayKey(due, loc))
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.log(ctx).Debug("instance already exists", "template_id", tpl.ID, "instance_id", inst.ID)
		return inst, false, nil
	}

	s.log(ctx).Info("instance generated", "template_id", tpl.ID, "instance_id", inst.ID, "due", due)
	notify.Deliver(ctx, s.log(ctx), s.sink, notify.Event{
		Kind:       notify.InstanceGenerated,
		FamilyID:   inst.FamilyID,
		TaskID:     inst.ID,
		Recipients: recipients(inst),
		Title:      "New task",
		Body:       inst.Title,
		At:         s.now(),
	})
	return inst, true, nil
}

// SetEnabled pauses or resumes a template. Pausing leaves existing instances
// alone. Resuming generates the next future slot if the template has no
// instance still waiting for its deadline; missed slots are not back-filled.
func (s *Scheduler) SetEnabled(ctx context.Context, templateID int64, enabled bool) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := s.loadTemplate(ctx, actor, templateID)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, templateID, store.TaskPatch{Enabled: &enabled}); err != nil {
		return nil, err
	}
	s.log(ctx).Info("template toggled", "template_id", templateID, "enabled", enabled)

	tpl, err = s.tasks.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return tpl, nil
	}

	now := s.now()
	latest, err := s.tasks.LatestInstance(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if needsInstance(latest, now) {
		if _, _, err := s.GenerateInstance(ctx, tpl, now); err != nil {
			return tpl, err
		}
	}
	return tpl, nil
}

// UpdateRule replaces a template's recurrence. Instances already generated
// keep their deadlines.
func (s *Scheduler) UpdateRule(ctx context.Context, templateID int64, rule recurrence.Rule) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadTemplate(ctx, actor, templateID); err != nil {
		return nil, err
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if err := s.tasks.Update(ctx, templateID, store.TaskPatch{Rule: &rule}); err != nil {
		return nil, err
	}
	s.log(ctx).Info("template rule updated", "template_id", templateID, "rule", rule.String())
	return s.tasks.Get(ctx, templateID)
}

// RunReport summarizes one RunOnce pass.
type RunReport struct {
	Templates int
	Generated int
	Failed    int
}

// RunOnce gives every enabled template whose latest instance is missing or
// past due its next instance. A failing template is logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (RunReport, error) {
	var report RunReport
	templates, err := s.tasks.Query(ctx, store.TaskFilter{Templates: true, Enabled: true})
	if err != nil {
		return report, err
	}
	report.Templates = len(templates)

	now := s.now()
	for i := range templates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tpl := &templates[i]
		latest, err := s.tasks.LatestInstance(ctx, tpl.ID)
		if err != nil {
			report.Failed++
			s.log(ctx).Error("load latest instance", "template_id", tpl.ID, "error", err)
			continue
		}
		if !needsInstance(latest, now) {
			continue
		}
		_, created, err := s.GenerateInstance(ctx, tpl, now)
		if err != nil {
			report.Failed++
			s.log(ctx).Error("generate instance", "template_id", tpl.ID, "error", err)
			continue
		}
		if created {
			report.Generated++
		}
	}

	s.log(ctx).Info("scheduler run complete", "templates", report.Templates, "generated", report.Generated, "failed", report.Failed)
	return report, nil
}

// needsInstance reports whether a template whose most recent instance is
// latest is due for another one.
func needsInstance(latest *model.Task, now time.Time) bool {
	if latest == nil {
		return true
	}
	due, ok := latest.DueDate()
	return !ok || !due.After(now)
}

func validateRule(r recurrence.Rule) error {
	if err := r.Validate(); err != nil {
		return model.Invalid("recurrence", "%v", err)
	}
	return nil
}

func (s *Scheduler) parent(ctx context.Context) (auth.Actor, error) {
	actor, err := s.identity.Actor(ctx)
	if err != nil {
		return auth.Actor{}, err
	}
	if !actor.IsParent() {
		return auth.Actor{}, model.NotAllowed("member %d is not a parent", actor.MemberID)
	}
	return actor, nil
}

func (s *Scheduler) loadTemplate(ctx context.Context, actor auth.Actor, id int64) (*model.Task, error) {
	tpl, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tpl.FamilyID != actor.FamilyID {
		return nil, model.NotAllowed("template %d belongs to another family", id)
	}
	if !tpl.IsTemplate() {
		return nil, model.Invalid("task", "task %d is not a recurring template", id)
	}
	return tpl, nil
}

func recipients(t *model.Task) []int64 {
	if t.AssignedTo == nil {
		return nil
	}
	return []int64{*t.AssignedTo}
}
