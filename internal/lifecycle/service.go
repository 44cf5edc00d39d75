package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/recurrence"
	"github.com/dukerupert/taskpact/internal/store"
)

// TaskRepository is the task storage the lifecycle service drives.
type TaskRepository interface {
	Get(ctx context.Context, id int64) (*model.Task, error)
	Insert(ctx context.Context, t *model.Task) (*model.Task, error)
	Update(ctx context.Context, id int64, p store.TaskPatch) error
	Delete(ctx context.Context, id int64, ifStatus model.Status) error
	Claim(ctx context.Context, id, memberID int64) error
	Approve(ctx context.Context, id int64, from []model.Status, at time.Time, awards []store.Award) error
}

// Locator resolves the time zone a family's schedule runs in.
type Locator interface {
	Location(ctx context.Context, familyID int64) *time.Location
}

// MemberDirectory looks up family members.
type MemberDirectory interface {
	GetByID(ctx context.Context, id int64) (*model.Member, error)
}

type Service struct {
	tasks    TaskRepository
	members  MemberDirectory
	identity auth.IdentityProvider
	locator  Locator
	sink     notify.Sink
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithSink(sink notify.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithLocator sets how family time zones are found. Without one, instance
// windows are computed in UTC.
func WithLocator(l Locator) Option {
	return func(s *Service) { s.locator = l }
}

func WithIdentity(idp auth.IdentityProvider) Option {
	return func(s *Service) { s.identity = idp }
}

func NewService(tasks TaskRepository, members MemberDirectory, opts ...Option) *Service {
	s := &Service{
		tasks:    tasks,
		members:  members,
		identity: auth.ContextIdentity{},
		sink:     notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTask describes a one-off task. Recurring tasks are created through the
// scheduler.
type NewTask struct {
	Title         string
	Description   string
	AssignedTo    *int64
	Due           *time.Time
	Points        int
	PenaltyPoints int
	Type          model.TaskType
	Strict        bool
	Hanging       bool
}

// Create stores a one-off task on behalf of a parent and notifies whoever
// can work on it.
func (s *Service) Create(ctx context.Context, in NewTask) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidateTaskFields(in.Title, in.Points, in.PenaltyPoints); err != nil {
		return nil, err
	}
	if in.Due != nil {
		if err := s.checkDeadline(*in.Due); err != nil {
			return nil, err
		}
	}
	if in.Type == "" {
		in.Type = model.TaskNegotiable
	}
	if in.Hanging && in.AssignedTo != nil {
		return nil, model.Invalid("assigned_to", "a hanging task cannot have an assignee")
	}
	if !in.Hanging {
		if in.AssignedTo == nil {
			return nil, model.Invalid("assigned_to", "task needs an assignee or must be hanging")
		}
		if err := RequireChild(ctx, s.members, actor.FamilyID, *in.AssignedTo); err != nil {
			return nil, err
		}
	}

	task, err := s.tasks.Insert(ctx, &model.Task{
		FamilyID:      actor.FamilyID,
		CreatedBy:     actor.MemberID,
		AssignedTo:    in.AssignedTo,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		Schedule:      model.OneOff{Due: in.Due},
		Points:        in.Points,
		PenaltyPoints: in.PenaltyPoints,
		Type:          in.Type,
		Strict:        in.Strict,
		Hanging:       in.Hanging,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task created", "task_id", task.ID, "family_id", task.FamilyID, "hanging", task.Hanging)
	notify.Deliver(ctx, s.logger, s.sink, notify.Event{
		Kind:       notify.TaskCreated,
		FamilyID:   task.FamilyID,
		TaskID:     task.ID,
		Recipients: assignees(task),
		Title:      "New task",
		Body:       task.Title,
		At:         s.now(),
	})
	return task, nil
}

// TaskEdit lists the fields a parent may change. Nil fields are kept.
type TaskEdit struct {
	Title         *string
	Description   *string
	AssignedTo    *int64
	Due           *time.Time
	Points        *int
	PenaltyPoints *int
	Strict        *bool
}

// Edit changes an open task. A strict task locked by a penalty cannot be
// edited.
func (s *Service) Edit(ctx context.Context, id int64, in TaskEdit) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if IsStrictLocked(task, s.now()) {
		return nil, model.NotAllowed("task %d is strict locked", id)
	}
	if !CanEdit(task) {
		return nil, model.Invalid("status", "a %s task cannot be edited", task.Status)
	}
	if task.NegotiationPending && (in.Points != nil || in.AssignedTo != nil) {
		return nil, model.Conflict("task %d is under negotiation", id)
	}
	if err := CheckPointsChange(task, in.Points); err != nil {
		return nil, err
	}

	title, points, penalty := task.Title, task.Points, task.PenaltyPoints
	if in.Title != nil {
		title = *in.Title
	}
	if in.Points != nil {
		points = *in.Points
	}
	if in.PenaltyPoints != nil {
		penalty = *in.PenaltyPoints
	}
	if err := ValidateTaskFields(title, points, penalty); err != nil {
		return nil, err
	}
	if in.Due != nil {
		if task.IsTemplate() {
			return nil, model.Invalid("due_date", "a recurring template has no due date")
		}
		if err := s.checkDeadline(*in.Due); err != nil {
			return nil, err
		}
	}
	if in.AssignedTo != nil {
		if err := RequireChild(ctx, s.members, task.FamilyID, *in.AssignedTo); err != nil {
			return nil, err
		}
	}

	patch := store.TaskPatch{
		IfStatus:      []model.Status{model.StatusPending, model.StatusInProgress},
		Description:   in.Description,
		AssignedTo:    in.AssignedTo,
		DueDate:       in.Due,
		Points:        in.Points,
		PenaltyPoints: in.PenaltyPoints,
		Strict:        in.Strict,
	}
	if in.Title != nil {
		trimmed := strings.TrimSpace(*in.Title)
		patch.Title = &trimmed
	}
	if in.AssignedTo != nil {
		hanging := false
		patch.Hanging = &hanging
	}
	if in.Due != nil {
		patch.DueDay = InstanceDay(ctx, s.locator, task, *in.Due)
	}
	if err := s.tasks.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id)
}

// InstanceDay returns the scheduling window an instance moves to when its
// deadline becomes due, or nil for tasks that have no window. A nil locator
// means UTC.
func InstanceDay(ctx context.Context, l Locator, task *model.Task, due time.Time) *string {
	if _, ok := task.Instance(); !ok {
		return nil
	}
	loc := time.UTC
	if l != nil {
		loc = l.Location(ctx, task.FamilyID)
	}
	key := recurrence.DayKey(due, loc)
	return &key
}

// CheckPointsChange refuses a new point value for a task whose points are
// already split between two members.
func CheckPointsChange(t *model.Task, points *int) error {
	if points != nil && t.PointSplit != nil && *points != t.Points {
		return model.Invalid("points", "points of a transferred task are fixed by its split")
	}
	return nil
}

// Claim lets a child pick up a hanging task.
func (s *Service) Claim(ctx context.Context, id int64) (*model.Task, error) {
	actor, err := s.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	if actor.IsParent() {
		return nil, model.NotAllowed("parents do not claim tasks")
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !task.Hanging {
		return nil, model.Invalid("task", "task is not open for pickup")
	}
	if err := s.tasks.Claim(ctx, id, actor.MemberID); err != nil {
		return nil, err
	}
	s.logger.Info("task claimed", "task_id", id, "member_id", actor.MemberID)
	return s.tasks.Get(ctx, id)
}

// Start moves a pending task to in_progress for its assignee.
func (s *Service) Start(ctx context.Context, id int64) (*model.Task, error) {
	return s.assigneeStep(ctx, id, ActionStart, nil)
}

// Complete marks an in-progress task done, awaiting a parent's review.
func (s *Service) Complete(ctx context.Context, id int64) (*model.Task, error) {
	return s.assigneeStep(ctx, id, ActionComplete, func(p *store.TaskPatch, now time.Time) {
		p.CompletedAt = &now
	})
}

// Resubmit reopens a rejected task. Strict tasks locked by a penalty stay
// rejected until a parent steps in.
func (s *Service) Resubmit(ctx context.Context, id int64) (*model.Task, error) {
	return s.assigneeStep(ctx, id, ActionResubmit, nil)
}

func (s *Service) assigneeStep(ctx context.Context, id int64, action Action, extra func(*store.TaskPatch, time.Time)) (*model.Task, error) {
	actor, err := s.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := workable(task); err != nil {
		return nil, err
	}
	if !task.IsAssignee(actor.MemberID) {
		return nil, model.NotAllowed("member %d is not the assignee of task %d", actor.MemberID, id)
	}
	now := s.now()
	if action == ActionResubmit && IsStrictLocked(task, now) {
		return nil, model.Conflict("task %d is strict locked", id)
	}
	to, err := Transition(task.Status, action)
	if err != nil {
		return nil, err
	}

	patch := store.TaskPatch{IfStatus: []model.Status{task.Status}, Status: &to}
	if extra != nil {
		extra(&patch, now)
	}
	if err := s.tasks.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	s.logger.Info("task transitioned", "task_id", id, "action", action, "from", task.Status, "to", to)
	return s.tasks.Get(ctx, id)
}

// Approve accepts completed work and pays out the task's points.
func (s *Service) Approve(ctx context.Context, id int64) (*model.Task, error) {
	return s.approve(ctx, id, ActionApprove)
}

// OverrideApprove approves a rejected task, including one that is strict
// locked.
func (s *Service) OverrideApprove(ctx context.Context, id int64) (*model.Task, error) {
	return s.approve(ctx, id, ActionOverrideApprove)
}

func (s *Service) approve(ctx context.Context, id int64, action Action) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := workable(task); err != nil {
		return nil, err
	}
	if _, err := Transition(task.Status, action); err != nil {
		return nil, err
	}

	now := s.now()
	awards := Awards(task)
	if err := s.tasks.Approve(ctx, id, sourcesOf(action), now, awards); err != nil {
		return nil, err
	}
	s.logger.Info("task approved", "task_id", id, "action", action, "awards", len(awards))

	notify.Deliver(ctx, s.logger, s.sink, notify.Event{
		Kind:       notify.TaskApproved,
		FamilyID:   task.FamilyID,
		TaskID:     id,
		Recipients: awardRecipients(awards),
		Title:      "Task approved",
		Body:       task.Title + ": " + s.describeAwards(ctx, awards),
		At:         now,
	})
	return s.tasks.Get(ctx, id)
}

// describeAwards renders what each member was paid, naming them when the
// points were split.
func (s *Service) describeAwards(ctx context.Context, awards []store.Award) string {
	switch len(awards) {
	case 0:
		return "no points awarded"
	case 1:
		return fmt.Sprintf("+%d points", awards[0].Points)
	}
	parts := make([]string, len(awards))
	for i, a := range awards {
		name := fmt.Sprintf("member %d", a.MemberID)
		if m, err := s.members.GetByID(ctx, a.MemberID); err == nil && m != nil {
			name = m.Name
		}
		parts[i] = fmt.Sprintf("+%d %s", a.Points, name)
	}
	return strings.Join(parts, ", ")
}

// RejectOptions controls Reject. With a Grace deadline the task is reopened
// for the assignee instead of being rejected.
type RejectOptions struct {
	Reason string
	Grace  *time.Time
}

// Reject turns down completed work. A grace deadline reopens a completed or
// rejected task with a new due date, which is the only way a strict locked
// task goes back to the child.
func (s *Service) Reject(ctx context.Context, id int64, opts RejectOptions) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	if err := workable(task); err != nil {
		return nil, err
	}

	action := ActionReject
	if opts.Grace != nil {
		action = ActionGrantGrace
	}
	to, err := Transition(task.Status, action)
	if err != nil {
		return nil, err
	}

	patch := store.TaskPatch{IfStatus: []model.Status{task.Status}, Status: &to}
	if opts.Grace != nil {
		if err := s.checkDeadline(*opts.Grace); err != nil {
			return nil, err
		}
		patch.DueDate = opts.Grace
		patch.DueDay = InstanceDay(ctx, s.locator, task, *opts.Grace)
	}
	if err := s.tasks.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	s.logger.Info("task rejected", "task_id", id, "grace", opts.Grace != nil)

	body := task.Title
	if opts.Reason != "" {
		body += ": " + opts.Reason
	}
	notify.Deliver(ctx, s.logger, s.sink, notify.Event{
		Kind:       notify.TaskRejected,
		FamilyID:   task.FamilyID,
		TaskID:     id,
		Recipients: assignees(task),
		Title:      "Task sent back",
		Body:       body,
		At:         s.now(),
	})
	return s.tasks.Get(ctx, id)
}

// Archive retires an approved task.
func (s *Service) Archive(ctx context.Context, id int64) (*model.Task, error) {
	actor, err := s.parent(ctx)
	if err != nil {
		return nil, err
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !CanArchive(task) {
		return nil, model.Invalid("status", "only approved tasks can be archived")
	}
	to, err := Transition(task.Status, ActionArchive)
	if err != nil {
		return nil, err
	}
	now := s.now()
	err = s.tasks.Update(ctx, id, store.TaskPatch{
		IfStatus:   []model.Status{model.StatusApproved},
		Status:     &to,
		ArchivedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, id)
}

// Delete removes a task that nobody has worked on yet. Anything further
// along must be archived so its point history survives.
func (s *Service) Delete(ctx context.Context, id int64) error {
	actor, err := s.parent(ctx)
	if err != nil {
		return err
	}
	task, err := s.load(ctx, actor, id)
	if err != nil {
		return err
	}
	if !CanDelete(task) {
		return model.Invalid("status", "a %s task cannot be deleted; archive it instead", task.Status)
	}
	if err := s.tasks.Delete(ctx, id, model.StatusPending); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// Awards computes who is paid what when t is approved. A point split pays
// both the final assignee and the original owner, falling back to the
// creator when no original owner was recorded.
func Awards(t *model.Task) []store.Award {
	if t.PointSplit == nil {
		if t.AssignedTo == nil {
			return nil
		}
		return []store.Award{{MemberID: *t.AssignedTo, Points: t.Points, Reason: model.LedgerAward}}
	}

	var awards []store.Award
	if t.AssignedTo != nil {
		awards = append(awards, store.Award{
			MemberID: *t.AssignedTo,
			Points:   t.PointSplit.FinalAssignee,
			Reason:   model.LedgerSplitAward,
		})
	}
	original := t.CreatedBy
	if t.OriginalAssignee != nil {
		original = *t.OriginalAssignee
	}
	awards = append(awards, store.Award{
		MemberID: original,
		Points:   t.PointSplit.OriginalAssignee,
		Reason:   model.LedgerSplitAward,
	})
	return awards
}

// ValidateTaskFields checks the fields shared by tasks and templates.
func ValidateTaskFields(title string, points, penalty int) error {
	if strings.TrimSpace(title) == "" {
		return model.Invalid("title", "title is required")
	}
	if points < 0 {
		return model.Invalid("points", "points must not be negative")
	}
	if penalty < 0 {
		return model.Invalid("penalty_points", "penalty points must not be negative")
	}
	return nil
}

// RequireChild checks that memberID is a child of familyID.
func RequireChild(ctx context.Context, members MemberDirectory, familyID, memberID int64) error {
	m, err := members.GetByID(ctx, memberID)
	if err != nil {
		return err
	}
	if m.FamilyID != familyID {
		return model.NotAllowed("member %d is not in family %d", memberID, familyID)
	}
	if m.Role != model.RoleChild {
		return model.Invalid("assigned_to", "tasks can only be assigned to children")
	}
	return nil
}

func (s *Service) checkDeadline(due time.Time) error {
	if earliest := s.now().Add(recurrence.MinLeadTime); due.Before(earliest) {
		return model.Invalid("due_date", "deadline must be at least %d minutes from now", int(recurrence.MinLeadTime.Minutes()))
	}
	return nil
}

func (s *Service) parent(ctx context.Context) (auth.Actor, error) {
	actor, err := s.identity.Actor(ctx)
	if err != nil {
		return auth.Actor{}, err
	}
	if !actor.IsParent() {
		return auth.Actor{}, model.NotAllowed("member %d is not a parent", actor.MemberID)
	}
	return actor, nil
}

// load fetches a task the actor's family owns.
func (s *Service) load(ctx context.Context, actor auth.Actor, id int64) (*model.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.FamilyID != actor.FamilyID {
		return nil, model.NotAllowed("task %d belongs to another family", id)
	}
	return task, nil
}

func assignees(t *model.Task) []int64 {
	if t.AssignedTo == nil {
		return nil
	}
	return []int64{*t.AssignedTo}
}

func awardRecipients(awards []store.Award) []int64 {
	out := make([]int64, 0, len(awards))
	for _, a := range awards {
		out = append(out, a.MemberID)
	}
	return out
}

// workable refuses lifecycle steps on recurring templates; only their
// instances are worked on.
func workable(t *model.Task) error {
	if t.IsTemplate() {
		return model.Invalid("task", "a recurring template is not worked on directly")
	}
	return nil
}
