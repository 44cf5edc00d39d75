// Package negotiation runs the offer and counter-offer protocol children use
// to hand tasks to siblings or ask parents for different terms.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/logging"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/recurrence"
	"github.com/dukerupert/taskpact/internal/store"
)

// DefaultExpiry is how long a sibling transfer stays open when the offer
// does not say.
const DefaultExpiry = 24 * time.Hour

// Repository is the negotiation storage the engine drives.
type Repository interface {
	Get(ctx context.Context, id int64) (*model.Negotiation, error)
	ListByTask(ctx context.Context, taskID int64) ([]model.Negotiation, error)
	ListExpired(ctx context.Context, now time.Time) ([]model.Negotiation, error)
	Messages(ctx context.Context, taskID int64) ([]model.NegotiationMessage, error)
	Create(ctx context.Context, n *model.Negotiation) (*model.Negotiation, error)
	Counter(ctx context.Context, prevID int64, next *model.Negotiation, at time.Time) (*model.Negotiation, error)
	Settle(ctx context.Context, id, senderID int64, response string, at time.Time, patch store.TaskPatch) error
	Resolve(ctx context.Context, id int64, status model.NegotiationStatus, senderID *int64, msgType model.MessageType, message string, at time.Time) error
}

type TaskReader interface {
	Get(ctx context.Context, id int64) (*model.Task, error)
}

type Engine struct {
	negotiations Repository
	tasks        TaskReader
	members      lifecycle.MemberDirectory
	identity     auth.IdentityProvider
	locator      lifecycle.Locator
	sink         notify.Sink
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSink(sink notify.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLocator sets how family time zones are found when an accepted change
// moves a recurring instance's deadline.
func WithLocator(l lifecycle.Locator) Option {
	return func(e *Engine) { e.locator = l }
}

func WithIdentity(idp auth.IdentityProvider) Option {
	return func(e *Engine) { e.identity = idp }
}

func NewEngine(negotiations Repository, tasks TaskReader, members lifecycle.MemberDirectory, opts ...Option) *Engine {
	e := &Engine{
		negotiations: negotiations,
		tasks:        tasks,
		members:      members,
		identity:     auth.ContextIdentity{},
		sink:         notify.Nop{},
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logging.From(ctx, e.logger)
}

// TransferOffer proposes handing a task to a sibling for a share of its
// points.
type TransferOffer struct {
	TaskID             int64
	RecipientID        int64
	OfferedToRecipient int
	KeptByInitiator    int
	// ExpiresIn defaults to DefaultExpiry.
	ExpiresIn time.Duration
	Message   string
}

// OfferTransfer opens a sibling transfer on behalf of the task's assignee.
func (e *Engine) OfferTransfer(ctx context.Context, in TransferOffer) (*model.Negotiation, error) {
	actor, err := e.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	task, err := e.negotiableTask(ctx, actor, in.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.IsAssignee(actor.MemberID) {
		return nil, model.NotAllowed("member %d does not own task %d", actor.MemberID, task.ID)
	}
	if task.PointSplit != nil {
		return nil, model.Invalid("task", "task has already been transferred")
	}
	if err := validateSplit(task, in.OfferedToRecipient, in.KeptByInitiator); err != nil {
		return nil, err
	}
	if err := e.requireSibling(ctx, task, actor.MemberID, in.RecipientID); err != nil {
		return nil, err
	}
	if in.ExpiresIn < 0 {
		return nil, model.Invalid("expires_in", "expiry must be in the future")
	}
	if in.ExpiresIn == 0 {
		in.ExpiresIn = DefaultExpiry
	}

	expires := e.now().Add(in.ExpiresIn)
	n, err := e.negotiations.Create(ctx, &model.Negotiation{
		TaskID:                   task.ID,
		Type:                     model.SiblingTransfer,
		InitiatorID:              actor.MemberID,
		RecipientID:              in.RecipientID,
		PointsOfferedToRecipient: in.OfferedToRecipient,
		PointsKeptByInitiator:    in.KeptByInitiator,
		ExpiresAt:                &expires,
		OfferMessage:             in.Message,
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("transfer offered", "negotiation_id", n.ID, "task_id", task.ID, "to", in.RecipientID)
	e.notifyOffer(ctx, task, n)
	return n, nil
}

// ChangeRequest asks a parent to change a task. Nil fields are not part of
// the request; at least one must be set.
type ChangeRequest struct {
	TaskID int64
	// RecipientID defaults to the task's creator.
	RecipientID int64
	Points      *int
	Due         *time.Time
	Description *string
	Message     string
}

// RequestChange opens a parent negotiation on behalf of the task's assignee.
func (e *Engine) RequestChange(ctx context.Context, in ChangeRequest) (*model.Negotiation, error) {
	actor, err := e.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	task, err := e.negotiableTask(ctx, actor, in.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.IsAssignee(actor.MemberID) {
		return nil, model.NotAllowed("member %d does not own task %d", actor.MemberID, task.ID)
	}
	if err := e.validateTerms(in.Points, in.Due, in.Description); err != nil {
		return nil, err
	}
	if err := lifecycle.CheckPointsChange(task, in.Points); err != nil {
		return nil, err
	}
	if in.RecipientID == 0 {
		in.RecipientID = task.CreatedBy
	}
	if err := e.requireParent(ctx, task.FamilyID, in.RecipientID); err != nil {
		return nil, err
	}

	n, err := e.negotiations.Create(ctx, &model.Negotiation{
		TaskID:               task.ID,
		Type:                 model.ParentNegotiation,
		InitiatorID:          actor.MemberID,
		RecipientID:          in.RecipientID,
		RequestedPoints:      in.Points,
		RequestedDueDate:     in.Due,
		RequestedDescription: in.Description,
		OfferMessage:         in.Message,
	})
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("change requested", "negotiation_id", n.ID, "task_id", task.ID, "to", in.RecipientID)
	e.notifyOffer(ctx, task, n)
	return n, nil
}

type Decision string

const (
	Accept  Decision = "accept"
	Reject  Decision = "reject"
	Counter Decision = "counter"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Accept, Reject, Counter:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Response answers a pending negotiation. The counter fields are read only
// when Decision is Counter: OfferedToRecipient and KeptByInitiator for
// sibling transfers, Points, Due and Description for parent negotiations.
// They are from the responder's side, who becomes the new initiator.
type Response struct {
	Decision           Decision
	Message            string
	OfferedToRecipient int
	KeptByInitiator    int
	ExpiresIn          time.Duration
	Points             *int
	Due                *time.Time
	Description        *string
}

// Respond lets the recipient accept, reject or counter a pending
// negotiation. It returns the negotiation now awaiting an answer for a
// counter, or the resolved one otherwise.
func (e *Engine) Respond(ctx context.Context, id int64, r Response) (*model.Negotiation, error) {
	actor, err := e.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	n, err := e.negotiations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != actor.MemberID {
		return nil, model.NotAllowed("member %d is not the recipient of negotiation %d", actor.MemberID, id)
	}
	if n.Status != model.NegotiationPending {
		return nil, model.Conflict("negotiation %d is %s", id, n.Status)
	}
	task, err := e.tasks.Get(ctx, n.TaskID)
	if err != nil {
		return nil, err
	}

	switch r.Decision {
	case Accept:
		err = e.accept(ctx, actor, task, n, r.Message)
	case Reject:
		err = e.negotiations.Resolve(ctx, id, model.NegotiationRejected, &actor.MemberID, model.MessageReject, r.Message, e.now())
	case Counter:
		var next *model.Negotiation
		next, err = e.counter(ctx, task, n, r)
		if err == nil {
			e.notifyResponse(ctx, task, n, r.Decision)
			e.notifyOffer(ctx, task, next)
			return next, nil
		}
	default:
		err = model.Invalid("decision", "unknown decision %q", r.Decision)
	}
	if err != nil {
		return nil, err
	}

	e.log(ctx).Info("negotiation answered", "negotiation_id", id, "decision", r.Decision)
	e.notifyResponse(ctx, task, n, r.Decision)
	return e.negotiations.Get(ctx, id)
}

// accept settles n. For a sibling transfer the task always ends up with the
// party who is not its original owner, however many counter rounds swapped
// initiator and recipient.
func (e *Engine) accept(ctx context.Context, actor auth.Actor, task *model.Task, n *model.Negotiation, message string) error {
	patch := store.TaskPatch{
		IfStatus: []model.Status{model.StatusPending, model.StatusInProgress},
	}

	switch n.Type {
	case model.SiblingTransfer:
		final, original, split, err := Settlement(task, n)
		if err != nil {
			return err
		}
		patch.AssignedTo = &final
		patch.OriginalAssignee = &original
		patch.PointSplit = &split
	case model.ParentNegotiation:
		if n.RequestedDueDate != nil && task.IsTemplate() {
			return model.Invalid("due_date", "a recurring template has no due date")
		}
		if err := lifecycle.CheckPointsChange(task, n.RequestedPoints); err != nil {
			return err
		}
		patch.Points = n.RequestedPoints
		patch.DueDate = n.RequestedDueDate
		patch.Description = n.RequestedDescription
		if n.RequestedDueDate != nil {
			patch.DueDay = lifecycle.InstanceDay(ctx, e.locator, task, *n.RequestedDueDate)
		}
	}

	if err := e.negotiations.Settle(ctx, n.ID, actor.MemberID, message, e.now(), patch); err != nil {
		return err
	}
	e.log(ctx).Info("negotiation settled", "negotiation_id", n.ID, "task_id", task.ID, "type", n.Type)
	return nil
}

// Settlement maps an accepted sibling transfer onto the task: the final
// assignee, the original owner, and the point split between them. The
// original owner is the task's recorded original assignee, or its current
// assignee before any transfer has happened.
func Settlement(task *model.Task, n *model.Negotiation) (final, original int64, split model.PointSplit, err error) {
	switch {
	case task.OriginalAssignee != nil:
		original = *task.OriginalAssignee
	case task.AssignedTo != nil:
		original = *task.AssignedTo
	default:
		return 0, 0, model.PointSplit{}, model.Invalid("task", "task has no owner to transfer from")
	}

	switch original {
	case n.InitiatorID:
		final = n.RecipientID
		split = model.PointSplit{
			FinalAssignee:    n.PointsOfferedToRecipient,
			OriginalAssignee: n.PointsKeptByInitiator,
		}
	case n.RecipientID:
		final = n.InitiatorID
		split = model.PointSplit{
			FinalAssignee:    n.PointsKeptByInitiator,
			OriginalAssignee: n.PointsOfferedToRecipient,
		}
	default:
		return 0, 0, model.PointSplit{}, model.Conflict("negotiation %d no longer involves the task owner", n.ID)
	}
	return final, original, split, nil
}

func (e *Engine) counter(ctx context.Context, task *model.Task, prev *model.Negotiation, r Response) (*model.Negotiation, error) {
	next := &model.Negotiation{
		TaskID:       task.ID,
		Type:         prev.Type,
		InitiatorID:  prev.RecipientID,
		RecipientID:  prev.InitiatorID,
		OfferMessage: r.Message,
	}

	switch prev.Type {
	case model.SiblingTransfer:
		if err := validateSplit(task, r.OfferedToRecipient, r.KeptByInitiator); err != nil {
			return nil, err
		}
		if r.ExpiresIn < 0 {
			return nil, model.Invalid("expires_in", "expiry must be in the future")
		}
		if r.ExpiresIn == 0 {
			r.ExpiresIn = DefaultExpiry
		}
		expires := e.now().Add(r.ExpiresIn)
		next.PointsOfferedToRecipient = r.OfferedToRecipient
		next.PointsKeptByInitiator = r.KeptByInitiator
		next.ExpiresAt = &expires
	case model.ParentNegotiation:
		if err := e.validateTerms(r.Points, r.Due, r.Description); err != nil {
			return nil, err
		}
		if err := lifecycle.CheckPointsChange(task, r.Points); err != nil {
			return nil, err
		}
		next.RequestedPoints = r.Points
		next.RequestedDueDate = r.Due
		next.RequestedDescription = r.Description
	}

	n, err := e.negotiations.Counter(ctx, prev.ID, next, e.now())
	if err != nil {
		return nil, err
	}
	e.log(ctx).Info("negotiation countered", "previous_id", prev.ID, "negotiation_id", n.ID, "task_id", task.ID)
	return n, nil
}

// Withdraw lets the initiator cancel a pending negotiation.
func (e *Engine) Withdraw(ctx context.Context, id int64, message string) (*model.Negotiation, error) {
	actor, err := e.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	n, err := e.negotiations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.InitiatorID != actor.MemberID {
		return nil, model.NotAllowed("member %d did not start negotiation %d", actor.MemberID, id)
	}
	if err := e.negotiations.Resolve(ctx, id, model.NegotiationWithdrawn, &actor.MemberID, model.MessageWithdraw, message, e.now()); err != nil {
		return nil, err
	}
	e.log(ctx).Info("negotiation withdrawn", "negotiation_id", id)
	return e.negotiations.Get(ctx, id)
}

// ExpireStale marks every pending negotiation past its deadline as expired
// and returns how many it closed. Negotiations answered in the meantime are
// skipped; other failures are logged and skipped.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	now := e.now()
	stale, err := e.negotiations.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		n := &stale[i]
		err := e.negotiations.Resolve(ctx, n.ID, model.NegotiationExpired, nil, model.MessageExpire, "", now)
		if errors.Is(err, model.ErrAlreadyHandled) {
			e.log(ctx).Debug("negotiation resolved before expiry", "negotiation_id", n.ID)
			continue
		}
		if err != nil {
			e.log(ctx).Error("expire negotiation", "negotiation_id", n.ID, "error", err)
			continue
		}
		expired++

		familyID := int64(0)
		if task, err := e.tasks.Get(ctx, n.TaskID); err == nil {
			familyID = task.FamilyID
		}
		notify.Deliver(ctx, e.log(ctx), e.sink, notify.Event{
			Kind:          notify.NegotiationExpired,
			FamilyID:      familyID,
			TaskID:        n.TaskID,
			NegotiationID: n.ID,
			Recipients:    []int64{n.InitiatorID, n.RecipientID},
			Title:         "Offer expired",
			Body:          "A task offer expired without an answer",
			At:            now,
		})
	}
	if expired > 0 {
		e.log(ctx).Info("negotiations expired", "count", expired)
	}
	return expired, nil
}

// ListForTask returns every negotiation on a task, oldest first.
func (e *Engine) ListForTask(ctx context.Context, taskID int64) ([]model.Negotiation, error) {
	if _, err := e.familyTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.negotiations.ListByTask(ctx, taskID)
}

// History returns the audit trail of a task's negotiations.
func (e *Engine) History(ctx context.Context, taskID int64) ([]model.NegotiationMessage, error) {
	if _, err := e.familyTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.negotiations.Messages(ctx, taskID)
}

func (e *Engine) familyTask(ctx context.Context, taskID int64) (*model.Task, error) {
	actor, err := e.identity.Actor(ctx)
	if err != nil {
		return nil, err
	}
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.FamilyID != actor.FamilyID {
		return nil, model.NotAllowed("task %d belongs to another family", taskID)
	}
	return task, nil
}

// negotiableTask loads a task that can still be negotiated over.
func (e *Engine) negotiableTask(ctx context.Context, actor auth.Actor, taskID int64) (*model.Task, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.FamilyID != actor.FamilyID {
		return nil, model.NotAllowed("task %d belongs to another family", taskID)
	}
	if task.Type != model.TaskNegotiable {
		return nil, model.Invalid("task", "task is not negotiable")
	}
	if task.IsTemplate() {
		return nil, model.Invalid("task", "a recurring template cannot be negotiated")
	}
	if task.Status != model.StatusPending && task.Status != model.StatusInProgress {
		return nil, model.Invalid("status", "a %s task cannot be negotiated", task.Status)
	}
	if task.NegotiationPending {
		return nil, model.Conflict("task %d already has a pending negotiation", taskID)
	}
	return task, nil
}

func validateSplit(task *model.Task, offered, kept int) error {
	if offered < 0 || kept < 0 {
		return model.Invalid("points", "offered and kept points must not be negative")
	}
	if offered > task.Points || kept > task.Points {
		return model.Invalid("points", "offered and kept points must not exceed the task's %d points", task.Points)
	}
	if offered+kept != task.Points {
		return model.Invalid("points", "point split must equal original task points")
	}
	return nil
}

func (e *Engine) validateTerms(points *int, due *time.Time, description *string) error {
	if points == nil && due == nil && description == nil {
		return model.Invalid("request", "at least one change must be requested")
	}
	if points != nil && *points < 0 {
		return model.Invalid("points", "points must not be negative")
	}
	if due != nil && due.Before(e.now().Add(recurrence.MinLeadTime)) {
		return model.Invalid("due_date", "deadline must be at least %d minutes from now", int(recurrence.MinLeadTime.Minutes()))
	}
	return nil
}

func (e *Engine) requireSibling(ctx context.Context, task *model.Task, initiator, recipient int64) error {
	if recipient == initiator {
		return model.Invalid("recipient", "cannot transfer a task to yourself")
	}
	return lifecycle.RequireChild(ctx, e.members, task.FamilyID, recipient)
}

func (e *Engine) requireParent(ctx context.Context, familyID, memberID int64) error {
	m, err := e.members.GetByID(ctx, memberID)
	if err != nil {
		return err
	}
	if m.FamilyID != familyID {
		return model.NotAllowed("member %d is not in family %d", memberID, familyID)
	}
	if m.Role != model.RoleParent {
		return model.Invalid("recipient", "change requests go to a parent")
	}
	return nil
}

func (e *Engine) notifyOffer(ctx context.Context, task *model.Task, n *model.Negotiation) {
	body := task.Title
	if n.Type == model.SiblingTransfer {
		body = fmt.Sprintf("%s for %d of %d points", task.Title, n.PointsOfferedToRecipient, task.Points)
	}
	notify.Deliver(ctx, e.log(ctx), e.sink, notify.Event{
		Kind:          notify.NegotiationOffer,
		FamilyID:      task.FamilyID,
		TaskID:        task.ID,
		NegotiationID: n.ID,
		Recipients:    []int64{n.RecipientID},
		Title:         "New offer",
		Body:          body,
		At:            e.now(),
	})
}

func (e *Engine) notifyResponse(ctx context.Context, task *model.Task, n *model.Negotiation, d Decision) {
	notify.Deliver(ctx, e.log(ctx), e.sink, notify.Event{
		Kind:          notify.NegotiationResponse,
		FamilyID:      task.FamilyID,
		TaskID:        task.ID,
		NegotiationID: n.ID,
		Recipients:    []int64{n.InitiatorID},
		Title:         "Offer " + string(d) + "ed",
		Body:          task.Title,
		At:            e.now(),
	})
}
