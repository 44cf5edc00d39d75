package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/store"
	"github.com/dukerupert/taskpact/internal/testutil"
)

var testNow = time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	tasks *store.TaskStore
	db    *sql.DB
	fam   testutil.Family
	rec   *notify.Recorder
	now   time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	f := &fixture{
		tasks: store.NewTaskStore(db),
		db:    db,
		fam:   testutil.SeedFamily(t, db, "UTC", 20),
		rec:   &notify.Recorder{},
		now:   testNow,
	}
	f.svc = NewService(f.tasks, store.NewMemberStore(db),
		WithClock(func() time.Time { return f.now }),
		WithSink(f.rec),
	)
	return f
}

func (f *fixture) parent() context.Context {
	return auth.WithActor(context.Background(), auth.Actor{MemberID: f.fam.Parent, FamilyID: f.fam.ID, Role: model.RoleParent})
}

func (f *fixture) child(id int64) context.Context {
	return auth.WithActor(context.Background(), auth.Actor{MemberID: id, FamilyID: f.fam.ID, Role: model.RoleChild})
}

func (f *fixture) create(t *testing.T, in NewTask) *model.Task {
	t.Helper()
	if in.Title == "" {
		in.Title = "Take out trash"
	}
	if in.AssignedTo == nil && !in.Hanging {
		in.AssignedTo = &f.fam.Alice
	}
	task, err := f.svc.Create(f.parent(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateNotifiesAssignee(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})

	if task.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	events := f.rec.Events()
	if len(events) != 1 || events[0].Kind != notify.TaskCreated {
		t.Fatalf("events = %v, want one task_created", f.rec.Kinds())
	}
	if len(events[0].Recipients) != 1 || events[0].Recipients[0] != f.fam.Alice {
		t.Errorf("recipients = %v, want [%d]", events[0].Recipients, f.fam.Alice)
	}
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	soon := testNow.Add(10 * time.Minute)

	tests := []struct {
		name string
		in   NewTask
	}{
		{"missing title", NewTask{Title: " ", AssignedTo: &f.fam.Alice}},
		{"negative points", NewTask{Title: "x", AssignedTo: &f.fam.Alice, Points: -1}},
		{"negative penalty", NewTask{Title: "x", AssignedTo: &f.fam.Alice, PenaltyPoints: -1}},
		{"deadline too soon", NewTask{Title: "x", AssignedTo: &f.fam.Alice, Due: &soon}},
		{"assigned to parent", NewTask{Title: "x", AssignedTo: &f.fam.Parent}},
		{"hanging with assignee", NewTask{Title: "x", AssignedTo: &f.fam.Alice, Hanging: true}},
		{"no assignee", NewTask{Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(f.parent(), tt.in)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateRequiresParent(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Create(f.child(f.fam.Alice), NewTask{Title: "x", AssignedTo: &f.fam.Alice})
	if !errors.Is(err, model.ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
	if err.Error() != "not allowed" {
		t.Errorf("message = %q, want generic %q", err.Error(), "not allowed")
	}
}

func TestHappyPathAwardsPoints(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})
	alice := f.child(f.fam.Alice)

	if _, err := f.svc.Start(alice, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.svc.Complete(alice, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	approved, err := f.svc.Approve(f.parent(), task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != model.StatusApproved {
		t.Errorf("status = %q, want approved", approved.Status)
	}
	if got := testutil.Points(t, f.db, f.fam.Alice); got != 30 {
		t.Errorf("alice = %d, want 30", got)
	}

	archived, err := f.svc.Archive(f.parent(), task.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Status != model.StatusArchived || archived.ArchivedAt == nil {
		t.Errorf("archive = %q/%v, want archived with timestamp", archived.Status, archived.ArchivedAt)
	}
}

func TestApprovePendingIsInvalid(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})

	_, err := f.svc.Approve(f.parent(), task.ID)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if got := testutil.Points(t, f.db, f.fam.Alice); got != 20 {
		t.Errorf("alice = %d, want unchanged 20", got)
	}
}

func TestApproveWithSplit(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})

	err := f.tasks.Update(context.Background(), task.ID, store.TaskPatch{
		AssignedTo:       &f.fam.Bob,
		OriginalAssignee: &f.fam.Alice,
		PointSplit:       &model.PointSplit{FinalAssignee: 4, OriginalAssignee: 6},
	})
	if err != nil {
		t.Fatalf("apply split: %v", err)
	}
	bob := f.child(f.fam.Bob)
	f.svc.Start(bob, task.ID)
	f.svc.Complete(bob, task.ID)
	if _, err := f.svc.Approve(f.parent(), task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if got := testutil.Points(t, f.db, f.fam.Bob); got != 24 {
		t.Errorf("bob = %d, want 24", got)
	}
	if got := testutil.Points(t, f.db, f.fam.Alice); got != 26 {
		t.Errorf("alice = %d, want 26", got)
	}

	events := f.rec.Events()
	last := events[len(events)-1]
	if last.Kind != notify.TaskApproved {
		t.Fatalf("last event = %q, want task_approved", last.Kind)
	}
	if want := "Take out trash: +4 Bob, +6 Alice"; last.Body != want {
		t.Errorf("body = %q, want %q", last.Body, want)
	}
}

func TestEditPointsOfSplitTaskRefused(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})
	f.tasks.Update(context.Background(), task.ID, store.TaskPatch{
		AssignedTo:       &f.fam.Bob,
		OriginalAssignee: &f.fam.Alice,
		PointSplit:       &model.PointSplit{FinalAssignee: 4, OriginalAssignee: 6},
	})

	points := 40
	_, err := f.svc.Edit(f.parent(), task.ID, TaskEdit{Points: &points})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	got, _ := f.tasks.Get(context.Background(), task.ID)
	if got.Points != 10 {
		t.Errorf("points = %d, want unchanged 10", got.Points)
	}

	same, title := 10, "Take out both bins"
	if _, err := f.svc.Edit(f.parent(), task.ID, TaskEdit{Points: &same, Title: &title}); err != nil {
		t.Errorf("edit keeping points: %v", err)
	}
}

func TestAwardsFallsBackToCreator(t *testing.T) {
	bob := int64(3)
	task := &model.Task{
		CreatedBy:  1,
		AssignedTo: &bob,
		Points:     10,
		PointSplit: &model.PointSplit{FinalAssignee: 7, OriginalAssignee: 3},
	}
	awards := Awards(task)
	if len(awards) != 2 {
		t.Fatalf("expected 2 awards, got %d", len(awards))
	}
	if awards[1].MemberID != 1 || awards[1].Points != 3 {
		t.Errorf("original award = %+v, want creator 1 with 3", awards[1])
	}
}

func TestOnlyAssigneeMayWork(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})

	_, err := f.svc.Start(f.child(f.fam.Bob), task.ID)
	if !errors.Is(err, model.ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
}

func TestOtherFamilyIsNotAllowed(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})

	stranger := auth.WithActor(context.Background(), auth.Actor{MemberID: f.fam.Parent, FamilyID: f.fam.ID + 1, Role: model.RoleParent})
	if _, err := f.svc.Approve(stranger, task.ID); !errors.Is(err, model.ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
}

func TestDeleteOnlyPending(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})
	f.svc.Start(f.child(f.fam.Alice), task.ID)
	f.svc.Complete(f.child(f.fam.Alice), task.ID)

	if err := f.svc.Delete(f.parent(), task.ID); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("delete completed: err = %v, want ErrValidation", err)
	}

	fresh := f.create(t, NewTask{Points: 1})
	if err := f.svc.Delete(f.parent(), fresh.ID); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if _, err := f.tasks.Get(context.Background(), fresh.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("get deleted: err = %v, want ErrNotFound", err)
	}
}

func TestArchiveRequiresApproved(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})

	if _, err := f.svc.Archive(f.parent(), task.ID); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// penalize simulates the sweep having penalized an overdue task.
func (f *fixture) penalize(t *testing.T, task *model.Task) {
	t.Helper()
	if _, err := f.tasks.ApplyPenalty(context.Background(), task.ID, f.now); err != nil {
		t.Fatalf("apply penalty: %v", err)
	}
}

func TestStrictLockBlocksResubmitAndEdit(t *testing.T) {
	f := setup(t)
	due := testNow.Add(time.Hour)
	task := f.create(t, NewTask{Points: 10, PenaltyPoints: 5, Strict: true, Due: &due})

	f.now = testNow.Add(2 * time.Hour)
	f.penalize(t, task)

	_, err := f.svc.Resubmit(f.child(f.fam.Alice), task.ID)
	var ce *model.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("resubmit: err = %v, want ConflictError", err)
	}

	title := "renamed"
	_, err = f.svc.Edit(f.parent(), task.ID, TaskEdit{Title: &title})
	var ae *model.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("edit: err = %v, want AuthorizationError", err)
	}
}

func TestNonStrictPenalizedTaskCanResubmit(t *testing.T) {
	f := setup(t)
	due := testNow.Add(time.Hour)
	task := f.create(t, NewTask{Points: 10, PenaltyPoints: 5, Due: &due})

	f.now = testNow.Add(2 * time.Hour)
	f.penalize(t, task)

	got, err := f.svc.Resubmit(f.child(f.fam.Alice), task.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got.Status != model.StatusInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
}

func TestGraceReopensLockedTask(t *testing.T) {
	f := setup(t)
	due := testNow.Add(time.Hour)
	task := f.create(t, NewTask{Points: 10, PenaltyPoints: 5, Strict: true, Due: &due})

	f.now = testNow.Add(2 * time.Hour)
	f.penalize(t, task)

	tooSoon := f.now.Add(5 * time.Minute)
	if _, err := f.svc.Reject(f.parent(), task.ID, RejectOptions{Grace: &tooSoon}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("short grace: err = %v, want ErrValidation", err)
	}

	grace := f.now.Add(24 * time.Hour)
	got, err := f.svc.Reject(f.parent(), task.ID, RejectOptions{Grace: &grace, Reason: "one more day"})
	if err != nil {
		t.Fatalf("grant grace: %v", err)
	}
	if got.Status != model.StatusInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
	if IsStrictLocked(got, f.now) {
		t.Error("grace should clear the lock")
	}
	if got.PenalizedAt == nil {
		t.Error("penalized_at must be kept so the task is not penalized again")
	}

	if _, err := f.svc.Complete(f.child(f.fam.Alice), task.ID); err != nil {
		t.Fatalf("complete after grace: %v", err)
	}
}

func TestOverrideApproveLockedTask(t *testing.T) {
	f := setup(t)
	due := testNow.Add(time.Hour)
	task := f.create(t, NewTask{Points: 10, PenaltyPoints: 5, Strict: true, Due: &due})

	f.now = testNow.Add(2 * time.Hour)
	f.penalize(t, task)

	if _, err := f.svc.OverrideApprove(f.child(f.fam.Alice), task.ID); !errors.Is(err, model.ErrNotAllowed) {
		t.Fatalf("child override: err = %v, want ErrNotAllowed", err)
	}
	got, err := f.svc.OverrideApprove(f.parent(), task.ID)
	if err != nil {
		t.Fatalf("override approve: %v", err)
	}
	if got.Status != model.StatusApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}
	// 20 - 5 penalty + 10 award
	if p := testutil.Points(t, f.db, f.fam.Alice); p != 25 {
		t.Errorf("alice = %d, want 25", p)
	}
}

func TestRejectNotifies(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})
	f.svc.Start(f.child(f.fam.Alice), task.ID)
	f.svc.Complete(f.child(f.fam.Alice), task.ID)

	got, err := f.svc.Reject(f.parent(), task.ID, RejectOptions{Reason: "still dirty"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != model.StatusRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
	kinds := f.rec.Kinds()
	if kinds[len(kinds)-1] != notify.TaskRejected {
		t.Errorf("last event = %s, want %s", kinds[len(kinds)-1], notify.TaskRejected)
	}
}

func TestClaimHangingTask(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 3, Hanging: true})

	got, err := f.svc.Claim(f.child(f.fam.Bob), task.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !got.IsAssignee(f.fam.Bob) {
		t.Errorf("assigned_to = %v, want bob", got.AssignedTo)
	}
	if _, err := f.svc.Claim(f.child(f.fam.Alice), task.ID); !errors.Is(err, model.ErrValidation) {
		t.Errorf("second claim: err = %v, want ErrValidation", err)
	}
}

func TestEditUnderNegotiationConflicts(t *testing.T) {
	f := setup(t)
	task := f.create(t, NewTask{Points: 10})
	pending := true
	f.tasks.Update(context.Background(), task.ID, store.TaskPatch{NegotiationPending: &pending})

	points := 12
	_, err := f.svc.Edit(f.parent(), task.ID, TaskEdit{Points: &points})
	if !errors.Is(err, model.ErrAlreadyHandled) {
		t.Fatalf("err = %v, want ErrAlreadyHandled", err)
	}
}
