package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/lifecycle"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/store"
	"github.com/dukerupert/taskpact/internal/testutil"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	tasks  *lifecycle.Service
	store  *store.TaskStore
	negs   *store.NegotiationStore
	db     *sql.DB
	fam    testutil.Family
	rec    *notify.Recorder
	now    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	f := &fixture{
		store: store.NewTaskStore(db),
		negs:  store.NewNegotiationStore(db),
		db:    db,
		fam:   testutil.SeedFamily(t, db, "UTC", 0),
		rec:   &notify.Recorder{},
		now:   testNow,
	}
	clock := func() time.Time { return f.now }
	members := store.NewMemberStore(db)
	f.tasks = lifecycle.NewService(f.store, members, lifecycle.WithClock(clock))
	f.engine = NewEngine(f.negs, f.store, members, WithClock(clock), WithSink(f.rec))
	return f
}

func (f *fixture) as(id int64) context.Context {
	role := model.RoleChild
	if id == f.fam.Parent {
		role = model.RoleParent
	}
	return auth.WithActor(context.Background(), auth.Actor{MemberID: id, FamilyID: f.fam.ID, Role: role})
}

// negotiable creates a 20 point negotiable task assigned to Alice.
func (f *fixture) negotiable(t *testing.T) *model.Task {
	t.Helper()
	task, err := f.tasks.Create(f.as(f.fam.Parent), lifecycle.NewTask{
		Title:      "Wash the car",
		AssignedTo: &f.fam.Alice,
		Points:     20,
		Type:       model.TaskNegotiable,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) task(t *testing.T, id int64) *model.Task {
	t.Helper()
	task, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (f *fixture) offer(t *testing.T, task *model.Task, offered, kept int) *model.Negotiation {
	t.Helper()
	n, err := f.engine.OfferTransfer(f.as(f.fam.Alice), TransferOffer{
		TaskID:             task.ID,
		RecipientID:        f.fam.Bob,
		OfferedToRecipient: offered,
		KeptByInitiator:    kept,
	})
	if err != nil {
		t.Fatalf("offer transfer: %v", err)
	}
	return n
}

func TestTransferSplitsPointsOnApproval(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)

	n := f.offer(t, task, 10, 10)
	if n.Status != model.NegotiationPending || n.ExpiresAt == nil || !n.ExpiresAt.Equal(testNow.Add(DefaultExpiry)) {
		t.Fatalf("offer = %+v", n)
	}
	if !f.task(t, task.ID).NegotiationPending {
		t.Error("task not marked as negotiating")
	}

	if _, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{Decision: Accept, Message: "deal"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got := f.task(t, task.ID)
	if !got.IsAssignee(f.fam.Bob) {
		t.Errorf("assigned_to = %v, want Bob", got.AssignedTo)
	}
	if got.OriginalAssignee == nil || *got.OriginalAssignee != f.fam.Alice {
		t.Errorf("original_assignee = %v, want Alice", got.OriginalAssignee)
	}
	if got.PointSplit == nil || *got.PointSplit != (model.PointSplit{FinalAssignee: 10, OriginalAssignee: 10}) {
		t.Errorf("point_split = %+v", got.PointSplit)
	}
	if got.NegotiationPending {
		t.Error("negotiation marker still set")
	}

	bob := f.as(f.fam.Bob)
	if _, err := f.tasks.Start(bob, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.tasks.Complete(bob, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.tasks.Approve(f.as(f.fam.Parent), task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if p := testutil.Points(t, f.db, f.fam.Bob); p != 10 {
		t.Errorf("Bob points = %d, want 10", p)
	}
	if p := testutil.Points(t, f.db, f.fam.Alice); p != 10 {
		t.Errorf("Alice points = %d, want 10", p)
	}

	kinds := f.rec.Kinds()
	want := []notify.Kind{notify.NegotiationOffer, notify.NegotiationResponse}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestCounterChainTransfersToOtherParty(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	first := f.offer(t, task, 5, 15)

	// Bob counters, then Alice, then Bob again; each counter swaps roles.
	rounds := []struct {
		by            int64
		offered, kept int
	}{
		{f.fam.Bob, 12, 8},
		{f.fam.Alice, 10, 10},
		{f.fam.Bob, 11, 9},
	}
	current := first
	for i, r := range rounds {
		next, err := f.engine.Respond(f.as(r.by), current.ID, Response{
			Decision:           Counter,
			OfferedToRecipient: r.offered,
			KeptByInitiator:    r.kept,
		})
		if err != nil {
			t.Fatalf("counter %d: %v", i, err)
		}
		if next.InitiatorID != current.RecipientID || next.RecipientID != current.InitiatorID {
			t.Fatalf("counter %d did not swap roles: %+v", i, next)
		}
		current = next
	}

	if _, err := f.engine.Respond(f.as(f.fam.Alice), current.ID, Response{Decision: Accept}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got := f.task(t, task.ID)
	if !got.IsAssignee(f.fam.Bob) {
		t.Errorf("assigned_to = %v, want Bob", got.AssignedTo)
	}
	if got.OriginalAssignee == nil || *got.OriginalAssignee != f.fam.Alice {
		t.Errorf("original_assignee = %v, want Alice", got.OriginalAssignee)
	}
	// Bob kept 9 and offered Alice 11 in the final round.
	if got.PointSplit == nil || *got.PointSplit != (model.PointSplit{FinalAssignee: 9, OriginalAssignee: 11}) {
		t.Errorf("point_split = %+v", got.PointSplit)
	}

	all, err := f.engine.ListForTask(f.as(f.fam.Parent), task.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("negotiations = %d, want 4", len(all))
	}
	for _, n := range all[:3] {
		if n.Status != model.NegotiationRejected {
			t.Errorf("negotiation %d status = %q, want rejected", n.ID, n.Status)
		}
	}
	if all[3].Status != model.NegotiationAccepted {
		t.Errorf("final status = %q, want accepted", all[3].Status)
	}

	history, err := f.engine.History(f.as(f.fam.Alice), task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantTypes := []model.MessageType{
		model.MessageOffer, model.MessageCounter, model.MessageCounter,
		model.MessageCounter, model.MessageAccept,
	}
	if len(history) != len(wantTypes) {
		t.Fatalf("history = %d messages, want %d", len(history), len(wantTypes))
	}
	for i, m := range history {
		if m.Type != wantTypes[i] {
			t.Errorf("message %d type = %q, want %q", i, m.Type, wantTypes[i])
		}
	}
}

func TestCounterRevalidatesSplit(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	n := f.offer(t, task, 10, 10)

	_, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{
		Decision:           Counter,
		OfferedToRecipient: 5,
		KeptByInitiator:    20,
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	still, err := f.negs.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if still.Status != model.NegotiationPending {
		t.Errorf("status = %q, want pending", still.Status)
	}
}

func TestParentNegotiationAppliesRequestedFields(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)

	points := 30
	n, err := f.engine.RequestChange(f.as(f.fam.Alice), ChangeRequest{
		TaskID:  task.ID,
		Points:  &points,
		Message: "it is a big car",
	})
	if err != nil {
		t.Fatalf("request change: %v", err)
	}
	if n.RecipientID != f.fam.Parent || n.Type != model.ParentNegotiation {
		t.Fatalf("negotiation = %+v", n)
	}

	if _, err := f.engine.Respond(f.as(f.fam.Parent), n.ID, Response{Decision: Accept}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Points != 30 {
		t.Errorf("points = %d, want 30", got.Points)
	}
	if got.Title != task.Title || got.Description != task.Description {
		t.Errorf("unrequested fields changed: %+v", got)
	}
	if !got.IsAssignee(f.fam.Alice) {
		t.Errorf("assigned_to = %v, want Alice", got.AssignedTo)
	}
}

func TestParentCounterSwapsRoles(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)

	points := 40
	n, err := f.engine.RequestChange(f.as(f.fam.Alice), ChangeRequest{TaskID: task.ID, Points: &points})
	if err != nil {
		t.Fatal(err)
	}
	offer := 25
	next, err := f.engine.Respond(f.as(f.fam.Parent), n.ID, Response{Decision: Counter, Points: &offer})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if next.InitiatorID != f.fam.Parent || next.RecipientID != f.fam.Alice {
		t.Fatalf("counter = %+v", next)
	}
	if _, err := f.engine.Respond(f.as(f.fam.Alice), next.ID, Response{Decision: Accept}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := f.task(t, task.ID); got.Points != 25 {
		t.Errorf("points = %d, want 25", got.Points)
	}
}

func TestRequestChangeValidation(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	soon := testNow.Add(10 * time.Minute)
	negative := -1

	tests := []struct {
		name string
		in   ChangeRequest
	}{
		{"nothing requested", ChangeRequest{TaskID: task.ID}},
		{"negative points", ChangeRequest{TaskID: task.ID, Points: &negative}},
		{"deadline too soon", ChangeRequest{TaskID: task.ID, Due: &soon}},
		{"child recipient", ChangeRequest{TaskID: task.ID, RecipientID: f.fam.Bob, Points: new(int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.RequestChange(f.as(f.fam.Alice), tt.in)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestRespondAuthorization(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	n := f.offer(t, task, 10, 10)

	for _, id := range []int64{f.fam.Alice, f.fam.Parent} {
		_, err := f.engine.Respond(f.as(id), n.ID, Response{Decision: Accept})
		if !errors.Is(err, model.ErrNotAllowed) {
			t.Errorf("respond as %d: err = %v, want not allowed", id, err)
		}
	}

	if _, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{Decision: Reject, Message: "no thanks"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{Decision: Accept})
	if !errors.Is(err, model.ErrAlreadyHandled) {
		t.Errorf("second response: err = %v, want already handled", err)
	}

	got := f.task(t, task.ID)
	if !got.IsAssignee(f.fam.Alice) || got.NegotiationPending {
		t.Errorf("task after reject = %+v", got)
	}
}

func TestOfferTransferValidation(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)

	fixed, err := f.tasks.Create(f.as(f.fam.Parent), lifecycle.NewTask{
		Title:      "Homework",
		AssignedTo: &f.fam.Alice,
		Points:     20,
		Type:       model.TaskNonNegotiable,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		as   int64
		in   TransferOffer
		want error
	}{
		{"split mismatch", f.fam.Alice, TransferOffer{TaskID: task.ID, RecipientID: f.fam.Bob, OfferedToRecipient: 10, KeptByInitiator: 5}, model.ErrValidation},
		{"negative share", f.fam.Alice, TransferOffer{TaskID: task.ID, RecipientID: f.fam.Bob, OfferedToRecipient: 25, KeptByInitiator: -5}, model.ErrValidation},
		{"to self", f.fam.Alice, TransferOffer{TaskID: task.ID, RecipientID: f.fam.Alice, OfferedToRecipient: 10, KeptByInitiator: 10}, model.ErrValidation},
		{"to parent", f.fam.Alice, TransferOffer{TaskID: task.ID, RecipientID: f.fam.Parent, OfferedToRecipient: 10, KeptByInitiator: 10}, model.ErrValidation},
		{"non-negotiable", f.fam.Alice, TransferOffer{TaskID: fixed.ID, RecipientID: f.fam.Bob, OfferedToRecipient: 10, KeptByInitiator: 10}, model.ErrValidation},
		{"not the assignee", f.fam.Bob, TransferOffer{TaskID: task.ID, RecipientID: f.fam.Alice, OfferedToRecipient: 10, KeptByInitiator: 10}, model.ErrNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.OfferTransfer(f.as(tt.as), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	f.offer(t, task, 10, 10)
	_, err = f.engine.OfferTransfer(f.as(f.fam.Alice), TransferOffer{
		TaskID: task.ID, RecipientID: f.fam.Bob, OfferedToRecipient: 20,
	})
	if !errors.Is(err, model.ErrAlreadyHandled) {
		t.Errorf("second offer: err = %v, want already handled", err)
	}
}

func TestTransferredTaskCannotBeTransferredAgain(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	n := f.offer(t, task, 10, 10)
	if _, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{Decision: Accept}); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.OfferTransfer(f.as(f.fam.Bob), TransferOffer{
		TaskID: task.ID, RecipientID: f.fam.Alice, OfferedToRecipient: 10, KeptByInitiator: 10,
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestSplitTaskPointsStayFixed(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	n := f.offer(t, task, 8, 12)
	if _, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{Decision: Accept}); err != nil {
		t.Fatal(err)
	}

	forty := 40
	_, err := f.engine.RequestChange(f.as(f.fam.Bob), ChangeRequest{TaskID: task.ID, Points: &forty})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("request points: err = %v, want validation error", err)
	}

	desc := "only the outside"
	req, err := f.engine.RequestChange(f.as(f.fam.Bob), ChangeRequest{TaskID: task.ID, Description: &desc})
	if err != nil {
		t.Fatalf("request description: %v", err)
	}
	_, err = f.engine.Respond(f.as(f.fam.Parent), req.ID, Response{Decision: Counter, Points: &forty})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("counter with points: err = %v, want validation error", err)
	}
	if _, err := f.engine.Withdraw(f.as(f.fam.Bob), req.ID, ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	// A request stored before the transfer settled still cannot move points.
	stale, err := f.negs.Create(context.Background(), &model.Negotiation{
		TaskID:          task.ID,
		Type:            model.ParentNegotiation,
		InitiatorID:     f.fam.Bob,
		RecipientID:     f.fam.Parent,
		RequestedPoints: &forty,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.Respond(f.as(f.fam.Parent), stale.ID, Response{Decision: Accept})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("accept points: err = %v, want validation error", err)
	}

	bob := f.as(f.fam.Bob)
	f.tasks.Start(bob, task.ID)
	f.tasks.Complete(bob, task.ID)
	if _, err := f.tasks.Approve(f.as(f.fam.Parent), task.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got := f.task(t, task.ID)
	bobPoints, alicePoints := testutil.Points(t, f.db, f.fam.Bob), testutil.Points(t, f.db, f.fam.Alice)
	if got.Points != 20 || bobPoints+alicePoints != got.Points {
		t.Errorf("points = %d, paid bob %d alice %d", got.Points, bobPoints, alicePoints)
	}
}

func TestWithdraw(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	n := f.offer(t, task, 10, 10)

	if _, err := f.engine.Withdraw(f.as(f.fam.Bob), n.ID, ""); !errors.Is(err, model.ErrNotAllowed) {
		t.Errorf("withdraw by recipient: err = %v, want not allowed", err)
	}
	got, err := f.engine.Withdraw(f.as(f.fam.Alice), n.ID, "changed my mind")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != model.NegotiationWithdrawn {
		t.Errorf("status = %q, want withdrawn", got.Status)
	}
	if f.task(t, task.ID).NegotiationPending {
		t.Error("negotiation marker still set")
	}
}

func TestExpireStale(t *testing.T) {
	f := setup(t)
	task := f.negotiable(t)
	n, err := f.engine.OfferTransfer(f.as(f.fam.Alice), TransferOffer{
		TaskID:             task.ID,
		RecipientID:        f.fam.Bob,
		OfferedToRecipient: 10,
		KeptByInitiator:    10,
		ExpiresIn:          time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	if count, err := f.engine.ExpireStale(context.Background()); err != nil || count != 0 {
		t.Fatalf("early sweep = %d, %v; want 0", count, err)
	}

	f.now = testNow.Add(2 * time.Hour)
	count, err := f.engine.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Errorf("expired = %d, want 1", count)
	}
	got, err := f.negs.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.NegotiationExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
	if f.task(t, task.ID).NegotiationPending {
		t.Error("negotiation marker still set")
	}

	events := f.rec.Events()
	last := events[len(events)-1]
	if last.Kind != notify.NegotiationExpired || last.FamilyID != f.fam.ID || len(last.Recipients) != 2 {
		t.Errorf("last event = %+v", last)
	}

	if count, err := f.engine.ExpireStale(context.Background()); err != nil || count != 0 {
		t.Errorf("second sweep = %d, %v; want 0", count, err)
	}
	if _, err := f.engine.Respond(f.as(f.fam.Bob), n.ID, Response{Decision: Accept}); !errors.Is(err, model.ErrAlreadyHandled) {
		t.Errorf("accept after expiry: err = %v, want already handled", err)
	}
}

func TestSettlement(t *testing.T) {
	alice, bob := int64(1), int64(2)
	tests := []struct {
		name         string
		assigned     int64
		original     *int64
		initiator    int64
		offered      int
		kept         int
		wantFinal    int64
		wantOriginal int64
		wantSplit    model.PointSplit
	}{
		{"original offers", alice, nil, alice, 10, 10, bob, alice, model.PointSplit{FinalAssignee: 10, OriginalAssignee: 10}},
		{"original offers unevenly", alice, nil, alice, 15, 5, bob, alice, model.PointSplit{FinalAssignee: 15, OriginalAssignee: 5}},
		{"sibling counters", alice, nil, bob, 12, 8, bob, alice, model.PointSplit{FinalAssignee: 8, OriginalAssignee: 12}},
		{"recorded original wins", bob, &alice, bob, 6, 14, bob, alice, model.PointSplit{FinalAssignee: 14, OriginalAssignee: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assigned := tt.assigned
			task := &model.Task{AssignedTo: &assigned, OriginalAssignee: tt.original, Points: 20}
			recipient := alice
			if tt.initiator == alice {
				recipient = bob
			}
			n := &model.Negotiation{
				InitiatorID:              tt.initiator,
				RecipientID:              recipient,
				PointsOfferedToRecipient: tt.offered,
				PointsKeptByInitiator:    tt.kept,
			}
			final, original, split, err := Settlement(task, n)
			if err != nil {
				t.Fatal(err)
			}
			if final != tt.wantFinal || original != tt.wantOriginal || split != tt.wantSplit {
				t.Errorf("got %d, %d, %+v; want %d, %d, %+v", final, original, split, tt.wantFinal, tt.wantOriginal, tt.wantSplit)
			}
		})
	}
}
