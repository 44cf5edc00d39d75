package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/recurrence"
)

type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskCols = `id, family_id, created_by, assigned_to, title, description,
	due_date, is_recurring, recurring_pattern, recurring_time, recurring_day_of_week,
	recurring_day_of_month, is_recurring_enabled, parent_task_id,
	points, penalty_points, split_final_points, split_original_points, original_assignee,
	task_type, is_strict, is_hanging, negotiation_pending,
	status, completed_at, approved_at, archived_at, penalized_at, created_at, updated_at`

func scanTask(s scanner) (*model.Task, error) {
	var t model.Task
	var (
		assignedTo, parentID, dow, dom    sql.NullInt64
		splitFinal, splitOrig, origAssign sql.NullInt64
		dueDate                           sql.NullTime
		completedAt, approvedAt           sql.NullTime
		archivedAt, penalizedAt           sql.NullTime
		isRecurring, enabled              int
		strict, hanging, negotiating      int
		pattern, tod, taskType, status    string
	)
	err := s.Scan(
		&t.ID, &t.FamilyID, &t.CreatedBy, &assignedTo, &t.Title, &t.Description,
		&dueDate, &isRecurring, &pattern, &tod, &dow,
		&dom, &enabled, &parentID,
		&t.Points, &t.PenaltyPoints, &splitFinal, &splitOrig, &origAssign,
		&taskType, &strict, &hanging, &negotiating,
		&status, &completedAt, &approvedAt, &archivedAt, &penalizedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AssignedTo = int64Ptr(assignedTo)
	t.OriginalAssignee = int64Ptr(origAssign)
	if splitFinal.Valid && splitOrig.Valid {
		t.PointSplit = &model.PointSplit{
			FinalAssignee:    int(splitFinal.Int64),
			OriginalAssignee: int(splitOrig.Int64),
		}
	}
	t.Type = model.TaskType(taskType)
	t.Strict = strict != 0
	t.Hanging = hanging != 0
	t.NegotiationPending = negotiating != 0
	t.Status = model.Status(status)
	t.CompletedAt = timePtr(completedAt)
	t.ApprovedAt = timePtr(approvedAt)
	t.ArchivedAt = timePtr(archivedAt)
	t.PenalizedAt = timePtr(penalizedAt)

	switch {
	case parentID.Valid && dueDate.Valid:
		t.Schedule = model.Instance{TemplateID: parentID.Int64, Due: dueDate.Time.UTC()}
	case isRecurring != 0:
		rule, err := ruleFromColumns(pattern, tod, dow, dom)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		t.Schedule = model.Template{Rule: rule, Enabled: enabled != 0}
	default:
		t.Schedule = model.OneOff{Due: timePtr(dueDate)}
	}
	return &t, nil
}

func ruleFromColumns(pattern, tod string, dow, dom sql.NullInt64) (recurrence.Rule, error) {
	p, err := recurrence.ParsePattern(pattern)
	if err != nil {
		return recurrence.Rule{}, err
	}
	r := recurrence.Rule{Pattern: p}
	if tod != "" {
		at, err := recurrence.ParseTimeOfDay(tod)
		if err != nil {
			return recurrence.Rule{}, err
		}
		r.At = at
	}
	if dow.Valid {
		wd := time.Weekday(dow.Int64)
		r.DayOfWeek = &wd
	}
	if dom.Valid {
		r.DayOfMonth = int(dom.Int64)
	}
	return r, nil
}

// scheduleRow is the column form of a model.Schedule.
type scheduleRow struct {
	due        sql.NullString
	recurring  int
	pattern    string
	tod        string
	dayOfWeek  sql.NullInt64
	dayOfMonth sql.NullInt64
	enabled    int
	parentID   sql.NullInt64
}

func scheduleColumns(s model.Schedule) scheduleRow {
	row := scheduleRow{pattern: string(recurrence.None)}
	switch v := s.(type) {
	case model.OneOff:
		row.due = nullTime(v.Due)
	case model.Template:
		row.recurring = 1
		row.pattern = string(v.Rule.Pattern)
		row.tod = v.Rule.At.String()
		if v.Rule.DayOfWeek != nil {
			row.dayOfWeek = sql.NullInt64{Int64: int64(*v.Rule.DayOfWeek), Valid: true}
		}
		if v.Rule.Pattern == recurrence.Monthly {
			row.dayOfMonth = sql.NullInt64{Int64: int64(v.Rule.DayOfMonth), Valid: true}
		}
		row.enabled = boolInt(v.Enabled)
	case model.Instance:
		due := v.Due
		row.due = nullTime(&due)
		row.parentID = sql.NullInt64{Int64: v.TemplateID, Valid: true}
	}
	return row
}

func getTask(ctx context.Context, q querier, id int64) (*model.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, model.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *TaskStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	return getTask(ctx, s.db, id)
}

// TaskFilter narrows Query. Zero-valued fields do not filter.
type TaskFilter struct {
	FamilyID   int64
	AssignedTo int64
	Statuses   []model.Status
	// Templates selects recurring definitions only; Instances selects
	// generated occurrences only.
	Templates  bool
	Instances  bool
	TemplateID int64
	Enabled    bool
	Hanging    bool
	DueBefore  *time.Time
	// Penalizable keeps tasks with a penalty that has not been applied yet.
	Penalizable bool
	// NoSuccessor keeps instances that are the latest of their template.
	NoSuccessor bool
	Limit       int
}

func (f TaskFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.FamilyID != 0 {
		conds = append(conds, "family_id = ?")
		args = append(args, f.FamilyID)
	}
	if f.AssignedTo != 0 {
		conds = append(conds, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Templates {
		conds = append(conds, "is_recurring = 1 AND parent_task_id IS NULL")
	}
	if f.Instances {
		conds = append(conds, "parent_task_id IS NOT NULL")
	}
	if f.TemplateID != 0 {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.Enabled {
		conds = append(conds, "is_recurring_enabled = 1")
	}
	if f.Hanging {
		conds = append(conds, "is_hanging = 1")
	}
	if f.DueBefore != nil {
		conds = append(conds, "due_date IS NOT NULL AND due_date < ?")
		args = append(args, dbTime(*f.DueBefore))
	}
	if f.Penalizable {
		conds = append(conds, "penalty_points > 0 AND penalized_at IS NULL")
	}
	if f.NoSuccessor {
		conds = append(conds, `NOT EXISTS (SELECT 1 FROM tasks s
			WHERE s.parent_task_id = tasks.parent_task_id AND s.due_date > tasks.due_date)`)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *TaskStore) Query(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	where, args := f.where()
	q := `SELECT ` + taskCols + ` FROM tasks` + where + ` ORDER BY due_date IS NULL, due_date ASC, id ASC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

const insertTaskSQL = `INSERT INTO tasks (
	family_id, created_by, assigned_to, title, description,
	due_date, due_day, is_recurring, recurring_pattern, recurring_time, recurring_day_of_week,
	recurring_day_of_month, is_recurring_enabled, parent_task_id,
	points, penalty_points, task_type, is_strict, is_hanging, status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertArgs(t *model.Task, dayKey sql.NullString) []any {
	sc := scheduleColumns(t.Schedule)
	status := t.Status
	if status == "" {
		status = model.StatusPending
	}
	taskType := t.Type
	if taskType == "" {
		taskType = model.TaskNegotiable
	}
	return []any{
		t.FamilyID, t.CreatedBy, nullInt64(t.AssignedTo), t.Title, t.Description,
		sc.due, dayKey, sc.recurring, sc.pattern, sc.tod, sc.dayOfWeek,
		sc.dayOfMonth, sc.enabled, sc.parentID,
		t.Points, t.PenaltyPoints, string(taskType), boolInt(t.Strict), boolInt(t.Hanging), string(status),
	}
}

// Insert stores a one-off task or a template. Instances go through
// InsertInstance so the per-day uniqueness key is always set.
func (s *TaskStore) Insert(ctx context.Context, t *model.Task) (*model.Task, error) {
	if _, ok := t.Schedule.(model.Instance); ok {
		return nil, fmt.Errorf("insert task: instances must use InsertInstance")
	}
	result, err := s.db.ExecContext(ctx, insertTaskSQL, insertArgs(t, sql.NullString{})...)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.Get(ctx, id)
}

// InsertInstance stores a generated instance unless its template already has
// one for dayKey. It returns the instance occupying the window and whether
// this call created it.
func (s *TaskStore) InsertInstance(ctx context.Context, t *model.Task, dayKey string) (*model.Task, bool, error) {
	inst, ok := t.Schedule.(model.Instance)
	if !ok {
		return nil, false, fmt.Errorf("insert instance: task is not an instance")
	}

	var id int64
	var created bool
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE parent_task_id = ? AND due_day = ?`,
			inst.TemplateID, dayKey,
		).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check instance: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			insertTaskSQL+` ON CONFLICT DO NOTHING`,
			insertArgs(t, sql.NullString{String: dayKey, Valid: true})...,
		)
		if err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return tx.QueryRowContext(ctx,
				`SELECT id FROM tasks WHERE parent_task_id = ? AND due_day = ?`,
				inst.TemplateID, dayKey,
			).Scan(&id)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	stored, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// TaskPatch lists the fields Update writes. Nil fields are left unchanged.
// DueDay moves an instance to another scheduling window and is ignored for
// one-off tasks and templates.
type TaskPatch struct {
	// IfStatus guards the write: the row is only updated while its status
	// is one of these.
	IfStatus []model.Status

	Title         *string
	Description   *string
	AssignedTo    *int64
	DueDate       *time.Time
	DueDay        *string
	Points        *int
	PenaltyPoints *int
	PointSplit    *model.PointSplit
	// OriginalAssignee is written only if the task has none yet.
	OriginalAssignee   *int64
	Type               *model.TaskType
	Strict             *bool
	Hanging            *bool
	NegotiationPending *bool
	Status             *model.Status
	CompletedAt        *time.Time
	ApprovedAt         *time.Time
	ArchivedAt         *time.Time
	Rule               *recurrence.Rule
	Enabled            *bool
}

func (p TaskPatch) set() ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.AssignedTo != nil {
		add("assigned_to", *p.AssignedTo)
	}
	if p.DueDate != nil {
		add("due_date", dbTime(*p.DueDate))
	}
	if p.DueDay != nil {
		sets = append(sets, "due_day = CASE WHEN parent_task_id IS NULL THEN due_day ELSE ? END")
		args = append(args, *p.DueDay)
	}
	if p.Points != nil {
		add("points", *p.Points)
	}
	if p.PenaltyPoints != nil {
		add("penalty_points", *p.PenaltyPoints)
	}
	if p.PointSplit != nil {
		add("split_final_points", p.PointSplit.FinalAssignee)
		add("split_original_points", p.PointSplit.OriginalAssignee)
	}
	if p.OriginalAssignee != nil {
		sets = append(sets, "original_assignee = COALESCE(original_assignee, ?)")
		args = append(args, *p.OriginalAssignee)
	}
	if p.Type != nil {
		add("task_type", string(*p.Type))
	}
	if p.Strict != nil {
		add("is_strict", boolInt(*p.Strict))
	}
	if p.Hanging != nil {
		add("is_hanging", boolInt(*p.Hanging))
	}
	if p.NegotiationPending != nil {
		add("negotiation_pending", boolInt(*p.NegotiationPending))
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.CompletedAt != nil {
		add("completed_at", dbTime(*p.CompletedAt))
	}
	if p.ApprovedAt != nil {
		add("approved_at", dbTime(*p.ApprovedAt))
	}
	if p.ArchivedAt != nil {
		add("archived_at", dbTime(*p.ArchivedAt))
	}
	if p.Rule != nil {
		sc := scheduleColumns(model.Template{Rule: *p.Rule})
		add("recurring_pattern", sc.pattern)
		add("recurring_time", sc.tod)
		add("recurring_day_of_week", sc.dayOfWeek)
		add("recurring_day_of_month", sc.dayOfMonth)
	}
	if p.Enabled != nil {
		add("is_recurring_enabled", boolInt(*p.Enabled))
	}
	return sets, args
}

func updateTask(ctx context.Context, q querier, id int64, p TaskPatch) error {
	sets, args := p.set()
	if len(sets) == 0 {
		return nil
	}
	if p.DueDay != nil {
		if err := checkWindowFree(ctx, q, id, *p.DueDay); err != nil {
			return err
		}
	}
	stmt := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if len(p.IfStatus) > 0 {
		stmt += ` AND status IN (` + placeholders(len(p.IfStatus)) + `)`
		for _, st := range p.IfStatus {
			args = append(args, string(st))
		}
	}

	result, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return model.NotFound("task", id)
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return model.Conflict("task %d is %s", id, status)
}

// checkWindowFree fails with a ConflictError when another instance of the
// same template already occupies dayKey.
func checkWindowFree(ctx context.Context, q querier, id int64, dayKey string) error {
	var other int64
	err := q.QueryRowContext(ctx,
		`SELECT o.id FROM tasks t
		JOIN tasks o ON o.parent_task_id = t.parent_task_id AND o.id <> t.id
		WHERE t.id = ? AND o.due_day = ?`,
		id, dayKey,
	).Scan(&other)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check instance window: %w", err)
	}
	return model.Conflict("instance %d already covers %s", other, dayKey)
}

// Update applies p to one task. A failed IfStatus guard is a ConflictError.
// Moving an instance onto a day another instance of its template holds is a
// ConflictError too.
func (s *TaskStore) Update(ctx context.Context, id int64, p TaskPatch) error {
	if p.DueDay != nil {
		return withTx(ctx, s.db, func(tx *sql.Tx) error {
			return updateTask(ctx, tx, id, p)
		})
	}
	return updateTask(ctx, s.db, id, p)
}

// BatchUpdate applies p to every task in ids in a single transaction. Either
// every row is written or none is.
func (s *TaskStore) BatchUpdate(ctx context.Context, ids []int64, p TaskPatch) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := updateTask(ctx, tx, id, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a task while it is still in ifStatus.
func (s *TaskStore) Delete(ctx context.Context, id int64, ifStatus model.Status) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND status = ?`, id, string(ifStatus))
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return model.Conflict("task %d is no longer %s", id, ifStatus)
}

// LatestInstance returns the template's most recent instance, or nil if it
// has none.
func (s *TaskStore) LatestInstance(ctx context.Context, templateID int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE parent_task_id = ? ORDER BY due_date DESC, id DESC LIMIT 1`,
		templateID,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest instance: %w", err)
	}
	return t, nil
}

// Claim assigns a hanging task to memberID. Only one claimant can win.
func (s *TaskStore) Claim(ctx context.Context, id, memberID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET assigned_to = ?, is_hanging = 0
		 WHERE id = ? AND is_hanging = 1 AND status = ?`,
		memberID, id, string(model.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return model.Conflict("task %d is not open for pickup", id)
}

// Award is one point credit made when a task is approved.
type Award struct {
	MemberID int64
	Points   int
	Reason   model.LedgerReason
}

// Approve moves a task in one of from to approved and credits awards in the
// same transaction.
func (s *TaskStore) Approve(ctx context.Context, id int64, from []model.Status, at time.Time, awards []Award) error {
	approved := model.StatusApproved
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		err := updateTask(ctx, tx, id, TaskPatch{
			IfStatus:   from,
			Status:     &approved,
			ApprovedAt: &at,
		})
		if err != nil {
			return err
		}
		for _, a := range awards {
			if a.Points == 0 {
				continue
			}
			if _, _, err := adjustPoints(ctx, tx, a.MemberID, a.Points, a.Reason, &id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyPenalty marks an overdue task penalized and rejected, and deducts its
// penalty points from the assignee. It reports false without changing
// anything if the task was already penalized or is no longer penalizable.
func (s *TaskStore) ApplyPenalty(ctx context.Context, id int64, at time.Time) (bool, error) {
	var applied bool
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var assignee sql.NullInt64
		var penalty int
		err := tx.QueryRowContext(ctx,
			`UPDATE tasks SET penalized_at = ?, status = ?
			 WHERE id = ? AND penalized_at IS NULL AND penalty_points > 0
			   AND due_date IS NOT NULL AND due_date < ?
			   AND status NOT IN (?, ?)
			 RETURNING assigned_to, penalty_points`,
			dbTime(at), string(model.StatusRejected),
			id, dbTime(at),
			string(model.StatusApproved), string(model.StatusArchived),
		).Scan(&assignee, &penalty)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("penalize task: %w", err)
		}
		applied = true
		if !assignee.Valid {
			return nil
		}
		taskID := id
		_, _, err = adjustPoints(ctx, tx, assignee.Int64, -penalty, model.LedgerPenalty, &taskID)
		return err
	})
	return applied, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
