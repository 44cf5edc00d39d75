package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/taskpact/internal/model"
)

type FamilyStore struct {
	db *sql.DB
}

func NewFamilyStore(db *sql.DB) *FamilyStore {
	return &FamilyStore{db: db}
}

const familyCols = `id, name, timezone, created_at`

func scanFamily(s scanner) (*model.Family, error) {
	var f model.Family
	if err := s.Scan(&f.ID, &f.Name, &f.Timezone, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FamilyStore) Create(ctx context.Context, name, timezone string) (*model.Family, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO families (name, timezone) VALUES (?, ?)`, name, timezone)
	if err != nil {
		return nil, fmt.Errorf("insert family: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *FamilyStore) GetByID(ctx context.Context, id int64) (*model.Family, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+familyCols+` FROM families WHERE id = ?`, id)
	f, err := scanFamily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("family", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get family: %w", err)
	}
	return f, nil
}

func (s *FamilyStore) SetTimezone(ctx context.Context, id int64, timezone string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE families SET timezone = ? WHERE id = ?`, timezone, id)
	if err != nil {
		return fmt.Errorf("update family timezone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("family", id)
	}
	return nil
}

type MemberStore struct {
	db *sql.DB
}

func NewMemberStore(db *sql.DB) *MemberStore {
	return &MemberStore{db: db}
}

const memberCols = `id, family_id, name, role, points, pin_hash <> '', created_at, updated_at`

func scanMember(s scanner) (*model.Member, error) {
	var m model.Member
	var role string
	var hasPIN int
	err := s.Scan(&m.ID, &m.FamilyID, &m.Name, &role, &m.Points, &hasPIN, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Role = model.Role(role)
	m.HasPIN = hasPIN != 0
	return &m, nil
}

func (s *MemberStore) Create(ctx context.Context, familyID int64, name string, role model.Role) (*model.Member, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO family_members (family_id, name, role) VALUES (?, ?, ?)`,
		familyID, name, string(role),
	)
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *MemberStore) GetByID(ctx context.Context, id int64) (*model.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberCols+` FROM family_members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFound("member", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

func (s *MemberStore) ListByFamily(ctx context.Context, familyID int64) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberCols+` FROM family_members WHERE family_id = ? ORDER BY role DESC, name ASC`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// SetPINHash stores an already-hashed PIN. An empty hash clears it.
func (s *MemberStore) SetPINHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE family_members SET pin_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("set pin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("member", id)
	}
	return nil
}

func (s *MemberStore) PINHash(ctx context.Context, id int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT pin_hash FROM family_members WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.NotFound("member", id)
	}
	if err != nil {
		return "", fmt.Errorf("get pin: %w", err)
	}
	return hash, nil
}

// AddPoints atomically adjusts a member's balance, flooring it at zero, and
// records the applied delta in the ledger. It returns the new balance.
func (s *MemberStore) AddPoints(ctx context.Context, memberID int64, delta int, reason model.LedgerReason, taskID *int64) (int, error) {
	var balance int
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		balance, _, err = adjustPoints(ctx, tx, memberID, delta, reason, taskID)
		return err
	})
	return balance, err
}

// Ledger returns a member's point history, newest first.
func (s *MemberStore) Ledger(ctx context.Context, memberID int64) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, member_id, task_id, delta, reason, created_at FROM point_ledger WHERE member_id = ? ORDER BY id DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var taskID sql.NullInt64
		var reason string
		if err := rows.Scan(&e.ID, &e.MemberID, &taskID, &e.Delta, &reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.TaskID = int64Ptr(taskID)
		e.Reason = model.LedgerReason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// adjustPoints must run inside a transaction. The balance update is a single
// conditional expression, so concurrent deltas are never lost.
func adjustPoints(ctx context.Context, q querier, memberID int64, delta int, reason model.LedgerReason, taskID *int64) (balance, applied int, err error) {
	var before int
	err = q.QueryRowContext(ctx, `SELECT points FROM family_members WHERE id = ?`, memberID).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, model.NotFound("member", memberID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read points: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`UPDATE family_members SET points = MAX(points + ?, 0) WHERE id = ? RETURNING points`,
		delta, memberID,
	).Scan(&balance)
	if err != nil {
		return 0, 0, fmt.Errorf("update points: %w", err)
	}

	applied = balance - before
	if _, err := q.ExecContext(ctx,
		`INSERT INTO point_ledger (member_id, task_id, delta, reason) VALUES (?, ?, ?, ?)`,
		memberID, nullInt64(taskID), applied, string(reason),
	); err != nil {
		return 0, 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	return balance, applied, nil
}
