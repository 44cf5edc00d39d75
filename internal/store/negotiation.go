package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/taskpact/internal/model"
)

type NegotiationStore struct {
	db *sql.DB
}

func NewNegotiationStore(db *sql.DB) *NegotiationStore {
	return &NegotiationStore{db: db}
}

const negotiationCols = `id, task_id, negotiation_type, initiator_id, recipient_id, status,
	points_offered_to_recipient, points_kept_by_initiator, expires_at,
	requested_points, requested_due_date, requested_description,
	offer_message, response_message, created_at, responded_at`

func scanNegotiation(s scanner) (*model.Negotiation, error) {
	var n model.Negotiation
	var (
		negType, status   string
		expiresAt, reqDue sql.NullTime
		respondedAt       sql.NullTime
		reqPoints         sql.NullInt64
		reqDescription    sql.NullString
	)
	err := s.Scan(
		&n.ID, &n.TaskID, &negType, &n.InitiatorID, &n.RecipientID, &status,
		&n.PointsOfferedToRecipient, &n.PointsKeptByInitiator, &expiresAt,
		&reqPoints, &reqDue, &reqDescription,
		&n.OfferMessage, &n.ResponseMessage, &n.CreatedAt, &respondedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = model.NegotiationType(negType)
	n.Status = model.NegotiationStatus(status)
	n.ExpiresAt = timePtr(expiresAt)
	n.RespondedAt = timePtr(respondedAt)
	n.RequestedDueDate = timePtr(reqDue)
	if reqPoints.Valid {
		p := int(reqPoints.Int64)
		n.RequestedPoints = &p
	}
	if reqDescription.Valid {
		d := reqDescription.String
		n.RequestedDescription = &d
	}
	return &n, nil
}

func getNegotiation(ctx context.Context, q querier, id int64) (*model.Negotiation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+negotiationCols+` FROM negotiations WHERE id = ?`, id)
	n, err := scanNegotiation(row)
	if err == sql.ErrNoRows {
		return nil, model.NotFound("negotiation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get negotiation: %w", err)
	}
	return n, nil
}

func (s *NegotiationStore) Get(ctx context.Context, id int64) (*model.Negotiation, error) {
	return getNegotiation(ctx, s.db, id)
}

func (s *NegotiationStore) ListByTask(ctx context.Context, taskID int64) ([]model.Negotiation, error) {
	return s.list(ctx, `SELECT `+negotiationCols+` FROM negotiations WHERE task_id = ? ORDER BY id ASC`, taskID)
}

// ListExpired returns pending negotiations whose deadline is before now.
func (s *NegotiationStore) ListExpired(ctx context.Context, now time.Time) ([]model.Negotiation, error) {
	return s.list(ctx,
		`SELECT `+negotiationCols+` FROM negotiations
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ? ORDER BY id ASC`,
		string(model.NegotiationPending), dbTime(now),
	)
}

func (s *NegotiationStore) list(ctx context.Context, query string, args ...any) ([]model.Negotiation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer rows.Close()

	var out []model.Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan negotiation: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// Messages returns the audit trail of every negotiation on a task, oldest
// first.
func (s *NegotiationStore) Messages(ctx context.Context, taskID int64) ([]model.NegotiationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.negotiation_id, m.sender_id, m.message_type, m.message, m.created_at
		 FROM negotiation_messages m
		 JOIN negotiations n ON n.id = m.negotiation_id
		 WHERE n.task_id = ?
		 ORDER BY m.id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list negotiation messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.NegotiationMessage
	for rows.Next() {
		var m model.NegotiationMessage
		var sender sql.NullInt64
		var msgType string
		if err := rows.Scan(&m.ID, &m.NegotiationID, &sender, &msgType, &m.Message, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan negotiation message: %w", err)
		}
		m.SenderID = int64Ptr(sender)
		m.Type = model.MessageType(msgType)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Create opens a negotiation on a task, marks the task as under negotiation
// and logs the offer. A task carries at most one pending negotiation.
func (s *NegotiationStore) Create(ctx context.Context, n *model.Negotiation) (*model.Negotiation, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		id, err = insertNegotiation(ctx, tx, n, model.MessageOffer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Counter rejects the pending negotiation prevID and opens next in its place
// in one transaction.
func (s *NegotiationStore) Counter(ctx context.Context, prevID int64, next *model.Negotiation, at time.Time) (*model.Negotiation, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := resolveNegotiation(ctx, tx, prevID, model.NegotiationRejected, next.OfferMessage, at); err != nil {
			return err
		}
		var err error
		id, err = insertNegotiation(ctx, tx, next, model.MessageCounter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Settle accepts a pending negotiation and applies patch to its task. Both
// writes commit together or not at all.
func (s *NegotiationStore) Settle(ctx context.Context, id, senderID int64, response string, at time.Time, patch TaskPatch) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		taskID, err := resolveNegotiation(ctx, tx, id, model.NegotiationAccepted, response, at)
		if err != nil {
			return err
		}
		if err := updateTask(ctx, tx, taskID, patch); err != nil {
			return err
		}
		if err := clearNegotiationMarker(ctx, tx, taskID); err != nil {
			return err
		}
		return appendMessage(ctx, tx, id, &senderID, model.MessageAccept, response)
	})
}

// Resolve closes a pending negotiation without touching the task beyond
// clearing its negotiation marker. senderID is nil for system actions.
func (s *NegotiationStore) Resolve(ctx context.Context, id int64, status model.NegotiationStatus, senderID *int64, msgType model.MessageType, message string, at time.Time) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		taskID, err := resolveNegotiation(ctx, tx, id, status, message, at)
		if err != nil {
			return err
		}
		if err := clearNegotiationMarker(ctx, tx, taskID); err != nil {
			return err
		}
		return appendMessage(ctx, tx, id, senderID, msgType, message)
	})
}

func insertNegotiation(ctx context.Context, q querier, n *model.Negotiation, msgType model.MessageType) (int64, error) {
	var pending int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM negotiations WHERE task_id = ? AND status = ?`,
		n.TaskID, string(model.NegotiationPending),
	).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("count pending negotiations: %w", err)
	}
	if pending > 0 {
		return 0, model.Conflict("task %d already has a pending negotiation", n.TaskID)
	}

	var reqPoints sql.NullInt64
	if n.RequestedPoints != nil {
		reqPoints = sql.NullInt64{Int64: int64(*n.RequestedPoints), Valid: true}
	}
	var reqDescription sql.NullString
	if n.RequestedDescription != nil {
		reqDescription = sql.NullString{String: *n.RequestedDescription, Valid: true}
	}

	result, err := q.ExecContext(ctx,
		`INSERT INTO negotiations (
			task_id, negotiation_type, initiator_id, recipient_id, status,
			points_offered_to_recipient, points_kept_by_initiator, expires_at,
			requested_points, requested_due_date, requested_description, offer_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TaskID, string(n.Type), n.InitiatorID, n.RecipientID, string(model.NegotiationPending),
		n.PointsOfferedToRecipient, n.PointsKeptByInitiator, nullTime(n.ExpiresAt),
		reqPoints, nullTime(n.RequestedDueDate), reqDescription, n.OfferMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("insert negotiation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if _, err := q.ExecContext(ctx, `UPDATE tasks SET negotiation_pending = 1 WHERE id = ?`, n.TaskID); err != nil {
		return 0, fmt.Errorf("mark task negotiating: %w", err)
	}
	initiator := n.InitiatorID
	if err := appendMessage(ctx, q, id, &initiator, msgType, n.OfferMessage); err != nil {
		return 0, err
	}
	return id, nil
}

// resolveNegotiation moves a pending negotiation to status and returns its
// task. A negotiation that already left pending yields a ConflictError.
func resolveNegotiation(ctx context.Context, q querier, id int64, status model.NegotiationStatus, response string, at time.Time) (int64, error) {
	var taskID int64
	err := q.QueryRowContext(ctx,
		`UPDATE negotiations SET status = ?, response_message = ?, responded_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING task_id`,
		string(status), response, dbTime(at), id, string(model.NegotiationPending),
	).Scan(&taskID)
	if err == nil {
		return taskID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("resolve negotiation: %w", err)
	}

	n, err := getNegotiation(ctx, q, id)
	if err != nil {
		return 0, err
	}
	return 0, model.Conflict("negotiation %d is %s", id, n.Status)
}

func clearNegotiationMarker(ctx context.Context, q querier, taskID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET negotiation_pending = 0
		 WHERE id = ? AND negotiation_pending = 1
		   AND NOT EXISTS (SELECT 1 FROM negotiations WHERE task_id = ? AND status = ?)`,
		taskID, taskID, string(model.NegotiationPending),
	)
	if err != nil {
		return fmt.Errorf("clear negotiation marker: %w", err)
	}
	return nil
}

func appendMessage(ctx context.Context, q querier, negotiationID int64, senderID *int64, msgType model.MessageType, message string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO negotiation_messages (negotiation_id, sender_id, message_type, message) VALUES (?, ?, ?, ?)`,
		negotiationID, nullInt64(senderID), string(msgType), message,
	)
	if err != nil {
		return fmt.Errorf("append negotiation message: %w", err)
	}
	return nil
}
