package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/negotiation"
)

type NegotiationHandler struct {
	engine *negotiation.Engine
	logger *slog.Logger
}

func NewNegotiationHandler(engine *negotiation.Engine, logger *slog.Logger) *NegotiationHandler {
	return &NegotiationHandler{engine: engine, logger: logger}
}

type transferRequest struct {
	RecipientID    int64  `json:"recipient_id"`
	Offered        int    `json:"points_offered_to_recipient"`
	Kept           int    `json:"points_kept_by_initiator"`
	ExpiresInHours int    `json:"expires_in_hours"`
	Message        string `json:"message"`
}

// OfferTransfer handles POST /api/tasks/{id}/transfer
func (h *NegotiationHandler) OfferTransfer(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.engine.OfferTransfer(r.Context(), negotiation.TransferOffer{
		TaskID:             taskID,
		RecipientID:        req.RecipientID,
		OfferedToRecipient: req.Offered,
		KeptByInitiator:    req.Kept,
		ExpiresIn:          hours(req.ExpiresInHours),
		Message:            req.Message,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

type changeRequest struct {
	RecipientID int64      `json:"recipient_id"`
	Points      *int       `json:"requested_points"`
	DueDate     *time.Time `json:"requested_due_date"`
	Description *string    `json:"requested_description"`
	Message     string     `json:"message"`
}

// RequestChange handles POST /api/tasks/{id}/change-request
func (h *NegotiationHandler) RequestChange(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req changeRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.engine.RequestChange(r.Context(), negotiation.ChangeRequest{
		TaskID:      taskID,
		RecipientID: req.RecipientID,
		Points:      req.Points,
		Due:         req.DueDate,
		Description: req.Description,
		Message:     req.Message,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// ListForTask handles GET /api/tasks/{id}/negotiations
func (h *NegotiationHandler) ListForTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	negotiations, err := h.engine.ListForTask(r.Context(), taskID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	messages, err := h.engine.History(r.Context(), taskID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if negotiations == nil {
		negotiations = []model.Negotiation{}
	}
	if messages == nil {
		messages = []model.NegotiationMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"negotiations": negotiations,
		"messages":     messages,
	})
}

type respondRequest struct {
	Decision       string     `json:"decision"`
	Message        string     `json:"message"`
	Offered        int        `json:"points_offered_to_recipient"`
	Kept           int        `json:"points_kept_by_initiator"`
	ExpiresInHours int        `json:"expires_in_hours"`
	Points         *int       `json:"requested_points"`
	DueDate        *time.Time `json:"requested_due_date"`
	Description    *string    `json:"requested_description"`
}

// Respond handles POST /api/negotiations/{id}/respond
func (h *NegotiationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := negotiation.ParseDecision(req.Decision)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.engine.Respond(r.Context(), id, negotiation.Response{
		Decision:           decision,
		Message:            req.Message,
		OfferedToRecipient: req.Offered,
		KeptByInitiator:    req.Kept,
		ExpiresIn:          hours(req.ExpiresInHours),
		Points:             req.Points,
		Due:                req.DueDate,
		Description:        req.Description,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Withdraw handles POST /api/negotiations/{id}/withdraw
func (h *NegotiationHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	n, err := h.engine.Withdraw(r.Context(), id, req.Message)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
