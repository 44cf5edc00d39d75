package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/store"
)

type MemberHandler struct {
	members *store.MemberStore
	pins    *auth.PINVerifier
	logger  *slog.Logger
}

func NewMemberHandler(members *store.MemberStore, pins *auth.PINVerifier, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{members: members, pins: pins, logger: logger}
}

// List handles GET /api/members
func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	members, err := h.members.ListByFamily(r.Context(), auth.FamilyID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

// Ledger handles GET /api/members/{id}/ledger. Children may only read their
// own.
func (h *MemberHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	member, ok := h.visibleMember(w, r)
	if !ok {
		return
	}
	entries, err := h.members.Ledger(r.Context(), member.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"points":  member.Points,
		"entries": entries,
	})
}

// SetPIN handles PUT /api/members/{id}/pin. An empty pin clears it.
func (h *MemberHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	member, ok := h.visibleMember(w, r)
	if !ok {
		return
	}
	var req struct {
		PIN string `json:"pin"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.pins.SetPIN(r.Context(), member.ID, req.PIN); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MemberHandler) visibleMember(w http.ResponseWriter, r *http.Request) (*model.Member, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}
	actor, _ := auth.FromContext(r.Context())
	member, err := h.members.GetByID(r.Context(), id)
	if err == nil && member.FamilyID != actor.FamilyID {
		err = model.NotFound("member", id)
	}
	if err == nil && !actor.IsParent() && actor.MemberID != id {
		err = model.NotAllowed("member %d cannot act for member %d", actor.MemberID, id)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return member, true
}
