package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dukerupert/taskpact/internal/auth"
	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
	"github.com/dukerupert/taskpact/internal/push"
	"github.com/dukerupert/taskpact/internal/store"
)

// PushHandler manages a member's Web Push devices.
type PushHandler struct {
	subs    *store.PushStore
	service *push.Service
	logger  *slog.Logger
}

func NewPushHandler(subs *store.PushStore, service *push.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{subs: subs, service: service, logger: logger}
}

// subscription mirrors the browser's PushSubscription.toJSON().
type subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	DeviceName string `json:"device_name"`
}

func (s subscription) validate() error {
	u, err := url.Parse(s.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return model.Invalid("endpoint", "endpoint must be an https URL")
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return model.Invalid("keys", "p256dh and auth keys are required")
	}
	return nil
}

// Subscribe handles POST /api/push/subscriptions. Re-subscribing an endpoint
// moves it to the acting member.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscription
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, h.logger, err)
		return
	}
	device := req.DeviceName
	if device == "" {
		device = r.UserAgent()
	}

	ctx := r.Context()
	sub, err := h.subs.Subscribe(ctx, auth.MemberID(ctx), auth.FamilyID(ctx),
		req.Endpoint, req.Keys.P256dh, req.Keys.Auth, device)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// List handles GET /api/push/subscriptions
func (h *PushHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByMember(r.Context(), auth.MemberID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if subs == nil {
		subs = []model.PushSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.subs.Delete(r.Context(), id, auth.MemberID(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Test handles POST /api/push/test by sending a notification to each of the
// acting member's devices.
func (h *PushHandler) Test(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sink := push.NewSink(h.service, h.subs, h.logger)
	err := sink.Notify(ctx, notify.Event{
		Kind:       "test",
		FamilyID:   auth.FamilyID(ctx),
		Recipients: []int64{auth.MemberID(ctx)},
		Title:      "Notifications are on",
		Body:       "You will hear about new tasks, offers and deadlines here.",
		At:         time.Now(),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}
