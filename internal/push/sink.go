package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/taskpact/internal/model"
	"github.com/dukerupert/taskpact/internal/notify"
)

type Sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

type SubscriptionStore interface {
	ListByMember(ctx context.Context, memberID int64) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Sink delivers events to the devices of each recipient.
type Sink struct {
	sender Sender
	subs   SubscriptionStore
	logger *slog.Logger
}

func NewSink(sender Sender, subs SubscriptionStore, logger *slog.Logger) *Sink {
	return &Sink{sender: sender, subs: subs, logger: logger}
}

// PayloadFor renders e for a service worker. Penalties and offers waiting on
// the recipient are urgent; offers are held only as long as they can be
// answered.
func PayloadFor(e notify.Event) Payload {
	p := Payload{
		Kind:  string(e.Kind),
		Title: e.Title,
		Body:  e.Body,
		URL:   fmt.Sprintf("/tasks/%d", e.TaskID),
		Tag:   fmt.Sprintf("%s-%d", e.Kind, e.TaskID),
	}
	switch e.Kind {
	case notify.TaskPenalized:
		p.Urgency = webpush.UrgencyHigh
	case notify.NegotiationOffer:
		p.Urgency = webpush.UrgencyHigh
		p.TTL = negotiationTTL
	case notify.NegotiationExpired:
		p.Urgency = webpush.UrgencyLow
	}
	return p
}

// negotiationTTL matches the default offer expiry.
const negotiationTTL = 24 * time.Hour

// Notify sends e to every subscription of its recipients, pruning expired
// ones. It returns the first non-expiry failure after trying every device.
func (s *Sink) Notify(ctx context.Context, e notify.Event) error {
	payload := PayloadFor(e)

	var first error
	for _, memberID := range e.Recipients {
		subs, err := s.subs.ListByMember(ctx, memberID)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		for i := range subs {
			sub := &subs[i]
			err := s.sender.Send(ctx, sub, payload)
			if errors.Is(err, ErrExpired) {
				s.logger.Info("removing expired push subscription", "member_id", memberID, "subscription_id", sub.ID)
				if err := s.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
					s.logger.Error("delete expired subscription", "subscription_id", sub.ID, "error", err)
				}
				continue
			}
			if err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
