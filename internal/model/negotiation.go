package model

import (
	"fmt"
	"time"
)

type NegotiationType string

const (
	SiblingTransfer   NegotiationType = "sibling_transfer"
	ParentNegotiation NegotiationType = "parent_negotiation"
)

type NegotiationStatus string

const (
	NegotiationPending   NegotiationStatus = "pending"
	NegotiationAccepted  NegotiationStatus = "accepted"
	NegotiationRejected  NegotiationStatus = "rejected"
	NegotiationExpired   NegotiationStatus = "expired"
	NegotiationWithdrawn NegotiationStatus = "withdrawn"
)

func ParseNegotiationStatus(s string) (NegotiationStatus, error) {
	switch st := NegotiationStatus(s); st {
	case NegotiationPending, NegotiationAccepted, NegotiationRejected, NegotiationExpired, NegotiationWithdrawn:
		return st, nil
	}
	return "", fmt.Errorf("unknown negotiation status %q", s)
}

type Negotiation struct {
	ID          int64             `json:"id"`
	TaskID      int64             `json:"task_id"`
	Type        NegotiationType   `json:"negotiation_type"`
	InitiatorID int64             `json:"initiator_id"`
	RecipientID int64             `json:"recipient_id"`
	Status      NegotiationStatus `json:"status"`

	// Sibling transfer terms.
	PointsOfferedToRecipient int        `json:"points_offered_to_recipient"`
	PointsKeptByInitiator    int        `json:"points_kept_by_initiator"`
	ExpiresAt                *time.Time `json:"expires_at,omitempty"`

	// Parent negotiation terms; nil means no change requested.
	RequestedPoints      *int       `json:"requested_points,omitempty"`
	RequestedDueDate     *time.Time `json:"requested_due_date,omitempty"`
	RequestedDescription *string    `json:"requested_description,omitempty"`

	OfferMessage    string     `json:"offer_message"`
	ResponseMessage string     `json:"response_message"`
	CreatedAt       time.Time  `json:"created_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
}

type MessageType string

const (
	MessageOffer    MessageType = "offer"
	MessageCounter  MessageType = "counter"
	MessageAccept   MessageType = "accept"
	MessageReject   MessageType = "reject"
	MessageWithdraw MessageType = "withdraw"
	MessageExpire   MessageType = "expire"
)

// NegotiationMessage is an append-only audit entry.
type NegotiationMessage struct {
	ID            int64       `json:"id"`
	NegotiationID int64       `json:"negotiation_id"`
	SenderID      *int64      `json:"sender_id"`
	Type          MessageType `json:"message_type"`
	Message       string      `json:"message"`
	CreatedAt     time.Time   `json:"created_at"`
}
