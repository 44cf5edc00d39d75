package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/taskpact/internal/model"
)

// MemberSource is the member storage the PIN verifier needs.
type MemberSource interface {
	GetByID(ctx context.Context, id int64) (*model.Member, error)
	PINHash(ctx context.Context, id int64) (string, error)
	SetPINHash(ctx context.Context, id int64, hash string) error
}

// PINVerifier turns a member id and PIN into an Actor.
type PINVerifier struct {
	members MemberSource
	cost    int
}

func NewPINVerifier(members MemberSource) *PINVerifier {
	return &PINVerifier{members: members, cost: bcrypt.DefaultCost}
}

// SetPIN hashes and stores a 4 digit PIN. An empty pin clears it.
func (v *PINVerifier) SetPIN(ctx context.Context, memberID int64, pin string) error {
	if pin == "" {
		return v.members.SetPINHash(ctx, memberID, "")
	}
	if len(pin) != 4 || !isDigits(pin) {
		return model.Invalid("pin", "PIN must be exactly 4 digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), v.cost)
	if err != nil {
		return err
	}
	return v.members.SetPINHash(ctx, memberID, string(hash))
}

// Verify checks pin against the member's stored hash. Members without a PIN
// cannot act through the verifier.
func (v *PINVerifier) Verify(ctx context.Context, memberID int64, pin string) (Actor, error) {
	m, err := v.members.GetByID(ctx, memberID)
	if err != nil {
		return Actor{}, err
	}
	hash, err := v.members.PINHash(ctx, memberID)
	if err != nil {
		return Actor{}, err
	}
	if hash == "" {
		return Actor{}, model.NotAllowed("member %d has no PIN", memberID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return Actor{}, model.NotAllowed("incorrect PIN for member %d", memberID)
	}
	return Actor{MemberID: m.ID, FamilyID: m.FamilyID, Role: m.Role}, nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
