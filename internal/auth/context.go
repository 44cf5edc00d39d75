package auth

import (
	"context"

	"github.com/dukerupert/taskpact/internal/model"
)

type contextKey struct{}

// Actor is the family member on whose behalf an operation runs.
type Actor struct {
	MemberID int64
	FamilyID int64
	Role     model.Role
}

func (a Actor) IsParent() bool { return a.Role == model.RoleParent }

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

func FamilyID(ctx context.Context) int64 {
	a, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return a.FamilyID
}

func MemberID(ctx context.Context) int64 {
	a, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return a.MemberID
}

// IdentityProvider resolves the acting member for a request.
type IdentityProvider interface {
	Actor(ctx context.Context) (Actor, error)
}

// ContextIdentity reads the actor placed in the context by WithActor.
type ContextIdentity struct{}

func (ContextIdentity) Actor(ctx context.Context) (Actor, error) {
	a, ok := FromContext(ctx)
	if !ok || a.MemberID == 0 {
		return Actor{}, model.NotAllowed("no acting member in context")
	}
	return a, nil
}
