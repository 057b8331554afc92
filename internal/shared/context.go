package shared

import (
	"context"

	"github.com/google/uuid"
)

// Identity carries the tenant and acting user resolved by the auth gateway.
type Identity struct {
	TenantID uuid.UUID
	ActorID  uuid.UUID
}

// ActorRef returns the actor as a nullable reference for persistence.
func (i Identity) ActorRef() *uuid.UUID {
	if i.ActorID == uuid.Nil {
		return nil
	}
	actor := i.ActorID
	return &actor
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
