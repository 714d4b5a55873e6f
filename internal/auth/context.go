package auth

import (
	"context"

	"github.com/dukerupert/haulscan/internal/model"
)

type contextKey struct{}

// AuthContext is the resolved identity for one request.
type AuthContext struct {
	Principal model.Principal
	// DeviceID is the install identifier the client sent, kept even when a
	// user token took precedence.
	DeviceID string
	// Merged is set on the request that linked DeviceID to the user.
	Merged bool
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

// Principal returns the request principal, or the zero Principal if the
// request was not resolved.
func Principal(ctx context.Context) model.Principal {
	ac, ok := FromContext(ctx)
	if !ok {
		return model.Principal{}
	}
	return ac.Principal
}

func IsUser(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Principal.IsUser()
}
