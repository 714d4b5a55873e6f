package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/haulscan/internal/auth"
)

// DeviceIDHeader carries the anonymous install identifier.
const DeviceIDHeader = "X-Device-ID"

// IdentityResolver maps request credentials to a principal.
type IdentityResolver interface {
	Resolve(ctx context.Context, authHeader, deviceID string) (auth.AuthContext, error)
}

type holderKey struct{}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// RequireIdentity resolves the Authorization and X-Device-ID headers and
// stores the result in the request context. Unresolvable requests get 401.
func RequireIdentity(resolver IdentityResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := resolver.Resolve(r.Context(), r.Header.Get("Authorization"), r.Header.Get(DeviceIDHeader))
			if err != nil {
				logger.Debug("identity rejected", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if h, ok := r.Context().Value(holderKey{}).(*principalHolder); ok {
				h.ac = ac
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
		})
	}
}
