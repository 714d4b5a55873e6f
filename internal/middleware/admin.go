package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader carries the operator token for the admin surface.
const AdminTokenHeader = "X-Admin-Token"

// RequireAdminToken compares X-Admin-Token against a bcrypt hash. With no
// hash configured every request is refused.
func RequireAdminToken(hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(AdminTokenHeader)
			if len(hash) == 0 || token == "" {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
