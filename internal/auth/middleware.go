package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Required rejects requests without a valid bearer token
func (a *Authenticator) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.FromRequest(r, false)
		if err != nil {
			msg := "invalid or expired token"
			if errors.Is(err, ErrMissingToken) {
				msg = "missing token"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RoleAllowed lets the request through only if the caller holds one of roles.
// It must run after Required.
func RoleAllowed(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing token")
				return
			}
			if !id.HasRole(roles...) {
				writeError(w, http.StatusForbidden, "forbidden: role not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
