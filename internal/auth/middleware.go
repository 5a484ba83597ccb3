package auth

import (
	"net/http"

	"go.uber.org/zap"

	"diagramcollab/internal/utils"
)

// Identify resolves the caller's identity when a valid token is present and
// passes anonymous requests through untouched. Handlers that need a user
// decide for themselves how to reject.
func Identify(v *Verifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := TokenFromRequest(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := v.Verify(token)
			if err != nil {
				log.Debug("token rejected", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// Require rejects requests that Identify could not attach a user to.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) == "" {
			utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
