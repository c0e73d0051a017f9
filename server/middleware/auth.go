package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/internal/httputils"
)

// AuthFailureFunc is told about every signed request that failed
// verification.
type AuthFailureFunc func(r *http.Request, err error)

// Authenticate verifies a NIP-98 Authorization header when one is present
// and stores the signer in the request context. Requests without one pass
// through anonymously; a present but invalid token is a 401.
func Authenticate(verifier *httpauth.Verifier, logger *zap.Logger, onFailure AuthFailureFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := verifier.Verify(r)
			if err != nil {
				logger.Info("Signed request rejected",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				if onFailure != nil {
					onFailure(r, err)
				}
				httputils.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if id != nil {
				r = r.WithContext(httpauth.WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if httpauth.FromContext(r.Context()) == nil {
			httputils.WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
