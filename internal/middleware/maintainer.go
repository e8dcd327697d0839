package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/pkg/response"
)

// RequireMaintainer guards maintainer-only routes with a static bearer token.
// An empty configured token disables the routes entirely.
func RequireMaintainer(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				response.Error(w, apierrors.ErrNotFound)
				return
			}
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
