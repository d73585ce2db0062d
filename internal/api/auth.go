package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth gates mutating admin routes behind a static bearer token. This
// stands in for the host application's authenticated-admin check; deployments
// embedded in the main site replace it with the site's own middleware.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "admin authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
