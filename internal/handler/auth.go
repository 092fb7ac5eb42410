package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// requireToken returns middleware that checks for a bearer token.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="autograder"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if len(got) != len(token) || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.Warn("rejected API token", "remote", r.RemoteAddr, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
