package server

import (
	"net/http"

	"github.com/polyglot-llm/inference-relay/internal/auth"
)

var authErrorBody = map[string]any{
	"error": map[string]string{
		"message": "Invalid API key",
		"type":    "invalid_request_error",
	},
}

// AuthMiddleware rejects every request outside auth.PublicPaths that does not
// carry the configured bearer token. All failure modes produce the same 401
// body, and the request body is never read.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := authenticator.Authenticate(r); err != nil {
				AddError(r.Context(), err)
				writeJSON(w, http.StatusUnauthorized, authErrorBody)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
