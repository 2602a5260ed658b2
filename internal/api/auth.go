package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// BearerAuth rejects requests without the expected bearer token. The health
// probe stays open so local tooling can check liveness without the token.
// Websocket upgrades may pass the token as ?token= since browsers cannot set
// headers on them.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(requestToken(r)), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}
