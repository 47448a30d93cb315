package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aipilotbyjd/taskengine/internal/platform/response"
)

// APIKeyAuth requires "Authorization: Bearer <key>" on every request,
// verifying it against keyHash the same way the teacher's auth service
// verifies account passwords: bcrypt.CompareHashAndPassword against a
// hash configured out of band, never the raw key. An empty keyHash
// disables the check entirely, for local/dev use of the ops server.
func APIKeyAuth(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keyHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok || bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
				response.Error(w, &response.APIError{
					StatusCode: http.StatusUnauthorized,
					Code:       "UNAUTHORIZED",
					Message:    "missing or invalid API key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
