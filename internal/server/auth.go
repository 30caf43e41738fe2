package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/kbai-go/internal/logging"
)

// authRealm is advertised in every WWW-Authenticate challenge.
const authRealm = "kbai"

// authMiddleware returns an HTTP middleware that enforces Bearer token
// authentication against apiKeys, a comma-separated list so a key can be
// rotated by briefly accepting both the old and the new one. If no key is
// configured the middleware is a no-op.
//
// Protected routes must supply:
//
//	Authorization: Bearer <key>
//
// Requests missing or presenting an incorrect token receive 401 with a
// WWW-Authenticate challenge and a JSON error body. The presented token is
// never logged, only whether one was present.
func authMiddleware(apiKeys string, next http.Handler) http.Handler {
	keys := parseAPIKeys(apiKeys)
	if len(keys) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token := bearerToken(r)
		if token == "" {
			log.Warn("auth: missing bearer token", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+authRealm+`"`)
			writeJSONError(w, "authorization required", http.StatusUnauthorized)
			return
		}

		if !matchesAny(token, keys) {
			log.Warn("auth: invalid token",
				slog.String("path", r.URL.Path),
				slog.Bool("token_present", true),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+authRealm+`" error="invalid_token"`)
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// parseAPIKeys splits a comma-separated key list, dropping blanks.
func parseAPIKeys(s string) [][]byte {
	var keys [][]byte
	for k := range strings.SplitSeq(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return keys
}

// matchesAny compares token with every key in constant time per key and
// without stopping at the first match.
func matchesAny(token string, keys [][]byte) bool {
	tok := []byte(token)
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(tok, k)
	}
	return ok == 1
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
