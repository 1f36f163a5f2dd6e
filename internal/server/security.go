package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// The server only returns JSON, so nothing may be framed, scripted or
// embedded.
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", apiContentSecurityPolicy)
		header.Set("X-Frame-Options", "DENY")
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("Referrer-Policy", "no-referrer")
		header.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// operatorAuthMiddleware requires "Authorization: Bearer <token>" on every
// request that changes state and on the OAuth start, which mints the state a
// callback will bind an identity with. Other reads and the callback stay
// open; the callback is protected by its single-use state token instead. An
// empty token disables the check.
func operatorAuthMiddleware(token string, next http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresOperator(r) {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerToken(r)
		if presented == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("operator token required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid operator token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizationStartPath mints OAuth state, so it is guarded like a mutation
// even though it is a GET.
const authorizationStartPath = "/api/oauth/start"

func requiresOperator(r *http.Request) bool {
	return isMutation(r) || r.URL.Path == authorizationStartPath
}

func isMutation(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
