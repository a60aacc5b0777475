package auth

import (
	"net/http"
	"strings"
)

// SessionCookieName carries the access token for clients that cannot set headers, such as EventSource.
const SessionCookieName = "memoshare_session"

const bearerPrefix = "bearer "

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			return "", ErrInvalidToken
		}
		return strings.TrimSpace(header[len(bearerPrefix):]), nil
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return "", ErrMissingToken
	}
	return cookie.Value, nil
}
