package auth

import (
	"net/http"
	"time"
)

// Cookie names. The CSRF cookie is readable by the page script so it can
// echo the value back in the X-CSRF-Token header (double submit).
const (
	SessionCookie = "session"
	CSRFCookie    = "csrf_token"
)

// CSRFHeader is the request header checked against the session's token.
const CSRFHeader = "X-CSRF-Token"

// SetAuthCookies issues the session and CSRF cookies. Host-only (no
// Domain), path /, SameSite Lax; Secure follows the effective scheme so
// a plain-HTTP lab deployment still works.
func SetAuthCookies(w http.ResponseWriter, r *http.Request, sessionToken, csrfToken string, expires time.Time) {
	secure := requestIsHTTPS(r)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionToken,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    csrfToken,
		Path:     "/",
		Expires:  expires,
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearAuthCookies expires both cookies at logout.
func ClearAuthCookies(w http.ResponseWriter, r *http.Request) {
	secure := requestIsHTTPS(r)
	for _, name := range []string{SessionCookie, CSRFCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == SessionCookie,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// requestIsHTTPS is true for direct TLS or a terminating proxy that set
// X-Forwarded-Proto.
func requestIsHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
