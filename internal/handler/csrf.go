package handler

import (
	"crypto/subtle"
	"net/http"

	"identity-service/internal/audit"
	"identity-service/internal/crypto"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
)

// CsrfGuard implements the double-submit-cookie protocol: the token lives
// in a cookie the client can read, and mutating requests must echo it in a
// header. Same-origin policy keeps cross-site attackers from reading the
// cookie, so they cannot forge the echo.
type CsrfGuard struct {
	secure   bool
	recorder audit.Recorder
}

func NewCsrfGuard(secure bool, recorder audit.Recorder) *CsrfGuard {
	return &CsrfGuard{secure: secure, recorder: recorder}
}

// Issue makes sure the client holds a token. An existing cookie is reused,
// never rotated: rotating on a read would invalidate the token the client
// is about to echo on its next write.
func (g *CsrfGuard) Issue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie(csrfCookieName); err != nil {
			token, err := crypto.NewCSRFToken()
			if err != nil {
				util.Error("Failed to mint CSRF token", util.ErrorField(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     csrfCookieName,
				Value:    token,
				Path:     "/",
				Secure:   g.secure,
				HttpOnly: false, // the client must read it to echo it
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r)
	})
}

// Validate rejects mutating requests whose header token is missing or not
// byte-equal to the cookie token. It runs before authentication so a CSRF
// failure never reveals anything gated behind auth.
func (g *CsrfGuard) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		header := r.Header.Get(csrfHeaderName)
		if err != nil || cookie.Value == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			g.recorder.Record(r.Context(), &models.SecurityEvent{
				EventType: audit.EventCsrfRejected,
				IPAddress: clientIP(r),
				Details:   r.Method + " " + r.URL.Path,
			})
			writeJSON(w, http.StatusForbidden, Response{
				Success: false,
				Error:   "csrf token missing or invalid",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
