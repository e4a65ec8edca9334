package handler

import (
	"context"
	"net"
	"net/http"
	"strings"

	"identity-service/internal/models"
	"identity-service/internal/service"
)

const sessionCookieName = "session_token"

type contextKey string

const (
	sessionContextKey  contextKey = "session"
	identityContextKey contextKey = "identity"
)

func sessionFrom(ctx context.Context) *models.Session {
	s, _ := ctx.Value(sessionContextKey).(*models.Session)
	return s
}

func identityFrom(ctx context.Context) *models.Identity {
	i, _ := ctx.Value(identityContextKey).(*models.Identity)
	return i
}

// sessionToken pulls the token from the session cookie or a bearer header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SessionMiddleware resolves the caller's session and identity. Pending
// sessions pass here; routes that need full access add RequireFull.
type SessionMiddleware struct {
	sessions   *service.SessionService
	identities service.IdentityStore
}

func NewSessionMiddleware(sessions *service.SessionService, identities service.IdentityStore) *SessionMiddleware {
	return &SessionMiddleware{sessions: sessions, identities: identities}
}

func (m *SessionMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := m.sessions.Authenticate(r.Context(), sessionToken(r))
		if err != nil {
			respondError(w, err)
			return
		}
		identity, err := m.identities.GetIdentityByID(r.Context(), session.IdentityID)
		if err != nil {
			respondError(w, service.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		ctx = context.WithValue(ctx, identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFull rejects pending sessions. A pending-session caller gets a 401
// with the step-up flag so the client knows to finish MFA rather than
// re-enter a password.
func (m *SessionMiddleware) RequireFull(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := sessionFrom(r.Context())
		if session == nil {
			respondError(w, service.ErrUnauthorized)
			return
		}
		if session.Pending() {
			writeJSON(w, http.StatusUnauthorized, Response{
				Success:        false,
				Error:          "step-up verification required",
				RequiresStepUp: true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
