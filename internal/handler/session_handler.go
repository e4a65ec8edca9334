package handler

import (
	"net/http"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/service"

	"github.com/go-chi/chi/v5"
)

// SessionHandler serves the device/session management surface.
type SessionHandler struct {
	sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type sessionView struct {
	ID             string    `json:"id"`
	StepUpVerified bool      `json:"step_up_verified"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	ExpiresAt      time.Time `json:"expires_at"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	Geo            string    `json:"geo,omitempty"`
	Current        bool      `json:"current"`
}

func toSessionView(s *models.Session, currentID string) sessionView {
	return sessionView{
		ID:             s.ID,
		StepUpVerified: s.StepUpVerified,
		CreatedAt:      s.CreatedAt,
		LastActive:     s.LastActive,
		ExpiresAt:      s.ExpiresAt,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		Geo:            s.Geo,
		Current:        s.ID == currentID,
	}
}

// List returns the caller's live sessions, flagging the one making this
// request.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	current := sessionFrom(r.Context())

	sessions, err := h.sessions.List(r.Context(), current.IdentityID)
	if err != nil {
		respondError(w, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s, current.ID))
	}
	respondSuccess(w, http.StatusOK, views, "")
}

// Revoke deletes one session by ID. Revoking the current session is
// allowed; the client is effectively logging itself out.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	current := sessionFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, service.ErrInvalidInput)
		return
	}

	if err := h.sessions.Revoke(r.Context(), current.IdentityID, sessionID); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, nil, "session revoked")
}

// RevokeOthers signs out every other device in one atomic operation.
func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	current := sessionFrom(r.Context())

	count, err := h.sessions.RevokeAllExcept(r.Context(), current.IdentityID, sessionToken(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]int64{"revoked": count}, "other sessions revoked")
}
