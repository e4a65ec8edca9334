package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"identity-service/internal/service"
)

// AuthHandler serves registration, login, step-up, and logout.
type AuthHandler struct {
	auth   *service.AuthService
	stepUp *service.StepUpService
	secure bool
}

func NewAuthHandler(auth *service.AuthService, stepUp *service.StepUpService, secure bool) *AuthHandler {
	return &AuthHandler{auth: auth, stepUp: stepUp, secure: secure}
}

func (h *AuthHandler) sessionMeta(r *http.Request) service.SessionMeta {
	return service.SessionMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		Secure:   h.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   h.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}

	identity, err := h.auth.Register(r.Context(), req.Email, req.Password, h.sessionMeta(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusCreated, identity, "account created")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Kind           string `json:"kind"`
	SessionToken   string `json:"session_token,omitempty"`
	RequiresStepUp bool   `json:"requires_step_up,omitempty"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, h.sessionMeta(r))
	if err != nil {
		respondError(w, err)
		return
	}

	switch result.Kind {
	case service.LoginRejected:
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   result.Reason,
		})
	case service.LoginRequireStepUp:
		h.setSessionCookie(w, result.Session.Token, result.Session.ExpiresAt)
		respondSuccess(w, http.StatusOK, loginResponse{
			Kind:           string(result.Kind),
			SessionToken:   result.Session.Token,
			RequiresStepUp: true,
		}, "second factor required")
	default:
		h.setSessionCookie(w, result.Session.Token, result.Session.ExpiresAt)
		respondSuccess(w, http.StatusOK, loginResponse{
			Kind:         string(result.Kind),
			SessionToken: result.Session.Token,
		}, "logged in")
	}
}

type stepUpRequest struct {
	Code string `json:"code"`
}

// StepUp upgrades a pending session with a TOTP or backup code.
func (h *AuthHandler) StepUp(w http.ResponseWriter, r *http.Request) {
	var req stepUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}

	session, err := h.stepUp.UpgradeSession(r.Context(), sessionToken(r), req.Code)
	if err != nil {
		respondError(w, err)
		return
	}

	h.setSessionCookie(w, session.Token, session.ExpiresAt)
	respondSuccess(w, http.StatusOK, session, "session verified")
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := h.auth.Logout(r.Context(), token); err != nil {
			respondError(w, err)
			return
		}
	}
	h.clearSessionCookie(w)
	respondSuccess(w, http.StatusOK, nil, "logged out")
}
