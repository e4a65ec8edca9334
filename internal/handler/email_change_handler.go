package handler

import (
	"encoding/json"
	"net/http"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// EmailChangeHandler serves the email-change workflow. Request runs on an
// authenticated full session; verify and cancel work from the mailed
// tokens alone.
type EmailChangeHandler struct {
	emailChange *service.EmailChangeService
}

func NewEmailChangeHandler(emailChange *service.EmailChangeService) *EmailChangeHandler {
	return &EmailChangeHandler{emailChange: emailChange}
}

type requestChangeRequest struct {
	NewEmail   string `json:"new_email"`
	StepUpCode string `json:"step_up_code"`
}

func (h *EmailChangeHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req requestChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}
	identity := identityFrom(r.Context())
	session := sessionFrom(r.Context())

	change, err := h.emailChange.RequestChange(r.Context(), identity, session, req.NewEmail, req.StepUpCode)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusAccepted, map[string]interface{}{
		"new_email":  util.MaskEmail(change.NewEmail),
		"expires_at": change.ExpiresAt,
	}, "check the new address for a verification link")
}

type tokenRequest struct {
	Token string `json:"token"`
}

// tokenFrom accepts the token as a query parameter (mailed links) or in
// the body.
func tokenFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		return req.Token
	}
	return ""
}

func (h *EmailChangeHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := tokenFrom(r)
	if token == "" {
		respondError(w, service.ErrInvalidInput)
		return
	}

	if err := h.emailChange.Verify(r.Context(), token, sessionToken(r)); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, nil, "email updated; other sessions were signed out")
}

// Preview shows the masked shape of a pending change behind its cancel
// token.
func (h *EmailChangeHandler) Preview(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, service.ErrInvalidInput)
		return
	}

	preview, err := h.emailChange.Preview(r.Context(), token)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, preview, "")
}

func (h *EmailChangeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	token := tokenFrom(r)
	if token == "" {
		respondError(w, service.ErrInvalidInput)
		return
	}

	if err := h.emailChange.Cancel(r.Context(), token, clientIP(r)); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, nil, "email change cancelled")
}
