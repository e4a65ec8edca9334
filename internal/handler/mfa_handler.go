package handler

import (
	"encoding/json"
	"net/http"

	"identity-service/internal/service"
)

// MFAHandler serves TOTP enrollment and backup-code management. Disabling
// MFA and reissuing backup codes re-verify a second factor inline.
type MFAHandler struct {
	mfa    *service.MFAService
	stepUp *service.StepUpService
}

func NewMFAHandler(mfa *service.MFAService, stepUp *service.StepUpService) *MFAHandler {
	return &MFAHandler{mfa: mfa, stepUp: stepUp}
}

func (h *MFAHandler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	enrollment, err := h.mfa.EnrollTOTP(r.Context(), identity)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, enrollment, "scan the secret, then activate with a code")
}

type activateRequest struct {
	Code string `json:"code"`
}

func (h *MFAHandler) ActivateTOTP(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}
	identity := identityFrom(r.Context())

	codes, err := h.mfa.ActivateTOTP(r.Context(), identity, req.Code)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"backup_codes": codes,
	}, "two-factor enabled; store these backup codes now, they are shown once")
}

type stepUpGatedRequest struct {
	StepUpCode string `json:"step_up_code"`
}

func (h *MFAHandler) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	var req stepUpGatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}
	identity := identityFrom(r.Context())
	session := sessionFrom(r.Context())

	if err := h.stepUp.Require(r.Context(), identity, session, req.StepUpCode); err != nil {
		respondError(w, err)
		return
	}
	if err := h.mfa.DisableTOTP(r.Context(), identity); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, nil, "two-factor disabled")
}

func (h *MFAHandler) GenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req stepUpGatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, service.ErrInvalidInput)
		return
	}
	identity := identityFrom(r.Context())
	session := sessionFrom(r.Context())

	if err := h.stepUp.Require(r.Context(), identity, session, req.StepUpCode); err != nil {
		respondError(w, err)
		return
	}
	codes, err := h.mfa.GenerateBackupCodes(r.Context(), identity)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"backup_codes": codes,
	}, "previous backup codes no longer work")
}

func (h *MFAHandler) CountBackupCodes(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())

	count, err := h.mfa.RemainingBackupCodes(r.Context(), identity.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]int{"remaining": count}, "")
}
