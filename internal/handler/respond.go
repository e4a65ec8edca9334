package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`

	// RequiresStepUp tells the client to render a code prompt instead of
	// treating the 403 as a dead end.
	RequiresStepUp bool `json:"requires_step_up,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}

func respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	writeJSON(w, status, Response{Success: true, Data: data, Message: message})
}

func respondError(w http.ResponseWriter, err error) {
	status := getStatusCode(err)
	resp := Response{Success: false, Error: errorMessage(err)}

	if errors.Is(err, service.ErrStepUpRequired) {
		resp.RequiresStepUp = true
	}

	var rateErr *service.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.ResetIn.Seconds())+1))
		resp.Data = map[string]interface{}{
			"remaining_attempts":  rateErr.Remaining,
			"retry_after_seconds": int(rateErr.ResetIn.Seconds()) + 1,
		}
	}

	if status == http.StatusInternalServerError {
		util.Error("Request failed", util.ErrorField(err))
	}
	writeJSON(w, status, resp)
}

func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUnauthorized), errors.Is(err, service.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrStepUpRequired):
		return http.StatusForbidden
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrAlreadyCompleted),
		errors.Is(err, service.ErrExpired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage keeps internal detail out of responses.
func errorMessage(err error) string {
	if getStatusCode(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
