package service

import (
	"errors"
	"fmt"
	"time"

	"identity-service/internal/repository/mysql"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSessionExpired     = errors.New("session expired")
	ErrStepUpRequired     = errors.New("step-up verification required")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrExpired            = errors.New("token expired")
	ErrAlreadyCompleted   = errors.New("already completed")
	ErrEmailTaken         = errors.New("email already in use")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// RateLimitError carries the window state so handlers can emit Retry-After.
// errors.Is(err, ErrRateLimited) matches it.
type RateLimitError struct {
	Remaining int64
	ResetIn   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.ResetIn.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

func isNotFound(err error) bool {
	return errors.Is(err, mysql.ErrNotFound)
}

// translateStoreError maps repository sentinels onto the service taxonomy.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mysql.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, mysql.ErrDuplicateEmail):
		return ErrEmailTaken
	case errors.Is(err, mysql.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}
