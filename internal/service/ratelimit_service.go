package service

import (
	"context"
	"fmt"
	"time"

	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// Limit is a named fixed-window policy.
type Limit struct {
	Name   string
	Max    int64
	Window time.Duration
}

// Policies applied by the authentication flows. A window starts at the
// first counted attempt and every attempt in it counts, successful or not.
var (
	LimitLoginPerIP       = Limit{Name: "login_ip", Max: 10, Window: 15 * time.Minute}
	LimitLoginPerEmail    = Limit{Name: "login_email", Max: 5, Window: 15 * time.Minute}
	LimitStepUpPerSession = Limit{Name: "stepup_session", Max: 5, Window: 5 * time.Minute}
	LimitEmailChangePerID = Limit{Name: "email_change", Max: 3, Window: time.Hour}
	LimitCancelPerIP      = Limit{Name: "cancel_ip", Max: 10, Window: time.Hour}
	LimitRegisterPerIP    = Limit{Name: "register_ip", Max: 10, Window: time.Hour}
)

// RateLimitService decides whether an attempt may proceed.
type RateLimitService struct {
	cache *redisrepo.RateLimitCache
}

func NewRateLimitService(cache *redisrepo.RateLimitCache) *RateLimitService {
	return &RateLimitService{cache: cache}
}

// Check counts one attempt under the policy for the subject and returns a
// RateLimitError once the window's budget is spent. The counting store
// being unreachable fails closed: these limits guard credential-guessing
// surfaces, and an attacker who can degrade redis must not get an
// unmetered window out of it.
func (s *RateLimitService) Check(ctx context.Context, limit Limit, subject string) error {
	result, err := s.cache.Hit(ctx, limit.Name+":"+subject, limit.Max, limit.Window)
	if err != nil {
		util.Error("Rate limit check failed",
			util.String("limit", limit.Name),
			util.ErrorField(err))
		return fmt.Errorf("rate limit check: %w", err)
	}
	if !result.Allowed {
		return &RateLimitError{
			Remaining: result.Remaining,
			ResetIn:   result.ResetIn,
		}
	}
	return nil
}

// Clear resets the counter for a subject, e.g. after a successful login.
func (s *RateLimitService) Clear(ctx context.Context, limit Limit, subject string) {
	if err := s.cache.Reset(ctx, limit.Name+":"+subject); err != nil {
		util.Warn("Failed to reset rate limit counter",
			util.String("limit", limit.Name),
			util.ErrorField(err))
	}
}
