package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/crypto"
	"identity-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() (http.Handler, *bool) {
	reached := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}), &reached
}

func TestCsrfIssueMintsCookieWhenAbsent(t *testing.T) {
	guard := NewCsrfGuard(false, audit.NopRecorder{})
	next, _ := okHandler()

	rec := httptest.NewRecorder()
	guard.Issue(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "csrf_token", cookies[0].Name)
	assert.Len(t, cookies[0].Value, 32)
	assert.False(t, cookies[0].HttpOnly, "client code must be able to read the token")
}

func TestCsrfIssueNeverRotatesExistingCookie(t *testing.T) {
	guard := NewCsrfGuard(false, audit.NopRecorder{})
	next, _ := okHandler()

	token, err := crypto.NewCSRFToken()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: token})
	rec := httptest.NewRecorder()
	guard.Issue(next).ServeHTTP(rec, req)

	assert.Empty(t, rec.Result().Cookies(), "a held token must survive further reads")
}

func TestCsrfValidateSkipsReads(t *testing.T) {
	guard := NewCsrfGuard(false, audit.NopRecorder{})
	next, reached := okHandler()

	rec := httptest.NewRecorder()
	guard.Validate(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, *reached)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCsrfValidateRejectsMissingAndMismatched(t *testing.T) {
	guard := NewCsrfGuard(false, audit.NopRecorder{})

	token, err := crypto.NewCSRFToken()
	require.NoError(t, err)
	other, err := crypto.NewCSRFToken()
	require.NoError(t, err)

	tests := []struct {
		name   string
		cookie string
		header string
	}{
		{"no cookie no header", "", ""},
		{"cookie without header", token, ""},
		{"header without cookie", "", token},
		{"mismatched values", token, other},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, reached := okHandler()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set("X-CSRF-Token", tc.header)
			}

			rec := httptest.NewRecorder()
			guard.Validate(next).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.False(t, *reached)
		})
	}
}

func TestCsrfValidateAcceptsMatchingPair(t *testing.T) {
	guard := NewCsrfGuard(false, audit.NopRecorder{})
	next, reached := okHandler()

	token, err := crypto.NewCSRFToken()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: token})
	req.Header.Set("X-CSRF-Token", token)

	rec := httptest.NewRecorder()
	guard.Validate(next).ServeHTTP(rec, req)

	assert.True(t, *reached)
}

// A mismatched token is rejected even when the caller holds a perfectly
// valid full session.
func TestCsrfRejectionBeatsValidSession(t *testing.T) {
	fx := newRouterFixture(t)
	client := newBrowser(t, fx.handler)
	client.prime()

	ctx := context.Background()
	now := time.Now().UTC()
	sessionToken, err := crypto.NewSessionToken()
	require.NoError(t, err)
	identityID := uuid.New().String()
	require.NoError(t, fx.identities.CreateIdentity(ctx, &models.Identity{
		ID:        identityID,
		Email:     "holder@example.com",
		CreatedAt: now,
		UpdatedAt: &now,
	}))
	require.NoError(t, fx.sessions.CreateSession(ctx, &models.Session{
		ID:             uuid.New().String(),
		Token:          sessionToken,
		IdentityID:     identityID,
		StepUpVerified: true,
		CreatedAt:      now,
		LastActive:     now,
		ExpiresAt:      now.Add(24 * time.Hour),
	}))
	client.cookies["session_token"] = sessionToken

	rec := client.do(http.MethodPost, "/api/v1/sessions/revoke-others", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Same request with the echoed token goes through.
	rec = client.do(http.MethodPost, "/api/v1/sessions/revoke-others", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}
