package service

import (
	"context"
	"testing"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SessionTTL:        30 * 24 * time.Hour,
		PendingSessionTTL: 15 * time.Minute,
		EmailChangeTTL:    24 * time.Hour,
		TOTPIssuer:        "identity-service",
		BackupCodeCount:   8,
	}
}

func testPasswordHasher() *crypto.PasswordHasher {
	return crypto.NewPasswordHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  16 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
}

type authFixture struct {
	identities *fakeIdentityStore
	sessions   *fakeSessionStore
	limiter    *countingLimiter
	auth       *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	identities := newFakeIdentityStore()
	sessions := newFakeSessionStore()
	limiter := newCountingLimiter()

	auth, err := NewAuthService(identities, sessions, testPasswordHasher(), limiter, audit.NopRecorder{}, testAuthConfig())
	require.NoError(t, err)

	return &authFixture{
		identities: identities,
		sessions:   sessions,
		limiter:    limiter,
		auth:       auth,
	}
}

func meta() SessionMeta {
	return SessionMeta{IPAddress: "10.0.0.1", UserAgent: "test-agent"}
}

func TestRegisterAndLogin(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	identity, err := fx.auth.Register(ctx, "Alice@Example.com", "hunter2hunter2", meta())
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", identity.Email)
	assert.True(t, identity.HasPassword())

	result, err := fx.auth.Login(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)
	assert.Equal(t, LoginDone, result.Kind)
	require.NotNil(t, result.Session)
	assert.True(t, result.Session.StepUpVerified)
	assert.NotEmpty(t, result.Session.Token)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.Register(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)

	_, err = fx.auth.Register(ctx, "alice@example.com", "different-password", meta())
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.Register(ctx, "not-an-email", "hunter2hunter2", meta())
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.auth.Register(ctx, "alice@example.com", "short", meta())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoginRejectionsAreIndistinguishable(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.Register(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)

	wrongPassword, err := fx.auth.Login(ctx, "alice@example.com", "wrong", meta())
	require.NoError(t, err)
	unknownEmail, err := fx.auth.Login(ctx, "nobody@example.com", "wrong", meta())
	require.NoError(t, err)

	assert.Equal(t, LoginRejected, wrongPassword.Kind)
	assert.Equal(t, LoginRejected, unknownEmail.Kind)
	assert.Equal(t, wrongPassword.Reason, unknownEmail.Reason)
	assert.Nil(t, wrongPassword.Session)
	assert.Nil(t, unknownEmail.Session)
}

func TestLoginWithTOTPEnabledYieldsPendingSession(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	identity, err := fx.auth.Register(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)
	require.NoError(t, fx.identities.UpdateTOTP(ctx, identity.ID, "stored-secret", true))

	result, err := fx.auth.Login(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)
	assert.Equal(t, LoginRequireStepUp, result.Kind)
	require.NotNil(t, result.Session)
	assert.True(t, result.Session.Pending())

	// Pending sessions expire quickly.
	assert.WithinDuration(t,
		time.Now().UTC().Add(15*time.Minute),
		result.Session.ExpiresAt,
		time.Minute)
}

func TestLoginRateLimitPerEmail(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.Register(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)

	// Spread attempts over distinct IPs so only the email window trips.
	for i := 0; i < int(LimitLoginPerEmail.Max); i++ {
		m := SessionMeta{IPAddress: string(rune('a' + i))}
		result, err := fx.auth.Login(ctx, "alice@example.com", "wrong", m)
		require.NoError(t, err)
		assert.Equal(t, LoginRejected, result.Kind)
	}

	_, err = fx.auth.Login(ctx, "alice@example.com", "wrong", SessionMeta{IPAddress: "z"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSuccessfulLoginClearsEmailWindow(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.Register(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)

	for i := 0; i < int(LimitLoginPerEmail.Max)-1; i++ {
		m := SessionMeta{IPAddress: string(rune('a' + i))}
		_, err := fx.auth.Login(ctx, "alice@example.com", "wrong", m)
		require.NoError(t, err)
	}

	result, err := fx.auth.Login(ctx, "alice@example.com", "hunter2hunter2", SessionMeta{IPAddress: "y"})
	require.NoError(t, err)
	require.Equal(t, LoginDone, result.Kind)

	// The near-tripped window was reset by the success.
	result, err = fx.auth.Login(ctx, "alice@example.com", "hunter2hunter2", SessionMeta{IPAddress: "x"})
	require.NoError(t, err)
	assert.Equal(t, LoginDone, result.Kind)
}

func TestLogoutDeletesSession(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	_, err := fx.auth.Register(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)
	result, err := fx.auth.Login(ctx, "alice@example.com", "hunter2hunter2", meta())
	require.NoError(t, err)

	require.NoError(t, fx.auth.Logout(ctx, result.Session.Token))
	_, err = fx.sessions.GetSessionByToken(ctx, result.Session.Token)
	assert.Error(t, err)

	// Logging out an unknown token is not an error.
	assert.NoError(t, fx.auth.Logout(ctx, "gone"))
}

func TestLoginFederatedIdentityWithoutPassword(t *testing.T) {
	fx := newAuthFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.identities.CreateIdentity(ctx, &models.Identity{
		ID:        "fed-1",
		Email:     "sso@example.com",
		CreatedAt: time.Now().UTC(),
	}))

	result, err := fx.auth.Login(ctx, "sso@example.com", "anything", meta())
	require.NoError(t, err)
	assert.Equal(t, LoginRejected, result.Kind)
}
