package service

import (
	"context"
	"strings"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/models"
	"identity-service/internal/util"

	"github.com/google/uuid"
)

// LoginKind discriminates the outcome of a login attempt.
type LoginKind string

const (
	LoginDone          LoginKind = "DONE"
	LoginRequireStepUp LoginKind = "REQUIRE_STEP_UP"
	LoginRejected      LoginKind = "REJECTED"
)

// LoginResult is the pure outcome of Login. Rejection is a result, not an
// error: errors are reserved for rate limiting and infrastructure failures.
type LoginResult struct {
	Kind    LoginKind
	Session *models.Session // set for DONE and REQUIRE_STEP_UP
	Reason  string          // set for REJECTED; generic, safe to show
}

// SessionMeta is the client metadata captured on each session.
type SessionMeta struct {
	IPAddress string
	UserAgent string
	Geo       string
}

// AuthService owns registration, login, and logout.
type AuthService struct {
	identities IdentityStore
	sessions   SessionStore
	hasher     *crypto.PasswordHasher
	limiter    Limiter
	recorder   audit.Recorder
	authCfg    config.AuthConfig

	// dummyHash absorbs the verification cost for unknown emails so the
	// response time does not reveal whether an address is registered.
	dummyHash string
}

func NewAuthService(
	identities IdentityStore,
	sessions SessionStore,
	hasher *crypto.PasswordHasher,
	limiter Limiter,
	recorder audit.Recorder,
	authCfg config.AuthConfig,
) (*AuthService, error) {
	dummyHash, err := hasher.Hash(uuid.New().String())
	if err != nil {
		return nil, err
	}
	return &AuthService{
		identities: identities,
		sessions:   sessions,
		hasher:     hasher,
		limiter:    limiter,
		recorder:   recorder,
		authCfg:    authCfg,
		dummyHash:  dummyHash,
	}, nil
}

// Register creates an identity with a password credential.
func (s *AuthService) Register(ctx context.Context, email, password string, meta SessionMeta) (*models.Identity, error) {
	email = util.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidInput
	}
	if len(password) < 8 {
		return nil, ErrInvalidInput
	}
	if err := s.limiter.Check(ctx, LimitRegisterPerIP, meta.IPAddress); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	identity := &models.Identity{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.identities.CreateIdentity(ctx, identity); err != nil {
		return nil, translateStoreError(err)
	}
	return identity, nil
}

// Login verifies the password and opens a session. Identities with TOTP
// enabled get a short-lived pending session that must be upgraded through
// step-up before it grants anything.
func (s *AuthService) Login(ctx context.Context, email, password string, meta SessionMeta) (*LoginResult, error) {
	email = util.NormalizeEmail(email)

	if err := s.limiter.Check(ctx, LimitLoginPerIP, meta.IPAddress); err != nil {
		s.record(ctx, audit.EventLoginRateLimited, "", "", meta.IPAddress, "ip window")
		return nil, err
	}
	if err := s.limiter.Check(ctx, LimitLoginPerEmail, email); err != nil {
		s.record(ctx, audit.EventLoginRateLimited, "", "", meta.IPAddress, "email window")
		return nil, err
	}

	identity, err := s.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			// Burn the same hashing cost as a real verification.
			_, _ = s.hasher.Verify(password, s.dummyHash)
			s.record(ctx, audit.EventLoginFailed, "", "", meta.IPAddress, "unknown email")
			return &LoginResult{Kind: LoginRejected, Reason: "invalid credentials"}, nil
		}
		return nil, err
	}

	ok, err := s.hasher.Verify(password, identity.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.record(ctx, audit.EventLoginFailed, identity.ID, "", meta.IPAddress, "wrong password")
		return &LoginResult{Kind: LoginRejected, Reason: "invalid credentials"}, nil
	}

	session, err := s.createSession(ctx, identity, meta)
	if err != nil {
		return nil, err
	}

	s.limiter.Clear(ctx, LimitLoginPerEmail, email)

	if session.Pending() {
		s.record(ctx, audit.EventLoginSucceeded, identity.ID, session.ID, meta.IPAddress, "pending step-up")
		return &LoginResult{Kind: LoginRequireStepUp, Session: session}, nil
	}
	s.record(ctx, audit.EventLoginSucceeded, identity.ID, session.ID, meta.IPAddress, "")
	return &LoginResult{Kind: LoginDone, Session: session}, nil
}

func (s *AuthService) createSession(ctx context.Context, identity *models.Identity, meta SessionMeta) (*models.Session, error) {
	token, err := crypto.NewSessionToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ttl := s.authCfg.SessionTTL
	verified := true
	if identity.TOTPEnabled {
		ttl = s.authCfg.PendingSessionTTL
		verified = false
	}

	session := &models.Session{
		ID:             uuid.New().String(),
		Token:          token,
		IdentityID:     identity.ID,
		StepUpVerified: verified,
		CreatedAt:      now,
		LastActive:     now,
		ExpiresAt:      now.Add(ttl),
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		Geo:            meta.Geo,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Logout deletes the session behind the token. Unknown tokens are a no-op.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.DeleteByToken(ctx, token)
}

func (s *AuthService) record(ctx context.Context, eventType, identityID, sessionID, ip, details string) {
	s.recorder.Record(ctx, &models.SecurityEvent{
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IPAddress:  ip,
		Details:    details,
	})
}
