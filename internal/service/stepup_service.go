package service

import (
	"context"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/models"
)

// StepUpService verifies second factors. It backs two flows: upgrading a
// pending session after login, and the inline gate in front of sensitive
// mutations. Neither flow persists a "recently verified" marker; every
// sensitive call re-verifies.
type StepUpService struct {
	identities IdentityStore
	sessions   SessionStore
	secrets    SecretBox
	limiter    Limiter
	recorder   audit.Recorder
	authCfg    config.AuthConfig
}

func NewStepUpService(
	identities IdentityStore,
	sessions SessionStore,
	secrets SecretBox,
	limiter Limiter,
	recorder audit.Recorder,
	authCfg config.AuthConfig,
) *StepUpService {
	return &StepUpService{
		identities: identities,
		sessions:   sessions,
		secrets:    secrets,
		limiter:    limiter,
		recorder:   recorder,
		authCfg:    authCfg,
	}
}

// UpgradeSession turns a pending session into a full one after the code
// checks out. An already-upgraded session is a no-op success. The upgrade
// also prunes the identity's other pending sessions left behind by
// abandoned login attempts.
func (s *StepUpService) UpgradeSession(ctx context.Context, sessionToken, code string) (*models.Session, error) {
	session, err := s.sessions.GetSessionByToken(ctx, sessionToken)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	now := time.Now().UTC()
	if session.Expired(now) {
		return nil, ErrSessionExpired
	}
	if session.StepUpVerified {
		return session, nil
	}

	if err := s.limiter.Check(ctx, LimitStepUpPerSession, session.ID); err != nil {
		return nil, err
	}

	identity, err := s.identities.GetIdentityByID(ctx, session.IdentityID)
	if err != nil {
		return nil, err
	}

	method, ok, err := s.verifyFactor(ctx, identity, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.record(ctx, audit.EventStepUpFailed, identity.ID, session.ID, session.IPAddress, method)
		return nil, ErrStepUpRequired
	}

	upgraded, err := s.sessions.UpgradeSession(ctx, session.ID, now.Add(s.authCfg.SessionTTL))
	if err != nil {
		if isNotFound(err) {
			// A concurrent upgrade of a sibling pending session pruned
			// this one between our read and the upgrade.
			return nil, ErrSessionExpired
		}
		return nil, translateStoreError(err)
	}

	s.record(ctx, audit.EventStepUpSucceeded, identity.ID, upgraded.ID, session.IPAddress, method)
	if method == "backup_code" {
		s.record(ctx, audit.EventBackupCodeUsed, identity.ID, upgraded.ID, session.IPAddress, "")
	}
	return upgraded, nil
}

// Require is the inline gate. Identities without MFA pass unconditionally.
// With MFA enabled, a missing or wrong code yields ErrStepUpRequired so the
// caller can prompt for one and retry.
func (s *StepUpService) Require(ctx context.Context, identity *models.Identity, session *models.Session, code string) error {
	if !identity.TOTPEnabled {
		return nil
	}
	if code == "" {
		return ErrStepUpRequired
	}
	if err := s.limiter.Check(ctx, LimitStepUpPerSession, session.ID); err != nil {
		return err
	}

	method, ok, err := s.verifyFactor(ctx, identity, code)
	if err != nil {
		return err
	}
	if !ok {
		s.record(ctx, audit.EventStepUpFailed, identity.ID, session.ID, session.IPAddress, method)
		return ErrStepUpRequired
	}
	s.record(ctx, audit.EventStepUpSucceeded, identity.ID, session.ID, session.IPAddress, method)
	if method == "backup_code" {
		s.record(ctx, audit.EventBackupCodeUsed, identity.ID, session.ID, session.IPAddress, "")
	}
	return nil
}

// verifyFactor tries the code as a TOTP first, then as a backup code. The
// backup-code path burns the code atomically with the check.
func (s *StepUpService) verifyFactor(ctx context.Context, identity *models.Identity, code string) (string, bool, error) {
	if identity.TOTPSecretEnc != "" {
		secret, err := s.secrets.DecryptSecret(ctx, identity.TOTPSecretEnc)
		if err != nil {
			return "totp", false, err
		}
		if crypto.VerifyTOTP(secret, code, time.Now().UTC()) {
			return "totp", true, nil
		}
	}

	consumed, err := s.identities.ConsumeBackupCode(ctx, identity.ID, crypto.HashBackupCode(code))
	if err != nil {
		return "backup_code", false, err
	}
	if consumed {
		return "backup_code", true, nil
	}
	return "totp", false, nil
}

func (s *StepUpService) record(ctx context.Context, eventType, identityID, sessionID, ip, details string) {
	s.recorder.Record(ctx, &models.SecurityEvent{
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IPAddress:  ip,
		Details:    details,
	})
}
