package service

import (
	"context"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/models"
)

// TOTPEnrollment is returned once from EnrollTOTP; the secret is never
// retrievable again.
type TOTPEnrollment struct {
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
}

// MFAService manages TOTP enrollment and backup codes.
type MFAService struct {
	identities IdentityStore
	secrets    SecretBox
	recorder   audit.Recorder
	authCfg    config.AuthConfig
}

func NewMFAService(identities IdentityStore, secrets SecretBox, recorder audit.Recorder, authCfg config.AuthConfig) *MFAService {
	return &MFAService{
		identities: identities,
		secrets:    secrets,
		recorder:   recorder,
		authCfg:    authCfg,
	}
}

// EnrollTOTP generates a secret for the identity and stores it encrypted
// but disabled. The identity keeps logging in without a second factor until
// ActivateTOTP proves the authenticator works.
func (s *MFAService) EnrollTOTP(ctx context.Context, identity *models.Identity) (*TOTPEnrollment, error) {
	if identity.TOTPEnabled {
		return nil, ErrConflict
	}

	secret, otpauthURL, err := crypto.GenerateTOTPSecret(s.authCfg.TOTPIssuer, identity.Email)
	if err != nil {
		return nil, err
	}
	secretEnc, err := s.secrets.EncryptSecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	if err := s.identities.UpdateTOTP(ctx, identity.ID, secretEnc, false); err != nil {
		return nil, translateStoreError(err)
	}

	s.record(ctx, audit.EventTotpEnrolled, identity.ID)
	return &TOTPEnrollment{Secret: secret, OtpauthURL: otpauthURL}, nil
}

// ActivateTOTP enables the enrolled secret once the identity proves it can
// produce a valid code, and issues the initial backup-code set. The codes
// are returned exactly once.
func (s *MFAService) ActivateTOTP(ctx context.Context, identity *models.Identity, code string) ([]string, error) {
	if identity.TOTPEnabled {
		return nil, ErrConflict
	}
	if identity.TOTPSecretEnc == "" {
		return nil, ErrInvalidInput
	}

	secret, err := s.secrets.DecryptSecret(ctx, identity.TOTPSecretEnc)
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyTOTP(secret, code, time.Now().UTC()) {
		return nil, ErrInvalidCredentials
	}

	if err := s.identities.UpdateTOTP(ctx, identity.ID, identity.TOTPSecretEnc, true); err != nil {
		return nil, translateStoreError(err)
	}

	codes, err := s.issueBackupCodes(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventTotpActivated, identity.ID)
	return codes, nil
}

// GenerateBackupCodes replaces the identity's backup codes with a fresh
// set. Callers gate this behind step-up; any previously unused codes stop
// working.
func (s *MFAService) GenerateBackupCodes(ctx context.Context, identity *models.Identity) ([]string, error) {
	if !identity.TOTPEnabled {
		return nil, ErrConflict
	}
	codes, err := s.issueBackupCodes(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *MFAService) issueBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	codes, err := crypto.GenerateBackupCodes(s.authCfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = crypto.HashBackupCode(code)
	}
	if err := s.identities.ReplaceBackupCodes(ctx, identityID, hashes); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventBackupCodesIssued, identityID)
	return codes, nil
}

// RemainingBackupCodes is the only query the stored set answers; the codes
// themselves are gone after generation.
func (s *MFAService) RemainingBackupCodes(ctx context.Context, identityID string) (int, error) {
	return s.identities.CountBackupCodes(ctx, identityID)
}

// DisableTOTP turns the second factor off and discards the backup codes.
// Callers gate this behind step-up.
func (s *MFAService) DisableTOTP(ctx context.Context, identity *models.Identity) error {
	if !identity.TOTPEnabled {
		return ErrConflict
	}
	if err := s.identities.UpdateTOTP(ctx, identity.ID, "", false); err != nil {
		return translateStoreError(err)
	}
	if err := s.identities.DeleteBackupCodes(ctx, identity.ID); err != nil {
		return err
	}
	s.record(ctx, audit.EventTotpDisabled, identity.ID)
	return nil
}

func (s *MFAService) record(ctx context.Context, eventType, identityID string) {
	s.recorder.Record(ctx, &models.SecurityEvent{
		EventType:  eventType,
		IdentityID: identityID,
	})
}
