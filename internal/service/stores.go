package service

import (
	"context"
	"time"

	"identity-service/internal/models"
)

// Store interfaces consumed by the services. The mysql repositories satisfy
// them in production; tests inject in-memory fakes.

type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	GetIdentityByID(ctx context.Context, id string) (*models.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error)
	EmailInUse(ctx context.Context, email string) (bool, error)
	UpdateTOTP(ctx context.Context, identityID, secretEnc string, enabled bool) error
	ReplaceBackupCodes(ctx context.Context, identityID string, codeHashes []string) error
	ConsumeBackupCode(ctx context.Context, identityID, codeHash string) (bool, error)
	CountBackupCodes(ctx context.Context, identityID string) (int, error)
	DeleteBackupCodes(ctx context.Context, identityID string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSessionByToken(ctx context.Context, token string) (*models.Session, error)
	GetSessionByID(ctx context.Context, id string) (*models.Session, error)
	UpgradeSession(ctx context.Context, sessionID string, expiresAt time.Time) (*models.Session, error)
	ListSessions(ctx context.Context, identityID string) ([]*models.Session, error)
	DeleteSession(ctx context.Context, identityID, sessionID string) error
	DeleteByToken(ctx context.Context, token string) error
	DeleteAllExcept(ctx context.Context, identityID, keepSessionID string) (int64, error)
	TouchSession(ctx context.Context, sessionID string) error
}

type EmailChangeStore interface {
	SupersedeAndCreate(ctx context.Context, change *models.PendingEmailChange) error
	GetByVerifyToken(ctx context.Context, token string) (*models.PendingEmailChange, error)
	GetByCancelToken(ctx context.Context, token string) (*models.PendingEmailChange, error)
	GetActiveByIdentity(ctx context.Context, identityID string) (*models.PendingEmailChange, error)
	NewEmailTargeted(ctx context.Context, email, excludeIdentityID string) (bool, error)
	Finalize(ctx context.Context, changeID, keepSessionID string) (int64, error)
	MarkCancelled(ctx context.Context, changeID string) error
}

// SecretBox hides TOTP secrets at rest. The encryption manager satisfies it.
type SecretBox interface {
	EncryptSecret(ctx context.Context, plaintext string) (string, error)
	DecryptSecret(ctx context.Context, serialized string) (string, error)
}

// Limiter is the slice of RateLimitService the other services need.
type Limiter interface {
	Check(ctx context.Context, limit Limit, subject string) error
	Clear(ctx context.Context, limit Limit, subject string)
}
