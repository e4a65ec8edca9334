package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/models"

	driver "github.com/go-sql-driver/mysql"
)

const mysqlErrDuplicateEntry = 1062

// IdentityRepository persists identities and their MFA material.
type IdentityRepository struct {
	db *sql.DB
}

func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `id, email, email_verified, password_hash, totp_secret_enc, totp_enabled, created_at, updated_at`

func scanIdentity(row interface{ Scan(...interface{}) error }) (*models.Identity, error) {
	var (
		identity  models.Identity
		updatedAt sql.NullTime
	)
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.EmailVerified,
		&identity.PasswordHash,
		&identity.TOTPSecretEnc,
		&identity.TOTPEnabled,
		&identity.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		identity.UpdatedAt = &updatedAt.Time
	}
	return &identity, nil
}

func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	query := `INSERT INTO identities (id, email, email_verified, password_hash, totp_secret_enc, totp_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		identity.ID,
		identity.Email,
		identity.EmailVerified,
		identity.PasswordHash,
		identity.TOTPSecretEnc,
		identity.TOTPEnabled,
		identity.CreatedAt,
	)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

func (r *IdentityRepository) GetIdentityByID(ctx context.Context, id string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = ?`

	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return identity, nil
}

func (r *IdentityRepository) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE email = ?`

	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity by email: %w", err)
	}
	return identity, nil
}

// EmailInUse reports whether any identity currently owns the address.
func (r *IdentityRepository) EmailInUse(ctx context.Context, email string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM identities WHERE email = ?)`
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// UpdateTOTP stores the encrypted TOTP secret and enabled flag. An empty
// secret with enabled=false fully disables MFA.
func (r *IdentityRepository) UpdateTOTP(ctx context.Context, identityID, secretEnc string, enabled bool) error {
	query := `UPDATE identities SET totp_secret_enc = ?, totp_enabled = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, secretEnc, enabled, time.Now().UTC(), identityID)
	if err != nil {
		return fmt.Errorf("failed to update totp settings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update totp settings: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceBackupCodes deletes any existing backup codes for the identity and
// stores the new set in a single transaction.
func (r *IdentityRepository) ReplaceBackupCodes(ctx context.Context, identityID string, codeHashes []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE identity_id = ?`, identityID); err != nil {
		return fmt.Errorf("failed to clear backup codes: %w", err)
	}

	now := time.Now().UTC()
	for _, hash := range codeHashes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (identity_id, code_hash, created_at) VALUES (?, ?, ?)`,
			identityID, hash, now)
		if err != nil {
			return fmt.Errorf("failed to insert backup code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit backup codes: %w", err)
	}
	return nil
}

// ConsumeBackupCode deletes the matching backup code and reports whether it
// existed. The DELETE makes the check-and-burn atomic: two concurrent
// attempts with the same code cannot both succeed.
func (r *IdentityRepository) ConsumeBackupCode(ctx context.Context, identityID, codeHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE identity_id = ? AND code_hash = ?`,
		identityID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return affected == 1, nil
}

func (r *IdentityRepository) CountBackupCodes(ctx context.Context, identityID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM backup_codes WHERE identity_id = ?`
	if err := r.db.QueryRowContext(ctx, query, identityID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}

// DeleteBackupCodes removes all backup codes for the identity.
func (r *IdentityRepository) DeleteBackupCodes(ctx context.Context, identityID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE identity_id = ?`, identityID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	return nil
}
