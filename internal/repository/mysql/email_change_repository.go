package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/models"
)

// EmailChangeRepository persists pending email changes and performs the
// transactional finalize.
type EmailChangeRepository struct {
	db *sql.DB
}

func NewEmailChangeRepository(db *sql.DB) *EmailChangeRepository {
	return &EmailChangeRepository{db: db}
}

const emailChangeColumns = `id, identity_id, old_email, new_email, verify_token, cancel_token, expires_at, finalized, finalized_at, cancelled, cancelled_at, created_at`

func scanEmailChange(row interface{ Scan(...interface{}) error }) (*models.PendingEmailChange, error) {
	var (
		change      models.PendingEmailChange
		finalizedAt sql.NullTime
		cancelledAt sql.NullTime
	)
	err := row.Scan(
		&change.ID,
		&change.IdentityID,
		&change.OldEmail,
		&change.NewEmail,
		&change.VerifyToken,
		&change.CancelToken,
		&change.ExpiresAt,
		&change.Finalized,
		&finalizedAt,
		&change.Cancelled,
		&cancelledAt,
		&change.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if finalizedAt.Valid {
		change.FinalizedAt = &finalizedAt.Time
	}
	if cancelledAt.Valid {
		change.CancelledAt = &cancelledAt.Time
	}
	return &change, nil
}

// SupersedeAndCreate cancels any live pending change for the identity and
// inserts the new one, in a single transaction. At most one change per
// identity is ever actionable.
func (r *EmailChangeRepository) SupersedeAndCreate(ctx context.Context, change *models.PendingEmailChange) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE email_changes SET cancelled = TRUE, cancelled_at = ?
		 WHERE identity_id = ? AND finalized = FALSE AND cancelled = FALSE`,
		now, change.IdentityID)
	if err != nil {
		return fmt.Errorf("failed to supersede pending change: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO email_changes (`+emailChangeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, NULL, FALSE, NULL, ?)`,
		change.ID,
		change.IdentityID,
		change.OldEmail,
		change.NewEmail,
		change.VerifyToken,
		change.CancelToken,
		change.ExpiresAt,
		change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pending change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending change: %w", err)
	}
	return nil
}

func (r *EmailChangeRepository) GetByVerifyToken(ctx context.Context, token string) (*models.PendingEmailChange, error) {
	query := `SELECT ` + emailChangeColumns + ` FROM email_changes WHERE verify_token = ?`
	change, err := scanEmailChange(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email change: %w", err)
	}
	return change, nil
}

func (r *EmailChangeRepository) GetByCancelToken(ctx context.Context, token string) (*models.PendingEmailChange, error) {
	query := `SELECT ` + emailChangeColumns + ` FROM email_changes WHERE cancel_token = ?`
	change, err := scanEmailChange(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email change: %w", err)
	}
	return change, nil
}

// GetActiveByIdentity returns the identity's live pending change, if any.
func (r *EmailChangeRepository) GetActiveByIdentity(ctx context.Context, identityID string) (*models.PendingEmailChange, error) {
	query := `SELECT ` + emailChangeColumns + ` FROM email_changes
		WHERE identity_id = ? AND finalized = FALSE AND cancelled = FALSE AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`
	change, err := scanEmailChange(r.db.QueryRowContext(ctx, query, identityID, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending change: %w", err)
	}
	return change, nil
}

// NewEmailTargeted reports whether another identity has a live pending
// change claiming the address.
func (r *EmailChangeRepository) NewEmailTargeted(ctx context.Context, email, excludeIdentityID string) (bool, error) {
	var targeted bool
	query := `SELECT EXISTS(
		SELECT 1 FROM email_changes
		WHERE new_email = ? AND identity_id != ?
		  AND finalized = FALSE AND cancelled = FALSE AND expires_at > ?)`
	err := r.db.QueryRowContext(ctx, query, email, excludeIdentityID, time.Now().UTC()).Scan(&targeted)
	if err != nil {
		return false, fmt.Errorf("failed to check pending targets: %w", err)
	}
	return targeted, nil
}

// Finalize commits a verified email change in one transaction: lock the
// change row, re-check that the target address is still free, move the
// identity to the new address, mark the change finalized, and revoke every
// session of the identity except keepSessionID (all of them when empty).
// The uniqueness re-check under the transaction closes the window between
// requesting the change and verifying it.
func (r *EmailChangeRepository) Finalize(ctx context.Context, changeID, keepSessionID string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + emailChangeColumns + ` FROM email_changes WHERE id = ? FOR UPDATE`
	change, err := scanEmailChange(tx.QueryRowContext(ctx, query, changeID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock email change: %w", err)
	}

	now := time.Now().UTC()
	if change.Finalized || change.Cancelled {
		return 0, ErrConflict
	}
	if !now.Before(change.ExpiresAt) {
		return 0, ErrConflict
	}

	var taken bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM identities WHERE email = ? AND id != ?)`,
		change.NewEmail, change.IdentityID).Scan(&taken)
	if err != nil {
		return 0, fmt.Errorf("failed to re-check email: %w", err)
	}
	if taken {
		return 0, ErrDuplicateEmail
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE identities SET email = ?, email_verified = TRUE, updated_at = ? WHERE id = ?`,
		change.NewEmail, now, change.IdentityID)
	if err != nil {
		return 0, fmt.Errorf("failed to update identity email: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE email_changes SET finalized = TRUE, finalized_at = ? WHERE id = ?`,
		now, changeID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark change finalized: %w", err)
	}

	var result sql.Result
	if keepSessionID != "" {
		result, err = tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE identity_id = ? AND id != ?`,
			change.IdentityID, keepSessionID)
	} else {
		result, err = tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE identity_id = ?`, change.IdentityID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	revoked, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit email change: %w", err)
	}
	return revoked, nil
}

// MarkCancelled cancels a pending change. The WHERE guard makes cancelling
// a finalized or already-cancelled change a no-op reported as ErrConflict.
func (r *EmailChangeRepository) MarkCancelled(ctx context.Context, changeID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE email_changes SET cancelled = TRUE, cancelled_at = ?
		 WHERE id = ? AND finalized = FALSE AND cancelled = FALSE`,
		time.Now().UTC(), changeID)
	if err != nil {
		return fmt.Errorf("failed to cancel email change: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to cancel email change: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}
