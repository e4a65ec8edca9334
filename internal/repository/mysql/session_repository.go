package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/models"
)

// SessionRepository persists login sessions. Pending sessions (password
// verified, second factor outstanding) and full sessions live in the same
// table distinguished by step_up_verified.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, token, identity_id, step_up_verified, created_at, last_active, expires_at, ip_address, user_agent, geo`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID,
		&s.Token,
		&s.IdentityID,
		&s.StepUpVerified,
		&s.CreatedAt,
		&s.LastActive,
		&s.ExpiresAt,
		&s.IPAddress,
		&s.UserAgent,
		&s.Geo,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *models.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.Token,
		session.IdentityID,
		session.StepUpVerified,
		session.CreatedAt,
		session.LastActive,
		session.ExpiresAt,
		session.IPAddress,
		session.UserAgent,
		session.Geo,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (r *SessionRepository) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpgradeSession promotes a pending session to a full session and deletes
// every other pending session of the same identity, in one transaction. The
// row lock on the upgraded session means two concurrent upgrades of sibling
// pendings serialize; whichever commits second no longer finds its row.
func (r *SessionRepository) UpgradeSession(ctx context.Context, sessionID string, expiresAt time.Time) (*models.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? FOR UPDATE`
	session, err := scanSession(tx.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if session.StepUpVerified {
		// A racing upgrade already won; repeating the upgrade is a no-op
		// success, same as the unraced repeat.
		return session, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET step_up_verified = TRUE, last_active = ?, expires_at = ? WHERE id = ?`,
		now, expiresAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE identity_id = ? AND step_up_verified = FALSE AND id != ?`,
		session.IdentityID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to prune pending sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session upgrade: %w", err)
	}

	session.StepUpVerified = true
	session.LastActive = now
	session.ExpiresAt = expiresAt
	return session, nil
}

// ListSessions returns the identity's unexpired sessions, most recent
// activity first.
func (r *SessionRepository) ListSessions(ctx context.Context, identityID string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE identity_id = ? AND expires_at > ?
		ORDER BY last_active DESC`

	rows, err := r.db.QueryContext(ctx, query, identityID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession revokes a single session owned by the identity.
func (r *SessionRepository) DeleteSession(ctx context.Context, identityID, sessionID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND identity_id = ?`,
		sessionID, identityID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByToken removes whichever session carries the token. Used for
// logout, where a missing row is not an error.
func (r *SessionRepository) DeleteByToken(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteAllExcept removes every session of the identity except the one
// identified by keepSessionID, returning the number revoked. The single
// DELETE makes the operation atomic server-side.
func (r *SessionRepository) DeleteAllExcept(ctx context.Context, identityID, keepSessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE identity_id = ? AND id != ?`,
		identityID, keepSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return affected, nil
}

// TouchSession records activity on a session. Best effort; callers ignore
// the error.
func (r *SessionRepository) TouchSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	return err
}

// DeleteExpired clears sessions past their expiry. Run periodically.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
