package service

import (
	"context"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// SessionService resolves tokens and manages the session list.
type SessionService struct {
	sessions SessionStore
	recorder audit.Recorder
}

func NewSessionService(sessions SessionStore, recorder audit.Recorder) *SessionService {
	return &SessionService{sessions: sessions, recorder: recorder}
}

// Authenticate resolves a bearer token to its session. Expired or unknown
// tokens both come back ErrUnauthorized; the caller cannot tell which.
func (s *SessionService) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	session, err := s.sessions.GetSessionByToken(ctx, token)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		return nil, ErrUnauthorized
	}

	if err := s.sessions.TouchSession(ctx, session.ID); err != nil {
		util.Warn("Failed to touch session", util.ErrorField(err))
	}
	return session, nil
}

// List returns the identity's live sessions, most recently active first.
// The caller marks which one is its own; the store has no notion of
// "current".
func (s *SessionService) List(ctx context.Context, identityID string) ([]*models.Session, error) {
	return s.sessions.ListSessions(ctx, identityID)
}

// Revoke deletes one session owned by the requester. Revoking a session of
// another identity is Forbidden regardless of whether it exists.
func (s *SessionService) Revoke(ctx context.Context, requesterIdentityID, sessionID string) error {
	session, err := s.sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if session.IdentityID != requesterIdentityID {
		return ErrForbidden
	}
	if err := s.sessions.DeleteSession(ctx, requesterIdentityID, sessionID); err != nil {
		return translateStoreError(err)
	}

	s.recorder.Record(ctx, &models.SecurityEvent{
		EventType:  audit.EventSessionRevoked,
		IdentityID: requesterIdentityID,
		SessionID:  sessionID,
	})
	return nil
}

// RevokeAllExcept deletes every session of the identity except the one
// behind keepToken, in one server-side operation, and returns how many were
// revoked.
func (s *SessionService) RevokeAllExcept(ctx context.Context, identityID, keepToken string) (int64, error) {
	keep, err := s.sessions.GetSessionByToken(ctx, keepToken)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrUnauthorized
		}
		return 0, err
	}
	if keep.IdentityID != identityID {
		return 0, ErrForbidden
	}

	count, err := s.sessions.DeleteAllExcept(ctx, identityID, keep.ID)
	if err != nil {
		return 0, err
	}

	s.recorder.Record(ctx, &models.SecurityEvent{
		EventType:  audit.EventSessionsBulkRevoked,
		IdentityID: identityID,
		SessionID:  keep.ID,
	})
	return count, nil
}
