package service

import (
	"context"
	"strings"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/models"
	"identity-service/internal/notifier"
	"identity-service/internal/util"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChangePreview is what the cancel link shows before any action is taken.
// Both addresses are masked so the page leaks neither in full.
type ChangePreview struct {
	OldEmail  string    `json:"old_email"`
	NewEmail  string    `json:"new_email"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// EmailChangeService orchestrates the two-token email change.
type EmailChangeService struct {
	identities IdentityStore
	changes    EmailChangeStore
	sessions   SessionStore
	stepUp     *StepUpService
	limiter    Limiter
	notify     notifier.Notifier
	recorder   audit.Recorder
	authCfg    config.AuthConfig
}

func NewEmailChangeService(
	identities IdentityStore,
	changes EmailChangeStore,
	sessions SessionStore,
	stepUp *StepUpService,
	limiter Limiter,
	notify notifier.Notifier,
	recorder audit.Recorder,
	authCfg config.AuthConfig,
) *EmailChangeService {
	return &EmailChangeService{
		identities: identities,
		changes:    changes,
		sessions:   sessions,
		stepUp:     stepUp,
		limiter:    limiter,
		notify:     notify,
		recorder:   recorder,
		authCfg:    authCfg,
	}
}

// RequestChange starts a change of the identity's email. The caller must
// pass the step-up gate; any previous live request is superseded. Emails go
// out after the record commits, and a failed send leaves the record in
// place: the identity keeps working under the old address until it acts.
func (s *EmailChangeService) RequestChange(ctx context.Context, identity *models.Identity, session *models.Session, newEmail, stepUpCode string) (*models.PendingEmailChange, error) {
	if err := s.limiter.Check(ctx, LimitEmailChangePerID, identity.ID); err != nil {
		return nil, err
	}
	if err := s.stepUp.Require(ctx, identity, session, stepUpCode); err != nil {
		return nil, err
	}

	newEmail = util.NormalizeEmail(newEmail)
	if newEmail == "" || !strings.Contains(newEmail, "@") {
		return nil, ErrInvalidInput
	}
	if newEmail == identity.Email {
		return nil, ErrInvalidInput
	}

	inUse, err := s.identities.EmailInUse(ctx, newEmail)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, ErrEmailTaken
	}
	targeted, err := s.changes.NewEmailTargeted(ctx, newEmail, identity.ID)
	if err != nil {
		return nil, err
	}
	if targeted {
		return nil, ErrEmailTaken
	}

	verifyToken, err := crypto.NewEmailChangeToken()
	if err != nil {
		return nil, err
	}
	cancelToken, err := crypto.NewEmailChangeToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	change := &models.PendingEmailChange{
		ID:          uuid.New().String(),
		IdentityID:  identity.ID,
		OldEmail:    identity.Email,
		NewEmail:    newEmail,
		VerifyToken: verifyToken,
		CancelToken: cancelToken,
		ExpiresAt:   now.Add(s.authCfg.EmailChangeTTL),
		CreatedAt:   now,
	}
	if err := s.changes.SupersedeAndCreate(ctx, change); err != nil {
		return nil, err
	}

	s.record(ctx, audit.EventEmailChangeRequested, identity.ID, session.ID, session.IPAddress,
		util.MaskEmail(newEmail))
	s.sendRequestMail(change)
	return change, nil
}

// sendRequestMail delivers both messages concurrently, detached from the
// request so a slow relay cannot stall the response or get cancelled with
// it.
func (s *EmailChangeService) sendRequestMail(change *models.PendingEmailChange) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return s.notify.SendEmailChangeVerification(ctx, change.NewEmail, change.VerifyToken)
		})
		g.Go(func() error {
			return s.notify.SendEmailChangeNotice(ctx, change.OldEmail, util.MaskEmail(change.NewEmail), change.CancelToken)
		})
		if err := g.Wait(); err != nil {
			util.Warn("Failed to deliver email-change mail",
				util.String("change_id", change.ID),
				util.ErrorField(err))
		}
	}()
}

// Verify finalizes the change behind a verify token. The repository runs
// the uniqueness re-check, identity update, finalize flag, and session
// cascade as one transaction; the session presenting currentSessionToken
// survives the cascade when it belongs to the same identity.
func (s *EmailChangeService) Verify(ctx context.Context, verifyToken, currentSessionToken string) error {
	change, err := s.changes.GetByVerifyToken(ctx, verifyToken)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	switch {
	case change.Finalized:
		return ErrAlreadyCompleted
	case change.Cancelled:
		return ErrConflict
	case !now.Before(change.ExpiresAt):
		return ErrExpired
	}

	keepSessionID := ""
	if currentSessionToken != "" {
		if session, err := s.sessions.GetSessionByToken(ctx, currentSessionToken); err == nil && session.IdentityID == change.IdentityID {
			keepSessionID = session.ID
		}
	}

	revoked, err := s.changes.Finalize(ctx, change.ID, keepSessionID)
	if err != nil {
		return translateStoreError(err)
	}

	s.record(ctx, audit.EventEmailChangeFinalized, change.IdentityID, keepSessionID, "",
		util.MaskEmail(change.NewEmail))
	util.Info("Email change finalized",
		util.String("identity_id", change.IdentityID),
		util.Int("sessions_revoked", int(revoked)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notify.SendSecurityNotice(ctx, change.OldEmail,
			"Your account email was changed",
			"The email on your account was changed to "+util.MaskEmail(change.NewEmail)+". Other sessions were signed out."); err != nil {
			util.Warn("Failed to deliver email-change notice", util.ErrorField(err))
		}
	}()
	return nil
}

// Preview returns the masked shape of the change behind a cancel token so
// the link target can be shown before acting on it.
func (s *EmailChangeService) Preview(ctx context.Context, cancelToken string) (*ChangePreview, error) {
	change, err := s.changes.GetByCancelToken(ctx, cancelToken)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	status := "pending"
	switch {
	case change.Finalized:
		status = "finalized"
	case change.Cancelled:
		status = "cancelled"
	case !now.Before(change.ExpiresAt):
		status = "expired"
	}

	return &ChangePreview{
		OldEmail:  util.MaskEmail(change.OldEmail),
		NewEmail:  util.MaskEmail(change.NewEmail),
		ExpiresAt: change.ExpiresAt,
		Status:    status,
	}, nil
}

// Cancel stops a pending change. It needs no session: the unguessable
// token mailed to the old address is the credential, so the call is
// rate-limited per IP to blunt token guessing.
func (s *EmailChangeService) Cancel(ctx context.Context, cancelToken, ipAddress string) error {
	if err := s.limiter.Check(ctx, LimitCancelPerIP, ipAddress); err != nil {
		return err
	}

	change, err := s.changes.GetByCancelToken(ctx, cancelToken)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}

	now := time.Now().UTC()
	switch {
	case change.Finalized:
		return ErrAlreadyCompleted
	case change.Cancelled:
		return ErrConflict
	case !now.Before(change.ExpiresAt):
		return ErrExpired
	}

	if err := s.changes.MarkCancelled(ctx, change.ID); err != nil {
		return translateStoreError(err)
	}

	s.record(ctx, audit.EventEmailChangeCancelled, change.IdentityID, "", ipAddress, "")
	return nil
}

func (s *EmailChangeService) record(ctx context.Context, eventType, identityID, sessionID, ip, details string) {
	s.recorder.Record(ctx, &models.SecurityEvent{
		EventType:  eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IPAddress:  ip,
		Details:    details,
	})
}
