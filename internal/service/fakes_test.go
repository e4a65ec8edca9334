package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"identity-service/internal/models"
	"identity-service/internal/repository/mysql"
)

// In-memory stores mirroring the repository semantics, including the
// sentinel errors the services translate.

type fakeIdentityStore struct {
	mu          sync.Mutex
	identities  map[string]*models.Identity
	backupCodes map[string]map[string]bool // identityID -> code hashes
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		identities:  make(map[string]*models.Identity),
		backupCodes: make(map[string]map[string]bool),
	}
}

func (f *fakeIdentityStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.identities {
		if existing.Email == identity.Email {
			return mysql.ErrDuplicateEmail
		}
	}
	clone := *identity
	f.identities[identity.ID] = &clone
	return nil
}

func (f *fakeIdentityStore) GetIdentityByID(_ context.Context, id string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[id]
	if !ok {
		return nil, mysql.ErrNotFound
	}
	clone := *identity
	return &clone, nil
}

func (f *fakeIdentityStore) GetIdentityByEmail(_ context.Context, email string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.identities {
		if identity.Email == email {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (f *fakeIdentityStore) EmailInUse(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.identities {
		if identity.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIdentityStore) UpdateTOTP(_ context.Context, identityID, secretEnc string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[identityID]
	if !ok {
		return mysql.ErrNotFound
	}
	identity.TOTPSecretEnc = secretEnc
	identity.TOTPEnabled = enabled
	return nil
}

func (f *fakeIdentityStore) ReplaceBackupCodes(_ context.Context, identityID string, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]bool, len(codeHashes))
	for _, hash := range codeHashes {
		set[hash] = true
	}
	f.backupCodes[identityID] = set
	return nil
}

func (f *fakeIdentityStore) ConsumeBackupCode(_ context.Context, identityID, codeHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.backupCodes[identityID]
	if !set[codeHash] {
		return false, nil
	}
	delete(set, codeHash)
	return true, nil
}

func (f *fakeIdentityStore) CountBackupCodes(_ context.Context, identityID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backupCodes[identityID]), nil
}

func (f *fakeIdentityStore) DeleteBackupCodes(_ context.Context, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backupCodes, identityID)
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *session
	f.sessions[session.ID] = &clone
	return nil
}

func (f *fakeSessionStore) GetSessionByToken(_ context.Context, token string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.Token == token {
			clone := *session
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (f *fakeSessionStore) GetSessionByID(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id]
	if !ok {
		return nil, mysql.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (f *fakeSessionStore) UpgradeSession(_ context.Context, sessionID string, expiresAt time.Time) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, mysql.ErrNotFound
	}
	if session.StepUpVerified {
		clone := *session
		return &clone, nil
	}
	session.StepUpVerified = true
	session.LastActive = time.Now().UTC()
	session.ExpiresAt = expiresAt
	for id, sibling := range f.sessions {
		if sibling.IdentityID == session.IdentityID && !sibling.StepUpVerified && id != sessionID {
			delete(f.sessions, id)
		}
	}
	clone := *session
	return &clone, nil
}

func (f *fakeSessionStore) ListSessions(_ context.Context, identityID string) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var out []*models.Session
	for _, session := range f.sessions {
		if session.IdentityID == identityID && now.Before(session.ExpiresAt) {
			clone := *session
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out, nil
}

func (f *fakeSessionStore) DeleteSession(_ context.Context, identityID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok || session.IdentityID != identityID {
		return mysql.ErrNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessionStore) DeleteByToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, session := range f.sessions {
		if session.Token == token {
			delete(f.sessions, id)
		}
	}
	return nil
}

func (f *fakeSessionStore) DeleteAllExcept(_ context.Context, identityID, keepSessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for id, session := range f.sessions {
		if session.IdentityID == identityID && id != keepSessionID {
			delete(f.sessions, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[sessionID]; ok {
		session.LastActive = time.Now().UTC()
	}
	return nil
}

type fakeEmailChangeStore struct {
	mu       sync.Mutex
	changes  map[string]*models.PendingEmailChange
	sessions *fakeSessionStore
	ids      *fakeIdentityStore
}

func newFakeEmailChangeStore(ids *fakeIdentityStore, sessions *fakeSessionStore) *fakeEmailChangeStore {
	return &fakeEmailChangeStore{
		changes:  make(map[string]*models.PendingEmailChange),
		sessions: sessions,
		ids:      ids,
	}
}

func (f *fakeEmailChangeStore) SupersedeAndCreate(_ context.Context, change *models.PendingEmailChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range f.changes {
		if existing.IdentityID == change.IdentityID && !existing.Finalized && !existing.Cancelled {
			existing.Cancelled = true
			existing.CancelledAt = &now
		}
	}
	clone := *change
	f.changes[change.ID] = &clone
	return nil
}

func (f *fakeEmailChangeStore) GetByVerifyToken(_ context.Context, token string) (*models.PendingEmailChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, change := range f.changes {
		if change.VerifyToken == token {
			clone := *change
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (f *fakeEmailChangeStore) GetByCancelToken(_ context.Context, token string) (*models.PendingEmailChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, change := range f.changes {
		if change.CancelToken == token {
			clone := *change
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (f *fakeEmailChangeStore) GetActiveByIdentity(_ context.Context, identityID string) (*models.PendingEmailChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	var newest *models.PendingEmailChange
	for _, change := range f.changes {
		if change.IdentityID == identityID && !change.Terminal(now) {
			if newest == nil || change.CreatedAt.After(newest.CreatedAt) {
				newest = change
			}
		}
	}
	if newest == nil {
		return nil, mysql.ErrNotFound
	}
	clone := *newest
	return &clone, nil
}

func (f *fakeEmailChangeStore) NewEmailTargeted(_ context.Context, email, excludeIdentityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, change := range f.changes {
		if change.NewEmail == email && change.IdentityID != excludeIdentityID && !change.Terminal(now) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEmailChangeStore) Finalize(ctx context.Context, changeID, keepSessionID string) (int64, error) {
	f.mu.Lock()
	change, ok := f.changes[changeID]
	if !ok {
		f.mu.Unlock()
		return 0, mysql.ErrNotFound
	}
	now := time.Now().UTC()
	if change.Finalized || change.Cancelled || !now.Before(change.ExpiresAt) {
		f.mu.Unlock()
		return 0, mysql.ErrConflict
	}
	f.mu.Unlock()

	taken, err := f.ids.EmailInUse(ctx, change.NewEmail)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, mysql.ErrDuplicateEmail
	}

	f.ids.mu.Lock()
	if identity, ok := f.ids.identities[change.IdentityID]; ok {
		identity.Email = change.NewEmail
		identity.EmailVerified = true
	}
	f.ids.mu.Unlock()

	f.mu.Lock()
	change.Finalized = true
	change.FinalizedAt = &now
	f.mu.Unlock()

	return f.sessions.DeleteAllExcept(ctx, change.IdentityID, keepSessionID)
}

func (f *fakeEmailChangeStore) MarkCancelled(_ context.Context, changeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	change, ok := f.changes[changeID]
	if !ok {
		return mysql.ErrNotFound
	}
	if change.Finalized || change.Cancelled {
		return mysql.ErrConflict
	}
	now := time.Now().UTC()
	change.Cancelled = true
	change.CancelledAt = &now
	return nil
}

// plainSecretBox stores secrets unencrypted; good enough for service tests.
type plainSecretBox struct{}

func (plainSecretBox) EncryptSecret(_ context.Context, plaintext string) (string, error) {
	return plaintext, nil
}

func (plainSecretBox) DecryptSecret(_ context.Context, serialized string) (string, error) {
	return serialized, nil
}

// countingLimiter enforces limits in memory and records what was checked.
type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCountingLimiter() *countingLimiter {
	return &countingLimiter{counts: make(map[string]int64)}
}

func (l *countingLimiter) Check(_ context.Context, limit Limit, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := limit.Name + ":" + subject
	l.counts[key]++
	if l.counts[key] > limit.Max {
		return &RateLimitError{Remaining: 0, ResetIn: limit.Window}
	}
	return nil
}

func (l *countingLimiter) Clear(_ context.Context, limit Limit, subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, limit.Name+":"+subject)
}

// recordingNotifier captures notification calls for assertions.
type recordingNotifier struct {
	mu            sync.Mutex
	verifications []string // new emails that got a verify link
	notices       []string // old emails that got a cancel link
	security      []string
}

func (n *recordingNotifier) SendEmailChangeVerification(_ context.Context, newEmail, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verifications = append(n.verifications, newEmail)
	return nil
}

func (n *recordingNotifier) SendEmailChangeNotice(_ context.Context, oldEmail, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, oldEmail)
	return nil
}

func (n *recordingNotifier) SendSecurityNotice(_ context.Context, email, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.security = append(n.security, email)
	return nil
}
