package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/models"
	"identity-service/internal/notifier"
	"identity-service/internal/repository/mysql"
	"identity-service/internal/service"

	"github.com/stretchr/testify/require"
)

// In-memory stores backing the full router in tests.

type memIdentityStore struct {
	mu          sync.Mutex
	identities  map[string]*models.Identity
	backupCodes map[string]map[string]bool
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		identities:  make(map[string]*models.Identity),
		backupCodes: make(map[string]map[string]bool),
	}
}

func (m *memIdentityStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.identities {
		if existing.Email == identity.Email {
			return mysql.ErrDuplicateEmail
		}
	}
	clone := *identity
	m.identities[identity.ID] = &clone
	return nil
}

func (m *memIdentityStore) GetIdentityByID(_ context.Context, id string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, mysql.ErrNotFound
	}
	clone := *identity
	return &clone, nil
}

func (m *memIdentityStore) GetIdentityByEmail(_ context.Context, email string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.Email == email {
			clone := *identity
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (m *memIdentityStore) EmailInUse(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *memIdentityStore) UpdateTOTP(_ context.Context, identityID, secretEnc string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return mysql.ErrNotFound
	}
	identity.TOTPSecretEnc = secretEnc
	identity.TOTPEnabled = enabled
	return nil
}

func (m *memIdentityStore) ReplaceBackupCodes(_ context.Context, identityID string, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(codeHashes))
	for _, hash := range codeHashes {
		set[hash] = true
	}
	m.backupCodes[identityID] = set
	return nil
}

func (m *memIdentityStore) ConsumeBackupCode(_ context.Context, identityID, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.backupCodes[identityID]
	if !set[codeHash] {
		return false, nil
	}
	delete(set, codeHash)
	return true, nil
}

func (m *memIdentityStore) CountBackupCodes(_ context.Context, identityID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backupCodes[identityID]), nil
}

func (m *memIdentityStore) DeleteBackupCodes(_ context.Context, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backupCodes, identityID)
	return nil
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*models.Session)}
}

func (m *memSessionStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *memSessionStore) GetSessionByToken(_ context.Context, token string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.Token == token {
			clone := *session
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (m *memSessionStore) GetSessionByID(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, mysql.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *memSessionStore) UpgradeSession(_ context.Context, sessionID string, expiresAt time.Time) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
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
	for id, sibling := range m.sessions {
		if sibling.IdentityID == session.IdentityID && !sibling.StepUpVerified && id != sessionID {
			delete(m.sessions, id)
		}
	}
	clone := *session
	return &clone, nil
}

func (m *memSessionStore) ListSessions(_ context.Context, identityID string) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []*models.Session
	for _, session := range m.sessions {
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

func (m *memSessionStore) DeleteSession(_ context.Context, identityID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.IdentityID != identityID {
		return mysql.ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *memSessionStore) DeleteByToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.Token == token {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *memSessionStore) DeleteAllExcept(_ context.Context, identityID, keepSessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for id, session := range m.sessions {
		if session.IdentityID == identityID && id != keepSessionID {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

func (m *memSessionStore) TouchSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[sessionID]; ok {
		session.LastActive = time.Now().UTC()
	}
	return nil
}

type memChangeStore struct {
	mu       sync.Mutex
	changes  map[string]*models.PendingEmailChange
	ids      *memIdentityStore
	sessions *memSessionStore
}

func newMemChangeStore(ids *memIdentityStore, sessions *memSessionStore) *memChangeStore {
	return &memChangeStore{
		changes:  make(map[string]*models.PendingEmailChange),
		ids:      ids,
		sessions: sessions,
	}
}

func (m *memChangeStore) SupersedeAndCreate(_ context.Context, change *models.PendingEmailChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.changes {
		if existing.IdentityID == change.IdentityID && !existing.Finalized && !existing.Cancelled {
			existing.Cancelled = true
			existing.CancelledAt = &now
		}
	}
	clone := *change
	m.changes[change.ID] = &clone
	return nil
}

func (m *memChangeStore) GetByVerifyToken(_ context.Context, token string) (*models.PendingEmailChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, change := range m.changes {
		if change.VerifyToken == token {
			clone := *change
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (m *memChangeStore) GetByCancelToken(_ context.Context, token string) (*models.PendingEmailChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, change := range m.changes {
		if change.CancelToken == token {
			clone := *change
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (m *memChangeStore) GetActiveByIdentity(_ context.Context, identityID string) (*models.PendingEmailChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, change := range m.changes {
		if change.IdentityID == identityID && !change.Terminal(now) {
			clone := *change
			return &clone, nil
		}
	}
	return nil, mysql.ErrNotFound
}

func (m *memChangeStore) NewEmailTargeted(_ context.Context, email, excludeIdentityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, change := range m.changes {
		if change.NewEmail == email && change.IdentityID != excludeIdentityID && !change.Terminal(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memChangeStore) Finalize(ctx context.Context, changeID, keepSessionID string) (int64, error) {
	m.mu.Lock()
	change, ok := m.changes[changeID]
	if !ok {
		m.mu.Unlock()
		return 0, mysql.ErrNotFound
	}
	now := time.Now().UTC()
	if change.Terminal(now) {
		m.mu.Unlock()
		return 0, mysql.ErrConflict
	}
	m.mu.Unlock()

	if taken, _ := m.ids.EmailInUse(ctx, change.NewEmail); taken {
		return 0, mysql.ErrDuplicateEmail
	}

	m.ids.mu.Lock()
	if identity, ok := m.ids.identities[change.IdentityID]; ok {
		identity.Email = change.NewEmail
		identity.EmailVerified = true
	}
	m.ids.mu.Unlock()

	m.mu.Lock()
	change.Finalized = true
	change.FinalizedAt = &now
	m.mu.Unlock()

	return m.sessions.DeleteAllExcept(ctx, change.IdentityID, keepSessionID)
}

func (m *memChangeStore) MarkCancelled(_ context.Context, changeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	change, ok := m.changes[changeID]
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

// openLimiter never throttles.
type openLimiter struct{}

func (openLimiter) Check(context.Context, service.Limit, string) error { return nil }
func (openLimiter) Clear(context.Context, service.Limit, string)       {}

type plainBox struct{}

func (plainBox) EncryptSecret(_ context.Context, plaintext string) (string, error) {
	return plaintext, nil
}

func (plainBox) DecryptSecret(_ context.Context, serialized string) (string, error) {
	return serialized, nil
}

type routerFixture struct {
	handler    http.Handler
	identities *memIdentityStore
	sessions   *memSessionStore
	changes    *memChangeStore
	hasher     *crypto.PasswordHasher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	cfg := config.AuthConfig{
		SessionTTL:        30 * 24 * time.Hour,
		PendingSessionTTL: 15 * time.Minute,
		EmailChangeTTL:    24 * time.Hour,
		TOTPIssuer:        "identity-service",
		BackupCodeCount:   8,
	}

	identities := newMemIdentityStore()
	sessions := newMemSessionStore()
	changes := newMemChangeStore(identities, sessions)

	hasher := crypto.NewPasswordHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  16 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})

	recorder := audit.NopRecorder{}
	limiter := openLimiter{}
	secrets := plainBox{}

	authSvc, err := service.NewAuthService(identities, sessions, hasher, limiter, recorder, cfg)
	require.NoError(t, err)
	stepUpSvc := service.NewStepUpService(identities, sessions, secrets, limiter, recorder, cfg)
	sessionSvc := service.NewSessionService(sessions, recorder)
	mfaSvc := service.NewMFAService(identities, secrets, recorder, cfg)
	emailChangeSvc := service.NewEmailChangeService(identities, changes, sessions, stepUpSvc, limiter, notifier.LogNotifier{}, recorder, cfg)

	deps := RouterDeps{
		Auth:        NewAuthHandler(authSvc, stepUpSvc, false),
		Sessions:    NewSessionHandler(sessionSvc),
		MFA:         NewMFAHandler(mfaSvc, stepUpSvc),
		EmailChange: NewEmailChangeHandler(emailChangeSvc),
		SessionMW:   NewSessionMiddleware(sessionSvc, identities),
		Csrf:        NewCsrfGuard(false, recorder),
		Health: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}

	return &routerFixture{
		handler:    NewRouter(deps),
		identities: identities,
		sessions:   sessions,
		changes:    changes,
		hasher:     hasher,
	}
}

// browser drives the router the way a cookie-holding client would.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]string
}

func newBrowser(t *testing.T, handler http.Handler) *browser {
	return &browser{t: t, handler: handler, cookies: make(map[string]string)}
}

func (b *browser) do(method, path string, body interface{}, withCsrf bool) *httptest.ResponseRecorder {
	b.t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(b.t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for name, value := range b.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	if withCsrf {
		req.Header.Set("X-CSRF-Token", b.cookies["csrf_token"])
	}

	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	for _, cookie := range rec.Result().Cookies() {
		if cookie.MaxAge < 0 {
			delete(b.cookies, cookie.Name)
			continue
		}
		b.cookies[cookie.Name] = cookie.Value
	}
	return rec
}

// prime fetches the CSRF cookie with a harmless read.
func (b *browser) prime() {
	b.t.Helper()
	b.do(http.MethodGet, "/api/v1/sessions", nil, false)
	require.NotEmpty(b.t, b.cookies["csrf_token"])
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}
