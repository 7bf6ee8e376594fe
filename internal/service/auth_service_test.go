package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/minWang916/kms-api/internal/models"
	"github.com/minWang916/kms-api/pkg/config"
	appErrors "github.com/minWang916/kms-api/pkg/errors"
	"github.com/minWang916/kms-api/pkg/mail"
)

type fakeUserStore struct {
	mu     sync.Mutex
	users  map[int64]*models.User
	nextID int64
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[int64]*models.User), nextID: 1}
}

func (f *fakeUserStore) Create(_ context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.ID = f.nextID
	f.nextID++
	clone := *user
	f.users[user.ID] = &clone
	return nil
}

func (f *fakeUserStore) FindByID(_ context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) FindByUsername(_ context.Context, username string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) FindByVerificationCode(_ context.Context, code string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.VerificationCode != nil && *u.VerificationCode == code {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, err := f.FindByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeUserStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUserStore) ExistsByID(ctx context.Context, id int64) (bool, error) {
	_, err := f.FindByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeUserStore) Activate(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.VerificationCode = nil
	u.Enabled = true
	return nil
}

type fakeSessionStore struct {
	mu     sync.Mutex
	byID   map[int64]*models.RefreshToken
	nextID int64
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{byID: make(map[int64]*models.RefreshToken), nextID: 1}
}

func (f *fakeSessionStore) Create(_ context.Context, token *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Mirror the store's upsert on user_id: at most one row per user.
	for id, rt := range f.byID {
		if rt.UserID == token.UserID {
			delete(f.byID, id)
		}
	}
	token.ID = f.nextID
	f.nextID++
	clone := *token
	f.byID[token.ID] = &clone
	return nil
}

func (f *fakeSessionStore) FindByToken(_ context.Context, token string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rt := range f.byID {
		if rt.Token == token {
			clone := *rt
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeSessionStore) FindByUserID(_ context.Context, userID int64) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rt := range f.byID {
		if rt.UserID == userID {
			clone := *rt
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeSessionStore) DeleteByUserID(_ context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for id, rt := range f.byID {
		if rt.UserID == userID {
			delete(f.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeSessionStore) DeleteByToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rt := range f.byID {
		if rt.Token == token {
			delete(f.byID, id)
		}
	}
	return nil
}

func (f *fakeSessionStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type blacklistEntry struct {
	token string
	ttl   time.Duration
}

type fakeBlacklist struct {
	mu      sync.Mutex
	entries map[int64]blacklistEntry
	setErr  error
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{entries: make(map[int64]blacklistEntry)}
}

func (f *fakeBlacklist) Set(_ context.Context, userID int64, token string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[userID] = blacklistEntry{token: token, ttl: ttl}
	return nil
}

func (f *fakeBlacklist) Get(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[userID]
	if !ok {
		return "", appErrors.ErrCacheMiss
	}
	return entry.token, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeDispatcher) Dispatch(msg mail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type authFixture struct {
	users     *fakeUserStore
	sessions  *fakeSessionStore
	blacklist *fakeBlacklist
	mailer    *fakeDispatcher
	tokens    *TokenService
	svc       *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	blacklist := newFakeBlacklist()
	mailer := &fakeDispatcher{}
	tokens := NewTokenService(config.JWTConfig{
		Secret:            "secret",
		AccessExpiration:  time.Hour,
		RefreshExpiration: 24 * time.Hour,
	})
	svc := NewAuthService(users, sessions, blacklist, mailer, tokens, validator.New(), nil, zap.NewNop())
	return &authFixture{users: users, sessions: sessions, blacklist: blacklist, mailer: mailer, tokens: tokens, svc: svc}
}

func (fx *authFixture) registerAndVerify(t *testing.T, username, email, password string) *models.User {
	t.Helper()
	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, "http://localhost:8080")
	require.NoError(t, err)

	user, err := fx.users.FindByUsername(context.Background(), username)
	require.NoError(t, err)
	require.NotNil(t, user.VerificationCode)

	_, err = fx.svc.Verify(context.Background(), *user.VerificationCode)
	require.NoError(t, err)

	user, err = fx.users.FindByUsername(context.Background(), username)
	require.NoError(t, err)
	return user
}

func TestAuthServiceRegisterCreatesPendingUser(t *testing.T) {
	fx := newAuthFixture(t)

	msg, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "a@x.com",
		Password: "p1",
	}, "http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, MsgRegistered, msg)

	user, err := fx.users.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, user.Enabled)
	require.NotNil(t, user.VerificationCode)
	assert.NotEqual(t, "p1", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("p1")))

	require.Len(t, fx.mailer.sent, 1)
	assert.Equal(t, "a@x.com", fx.mailer.sent[0].To)
	assert.Contains(t, fx.mailer.sent[0].Body, "/auth/verify?code="+*user.VerificationCode)
}

func TestAuthServiceRegisterDuplicateUsername(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "other@x.com",
		Password: "p2",
	}, "http://localhost:8080")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceRegisterDuplicateEmail(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "bob",
		Email:    "a@x.com",
		Password: "p2",
	}, "http://localhost:8080")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceRegisterMailDispatchFailure(t *testing.T) {
	fx := newAuthFixture(t)
	fx.mailer.err = errors.New("queue stopped")

	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "a@x.com",
		Password: "p1",
	}, "http://localhost:8080")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)

	// The account survives a failed dispatch.
	_, err = fx.users.FindByUsername(context.Background(), "alice")
	assert.NoError(t, err)
}

func TestAuthServiceVerifyActivatesUser(t *testing.T) {
	fx := newAuthFixture(t)
	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "a@x.com",
		Password: "p1",
	}, "http://localhost:8080")
	require.NoError(t, err)

	pending, err := fx.users.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	code := *pending.VerificationCode

	msg, err := fx.svc.Verify(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, MsgVerified, msg)

	active, err := fx.users.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, active.Enabled)
	assert.Nil(t, active.VerificationCode)

	// The code no longer matches any record, so a replay is a 404.
	_, err = fx.svc.Verify(context.Background(), code)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceVerifyUnknownCode(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Verify(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceVerifyAlreadyActive(t *testing.T) {
	fx := newAuthFixture(t)
	user := fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	// Simulate a record that kept its code after activation; the defensive
	// check still rejects the reuse with a conflict.
	code := "stale-code"
	fx.users.mu.Lock()
	fx.users.users[user.ID].VerificationCode = &code
	fx.users.mu.Unlock()

	_, err := fx.svc.Verify(context.Background(), code)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	res, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.NoError(t, err)
	assert.Equal(t, MsgLoggedIn, res.Message)
	assert.NotEmpty(t, res.Token)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, TokenValid, fx.tokens.Verify(res.Token))

	_, claims, err := fx.tokens.Decode(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "1", claims.UserID)

	session, err := fx.sessions.FindByToken(context.Background(), res.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.UserID)
}

func TestAuthServiceLoginUnknownUser(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "ghost", Password: "p1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLoginUnverifiedUser(t *testing.T) {
	fx := newAuthFixture(t)
	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "a@x.com",
		Password: "p1",
	}, "http://localhost:8080")
	require.NoError(t, err)

	_, err = fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLoginBadPassword(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceSecondLoginSupersedesSession(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	first, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.NoError(t, err)
	second, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.NoError(t, err)

	assert.Equal(t, 1, fx.sessions.count())

	_, err = fx.sessions.FindByToken(context.Background(), first.RefreshToken)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	session, err := fx.sessions.FindByToken(context.Background(), second.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, second.RefreshToken, session.Token)
}

func TestAuthServiceRefreshAccessToken(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")
	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.NoError(t, err)

	res, err := fx.svc.RefreshAccessToken(context.Background(), login.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, TokenValid, fx.tokens.Verify(res.Token))

	// The refresh token is not rotated on this path.
	_, err = fx.sessions.FindByToken(context.Background(), login.RefreshToken)
	assert.NoError(t, err)
}

func TestAuthServiceRefreshUnknownToken(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.RefreshAccessToken(context.Background(), "unknown")
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "Invalid refresh token", appErr.Message)
}

func TestAuthServiceRefreshExpiredTokenDeletesIt(t *testing.T) {
	fx := newAuthFixture(t)
	user := fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	expired := &models.RefreshToken{
		UserID:    user.ID,
		Token:     "old-token",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, fx.sessions.Create(context.Background(), expired))

	_, err := fx.svc.RefreshAccessToken(context.Background(), "old-token")
	require.Error(t, err)
	assert.Equal(t, "Refresh token is expired", appErrors.FromError(err).Message)
	assert.Equal(t, 0, fx.sessions.count())

	// A second attempt now hits the unknown-token path, not the expired one.
	_, err = fx.svc.RefreshAccessToken(context.Background(), "old-token")
	require.Error(t, err)
	assert.Equal(t, "Invalid refresh token", appErrors.FromError(err).Message)
}

func TestAuthServiceLogout(t *testing.T) {
	fx := newAuthFixture(t)
	user := fx.registerAndVerify(t, "alice", "a@x.com", "p1")
	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.NoError(t, err)

	msg, err := fx.svc.Logout(context.Background(), models.LogoutRequest{Token: login.Token, UserID: "1"})
	require.NoError(t, err)
	assert.Equal(t, MsgLoggedOut, msg)

	blacklisted, err := fx.blacklist.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, login.Token, blacklisted)
	assert.LessOrEqual(t, fx.blacklist.entries[user.ID].ttl, fx.tokens.AccessExpiration())
	assert.Greater(t, fx.blacklist.entries[user.ID].ttl, time.Duration(0))

	assert.Equal(t, 0, fx.sessions.count())
}

func TestAuthServiceLogoutUnknownUser(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Logout(context.Background(), models.LogoutRequest{Token: "whatever", UserID: "42"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLogoutNonNumericUserID(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Logout(context.Background(), models.LogoutRequest{Token: "whatever", UserID: "abc"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLogoutInvalidToken(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	_, err := fx.svc.Logout(context.Background(), models.LogoutRequest{Token: "garbage", UserID: "1"})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "Invalid or expired JWT token.", appErr.Message)
}

func TestAuthServiceLogoutNoSession(t *testing.T) {
	fx := newAuthFixture(t)
	user := fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	token, err := fx.tokens.IssueAccessToken(user.Username, user.Email, user.ID)
	require.NoError(t, err)

	_, err = fx.svc.Logout(context.Background(), models.LogoutRequest{Token: token, UserID: "1"})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
	assert.Equal(t, "Refresh token not found.", appErr.Message)
}

func TestAuthServiceLogoutBlacklistFailureAborts(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")
	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
	require.NoError(t, err)

	fx.blacklist.setErr = errors.New("redis down")

	_, err = fx.svc.Logout(context.Background(), models.LogoutRequest{Token: login.Token, UserID: "1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)

	// No partial success: the session is untouched.
	assert.Equal(t, 1, fx.sessions.count())
}

func TestAuthServiceConcurrentLoginsLeaveOneSession(t *testing.T) {
	fx := newAuthFixture(t)
	fx.registerAndVerify(t, "alice", "a@x.com", "p1")

	const logins = 8
	var wg sync.WaitGroup
	wg.Add(logins)
	for i := 0; i < logins; i++ {
		go func() {
			defer wg.Done()
			_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "p1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Exactly one session survives, whichever write landed last.
	assert.Equal(t, 1, fx.sessions.count())
}
