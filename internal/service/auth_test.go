package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mkravets/authgate/internal/logger"
	"github.com/mkravets/authgate/internal/mocks"
	"github.com/mkravets/authgate/internal/model"
	"github.com/mkravets/authgate/internal/password"
	"github.com/mkravets/authgate/internal/repository/memory"
	"github.com/mkravets/authgate/internal/token"
)

type authFixture struct {
	users    *mocks.UserStore
	tokens   *mocks.RefreshTokenStore
	tx       *mocks.TxManager
	verifier *mocks.PasswordVerifier
	tokMan   *mocks.TokenManager
	auth     *Auth

	delayCalls int
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	f := &authFixture{
		users:    &mocks.UserStore{},
		tokens:   &mocks.RefreshTokenStore{},
		tx:       &mocks.TxManager{},
		verifier: &mocks.PasswordVerifier{},
		tokMan:   &mocks.TokenManager{},
	}

	log := logger.New(0)
	tokenService := NewTokenService(f.tokMan, f.users, 24*time.Hour, log)
	f.auth = NewAuth(f.users, f.tokens, f.tx, f.verifier, tokenService, log)
	f.auth.failDelay = func(ctx context.Context) { f.delayCalls++ }

	return f
}

// passthroughTx makes WithinTx run its callback directly.
func (f *authFixture) passthroughTx() {
	f.tx.On("WithinTx", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		})
}

func TestAuth_Register_Success(t *testing.T) {
	f := newAuthFixture(t)

	f.users.On("ExistsByUsername", mock.Anything, "alice").Return(false, nil)
	f.users.On("ExistsByEmail", mock.Anything, "alice@example.com").Return(false, nil)
	f.verifier.On("Hash", "s3cret").Return("$hash", nil)
	f.users.On("Create", mock.Anything, mock.MatchedBy(func(u model.User) bool {
		return u.Username == "alice" && u.Email == "alice@example.com" && u.PasswordHash == "$hash" && u.Active
	})).Return(func(ctx context.Context, u model.User) model.User { return u }, nil)

	user, err := f.auth.Register(context.Background(), RegisterParams{
		Username: "alice",
		Email:    "Alice@Example.COM",
		Password: "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
}

func TestAuth_Register_BlankInput(t *testing.T) {
	f := newAuthFixture(t)

	for _, params := range []RegisterParams{
		{Email: "a@b.c", Password: "x"},
		{Username: "alice", Password: "x"},
		{Username: "alice", Email: "a@b.c"},
		{Username: "   ", Email: "a@b.c", Password: "x"},
	} {
		_, err := f.auth.Register(context.Background(), params)
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	}
}

func TestAuth_Register_UsernameTaken(t *testing.T) {
	f := newAuthFixture(t)

	f.users.On("ExistsByUsername", mock.Anything, "alice").Return(true, nil)

	_, err := f.auth.Register(context.Background(), RegisterParams{Username: "alice", Email: "a@b.c", Password: "x"})
	require.ErrorIs(t, err, model.ErrUsernameTaken)
}

func TestAuth_Register_EmailTaken(t *testing.T) {
	f := newAuthFixture(t)

	f.users.On("ExistsByUsername", mock.Anything, "alice").Return(false, nil)
	f.users.On("ExistsByEmail", mock.Anything, "a@b.c").Return(true, nil)

	_, err := f.auth.Register(context.Background(), RegisterParams{Username: "alice", Email: "a@b.c", Password: "x"})
	require.ErrorIs(t, err, model.ErrEmailTaken)
}

func TestAuth_Login_Success(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", PasswordHash: "$hash", Active: true}

	f.users.On("GetByEmail", mock.Anything, "alice").Return(model.User{}, model.ErrNotFound)
	f.users.On("GetByUsername", mock.Anything, "alice").Return(user, nil)
	f.verifier.On("Verify", "$hash", "s3cret").Return(true)
	f.verifier.On("NeedsRehash", "$hash").Return(false)
	f.passthroughTx()
	f.users.On("UpdateLastLogin", mock.Anything, user.ID, mock.Anything).Return(nil)
	f.tokMan.On("MintAccess", mock.Anything).Return("access-token", nil)
	f.users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	f.tokens.On("Create", mock.Anything, mock.MatchedBy(func(rt model.RefreshToken) bool {
		return rt.UserID == user.ID && rt.Secret != ""
	})).Return(nil)

	session, err := f.auth.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)
	assert.Equal(t, "access-token", session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Zero(t, f.delayCalls)

	// Both lookups always run, even when the username one is selected.
	f.users.AssertCalled(t, "GetByEmail", mock.Anything, "alice")
	f.users.AssertCalled(t, "GetByUsername", mock.Anything, "alice")
}

func TestAuth_Login_ByEmail(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", PasswordHash: "$hash", Active: true}

	f.users.On("GetByEmail", mock.Anything, "alice@example.com").Return(user, nil)
	f.users.On("GetByUsername", mock.Anything, "Alice@Example.com").Return(model.User{}, model.ErrNotFound)
	f.verifier.On("Verify", "$hash", "s3cret").Return(true)
	f.verifier.On("NeedsRehash", "$hash").Return(false)
	f.passthroughTx()
	f.users.On("UpdateLastLogin", mock.Anything, user.ID, mock.Anything).Return(nil)
	f.tokMan.On("MintAccess", mock.Anything).Return("access-token", nil)
	f.users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)

	session, err := f.auth.Login(context.Background(), "Alice@Example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)
}

func TestAuth_Login_BlankCredentials(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Login(context.Background(), "", "password")
	require.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = f.auth.Login(context.Background(), "alice", "")
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestAuth_Login_UnknownUser(t *testing.T) {
	f := newAuthFixture(t)

	f.users.On("GetByEmail", mock.Anything, "ghost").Return(model.User{}, model.ErrNotFound)
	f.users.On("GetByUsername", mock.Anything, "ghost").Return(model.User{}, model.ErrNotFound)
	f.verifier.On("VerifyDummy", "s3cret").Return(false)

	_, err := f.auth.Login(context.Background(), "ghost", "s3cret")
	require.ErrorIs(t, err, model.ErrUnauthorized)

	// The miss burns a dummy verification and a delay.
	f.verifier.AssertCalled(t, "VerifyDummy", "s3cret")
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Login_WrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Username: "alice", PasswordHash: "$hash", Active: true}

	f.users.On("GetByEmail", mock.Anything, "alice").Return(model.User{}, model.ErrNotFound)
	f.users.On("GetByUsername", mock.Anything, "alice").Return(user, nil)
	f.verifier.On("Verify", "$hash", "wrong").Return(false)

	_, err := f.auth.Login(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, model.ErrUnauthorized)
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Login_DeactivatedAccount(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Username: "alice", PasswordHash: "$hash", Active: false}

	f.users.On("GetByEmail", mock.Anything, "alice").Return(model.User{}, model.ErrNotFound)
	f.users.On("GetByUsername", mock.Anything, "alice").Return(user, nil)
	f.verifier.On("Verify", "$hash", "s3cret").Return(true)

	_, err := f.auth.Login(context.Background(), "alice", "s3cret")
	require.ErrorIs(t, err, model.ErrUnauthorized)

	// The real hash is still verified so the branch costs the same as a
	// password mismatch.
	f.verifier.AssertCalled(t, "Verify", "$hash", "s3cret")
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Login_UpgradesWeakHash(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Username: "alice", PasswordHash: "$weak", Active: true}

	f.users.On("GetByEmail", mock.Anything, "alice").Return(model.User{}, model.ErrNotFound)
	f.users.On("GetByUsername", mock.Anything, "alice").Return(user, nil)
	f.verifier.On("Verify", "$weak", "s3cret").Return(true)
	f.verifier.On("NeedsRehash", "$weak").Return(true)
	f.verifier.On("Hash", "s3cret").Return("$strong", nil)
	f.passthroughTx()
	f.users.On("UpdatePasswordHash", mock.Anything, user.ID, "$strong").Return(nil)
	f.users.On("UpdateLastLogin", mock.Anything, user.ID, mock.Anything).Return(nil)
	f.tokMan.On("MintAccess", mock.Anything).Return("access-token", nil)
	f.users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)

	_, err := f.auth.Login(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	f.users.AssertCalled(t, "UpdatePasswordHash", mock.Anything, user.ID, "$strong")
}

func TestAuth_Refresh_Success(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Username: "alice", Active: true}
	rt := model.RefreshToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		Secret:    "old-secret",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	f.tokens.On("GetBySecret", mock.Anything, "old-secret").Return(rt, nil)
	f.users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	f.passthroughTx()
	f.tokens.On("Revoke", mock.Anything, "old-secret", mock.Anything).Return(nil)
	f.users.On("UpdateLastLogin", mock.Anything, user.ID, mock.Anything).Return(nil)
	f.tokMan.On("MintAccess", mock.Anything).Return("new-access", nil)
	f.tokens.On("Create", mock.Anything, mock.Anything).Return(nil)

	session, err := f.auth.Refresh(context.Background(), "old-secret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)
	assert.NotEqual(t, "old-secret", session.RefreshToken)
	assert.Zero(t, f.delayCalls)
}

func TestAuth_Refresh_UnknownSecret(t *testing.T) {
	f := newAuthFixture(t)

	f.tokens.On("GetBySecret", mock.Anything, "ghost").Return(model.RefreshToken{}, model.ErrNotFound)

	_, err := f.auth.Refresh(context.Background(), "ghost")
	require.ErrorIs(t, err, model.ErrUnauthorized)
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Refresh_ExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	rt := model.RefreshToken{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Secret:    "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}

	f.tokens.On("GetBySecret", mock.Anything, "stale").Return(rt, nil)

	_, err := f.auth.Refresh(context.Background(), "stale")
	require.ErrorIs(t, err, model.ErrUnauthorized)
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Refresh_RevokedToken(t *testing.T) {
	f := newAuthFixture(t)
	revokedAt := time.Now().Add(-time.Minute)
	rt := model.RefreshToken{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Secret:    "replayed",
		ExpiresAt: time.Now().Add(time.Hour),
		RevokedAt: &revokedAt,
	}

	f.tokens.On("GetBySecret", mock.Anything, "replayed").Return(rt, nil)

	_, err := f.auth.Refresh(context.Background(), "replayed")
	require.ErrorIs(t, err, model.ErrUnauthorized)
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Refresh_DeactivatedOwner(t *testing.T) {
	f := newAuthFixture(t)
	userID := uuid.New()
	rt := model.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		Secret:    "secret",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	f.tokens.On("GetBySecret", mock.Anything, "secret").Return(rt, nil)
	f.users.On("GetByID", mock.Anything, userID).Return(model.User{ID: userID, Active: false}, nil)

	_, err := f.auth.Refresh(context.Background(), "secret")
	require.ErrorIs(t, err, model.ErrUnauthorized)
	assert.Equal(t, 1, f.delayCalls)
}

func TestAuth_Refresh_LostRace(t *testing.T) {
	f := newAuthFixture(t)
	user := model.User{ID: uuid.New(), Active: true}
	rt := model.RefreshToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		Secret:    "contested",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	f.tokens.On("GetBySecret", mock.Anything, "contested").Return(rt, nil)
	f.users.On("GetByID", mock.Anything, user.ID).Return(user, nil)
	f.passthroughTx()
	// Someone else revoked the token between the read and the update.
	f.tokens.On("Revoke", mock.Anything, "contested", mock.Anything).Return(model.ErrNotFound)

	_, err := f.auth.Refresh(context.Background(), "contested")
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestAuth_Revoke(t *testing.T) {
	f := newAuthFixture(t)

	f.passthroughTx()
	f.tokens.On("Revoke", mock.Anything, "secret", mock.Anything).Return(nil)

	require.NoError(t, f.auth.Revoke(context.Background(), "secret"))
}

func TestAuth_Revoke_Blank(t *testing.T) {
	f := newAuthFixture(t)

	err := f.auth.Revoke(context.Background(), "  ")
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestAuth_Revoke_AlreadyRevoked(t *testing.T) {
	f := newAuthFixture(t)

	f.passthroughTx()
	f.tokens.On("Revoke", mock.Anything, "gone", mock.Anything).Return(model.ErrNotFound)

	err := f.auth.Revoke(context.Background(), "gone")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestAuth_RevokeAll(t *testing.T) {
	f := newAuthFixture(t)
	userID := uuid.New()

	f.passthroughTx()
	f.tokens.On("RevokeAllForUser", mock.Anything, userID, mock.Anything).Return(nil)

	require.NoError(t, f.auth.RevokeAll(context.Background(), userID))
}

// newMemoryAuth wires the auth service against the in-memory store with real
// bcrypt and JWT implementations.
func newMemoryAuth(t *testing.T) (*Auth, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	log := logger.New(0)

	verifier, err := password.NewVerifier(bcrypt.MinCost)
	require.NoError(t, err)

	tokenManager := token.NewJWT("test-secret", "authgate", "authgate", time.Hour)
	tokenService := NewTokenService(tokenManager, store.Users(), 24*time.Hour, log)
	auth := NewAuth(store.Users(), store.Tokens(), store, verifier, tokenService, log)
	auth.failDelay = func(ctx context.Context) {}

	return auth, store
}

func TestAuth_Lifecycle(t *testing.T) {
	auth, store := newMemoryAuth(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, RegisterParams{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "s3cret",
	})
	require.NoError(t, err)

	session, err := auth.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, session.UserID)
	assert.Equal(t, 1, store.Tokens().ActiveCountForUser(ctx, user.ID, time.Now()))

	rotated, err := auth.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, 1, store.Tokens().ActiveCountForUser(ctx, user.ID, time.Now()))

	// The rotated-out token is spent.
	_, err = auth.Refresh(ctx, session.RefreshToken)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	second, err := auth.Login(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, 2, store.Tokens().ActiveCountForUser(ctx, user.ID, time.Now()))

	require.NoError(t, auth.RevokeAll(ctx, user.ID))
	assert.Zero(t, store.Tokens().ActiveCountForUser(ctx, user.ID, time.Now()))

	_, err = auth.Refresh(ctx, rotated.RefreshToken)
	require.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = auth.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestAuth_Lifecycle_RevokeIdempotence(t *testing.T) {
	auth, _ := newMemoryAuth(t)
	ctx := context.Background()

	_, err := auth.Register(ctx, RegisterParams{Username: "bob", Email: "bob@example.com", Password: "hunter2"})
	require.NoError(t, err)
	session, err := auth.Login(ctx, "bob", "hunter2")
	require.NoError(t, err)

	require.NoError(t, auth.Revoke(ctx, session.RefreshToken))
	require.ErrorIs(t, auth.Revoke(ctx, session.RefreshToken), model.ErrNotFound)
}

func TestAuth_Lifecycle_ConcurrentRefreshSingleWinner(t *testing.T) {
	auth, store := newMemoryAuth(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, RegisterParams{Username: "carol", Email: "carol@example.com", Password: "s3cret"})
	require.NoError(t, err)
	session, err := auth.Login(ctx, "carol", "s3cret")
	require.NoError(t, err)

	const workers = 16

	var (
		wg        sync.WaitGroup
		successes int
		mu        sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := auth.Refresh(ctx, session.RefreshToken); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrUnauthorized) {
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	// One replacement for the spent token, plus nothing else.
	assert.Equal(t, 1, store.Tokens().ActiveCountForUser(ctx, user.ID, time.Now()))
}

func TestAuth_Lifecycle_DeactivatedUserLoginFails(t *testing.T) {
	auth, store := newMemoryAuth(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, RegisterParams{Username: "dave", Email: "dave@example.com", Password: "s3cret"})
	require.NoError(t, err)
	session, err := auth.Login(ctx, "dave", "s3cret")
	require.NoError(t, err)

	require.NoError(t, store.Users().SetActive(ctx, user.ID, false))

	_, err = auth.Login(ctx, "dave", "s3cret")
	require.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = auth.Refresh(ctx, session.RefreshToken)
	require.ErrorIs(t, err, model.ErrUnauthorized)
}
