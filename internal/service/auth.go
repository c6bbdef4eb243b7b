package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/authgate/internal/logger"
	"github.com/mkravets/authgate/internal/model"
)

// Failure branches sleep a uniformly sampled duration in
// [failDelayMin, failDelayMin+failDelayBand) before returning. The delay
// runs outside any transaction.
const (
	failDelayMin  = 100 * time.Millisecond
	failDelayBand = 200 * time.Millisecond
)

// Session is an issued credential pair.
type Session struct {
	UserID       uuid.UUID
	AccessToken  string
	RefreshToken string
}

// RegisterParams carries the fields of a registration request.
type RegisterParams struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Auth orchestrates login, refresh-token rotation and revocation across the
// credential store, the password verifier and the token service.
type Auth struct {
	users        model.UserStore
	tokens       model.RefreshTokenStore
	tx           model.TxManager
	verifier     model.PasswordVerifier
	tokenService *TokenService
	logger       *logger.Logger

	now       func() time.Time
	failDelay func(ctx context.Context)
}

// NewAuth creates the auth orchestrator.
func NewAuth(
	users model.UserStore,
	tokens model.RefreshTokenStore,
	tx model.TxManager,
	verifier model.PasswordVerifier,
	tokenService *TokenService,
	logger *logger.Logger,
) *Auth {
	return &Auth{
		users:        users,
		tokens:       tokens,
		tx:           tx,
		verifier:     verifier,
		tokenService: tokenService,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		failDelay:    randomFailDelay,
	}
}

// Register creates a new active user. Username and email must be unused,
// compared case-insensitively; the email is stored lowercase.
func (a *Auth) Register(ctx context.Context, params RegisterParams) (model.User, error) {
	username := strings.TrimSpace(params.Username)
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if username == "" || email == "" || params.Password == "" {
		return model.User{}, fmt.Errorf("%w: username, email and password are required", model.ErrInvalidInput)
	}

	if taken, err := a.users.ExistsByUsername(ctx, username); err != nil {
		return model.User{}, fmt.Errorf("failed to check username: %w", err)
	} else if taken {
		return model.User{}, model.ErrUsernameTaken
	}
	if taken, err := a.users.ExistsByEmail(ctx, email); err != nil {
		return model.User{}, fmt.Errorf("failed to check email: %w", err)
	} else if taken {
		return model.User{}, model.ErrEmailTaken
	}

	hash, err := a.verifier.Hash(params.Password)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	created, err := a.users.Create(ctx, model.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(params.FirstName),
		LastName:     strings.TrimSpace(params.LastName),
		Active:       true,
		CreatedAt:    a.now(),
	})
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	a.logger.Info("user registered", "user_id", created.ID, "username", created.Username)

	return created, nil
}

// Login authenticates identifier (username or email) and password and issues
// a session. Unknown users, wrong passwords and deactivated accounts all
// fail identically: a full hash verification runs on every branch (against a
// dummy hash when no user matched) followed by a randomized delay, so the
// caller cannot tell the cases apart by error or by latency.
func (a *Auth) Login(ctx context.Context, identifier, password string) (Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return Session{}, model.ErrUnauthorized
	}

	// Both lookups always run so that email hits and username hits perform
	// the same amount of store work.
	byEmail, emailErr := a.users.GetByEmail(ctx, strings.ToLower(identifier))
	byUsername, usernameErr := a.users.GetByUsername(ctx, identifier)

	var (
		user      model.User
		lookupErr error
	)
	if strings.Contains(identifier, "@") {
		user, lookupErr = byEmail, emailErr
	} else {
		user, lookupErr = byUsername, usernameErr
	}

	if lookupErr != nil {
		if !errors.Is(lookupErr, model.ErrNotFound) {
			return Session{}, fmt.Errorf("failed to look up user: %w", lookupErr)
		}
		a.verifier.VerifyDummy(password)
		a.failDelay(ctx)
		return Session{}, model.ErrUnauthorized
	}

	// The real hash is verified even for deactivated accounts; they must
	// fail exactly like wrong passwords.
	match := a.verifier.Verify(user.PasswordHash, password)
	if !match || !user.Active {
		a.failDelay(ctx)
		return Session{}, model.ErrUnauthorized
	}

	var session Session
	err := a.tx.WithinTx(ctx, func(ctx context.Context) error {
		if a.verifier.NeedsRehash(user.PasswordHash) {
			if upgraded, hashErr := a.verifier.Hash(password); hashErr != nil {
				a.logger.Warn("failed to upgrade password hash", "user_id", user.ID, "error", hashErr.Error())
			} else if err := a.users.UpdatePasswordHash(ctx, user.ID, upgraded); err != nil {
				return fmt.Errorf("failed to persist upgraded password hash: %w", err)
			}
		}

		s, err := a.issueSession(ctx, user)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	a.logger.Info("login succeeded", "user_id", session.UserID)

	return session, nil
}

// Refresh rotates the presented refresh token: exactly one replacement is
// issued and the presented token is revoked in the same transaction. A
// replayed (already revoked) token fails indistinguishably from an unknown
// one so an attacker gets no signal that reuse was detected.
func (a *Auth) Refresh(ctx context.Context, secret string) (Session, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Session{}, model.ErrUnauthorized
	}

	rt, err := a.tokens.GetBySecret(ctx, secret)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return Session{}, fmt.Errorf("failed to look up refresh token: %w", err)
		}
		a.failDelay(ctx)
		return Session{}, model.ErrUnauthorized
	}
	if !rt.IsActive(a.now()) {
		a.failDelay(ctx)
		return Session{}, model.ErrUnauthorized
	}

	user, err := a.users.GetByID(ctx, rt.UserID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return Session{}, fmt.Errorf("failed to resolve token owner: %w", err)
		}
		a.failDelay(ctx)
		return Session{}, model.ErrUnauthorized
	}
	if !user.Active {
		a.failDelay(ctx)
		return Session{}, model.ErrUnauthorized
	}

	var session Session
	err = a.tx.WithinTx(ctx, func(ctx context.Context) error {
		// Compare-and-revoke: of two concurrent refreshes of the same
		// secret, the loser sees ErrNotFound here.
		if err := a.tokens.Revoke(ctx, secret, a.now()); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrUnauthorized
			}
			return fmt.Errorf("failed to revoke presented token: %w", err)
		}

		s, err := a.issueSession(ctx, user)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	a.logger.Info("refresh token rotated", "user_id", session.UserID)

	return session, nil
}

// Revoke revokes the refresh token with the given secret. Revoking an
// unknown or already-revoked token returns model.ErrNotFound, which makes
// the operation idempotent from the caller's perspective.
func (a *Auth) Revoke(ctx context.Context, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: refresh token is required", model.ErrInvalidInput)
	}

	return a.tx.WithinTx(ctx, func(ctx context.Context) error {
		return a.tokens.Revoke(ctx, secret, a.now())
	})
}

// RevokeAll revokes every active refresh token owned by userID. A user with
// no active tokens is a successful no-op.
func (a *Auth) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	err := a.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := a.tokens.RevokeAllForUser(ctx, userID, a.now()); err != nil {
			return fmt.Errorf("failed to revoke user tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.Info("all refresh tokens revoked", "user_id", userID)

	return nil
}

// issueSession runs inside a transaction: last-login update, access-token
// mint and refresh-token persistence commit or roll back together.
func (a *Auth) issueSession(ctx context.Context, user model.User) (Session, error) {
	if err := a.users.UpdateLastLogin(ctx, user.ID, a.now()); err != nil {
		return Session{}, fmt.Errorf("failed to update last login: %w", err)
	}

	access, err := a.tokenService.MintAccess(user)
	if err != nil {
		return Session{}, fmt.Errorf("failed to mint access token: %w", err)
	}

	refresh, err := a.tokenService.MintRefresh(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	if err := a.tokens.Create(ctx, refresh); err != nil {
		return Session{}, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return Session{
		UserID:       user.ID,
		AccessToken:  access,
		RefreshToken: refresh.Secret,
	}, nil
}

// randomFailDelay blocks for a jittered interval drawn from the system CSPRNG
// so failure latency carries no information. It respects ctx cancellation and
// must never run while a transaction or lock is held.
func randomFailDelay(ctx context.Context) {
	d := failDelayMin
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(failDelayBand))); err == nil {
		d += time.Duration(n.Int64())
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
