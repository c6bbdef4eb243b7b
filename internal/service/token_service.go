package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/authgate/internal/logger"
	"github.com/mkravets/authgate/internal/model"
)

// refreshSecretBytes is the entropy drawn for each refresh-token secret.
const refreshSecretBytes = 64

// TokenService provides access-token validation and refresh-token minting.
// It composes the TokenManager with the user store so token validity also
// reflects current account state.
type TokenService struct {
	manager    model.TokenManager
	users      model.UserStore
	logger     *logger.Logger
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService creates a TokenService issuing refresh tokens valid for
// refreshTTL.
func NewTokenService(manager model.TokenManager, users model.UserStore, refreshTTL time.Duration, logger *logger.Logger) *TokenService {
	return &TokenService{
		manager:    manager,
		users:      users,
		logger:     logger,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MintAccess signs a new access token for user.
func (s *TokenService) MintAccess(user model.User) (string, error) {
	return s.manager.MintAccess(user)
}

// MintRefresh draws a fresh refresh-token secret for userID and returns an
// unpersisted record; the caller stores it inside its own transaction.
// Callers resolve the user before minting, so a missing user here surfaces
// as an internal error.
func (s *TokenService) MintRefresh(ctx context.Context, userID uuid.UUID) (model.RefreshToken, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.RefreshToken{}, fmt.Errorf("mint refresh for unknown user %s: %w", userID, model.ErrInternal)
		}
		return model.RefreshToken{}, fmt.Errorf("failed to resolve user: %w", err)
	}

	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return model.RefreshToken{}, fmt.Errorf("failed to draw refresh secret: %w", err)
	}

	now := s.now()
	return model.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		Secret:    base64.RawURLEncoding.EncodeToString(buf),
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// Validate reports whether token is acceptable on its cryptographic content
// alone: signature, issuer, audience and expiry.
func (s *TokenService) Validate(token string) bool {
	if _, err := s.manager.ParseAccess(token); err != nil {
		s.logParseFailure(err)
		return false
	}
	return true
}

// SubjectOf returns the user ID a valid token was issued to, re-checked
// against the store: a deleted or deactivated account invalidates otherwise
// well-formed tokens.
func (s *TokenService) SubjectOf(ctx context.Context, token string) (uuid.UUID, error) {
	claims, err := s.manager.ParseAccess(token)
	if err != nil {
		s.logParseFailure(err)
		return uuid.Nil, model.ErrUnauthorized
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return uuid.Nil, model.ErrUnauthorized
		}
		return uuid.Nil, fmt.Errorf("failed to resolve token subject: %w", err)
	}
	if !user.Active {
		return uuid.Nil, model.ErrUnauthorized
	}

	return user.ID, nil
}

// Expiry is routine, signature trouble is not.
func (s *TokenService) logParseFailure(err error) {
	if errors.Is(err, model.ErrTokenExpired) {
		s.logger.Info("access token expired")
		return
	}
	s.logger.Warn("access token rejected", "error", err.Error())
}
