package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenStore defines persistence operations for refresh tokens.
// Revoke and RevokeAllForUser only touch rows that are not yet revoked;
// Revoke returns ErrNotFound when no such row matched, which is what makes
// concurrent rotation of the same secret resolve to a single winner.
type RefreshTokenStore interface {
	Create(ctx context.Context, token RefreshToken) error
	GetBySecret(ctx context.Context, secret string) (RefreshToken, error)
	Revoke(ctx context.Context, secret string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) error
}

// RefreshToken is the stored capability backing a long-lived session. The
// secret is the opaque bearer credential. Revoked tokens are retained for
// replay detection, never deleted.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Secret    string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// IsActive reports whether the token can still be redeemed at now.
// Revocation is monotonic: once RevokedAt is set the token never becomes
// active again.
func (t RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
