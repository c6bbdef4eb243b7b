package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mkravets/authgate/internal/model"
)

var _ model.RefreshTokenStore = (*RefreshTokenRepository)(nil)

type RefreshTokenRepository struct {
	db *Connection
}

func NewRefreshTokenRepository(db *Connection) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token model.RefreshToken) error {
	const query = `
        INSERT INTO refresh_tokens (id, user_id, secret, created_at, expires_at, revoked_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	_, err := r.db.querier(ctx).Exec(ctx, query,
		token.ID, token.UserID, token.Secret, token.CreatedAt, token.ExpiresAt, token.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) GetBySecret(ctx context.Context, secret string) (model.RefreshToken, error) {
	const query = `
        SELECT id, user_id, secret, created_at, expires_at, revoked_at
        FROM refresh_tokens WHERE secret = $1
    `

	var rt model.RefreshToken
	err := r.db.querier(ctx).QueryRow(ctx, query, secret).Scan(
		&rt.ID, &rt.UserID, &rt.Secret, &rt.CreatedAt, &rt.ExpiresAt, &rt.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to get refresh token by secret: %w", err)
	}
	return rt, nil
}

// Revoke marks the token revoked. The revoked_at IS NULL guard makes this a
// compare-and-revoke: when two transactions race on the same secret, the row
// lock serializes them and the second sees zero rows affected.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, secret string, at time.Time) error {
	const query = `
        UPDATE refresh_tokens SET revoked_at = $2
        WHERE secret = $1 AND revoked_at IS NULL
    `

	tag, err := r.db.querier(ctx).Exec(ctx, query, secret, at)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const query = `
        UPDATE refresh_tokens SET revoked_at = $2
        WHERE user_id = $1 AND revoked_at IS NULL
    `

	if _, err := r.db.querier(ctx).Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens by user: %w", err)
	}
	return nil
}
