package model

import (
	"time"

	"github.com/google/uuid"
)

// TokenManager mints and validates signed access tokens.
type TokenManager interface {
	MintAccess(user User) (string, error)
	ParseAccess(token string) (AccessClaims, error)
}

// AccessClaims is the verified content of an access token. Validity of the
// subject against current account state is checked separately by the token
// service, not here.
type AccessClaims struct {
	UserID    uuid.UUID
	TokenID   string
	Email     string
	Username  string
	ExpiresAt time.Time
}
