package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mkravets/authgate/internal/model"
)

// Claims is the access-token claim set.
type Claims struct {
	jwt.RegisteredClaims
	Email      string `json:"email,omitempty"`
	Username   string `json:"preferred_username,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
}

var _ model.TokenManager = (*JWT)(nil)

// JWT implements model.TokenManager backed by symmetric HMAC.
type JWT struct {
	secretKey []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

// NewJWT creates a token manager signing with the provided symmetric secret.
func NewJWT(secret, issuer, audience string, accessTTL time.Duration) *JWT {
	return &JWT{
		secretKey: []byte(secret),
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// MintAccess signs a short-lived access token for user. Every issuance
// carries a fresh jti so tokens minted within the same second remain
// distinguishable.
func (j *JWT) MintAccess(user model.User) (string, error) {
	now := j.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID.String(),
			Issuer:    j.issuer,
			Audience:  jwt.ClaimStrings{j.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTTL)),
		},
		Email:      user.Email,
		Username:   user.Username,
		GivenName:  user.FirstName,
		FamilyName: user.LastName,
	})

	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return signed, nil
}

// ParseAccess verifies signature, issuer, audience and expiry with zero
// leeway and returns the embedded claims. Failures collapse to
// model.ErrTokenExpired or model.ErrTokenInvalid.
func (j *JWT) ParseAccess(tokenString string) (model.AccessClaims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("wrong signing method %v", t.Header["alg"])
		}
		return j.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithAudience(j.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.AccessClaims{}, model.ErrTokenExpired
		}
		return model.AccessClaims{}, model.ErrTokenInvalid
	}
	if !token.Valid {
		return model.AccessClaims{}, model.ErrTokenInvalid
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.AccessClaims{}, model.ErrTokenInvalid
	}

	return model.AccessClaims{
		UserID:    userID,
		TokenID:   claims.ID,
		Email:     claims.Email,
		Username:  claims.Username,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
