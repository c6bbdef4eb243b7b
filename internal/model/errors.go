package model

import "errors"

var (
	// ErrUnauthorized covers every credential failure: unknown user, wrong
	// password, deactivated account, unknown or expired or revoked refresh
	// token. Collapsing them into one message denies account enumeration.
	ErrUnauthorized = errors.New("invalid credentials")

	ErrNotFound      = errors.New("record not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already taken")
	ErrInternal      = errors.New("internal error")
)
