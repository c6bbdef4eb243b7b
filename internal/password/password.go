// Package password wraps bcrypt hashing for credential verification.
package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/mkravets/authgate/internal/model"
)

// DefaultCost is the bcrypt cost new hashes are produced with.
const DefaultCost = 12

var _ model.PasswordVerifier = (*Verifier)(nil)

// Verifier hashes and verifies passwords with bcrypt. It holds a dummy hash
// precomputed at the configured cost; verifying against it keeps lookup-miss
// and password-mismatch paths indistinguishable in time.
type Verifier struct {
	cost      int
	dummyHash string
}

// NewVerifier creates a Verifier with the given bcrypt cost.
func NewVerifier(cost int) (*Verifier, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("authgate.dummy.password"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to precompute dummy hash: %w", err)
	}

	return &Verifier{cost: cost, dummyHash: string(dummy)}, nil
}

// Hash computes a bcrypt hash of password at the configured cost.
func (v *Verifier) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// Verify reports whether password matches hash.
func (v *Verifier) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns a full bcrypt comparison against the fixed dummy hash.
// The result is always false.
func (v *Verifier) VerifyDummy(password string) bool {
	_ = bcrypt.CompareHashAndPassword([]byte(v.dummyHash), []byte(password))
	return false
}

// NeedsRehash reports whether hash was produced below the configured cost.
// Unreadable hashes report true so they get replaced on the next login.
func (v *Verifier) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < v.cost
}
