package model

// PasswordVerifier wraps a salted, iterated password hash.
type PasswordVerifier interface {
	Hash(password string) (string, error)
	// Verify reports whether password matches hash.
	Verify(hash, password string) bool
	// VerifyDummy burns a full verification against a fixed dummy hash so
	// that a lookup miss costs the same as a password mismatch. Always false.
	VerifyDummy(password string) bool
	// NeedsRehash reports whether the stored hash is below the configured
	// strength and should be recomputed on the next successful login.
	NeedsRehash(hash string) bool
}
