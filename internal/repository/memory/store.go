// Package memory provides the reference in-memory credential store. It
// implements the same contracts as the postgres repositories and is what the
// service-level tests run against. Transactions take the store lock for
// their whole duration and roll back by restoring a snapshot, which also
// gives the compare-and-revoke sequence its single-winner guarantee.
package memory

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/authgate/internal/model"
)

var _ model.TxManager = (*Store)(nil)

type txKey struct{}

// Store holds users and refresh tokens in maps guarded by one mutex. The
// user and token repositories are facades over this shared state, mirroring
// the postgres layout of repositories over one connection.
type Store struct {
	mu     sync.Mutex
	users  map[uuid.UUID]model.User
	tokens map[string]model.RefreshToken
}

func NewStore() *Store {
	return &Store{
		users:  make(map[uuid.UUID]model.User),
		tokens: make(map[string]model.RefreshToken),
	}
}

// Users returns the user repository view of the store.
func (s *Store) Users() *UserRepository {
	return &UserRepository{store: s}
}

// Tokens returns the refresh-token repository view of the store.
func (s *Store) Tokens() *RefreshTokenRepository {
	return &RefreshTokenRepository{store: s}
}

// WithinTx serializes the whole function under the store lock and restores a
// snapshot of both maps if fn fails or panics. Nested calls join the outer
// transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := maps.Clone(s.users)
	tokens := maps.Clone(s.tokens)
	defer func() {
		if p := recover(); p != nil {
			s.users, s.tokens = users, tokens
			panic(p)
		}
		if err != nil {
			s.users, s.tokens = users, tokens
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, struct{}{}))
}

// lock takes the store lock unless ctx already runs inside a transaction,
// which holds it for its whole duration.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

var _ model.UserStore = (*UserRepository)(nil)

type UserRepository struct {
	store *Store
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (model.User, error) {
	s := r.store
	defer s.lock(ctx)()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return model.User{}, model.ErrNotFound
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (model.User, error) {
	s := r.store
	defer s.lock(ctx)()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return model.User{}, model.ErrNotFound
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	s := r.store
	defer s.lock(ctx)()

	u, ok := s.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return u, nil
}

func (r *UserRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	s := r.store
	defer s.lock(ctx)()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

func (r *UserRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	s := r.store
	defer s.lock(ctx)()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (r *UserRepository) Create(ctx context.Context, user model.User) (model.User, error) {
	s := r.store
	defer s.lock(ctx)()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, user.Username) {
			return model.User{}, model.ErrUsernameTaken
		}
		if strings.EqualFold(u.Email, user.Email) {
			return model.User{}, model.ErrEmailTaken
		}
	}

	user.Email = strings.ToLower(user.Email)
	s.users[user.ID] = user
	return user, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	s := r.store
	defer s.lock(ctx)()

	u, ok := s.users[id]
	if !ok {
		return model.ErrNotFound
	}
	u.LastLoginAt = &at
	s.users[id] = u
	return nil
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	s := r.store
	defer s.lock(ctx)()

	u, ok := s.users[id]
	if !ok {
		return model.ErrNotFound
	}
	u.PasswordHash = hash
	s.users[id] = u
	return nil
}

// SetActive flips the account flag. Deactivation happens outside the auth
// flows, so this is exposed for collaborators and tests.
func (r *UserRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	s := r.store
	defer s.lock(ctx)()

	u, ok := s.users[id]
	if !ok {
		return model.ErrNotFound
	}
	u.Active = active
	s.users[id] = u
	return nil
}

var _ model.RefreshTokenStore = (*RefreshTokenRepository)(nil)

type RefreshTokenRepository struct {
	store *Store
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token model.RefreshToken) error {
	s := r.store
	defer s.lock(ctx)()

	if _, ok := s.tokens[token.Secret]; ok {
		return model.ErrInternal
	}
	s.tokens[token.Secret] = token
	return nil
}

func (r *RefreshTokenRepository) GetBySecret(ctx context.Context, secret string) (model.RefreshToken, error) {
	s := r.store
	defer s.lock(ctx)()

	t, ok := s.tokens[secret]
	if !ok {
		return model.RefreshToken{}, model.ErrNotFound
	}
	return t, nil
}

// Revoke marks the token revoked; an unknown or already-revoked secret
// reports ErrNotFound so concurrent rotations resolve to one winner.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, secret string, at time.Time) error {
	s := r.store
	defer s.lock(ctx)()

	t, ok := s.tokens[secret]
	if !ok || t.RevokedAt != nil {
		return model.ErrNotFound
	}
	t.RevokedAt = &at
	s.tokens[secret] = t
	return nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) error {
	s := r.store
	defer s.lock(ctx)()

	for secret, t := range s.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
			s.tokens[secret] = t
		}
	}
	return nil
}

// ActiveCountForUser reports how many unrevoked, unexpired tokens userID
// owns.
func (r *RefreshTokenRepository) ActiveCountForUser(ctx context.Context, userID uuid.UUID, now time.Time) int {
	s := r.store
	defer s.lock(ctx)()

	n := 0
	for _, t := range s.tokens {
		if t.UserID == userID && t.IsActive(now) {
			n++
		}
	}
	return n
}
