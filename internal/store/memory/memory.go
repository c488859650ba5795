// Package memory keeps identities and the token ledger in process memory.
// It backs the API when no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/ids"
)

var (
	_ auth.CredentialStore = (*Store)(nil)
	_ auth.TokenLedger     = (*Store)(nil)
)

// Store implements auth.CredentialStore and auth.TokenLedger.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   int64
	users    map[string]*auth.Identity
	byID     map[int64]string
	tokens   map[string]*auth.SessionToken
	byUser   map[string]map[string]struct{}
	userLock keyedMutex
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		users:  make(map[string]*auth.Identity),
		byID:   make(map[int64]string),
		tokens: make(map[string]*auth.SessionToken),
		byUser: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) FindByUsername(_ context.Context, username string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindByID(_ context.Context, id int64) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *s.users[name]
	return &cp, nil
}

func (s *Store) ExistsByUsername(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok, nil
}

func (s *Store) UpdatePassword(_ context.Context, username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return auth.ErrNotFound
	}
	now := s.now().UTC()
	u.PasswordHash = passwordHash
	u.PasswordChangedAt = now
	u.UpdatedAt = now
	return nil
}

func (s *Store) Create(_ context.Context, identity *auth.Identity) error {
	username := strings.TrimSpace(identity.Username)
	if username == "" {
		return auth.Errorf(auth.ErrInvalidInput, "username is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return auth.Errorf(auth.ErrConflict, "username %s is taken", username)
	}
	s.nextID++
	now := s.now().UTC()
	identity.ID = s.nextID
	identity.Username = username
	identity.CreatedAt = now
	identity.UpdatedAt = now
	if identity.PasswordChangedAt.IsZero() {
		identity.PasswordChangedAt = now
	}
	cp := *identity
	s.users[username] = &cp
	s.byID[cp.ID] = username
	return nil
}

func (s *Store) SetActive(_ context.Context, username string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return auth.ErrNotFound
	}
	u.Active = active
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) ListByRole(_ context.Context, role auth.Role, activeOnly bool) ([]auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Identity
	for _, u := range s.users {
		if u.Role != role || (activeOnly && !u.Active) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordNewToken holds the per-username lock across expire-all and insert so
// concurrent logins for one user leave exactly one live token.
func (s *Store) RecordNewToken(_ context.Context, username, token string) error {
	if username == "" || token == "" {
		return auth.Errorf(auth.ErrInvalidInput, "username and token are required")
	}
	unlock := s.userLock.lock(username)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token]; ok {
		return auth.Errorf(auth.ErrConflict, "token already recorded")
	}
	for t := range s.byUser[username] {
		s.tokens[t].Expired = true
	}
	s.tokens[token] = &auth.SessionToken{
		ID:        ids.New(),
		Username:  username,
		Token:     token,
		CreatedAt: s.now().UTC(),
	}
	set, ok := s.byUser[username]
	if !ok {
		set = make(map[string]struct{})
		s.byUser[username] = set
	}
	set[token] = struct{}{}
	return nil
}

func (s *Store) FindActive(_ context.Context, token string) (*auth.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok || t.Expired {
		return nil, auth.ErrUnauthorized
	}
	cp := *t
	return &cp, nil
}

func (s *Store) FindActiveFor(ctx context.Context, username, token string) (*auth.SessionToken, error) {
	t, err := s.FindActive(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Username != username {
		return nil, auth.ErrUnauthorized
	}
	return t, nil
}

func (s *Store) Expire(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[token]; ok {
		t.Expired = true
	}
	return nil
}

func (s *Store) ExpireAll(_ context.Context, username string) error {
	unlock := s.userLock.lock(username)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.byUser[username] {
		s.tokens[t].Expired = true
	}
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, t := range s.tokens {
		if !t.Expired && !t.CreatedAt.Before(olderThan) {
			continue
		}
		delete(s.tokens, token)
		if set := s.byUser[t.Username]; set != nil {
			delete(set, token)
			if len(set) == 0 {
				delete(s.byUser, t.Username)
			}
		}
		n++
	}
	return n, nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
