package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	generatedPasswordLength = 10
	minPasswordLength       = 6
	maxUsernameAttempts     = 1000
	passwordAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Service authenticates callers and manages their credentials.
type Service struct {
	users  CredentialStore
	tokens TokenLedger
	codec  *TokenCodec
	hasher Hasher
	now    func() time.Time

	passwordMaxAge time.Duration
	dummyHash      string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher overrides the password hasher (default cost 12).
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// WithPasswordMaxAge makes logins fail with ErrCredentialsExpired once the
// password is older than age. Zero disables the check.
func WithPasswordMaxAge(age time.Duration) ServiceOption {
	return func(s *Service) error {
		if age < 0 {
			return errors.New("auth: password max age must not be negative")
		}
		s.passwordMaxAge = age
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService wires the authenticator. It hashes a throwaway password once so
// that logins for unknown usernames cost the same as real ones.
func NewService(users CredentialStore, tokens TokenLedger, codec *TokenCodec, opts ...ServiceOption) (*Service, error) {
	if users == nil || tokens == nil || codec == nil {
		return nil, errors.New("auth: credential store, token ledger and codec are required")
	}
	svc := &Service{
		users:  users,
		tokens: tokens,
		codec:  codec,
		hasher: NewHasher(DefaultBcryptCost),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	dummy, err := randomPassword(generatedPasswordLength)
	if err != nil {
		return nil, err
	}
	if svc.dummyHash, err = svc.hasher.Hash(dummy); err != nil {
		return nil, err
	}
	return svc, nil
}

// Login verifies username and password and issues a fresh token. Any token
// previously issued to the user stops being accepted.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.Matches(s.dummyHash, password)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("load identity: %w", err)
	}
	if !s.hasher.Matches(user.PasswordHash, password) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := s.checkAccount(user); err != nil {
		return LoginResult{}, err
	}

	token, _, err := s.codec.Issue(user.Username, user.Role)
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.tokens.RecordNewToken(ctx, user.Username, token); err != nil {
		return LoginResult{}, fmt.Errorf("record token: %w", err)
	}
	return LoginResult{Token: token, ExpiresIn: s.codec.ExpirationSeconds()}, nil
}

func (s *Service) checkAccount(user *Identity) error {
	switch {
	case user.Locked:
		return ErrAccountLocked
	case !user.Active:
		return ErrAccountDisabled
	case s.passwordMaxAge > 0 && !user.PasswordChangedAt.IsZero() &&
		s.now().Sub(user.PasswordChangedAt) > s.passwordMaxAge:
		return ErrCredentialsExpired
	}
	return nil
}

// Logout expires token and returns the username it was issued to. The token
// must verify, be live in the ledger and belong to the subject it names.
func (s *Service) Logout(ctx context.Context, token string) (string, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return "", err
	}
	entry, err := s.tokens.FindActive(ctx, token)
	if err != nil {
		return "", err
	}
	if entry.Username != claims.Subject {
		return "", ErrUnauthorized
	}
	if err := s.tokens.Expire(ctx, token); err != nil {
		return "", err
	}
	return entry.Username, nil
}

// ChangePassword replaces the password after checking the old one. A new
// password equal to the current one is rejected before the old password is
// checked. On success every live token of the user is expired.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return Errorf(ErrInvalidInput, "username is required")
	}
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return err
	}
	if s.hasher.Matches(user.PasswordHash, newPassword) {
		return Errorf(ErrDomainViolation, "Failed to change password. New password should not be like old password.")
	}
	if len(newPassword) < minPasswordLength {
		return Errorf(ErrInvalidInput, "new password must be at least %d characters", minPasswordLength)
	}
	if !s.hasher.Matches(user.PasswordHash, oldPassword) {
		return Errorf(ErrInvalidCredentials, "Failed to change password. Please verify your old password correctly.")
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.Username, hash); err != nil {
		return err
	}
	if err := s.tokens.ExpireAll(ctx, user.Username); err != nil {
		return fmt.Errorf("expire tokens: %w", err)
	}
	return nil
}

// Authenticate resolves a bearer token into a Principal. The token must
// verify, be the live ledger entry for its subject and name an active identity.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	if _, err := s.tokens.FindActiveFor(ctx, claims.Subject, token); err != nil {
		return Principal{}, err
	}
	user, err := s.users.FindByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if !user.Active {
		return Principal{}, ErrAccountDisabled
	}
	return Principal{UserID: user.ID, Username: user.Username, Role: claims.Role}, nil
}

// Register creates an identity with a generated username (first_last plus a
// numeric suffix on collision) and a random password returned in clear once.
func (s *Service) Register(ctx context.Context, firstName, lastName string, role Role) (Credentials, error) {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return Credentials{}, Errorf(ErrInvalidInput, "first and last name are required")
	}
	if !role.Valid() {
		return Credentials{}, Errorf(ErrInvalidInput, "role is required")
	}

	password, err := randomPassword(generatedPasswordLength)
	if err != nil {
		return Credentials{}, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Credentials{}, err
	}

	base := strings.ToLower(firstName + "_" + lastName)
	for i := 0; i < maxUsernameAttempts; i++ {
		username := base
		if i > 0 {
			username = base + strconv.Itoa(i)
		}
		exists, err := s.users.ExistsByUsername(ctx, username)
		if err != nil {
			return Credentials{}, err
		}
		if exists {
			continue
		}
		identity := &Identity{
			Username:          username,
			PasswordHash:      hash,
			FirstName:         firstName,
			LastName:          lastName,
			Role:              role,
			Active:            true,
			PasswordChangedAt: s.now().UTC(),
		}
		if err := s.users.Create(ctx, identity); err != nil {
			// Lost a race for this username; try the next suffix.
			if errors.Is(err, ErrConflict) {
				continue
			}
			return Credentials{}, err
		}
		return Credentials{Username: username, Password: password}, nil
	}
	return Credentials{}, Errorf(ErrConflict, "no free username for %s", base)
}

// Identity returns the stored identity for username.
func (s *Service) Identity(ctx context.Context, username string) (*Identity, error) {
	return s.users.FindByUsername(ctx, strings.TrimSpace(username))
}

// SetActive toggles the active flag. Deactivation also expires live tokens.
func (s *Service) SetActive(ctx context.Context, username string, active bool) error {
	if err := s.users.SetActive(ctx, username, active); err != nil {
		return err
	}
	if !active {
		return s.tokens.ExpireAll(ctx, username)
	}
	return nil
}

// ListActive returns active identities holding role.
func (s *Service) ListActive(ctx context.Context, role Role) ([]Identity, error) {
	if !role.Valid() {
		return nil, Errorf(ErrInvalidInput, "role is required")
	}
	return s.users.ListByRole(ctx, role, true)
}

// PurgeTokens drops ledger entries that can no longer authenticate anyone.
func (s *Service) PurgeTokens(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.codec.ExpirationSeconds()) * time.Second)
	return s.tokens.PurgeExpired(ctx, cutoff)
}

func randomPassword(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		buf[i] = passwordAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
