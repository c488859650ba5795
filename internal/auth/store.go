package auth

import (
	"context"
	"time"
)

// CredentialStore persists identities.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	FindByID(ctx context.Context, id int64) (*Identity, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	// UpdatePassword replaces the hash and stamps PasswordChangedAt.
	UpdatePassword(ctx context.Context, username, passwordHash string) error
	// Create assigns ID and timestamps. Duplicate usernames yield ErrConflict.
	Create(ctx context.Context, identity *Identity) error
	SetActive(ctx context.Context, username string, active bool) error
	ListByRole(ctx context.Context, role Role, activeOnly bool) ([]Identity, error)
}

// TokenLedger records issued tokens. At most one entry per username is live.
type TokenLedger interface {
	// RecordNewToken expires every live entry for username and stores token as
	// the only live one. Concurrent calls for one username are serialized.
	RecordNewToken(ctx context.Context, username, token string) error
	FindActive(ctx context.Context, token string) (*SessionToken, error)
	FindActiveFor(ctx context.Context, username, token string) (*SessionToken, error)
	Expire(ctx context.Context, token string) error
	ExpireAll(ctx context.Context, username string) error
	// PurgeExpired deletes entries that are expired or were created before olderThan.
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)
}
