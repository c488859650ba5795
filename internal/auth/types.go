package auth

import "time"

// Identity is a stored account that can authenticate.
type Identity struct {
	ID                int64
	Username          string
	PasswordHash      string
	FirstName         string
	LastName          string
	Role              Role
	Active            bool
	Locked            bool
	PasswordChangedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionToken is one ledger entry. A token is live only while Expired is
// false and its JWT expiry has not passed.
type SessionToken struct {
	ID        string
	Username  string
	Token     string
	Expired   bool
	CreatedAt time.Time
}

// Principal is the caller identity established from a verified bearer token.
type Principal struct {
	UserID   int64
	Username string
	Role     Role
}

// Authenticated reports whether p was populated by Authenticate.
func (p Principal) Authenticated() bool { return p.Username != "" }

// LoginResult is returned on successful login.
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Credentials are handed out once on registration.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
