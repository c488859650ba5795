package auth

import "context"

// Target names the identity a request acts on, by username or by id.
type Target struct {
	Username string
	ID       int64
}

func TargetUsername(username string) Target { return Target{Username: username} }

func TargetID(id int64) Target { return Target{ID: id} }

// Guard checks that a principal only acts on its own identity.
type Guard struct {
	users CredentialStore
}

func NewGuard(users CredentialStore) *Guard {
	return &Guard{users: users}
}

// CheckOwnership loads the target identity and returns it when it belongs to
// p. The comparison is against the token subject, never request input.
func (g *Guard) CheckOwnership(ctx context.Context, p Principal, target Target) (*Identity, error) {
	if !p.Authenticated() {
		return nil, ErrUnauthorized
	}
	var (
		identity *Identity
		err      error
	)
	switch {
	case target.Username != "":
		identity, err = g.users.FindByUsername(ctx, target.Username)
	case target.ID > 0:
		identity, err = g.users.FindByID(ctx, target.ID)
	default:
		return nil, Errorf(ErrInvalidInput, "target identity is required")
	}
	if err != nil {
		return nil, err
	}
	if identity.Username != p.Username {
		return nil, Errorf(ErrForbidden, "You can only access your own profile")
	}
	return identity, nil
}
