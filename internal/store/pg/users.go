package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gymcrm.org/internal/auth"
)

const identityColumns = `id, username, password_hash, first_name, last_name, role, active, locked, password_changed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*auth.Identity, error) {
	var (
		u    auth.Identity
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName, &role,
		&u.Active, &u.Locked, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	r, err := auth.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", u.Username, err)
	}
	u.Role = r
	return &u, nil
}

func (s *Store) findIdentity(ctx context.Context, where string, arg any) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from app_users where `+where, arg)
	u, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return u, err
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*auth.Identity, error) {
	return s.findIdentity(ctx, `username = $1`, username)
}

func (s *Store) FindByID(ctx context.Context, id int64) (*auth.Identity, error) {
	return s.findIdentity(ctx, `id = $1`, id)
}

func (s *Store) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from app_users where username = $1)`, username,
	).Scan(&exists)
	return exists, err
}

func (s *Store) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update app_users
		set password_hash = $2, password_changed_at = now(), updated_at = now()
		where username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) Create(ctx context.Context, u *auth.Identity) error {
	changed := sql.NullTime{Time: u.PasswordChangedAt, Valid: !u.PasswordChangedAt.IsZero()}
	row := s.db.QueryRowContext(ctx, `
		insert into app_users (username, password_hash, first_name, last_name, role, active, locked, password_changed_at)
		values ($1, $2, $3, $4, $5, $6, $7, coalesce($8::timestamptz, now()))
		returning id, password_changed_at, created_at, updated_at
	`, u.Username, u.PasswordHash, u.FirstName, u.LastName, u.Role.String(), u.Active, u.Locked, changed)
	if err := row.Scan(&u.ID, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Errorf(auth.ErrConflict, "username %s is taken", u.Username)
		}
		return err
	}
	return nil
}

func (s *Store) SetActive(ctx context.Context, username string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update app_users set active = $2, updated_at = now() where username = $1`,
		username, active,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListByRole(ctx context.Context, role auth.Role, activeOnly bool) ([]auth.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+identityColumns+`
		from app_users
		where role = $1 and (active or not $2)
		order by id asc
	`, role.String(), activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.Identity
	for rows.Next() {
		u, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
