package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/ids"
)

// RecordNewToken runs expire-all and insert in one transaction under an
// advisory lock keyed by username, so concurrent logins for one user commit
// one after another and leave a single live row.
func (s *Store) RecordNewToken(ctx context.Context, username, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, username); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update jwt_tokens set expired = true where username = $1 and not expired`, username,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into jwt_tokens (id, token, username, expired) values ($1, $2, $3, false)`,
		ids.New(), token, username,
	); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Errorf(auth.ErrConflict, "token already recorded")
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) findToken(ctx context.Context, query string, args ...any) (*auth.SessionToken, error) {
	var t auth.SessionToken
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.Token, &t.Username, &t.Expired, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) FindActive(ctx context.Context, token string) (*auth.SessionToken, error) {
	return s.findToken(ctx, `
		select id, token, username, expired, created_at
		from jwt_tokens where token = $1 and not expired
	`, token)
}

func (s *Store) FindActiveFor(ctx context.Context, username, token string) (*auth.SessionToken, error) {
	return s.findToken(ctx, `
		select id, token, username, expired, created_at
		from jwt_tokens where token = $1 and username = $2 and not expired
	`, token, username)
}

func (s *Store) Expire(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `update jwt_tokens set expired = true where token = $1`, token)
	return err
}

func (s *Store) ExpireAll(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`update jwt_tokens set expired = true where username = $1 and not expired`, username)
	return err
}

func (s *Store) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from jwt_tokens where expired or created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
