package sqlstore

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/sessions"
)

type SessionRepo struct {
	db *DB
}

var _ sessions.Repo = (*SessionRepo)(nil)

func (r *SessionRepo) Create(ctx context.Context, s *sessions.Session) error {
	n, err := r.db.exec(ctx, `INSERT INTO sessions (id, user_id, issued_at, expires_at, revoked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		s.ID, s.UserID, toMillis(s.IssuedAt), toMillis(s.ExpiresAt), toMillis(s.RevokedAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrAlreadyExists
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*sessions.Session, error) {
	var (
		s                              sessions.Session
		issuedAt, expiresAt, revokedAt int64
	)
	err := r.db.queryRow(ctx, `SELECT id, user_id, issued_at, expires_at, revoked_at FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.UserID, &issuedAt, &expiresAt, &revokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	s.IssuedAt = fromMillis(issuedAt)
	s.ExpiresAt = fromMillis(expiresAt)
	s.RevokedAt = fromMillis(revokedAt)
	return &s, nil
}

func (r *SessionRepo) Revoke(ctx context.Context, id string, at time.Time) error {
	n, err := r.db.exec(ctx, `UPDATE sessions SET revoked_at = ? WHERE id = ? AND revoked_at = 0`, toMillis(at), id)
	if err != nil {
		return err
	}
	if n == 0 {
		// Either already revoked or absent.
		_, err := r.Get(ctx, id)
		return err
	}
	return nil
}

func (r *SessionRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.db.exec(ctx, `DELETE FROM sessions WHERE expires_at < ?`, toMillis(cutoff))
	return int(n), err
}
