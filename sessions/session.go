package sessions

import (
	"context"
	"time"
)

// Session is an authenticated login. ID is the SHA-256 of the opaque token
// handed to the client; the token itself is never stored.
type Session struct {
	ID        string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt time.Time // Zero while the session is live
}

func (s *Session) Revoked() bool {
	return !s.RevokedAt.IsZero()
}

// Clone returns a copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Repo is the session store. Missing records are reported with errors.ErrNotFound.
type Repo interface {
	// Create stores a new session; errors.ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Revoke sets RevokedAt if it is not already set. Revoking a revoked
	// session leaves the first timestamp in place and is not an error.
	Revoke(ctx context.Context, id string, at time.Time) error
	// DeleteExpired removes sessions whose ExpiresAt is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
