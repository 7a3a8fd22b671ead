package sqlstore

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/jrsteele09/go-mfa-server/users"
)

type ChallengeRepo struct {
	db *DB
}

var _ mfa.Repo = (*ChallengeRepo)(nil)

func (r *ChallengeRepo) Get(ctx context.Context, userID string) (*mfa.Challenge, error) {
	var (
		ch                  mfa.Challenge
		method, reason      string
		issuedAt, expiresAt int64
	)
	err := r.db.queryRow(ctx, `SELECT user_id, id, method, code_hash, issued_at, expires_at,
		attempts_remaining, consumed_reason, totp_step, version
		FROM mfa_challenges WHERE user_id = ?`, userID).
		Scan(&ch.UserID, &ch.ID, &method, &ch.CodeHash, &issuedAt, &expiresAt,
			&ch.AttemptsRemaining, &reason, &ch.TOTPStep, &ch.Version)
	if err != nil {
		return nil, notFound(err)
	}
	ch.Method = users.MFAuthType(method)
	ch.IssuedAt = fromMillis(issuedAt)
	ch.ExpiresAt = fromMillis(expiresAt)
	ch.ConsumedReason = mfa.ConsumedReason(reason)
	ch.Consumed = reason != ""
	return &ch, nil
}

// Save inserts when ch.Version is 0 and otherwise replaces the row only if its
// version still matches.
func (r *ChallengeRepo) Save(ctx context.Context, ch *mfa.Challenge) error {
	var reason string
	if ch.Consumed {
		reason = string(ch.ConsumedReason)
		if reason == "" {
			reason = string(mfa.ConsumedVerified)
		}
	}

	var (
		n   int64
		err error
	)
	if ch.Version == 0 {
		n, err = r.db.exec(ctx, `INSERT INTO mfa_challenges
			(user_id, id, method, code_hash, issued_at, expires_at, attempts_remaining, consumed_reason, totp_step, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT DO NOTHING`,
			ch.UserID, ch.ID, string(ch.Method), ch.CodeHash, toMillis(ch.IssuedAt), toMillis(ch.ExpiresAt),
			ch.AttemptsRemaining, reason, ch.TOTPStep)
	} else {
		n, err = r.db.exec(ctx, `UPDATE mfa_challenges
			SET id = ?, method = ?, code_hash = ?, issued_at = ?, expires_at = ?,
				attempts_remaining = ?, consumed_reason = ?, totp_step = ?, version = version + 1
			WHERE user_id = ? AND version = ?`,
			ch.ID, string(ch.Method), ch.CodeHash, toMillis(ch.IssuedAt), toMillis(ch.ExpiresAt),
			ch.AttemptsRemaining, reason, ch.TOTPStep, ch.UserID, ch.Version)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrVersionConflict
	}
	ch.Version++
	return nil
}

func (r *ChallengeRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.db.exec(ctx, `DELETE FROM mfa_challenges WHERE expires_at < ?`, toMillis(cutoff))
	return int(n), err
}
