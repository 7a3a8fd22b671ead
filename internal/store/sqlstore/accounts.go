package sqlstore

import (
	"context"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/users"
)

const accountColumns = `id, username, username_normalized, password_hash, password_salt, mfa_type,
	mfa_secret, destination, failed_login_count, lockout_until, created_at, version`

type AccountRepo struct {
	db *DB
}

var _ users.Repo = (*AccountRepo)(nil)

func (r *AccountRepo) Create(ctx context.Context, acct *users.Account) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	n, err := r.db.exec(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT DO NOTHING`,
		acct.ID, acct.Username, acct.UsernameNormalized, acct.PasswordHash, acct.PasswordSalt,
		string(acct.MFType), acct.MFASecret, acct.Destination, acct.FailedLoginCount,
		toMillis(acct.LockoutUntil), toMillis(acct.CreatedAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Wrapf(apperrors.ErrAlreadyExists, "username %q", acct.UsernameNormalized)
	}
	acct.Version = 1
	return nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id string) (*users.Account, error) {
	return scanAccount(r.db.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (r *AccountRepo) GetByUsername(ctx context.Context, normalized string) (*users.Account, error) {
	return scanAccount(r.db.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username_normalized = ?`, normalized))
}

func (r *AccountRepo) UpdateLoginState(ctx context.Context, acct *users.Account) error {
	n, err := r.db.exec(ctx, `UPDATE accounts
		SET failed_login_count = ?, lockout_until = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		acct.FailedLoginCount, toMillis(acct.LockoutUntil), acct.ID, acct.Version)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, acct.ID); err != nil {
			return err
		}
		return apperrors.ErrVersionConflict
	}
	acct.Version++
	return nil
}

func scanAccount(row interface{ Scan(...any) error }) (*users.Account, error) {
	var (
		a                       users.Account
		mfType                  string
		lockoutUntil, createdAt int64
	)
	err := row.Scan(&a.ID, &a.Username, &a.UsernameNormalized, &a.PasswordHash, &a.PasswordSalt, &mfType,
		&a.MFASecret, &a.Destination, &a.FailedLoginCount, &lockoutUntil, &createdAt, &a.Version)
	if err != nil {
		return nil, notFound(err)
	}
	a.MFType = users.MFAuthType(mfType)
	a.LockoutUntil = fromMillis(lockoutUntil)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}
