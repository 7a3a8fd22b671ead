package users

import "context"

// Repo is the account store. Implementations return copies, report missing
// records with errors.ErrNotFound, and implement UpdateLoginState as a
// conditional write on Version.
type Repo interface {
	// Create stores a new account; errors.ErrAlreadyExists on a username clash.
	// On success acct.Version is 1.
	Create(ctx context.Context, acct *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByUsername(ctx context.Context, normalized string) (*Account, error)
	// UpdateLoginState writes FailedLoginCount and LockoutUntil only if the
	// stored version equals acct.Version (errors.ErrVersionConflict otherwise),
	// then increments acct.Version.
	UpdateLoginState(ctx context.Context, acct *Account) error
}
