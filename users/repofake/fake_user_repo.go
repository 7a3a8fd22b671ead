package fakeuserrepo

import (
	"context"
	"sync"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/users"
)

var _ users.Repo = (*FakeUserRepo)(nil)

type FakeUserRepo struct {
	users       map[string]*users.Account
	usernameIDs map[string]string // normalized username to user id
	lock        sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		users:       make(map[string]*users.Account),
		usernameIDs: make(map[string]string),
	}
}

func (ur *FakeUserRepo) Create(_ context.Context, acct *users.Account) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	if _, ok := ur.usernameIDs[acct.UsernameNormalized]; ok {
		return apperrors.Wrapf(apperrors.ErrAlreadyExists, "username %q", acct.UsernameNormalized)
	}
	if _, ok := ur.users[acct.ID]; ok {
		return apperrors.Wrapf(apperrors.ErrAlreadyExists, "user %s", acct.ID)
	}
	acct.Version = 1
	ur.users[acct.ID] = acct.Clone()
	ur.usernameIDs[acct.UsernameNormalized] = acct.ID
	return nil
}

func (ur *FakeUserRepo) GetByID(_ context.Context, id string) (*users.Account, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	acct, ok := ur.users[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return acct.Clone(), nil
}

func (ur *FakeUserRepo) GetByUsername(_ context.Context, normalized string) (*users.Account, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.usernameIDs[normalized]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return ur.users[id].Clone(), nil
}

func (ur *FakeUserRepo) UpdateLoginState(_ context.Context, acct *users.Account) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	stored, ok := ur.users[acct.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if stored.Version != acct.Version {
		return apperrors.ErrVersionConflict
	}
	stored.FailedLoginCount = acct.FailedLoginCount
	stored.LockoutUntil = acct.LockoutUntil
	stored.Version++
	acct.Version = stored.Version
	return nil
}
