package fakechallengerepo

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/mfa"
)

var _ mfa.Repo = (*FakeChallengeRepo)(nil)

type FakeChallengeRepo struct {
	challenges map[string]*mfa.Challenge // user id to current challenge
	lock       sync.RWMutex
}

func NewFakeChallengeRepo() *FakeChallengeRepo {
	return &FakeChallengeRepo{
		challenges: make(map[string]*mfa.Challenge),
	}
}

func (cr *FakeChallengeRepo) Get(_ context.Context, userID string) (*mfa.Challenge, error) {
	cr.lock.RLock()
	defer cr.lock.RUnlock()

	ch, ok := cr.challenges[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return ch.Clone(), nil
}

func (cr *FakeChallengeRepo) Save(_ context.Context, ch *mfa.Challenge) error {
	cr.lock.Lock()
	defer cr.lock.Unlock()

	var current int64
	if stored, ok := cr.challenges[ch.UserID]; ok {
		current = stored.Version
	}
	if current != ch.Version {
		return apperrors.ErrVersionConflict
	}
	ch.Version++
	cr.challenges[ch.UserID] = ch.Clone()
	return nil
}

func (cr *FakeChallengeRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	cr.lock.Lock()
	defer cr.lock.Unlock()

	deleted := 0
	for userID, ch := range cr.challenges {
		if ch.ExpiresAt.Before(cutoff) {
			delete(cr.challenges, userID)
			deleted++
		}
	}
	return deleted, nil
}
