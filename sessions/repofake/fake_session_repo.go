package fakesessionrepo

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/sessions"
)

var _ sessions.Repo = (*FakeSessionRepo)(nil)

type FakeSessionRepo struct {
	sessions map[string]*sessions.Session
	lock     sync.RWMutex
}

func NewFakeSessionRepo() *FakeSessionRepo {
	return &FakeSessionRepo{
		sessions: make(map[string]*sessions.Session),
	}
}

func (sr *FakeSessionRepo) Create(_ context.Context, s *sessions.Session) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	if _, ok := sr.sessions[s.ID]; ok {
		return apperrors.ErrAlreadyExists
	}
	sr.sessions[s.ID] = s.Clone()
	return nil
}

func (sr *FakeSessionRepo) Get(_ context.Context, id string) (*sessions.Session, error) {
	sr.lock.RLock()
	defer sr.lock.RUnlock()

	s, ok := sr.sessions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return s.Clone(), nil
}

func (sr *FakeSessionRepo) Revoke(_ context.Context, id string, at time.Time) error {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	s, ok := sr.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if s.RevokedAt.IsZero() {
		s.RevokedAt = at
	}
	return nil
}

func (sr *FakeSessionRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	deleted := 0
	for id, s := range sr.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(sr.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
