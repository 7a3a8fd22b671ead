// Package store opens the configured backends and hands out the repositories
// the authentication core runs on.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrsteele09/go-mfa-server/internal/config"
	"github.com/jrsteele09/go-mfa-server/internal/store/redisstore"
	"github.com/jrsteele09/go-mfa-server/internal/store/sqlstore"
	"github.com/jrsteele09/go-mfa-server/mfa"
	fakechallengerepo "github.com/jrsteele09/go-mfa-server/mfa/repofake"
	"github.com/jrsteele09/go-mfa-server/sessions"
	fakesessionrepo "github.com/jrsteele09/go-mfa-server/sessions/repofake"
	"github.com/jrsteele09/go-mfa-server/users"
	fakeuserrepo "github.com/jrsteele09/go-mfa-server/users/repofake"
	"github.com/redis/go-redis/v9"
)

// Stores bundles the three repositories and the health of what backs them.
type Stores struct {
	Accounts   users.Repo
	Challenges mfa.Repo
	Sessions   sessions.Repo

	pingers []func(context.Context) error
	closers []func() error
}

// Open builds Stores from cfg.Store and cfg.EphemeralStore.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}

	switch cfg.Store {
	case config.StoreMemory:
		s.Accounts = fakeuserrepo.NewFakeUserRepo()
		s.Challenges = fakechallengerepo.NewFakeChallengeRepo()
		s.Sessions = fakesessionrepo.NewFakeSessionRepo()
	case config.StoreSQLite, config.StorePostgres:
		dialect, dsn := sqlstore.Postgres, cfg.DatabaseURL
		if cfg.Store == config.StoreSQLite {
			dialect, dsn = sqlstore.SQLite, cfg.SQLitePath
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, fmt.Errorf("store: create sqlite dir: %w", err)
			}
		}
		db, err := sqlstore.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, err
		}
		s.Accounts, s.Challenges, s.Sessions = db.Accounts(), db.Challenges(), db.Sessions()
		s.pingers = append(s.pingers, db.Ping)
		s.closers = append(s.closers, db.Close)
	default:
		return nil, fmt.Errorf("store: unknown STORE %q", cfg.Store)
	}

	if cfg.EphemeralStore == config.StoreRedis {
		client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		rs, err := redisstore.New(client, redisstore.Config{})
		if err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, err
		}
		s.Challenges, s.Sessions = rs.Challenges(), rs.Sessions()
		s.pingers = append(s.pingers, func(ctx context.Context) error { return pingRedis(ctx, client) })
		s.closers = append(s.closers, client.Close)
	}
	return s, nil
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Ping checks every backend. The memory store always succeeds.
func (s *Stores) Ping(ctx context.Context) error {
	var errs []error
	for _, ping := range s.pingers {
		errs = append(errs, ping(ctx))
	}
	return errors.Join(errs...)
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}
