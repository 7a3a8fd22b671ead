package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-mfa-server/internal/config"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/store"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T) *users.Account {
	t.Helper()
	hasher := users.NewPasswordHasher(users.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	acct, err := users.NewAccount(users.NewAccountParams{
		Username:    "carol",
		Password:    "Passw0rdPass",
		MFType:      users.MFEmail,
		Destination: "carol@example.com",
	}, hasher, time.Now())
	require.NoError(t, err)
	return acct
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"memory", &config.Config{Store: config.StoreMemory}},
		{"sqlite", &config.Config{Store: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "nested", "mfa.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := store.Open(ctx, tt.cfg)
			require.NoError(t, err)
			defer s.Close()

			require.NoError(t, s.Ping(ctx))
			acct := newAccount(t)
			require.NoError(t, s.Accounts.Create(ctx, acct))
			got, err := s.Accounts.GetByUsername(ctx, acct.UsernameNormalized)
			require.NoError(t, err)
			require.Equal(t, acct.ID, got.ID)

			_, err = s.Challenges.Get(ctx, acct.ID)
			require.ErrorIs(t, err, apperrors.ErrNotFound)
			_, err = s.Sessions.Get(ctx, "missing")
			require.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestOpen_UnknownStore(t *testing.T) {
	_, err := store.Open(context.Background(), &config.Config{Store: "tape"})
	require.Error(t, err)
}
