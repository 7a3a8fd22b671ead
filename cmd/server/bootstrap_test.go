package main

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-mfa-server/users"
	fakeuserrepo "github.com/jrsteele09/go-mfa-server/users/repofake"
	"github.com/stretchr/testify/require"
)

func TestSeedDevAccount(t *testing.T) {
	ctx := context.Background()
	repo := fakeuserrepo.NewFakeUserRepo()
	hasher := users.NewPasswordHasher(users.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	seed, err := seedDevAccount(ctx, repo, hasher, "admin", now)
	require.NoError(t, err)
	require.NotEmpty(t, seed.Password)
	require.NoError(t, users.ValidatePasswordStrength(seed.Password))

	stored, err := repo.GetByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, users.MFEmail, stored.MFType)
	require.Equal(t, "admin@localhost", stored.Destination)
	require.True(t, hasher.Matches(seed.Password, stored.PasswordSalt, stored.PasswordHash))

	again, err := seedDevAccount(ctx, repo, hasher, "admin", now)
	require.NoError(t, err)
	require.Empty(t, again.Password, "existing account keeps its password")
	require.Equal(t, stored.ID, again.Account.ID)
}

func TestGeneratePassword(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		password, err := generatePassword()
		require.NoError(t, err)
		require.NoError(t, users.ValidatePasswordStrength(password))
		require.False(t, seen[password])
		seen[password] = true
	}
}
