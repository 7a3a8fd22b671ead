package sessions_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/sessions"
	fakesessionrepo "github.com/jrsteele09/go-mfa-server/sessions/repofake"
	"github.com/stretchr/testify/require"
)

type testFixture struct {
	now    time.Time
	repo   *fakesessionrepo.FakeSessionRepo
	issuer *sessions.Issuer
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		now:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		repo: fakesessionrepo.NewFakeSessionRepo(),
	}
	var err error
	f.issuer, err = sessions.NewIssuer(f.repo, sessions.Config{TTL: time.Hour},
		sessions.WithNowTime(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func TestNewIssuer(t *testing.T) {
	_, err := sessions.NewIssuer(nil, sessions.DefaultConfig())
	require.ErrorContains(t, err, "session repo is required")

	_, err = sessions.NewIssuer(fakesessionrepo.NewFakeSessionRepo(), sessions.Config{TokenBytes: 8})
	require.ErrorContains(t, err, "at least 16")
}

func TestIssue(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	token, s, err := f.issuer.Issue(ctx, "42")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	require.Len(t, raw, 32)

	require.Equal(t, "42", s.UserID)
	require.Equal(t, f.now.Add(time.Hour), s.ExpiresAt)
	require.Equal(t, sessions.HashToken(token), s.ID)
	require.NotEqual(t, token, s.ID, "the token is not stored")

	other, _, err := f.issuer.Issue(ctx, "42")
	require.NoError(t, err)
	require.NotEqual(t, token, other)

	_, _, err = f.issuer.Issue(ctx, "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(f *testFixture, token string)
		token  func(token string) string
		status sessions.Status
	}{
		{
			name:   "valid",
			status: sessions.Valid,
		},
		{
			name:   "unknown token",
			token:  func(string) string { return "not-a-token" },
			status: sessions.Unknown,
		},
		{
			name:   "empty token",
			token:  func(string) string { return "" },
			status: sessions.Unknown,
		},
		{
			name:   "expired",
			setup:  func(f *testFixture, _ string) { f.now = f.now.Add(time.Hour) },
			status: sessions.Expired,
		},
		{
			name: "revoked",
			setup: func(f *testFixture, token string) {
				require.NoError(t, f.issuer.Revoke(ctx, token))
			},
			status: sessions.Revoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			token, _, err := f.issuer.Issue(ctx, "42")
			require.NoError(t, err)
			if tt.setup != nil {
				tt.setup(f, token)
			}
			presented := token
			if tt.token != nil {
				presented = tt.token(token)
			}

			v, err := f.issuer.Validate(ctx, presented)
			require.NoError(t, err)
			require.Equal(t, tt.status, v.Status)
			if tt.status == sessions.Valid {
				require.Equal(t, "42", v.UserID)
			} else {
				require.Empty(t, v.UserID)
			}
		})
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	token, s, err := f.issuer.Issue(ctx, "42")
	require.NoError(t, err)

	require.NoError(t, f.issuer.Revoke(ctx, token))
	first, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.issuer.Revoke(ctx, token))
	second, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, first, second, "revoking twice is the same as once")

	require.NoError(t, f.issuer.Revoke(ctx, "unknown"))
	require.NoError(t, f.issuer.Revoke(ctx, ""))
}

func TestSweep(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	token, _, err := f.issuer.Issue(ctx, "42")
	require.NoError(t, err)

	n, err := f.issuer.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.now = f.now.Add(2 * time.Hour)
	n, err = f.issuer.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v, err := f.issuer.Validate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, sessions.Unknown, v.Status)
}
