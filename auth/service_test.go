package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-mfa-server/auth"
	"github.com/jrsteele09/go-mfa-server/credentials"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/telemetry"
	"github.com/jrsteele09/go-mfa-server/mfa"
	fakechallengerepo "github.com/jrsteele09/go-mfa-server/mfa/repofake"
	"github.com/jrsteele09/go-mfa-server/sessions"
	fakesessionrepo "github.com/jrsteele09/go-mfa-server/sessions/repofake"
	"github.com/jrsteele09/go-mfa-server/users"
	fakeuserrepo "github.com/jrsteele09/go-mfa-server/users/repofake"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	testUsername = "alice"
	testPassword = "Correct1Horse"
	testEmail    = "alice@example.com"
)

var (
	testParams = users.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
	testPepper = []byte("0123456789abcdef0123456789abcdef")
	testSecret = []byte("challenge-reference-signing-key-0123456789")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testFixture holds all test dependencies
type testFixture struct {
	clock      *testClock
	users      *fakeuserrepo.FakeUserRepo
	hasher     *users.PasswordHasher
	challenges *fakechallengerepo.FakeChallengeRepo
	codes      map[string]string // user id to last dispatched code
	codesMu    sync.Mutex
	refs       *auth.RefSigner
	sessions   *sessions.Issuer
	service    *auth.Service
	metrics    *sdkmetric.ManualReader
	account    *users.Account
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		clock:      &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
		users:      fakeuserrepo.NewFakeUserRepo(),
		hasher:     users.NewPasswordHasher(testParams),
		challenges: fakechallengerepo.NewFakeChallengeRepo(),
		codes:      make(map[string]string),
	}

	creds, err := credentials.NewVerifier(f.users, f.hasher, credentials.DefaultConfig(), credentials.WithNowTime(f.clock.Now))
	require.NoError(t, err)

	codeHasher, err := mfa.NewCodeHasher(testPepper)
	require.NoError(t, err)
	strategies := mfa.DefaultStrategies(codeHasher, 6, mfa.DefaultTOTPConfig())

	dispatcher := mfa.DispatcherFunc(func(_ context.Context, msg mfa.Message) error {
		f.codesMu.Lock()
		defer f.codesMu.Unlock()
		f.codes[msg.UserID] = msg.Code
		return nil
	})
	issuer, err := mfa.NewIssuer(f.challenges, strategies, codeHasher, dispatcher, mfa.DefaultIssuerConfig(), mfa.WithNowTime(f.clock.Now))
	require.NoError(t, err)
	verifier, err := mfa.NewVerifier(f.challenges, f.users, strategies, mfa.WithNowTime(f.clock.Now))
	require.NoError(t, err)

	f.sessions, err = sessions.NewIssuer(fakesessionrepo.NewFakeSessionRepo(), sessions.DefaultConfig(), sessions.WithNowTime(f.clock.Now))
	require.NoError(t, err)
	f.refs, err = auth.NewRefSigner(testSecret, "test", auth.WithNowTime(f.clock.Now))
	require.NoError(t, err)

	f.metrics = sdkmetric.NewManualReader()
	metrics, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.metrics)))
	require.NoError(t, err)

	f.service, err = auth.NewService(auth.Components{
		Credentials: creds,
		Challenges:  issuer,
		Codes:       verifier,
		Sessions:    f.sessions,
		Refs:        f.refs,
	}, auth.WithMetrics(metrics))
	require.NoError(t, err)

	f.account = f.createAccount(t, users.NewAccountParams{
		Username:    testUsername,
		Password:    testPassword,
		MFType:      users.MFEmail,
		Destination: testEmail,
	})
	return f
}

func (f *testFixture) createAccount(t *testing.T, p users.NewAccountParams) *users.Account {
	t.Helper()
	acct, err := users.NewAccount(p, f.hasher, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.users.Create(context.Background(), acct))
	return acct
}

func (f *testFixture) lastCode(t *testing.T, userID string) string {
	t.Helper()
	f.codesMu.Lock()
	defer f.codesMu.Unlock()
	code, ok := f.codes[userID]
	require.True(t, ok, "no code dispatched to %s", userID)
	return code
}

func (f *testFixture) login(t *testing.T) *auth.LoginResult {
	t.Helper()
	res, err := f.service.Login(context.Background(), auth.LoginRequest{Username: testUsername, Password: testPassword})
	require.NoError(t, err)
	return res
}

// counts sums each counter's data points by metric name and attribute value.
func (f *testFixture) counts(t *testing.T) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.metrics.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				key := m.Name
				for _, kv := range dp.Attributes.ToSlice() {
					key += ":" + kv.Value.Emit()
				}
				out[key] += dp.Value
			}
		}
	}
	return out
}

// wrongCode returns a code that differs from code.
func wrongCode(code string) string {
	if strings.HasPrefix(code, "0") {
		return "1" + code[1:]
	}
	return "0" + code[1:]
}

func TestNewService_RequiresComponents(t *testing.T) {
	_, err := auth.NewService(auth.Components{})
	require.ErrorContains(t, err, "Credentials verifier is required")
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from auth.State
		ev   auth.Event
		want auth.State
	}{
		{auth.AwaitingCredentials, auth.CredentialsValid, auth.AwaitingMfa},
		{auth.AwaitingCredentials, auth.CredentialsInvalid, auth.Rejected},
		{auth.AwaitingCredentials, auth.CredentialsLocked, auth.Locked},
		{auth.AwaitingMfa, auth.MFASuccess, auth.Authenticated},
		{auth.AwaitingMfa, auth.MFAInvalid, auth.AwaitingMfa},
		{auth.AwaitingMfa, auth.MFAExpired, auth.Rejected},
		{auth.AwaitingMfa, auth.MFAExhausted, auth.Rejected},
		{auth.AwaitingMfa, auth.MFANoChallenge, auth.Rejected},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := auth.Transition(tt.from, tt.ev)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	t.Run("terminal states accept nothing", func(t *testing.T) {
		for _, s := range []auth.State{auth.Authenticated, auth.Rejected, auth.Locked} {
			require.True(t, s.Terminal())
			_, err := auth.Transition(s, auth.MFASuccess)
			require.Error(t, err)
		}
	})

	t.Run("mfa events are not accepted before credentials", func(t *testing.T) {
		_, err := auth.Transition(auth.AwaitingCredentials, auth.MFASuccess)
		require.Error(t, err)
	})
}

func TestLogin(t *testing.T) {
	f := setupTestFixture(t)

	res := f.login(t)
	require.Equal(t, auth.AwaitingMfa, res.State)
	require.Equal(t, auth.MsgCodeSent, res.Message)
	require.Equal(t, users.MFEmail, res.Method)
	require.Len(t, f.lastCode(t, f.account.ID), 6)

	ref, err := f.refs.Parse(res.ChallengeRef)
	require.NoError(t, err)
	require.Equal(t, f.account.ID, ref.UserID)
	require.NotEmpty(t, ref.ChallengeID)

	t.Run("username is normalised", func(t *testing.T) {
		f.clock.Advance(time.Minute)
		_, err := f.service.Login(context.Background(), auth.LoginRequest{Username: "  ALICE ", Password: testPassword})
		require.NoError(t, err)
	})
}

func TestLogin_Validation(t *testing.T) {
	f := setupTestFixture(t)

	tests := []struct {
		name string
		req  auth.LoginRequest
	}{
		{"empty", auth.LoginRequest{}},
		{"no password", auth.LoginRequest{Username: testUsername}},
		{"blank username", auth.LoginRequest{Username: "   ", Password: testPassword}},
		{"oversized password", auth.LoginRequest{Username: testUsername, Password: strings.Repeat("x", 2000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Login(context.Background(), tt.req)
			require.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestLogin_UnknownUser(t *testing.T) {
	f := setupTestFixture(t)

	for i := 0; i < 10; i++ {
		_, err := f.service.Login(context.Background(), auth.LoginRequest{Username: "ghost", Password: "x"})
		require.ErrorIs(t, err, apperrors.ErrRejected)
		require.NotErrorIs(t, err, apperrors.ErrLocked)
	}
}

func TestLogin_WrongPasswordLooksLikeUnknownUser(t *testing.T) {
	f := setupTestFixture(t)

	_, errWrong := f.service.Login(context.Background(), auth.LoginRequest{Username: testUsername, Password: "Wrong1Horse"})
	_, errGhost := f.service.Login(context.Background(), auth.LoginRequest{Username: "ghost", Password: "Wrong1Horse"})
	require.ErrorIs(t, errWrong, apperrors.ErrRejected)
	require.ErrorIs(t, errGhost, apperrors.ErrRejected)
}

func TestLogin_Lockout(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_, err := f.service.Login(ctx, auth.LoginRequest{Username: testUsername, Password: "Wrong1Horse"})
		if i < 5 {
			require.ErrorIs(t, err, apperrors.ErrRejected, "attempt %d", i)
			continue
		}
		require.ErrorIs(t, err, apperrors.ErrLocked, "attempt %d", i)
		_, ok := apperrors.RetryAfter(err)
		require.True(t, ok)
	}

	_, err := f.service.Login(ctx, auth.LoginRequest{Username: testUsername, Password: testPassword})
	require.ErrorIs(t, err, apperrors.ErrLocked, "correct password while locked")

	f.clock.Advance(credentials.DefaultConfig().LockoutBase)
	res := f.login(t)
	require.Equal(t, auth.AwaitingMfa, res.State)

	_, err = f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: res.ChallengeRef, Code: f.lastCode(t, f.account.ID)})
	require.NoError(t, err)
	acct, err := f.users.GetByID(ctx, f.account.ID)
	require.NoError(t, err)
	require.Zero(t, acct.FailedLoginCount, "a full login resets the counter")
	require.True(t, acct.LockoutUntil.IsZero())
}

func TestLogin_RateLimited(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	_, err := f.service.Login(context.Background(), auth.LoginRequest{Username: testUsername, Password: testPassword})
	require.ErrorIs(t, err, apperrors.ErrRateLimited)

	f.clock.Advance(mfa.DefaultIssuerConfig().MinInterval)
	f.login(t)
}

func TestLogin_NoSecondFactor(t *testing.T) {
	f := setupTestFixture(t)
	f.createAccount(t, users.NewAccountParams{Username: "bob", Password: testPassword, MFType: users.MFNone})

	_, err := f.service.Login(context.Background(), auth.LoginRequest{Username: "bob", Password: testPassword})
	require.ErrorIs(t, err, apperrors.ErrRejected)
}

func TestVerifyMFA(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	login := f.login(t)
	code := f.lastCode(t, f.account.ID)

	res, err := f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: code})
	require.NoError(t, err)
	require.Equal(t, auth.Authenticated, res.State)
	require.Equal(t, auth.MsgVerified, res.Message)
	require.False(t, res.MFARequired)
	require.NotEmpty(t, res.SessionToken)

	v, err := f.service.Session(ctx, res.SessionToken)
	require.NoError(t, err)
	require.Equal(t, sessions.Valid, v.Status)
	require.Equal(t, f.account.ID, v.UserID)

	t.Run("code is single use", func(t *testing.T) {
		_, err := f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: code})
		require.ErrorIs(t, err, apperrors.ErrRejected)
	})

	t.Run("logout", func(t *testing.T) {
		require.NoError(t, f.service.Logout(ctx, res.SessionToken))
		require.NoError(t, f.service.Logout(ctx, res.SessionToken))
		v, err := f.service.Session(ctx, res.SessionToken)
		require.NoError(t, err)
		require.Equal(t, sessions.Revoked, v.Status)
	})
}

func TestService_Metrics(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.service.Login(ctx, auth.LoginRequest{Username: testUsername, Password: "Wrong1Horse"})
	require.ErrorIs(t, err, apperrors.ErrRejected)
	login := f.login(t)
	code := f.lastCode(t, f.account.ID)

	_, err = f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: wrongCode(code)})
	require.NoError(t, err)
	_, err = f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: code})
	require.NoError(t, err)

	require.Equal(t, map[string]int64{
		"auth.logins:rejected":           1,
		"auth.logins:awaiting_mfa":       1,
		"auth.mfa.verifications:invalid": 1,
		"auth.mfa.verifications:success": 1,
		"auth.sessions.issued":           1,
	}, f.counts(t))
}

func TestVerifyMFA_ByUserID(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	res, err := f.service.VerifyMFA(context.Background(), auth.VerifyRequest{UserID: f.account.ID, Code: f.lastCode(t, f.account.ID)})
	require.NoError(t, err)
	require.Equal(t, auth.Authenticated, res.State)
}

func TestVerifyMFA_AttemptBudget(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	login := f.login(t)
	code := f.lastCode(t, f.account.ID)
	req := auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: wrongCode(code)}

	for i := 1; i <= 4; i++ {
		res, err := f.service.VerifyMFA(ctx, req)
		require.NoError(t, err)
		require.Equal(t, auth.AwaitingMfa, res.State)
		require.True(t, res.MFARequired)
		require.Equal(t, auth.MsgInvalidCode, res.Message)
		require.Equal(t, 5-i, res.AttemptsRemaining)
	}
	_, err := f.service.VerifyMFA(ctx, req)
	require.ErrorIs(t, err, apperrors.ErrRejected)

	_, err = f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: code})
	require.ErrorIs(t, err, apperrors.ErrRejected, "exhausted regardless of code")
}

func TestVerifyMFA_SupersededChallenge(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	first := f.login(t)
	firstCode := f.lastCode(t, f.account.ID)

	f.clock.Advance(mfa.DefaultIssuerConfig().MinInterval)
	second := f.login(t)

	_, err := f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: first.ChallengeRef, Code: firstCode})
	require.ErrorIs(t, err, apperrors.ErrRejected)

	res, err := f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: second.ChallengeRef, Code: f.lastCode(t, f.account.ID)})
	require.NoError(t, err)
	require.Equal(t, auth.Authenticated, res.State)
}

func TestVerifyMFA_ExpiredChallenge(t *testing.T) {
	f := setupTestFixture(t)
	login := f.login(t)
	code := f.lastCode(t, f.account.ID)

	f.clock.Advance(mfa.DefaultIssuerConfig().ChallengeTTL + time.Second)
	_, err := f.service.VerifyMFA(context.Background(), auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: code})
	require.ErrorIs(t, err, apperrors.ErrRejected)

	stored, err := f.challenges.Get(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.True(t, stored.Consumed, "expired reference retires the challenge")
	require.Equal(t, mfa.ConsumedExpired, stored.ConsumedReason)
	require.Equal(t, mfa.DefaultIssuerConfig().MaxAttempts, stored.AttemptsRemaining, "no attempt spent")

	_, err = f.service.VerifyMFA(context.Background(), auth.VerifyRequest{UserID: f.account.ID, Code: code})
	require.ErrorIs(t, err, apperrors.ErrRejected)
}

func TestVerifyMFA_BadRequests(t *testing.T) {
	f := setupTestFixture(t)
	login := f.login(t)
	code := f.lastCode(t, f.account.ID)

	tests := []struct {
		name    string
		req     auth.VerifyRequest
		wantErr error
	}{
		{"empty code", auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: "  "}, apperrors.ErrValidation},
		{"no reference or user", auth.VerifyRequest{Code: code}, apperrors.ErrValidation},
		{"tampered reference", auth.VerifyRequest{ChallengeRef: login.ChallengeRef + "x", Code: code}, apperrors.ErrRejected},
		{"garbage reference", auth.VerifyRequest{ChallengeRef: "abc", Code: code}, apperrors.ErrRejected},
		{"unknown user", auth.VerifyRequest{UserID: "ghost", Code: code}, apperrors.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.VerifyMFA(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyMFA_Authenticator(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "carol"})
	require.NoError(t, err)
	acct := f.createAccount(t, users.NewAccountParams{
		Username:  "carol",
		Password:  testPassword,
		MFType:    users.MFAuthenticator,
		MFASecret: key.Secret(),
	})

	login, err := f.service.Login(ctx, auth.LoginRequest{Username: "carol", Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, auth.MsgCodeFromApp, login.Message)
	f.codesMu.Lock()
	_, sent := f.codes[acct.ID]
	f.codesMu.Unlock()
	require.False(t, sent, "authenticator codes are not dispatched")

	code, err := totp.GenerateCode(key.Secret(), f.clock.Now())
	require.NoError(t, err)
	res, err := f.service.VerifyMFA(ctx, auth.VerifyRequest{ChallengeRef: login.ChallengeRef, Code: code})
	require.NoError(t, err)
	require.Equal(t, auth.Authenticated, res.State)
}

func TestSweep(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.login(t)

	f.clock.Advance(24 * time.Hour)
	res, err := f.service.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Challenges)
	require.Zero(t, res.Sessions)
}

func TestRefSigner(t *testing.T) {
	_, err := auth.NewRefSigner([]byte("short"), "test")
	require.Error(t, err)

	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	rs, err := auth.NewRefSigner(testSecret, "test", auth.WithNowTime(func() time.Time { return now }))
	require.NoError(t, err)

	raw, err := rs.Sign(auth.ChallengeRef{UserID: "42", ChallengeID: "c-1", ExpiresAt: now.Add(5 * time.Minute)})
	require.NoError(t, err)

	ref, err := rs.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "42", ref.UserID)
	require.Equal(t, "c-1", ref.ChallengeID)

	other, err := auth.NewRefSigner([]byte("another-signing-key-0123456789-abcdef"), "test")
	require.NoError(t, err)
	_, err = other.Parse(raw)
	require.Error(t, err, "signed with a different key")

	late, err := auth.NewRefSigner(testSecret, "test", auth.WithNowTime(func() time.Time { return now.Add(time.Hour) }))
	require.NoError(t, err)
	ref, err = late.Parse(raw)
	require.ErrorIs(t, err, jwtlib.ErrTokenExpired)
	require.Equal(t, "42", ref.UserID, "identifiers survive expiry")
	require.Equal(t, "c-1", ref.ChallengeID)

	foreign, err := auth.NewRefSigner(testSecret, "elsewhere", auth.WithNowTime(func() time.Time { return now.Add(time.Hour) }))
	require.NoError(t, err)
	ref, err = foreign.Parse(raw)
	require.Error(t, err)
	require.Empty(t, ref.UserID, "expired and from another issuer")
}

func TestRefSigner_ExpiryCoversSubSecondChallenge(t *testing.T) {
	issued := time.Date(2026, 6, 1, 8, 0, 0, 500_000_000, time.UTC)
	challengeExpiry := issued.Add(5 * time.Minute)

	at := func(ts time.Time) *auth.RefSigner {
		rs, err := auth.NewRefSigner(testSecret, "test", auth.WithNowTime(func() time.Time { return ts }))
		require.NoError(t, err)
		return rs
	}
	raw, err := at(issued).Sign(auth.ChallengeRef{UserID: "42", ChallengeID: "c-1", ExpiresAt: challengeExpiry})
	require.NoError(t, err)

	_, err = at(challengeExpiry).Parse(raw)
	require.NoError(t, err, "valid for as long as the challenge")

	_, err = at(challengeExpiry.Add(400 * time.Millisecond)).Parse(raw)
	require.NoError(t, err)

	_, err = at(challengeExpiry.Add(500 * time.Millisecond)).Parse(raw)
	require.ErrorIs(t, err, jwtlib.ErrTokenExpired, "lapses only after the challenge has")
}
