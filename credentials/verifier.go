// Package credentials checks username/password pairs and maintains the
// per-account failure counter and lockout.
package credentials

import (
	"bytes"
	"context"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/retry"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status is the outcome of a credential check.
type Status int

const (
	Invalid Status = iota
	Valid
	Locked
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Locked:
		return "locked"
	default:
		return "invalid"
	}
}

// Result of Verify. Account is set only for Valid.
type Result struct {
	Status     Status
	UserID     string
	Account    *users.Account
	RetryAfter time.Duration // Locked only
}

// Config holds the lockout policy.
type Config struct {
	LockoutThreshold int           // Consecutive failures that trigger a lockout
	LockoutBase      time.Duration // Window at the threshold; doubles per further failure
	LockoutMax       time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockoutThreshold: 5,
		LockoutBase:      time.Minute,
		LockoutMax:       time.Hour,
	}
}

// PasswordHasher is the slice of users.PasswordHasher the verifier needs.
type PasswordHasher interface {
	NewSalt() ([]byte, error)
	Hash(password string, salt []byte) []byte
	Matches(password string, salt, hash []byte) bool
}

// Verifier implements the credential check.
type Verifier struct {
	repo      users.Repo
	hasher    PasswordHasher
	cfg       Config
	store     retry.Config
	decoySalt []byte
	decoyHash []byte
	nowTime   func() time.Time
	logger    zerolog.Logger
}

// VerifierOption defines a function type to modify the Verifier instance.
type VerifierOption func(*Verifier)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithStoreConfig sets the timeout/retry policy for account store calls.
func WithStoreConfig(cfg retry.Config) VerifierOption {
	return func(v *Verifier) {
		v.store = cfg
	}
}

func NewVerifier(repo users.Repo, hasher PasswordHasher, cfg Config, options ...VerifierOption) (*Verifier, error) {
	if repo == nil {
		return nil, apperrors.New("[NewVerifier] account repo is required")
	}
	if hasher == nil {
		return nil, apperrors.New("[NewVerifier] password hasher is required")
	}
	if cfg.LockoutThreshold <= 0 {
		return nil, apperrors.New("[NewVerifier] lockout threshold must be positive")
	}
	if cfg.LockoutBase <= 0 {
		cfg.LockoutBase = DefaultConfig().LockoutBase
	}
	if cfg.LockoutMax < cfg.LockoutBase {
		cfg.LockoutMax = cfg.LockoutBase
	}

	// The decoy hash is derived with the live parameters so a lookup miss costs
	// the same as a wrong password.
	salt, err := hasher.NewSalt()
	if err != nil {
		return nil, apperrors.Wrapf(err, "[NewVerifier] decoy salt")
	}
	decoyPassword, err := hasher.NewSalt()
	if err != nil {
		return nil, apperrors.Wrapf(err, "[NewVerifier] decoy password")
	}

	v := &Verifier{
		repo:      repo,
		hasher:    hasher,
		cfg:       cfg,
		store:     retry.DefaultConfig(),
		decoySalt: salt,
		decoyHash: hasher.Hash(string(decoyPassword), salt),
		nowTime:   time.Now,
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(v)
	}
	return v, nil
}

// Verify checks username and password. Rejections are reported through
// Result.Status; the error is non-nil only for store failures.
func (v *Verifier) Verify(ctx context.Context, username, password string) (Result, error) {
	acct, err := retry.Do(ctx, v.store, func(ctx context.Context) (*users.Account, error) {
		return v.repo.GetByUsername(ctx, users.NormalizeUsername(username))
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		v.hasher.Matches(password, v.decoySalt, v.decoyHash)
		v.logger.Debug().Str("status", Invalid.String()).Msg("credential check for unknown username")
		return Result{Status: Invalid}, nil
	}
	if err != nil {
		return Result{}, apperrors.Wrapf(err, "[Verifier.Verify] GetByUsername")
	}

	var (
		matched  bool
		hashedAt []byte
	)
	for attempt := 0; attempt < 2; attempt++ {
		now := v.nowTime()
		if locked, remaining := acct.LockedAt(now); locked {
			v.logger.Info().Str("user_id", acct.ID).Dur("retry_after", remaining).Msg("login attempt on locked account")
			return Result{Status: Locked, UserID: acct.ID, RetryAfter: remaining}, nil
		}

		// Re-derive only if the stored hash changed under us.
		if hashedAt == nil || !bytes.Equal(hashedAt, acct.PasswordHash) {
			matched = v.hasher.Matches(password, acct.PasswordSalt, acct.PasswordHash)
			hashedAt = acct.PasswordHash
		}
		if matched {
			return Result{Status: Valid, UserID: acct.ID, Account: acct}, nil
		}

		result := v.recordFailure(acct, now)
		err := retry.Exec(ctx, v.store, func(ctx context.Context) error {
			return v.repo.UpdateLoginState(ctx, acct)
		})
		if err == nil {
			v.logger.Info().
				Str("user_id", acct.ID).
				Int("failed_login_count", acct.FailedLoginCount).
				Str("status", result.Status.String()).
				Msg("credential check failed")
			return result, nil
		}
		if !apperrors.Is(err, apperrors.ErrVersionConflict) {
			return Result{}, apperrors.Wrapf(err, "[Verifier.Verify] UpdateLoginState")
		}

		acct, err = v.reload(ctx, acct.ID)
		if err != nil {
			return Result{}, apperrors.Wrapf(err, "[Verifier.Verify] reload")
		}
	}
	return Result{}, apperrors.Transient(apperrors.Wrapf(apperrors.ErrVersionConflict, "[Verifier.Verify] account %s", acct.ID))
}

// ResetFailures clears the failure counter and any lockout. It is called once
// a login has completed every factor.
func (v *Verifier) ResetFailures(ctx context.Context, userID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		acct, err := v.reload(ctx, userID)
		if err != nil {
			return apperrors.Wrapf(err, "[Verifier.ResetFailures] reload")
		}
		if acct.FailedLoginCount == 0 && acct.LockoutUntil.IsZero() {
			return nil
		}
		acct.FailedLoginCount = 0
		acct.LockoutUntil = time.Time{}
		err = retry.Exec(ctx, v.store, func(ctx context.Context) error {
			return v.repo.UpdateLoginState(ctx, acct)
		})
		if err == nil {
			return nil
		}
		if !apperrors.Is(err, apperrors.ErrVersionConflict) {
			return apperrors.Wrapf(err, "[Verifier.ResetFailures] UpdateLoginState")
		}
	}
	return apperrors.Transient(apperrors.Wrapf(apperrors.ErrVersionConflict, "[Verifier.ResetFailures] account %s", userID))
}

func (v *Verifier) recordFailure(acct *users.Account, now time.Time) Result {
	acct.FailedLoginCount++
	if acct.FailedLoginCount < v.cfg.LockoutThreshold {
		return Result{Status: Invalid, UserID: acct.ID}
	}
	window := v.lockoutWindow(acct.FailedLoginCount)
	acct.LockoutUntil = now.Add(window)
	return Result{Status: Locked, UserID: acct.ID, RetryAfter: window}
}

// lockoutWindow is base at the threshold and doubles with each further
// consecutive failure, capped at LockoutMax.
func (v *Verifier) lockoutWindow(failures int) time.Duration {
	over := failures - v.cfg.LockoutThreshold
	window := v.cfg.LockoutBase
	for i := 0; i < over; i++ {
		window *= 2
		if window >= v.cfg.LockoutMax {
			return v.cfg.LockoutMax
		}
	}
	return window
}

func (v *Verifier) reload(ctx context.Context, userID string) (*users.Account, error) {
	return retry.Do(ctx, v.store, func(ctx context.Context) (*users.Account, error) {
		return v.repo.GetByID(ctx, userID)
	})
}
