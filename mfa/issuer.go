package mfa

import (
	"context"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/retry"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// IssuerConfig holds the challenge issuance policy.
type IssuerConfig struct {
	ChallengeTTL    time.Duration
	MaxAttempts     int
	MinInterval     time.Duration // Between issuances for one user
	DispatchTimeout time.Duration
}

func DefaultIssuerConfig() IssuerConfig {
	return IssuerConfig{
		ChallengeTTL:    5 * time.Minute,
		MaxAttempts:     5,
		MinInterval:     30 * time.Second,
		DispatchTimeout: 10 * time.Second,
	}
}

// Handle describes an issued challenge without revealing the code.
type Handle struct {
	ChallengeID string
	UserID      string
	Method      users.MFAuthType
	ExpiresAt   time.Time
	Dispatched  bool
}

// Issuer creates challenges, enforces the issuance interval and hands the
// plaintext code to the dispatcher exactly once.
type Issuer struct {
	repo       Repo
	strategies Strategies
	hasher     *CodeHasher
	dispatcher Dispatcher
	cfg        IssuerConfig
	store      retry.Config
	nowTime    func() time.Time
	logger     zerolog.Logger
}

// Option configures an Issuer or Verifier.
type Option func(*options)

type options struct {
	store   retry.Config
	nowTime func() time.Time
	logger  zerolog.Logger
}

func defaultOptions(opts []Option) options {
	o := options{store: retry.DefaultConfig(), nowTime: time.Now, logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(o *options) { o.nowTime = nowFunc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStoreConfig sets the timeout/retry policy for challenge store calls.
func WithStoreConfig(cfg retry.Config) Option {
	return func(o *options) { o.store = cfg }
}

func NewIssuer(repo Repo, strategies Strategies, hasher *CodeHasher, dispatcher Dispatcher, cfg IssuerConfig, opts ...Option) (*Issuer, error) {
	if repo == nil {
		return nil, apperrors.New("[NewIssuer] challenge repo is required")
	}
	if len(strategies) == 0 {
		return nil, apperrors.New("[NewIssuer] at least one code strategy is required")
	}
	if hasher == nil {
		return nil, apperrors.New("[NewIssuer] code hasher is required")
	}
	if dispatcher == nil {
		return nil, apperrors.New("[NewIssuer] dispatcher is required")
	}
	d := DefaultIssuerConfig()
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = d.ChallengeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = d.DispatchTimeout
	}

	o := defaultOptions(opts)
	return &Issuer{
		repo:       repo,
		strategies: strategies,
		hasher:     hasher,
		dispatcher: dispatcher,
		cfg:        cfg,
		store:      o.store,
		nowTime:    o.nowTime,
		logger:     o.logger,
	}, nil
}

// Issue creates a challenge for acct, replacing any outstanding one. It returns
// an errors.ErrRateLimited (with retry hint) if the previous challenge was
// issued less than MinInterval ago.
func (is *Issuer) Issue(ctx context.Context, acct *users.Account) (*Handle, error) {
	strategy, err := is.strategies.For(acct.MFType)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Issuer.Issue] user %s", acct.ID)
	}

	for attempt := 0; attempt < 2; attempt++ {
		now := is.nowTime()

		prior, err := retry.Do(ctx, is.store, func(ctx context.Context) (*Challenge, error) {
			return is.repo.Get(ctx, acct.ID)
		})
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrapf(err, "[Issuer.Issue] Get")
		}

		var version, totpStep int64
		if prior != nil {
			version = prior.Version
			totpStep = prior.TOTPStep
			if prior.ConsumedReason != ConsumedUndelivered {
				if wait := prior.IssuedAt.Add(is.cfg.MinInterval).Sub(now); wait > 0 {
					is.logger.Info().Str("user_id", acct.ID).Dur("retry_after", wait).Msg("challenge issuance rate limited")
					return nil, apperrors.RateLimited(wait)
				}
			}
		}

		code, dispatch, err := strategy.NewCode(acct, now)
		if err != nil {
			return nil, apperrors.Wrapf(err, "[Issuer.Issue] NewCode")
		}
		ch := &Challenge{
			ID:                uuid.New().String(),
			UserID:            acct.ID,
			Method:            acct.MFType,
			IssuedAt:          now,
			ExpiresAt:         now.Add(is.cfg.ChallengeTTL),
			AttemptsRemaining: is.cfg.MaxAttempts,
			TOTPStep:          totpStep,
			Version:           version,
		}
		ch.CodeHash = is.hasher.Hash(ch.ID, code)

		err = retry.Exec(ctx, is.store, func(ctx context.Context) error {
			return is.repo.Save(ctx, ch)
		})
		if apperrors.Is(err, apperrors.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, apperrors.Wrapf(err, "[Issuer.Issue] Save")
		}

		if prior != nil && !prior.Consumed {
			is.logger.Info().Str("user_id", acct.ID).Str("challenge_id", prior.ID).Msg("challenge superseded")
		}

		if dispatch {
			if err := is.dispatch(ctx, acct, ch, code); err != nil {
				return nil, err
			}
		}

		is.logger.Info().
			Str("user_id", acct.ID).
			Str("challenge_id", ch.ID).
			Str("method", string(ch.Method)).
			Time("expires_at", ch.ExpiresAt).
			Msg("challenge issued")
		return &Handle{
			ChallengeID: ch.ID,
			UserID:      ch.UserID,
			Method:      ch.Method,
			ExpiresAt:   ch.ExpiresAt,
			Dispatched:  dispatch,
		}, nil
	}
	return nil, apperrors.Transient(apperrors.Wrapf(apperrors.ErrVersionConflict, "[Issuer.Issue] user %s", acct.ID))
}

// dispatch sends the code once. On failure the challenge is retired so it can
// never be answered, and the issuance interval is waived for the next request.
func (is *Issuer) dispatch(ctx context.Context, acct *users.Account, ch *Challenge, code string) error {
	dctx, cancel := context.WithTimeout(ctx, is.cfg.DispatchTimeout)
	defer cancel()

	err := is.dispatcher.Dispatch(dctx, Message{
		UserID:      acct.ID,
		Method:      acct.MFType,
		Destination: acct.Destination,
		Code:        code,
		ExpiresAt:   ch.ExpiresAt,
	})
	if err == nil {
		return nil
	}

	is.logger.Error().Err(err).Str("user_id", acct.ID).Str("challenge_id", ch.ID).Msg("challenge dispatch failed")
	ch.Consume(ConsumedUndelivered)
	if serr := retry.Exec(ctx, is.store, func(ctx context.Context) error {
		return is.repo.Save(ctx, ch)
	}); serr != nil && !apperrors.Is(serr, apperrors.ErrVersionConflict) {
		is.logger.Error().Err(serr).Str("challenge_id", ch.ID).Msg("failed to retire undelivered challenge")
	}
	return apperrors.Transient(apperrors.Wrapf(err, "[Issuer.Issue] dispatch"))
}

// Sweep deletes challenges that expired more than one ChallengeTTL ago.
// Expiry is enforced at verification regardless; rows are kept past expiry so
// the last accepted TOTP step outlives the code window it was spent in.
func (is *Issuer) Sweep(ctx context.Context) (int, error) {
	return retry.Do(ctx, is.store, func(ctx context.Context) (int, error) {
		return is.repo.DeleteExpired(ctx, is.nowTime().Add(-is.cfg.ChallengeTTL))
	})
}
