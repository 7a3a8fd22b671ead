package mfa

import (
	"context"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/retry"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/rs/zerolog"
)

// Outcome of a code verification.
type Outcome int

const (
	NoChallenge Outcome = iota
	Success
	Invalid
	Expired
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case Exhausted:
		return "exhausted"
	default:
		return "no_challenge"
	}
}

// Result of Verify.
type Result struct {
	Outcome           Outcome
	ChallengeID       string
	AttemptsRemaining int
}

// AccountSource resolves the account a challenge belongs to. users.Repo satisfies it.
type AccountSource interface {
	GetByID(ctx context.Context, id string) (*users.Account, error)
}

// Verifier checks presented codes against the user's outstanding challenge.
type Verifier struct {
	repo       Repo
	accounts   AccountSource
	strategies Strategies
	store      retry.Config
	nowTime    func() time.Time
	logger     zerolog.Logger
}

func NewVerifier(repo Repo, accounts AccountSource, strategies Strategies, opts ...Option) (*Verifier, error) {
	if repo == nil {
		return nil, apperrors.New("[NewVerifier] challenge repo is required")
	}
	if accounts == nil {
		return nil, apperrors.New("[NewVerifier] account source is required")
	}
	if len(strategies) == 0 {
		return nil, apperrors.New("[NewVerifier] at least one code strategy is required")
	}
	o := defaultOptions(opts)
	return &Verifier{
		repo:       repo,
		accounts:   accounts,
		strategies: strategies,
		store:      o.store,
		nowTime:    o.nowTime,
		logger:     o.logger,
	}, nil
}

// Verify checks code against userID's outstanding challenge. If challengeID is
// non-empty it must name that challenge. Every state change is a conditional
// write; a caller that loses a race reloads and decides once more.
func (v *Verifier) Verify(ctx context.Context, userID, challengeID, code string) (Result, error) {
	return v.update(ctx, "Verify", userID, challengeID, func(ch *Challenge) (Result, bool, error) {
		return v.decide(ctx, ch, code)
	})
}

// Expire retires challengeID once it is past its expiry, without checking a
// code or spending an attempt. A challenge that is still live is left alone
// and reported as Invalid.
func (v *Verifier) Expire(ctx context.Context, userID, challengeID string) (Result, error) {
	return v.update(ctx, "Expire", userID, challengeID, func(ch *Challenge) (Result, bool, error) {
		result := Result{ChallengeID: ch.ID}
		switch {
		case ch.Consumed:
			result.Outcome = consumedOutcome(ch)
			return result, false, nil
		case !v.nowTime().After(ch.ExpiresAt):
			result.Outcome = Invalid
			result.AttemptsRemaining = ch.AttemptsRemaining
			return result, false, nil
		}
		ch.Consume(ConsumedExpired)
		result.Outcome = Expired
		return result, true, nil
	})
}

func (v *Verifier) update(ctx context.Context, op, userID, challengeID string, apply func(ch *Challenge) (Result, bool, error)) (Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ch, err := retry.Do(ctx, v.store, func(ctx context.Context) (*Challenge, error) {
			return v.repo.Get(ctx, userID)
		})
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return v.finish(userID, Result{Outcome: NoChallenge}), nil
		}
		if err != nil {
			return Result{}, apperrors.Wrapf(err, "[Verifier.%s] Get", op)
		}
		if challengeID != "" && ch.ID != challengeID {
			return v.finish(userID, Result{Outcome: NoChallenge, ChallengeID: challengeID}), nil
		}

		result, changed, err := apply(ch)
		if err != nil {
			return Result{}, err
		}
		if !changed {
			return v.finish(userID, result), nil
		}

		err = retry.Exec(ctx, v.store, func(ctx context.Context) error {
			return v.repo.Save(ctx, ch)
		})
		if err == nil {
			return v.finish(userID, result), nil
		}
		if !apperrors.Is(err, apperrors.ErrVersionConflict) {
			return Result{}, apperrors.Wrapf(err, "[Verifier.%s] Save", op)
		}
	}
	return Result{}, apperrors.Transient(apperrors.Wrapf(apperrors.ErrVersionConflict, "[Verifier.%s] user %s", op, userID))
}

// decide applies one verification attempt to ch in memory. changed reports
// whether ch has to be written back.
func (v *Verifier) decide(ctx context.Context, ch *Challenge, code string) (result Result, changed bool, err error) {
	result.ChallengeID = ch.ID

	if ch.Consumed {
		result.Outcome = consumedOutcome(ch)
		return result, false, nil
	}

	now := v.nowTime()
	if now.After(ch.ExpiresAt) {
		ch.Consume(ConsumedExpired)
		result.Outcome = Expired
		return result, true, nil
	}

	if ch.AttemptsRemaining <= 0 {
		ch.AttemptsRemaining = 0
		ch.Consume(ConsumedExhausted)
		result.Outcome = Exhausted
		return result, true, nil
	}
	ch.AttemptsRemaining--
	result.AttemptsRemaining = ch.AttemptsRemaining

	strategy, err := v.strategies.For(ch.Method)
	if err != nil {
		return result, false, apperrors.Wrapf(err, "[Verifier.Verify] challenge %s", ch.ID)
	}
	acct, err := retry.Do(ctx, v.store, func(ctx context.Context) (*users.Account, error) {
		return v.accounts.GetByID(ctx, ch.UserID)
	})
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return result, false, apperrors.Wrapf(err, "[Verifier.Verify] GetByID")
	}

	var (
		step    int64
		matched bool
	)
	if acct != nil {
		step, matched = strategy.Matches(ch, acct, code, now)
	}
	switch {
	case matched:
		if step > ch.TOTPStep {
			ch.TOTPStep = step
		}
		ch.Consume(ConsumedVerified)
		result.Outcome = Success
	case ch.AttemptsRemaining == 0:
		ch.Consume(ConsumedExhausted)
		result.Outcome = Exhausted
	default:
		result.Outcome = Invalid
	}
	return result, true, nil
}

// consumedOutcome reports a spent challenge. Exhausted and expired stay
// terminal; anything else no longer exists as far as the caller is concerned.
func consumedOutcome(ch *Challenge) Outcome {
	switch ch.ConsumedReason {
	case ConsumedExhausted:
		return Exhausted
	case ConsumedExpired:
		return Expired
	default:
		return NoChallenge
	}
}

func (v *Verifier) finish(userID string, result Result) Result {
	v.logger.Info().
		Str("user_id", userID).
		Str("challenge_id", result.ChallengeID).
		Str("outcome", result.Outcome.String()).
		Int("attempts_remaining", result.AttemptsRemaining).
		Msg("mfa verification")
	return result
}
