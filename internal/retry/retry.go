// Package retry bounds every backing-store call with a timeout and retries a
// failed call once before surfacing it as a transient error.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
)

// Config controls store call behaviour.
type Config struct {
	Timeout time.Duration // per attempt
	Backoff time.Duration // wait before the retry
	Tries   uint          // total attempts, including the first
}

// DefaultConfig returns a 2s timeout with a single retry after 50ms.
func DefaultConfig() Config {
	return Config{
		Timeout: 2 * time.Second,
		Backoff: 50 * time.Millisecond,
		Tries:   2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Tries == 0 {
		c.Tries = d.Tries
	}
	return c
}

// Do runs op under cfg. Decision errors (not found, version conflict, already
// exists, validation) are returned unchanged and never retried. Anything else
// that survives the retry is wrapped as ErrTransient.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Backoff
	b.MaxInterval = 4 * cfg.Backoff

	res, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		v, err := op(attemptCtx)
		if err != nil && isDecision(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(cfg.Tries))
	if err == nil {
		return res, nil
	}
	if isDecision(err) {
		return res, err
	}
	return res, apperrors.Transient(err)
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func isDecision(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound) ||
		apperrors.Is(err, apperrors.ErrVersionConflict) ||
		apperrors.Is(err, apperrors.ErrAlreadyExists) ||
		apperrors.Is(err, apperrors.ErrValidation)
}
