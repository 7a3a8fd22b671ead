package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/internal/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the session policy.
type Config struct {
	TTL        time.Duration
	TokenBytes int // Random bytes per token; at least 16
}

func DefaultConfig() Config {
	return Config{TTL: 8 * time.Hour, TokenBytes: 32}
}

// Status of a presented session token.
type Status int

const (
	Unknown Status = iota
	Valid
	Expired
	Revoked
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Validation is the result of Validate. UserID and ExpiresAt are set only when
// Status is Valid.
type Validation struct {
	Status    Status
	UserID    string
	ExpiresAt time.Time
}

// Issuer mints, validates and revokes opaque session tokens.
type Issuer struct {
	repo    Repo
	cfg     Config
	store   retry.Config
	nowTime func() time.Time
	logger  zerolog.Logger
}

type IssuerOption func(*Issuer)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) IssuerOption {
	return func(is *Issuer) { is.nowTime = nowFunc }
}

func WithLogger(logger zerolog.Logger) IssuerOption {
	return func(is *Issuer) { is.logger = logger }
}

func WithStoreConfig(cfg retry.Config) IssuerOption {
	return func(is *Issuer) { is.store = cfg }
}

func NewIssuer(repo Repo, cfg Config, opts ...IssuerOption) (*Issuer, error) {
	if repo == nil {
		return nil, apperrors.New("[NewIssuer] session repo is required")
	}
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.TokenBytes == 0 {
		cfg.TokenBytes = d.TokenBytes
	}
	if cfg.TokenBytes < 16 {
		return nil, apperrors.New("[NewIssuer] session tokens need at least 16 random bytes")
	}

	is := &Issuer{
		repo:    repo,
		cfg:     cfg,
		store:   retry.DefaultConfig(),
		nowTime: time.Now,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(is)
	}
	return is, nil
}

// Issue creates a session for userID and returns the token to give the client.
func (is *Issuer) Issue(ctx context.Context, userID string) (string, *Session, error) {
	if userID == "" {
		return "", nil, apperrors.Validation("user id is required")
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := newToken(is.cfg.TokenBytes)
		if err != nil {
			return "", nil, err
		}
		now := is.nowTime()
		s := &Session{
			ID:        HashToken(token),
			UserID:    userID,
			IssuedAt:  now,
			ExpiresAt: now.Add(is.cfg.TTL),
		}
		err = retry.Exec(ctx, is.store, func(ctx context.Context) error {
			return is.repo.Create(ctx, s)
		})
		if apperrors.Is(err, apperrors.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return "", nil, apperrors.Wrapf(err, "[Issuer.Issue] Create")
		}
		is.logger.Info().Str("user_id", userID).Time("expires_at", s.ExpiresAt).Msg("session issued")
		return token, s, nil
	}
	return "", nil, apperrors.Transient(fmt.Errorf("[Issuer.Issue] session id collision"))
}

// Validate reports the state of the session behind token.
func (is *Issuer) Validate(ctx context.Context, token string) (Validation, error) {
	if token == "" {
		return Validation{Status: Unknown}, nil
	}
	s, err := retry.Do(ctx, is.store, func(ctx context.Context) (*Session, error) {
		return is.repo.Get(ctx, HashToken(token))
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return Validation{Status: Unknown}, nil
	}
	if err != nil {
		return Validation{}, apperrors.Wrapf(err, "[Issuer.Validate] Get")
	}

	switch {
	case s.Revoked():
		return Validation{Status: Revoked}, nil
	case !is.nowTime().Before(s.ExpiresAt):
		return Validation{Status: Expired}, nil
	default:
		return Validation{Status: Valid, UserID: s.UserID, ExpiresAt: s.ExpiresAt}, nil
	}
}

// Revoke marks the session behind token revoked. Unknown and already revoked
// tokens are not errors.
func (is *Issuer) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	id := HashToken(token)
	err := retry.Exec(ctx, is.store, func(ctx context.Context) error {
		return is.repo.Revoke(ctx, id, is.nowTime())
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.Wrapf(err, "[Issuer.Revoke] Revoke")
	}
	is.logger.Info().Str("session_id", id[:12]).Msg("session revoked")
	return nil
}

// Sweep deletes sessions that expired before now.
func (is *Issuer) Sweep(ctx context.Context) (int, error) {
	return retry.Do(ctx, is.store, func(ctx context.Context) (int, error) {
		return is.repo.DeleteExpired(ctx, is.nowTime())
	})
}

// HashToken derives the stored session ID from a client token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
