// Package redisstore keeps challenges and sessions in Redis. Conditional
// writes use WATCH/MULTI; keys carry a TTL so Redis reclaims them itself.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/go-mfa-server/internal/errors"
	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/jrsteele09/go-mfa-server/sessions"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/redis/go-redis/v9"
)

// Config for Store.
type Config struct {
	Prefix    string        // Key prefix; defaults to "mfa:"
	Retention time.Duration // How long a record outlives its expiry so late reads still see it
}

type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	nowTime   func() time.Time
}

type StoreOption func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) { s.nowTime = nowFunc }
}

func New(client redis.UniversalClient, cfg Config, options ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, apperrors.New("[redisstore.New] client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mfa:"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	s := &Store{client: client, prefix: cfg.Prefix, retention: cfg.Retention, nowTime: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Connect opens a client for addr and checks it responds.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *Store) Challenges() *ChallengeRepo {
	return &ChallengeRepo{s: s}
}

func (s *Store) Sessions() *SessionRepo {
	return &SessionRepo{s: s}
}

func (s *Store) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.nowTime()) + s.retention
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return apperrors.ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		return apperrors.ErrVersionConflict
	default:
		return err
	}
}

type challengeRecord struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Method            string    `json:"method"`
	CodeHash          []byte    `json:"code_hash"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	ConsumedReason    string    `json:"consumed_reason,omitempty"`
	TOTPStep          int64     `json:"totp_step,omitempty"`
	Version           int64     `json:"version"`
}

type ChallengeRepo struct {
	s *Store
}

var _ mfa.Repo = (*ChallengeRepo)(nil)

func (r *ChallengeRepo) key(userID string) string {
	return r.s.prefix + "challenge:" + userID
}

func (r *ChallengeRepo) Get(ctx context.Context, userID string) (*mfa.Challenge, error) {
	raw, err := r.s.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		return nil, mapErr(err)
	}
	var rec challengeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt challenge record for user %s: %w", userID, err)
	}
	return &mfa.Challenge{
		ID:                rec.ID,
		UserID:            rec.UserID,
		Method:            users.MFAuthType(rec.Method),
		CodeHash:          rec.CodeHash,
		IssuedAt:          rec.IssuedAt,
		ExpiresAt:         rec.ExpiresAt,
		AttemptsRemaining: rec.AttemptsRemaining,
		Consumed:          rec.ConsumedReason != "",
		ConsumedReason:    mfa.ConsumedReason(rec.ConsumedReason),
		TOTPStep:          rec.TOTPStep,
		Version:           rec.Version,
	}, nil
}

func (r *ChallengeRepo) Save(ctx context.Context, ch *mfa.Challenge) error {
	key := r.key(ch.UserID)
	reason := ""
	if ch.Consumed {
		reason = string(ch.ConsumedReason)
		if reason == "" {
			reason = string(mfa.ConsumedVerified)
		}
	}
	rec := challengeRecord{
		ID:                ch.ID,
		UserID:            ch.UserID,
		Method:            string(ch.Method),
		CodeHash:          ch.CodeHash,
		IssuedAt:          ch.IssuedAt,
		ExpiresAt:         ch.ExpiresAt,
		AttemptsRemaining: ch.AttemptsRemaining,
		ConsumedReason:    reason,
		TOTPStep:          ch.TOTPStep,
		Version:           ch.Version + 1,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	err = r.s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored challengeRecord
			if err := json.Unmarshal(raw, &stored); err != nil {
				return err
			}
			current = stored.Version
		}
		if current != ch.Version {
			return apperrors.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, r.s.ttl(ch.ExpiresAt))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapErr(err)
	}
	ch.Version++
	return nil
}

// DeleteExpired is a no-op; challenge keys expire on their own.
func (r *ChallengeRepo) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

type sessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

type SessionRepo struct {
	s *Store
}

var _ sessions.Repo = (*SessionRepo)(nil)

func (r *SessionRepo) key(id string) string {
	return r.s.prefix + "session:" + id
}

func (r *SessionRepo) Create(ctx context.Context, sess *sessions.Session) error {
	payload, err := json.Marshal(sessionRecord(*sess))
	if err != nil {
		return err
	}
	ok, err := r.s.client.SetNX(ctx, r.key(sess.ID), payload, r.s.ttl(sess.ExpiresAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrAlreadyExists
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*sessions.Session, error) {
	raw, err := r.s.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		return nil, mapErr(err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	s := sessions.Session(rec)
	return &s, nil
}

func (r *SessionRepo) Revoke(ctx context.Context, id string, at time.Time) error {
	key := r.key(id)
	revoke := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if !rec.RevokedAt.IsZero() {
			return nil
		}
		rec.RevokedAt = at
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	// Revocation only ever sets one field, so a lost race is retried once here.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.s.client.Watch(ctx, revoke, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return mapErr(err)
}

// DeleteExpired is a no-op; session keys expire on their own.
func (r *SessionRepo) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
