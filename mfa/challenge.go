package mfa

import (
	"context"
	"time"

	"github.com/jrsteele09/go-mfa-server/users"
)

// ConsumedReason records why a challenge can no longer be answered.
type ConsumedReason string

const (
	ConsumedVerified    ConsumedReason = "verified"
	ConsumedExpired     ConsumedReason = "expired"
	ConsumedExhausted   ConsumedReason = "exhausted"
	ConsumedUndelivered ConsumedReason = "undelivered" // Dispatch failed; does not count towards the issuance interval
)

// Challenge is the outstanding second-factor check for a user. A user has at
// most one; issuing a new one replaces it.
type Challenge struct {
	ID                string
	UserID            string
	Method            users.MFAuthType
	CodeHash          []byte // Keyed hash, see CodeHasher. The plaintext is never stored.
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	Consumed          bool
	ConsumedReason    ConsumedReason
	TOTPStep          int64 // Last accepted authenticator time step, carried to the next challenge
	Version           int64
}

// Consume marks the challenge as spent. Consumption is one-way; the first
// reason sticks.
func (c *Challenge) Consume(reason ConsumedReason) {
	if c.Consumed {
		return
	}
	c.Consumed = true
	c.ConsumedReason = reason
}

// Clone returns a deep copy.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	cp.CodeHash = append([]byte(nil), c.CodeHash...)
	return &cp
}

// Repo is the challenge store, keyed by user ID. Save is a conditional write:
// it succeeds only if the stored version equals ch.Version (0 meaning "no
// record"), replaces the stored record, and increments ch.Version. Otherwise
// it returns errors.ErrVersionConflict.
type Repo interface {
	Get(ctx context.Context, userID string) (*Challenge, error)
	Save(ctx context.Context, ch *Challenge) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Message is what a Dispatcher delivers: the plaintext code and where to send it.
type Message struct {
	UserID      string
	Method      users.MFAuthType
	Destination string
	Code        string
	ExpiresAt   time.Time
}

// Dispatcher delivers codes to the user's registered channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
