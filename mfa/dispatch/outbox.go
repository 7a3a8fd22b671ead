// Package dispatch delivers MFA codes to users over their registered channel.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/rs/zerolog/log"
)

// Outbox keeps the last code sent to each user in memory instead of delivering
// it. For local development and tests only; config refuses it in production.
type Outbox struct {
	mu      sync.RWMutex
	entries map[string]mfa.Message
	nowTime func() time.Time
}

var _ mfa.Dispatcher = (*Outbox)(nil)

func NewOutbox() *Outbox {
	return &Outbox{
		entries: make(map[string]mfa.Message),
		nowTime: time.Now,
	}
}

func (o *Outbox) Dispatch(_ context.Context, msg mfa.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[msg.UserID] = msg
	log.Debug().Str("user_id", msg.UserID).Str("method", string(msg.Method)).Msg("code placed in dev outbox")
	return nil
}

// Last returns the most recent unexpired code sent to userID.
func (o *Outbox) Last(userID string) (string, bool) {
	o.mu.RLock()
	msg, ok := o.entries[userID]
	o.mu.RUnlock()
	if !ok || !msg.ExpiresAt.After(o.nowTime()) {
		return "", false
	}
	return msg.Code, true
}
