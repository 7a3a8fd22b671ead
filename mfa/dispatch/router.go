package dispatch

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/jrsteele09/go-mfa-server/users"
)

// Router picks a dispatcher by the message's MFA method.
type Router map[users.MFAuthType]mfa.Dispatcher

var _ mfa.Dispatcher = Router(nil)

func (r Router) Dispatch(ctx context.Context, msg mfa.Message) error {
	d, ok := r[msg.Method]
	if !ok || d == nil {
		return fmt.Errorf("dispatch: no channel for mfa type %q", msg.Method)
	}
	return d.Dispatch(ctx, msg)
}
