// Package telemetry exports authentication counters through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jrsteele09/go-mfa-server"

// Metrics holds the counters the auth service reports into. A nil *Metrics
// records nothing.
type Metrics struct {
	logins   metric.Int64Counter
	mfa      metric.Int64Counter
	sessions metric.Int64Counter
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	logins, err := meter.Int64Counter("auth.logins",
		metric.WithDescription("First-factor attempts by resulting state"))
	if err != nil {
		return nil, fmt.Errorf("auth.logins counter: %w", err)
	}
	mfa, err := meter.Int64Counter("auth.mfa.verifications",
		metric.WithDescription("Second-factor attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("auth.mfa.verifications counter: %w", err)
	}
	sessions, err := meter.Int64Counter("auth.sessions.issued",
		metric.WithDescription("Sessions minted after both factors"))
	if err != nil {
		return nil, fmt.Errorf("auth.sessions.issued counter: %w", err)
	}
	return &Metrics{logins: logins, mfa: mfa, sessions: sessions}, nil
}

// Login counts a first-factor attempt that ended in state.
func (m *Metrics) Login(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// MFA counts a second-factor attempt.
func (m *Metrics) MFA(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.mfa.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) SessionIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}
