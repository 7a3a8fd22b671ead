package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-mfa-server/internal/telemetry"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect returns each counter's data points keyed by metric name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string][]metricdata.DataPoint[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", m.Name)
			out[m.Name] = sum.DataPoints
		}
	}
	return out
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	m, err := telemetry.NewMetrics(provider)
	require.NoError(t, err)

	m.Login(ctx, "awaiting_mfa")
	m.Login(ctx, "awaiting_mfa")
	m.Login(ctx, "rejected")
	m.MFA(ctx, "success")
	m.SessionIssued(ctx)

	got := collect(t, reader)

	logins := make(map[string]int64)
	for _, dp := range got["auth.logins"] {
		state, ok := dp.Attributes.Value("state")
		require.True(t, ok)
		logins[state.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"awaiting_mfa": 2, "rejected": 1}, logins)

	require.Len(t, got["auth.mfa.verifications"], 1)
	outcome, _ := got["auth.mfa.verifications"][0].Attributes.Value("outcome")
	require.Equal(t, "success", outcome.AsString())

	require.Len(t, got["auth.sessions.issued"], 1)
	require.Equal(t, int64(1), got["auth.sessions.issued"][0].Value)
}

func TestMetrics_NilRecordsNothing(t *testing.T) {
	var m *telemetry.Metrics
	require.NotPanics(t, func() {
		m.Login(context.Background(), "rejected")
		m.MFA(context.Background(), "invalid")
		m.SessionIssued(context.Background())
	})
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := telemetry.NewProvider(ctx, "  ", "test", false, time.Second)
	require.NoError(t, err)
	require.NotNil(t, p.MeterProvider)
	require.NoError(t, p.Shutdown(ctx))

	_, err = telemetry.NewProvider(ctx, "http://", "test", false, time.Second)
	require.ErrorContains(t, err, "missing host")
}
