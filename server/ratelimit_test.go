package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIPLimiter(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	l := newIPLimiter(rate.Limit(1), 2)
	l.nowTime = func() time.Time { return now }

	ok, _ := l.allow("a")
	require.True(t, ok)
	ok, _ = l.allow("a")
	require.True(t, ok)
	ok, wait := l.allow("a")
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, time.Second)

	ok, _ = l.allow("b")
	require.True(t, ok, "buckets are per key")

	now = now.Add(time.Second)
	ok, _ = l.allow("a")
	require.True(t, ok, "refilled")

	now = now.Add(limiterIdleTTL + time.Minute)
	l.allow("c")
	require.Len(t, l.entries, 1, "idle keys pruned")
}

func TestIPLimiter_Disabled(t *testing.T) {
	l := newIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		ok, _ := l.allow("a")
		require.True(t, ok)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	require.Equal(t, "1", retryAfterSeconds(0))
	require.Equal(t, "1", retryAfterSeconds(300*time.Millisecond))
	require.Equal(t, "60", retryAfterSeconds(time.Minute))
	require.Equal(t, "61", retryAfterSeconds(time.Minute+time.Millisecond))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIP(r))
}
