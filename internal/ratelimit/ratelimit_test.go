package ratelimit

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenDeny(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		protocol Protocol
		quota    Quota
	}{
		{name: "submission defaults", protocol: Submission, quota: DefaultConfig().Submission},
		{name: "retrieval defaults", protocol: Retrieval, quota: DefaultConfig().Retrieval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := New(DefaultConfig())
			now := time.Unix(1700000000, 0)

			for i := 0; i < tt.quota.Burst; i++ {
				d := l.CheckAt(tt.protocol, "192.0.2.1", now)
				require.True(t, d.Allowed, "check %d should be allowed", i+1)
				assert.Zero(t, d.RetryAfter)
			}

			d := l.CheckAt(tt.protocol, "192.0.2.1", now)
			require.False(t, d.Allowed, "check past burst should be denied")
			assert.Greater(t, d.RetryAfter, time.Duration(0))
			assert.LessOrEqual(t, d.RetryAfter, tt.quota.Period)

			// A millisecond of slack absorbs float rounding in the refill.
			d = l.CheckAt(tt.protocol, "192.0.2.1", now.Add(tt.quota.Period+time.Millisecond))
			assert.True(t, d.Allowed, "check after a full period should be allowed")
		})
	}
}

func TestLimiter_DenyDoesNotConsume(t *testing.T) {
	t.Parallel()

	l := New(Config{Submission: Quota{Burst: 1, Period: 10 * time.Second}})
	now := time.Unix(1700000000, 0)

	require.True(t, l.CheckAt(Submission, "192.0.2.1", now).Allowed)
	for i := 0; i < 5; i++ {
		require.False(t, l.CheckAt(Submission, "192.0.2.1", now.Add(time.Second)).Allowed)
	}

	// Repeated denials must not push the next token further out.
	assert.True(t, l.CheckAt(Submission, "192.0.2.1", now.Add(11*time.Second)).Allowed)
}

func TestLimiter_TokensNeverExceedBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{Retrieval: Quota{Burst: 3, Period: time.Second}})
	now := time.Unix(1700000000, 0)

	require.True(t, l.CheckAt(Retrieval, "192.0.2.1", now).Allowed)

	later := now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAt(Retrieval, "192.0.2.1", later).Allowed)
	}
	assert.False(t, l.CheckAt(Retrieval, "192.0.2.1", later).Allowed)
}

func TestLimiter_IndependentKeys(t *testing.T) {
	t.Parallel()

	l := New(Config{
		Submission: Quota{Burst: 1, Period: time.Minute},
		Retrieval:  Quota{Burst: 1, Period: time.Minute},
	})
	now := time.Unix(1700000000, 0)

	require.True(t, l.CheckAt(Submission, "192.0.2.1", now).Allowed)
	require.False(t, l.CheckAt(Submission, "192.0.2.1", now).Allowed)

	assert.True(t, l.CheckAt(Submission, "192.0.2.2", now).Allowed, "other address has its own bucket")
	assert.True(t, l.CheckAt(Retrieval, "192.0.2.1", now).Allowed, "other protocol has its own bucket")
}

func TestLimiter_DisabledQuota(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Check(Submission, "192.0.2.1").Allowed)
	}
}

func TestLimiter_ConcurrentChecks(t *testing.T) {
	t.Parallel()

	l := New(Config{Submission: Quota{Burst: 50, Period: time.Hour}})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(Submission, "192.0.2.1").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestSourceAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{name: "tcp v4", addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4321}, want: "192.0.2.7"},
		{name: "tcp v6", addr: &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 25}, want: "2001:db8::1"},
		{name: "unix", addr: &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, want: "/tmp/sock"},
		{name: "nil", addr: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SourceAddr(tt.addr))
		})
	}
}

func TestDecision_RetrySeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		retry time.Duration
		want  int
	}{
		{retry: 0, want: 1},
		{retry: 200 * time.Millisecond, want: 1},
		{retry: 6 * time.Second, want: 6},
		{retry: 6*time.Second + time.Millisecond, want: 7},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Decision{RetryAfter: tt.retry}.RetrySeconds(), "retry %v", tt.retry)
	}
}
