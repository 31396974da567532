package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{MaxAttempts: 2})
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil", nil, 1, false},
		{"server error", errors.New("status 503"), 1, true},
		{"exhausted", errors.New("status 503"), 2, false},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), 1, false},
		{"net timeout", timeoutErr{timeout: true}, 1, true},
		{"net refused", timeoutErr{}, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})
	for attempt := 0; attempt < 6; attempt++ {
		d := min(100*time.Millisecond<<attempt, 400*time.Millisecond)
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, d/2, "attempt %d", attempt)
		require.Less(t, got, d, "attempt %d", attempt)
	}
}

func TestNewRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{BaseDelay: 10 * time.Second})
	require.Equal(t, 3, p.cfg.MaxAttempts)
	require.Equal(t, 10*time.Second, p.cfg.MaxDelay)
}
