package crawler

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// RetryConfig bounds image download retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DefaultRetryConfig allows three attempts with a 250ms to 5s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// ExponentialRetryPolicy implements RetryPolicy with half-jittered backoff.
type ExponentialRetryPolicy struct {
	cfg RetryConfig
}

// NewExponentialRetryPolicy uses DefaultRetryConfig.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return NewRetryPolicy(DefaultRetryConfig())
}

// NewRetryPolicy builds a policy; zero fields take the defaults.
func NewRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	return &ExponentialRetryPolicy{cfg: cfg}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
// Cancellation and non-timeout network errors are final.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.cfg.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns a delay in [d/2, d) where d doubles per attempt up to MaxDelay.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	half := time.Duration(delay / 2)
	if half <= 0 {
		return 0
	}
	return half + rand.N(half)
}
