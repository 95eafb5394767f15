package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/telemetry"
)

// Default circuit breaker settings
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit around ban calls
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// breakerBanner wraps a Banner with a circuit breaker.
// While the circuit is open, bans fail fast.
type breakerBanner struct {
	inner   providers.Banner
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func newBreakerBanner(inner providers.Banner, cfg BreakerConfig, logger *telemetry.Logger) *breakerBanner {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ban",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// neither cancellation nor a lost session says the platform is
			// unhealthy; an open circuit would also hide the session error
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, providers.ErrNotAuthenticated)
		},
	})

	return &breakerBanner{inner: inner, breaker: cb}
}

func (b *breakerBanner) BanMember(ctx context.Context, groupID, userID string) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.BanMember(ctx, groupID, userID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("ban circuit open: %w", err)
	}
	return err
}

func (b *breakerBanner) State() gobreaker.State {
	return b.breaker.State()
}
