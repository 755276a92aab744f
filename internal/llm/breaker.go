package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Circuit breaker defaults.
const (
	DefaultBreakerFailures uint32 = 5
	DefaultBreakerTimeout         = 30 * time.Second
)

// BreakerConfig configures a Breaker. Zero values select the defaults.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that open the circuit.
	Failures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
}

// Breaker wraps a provider Client with a circuit breaker. While the
// circuit is open calls fail fast with a *GatewayError instead of
// waiting out another timeout.
type Breaker struct {
	provider string
	inner    Client
	cb       *gobreaker.CircuitBreaker[*ChatResponse]
}

// NewBreaker wraps inner. provider names the backend in errors and logs.
func NewBreaker(provider string, inner Client, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	failures := cfg.Failures
	if failures == 0 {
		failures = DefaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[*ChatResponse](gobreaker.Settings{
		Name:        "llm:" + provider,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A caller giving up is not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{provider: provider, inner: inner, cb: cb}
}

// Chat routes the call through the circuit breaker.
func (b *Breaker) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	resp, err := b.cb.Execute(func() (*ChatResponse, error) {
		return b.inner.Chat(ctx, model, messages, tools)
	})
	if err != nil {
		return nil, gatewayError(b.provider, model, err)
	}
	return resp, nil
}

// Ping bypasses the breaker so health probes can observe recovery.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

// State returns the current circuit state name: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether err came from an open or saturated circuit.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
