package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aegis-ai/aegis/internal/model"
	"github.com/aegis-ai/aegis/internal/provider"
)

// Breaker defaults: open after five consecutive failures, probe again
// after thirty seconds, one half-open trial.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second
)

// BreakerSet holds one circuit breaker per provider. A breaker that opens
// takes its provider out of rotation until the reset timeout elapses and a
// half-open probe succeeds.
type BreakerSet struct {
	threshold uint32
	reset     time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates a BreakerSet. Non-positive arguments take the
// defaults.
func NewBreakerSet(threshold int, reset time.Duration, logger *slog.Logger) *BreakerSet {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if reset <= 0 {
		reset = DefaultBreakerReset
	}
	return &BreakerSet{
		threshold: uint32(threshold), //nolint:gosec // bounded small config value
		reset:     reset,
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *BreakerSet) forProvider(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Timeout:     s.reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("resilience: breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})
	s.breakers[name] = cb
	return cb
}

// Execute runs call through the provider's breaker. Rate limiting does not
// count as a provider failure; an open breaker surfaces as
// NoHealthyProvider so the caller can fail fast.
func (s *BreakerSet) Execute(_ context.Context, providerName string, call func() (*model.ChatResponse, error)) (*model.ChatResponse, error) {
	cb := s.forProvider(providerName)

	v, err := cb.Execute(func() (any, error) {
		resp, err := call()
		var rl *provider.RateLimitedError
		if errors.As(err, &rl) {
			// Budget exhaustion is not ill health. Swallow it past the
			// breaker's failure counting and rethrow below.
			return rateLimitedResult{rl}, nil
		}
		return resp, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s circuit open", provider.ErrNoHealthyProvider, providerName)
	}
	if err != nil {
		return nil, err
	}
	if rl, ok := v.(rateLimitedResult); ok {
		return nil, rl.err
	}
	return v.(*model.ChatResponse), nil
}

// State returns the breaker state per provider ("closed", "open",
// "half-open") for observability endpoints.
func (s *BreakerSet) State() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State().String()
	}
	return out
}

type rateLimitedResult struct {
	err *provider.RateLimitedError
}
