package circuitbreaker

import (
	"errors"

	"github.com/sony/gobreaker"

	"stokbro/internal/config"
	"stokbro/internal/metrics"
)

// Breaker wraps gobreaker with metrics
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	name    string
}

// New creates a new circuit breaker. Errors for which isSuccessful returns
// true are passed through without counting as failures, so a vendor 404
// does not trip the breaker. A nil isSuccessful counts every error.
func New(name string, cfg *config.Config, m *metrics.Metrics, isSuccessful func(error) bool) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
		Interval:    cfg.CircuitBreakerTimeout,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	}
	if isSuccessful != nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || isSuccessful(err)
		}
	}

	return &Breaker{
		cb:      gobreaker.NewCircuitBreaker(settings),
		metrics: m,
		name:    name,
	}
}

// Execute runs the given function through the circuit breaker
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// IsOpen reports whether err was produced by a rejecting breaker
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
