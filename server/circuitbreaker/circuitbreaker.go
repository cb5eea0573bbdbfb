// Package circuitbreaker guards upstream stream opens. Consecutive
// transport failures open the breaker so later requests fail fast instead
// of waiting on a dead provider. It never retries.
package circuitbreaker

import (
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/teilomillet/lorebridge/config"
	"github.com/teilomillet/lorebridge/errors"
	"github.com/teilomillet/lorebridge/server/metrics"
)

// ErrCircuitOpen is the cause of requests rejected while the breaker is open.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// State represents the current state of the circuit breaker.
type State int

const (
	StateClosed   State = iota // Circuit is closed (allowing requests)
	StateHalfOpen              // Circuit is half-open (probing)
	StateOpen                  // Circuit is open (blocking requests)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker wraps gobreaker with logging and metrics. A nil
// *CircuitBreaker lets every call through.
type CircuitBreaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a breaker from cfg. It returns nil when the breaker is
// disabled. m may be nil.
func New(name string, cfg config.CircuitBreakerConfig, logger *zap.Logger, m *metrics.Metrics) *CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}
	b := &CircuitBreaker{name: name, logger: logger, metrics: m}
	threshold := cfg.FailureThreshold

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: IsSuccessful,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})
	return b
}

// IsSuccessful reports whether err should count as a healthy upstream.
// Only transport-level failures count against the breaker: a rejected
// credential or throttling says nothing about provider availability.
func IsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	return !errors.IsKind(err, errors.UpstreamUnavailable) && !errors.IsKind(err, errors.UpstreamTimeout)
}

// Execute runs fn if the breaker allows it. When the breaker is open the
// returned error is ErrCircuitOpen wrapped in an upstream_unavailable
// ProxyError.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.NewUnavailableError("", "upstream circuit open", ErrCircuitOpen)
	}
	return err
}

// State returns the current state of the circuit breaker.
func (b *CircuitBreaker) State() State {
	if b == nil {
		return StateClosed
	}
	return fromGobreaker(b.cb.State())
}

func (b *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	state := fromGobreaker(to)
	if b.metrics != nil {
		b.metrics.BreakerState.Set(float64(state))
		if state == StateOpen {
			b.metrics.BreakerTrips.Inc()
		}
	}
	b.logger.Warn("circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", fromGobreaker(from).String()),
		zap.String("to", state.String()),
		zap.Time("at", time.Now()),
	)
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
