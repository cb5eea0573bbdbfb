package handlers

import (
	"time"

	"go.uber.org/zap"

	"github.com/teilomillet/lorebridge/server/metrics"
)

// State is a chat completion request's position in its lifecycle.
type State int

const (
	StateReceived State = iota
	StateTranslating
	StatePiping
	StateUpstreamOpen
	StateStreaming
	StateCompleted
	StateInterrupted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateTranslating:
		return "translating"
	case StatePiping:
		return "piping"
	case StateUpstreamOpen:
		return "upstream_open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// lifecycle tracks one request. It only moves forward, and once terminal
// it ignores every further transition, so each request produces exactly
// one outcome log line and one outcome metric.
type lifecycle struct {
	state   State
	start   time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newLifecycle(logger *zap.Logger, m *metrics.Metrics, start time.Time) *lifecycle {
	return &lifecycle{state: StateReceived, start: start, logger: logger, metrics: m}
}

// advance moves to a later non-terminal state.
func (l *lifecycle) advance(next State) bool {
	if l.state.Terminal() || next.Terminal() || next <= l.state {
		return false
	}
	l.logger.Debug("request state", zap.Stringer("from", l.state), zap.Stringer("to", next))
	l.state = next
	return true
}

func (l *lifecycle) finish(next State, fields ...zap.Field) bool {
	if l.state.Terminal() {
		return false
	}
	from := l.state
	l.state = next
	if l.metrics != nil {
		l.metrics.ObserveOutcome(next.String())
	}
	fields = append(fields,
		zap.Stringer("from", from),
		zap.Duration("duration", time.Since(l.start)),
	)
	switch next {
	case StateCompleted:
		l.logger.Info("request completed", fields...)
	case StateInterrupted:
		l.logger.Info("request interrupted", fields...)
	default:
		l.logger.Info("request failed", fields...)
	}
	return true
}

func (l *lifecycle) complete(fields ...zap.Field) bool {
	return l.finish(StateCompleted, fields...)
}

func (l *lifecycle) interrupt(cause error) bool {
	return l.finish(StateInterrupted, zap.NamedError("cause", cause))
}

func (l *lifecycle) fail(err error) bool {
	return l.finish(StateErrored, zap.Error(err))
}

// State returns the current state.
func (l *lifecycle) State() State {
	return l.state
}
