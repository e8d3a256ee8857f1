package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBreakerOpen is returned without invoking the wrapped call while the
// breaker is open. Workers treat it like any other delivery error.
var ErrBreakerOpen = errors.New("breaker_open")

// minObservations is the number of calls required in the rolling window
// before the error rate is evaluated, so a single early failure cannot
// trip the breaker.
const minObservations = 10

type Settings struct {
	Name                  string
	CallTimeout           time.Duration // default 10s
	ErrorThresholdPercent int           // default 60
	ResetTimeout          time.Duration // default 30s
}

// Breaker guards one external backend. It enforces a per-call timeout
// (a timed-out call counts as a failure) and opens once the error rate
// over the rolling window crosses the threshold.
type Breaker struct {
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

func New(s Settings, logger *zap.Logger) *Breaker {
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}
	if s.ErrorThresholdPercent <= 0 {
		s.ErrorThresholdPercent = 60
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}

	threshold := float64(s.ErrorThresholdPercent) / 100.0

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1, // single probe in half-open
		Interval:    time.Minute,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minObservations {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", stateString(from)),
				zap.String("to", stateString(to)))
		},
	})

	return &Breaker{cb: cb, callTimeout: s.CallTimeout}
}

// Execute runs fn under the breaker with the call timeout applied.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()

		select {
		case err := <-done:
			return nil, err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

func stateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
