package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/sony/gobreaker"

	"github.com/edulure/go-relay/core"
)

// Breaker guards outbound calls to one integration.
type Breaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

func NoopBreaker() Breaker {
	return noopBreaker{}
}

type gobreakerWrapper struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.WrapError(err, goerrors.CategoryExternal, core.ErrorExternalFailure, g.name+": circuit open").
			WithMetadata(map[string]any{"breaker": g.name, "state": g.cb.State().String()})
	}
	return err
}

// NewBreaker builds a gobreaker-backed Breaker. Rejected input and auth
// failures do not count toward tripping; only transport and upstream faults do.
func NewBreaker(name string, cfg core.BreakerConfig, logger core.Logger) Breaker {
	name = strings.TrimSpace(name)
	defaults := core.DefaultConfig().Breaker
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = defaults.IntervalSeconds
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = cfg.FailureThreshold
	}
	observer := core.NewObserver("relay.breaker", logger, nil)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.MaxRequests),
		Interval:    time.Duration(cfg.IntervalSeconds) * time.Second,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			return counts.TotalFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			observer.Warn(context.Background(), "circuit breaker state changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			return !IsUpstreamFailure(err)
		},
	}
	return &gobreakerWrapper{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// IsUpstreamFailure reports whether err reflects an unavailable or failing
// integration rather than a rejected request.
func IsUpstreamFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return true
	}
	switch richErr.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryAuth,
		goerrors.CategoryAuthz, goerrors.CategoryNotFound, goerrors.CategoryConflict:
		return false
	default:
		return true
	}
}
