package svcclient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrBreakerOpen is matched by errors returned while a breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig controls when a breaker trips and how it recovers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker on its own.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were seen in
	// the current Interval.
	FailureRatio float64
	MinRequests  uint32
	// Interval resets the closed-state counts. Zero keeps them until a
	// state change.
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes let through while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns the settings used when a field is zero.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = def.FailureRatio
	}
	if c.MinRequests == 0 {
		c.MinRequests = def.MinRequests
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = def.HalfOpenRequests
	}
	return c
}

// Breaker is a named circuit breaker shared by every call to one service.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	log := logger.With(zap.String("module", "svcclient"), zap.String("breaker", name))

	return &Breaker{
		name: name,
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.HalfOpenRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
					return true
				}
				return counts.Requests >= cfg.MinRequests &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				fields := []zap.Field{
					zap.String("operation", "breaker_state_change"),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				}
				if to == gobreaker.StateOpen {
					log.Warn("circuit opened", fields...)
					return
				}
				log.Info("circuit state changed", fields...)
			},
			IsSuccessful: countsAsSuccess,
		}),
	}
}

func (b *Breaker) Name() string { return b.name }

// State reports "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// countsAsSuccess keeps caller mistakes and caller cancellation from
// tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.ClientError()
}

func execute[T any](b *Breaker, call func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return call()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = errors.Join(ErrBreakerOpen, err)
		}
		var zero T
		if out, ok := v.(T); ok {
			return out, err
		}
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// WithFallback runs call through b. Breaker rejections, transport errors
// and 5xx responses are replaced by fallback(err) with a nil error. A 4xx
// StatusError is the caller's problem and is returned unchanged.
func WithFallback[T any](b *Breaker, call func() (T, error), fallback func(error) T) (T, error) {
	v, err := execute(b, call)
	if err == nil {
		return v, nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.ClientError() {
		var zero T
		return zero, err
	}
	return fallback(err), nil
}
