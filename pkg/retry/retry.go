package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// Strategy selects how the delay between attempts grows
type Strategy string

const (
	StrategyLinear      Strategy = "linear"      // InitialDelay * attempt
	StrategyExponential Strategy = "exponential" // InitialDelay * Multiplier^(attempt-1)
	StrategyAdaptive    Strategy = "adaptive"    // exponential scaled by error class, plus jitter
)

// ErrorClass buckets failures for the adaptive strategy
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassNetwork
	ClassTimeout
	ClassServer
	ClassThrottled
)

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Total attempts including the first one
	InitialDelay time.Duration // Base delay before the second attempt
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Growth factor for exponential/adaptive
	Strategy     Strategy
	Jitter       float64 // Max random fraction added by the adaptive strategy (0.3 = up to +30%)

	// Classify maps an error to its class; nil uses ClassifyError.
	Classify func(error) ErrorClass
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Strategy:     StrategyExponential,
		Jitter:       0.3,
	}
}

// ParseStrategy converts a config string to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLinear, StrategyExponential, StrategyAdaptive:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", s)
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// classedError lets callers attach a class to an error they produce
type classedError struct {
	err   error
	class ErrorClass
}

func (c *classedError) Error() string { return c.err.Error() }
func (c *classedError) Unwrap() error { return c.err }

// WithClass tags err with an explicit error class
func WithClass(err error, class ErrorClass) error {
	if err == nil {
		return nil
	}
	return &classedError{err: err, class: class}
}

// ClassifyError derives an ErrorClass from err
func ClassifyError(err error) ErrorClass {
	var ce *classedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassUnknown
}

// classFactor scales adaptive delays: throttling backs off hardest.
func classFactor(class ErrorClass) float64 {
	switch class {
	case ClassThrottled:
		return 3.0
	case ClassServer:
		return 2.0
	case ClassTimeout:
		return 1.5
	default:
		return 1.0
	}
}

// Retry executes fn until it succeeds, returns a permanent error, or the
// attempt budget is spent
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result under the configured strategy
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled || cfg.MaxAttempts <= 1 {
		return fn()
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if IsPermanent(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Delay(cfg, attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Delay returns the wait after the given (1-based) failed attempt
func Delay(cfg Config, attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var delay float64
	switch cfg.Strategy {
	case StrategyLinear:
		delay = float64(cfg.InitialDelay) * float64(attempt)
	case StrategyAdaptive:
		classify := cfg.Classify
		if classify == nil {
			classify = ClassifyError
		}
		delay = float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1)) * classFactor(classify(err))
		if cfg.Jitter > 0 {
			delay += delay * cfg.Jitter * rand.Float64()
		}
	default:
		delay = float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}
