package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	Enabled            bool          // Enable/disable retry logic
	MaxAttempts        int           // Retries after the first attempt
	InitialDelay       time.Duration // Initial delay before first retry
	MaxDelay           time.Duration // Maximum delay between retries
	Multiplier         float64       // Exponential backoff multiplier (typically 2.0)
	Jitter             bool          // Randomize delays by +/-25%
	NonRetryableErrors []error       // Errors (matched with errors.Is) that stop retrying
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ErrExhausted is wrapped into the error returned once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

func (cfg Config) backOff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = cfg.InitialDelay
	ebo.MaxInterval = cfg.MaxDelay
	ebo.MaxElapsedTime = 0
	if cfg.Multiplier > 0 {
		ebo.Multiplier = cfg.Multiplier
	}
	ebo.RandomizationFactor = 0
	if cfg.Jitter {
		ebo.RandomizationFactor = 0.25
	}
	ebo.Reset()

	var b backoff.BackOff = ebo
	if cfg.MaxAttempts >= 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts))
	}
	return backoff.WithContext(b, ctx)
}

func (cfg Config) classify(err error) error {
	for _, nonRetryable := range cfg.NonRetryableErrors {
		if errors.Is(err, nonRetryable) {
			return backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
		}
	}
	return err
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error, the attempts run out, or ctx is done.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	if !cfg.Enabled {
		return fn()
	}

	var (
		attempts  int
		permanent bool
	)
	op := func() (T, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			var zero T
			permanent = true
			return zero, backoff.Permanent(fmt.Errorf("retry cancelled: %w", err))
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		err = cfg.classify(err)
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		return result, err
	}

	result, err := backoff.RetryWithData(op, cfg.backOff(ctx))
	switch {
	case err == nil:
		return result, nil
	case permanent:
		return result, err
	case ctx.Err() != nil:
		return result, fmt.Errorf("retry cancelled: %w", err)
	default:
		return result, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
}
