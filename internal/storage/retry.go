package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// RetryConfig tunes the transient-error retry policy.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration // initial backoff
	Factor     float64       // multiplier per attempt
	Jitter     float64       // randomization factor 0..1
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Base:       100 * time.Millisecond,
		Factor:     2.0,
		Jitter:     0.2,
	}
}

// Retry runs op, retrying transient failures up to MaxRetries times with
// exponential backoff. Permanent errors and context cancellation stop the
// loop immediately; after exhaustion the last error is surfaced.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Base
	bo.Multiplier = cfg.Factor
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempt := 0
	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(cortexerr.Wrap(err, cortexerr.TagCancelled, "retry cancelled"))
		}
		err := op()
		if err == nil {
			return nil
		}
		attempt++
		if !cortexerr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if attempt > cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		logging.PoolDebug("retrying after transient error (attempt %d/%d): %v", attempt, cfg.MaxRetries, err)
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}
