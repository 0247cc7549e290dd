package ccxt

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy defines retry behavior for failed sidecar requests
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryPolicy retries transient failures twice with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// delay returns the wait before the given retry (0-based), capped at MaxDelay.
func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < retry; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.JitterEnabled && d > 0 {
		// up to ±12.5%
		d += time.Duration(float64(d) * 0.25 * (rand.Float64() - 0.5))
	}
	return d
}

// retryable reports whether err is worth another attempt: transport errors,
// rate limiting and 5xx answers. Client errors and cancellation are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.StatusCode == http.StatusTooManyRequests || svcErr.StatusCode >= 500
	}
	return true
}

// withRetry runs operation under policy until it succeeds, fails with a
// final error, or the retries are spent.
func withRetry(ctx context.Context, policy RetryPolicy, logger *logrus.Logger, name string, operation func() error) error {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			if attempt > 0 {
				logger.WithFields(logrus.Fields{
					"operation": name,
					"attempts":  attempt + 1,
					"duration":  time.Since(start),
				}).Info("CCXT request recovered after retry")
			}
			return nil
		}
		if attempt == policy.MaxRetries || !retryable(ctx, lastErr) {
			break
		}

		wait := policy.delay(attempt)
		logger.WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt + 1,
			"delay":     wait,
		}).WithError(lastErr).Debug("CCXT request failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
