// Package retry implements the resilient-call policy applied to every page fetch
// and field extraction: bounded attempts, linear or exponential backoff, and a
// predicate separating transient failures from terminal ones.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/models"
)

// Backoff selects how the delay grows between attempts
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffLinear      Backoff = "linear"
)

// StatusCoder is implemented by errors that carry the HTTP status of a response
type StatusCoder interface {
	StatusCode() int
}

// Policy defines retry behavior for one external call
type Policy struct {
	MaxAttempts     int           // total attempts including the first
	InitialBackoff  time.Duration // delay before the first retry
	MaxBackoff      time.Duration
	Backoff         Backoff
	Multiplier      float64 // exponential growth factor
	Jitter          float64 // ± fraction applied to each delay, 0 disables
	RetryableStatus func(statusCode int) bool
}

// DefaultPolicy returns 3 attempts with exponential backoff from 500ms
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		Backoff:         BackoffExponential,
		Multiplier:      2.0,
		Jitter:          0.25,
		RetryableStatus: ServerErrorStatus,
	}
}

// NewPolicy builds a policy from the [recon] configuration
func NewPolicy(config *common.ReconConfig) *Policy {
	p := DefaultPolicy()
	if config.MaxAttempts > 0 {
		p.MaxAttempts = config.MaxAttempts
	}
	if config.InitialBackoff > 0 {
		p.InitialBackoff = config.InitialBackoff
	}
	if config.MaxBackoff > 0 {
		p.MaxBackoff = config.MaxBackoff
	}
	if config.Backoff == string(BackoffLinear) {
		p.Backoff = BackoffLinear
	}
	return p
}

// ServerErrorStatus treats only 5xx responses as transient. 4xx means the request
// itself is wrong and retrying is pointless.
func ServerErrorStatus(statusCode int) bool {
	return statusCode >= 500
}

// Delay returns the wait before retry number n (n starts at 1)
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	var d float64
	switch p.Backoff {
	case BackoffLinear:
		d = float64(p.InitialBackoff) * float64(n)
	default:
		multiplier := p.Multiplier
		if multiplier < 1 {
			multiplier = 2.0
		}
		d = float64(p.InitialBackoff) * math.Pow(multiplier, float64(n-1))
	}

	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
		if d < 0 {
			d = float64(p.InitialBackoff)
		}
	}

	return time.Duration(d)
}

// Retryable reports whether err is worth another attempt
func (p *Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if models.IsValidationError(err) || errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		retryable := p.RetryableStatus
		if retryable == nil {
			retryable = ServerErrorStatus
		}
		return retryable(sc.StatusCode())
	}

	// No response at all: connection refused, timeout, reset
	return true
}

// Do calls fn until it succeeds, fails terminally or attempts run out. It returns
// the number of attempts made. Exhaustion surfaces the last error, wrapped once.
func (p *Policy) Do(ctx context.Context, logger arbor.ILogger, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		if !p.Retryable(lastErr) {
			logger.Debug().
				Int("attempt", attempt).
				Err(lastErr).
				Msg("Non-retryable error, failing immediately")
			return attempt, unwrapPermanent(lastErr)
		}

		if attempt == maxAttempts {
			break
		}

		backoff := p.Delay(attempt)
		logger.Debug().
			Int("attempt", attempt).
			Err(lastErr).
			Dur("backoff", backoff).
			Msg("Retrying after backoff")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}

	logger.Warn().
		Int("max_attempts", maxAttempts).
		Err(lastErr).
		Msg("All retry attempts exhausted")

	return maxAttempts, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal so Do returns it without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
