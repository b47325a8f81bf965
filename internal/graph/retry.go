package graph

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/codeloop/pkg/schema"
)

// Backoff names how the delay grows between retry attempts.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy governs re-invocation of a failing step.
type RetryPolicy struct {
	// MaxAttempts counts the first invocation, so 1 means no retry.
	MaxAttempts int
	Backoff     Backoff
	Delay       time.Duration
	MaxDelay    time.Duration
	// RetryOn selects which failures are retried. Nil falls back to IsRetryable.
	RetryOn func(error) bool
}

func (p *RetryPolicy) matches(err error) bool {
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return IsRetryable(err)
}

// RetryOnCodes matches failures carrying any of the given error codes.
func RetryOnCodes(codes ...string) func(error) bool {
	return func(err error) bool {
		for _, code := range codes {
			if schema.HasCode(err, code) {
				return true
			}
		}
		return false
	}
}

// IsRetryable classifies whether an error is worth retrying.
// Cancellation and structural LoopErrors are not; timeouts, network errors
// and unclassified errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var le *schema.LoopError
	if errors.As(err, &le) {
		return le.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"too many requests",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay to wait after the given failed attempt
// (1-based), capped by MaxDelay when set.
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffNone:
		return 0
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt)
	case BackoffExponential:
		delay = policy.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				break
			}
		}
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
