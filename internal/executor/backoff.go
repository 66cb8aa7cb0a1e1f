package executor

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/weftlabs/weft/pkg/schema"
)

const (
	// defaultRetryDelay applies when a retry policy declares no delay.
	defaultRetryDelay = 250 * time.Millisecond

	// maxRetryDelay caps the computed backoff so exponential growth cannot
	// park a state for hours.
	maxRetryDelay = 30 * time.Second
)

// retryableCodes lists the error codes worth another attempt. Everything
// else is either a caller mistake (validation, permissions), an expected
// coordination outcome (lease conflict, fence rejection), or already
// terminal (retry exhausted, canceled).
var retryableCodes = map[string]bool{
	schema.ErrCodeToolExecution: true,
	schema.ErrCodeTimeout:       true,
	schema.ErrCodeStore:         true,
	schema.ErrCodeCircuitOpen:   true,
	schema.ErrCodeInternal:      true,
}

// IsRetryable classifies whether a failed attempt should go back through the
// lease cycle. Network errors and deadline overruns are retryable; a
// canceled context means the run is shutting down and is not.
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

	var werr *schema.WeftError
	if errors.As(err, &werr) {
		return retryableCodes[werr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for wrapped errors that lost their type.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before the next attempt. attempt is
// the number of attempts already burned; the first retry therefore waits the
// base delay. Defaults: exponential growth, 250ms base, 30s cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	base := defaultRetryDelay
	backoff := "exponential"
	if policy != nil {
		if policy.DelayMS > 0 {
			base = time.Duration(policy.DelayMS) * time.Millisecond
		}
		if policy.Backoff != "" {
			backoff = policy.Backoff
		}
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch backoff {
	case "constant":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= maxRetryDelay {
				break
			}
		}
	}

	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early when the context is
// cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
