package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/openai/openai-go"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy controls CallWithRetry. Waits are long on purpose so locally
// hosted model servers get time to recover.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy is 3 attempts with a 10s base doubling up to 120s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 10 * time.Second, Cap: 120 * time.Second}
}

// Backoff returns the wait after failed attempt k (1-based):
// min(Base*2^(k-1), Cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// RequestError is returned once a request is given up on.
type RequestError struct {
	Attempts  int
	Retryable bool
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("llm request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// MalformedResponseError reports a response body that could not be used.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed llm response: " + e.Reason
}

// StreamError wraps a failure that happened mid-stream. Delivered reports
// whether any text had already been forwarded to callbacks.
type StreamError struct {
	Delivered bool
	Err       error
}

func (e *StreamError) Error() string { return "llm stream: " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status of an upstream error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRetryable classifies transient upstream failures: connection resets and
// refusals, HTTP 429/502/503/504, and any failure whose message mentions a
// timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return false
	}
	switch StatusCode(err) {
	case 429, 502, 503, 504:
		return true
	case 0:
	default:
		// Other statuses are permanent unless the upstream reports a timeout
		// (408, or a gateway wrapping one in a 500).
		return strings.Contains(strings.ToLower(err.Error()), "timeout")
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

// CallWithRetry runs Call under the retry policy.
func (c *Client) CallWithRetry(ctx context.Context, req Request) (*Response, error) {
	return withRetry(ctx, c, func(ctx context.Context) (*Response, error) {
		return c.Call(ctx, req)
	})
}

// CallStreamWithRetry runs CallStream under the retry policy. A stream that
// already forwarded text is not retried, since the caller has seen it.
func (c *Client) CallStreamWithRetry(ctx context.Context, req Request, cb StreamCallbacks) (*Response, error) {
	return withRetry(ctx, c, func(ctx context.Context) (*Response, error) {
		resp, err := c.CallStream(ctx, req, cb)
		var se *StreamError
		if errors.As(err, &se) && se.Delivered {
			return nil, &RequestError{Attempts: 1, Err: se}
		}
		return resp, err
	})
}

func withRetry(ctx context.Context, c *Client, fn func(context.Context) (*Response, error)) (*Response, error) {
	policy := c.retry
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		var final *RequestError
		if errors.As(err, &final) {
			final.Attempts = attempt
			return nil, final
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &RequestError{Attempts: attempt, Err: err}
		}
		if !IsRetryable(err) {
			return nil, &RequestError{Attempts: attempt, Err: err}
		}
		if attempt == policy.MaxAttempts {
			break
		}
		wait := policy.Backoff(attempt)
		c.logger.Warn("LLM request failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"status", StatusCode(err),
			"wait", wait,
			"error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, &RequestError{Attempts: attempt, Err: lastErr}
		}
	}
	return nil, &RequestError{Attempts: policy.MaxAttempts, Retryable: true, Err: lastErr}
}
