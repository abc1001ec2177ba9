package netutil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTransport wraps an http.RoundTripper with exponential backoff.
// Transient statuses and network errors are retried; SSRF rejections never
// are. A Retry-After header overrides the computed wait.
type RetryTransport struct {
	// Base is the underlying transport. Default: http.DefaultTransport.
	Base http.RoundTripper

	// OnRetry is called before each retry with the 1-based attempt number.
	OnRetry func(attempt int, wait time.Duration, statusCode int)

	// MaxRetries is the maximum number of retries. Default: 3. Negative
	// disables retries.
	MaxRetries int

	// InitialBackoff is the first wait. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps any single wait. Default: 30s.
	MaxBackoff time.Duration
}

// retryableStatus carries a transient response into the backoff loop.
type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string { return fmt.Sprintf("transient status %d", e.code) }

// retryAfter lets a server-provided delay replace the next computed wait.
type retryAfter struct {
	backoff.BackOff
	pending time.Duration
	max     time.Duration
}

func (b *retryAfter) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.pending <= 0 {
		return next
	}
	next, b.pending = min(b.pending, b.max), 0
	return next
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	maxRetries := t.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 3
	case maxRetries < 0:
		maxRetries = 0
	}
	initial := t.InitialBackoff
	if initial == 0 {
		initial = time.Second
	}
	maxWait := t.MaxBackoff
	if maxWait == 0 {
		maxWait = 30 * time.Second
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxWait
	exp.MaxElapsedTime = 0
	ra := &retryAfter{BackOff: exp, max: maxWait}
	policy := backoff.WithContext(backoff.WithMaxRetries(ra, uint64(maxRetries)), req.Context())

	var (
		resp    *http.Response
		attempt int
		status  int
	)
	op := func() error {
		attempt++
		clone := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			clone.Body = body
		}

		r, err := base.RoundTrip(clone)
		if err != nil {
			status = 0
			if IsSSRFBlockedError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !IsRetryableStatus(r.StatusCode) || attempt > maxRetries {
			resp = r
			return nil
		}
		status = r.StatusCode
		ra.pending = parseRetryAfter(r.Header.Get("Retry-After"))
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
		_ = r.Body.Close()
		return &retryableStatus{code: r.StatusCode}
	}
	notify := func(_ error, wait time.Duration) {
		if t.OnRetry != nil {
			t.OnRetry(attempt, wait, status)
		}
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var rs *retryableStatus
		if errors.As(err, &rs) {
			return nil, fmt.Errorf("retries exhausted: %w", err)
		}
		return nil, err
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// IsRetryableStatus reports whether statusCode indicates a transient error.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
