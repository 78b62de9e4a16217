// Package retry wraps a single upstream call with a deadline and an
// exponential-backoff retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// MaxRetriesLimit bounds how many retries a config may ask for.
const MaxRetriesLimit = 10

var (
	ErrInvalidConfig = errors.New("invalid retry config")

	// ErrParse marks a response that arrived but could not be decoded.
	// Parse failures are never retried; the payload will not improve.
	ErrParse = errors.New("parse error")
)

// HTTPError carries an upstream status code for classification.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

type Config struct {
	// Timeout applies per attempt, not across the whole call.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c Config) validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 || c.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("%w: max retries %d outside [0,%d]", ErrInvalidConfig, c.MaxRetries, MaxRetriesLimit)
	}
	return nil
}

func (c Config) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return 100 * time.Millisecond
}

func (c Config) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return 2 * time.Second
}

// Retriable reports whether a failure is worth another attempt: transport
// errors, timeouts and transient HTTP statuses are; client errors, parse
// failures and an open circuit breaker are not.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrParse) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return httpErr.Status >= 500
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified transport-level failures (connection reset, EOF) tend to
	// arrive as plain errors from the http client.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs op under the per-attempt timeout, retrying retriable failures with
// exponential backoff plus jitter until MaxRetries is exhausted or the parent
// context ends. The terminal error is returned as a value, never a panic.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cfg.validate(); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (after %v)", lastErr, err)
			}
			return zero, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		v, err := op(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !Retriable(err) || attempt > cfg.MaxRetries {
			return zero, lastErr
		}

		if err := sleep(ctx, backoff(cfg, attempt)); err != nil {
			return zero, fmt.Errorf("%w (after %v)", lastErr, err)
		}
	}
}

// backoff is base * 2^(attempt-1), capped, plus up to 50ms of jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.baseDelay() << (attempt - 1)
	if d > cfg.maxDelay() || d <= 0 {
		d = cfg.maxDelay()
	}
	return d + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
