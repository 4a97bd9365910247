// Package retry provides the exponential-backoff policy applied to upstream
// calls: LLM invocations, resource fetches and storage round trips. Input
// validation errors are never retried; only transient upstream failures are.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"goa.design/recall/runtime/memory"
)

// Config configures retry behavior for one class of upstream calls.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Multiplier grows the backoff after each retry; 2.0 is exponential.
	Multiplier float64
	// Jitter adds +/- randomness as a fraction of the computed backoff.
	Jitter float64
}

// DefaultConfig returns the service-wide default policy: three attempts,
// 250ms base, 4s cap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the error from the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// IsRetryable reports whether an error is worth retrying. Caller input
// errors and cancellations are terminal; timeouts and transient network or
// backend failures are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch memory.KindOf(err) {
	case memory.KindInvalidInput, memory.KindInvalidQuery, memory.KindInvalidFilter,
		memory.KindUnknownProfile, memory.KindPipelineInvalid, memory.KindCancelled:
		return false
	case memory.KindBackendUnavailable, memory.KindFetchFailed,
		memory.KindExtractionFailed, memory.KindSummarizationFailed:
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	return false
}

// Do runs fn until it succeeds, returns a terminal error, or exhausts the
// configured attempts. Backoff waits respect context cancellation.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return memory.Wrap(memory.KindCancelled, ctx.Err(), "retry interrupted")
		case <-time.After(backoffFor(cfg, attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(backoff)
}
