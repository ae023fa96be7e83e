package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/ollama/ollama/api"
	"google.golang.org/genai"

	"github.com/ashita-ai/shiori/internal/model"
)

// RetryConfig controls retries of transient provider failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// backoff is exponential with up to 25% jitter, capped at max.
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	if q := int64(delay / 4); q > 0 {
		delay += time.Duration(rand.Int64N(q))
	}
	return delay
}

// withRetry calls fn until it succeeds, fails permanently or runs out of
// attempts. A caller's cancelled context is returned as is.
func withRetry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff(cfg.BaseDelay, attempt-1, cfg.MaxDelay))
			select {
			case <-ctx.Done():
				t.Stop()
				return context.Cause(ctx)
			case <-t.C:
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !IsTransient(lastErr) {
			if isUpstreamStatus(lastErr) {
				return fmt.Errorf("%w: %w", model.ErrUpstream, lastErr)
			}
			return lastErr
		}
	}
	return fmt.Errorf("%w: after %d retries: %w", model.ErrUpstream, cfg.MaxRetries, lastErr)
}

// statusCode extracts the HTTP status from provider SDK errors.
func statusCode(err error) (int, bool) {
	var gv genai.APIError
	if errors.As(err, &gv) {
		return gv.Code, true
	}
	var gp *genai.APIError
	if errors.As(err, &gp) && gp != nil {
		return gp.Code, true
	}
	var ov api.StatusError
	if errors.As(err, &ov) {
		return ov.StatusCode, true
	}
	var op *api.StatusError
	if errors.As(err, &op) && op != nil {
		return op.StatusCode, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors and network failures.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := statusCode(err); ok {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// isUpstreamStatus reports whether err is a non-retriable provider rejection
// (bad model name, auth failure and similar).
func isUpstreamStatus(err error) bool {
	_, ok := statusCode(err)
	return ok
}
