package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/shiori/internal/model"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// retryStrategy says how a failed attempt may be retried.
type retryStrategy int

const (
	noRetry retryStrategy = iota
	// conservativeRetry is for server errors: a couple of short retries.
	conservativeRetry
	// smartRetry is for throttling: full backoff, honoring Retry-After.
	smartRetry
)

func strategyFor(status int) retryStrategy {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return smartRetry
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return conservativeRetry
	default:
		return noRetry
	}
}

// StatusError is a non-2xx response that was not retried or ran out of retries.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client is an HTTP client for source APIs that retries throttling and
// transient server errors with exponential backoff and jitter.
// Errors wrap model.ErrConnectivity for rejected credentials and
// model.ErrUpstream for everything else the source did wrong.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetries sets how many times a retriable failure is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.baseDelay = d }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 60 * time.Second},
		maxRetries: 4,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req, retrying as its outcome allows. The returned response has a
// 2xx status; the caller closes its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreate request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			// Network failures get the server-error treatment.
			if attempt >= 2 || attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: %s: %w", model.ErrUpstream, req.URL.Redacted(), err)
			}
			if err := c.sleep(ctx, c.delay(conservativeRetry, attempt, 0)); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := readStatusError(req, resp)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %w", model.ErrConnectivity, statusErr)
		}
		strategy := strategyFor(resp.StatusCode)
		limit := c.maxRetries
		if strategy == conservativeRetry {
			limit = min(limit, 2)
		}
		if strategy == noRetry || attempt >= limit {
			return nil, fmt.Errorf("%w: %w", model.ErrUpstream, statusErr)
		}

		delay := c.delay(strategy, attempt, retryAfter(resp.Header))
		c.logger.Warn("source: request failed, will retry",
			"url", req.URL.Redacted(), "status", resp.StatusCode, "attempt", attempt+1, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// GetJSON issues a GET with the given headers and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", model.ErrValidation, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", model.ErrUpstream, req.URL.Redacted(), err)
	}
	return nil
}

// GetBytes issues a GET and returns the raw body.
func (c *Client) GetBytes(ctx context.Context, url string, header http.Header, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", model.ErrValidation, err)
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", model.ErrUpstream, req.URL.Redacted(), err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %s: response exceeds %d bytes", model.ErrUpstream, req.URL.Redacted(), limit)
	}
	return body, nil
}

func (c *Client) delay(strategy retryStrategy, attempt int, after time.Duration) time.Duration {
	switch strategy {
	case smartRetry:
		if after > 0 {
			return min(after, c.maxDelay)
		}
		d := c.baseDelay << uint(attempt)
		if d <= 0 || d > c.maxDelay {
			d = c.maxDelay
		}
		if q := int64(d / 4); q > 0 {
			d += time.Duration(rand.Int64N(q))
		}
		return d
	case conservativeRetry:
		return c.baseDelay * time.Duration(1+attempt)
	default:
		return 0
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// retryAfter parses a Retry-After header in either seconds or HTTP-date form.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func readStatusError(req *http.Request, resp *http.Response) *StatusError {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, URL: req.URL.Redacted(), Body: string(body)}
}

// ConnectionFailure converts an error from a connection probe into the
// result reported to the caller. It reports ok=false for errors that are not
// connectivity problems, which the caller should return as is.
func ConnectionFailure(err error) (ConnectionResult, bool) {
	if errors.Is(err, model.ErrConnectivity) {
		return ConnectionResult{Success: false, Message: "credentials rejected: " + err.Error()}, true
	}
	if errors.Is(err, model.ErrUpstream) {
		return ConnectionResult{Success: false, Message: "source unreachable: " + err.Error()}, true
	}
	return ConnectionResult{}, false
}
