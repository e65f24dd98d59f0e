// Package source extracts the storefront catalog from its HTTP API.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-funnel/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/metrics"
	"github.com/angelmondragon/storefront-funnel/pkg/retry"
)

const (
	defaultTimeout              = 10 * time.Second
	errorBodyReadLimit    int64 = 1024
	responseBodyReadLimit int64 = 32 << 20
	retryTarget                 = "catalog_api"
)

// StatusError is a non-2xx response from the catalog API.
type StatusError struct {
	Resource   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET /%s: status %d", e.Resource, e.StatusCode)
	}
	return fmt.Sprintf("GET /%s: status %d: %s", e.Resource, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Client issues GET requests against the catalog API, retrying transport
// failures and retryable statuses with exponential backoff.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	policy     retry.Policy
	clock      retry.Clock
	rand       func() float64
	logg       *logger.Logger
	metrics    *metrics.PipelineMetrics
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the configured API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithClock replaces wall-clock sleeping between attempts.
func WithClock(clock retry.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRand overrides the jitter source.
func WithRand(fn func() float64) Option {
	return func(c *Client) {
		c.rand = fn
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient builds a catalog client from the source configuration.
func NewClient(cfg config.SourceConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSpace(cfg.BaseURL),
		userAgent:  cfg.UserAgent,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseBackoff,
			Multiplier:  cfg.BackoffMultiplier,
			MaxDelay:    cfg.MaxBackoff,
			Jitter:      cfg.Jitter,
		}.Normalized(),
		clock: retry.SystemClock(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Policy returns the normalized retry policy used for every request.
func (c *Client) Policy() retry.Policy {
	return c.policy
}

// Get fetches /<resource> and returns the raw response body. Exhausted retries
// and non-retryable statuses surface as CodeSourceUnavailable.
func (c *Client) Get(ctx context.Context, resource string) ([]byte, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeSourceUnavailable, "catalog client not configured")
	}

	var body []byte
	attempts := 0
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		payload, err := c.getOnce(ctx, resource)
		if err != nil {
			return err
		}
		body = payload
		return nil
	},
		retry.WithClock(c.clock),
		retry.WithRand(c.rand),
		retry.WithRetryable(isRetryable),
		retry.WithObserver(func(attempt int, delay time.Duration, err error) {
			c.metrics.IncRetry(retryTarget)
			if c.logg != nil {
				fields := map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error()}
				c.logg.Warn(c.logg.WithFields(ctx, fields), "catalog request failed, retrying")
			}
		}),
	)
	if err == nil {
		return body, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	details := map[string]any{"resource": resource, "attempts": attempts}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		details["status"] = statusErr.StatusCode
	}
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSourceUnavailable, exhausted.Last,
			fmt.Sprintf("fetch %s: gave up after %d attempts", resource, exhausted.Attempts)).WithDetails(details)
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeSourceUnavailable, err, fmt.Sprintf("fetch %s", resource)).WithDetails(details)
}

func (c *Client) getOnce(ctx context.Context, resource string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(resource), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build %s request: %w", resource, err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s request: %w", resource, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		return nil, &StatusError{Resource: resource, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", resource, err)
	}
	return payload, nil
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

func (c *Client) buildURL(path string) string {
	trimmed := strings.TrimRight(c.baseURL, "/")
	path = strings.TrimLeft(path, "/")
	return fmt.Sprintf("%s/%s", trimmed, path)
}
