// Package httpclient provides a shared HTTP client with retry logic and rate
// limiting for calls to external block providers.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/archon-research/stl-timeserver/internal/pkg/retry"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// Config holds the configuration for the HTTP client.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	RateLimit      rate.Limit
	RateBurst      int
	UserAgent      string
}

// DefaultConfig returns sensible defaults for the HTTP client.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		RateLimit:      rate.Limit(5),
		RateBurst:      5,
		UserAgent:      "stl-timeserver",
	}
}

// RequestConfig holds per-request configuration.
type RequestConfig struct {
	URL     string
	Headers map[string]string
}

// Client wraps an HTTP client with retry logic and rate limiting.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryConfig retry.Config
	userAgent   string
	logger      *slog.Logger
}

// NewClient creates a new HTTP client with the given configuration.
// Zero-valued fields fall back to DefaultConfig.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	defaults := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaults.RateBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		retryConfig: retry.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			BackoffFactor:  cfg.BackoffFactor,
			Jitter:         true,
		},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Get performs an HTTP GET with retry logic and rate limiting and returns the raw body.
func (c *Client) Get(ctx context.Context, reqCfg RequestConfig) ([]byte, error) {
	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.logger.Debug("request failed, retrying",
			"url", reqCfg.URL,
			"attempt", attempt,
			"maxRetries", c.retryConfig.MaxRetries,
			"backoff", backoff,
			"error", err,
		)
	}

	return retry.Do(ctx, c.retryConfig, isRetryable, onRetry, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, WrapNonRetryable(fmt.Errorf("rate limiter: %w", err))
		}
		return c.doSingleRequest(ctx, reqCfg)
	})
}

// GetJSON performs a GET and decodes the JSON body into result.
func (c *Client) GetJSON(ctx context.Context, reqCfg RequestConfig, result any) error {
	body, err := c.Get(ctx, reqCfg)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parsing response from %s: %w", reqCfg.URL, err)
	}
	return nil
}

// GetText performs a GET and returns the body as a whitespace-trimmed string.
func (c *Client) GetText(ctx context.Context, reqCfg RequestConfig) (string, error) {
	body, err := c.Get(ctx, reqCfg)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) doSingleRequest(ctx context.Context, reqCfg RequestConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqCfg.URL, nil)
	if err != nil {
		return nil, WrapNonRetryable(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("User-Agent", c.userAgent)
	for key, value := range reqCfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limited (HTTP 429)")
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error (HTTP %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, WrapNonRetryable(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	return body, nil
}

// StatusError is returned for 4xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client error (HTTP %d): %s", e.Code, e.Body)
}

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	err error
}

func (e *NonRetryableError) Error() string {
	return e.err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.err
}

// WrapNonRetryable wraps an error to indicate it should not be retried.
func WrapNonRetryable(err error) error {
	return &NonRetryableError{err: err}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
