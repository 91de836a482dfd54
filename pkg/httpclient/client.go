// Package httpclient is the outbound HTTP layer shared by the device
// monitor and the Bitrix24 client. It bounds body sizes in both directions
// because monitoring endpoints are unattended field devices and anything can
// come back from them.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
)

const (
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps what we read from a remote body (10MB).
	MaxResponseSize = 10 * 1024 * 1024

	// MaxRequestSize caps outbound payloads and doubles as the ingest
	// endpoint's request body limit (5MB).
	MaxRequestSize = 5 * 1024 * 1024
)

type Config struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Response is the digested form handed to callers: the body is already read
// and bounded, the connection already returned to the pool.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Duration    time.Duration
}

type Client struct {
	client *http.Client
	logger ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    cfg.MaxIdleConns,
				IdleConnTimeout: cfg.IdleConnTimeout,
			},
		},
		logger: logger,
	}
}

// Get fetches url and returns the bounded response.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(ctx, req)
}

// PostJSON marshals payload and posts it with a JSON content type.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	if len(body) > MaxRequestSize {
		return nil, fmt.Errorf("request body too large: %d bytes (max %d)", len(body), MaxRequestSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(ctx, req)
}

// GetWithRetry fetches url, retrying transport errors and retryable status
// codes with a fixed delay. Non-retryable statuses fail immediately.
func (c *Client) GetWithRetry(ctx context.Context, url string, attempts int, delay time.Duration) (*Response, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.Get(ctx, url)
		switch {
		case err != nil:
			lastErr = err
		case IsSuccessStatus(resp.StatusCode):
			return resp, nil
		case !IsRetryableStatus(resp.StatusCode):
			return nil, fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
		default:
			lastErr = fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
		}

		if attempt == attempts {
			break
		}
		c.logger.WithContext(ctx).WithError(lastErr).Warnf("request attempt %d/%d failed, retrying in %s", attempt, attempts, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Errorf("request failed: %s %s", req.Method, req.URL)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: over %d bytes", MaxResponseSize)
	}

	duration := time.Since(start)
	c.logger.WithContext(ctx).Debugf("%s %s -> %d (%s)", req.Method, req.URL, resp.StatusCode, duration)

	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    duration,
	}, nil
}
