// Package transport fetches manifests and segments over HTTP with retries,
// exponential backoff and transparent decompression.
package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"livepipe/internal/livestream"
)

// Common errors returned by the client.
var (
	ErrMaxRetries = errors.New("max retries exceeded")
	ErrBadStatus  = errors.New("unexpected status code")
)

// Default configuration values.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultUserAgent         = "livepipe/1.0"
	DefaultMaxManifestBytes  = 8 << 20

	acceptEncoding = "gzip, deflate, br"
)

// Config holds the configuration for the client.
type Config struct {
	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration

	// BackoffMultiplier grows the delay after each retry.
	BackoffMultiplier float64

	// UserAgent is sent unless the caller's headers set one.
	UserAgent string

	Logger *slog.Logger

	// BaseClient is the underlying http.Client. If nil, one is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		UserAgent:         DefaultUserAgent,
		Logger:            slog.Default(),
	}
}

// Client downloads manifests and segments.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, client: base, logger: cfg.Logger}
}

// FetchSegment downloads loc into dest. Failures are reported in the result.
func (c *Client) FetchSegment(ctx context.Context, loc livestream.Locator, dest string, headers http.Header) livestream.FetchResult {
	err := c.do(ctx, loc, headers, func(body io.Reader) error {
		return writeFile(dest, body)
	})
	if err != nil {
		_ = os.Remove(dest)
		return livestream.FetchResult{Err: err}
	}
	return livestream.FetchResult{Success: true, ActualPath: dest}
}

// GetBytes downloads a small resource such as a playlist.
func (c *Client) GetBytes(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	var data []byte
	err := c.do(ctx, livestream.Locator{URL: url}, headers, func(body io.Reader) error {
		var err error
		data, err = io.ReadAll(io.LimitReader(body, DefaultMaxManifestBytes))
		return err
	})
	return data, err
}

// do runs the request with retries and hands the decoded body to consume.
// A failure inside consume is retried like a transport failure.
func (c *Client) do(ctx context.Context, loc livestream.Locator, headers http.Header, consume func(io.Reader) error) error {
	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", loc.URL),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		retry, err := c.attempt(ctx, loc, headers, consume)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return err
		}
		c.logger.Debug("request attempt failed",
			slog.String("url", loc.URL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, loc livestream.Locator, headers http.Header, consume func(io.Reader) error) (retry bool, err error) {
	req, err := c.newRequest(ctx, loc, headers)
	if err != nil {
		return false, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return isRetryableStatus(resp.StatusCode), fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	body, err := decode(resp)
	if err != nil {
		return false, err
	}
	defer body.Close()

	if err := consume(body); err != nil {
		return true, fmt.Errorf("reading body: %w", err)
	}
	c.logger.Debug("request completed",
		slog.String("url", loc.URL),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
		slog.Int64("content_length", resp.ContentLength),
	)
	return false, nil
}

func (c *Client) newRequest(ctx context.Context, loc livestream.Locator, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if loc.Length > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", loc.Offset, loc.Offset+loc.Length-1))
	} else if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	return req, nil
}

// decode wraps the body in a decompressor matching Content-Encoding.
func decode(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return zr, nil
	case "deflate":
		return flate.NewReader(resp.Body), nil
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
