// Package httpclient is the HTTP transport shared by the collaborator
// clients: OpenTelemetry instrumentation, an optional rate limit and
// classification of failures into retryable and permanent errors.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// Client sends requests for one collaborator.
type Client struct {
	config  *Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client from config.
func New(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		config: config,
		http: &http.Client{
			Timeout: config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return config.Name + " " + r.Method
				})),
		},
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(config.RateLimit, config.Burst)
	}
	return c, nil
}

// Name returns the collaborator name.
func (c *Client) Name() string {
	return c.config.Name
}

// Do waits for the rate limiter and sends req. Transport failures are
// returned as transient errors; the response status is not inspected.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("%s rate limit wait aborted", c.config.Name), err)
		}
	}
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, engine.NewTransientError(fmt.Sprintf("%s request failed", c.config.Name), err).
			WithOperation(req.Method + " " + req.URL.Path)
	}
	return resp, nil
}

// ReadBody reads at most MaxBodyBytes of the response body and closes it.
func (c *Client) ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, engine.NewTransientError(fmt.Sprintf("failed to read %s response", c.config.Name), err)
	}
	if int64(len(data)) > c.config.MaxBodyBytes {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s response exceeds %d bytes", c.config.Name, c.config.MaxBodyBytes), nil).
			WithCode(engine.ErrCodeCollaborator)
	}
	return data, nil
}

// CheckStatus turns a non-2xx response into a classified error: 429 is
// throttled, 408 and 5xx are transient and any other status is permanent.
// The body is drained and closed on failure.
func (c *Client) CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s returned %d", c.config.Name, resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}

	var err *engine.EngineError
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = engine.NewThrottledError(msg, nil)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		err = engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeCollaborator)
	default:
		err = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeCollaborator)
	}
	return err.WithDetail("status", resp.StatusCode)
}
