// Package prowl sends push notifications through the Prowl public API.
package prowl

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
	"github.com/traverse-calendar/traverse/pkg/transports/httpclient"
)

const (
	// DefaultEndpoint is the Prowl add-notification endpoint.
	DefaultEndpoint = "https://api.prowlapp.com/publicapi/add"

	collaborator = "prowl"
)

// Prowl allows 1000 calls per hour per key.
var defaultRate = rate.Limit(1000.0 / 3600.0)

// Client implements engine.Notifier.
type Client struct {
	apiKey   string
	endpoint string
	client   *httpclient.Client
	logger   *telemetry.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *httpclient.Client) Option {
	return func(c *Client) { c.client = h }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Prowl client for apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, engine.NewConfigError("prowl API key is required", nil)
	}
	c := &Client{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		cfg := httpclient.DefaultConfig(collaborator)
		cfg.RateLimit = defaultRate
		cfg.Burst = 10
		h, err := httpclient.New(cfg)
		if err != nil {
			return nil, err
		}
		c.client = h
	}
	c.logger = c.logger.NewComponentLogger("prowl")
	return c, nil
}

// SendNotification posts n. Every failure is transient: a notification that
// did not go out is always worth another attempt.
func (c *Client) SendNotification(ctx context.Context, n engine.Notification) error {
	return telemetry.RecordCollaboratorCall(ctx, collaborator, "add", func(ctx context.Context) error {
		form := url.Values{
			"apikey":      {c.apiKey},
			"priority":    {strconv.Itoa(n.Priority)},
			"url":         {n.URL},
			"application": {n.Application},
			"event":       {n.EventLabel},
			"description": {n.Description},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return engine.NewConfigError("invalid prowl endpoint", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		c.logger.WithFields(map[string]interface{}{
			"event":       n.EventLabel,
			"description": n.Description,
		}).Debug("Sending notification")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		if err := c.client.CheckStatus(resp); err != nil {
			var ee *engine.EngineError
			if errors.As(err, &ee) && ee.Class == engine.ErrorClassPermanent {
				ee.Class = engine.ErrorClassTransient
			}
			return err
		}
		return resp.Body.Close()
	})
}
