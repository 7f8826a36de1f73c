package httpclient

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config holds HTTP client configuration for one collaborator.
type Config struct {
	// Name identifies the collaborator in spans, metrics and errors
	Name string

	// Timeout bounds a whole request including reading the body
	Timeout time.Duration

	// UserAgent is sent on every request
	UserAgent string

	// RateLimit is the sustained request rate. Zero disables limiting.
	RateLimit rate.Limit

	// Burst is how many requests may run ahead of the sustained rate
	Burst int

	// MaxBodyBytes caps how much of a response body is read
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		Timeout:      30 * time.Second,
		UserAgent:    "traverse/1.0",
		RateLimit:    0,
		Burst:        1,
		MaxBodyBytes: 10 << 20,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %v", c.RateLimit)
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		return fmt.Errorf("burst must be positive when rate limiting")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid body limit: %d", c.MaxBodyBytes)
	}
	return nil
}
