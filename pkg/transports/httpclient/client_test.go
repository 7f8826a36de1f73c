package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"missing name", func(c *Config) { c.Name = "" }, true},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, true},
		{"rate without burst", func(c *Config) { c.RateLimit = 1; c.Burst = 0 }, true},
		{"zero body limit", func(c *Config) { c.MaxBodyBytes = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("test")
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckStatusClassifies(t *testing.T) {
	tests := []struct {
		status int
		class  engine.ErrorClass
		ok     bool
	}{
		{http.StatusOK, "", true},
		{http.StatusNoContent, "", true},
		{http.StatusTooManyRequests, engine.ErrorClassThrottled, false},
		{http.StatusRequestTimeout, engine.ErrorClassTransient, false},
		{http.StatusBadGateway, engine.ErrorClassTransient, false},
		{http.StatusUnauthorized, engine.ErrorClassPermanent, false},
		{http.StatusNotFound, engine.ErrorClassPermanent, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("details"))
			}))
			defer srv.Close()

			c, err := New(DefaultConfig("svc"))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
			resp, err := c.Do(req)
			if err != nil {
				t.Fatalf("Do failed: %v", err)
			}

			err = c.CheckStatus(resp)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				resp.Body.Close()
				return
			}
			if got := engine.ClassOf(err); got != tt.class {
				t.Errorf("class = %s, want %s", got, tt.class)
			}
			if tt.status != http.StatusTooManyRequests && !strings.Contains(err.Error(), "details") {
				t.Errorf("error %q does not carry the body", err)
			}
		})
	}
}

func TestDoTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c, err := New(DefaultConfig("svc"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, addr, nil)
	_, err = c.Do(req)
	if !engine.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestDoSetsUserAgentAndRateLimits(t *testing.T) {
	var (
		mu     sync.Mutex
		agents []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		agents = append(agents, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	cfg := DefaultConfig("svc")
	cfg.RateLimit = rate.Every(50 * time.Millisecond)
	cfg.Burst = 1
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		resp.Body.Close()
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three requests took %s, limiter did not hold them back", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(agents) != 3 {
		t.Fatalf("server saw %d requests, want 3", len(agents))
	}
	for _, ua := range agents {
		if ua != "traverse/1.0" {
			t.Errorf("User-Agent = %q", ua)
		}
	}
}

func TestReadBodyEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := DefaultConfig("svc")
	cfg.MaxBodyBytes = 16
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if _, err := c.ReadBody(resp); !engine.IsPermanent(err) {
		t.Errorf("expected permanent error for oversized body, got %v", err)
	}
}
