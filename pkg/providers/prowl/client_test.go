package prowl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/transports/httpclient"
)

func TestSendNotificationPostsForm(t *testing.T) {
	var (
		mu   sync.Mutex
		form url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		mu.Lock()
		form = r.PostForm
		mu.Unlock()
		_, _ = w.Write([]byte(`<prowl><success code="200"/></prowl>`))
	}))
	defer srv.Close()

	c, err := NewClient("key-123", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	err = c.SendNotification(context.Background(), engine.Notification{
		Description: "Dentist",
		Priority:    0,
		URL:         "https://traverse.example.com/api/approval?approvestate=true&instanceid=abc",
		Application: "iCal Todoist",
		EventLabel:  "Approve",
	})
	if err != nil {
		t.Fatalf("SendNotification failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[string]string{
		"apikey":      "key-123",
		"priority":    "0",
		"url":         "https://traverse.example.com/api/approval?approvestate=true&instanceid=abc",
		"application": "iCal Todoist",
		"event":       "Approve",
		"description": "Dentist",
	}
	for k, v := range want {
		if got := form.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestSendNotificationFailuresAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusNotAcceptable, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c, err := NewClient("key", WithEndpoint(srv.URL))
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}
			err = c.SendNotification(context.Background(), engine.Notification{Description: "x"})
			if !engine.IsRetryable(err) {
				t.Errorf("status %d: expected retryable error, got %v", status, err)
			}
		})
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient("  "); !engine.HasCode(err, engine.ErrCodeConfig) {
		t.Fatalf("expected CONFIG_ERROR, got %v", err)
	}
}

func TestWithHTTPClient(t *testing.T) {
	h, err := httpclient.New(httpclient.DefaultConfig("prowl-test"))
	if err != nil {
		t.Fatalf("httpclient.New failed: %v", err)
	}
	c, err := NewClient("key", WithHTTPClient(h))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.client.Name() != "prowl-test" {
		t.Errorf("custom client not used")
	}
}
