// Package todoist lists projects and creates tasks through the Todoist REST API.
package todoist

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
	"github.com/traverse-calendar/traverse/pkg/transports/httpclient"
)

const (
	// DefaultBaseURL is the Todoist REST v2 root.
	DefaultBaseURL = "https://api.todoist.com/rest/v2/"

	collaborator = "todoist"
)

type project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type newTask struct {
	Content     string `json:"content"`
	ProjectID   string `json:"project_id"`
	DueDatetime string `json:"due_datetime,omitempty"`
}

// Client implements engine.TaskLists.
type Client struct {
	token  string
	base   *url.URL
	client *httpclient.Client
	logger *telemetry.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			if !strings.HasSuffix(u.Path, "/") {
				u.Path += "/"
			}
			c.base = u
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *httpclient.Client) Option {
	return func(c *Client) { c.client = h }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, engine.NewConfigError("todoist API token is required", nil)
	}
	base, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		token:  token,
		base:   base,
		logger: telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		h, err := httpclient.New(httpclient.DefaultConfig(collaborator))
		if err != nil {
			return nil, err
		}
		c.client = h
	}
	c.logger = c.logger.NewComponentLogger("todoist")
	return c, nil
}

// ListAvailableTargetLists returns the user's projects.
func (c *Client) ListAvailableTargetLists(ctx context.Context) ([]engine.TargetList, error) {
	var lists []engine.TargetList
	err := telemetry.RecordCollaboratorCall(ctx, collaborator, "list_projects", func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodGet, "projects", nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		if err := c.client.CheckStatus(resp); err != nil {
			return err
		}
		body, err := c.client.ReadBody(resp)
		if err != nil {
			return err
		}

		var projects []project
		if err := json.Unmarshal(body, &projects); err != nil {
			return engine.NewTransientError("failed to decode todoist projects", err).
				WithCode(engine.ErrCodeCollaborator)
		}
		lists = make([]engine.TargetList, 0, len(projects))
		for _, p := range projects {
			lists = append(lists, engine.TargetList{ID: p.ID, Name: p.Name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lists, nil
}

// CreateTask adds a task. RequestID is sent as X-Request-Id so a repeated
// attempt is dropped by Todoist.
func (c *Client) CreateTask(ctx context.Context, req engine.TaskRequest) error {
	return telemetry.RecordCollaboratorCall(ctx, collaborator, "create_task", func(ctx context.Context) error {
		task := newTask{Content: req.Subject, ProjectID: req.ListID}
		if !req.Due.IsZero() {
			task.DueDatetime = req.Due.UTC().Format(time.RFC3339)
		}
		body, err := json.Marshal(task)
		if err != nil {
			return engine.NewPermanentError("failed to encode todoist task", err)
		}

		httpReq, err := c.newRequest(ctx, http.MethodPost, "tasks", body)
		if err != nil {
			return err
		}
		if req.RequestID != "" {
			httpReq.Header.Set("X-Request-Id", req.RequestID)
		}

		c.logger.WithFields(map[string]interface{}{
			"project_id": req.ListID,
			"subject":    req.Subject,
		}).Info("Creating task")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return err
		}
		if err := c.client.CheckStatus(resp); err != nil {
			return err
		}
		return resp.Body.Close()
	})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	u := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, engine.NewConfigError("invalid todoist request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
