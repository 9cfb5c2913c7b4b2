// Package milosdk is the Go client for the Milo Command Center HTTP API.
package milosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Milo HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task mirrors the API task model.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Model       string   `json:"model"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      string   `json:"status"`
	Attempts    int      `json:"attempts"`
	StartedAt   *string  `json:"started_at,omitempty"`
	CompletedAt *string  `json:"completed_at,omitempty"`
	SessionKey  *string  `json:"session_key,omitempty"`
	Error       *string  `json:"error,omitempty"`
}

// OrchestrationState mirrors the per-project execution state.
type OrchestrationState struct {
	Tasks   map[string]*Task `json:"tasks"`
	Order   []string         `json:"order"`
	Queue   []string         `json:"queue"`
	Updated string           `json:"updated"`
}

// Project mirrors the API project model.
type Project struct {
	Name      string              `json:"name"`
	Status    string              `json:"status"`
	PlanText  string              `json:"plan_text,omitempty"`
	State     *OrchestrationState `json:"state,omitempty"`
	CreatedAt string              `json:"created_at"`
	UpdatedAt string              `json:"updated_at"`
}

// TickResult mirrors the outcome of a tick.
type TickResult struct {
	Outcome string `json:"outcome"`
	TaskID  string `json:"task_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Event is one bus event as delivered over the stream or poll endpoints.
type Event struct {
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AuditEvent is one persisted audit trail row.
type AuditEvent struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	Project  string         `json:"project,omitempty"`
	EntityID string         `json:"entity_id,omitempty"`
	Payload  map[string]any `json:"payload"`
}

// PollResponse is the polling egress envelope.
type PollResponse struct {
	Mode     string          `json:"mode"`
	State    json.RawMessage `json:"state,omitempty"`
	Events   []Event         `json:"events,omitempty"`
	Sequence int64           `json:"sequence"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a draft project.
func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]string{"name": name}, &resp)
	return resp, err
}

// GetProject fetches a project with its orchestration state.
func (c *Client) GetProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(name, ""), nil, &resp)
	return resp, err
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp.Projects, err
}

// DeleteProject removes a project.
func (c *Client) DeleteProject(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(name, ""), nil, nil)
}

// SetPlan replaces the plan of a draft project.
func (c *Client) SetPlan(ctx context.Context, name, planText string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPut, c.projectPath(name, "plan"), map[string]string{"plan": planText}, &resp)
	return resp, err
}

// Finalize locks a draft project's plan.
func (c *Client) Finalize(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(name, "finalize"), nil, &resp)
	return resp, err
}

// Revert returns a finalized project to draft.
func (c *Client) Revert(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(name, "revert"), nil, &resp)
	return resp, err
}

// Start begins executing a finalized project.
func (c *Client) Start(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(name, "start"), nil, &resp)
	return resp, err
}

// Tick advances an executing project by at most one task.
func (c *Client) Tick(ctx context.Context, name string) (TickResult, error) {
	var resp TickResult
	err := c.do(ctx, http.MethodPost, c.projectPath(name, "tick"), nil, &resp)
	return resp, err
}

// CompleteTask reports the outcome of a running task.
func (c *Client) CompleteTask(ctx context.Context, name, taskID string, success bool, errDetail string) (TickResult, error) {
	body := map[string]any{"success": success}
	if errDetail != "" {
		body["error"] = errDetail
	}
	var resp TickResult
	err := c.do(ctx, http.MethodPost, c.projectPath(name, fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID))), body, &resp)
	return resp, err
}

// RequeueTask resets a failed task to queued.
func (c *Client) RequeueTask(ctx context.Context, name, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath(name, fmt.Sprintf("tasks/%s/requeue", url.PathEscape(taskID))), nil, &resp)
	return resp, err
}

// Events returns the persisted audit trail of a project, newest first.
func (c *Client) Events(ctx context.Context, name string, limit int) ([]AuditEvent, error) {
	endpoint := c.projectPath(name, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []AuditEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// Poll fetches the full state (since < 0) or a delta of events newer than since.
func (c *Client) Poll(ctx context.Context, since int64) (PollResponse, error) {
	endpoint := "v0/events/poll"
	if since >= 0 {
		endpoint = fmt.Sprintf("%s?since=%d", endpoint, since)
	}
	var resp PollResponse
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Broadcast publishes a single event through the bus ingress.
func (c *Client) Broadcast(ctx context.Context, eventType string, data any) (int64, error) {
	var resp struct {
		Sequence int64 `json:"sequence"`
	}
	err := c.do(ctx, http.MethodPost, "v0/events", map[string]any{"type": eventType, "data": data}, &resp)
	return resp.Sequence, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) projectPath(name, p string) string {
	base := fmt.Sprintf("v0/projects/%s", url.PathEscape(name))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
