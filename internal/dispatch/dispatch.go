// Package dispatch hands queued tasks to whatever actually runs them. The engine
// only sees the Spawner interface; failures surface as errors so the caller can
// roll the task back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
)

// Spawner starts a worker for a task and returns an opaque session key identifying
// the spawned session.
type Spawner interface {
	Spawn(ctx context.Context, payload domain.TaskPayload) (string, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, payload domain.TaskPayload) (string, error)

func (f SpawnerFunc) Spawn(ctx context.Context, payload domain.TaskPayload) (string, error) {
	return f(ctx, payload)
}

// HTTPSpawner posts the task payload to an external runner endpoint. Any non-2xx
// response is a dispatch failure.
type HTTPSpawner struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSpawner builds a spawner for endpoint with the given request timeout.
func NewHTTPSpawner(endpoint string, timeout time.Duration) *HTTPSpawner {
	return &HTTPSpawner{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSpawner) Spawn(ctx context.Context, payload domain.TaskPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build spawn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("spawn %s/%s: %w", payload.Project, payload.TaskID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("spawn %s/%s: runner returned %d: %s", payload.Project, payload.TaskID, resp.StatusCode, snippet)
	}
	var out struct {
		SessionKey string `json:"session_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode spawn response: %w", err)
	}
	if out.SessionKey == "" {
		return "", fmt.Errorf("spawn %s/%s: runner returned no session key", payload.Project, payload.TaskID)
	}
	return out.SessionKey, nil
}

// LocalSpawner runs nothing. It mints a session key and trusts an operator or an
// external process to report completion later. Used when no runner endpoint is
// configured.
type LocalSpawner struct{}

func (LocalSpawner) Spawn(ctx context.Context, payload domain.TaskPayload) (string, error) {
	return "local-" + uuid.NewString(), nil
}
