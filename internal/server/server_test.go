package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/bus"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/config"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/db"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/dispatch"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/engine"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/migrate"
)

const testPlan = `tasks:
  - id: t1
    name: First
  - id: t2
    name: Second
    depends_on: [t1]
`

type testServer struct {
	URL    string
	Engine engine.Engine
	Bus    *bus.Bus
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	b := bus.New(cfg.Bus.History)
	e := engine.New(conn, b, dispatch.LocalSpawner{}, cfg)
	handler, err := New(Config{Engine: e, Bus: b, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Bus:    b,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", map[string]string{"name": "alpha"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}
	var p domain.Project
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if p.Status != domain.ProjectDraft {
		t.Fatalf("status = %s", p.Status)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", map[string]string{"name": "alpha"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create = %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/projects/alpha/plan", map[string]string{"plan": testPlan})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set plan = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/alpha/finalize", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/projects/alpha/plan", map[string]string{"plan": testPlan})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("plan edit after finalize = %d: %s", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/alpha/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/alpha/tick", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tick = %d: %s", resp.StatusCode, body)
	}
	var res engine.TickResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if res.Outcome != engine.TickDispatched || res.TaskID != "t1" {
		t.Fatalf("tick result = %+v", res)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/alpha/tasks/t1/complete", map[string]any{"success": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d: %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &res)
	if res.Outcome != engine.TickDispatched || res.TaskID != "t2" {
		t.Fatalf("auto-tick result = %+v", res)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "not_found") {
		t.Fatalf("error envelope missing code: %s", body)
	}
}

func TestEventIngressAndPoll(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/events", map[string]any{
		"type": "task.started",
		"data": map[string]any{"project": "alpha", "task_id": "t1", "status": "running"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest = %d: %s", resp.StatusCode, body)
	}
	var ack struct {
		Sequence  int64 `json:"sequence"`
		Listeners int   `json:"listeners"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Sequence != 1 {
		t.Fatalf("sequence = %d", ack.Sequence)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/events", map[string]any{"type": "task.exploded"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/events/batch", map[string]any{
		"events": []map[string]any{
			{"type": "task.completed", "data": map[string]any{"project": "alpha", "task_id": "t1", "status": "done"}},
			{"type": "project.completed", "data": map[string]any{"project": "alpha"}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch = %d: %s", resp.StatusCode, body)
	}
	json.Unmarshal(body, &ack)
	if ack.Sequence != 3 {
		t.Fatalf("batch sequence = %d", ack.Sequence)
	}

	// Delta poll.
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/events/poll?since=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll = %d: %s", resp.StatusCode, body)
	}
	var poll struct {
		Mode     string      `json:"mode"`
		Events   []bus.Event `json:"events"`
		Sequence int64       `json:"sequence"`
	}
	if err := json.Unmarshal(body, &poll); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if poll.Mode != "delta" || len(poll.Events) != 2 || poll.Sequence != 3 {
		t.Fatalf("delta poll = %+v", poll)
	}

	// Full poll without since.
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/events/poll", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("full poll = %d: %s", resp.StatusCode, body)
	}
	var full struct {
		Mode     string          `json:"mode"`
		State    json.RawMessage `json:"state"`
		Sequence int64           `json:"sequence"`
	}
	json.Unmarshal(body, &full)
	if full.Mode != "full" || full.State == nil || full.Sequence != 3 {
		t.Fatalf("full poll = mode=%s seq=%d", full.Mode, full.Sequence)
	}
}

func TestStreamSendsConnectedFrameFirst(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	ts.Bus.Broadcast(bus.EventProjectCreated, bus.ProjectEventData{Project: "alpha"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v0/events/stream?since=0", nil)
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var frames []bus.Event
	for scanner.Scan() && len(frames) < 2 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		frames = append(frames, ev)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames", len(frames))
	}
	if frames[0].Type != bus.EventConnected {
		t.Fatalf("first frame = %s, want connected", frames[0].Type)
	}
	var conn bus.ConnectedData
	if err := json.Unmarshal(frames[0].Data, &conn); err != nil || conn.Sequence != 1 {
		t.Fatalf("connected payload = %s err=%v", frames[0].Data, err)
	}
	if frames[1].Type != bus.EventProjectCreated || frames[1].Sequence != 1 {
		t.Fatalf("replayed frame = %+v", frames[1])
	}
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v0/events/stream", nil)
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readFrame := func() bus.Event {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read frame: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev bus.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			return ev
		}
	}

	if first := readFrame(); first.Type != bus.EventConnected {
		t.Fatalf("first frame = %s", first.Type)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		ts.Bus.Broadcast(bus.EventTaskStarted, bus.TaskEventData{Project: "alpha", TaskID: "t1", Status: "running"})
	}()
	ev := readFrame()
	if ev.Type != bus.EventTaskStarted || ev.Sequence != 1 {
		t.Fatalf("live frame = %+v", ev)
	}
}

func TestAuthRejectsWithoutCredentials(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "sekrit", APIKeys: []string{"key-1"}})

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d: %s", resp.StatusCode, body)
	}

	// Health stays open.
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	// API key works.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/projects", nil)
	req.Header.Set("X-Api-Key", "key-1")
	authed, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("api key request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("api key = %d", authed.StatusCode)
	}

	// Signed token works.
	token, err := SignToken("sekrit", "tester")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v0/projects", nil)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	authed, err = ts.client.Do(req)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("token = %d", authed.StatusCode)
	}

	// Wrong key rejected.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v0/projects", nil)
	req.Header.Set("X-Api-Key", "wrong")
	denied, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("wrong key request: %v", err)
	}
	denied.Body.Close()
	if denied.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key = %d", denied.StatusCode)
	}
}

func TestAuditLogEndpoint(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", map[string]string{"name": "alpha"})
	doJSON(t, ts.client, http.MethodPut, ts.URL+"/v0/projects/alpha/plan", map[string]string{"plan": testPlan})

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/alpha/events?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if len(out.Events) != 2 {
		t.Fatalf("got %d audit events", len(out.Events))
	}
	if out.Events[0].Type != "project.plan_updated" {
		t.Fatalf("newest entry = %s", out.Events[0].Type)
	}
}

func TestAuditRecordsAuthenticatedActor(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "sekrit"})
	token, err := SignToken("sekrit", "ops")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/projects", strings.NewReader(`{"name":"alpha"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v0/projects/alpha/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	logResp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("log request: %v", err)
	}
	defer logResp.Body.Close()
	var out struct {
		Events []struct {
			Type  string `json:"type"`
			Actor string `json:"actor"`
		} `json:"events"`
	}
	if err := json.NewDecoder(logResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if len(out.Events) != 1 {
		t.Fatalf("got %d audit events", len(out.Events))
	}
	if out.Events[0].Actor != "ops" {
		t.Fatalf("actor = %q, want the token subject", out.Events[0].Actor)
	}
}
