package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/bus"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/engine"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/repo"
)

func registerEvents(api huma.API, e engine.Engine, b *bus.Bus) {
	huma.Register(api, huma.Operation{
		OperationID: "event-ingest",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Broadcast a single event",
	}, func(ctx context.Context, input *ingestEventInput) (*ingestOutput, error) {
		t := bus.EventType(input.Body.Type)
		if !bus.KnownType(t) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown event type %q", input.Body.Type), nil)
		}
		ev, err := b.Broadcast(t, input.Body.Data)
		if err != nil {
			return nil, handleError(err)
		}
		return &ingestOutput{Body: ingestBody{Sequence: ev.Sequence, Listeners: b.ListenerCount()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-ingest-batch",
		Method:      http.MethodPost,
		Path:        "/events/batch",
		Summary:     "Broadcast a batch of events in order",
	}, func(ctx context.Context, input *ingestBatchInput) (*ingestOutput, error) {
		for _, raw := range input.Body.Events {
			if !bus.KnownType(bus.EventType(raw.Type)) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown event type %q", raw.Type), nil)
			}
		}
		var last int64
		for _, raw := range input.Body.Events {
			ev, err := b.Broadcast(bus.EventType(raw.Type), raw.Data)
			if err != nil {
				return nil, handleError(err)
			}
			last = ev.Sequence
		}
		return &ingestOutput{Body: ingestBody{Sequence: last, Listeners: b.ListenerCount()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-ingest-state",
		Method:      http.MethodPost,
		Path:        "/events/state",
		Summary:     "Broadcast a full-state snapshot",
	}, func(ctx context.Context, input *ingestStateInput) (*ingestOutput, error) {
		ev, err := b.SetFullState(input.Body.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &ingestOutput{Body: ingestBody{Sequence: ev.Sequence, Listeners: b.ListenerCount()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-poll",
		Method:      http.MethodGet,
		Path:        "/events/poll",
		Summary:     "Poll for events",
		Description: "Without since, returns the full system state. With since=<sequence>, returns buffered events newer than that sequence.",
	}, func(ctx context.Context, input *pollInput) (*pollOutput, error) {
		if input.Since == "" {
			snapshot, err := e.Snapshot(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			raw, err := json.Marshal(snapshot)
			if err != nil {
				return nil, handleError(err)
			}
			return &pollOutput{Body: pollBody{Mode: "full", State: raw, Sequence: b.Sequence()}}, nil
		}
		since, err := strconv.ParseInt(input.Since, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "since must be an integer sequence", nil)
		}
		evs, seq := b.EventsSince(since)
		if evs == nil {
			evs = []bus.Event{}
		}
		return &pollOutput{Body: pollBody{Mode: "delta", Events: evs, Sequence: seq}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-log",
		Method:      http.MethodGet,
		Path:        "/projects/{name}/events",
		Summary:     "Read the persisted audit trail of a project",
	}, func(ctx context.Context, input *eventLogInput) (*eventLogOutput, error) {
		ok, err := e.Repo.Exists(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, handleError(fmt.Errorf("project %s: %w", input.Name, repo.ErrNotFound))
		}
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		evs, err := e.Repo.ListAuditEvents(ctx, input.Name, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &eventLogOutput{Body: eventLogBody{Events: evs}}, nil
	})
}

// registerStream mounts the live event-stream endpoint directly on the router; SSE
// does not fit the request/response operation model.
func registerStream(router chi.Router, basePath string, cfg Config) {
	router.Get(path.Join(basePath, "/events/stream"), func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		var since int64 = -1
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "since must be an integer sequence", http.StatusBadRequest)
				return
			}
			since = parsed
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Subscribe before the replay so nothing broadcast in between is lost;
		// overlap is filtered by sequence below.
		ch, cancel := cfg.Bus.Subscribe(64)
		defer cancel()

		// The connected frame always comes first. It confirms the stream carries
		// data, not merely that the socket opened.
		lastSent := int64(0)
		connected := bus.Event{
			Type: bus.EventConnected,
			Data: mustJSON(bus.ConnectedData{Sequence: cfg.Bus.Sequence()}),
		}
		if err := writeFrame(w, connected); err != nil {
			return
		}
		if since >= 0 {
			replay, _ := cfg.Bus.EventsSince(since)
			for _, ev := range replay {
				if err := writeFrame(w, ev); err != nil {
					return
				}
				lastSent = ev.Sequence
			}
		}
		flusher.Flush()

		ticker := time.NewTicker(cfg.Engine.Config.KeepaliveInterval())
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-ch:
				if !open {
					return
				}
				if ev.Sequence <= lastSent {
					continue
				}
				if err := writeFrame(w, ev); err != nil {
					return
				}
				lastSent = ev.Sequence
				flusher.Flush()
			}
		}
	})
}

func writeFrame(w http.ResponseWriter, ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
