package milosdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Transport modes.
const (
	ModeConnecting   = "connecting"
	ModeConnected    = "connected"
	ModeDisconnected = "disconnected"
	ModePolling      = "polling"
)

// TransportOptions configure a Transport. Zero values fall back to the defaults
// noted on each field.
type TransportOptions struct {
	// OnEvent receives every delivered event, including synthetic connected frames
	// and the state.snapshot events produced by resync. Called from the transport
	// goroutine; it must not block for long.
	OnEvent func(Event)

	BackoffBase    time.Duration // first reconnect delay, default 1s
	BackoffCap     time.Duration // delay ceiling, default 16s
	MaxReconnects  int           // failed attempts before falling back to polling, default 5
	ConnectTimeout time.Duration // deadline for the first connected frame, default 10s
	PollInterval   time.Duration // delta poll cadence in polling mode, default 5s

	// GapThreshold is the largest tolerated jump between consecutively delivered
	// sequences. The server assigns sequences gaplessly, so the default of 1 treats
	// any larger jump as ring eviction and forces a full-state resync.
	GapThreshold int64
}

func (o *TransportOptions) defaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 16 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.GapThreshold <= 0 {
		o.GapThreshold = 1
	}
}

// Transport maintains a resilient event feed from the server. It prefers the live
// stream, reconnects with exponential backoff, and degrades to interval polling
// after repeated failures. Events are deduplicated by sequence number, so the
// callback never sees the same sequence twice regardless of replays or overlap
// between stream and poll deliveries.
type Transport struct {
	client *Client
	opts   TransportOptions

	mu       sync.Mutex
	mode     string
	attempts int
	lastSeq  int64

	ctx       context.Context
	cancel    context.CancelFunc
	restartCh chan struct{}
	done      chan struct{}
	started   bool
}

// NewTransport builds a transport over the API client. Call Start to begin.
func NewTransport(client *Client, opts TransportOptions) *Transport {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:    client,
		opts:      opts,
		mode:      ModeConnecting,
		ctx:       ctx,
		cancel:    cancel,
		restartCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the transport loop. Safe to call once.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	go t.run()
}

// Mode returns the current transport mode.
func (t *Transport) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// LastSequence returns the highest sequence delivered so far.
func (t *Transport) LastSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Reconnect resets the attempt counter and transport mode and restarts from
// connecting. It is the only way out of polling mode.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	t.attempts = 0
	t.mode = ModeConnecting
	t.mu.Unlock()
	select {
	case t.restartCh <- struct{}{}:
	default:
	}
}

// Disconnect terminally stops the transport: timers are cancelled, the stream is
// closed, and no further reconnects happen. The instance cannot be restarted.
func (t *Transport) Disconnect() {
	t.cancel()
	<-t.done
}

func (t *Transport) setMode(m string) {
	t.mu.Lock()
	t.mode = m
	t.mu.Unlock()
}

func (t *Transport) run() {
	defer close(t.done)
	for {
		if t.ctx.Err() != nil {
			t.setMode(ModeDisconnected)
			return
		}
		switch t.Mode() {
		case ModePolling:
			t.pollLoop()
		default:
			t.setMode(ModeConnecting)
			t.streamOnce()
			if t.ctx.Err() != nil {
				t.setMode(ModeDisconnected)
				return
			}
			t.setMode(ModeDisconnected)
			t.mu.Lock()
			t.attempts++
			attempts := t.attempts
			t.mu.Unlock()
			if attempts > t.opts.MaxReconnects {
				t.setMode(ModePolling)
				continue
			}
			select {
			case <-t.ctx.Done():
				t.setMode(ModeDisconnected)
				return
			case <-t.restartCh:
			case <-time.After(t.backoff(attempts)):
			}
			t.setMode(ModeConnecting)
		}
	}
}

// backoff doubles from the base per attempt up to the cap: 1s, 2s, 4s, 8s, 16s.
func (t *Transport) backoff(attempt int) time.Duration {
	d := t.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.opts.BackoffCap {
			return t.opts.BackoffCap
		}
	}
	if d > t.opts.BackoffCap {
		d = t.opts.BackoffCap
	}
	return d
}

// streamOnce holds one stream connection until it fails or the transport stops.
// The attempt counter resets only when a connected frame arrives, not when the
// socket merely opens.
func (t *Transport) streamOnce() {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v0/events/stream?since=%d", t.client.base(), t.LastSequence())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	t.client.authorize(req)

	// The stream client carries no overall timeout; the request lives as long as
	// the connection.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	// An open socket that sends nothing is a dead stream. The timer is disarmed by
	// the first connected frame.
	connectTimer := time.AfterFunc(t.opts.ConnectTimeout, cancel)
	confirmed := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "connected" {
			if !confirmed {
				confirmed = true
				connectTimer.Stop()
				t.mu.Lock()
				t.attempts = 0
				t.mode = ModeConnected
				t.mu.Unlock()
			}
			t.emit(ev)
			continue
		}
		if !confirmed {
			// Data before the connected frame means the server does not speak our
			// protocol; treat the stream as failed.
			connectTimer.Stop()
			return
		}
		t.deliver(ev)
	}
	connectTimer.Stop()
}

// pollLoop fetches full state once, then deltas on a fixed interval, until the
// transport stops or Reconnect is called.
func (t *Transport) pollLoop() {
	if err := t.resync(); err != nil {
		// Keep polling; the next interval retries.
		_ = err
	}
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			t.setMode(ModeDisconnected)
			return
		case <-t.restartCh:
			return
		case <-ticker.C:
			resp, err := t.client.Poll(t.ctx, t.LastSequence())
			if err != nil {
				continue
			}
			for _, ev := range resp.Events {
				t.deliver(ev)
			}
		}
	}
}

// deliver applies sequence deduplication and gap detection before invoking the
// callback.
func (t *Transport) deliver(ev Event) {
	t.mu.Lock()
	last := t.lastSeq
	t.mu.Unlock()
	if ev.Sequence <= last {
		return
	}
	if last > 0 && ev.Sequence-last > t.opts.GapThreshold {
		// Sequences are gapless at the source, so a jump past the tolerated window
		// means the ring evicted events we never saw. Refetch the full state instead
		// of pretending the gap was quiet.
		if err := t.resync(); err == nil {
			return
		}
	}
	t.mu.Lock()
	t.lastSeq = ev.Sequence
	t.mu.Unlock()
	t.emit(ev)
}

// resync fetches the full state and replays it as a synthetic snapshot event.
func (t *Transport) resync() error {
	resp, err := t.client.Poll(t.ctx, -1)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.lastSeq = resp.Sequence
	t.mu.Unlock()
	t.emit(Event{
		Type:      "state.snapshot",
		Sequence:  resp.Sequence,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      resp.State,
	})
	return nil
}

func (t *Transport) emit(ev Event) {
	if t.opts.OnEvent != nil {
		t.opts.OnEvent(ev)
	}
}
