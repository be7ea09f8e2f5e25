package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/comfyfleet/internal/fleet/wire"
	"github.com/zjrosen/comfyfleet/internal/pubsub"
)

// fakeServer is a minimal ComfyUI stand-in: GET /prompt plus an event
// channel at /ws that the test can push messages through.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"exec_info":{"queue_remaining":0}}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		// Drain client messages (feature flag announcement etc.).
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

// conn returns the most recent accepted channel, waiting for it to appear.
func (fs *fakeServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	var c *websocket.Conn
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if len(fs.conns) == 0 {
			return false
		}
		c = fs.conns[len(fs.conns)-1]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) push(t *testing.T, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env, err := json.Marshal(wire.Envelope{Type: msgType, Data: raw})
	require.NoError(t, err)
	require.NoError(t, fs.conn(t).WriteMessage(websocket.TextMessage, env))
}

func initSession(t *testing.T, fs *fakeServer, mutate func(*Config)) *Session {
	t.Helper()
	cfg := DefaultConfig(fs.srv.URL)
	cfg.Reconnect = ReconnectConfig{BaseDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	require.NoError(t, s.Init(context.Background(), 3, 10*time.Millisecond))
	return s
}

// collect drains session events into a slice guarded by mu.
func collect(ctx context.Context, s *Session) (*sync.Mutex, *[]Event) {
	var mu sync.Mutex
	events := make([]Event, 0, 16)
	ch := s.Subscribe(ctx)
	go func() {
		for ev := range ch {
			mu.Lock()
			events = append(events, ev.Payload)
			mu.Unlock()
		}
	}()
	return &mu, &events
}

func waitForEvent(t *testing.T, mu *sync.Mutex, events *[]Event, typ EventType) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range *events {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "waiting for %s", typ)
	return found
}

func TestSession_InitOpensChannel(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)

	require.Eventually(t, func() bool { return s.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, fs.connCount())
}

func TestSession_StatusEventAndSIDAdoption(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)
	mu, events := collect(context.Background(), s)

	fs.push(t, wire.TypeStatus, map[string]any{
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 5}},
		"sid":    "server-sid-1",
	})

	ev := waitForEvent(t, mu, events, EventStatus)
	require.Equal(t, 5, ev.QueueRemaining)
	require.Eventually(t, func() bool { return s.ID() == "server-sid-1" }, time.Second, 10*time.Millisecond)
}

func TestSession_ExecutionEventSequence(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)
	mu, events := collect(context.Background(), s)

	node := "4"
	fs.push(t, wire.TypeExecutionStart, wire.ExecutionStartData{PromptID: "p-1"})
	fs.push(t, wire.TypeExecuting, wire.ExecutingData{PromptID: "p-1", Node: &node})
	fs.push(t, wire.TypeProgress, wire.ProgressData{PromptID: "p-1", Node: node, Value: 10, Max: 20})
	fs.push(t, wire.TypeExecuted, wire.ExecutedData{PromptID: "p-1", Node: node, Output: json.RawMessage(`{"images":[]}`)})
	fs.push(t, wire.TypeExecutionSuccess, wire.ExecutionSuccessData{PromptID: "p-1"})

	waitForEvent(t, mu, events, EventExecutionStart)
	prog := waitForEvent(t, mu, events, EventProgress)
	require.Equal(t, 10, prog.Value)
	require.Equal(t, 20, prog.Max)
	executed := waitForEvent(t, mu, events, EventExecuted)
	require.Equal(t, "4", executed.OutputNode)
	done := waitForEvent(t, mu, events, EventExecutionSuccess)
	require.True(t, done.IsTerminalFor("p-1"))
	require.False(t, done.IsTerminalFor("p-2"))
}

func TestSession_ExecutionErrorEvent(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)
	mu, events := collect(context.Background(), s)

	fs.push(t, wire.TypeExecutionError, wire.ExecutionErrorData{
		PromptID:         "p-2",
		NodeID:           "7",
		NodeType:         "KSampler",
		ExceptionMessage: "CUDA out of memory",
		ExceptionType:    "OutOfMemoryError",
	})

	ev := waitForEvent(t, mu, events, EventExecutionError)
	require.NotNil(t, ev.Err)
	require.Equal(t, "OutOfMemoryError", ev.Err.ExceptionType)
	require.True(t, ev.IsTerminalFor("p-2"))
}

func TestSession_BinaryPreviewFrames(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)
	mu, events := collect(context.Background(), s)

	buf := wire.AppendFrame(nil, &wire.Frame{Kind: wire.FramePreview, MIME: "image/png", Image: []byte{0x89, 0x50}})
	require.NoError(t, fs.conn(t).WriteMessage(websocket.BinaryMessage, buf))

	ev := waitForEvent(t, mu, events, EventPreview)
	require.Equal(t, "image/png", ev.MIME)
	require.Equal(t, []byte{0x89, 0x50}, ev.Image)

	meta := json.RawMessage(`{"image_type":"image/webp","prompt_id":"p-1"}`)
	buf = wire.AppendFrame(nil, &wire.Frame{Kind: wire.FramePreviewMeta, Metadata: meta, Image: []byte{1}})
	require.NoError(t, fs.conn(t).WriteMessage(websocket.BinaryMessage, buf))

	mev := waitForEvent(t, mu, events, EventPreviewMeta)
	require.Equal(t, "image/webp", mev.MIME)
	require.JSONEq(t, string(meta), string(mev.Metadata))
}

func TestSession_MalformedFramesAreDropped(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)
	mu, events := collect(context.Background(), s)

	// Truncated frame, then garbage text; the channel must survive both.
	require.NoError(t, fs.conn(t).WriteMessage(websocket.BinaryMessage, []byte{0, 0}))
	require.NoError(t, fs.conn(t).WriteMessage(websocket.TextMessage, []byte("not json")))
	fs.push(t, wire.TypeStatus, map[string]any{
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 1}},
	})

	ev := waitForEvent(t, mu, events, EventStatus)
	require.Equal(t, 1, ev.QueueRemaining)
}

func TestSession_ReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)
	mu, events := collect(context.Background(), s)

	require.Eventually(t, func() bool { return s.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, fs.conn(t).Close())

	waitForEvent(t, mu, events, EventDisconnected)
	waitForEvent(t, mu, events, EventReconnected)
	require.Eventually(t, func() bool { return fs.connCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateOpen, s.State())
}

func TestSession_InitFallsBackToPolling(t *testing.T) {
	// No /ws route: channel open fails, Init succeeds on the HTTP probe.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/prompt" {
			_, _ = w.Write([]byte(`{"exec_info":{"queue_remaining":2}}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	s, err := New(DefaultConfig(srv.URL))
	require.NoError(t, err)
	t.Cleanup(s.Destroy)

	require.NoError(t, s.Init(context.Background(), 2, 10*time.Millisecond))
	require.Equal(t, StatePolling, s.State())
}

func TestSession_InitFailsWhenUnreachable(t *testing.T) {
	s, err := New(DefaultConfig("http://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(s.Destroy)

	err = s.Init(context.Background(), 2, 10*time.Millisecond)
	require.ErrorContains(t, err, "unreachable")
}

func TestSession_DestroyIsIdempotentAndClosesBroker(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)

	ch := s.Subscribe(context.Background())
	s.Destroy()
	s.Destroy()

	require.Equal(t, StateDestroyed, s.State())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "subscriber channel closes on destroy")
}

func TestSession_FeatureFlagAnnouncement(t *testing.T) {
	got := make(chan wire.FeatureFlagsMessage, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"exec_info":{"queue_remaining":0}}`))
	})
	var upgrader websocket.Upgrader
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("clientId"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		var msg wire.FeatureFlagsMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.MaxUploadSize = 1 << 20
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	require.NoError(t, s.Init(context.Background(), 2, 10*time.Millisecond))

	select {
	case msg := <-got:
		require.Equal(t, wire.TypeFeatureFlags, msg.Type)
		require.True(t, msg.Data.SupportsPreviewMetadata)
		require.Equal(t, int64(1<<20), msg.Data.MaxUploadSize)
	case <-time.After(2 * time.Second):
		t.Fatal("no feature flag announcement received")
	}
}

func TestSession_SubscriptionListenHelper(t *testing.T) {
	fs := newFakeServer(t)
	s := initSession(t, fs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []pubsub.Event[Event]
	var mu sync.Mutex
	sub := s.Events().Listen(ctx)
	defer sub.Cancel()
	go func() {
		for ev := range sub.C {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		}
	}()

	fs.push(t, wire.TypeStatus, map[string]any{
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 9}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Payload.Type == EventStatus && ev.Payload.QueueRemaining == 9 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
