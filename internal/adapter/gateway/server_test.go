package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"wanctl/internal/domain"
	"wanctl/internal/infra/middleware"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
	typed    map[domain.EventType][]domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := append([]domain.EventHandler(nil), b.handlers...)
	hs = append(hs, b.typed[event.Type]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(t domain.EventType, h domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.typed == nil {
		b.typed = make(map[domain.EventType][]domain.EventHandler)
	}
	b.typed[t] = append(b.typed[t], h)
	return func() {}
}

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = nil
	}
}

func (b *testBus) Close() {}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]TokenEntry{{Token: "test-token", Name: "tester"}})
}

func startTestServer(t *testing.T, bus domain.EventBus, setup ...func(*Server)) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", newTestLogger())
	for _, fn := range setup {
		fn(srv)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.BoundAddr() != "" }, 3*time.Second, 5*time.Millisecond,
		"server did not start in time")

	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// call sends one request and reads frames until the matching response.
func call(t *testing.T, ws *websocket.Conn, id uint64, method string, payload any) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req := Frame{Type: FrameTypeRequest, ID: id, Method: method}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		req.Payload = raw
	}
	require.NoError(t, wsjson.Write(ctx, ws, req))
	for {
		var resp Frame
		require.NoError(t, wsjson.Read(ctx, ws, &resp))
		if resp.Type == FrameTypeResponse && resp.ID == id {
			return resp
		}
	}
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	assert.NotEmpty(t, srv.BoundAddr())
	assert.NoError(t, srv.Stop(context.Background()))
	// second stop is a no-op
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=bad-token", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServerBearerToken(t *testing.T) {
	srv := startTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer test-token"}},
	})
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "")
}

func TestServerRPCRoundtrip(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	srv.RegisterHandler("echo", func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "echo", map[string]string{"msg": "hello"})

	assert.Equal(t, FrameTypeResponse, resp.Type)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Payload))
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	resp := call(t, ws, 2, "nonexistent", nil)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, string(domain.CodeRPCMethodNotFnd), resp.Code)
}

func TestServerHandlerErrorCarriesCode(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	srv.RegisterHandler("busy", func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return nil, domain.NewSubSystemError("runner", "Runner.Run", domain.ErrAlreadyRunning, "")
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := call(t, ws, 1, "busy", nil)
	assert.Equal(t, "a job is already running", resp.Error)
	assert.Equal(t, string(domain.CodeAlreadyRunning), resp.Code)
}

func TestServerEventForwarding(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	ws := dialWS(t, srv.BoundAddr(), "test-token")

	// wait for the connection to be registered
	require.Eventually(t, func() bool {
		n := 0
		srv.clients.Range(func(_, _ any) bool { n++; return true })
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventJobProgress, "run-1",
		domain.ProgressState{Phase: domain.PhaseGenerating, Percent: 80}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frame Frame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	assert.Equal(t, FrameTypeEvent, frame.Type)
	assert.Equal(t, string(domain.EventJobProgress), frame.Method)

	var evt domain.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &evt))
	assert.Equal(t, "run-1", evt.RunID)
	var st domain.ProgressState
	require.NoError(t, json.Unmarshal(evt.Payload, &st))
	assert.Equal(t, 80, st.Percent)
}

func TestServerSlowClient(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)
	_ = dialWS(t, srv.BoundAddr(), "test-token") // connected but not reading

	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*sendQueueSize; i++ {
			bus.Publish(context.Background(), domain.NewEvent(domain.EventJobOutput, "r", nil))
		}
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publishing blocked on a slow client")
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t, &testBus{})
	srv.RegisterHandler("ping", func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
			if !assert.NoError(t, err) {
				return
			}
			defer ws.Close(websocket.StatusNormalClosure, "")
			req := Frame{Type: FrameTypeRequest, ID: uint64(id), Method: "ping"}
			if !assert.NoError(t, wsjson.Write(ctx, ws, req)) {
				return
			}
			var resp Frame
			if assert.NoError(t, wsjson.Read(ctx, ws, &resp)) {
				assert.Equal(t, `"pong"`, string(resp.Payload))
			}
		}(i)
	}
	wg.Wait()
}

func TestServerDisconnect(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=test-token", nil)
	require.NoError(t, err)
	ws.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool {
		n := 0
		srv.clients.Range(func(_, _ any) bool { n++; return true })
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)

	// no client left, must not panic
	bus.Publish(context.Background(), domain.NewEvent(domain.EventJobExited, "r", nil))
}

func TestServerMiddlewareApplied(t *testing.T) {
	srv := startTestServer(t, &testBus{}, func(s *Server) {
		s.Use(middleware.SecurityHeaders)
		s.RegisterHTTPRoute("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	resp, err := http.Get("http://" + srv.BoundAddr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}
