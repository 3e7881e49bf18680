package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeTimer struct {
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
	timers []*fakeTimer
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{}
	s.delays = append(s.delays, d)
	s.funcs = append(s.funcs, f)
	s.timers = append(s.timers, t)
	return t
}

// fire 执行最近一次安排的回调。
func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.funcs) == 0 {
		s.mu.Unlock()
		t.Fatalf("nothing scheduled")
	}
	f := s.funcs[len(s.funcs)-1]
	s.mu.Unlock()
	f()
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, nil, errors.New("connection refused")
}

func statusRecorder(t *testing.T, c *Client) func() []string {
	t.Helper()
	var mu sync.Mutex
	var statuses []string
	if _, err := c.Subscribe(ConnectionType, "test", func(f Frame) {
		var ev struct {
			Status string `json:"status"`
		}
		_ = f.Decode(&ev)
		mu.Lock()
		statuses = append(statuses, ev.Status)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), statuses...)
	}
}

func TestReconnectBackoffIsLinearAndBounded(t *testing.T) {
	sched := &fakeScheduler{}
	dialer := &failingDialer{}
	c := New("ws://unused", WithScheduler(sched.schedule), WithDialer(dialer), WithBaseDelay(time.Second), WithMaxAttempts(5))
	statuses := statusRecorder(t, c)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	for i := 0; i < 5; i++ {
		sched.fire(t)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}
	got := sched.scheduled()
	if len(got) != len(want) {
		t.Fatalf("expected %d reconnects, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: got %s want %s", i, got[i], want[i])
		}
	}
	if dialer.calls != 6 {
		t.Fatalf("expected initial dial plus 5 retries, got %d", dialer.calls)
	}
	if s := statuses(); len(s) != 1 || s[0] != StatusDisconnected {
		t.Fatalf("expected a single disconnected event, got %v", s)
	}

	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	if c.Attempts() != 1 {
		t.Fatalf("explicit connect should reset attempts, got %d", c.Attempts())
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	sched := &fakeScheduler{}
	dialer := &failingDialer{}
	c := New("ws://unused", WithScheduler(sched.schedule), WithDialer(dialer))

	_ = c.Connect(context.Background())
	c.Close()
	if !sched.timers[0].stopped {
		t.Fatalf("close should stop the pending timer")
	}
	sched.fire(t)
	if dialer.calls != 1 {
		t.Fatalf("a fired timer after close must not dial, calls=%d", dialer.calls)
	}
}

type wsServer struct {
	*httptest.Server
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan map[string]any
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{received: make(chan map[string]any, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		for {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			s.received <- msg
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func (s *wsServer) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.conns)
		var ws *websocket.Conn
		if n > 0 {
			ws = s.conns[n-1]
		}
		s.mu.Unlock()
		if ws != nil {
			return ws
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no server connection")
	return nil
}

func (s *wsServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDispatchEmitAndReconnect(t *testing.T) {
	srv := newWSServer(t)
	sched := &fakeScheduler{}
	c := New(srv.url(), WithScheduler(sched.schedule), WithBaseDelay(10*time.Millisecond))
	t.Cleanup(c.Close)
	statuses := statusRecorder(t, c)

	got := make(chan Message, 4)
	if _, err := c.Subscribe(MessageType, "test", func(f Frame) {
		var m Message
		if err := f.Decode(&m); err == nil {
			got <- m
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !c.Connected() {
		t.Fatalf("client should report connected")
	}

	if err := c.Emit("command", map[string]any{"command": "Swap 1 USDC to WETH on Base"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case msg := <-srv.received:
		if msg["type"] != "command" || msg["command"] != "Swap 1 USDC to WETH on Base" {
			t.Fatalf("unexpected emitted frame %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive frame")
	}

	ws := srv.latest(t)
	if err := ws.WriteJSON(map[string]string{"type": "agent-message", "timestamp": "10:00:00", "role": "assistant", "content": "hi", "agentName": "observer"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	if err := ws.WriteJSON(map[string]string{"type": "unhandled"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case m := <-got:
		if m.Content != "hi" || m.AgentName != "observer" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not dispatched")
	}

	_ = ws.Close()
	waitFor(t, func() bool { return len(sched.scheduled()) == 1 })
	if d := sched.scheduled()[0]; d != 10*time.Millisecond {
		t.Fatalf("first reconnect should wait one base delay, got %s", d)
	}
	sched.fire(t)
	waitFor(t, func() bool { return c.Connected() && srv.count() == 2 })
	if c.Attempts() != 0 {
		t.Fatalf("successful reconnect should reset attempts, got %d", c.Attempts())
	}
	if s := statuses(); len(s) != 2 || s[0] != StatusConnected || s[1] != StatusConnected {
		t.Fatalf("unexpected connection events %v", s)
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	c := New("ws://unused")
	if err := c.Emit("command", nil); err == nil {
		t.Fatalf("expected error without connection")
	}
}

func TestSubscribeSemantics(t *testing.T) {
	c := New("ws://unused")
	calls := 0
	h := func(Frame) { calls++ }
	first, err := c.Subscribe("agent-message", "a", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, _ := c.Subscribe("agent-message", "a", h)
	if first != second {
		t.Fatalf("duplicate subscribe should return the same token")
	}
	c.dispatch([]byte(`{"type":"agent-message"}`))
	if calls != 1 {
		t.Fatalf("duplicate subscribe must not double deliver, calls=%d", calls)
	}
	c.Unsubscribe(first)
	c.Unsubscribe(first)
	c.dispatch([]byte(`{"type":"agent-message"}`))
	if calls != 1 {
		t.Fatalf("unsubscribed handler still called")
	}
	if _, err := c.Subscribe("", "a", h); err == nil {
		t.Fatalf("expected error for empty type")
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	c := New("ws://unused")
	reached := false
	_, _ = c.Subscribe("agent-message", "boom", func(Frame) { panic("boom") })
	_, _ = c.Subscribe("agent-message", "ok", func(Frame) { reached = true })
	c.dispatch([]byte(`{"type":"agent-message"}`))
	if !reached {
		t.Fatalf("panicking handler should not block later handlers")
	}
}
