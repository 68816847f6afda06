package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	mu     sync.Mutex
	conns  []*WebSocketConn
	closes int
}

func (r *recorder) last() *WebSocketConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// echoHandler sends every message back to its sender.
func (r *recorder) echoHandler(conn *WebSocketConn, _ *http.Request) {
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	conn.On(EventMessage, func(message []byte) {
		_ = conn.Send(message)
	})
	conn.On(EventClose, func(code int, text string) {
		r.mu.Lock()
		r.closes++
		r.mu.Unlock()
	})
}

func startServer(t *testing.T, cfg P2PServerConfig, handler func(*WebSocketConn, *http.Request)) (*P2PServer, *httptest.Server) {
	t.Helper()
	srv := NewP2PServer(handler, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEchoPreservesOrder(t *testing.T) {
	rec := &recorder{}
	_, ts := startServer(t, GetDefaultConfig(), rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, m := range want {
		if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, m := range want {
		_, got, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != m {
			t.Fatalf("got %s, want %s", got, m)
		}
	}
}

func TestCloseEmittedOnceAndSendFailsAfterwards(t *testing.T) {
	rec := &recorder{}
	_, ts := startServer(t, GetDefaultConfig(), rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitUntil(t, "handler", func() bool { return rec.last() != nil })

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_ = c.Close()

	waitUntil(t, "close event", func() bool { return rec.closeCount() == 1 })
	conn := rec.last()
	_ = conn.Close()
	_ = conn.Close()

	if err := conn.Send([]byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send after close err=%v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.closeCount(); got != 1 {
		t.Fatalf("close emitted %d times", got)
	}
}

func TestServerCloseEndsSession(t *testing.T) {
	rec := &recorder{}
	_, ts := startServer(t, GetDefaultConfig(), rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	waitUntil(t, "handler", func() bool { return rec.last() != nil })

	_ = rec.last().Close()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if got := rec.closeCount(); got != 1 {
		t.Fatalf("close emitted %d times", got)
	}
}

func TestSendQueueFull(t *testing.T) {
	conn := &WebSocketConn{send: make(chan []byte, 1)}
	if err := conn.Send([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := conn.Send([]byte("b")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("second send err=%v", err)
	}
}

func TestRateLimitClosesSession(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Conn.MessagesPerSecond = 0.001
	cfg.Conn.MessageBurst = 2
	rec := &recorder{}
	_, ts := startServer(t, cfg, rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	for _, m := range []string{"1", "2", "3"} {
		if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"1", "2"} {
		_, got, err := c.ReadMessage()
		if err != nil || string(got) != want {
			t.Fatalf("got %q err=%v, want %q", got, err, want)
		}
	}
	_, got, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %q err=%v", got, err)
	}
	waitUntil(t, "close event", func() bool { return rec.closeCount() == 1 })
}

func TestDefaultConfigHasNoRateLimit(t *testing.T) {
	rec := &recorder{}
	_, ts := startServer(t, GetDefaultConfig(), rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	const n = 200
	for i := 0; i < n; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < n; i++ {
		_, got, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(got) != strconv.Itoa(i) {
			t.Fatalf("got %s, want %d", got, i)
		}
	}
}

func TestOversizedMessageEndsSession(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Conn.MaxMessageBytes = 16
	rec := &recorder{}
	_, ts := startServer(t, cfg, rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("expected message too big close, got %v", err)
	}
	waitUntil(t, "close event", func() bool { return rec.closeCount() == 1 })
}

func TestLargeFrameFitsDefaultReadLimit(t *testing.T) {
	rec := &recorder{}
	_, ts := startServer(t, GetDefaultConfig(), rec.echoHandler)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	big := strings.Repeat("a=candidate:1 1 udp 2130706431 192.0.2.10 50000 typ host\r\n", 4096)
	if err := c.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(big) {
		t.Fatalf("echo length %d, want %d", len(got), len(big))
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.AllowedOrigins = []string{"https://call.example/"}
	rec := &recorder{}
	_, ts := startServer(t, cfg, rec.echoHandler)

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), h); err == nil {
		t.Fatalf("expected disallowed origin to fail")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v err=%v", resp, err)
	}

	h.Set("Origin", "https://CALL.example")
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/signal"), h)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{[]string{"*"}, "https://anything.example", true},
		{[]string{"http://localhost:3000"}, "http://localhost:3000", true},
		{[]string{"http://localhost:3000"}, "http://localhost:3001", false},
		{[]string{"http://localhost:3000"}, "not a url", false},
		{nil, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("originAllowed(%v, %q)=%v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	_, ts := startServer(t, GetDefaultConfig(), (&recorder{}).echoHandler)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("GET /rooms: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/rooms without stats status=%d", resp.StatusCode)
	}
}

func TestRooms(t *testing.T) {
	srv := NewP2PServer((&recorder{}).echoHandler, GetDefaultConfig())
	srv.SetRoomStats(func() map[string]int {
		return map[string]int{"b": 1, "a": 1, "big": 3}
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("GET /rooms: %v", err)
	}
	defer resp.Body.Close()

	var rooms []roomEntry
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []roomEntry{{"big", 3}, {"a", 1}, {"b", 1}}
	if len(rooms) != len(want) {
		t.Fatalf("rooms=%v", rooms)
	}
	for i := range want {
		if rooms[i] != want[i] {
			t.Fatalf("rooms=%v, want %v", rooms, want)
		}
	}
}
