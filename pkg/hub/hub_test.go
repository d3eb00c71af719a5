package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/fanout/internal/metrics"
	"github.com/HMasataka/fanout/pkg/policy"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	raw := read(t, conn)
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("frame %q is not an object: %v", raw, err)
	}
	return m
}

func expectOK(t *testing.T, conn *websocket.Conn, role string) {
	t.Helper()
	f := readFrame(t, conn)
	if f["type"] != "ok" || f["role"] != role {
		t.Fatalf("expected ok for %s, got %v", role, f)
	}
}

func expectAuthFailure(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	f := readFrame(t, conn)
	if f["type"] != "error" || f["msg"] != "auth failed" {
		t.Fatalf("expected auth failed error frame, got %v", f)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close frame, got %v", err)
	}
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "auth failed" {
		t.Fatalf("unexpected close %d %q", ce.Code, ce.Text)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestPublisherFanOut(t *testing.T) {
	h := New(policy.New("secret", "", nil))
	url := newTestServer(t, h)

	a := dial(t, url)
	expectOK(t, a, "viewer")
	send(t, a, `{"type":"auth","role":"publisher","token":"secret"}`)
	expectOK(t, a, "publisher")

	b := dial(t, url)
	expectOK(t, b, "viewer")
	send(t, b, `{"type":"auth","role":"viewer"}`)
	expectOK(t, b, "viewer")

	c := dial(t, url)
	expectOK(t, c, "viewer")
	send(t, c, `{"type":"auth","role":"publisher","token":"wrong"}`)
	expectAuthFailure(t, c)

	eventually(t, func() bool {
		s := h.Stats()
		return s.Publishers == 1 && s.Viewers == 1
	})

	snapshot := `{"type":"snapshot","data":[1,2]}`
	send(t, a, snapshot)
	if got := read(t, b); got != snapshot {
		t.Fatalf("viewer got %q, want %q", got, snapshot)
	}
}

func TestPingPong(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	h := New(policy.Open(), WithClock(func() time.Time { return fixed }))
	conn := dial(t, newTestServer(t, h))
	expectOK(t, conn, "viewer")

	for _, ping := range []string{"ping", `{"type":"ping"}`} {
		send(t, conn, ping)
		f := readFrame(t, conn)
		if f["type"] != "pong" {
			t.Fatalf("expected pong for %q, got %v", ping, f)
		}
		if ts, _ := f["ts"].(float64); int64(ts) != fixed.UnixMilli() {
			t.Fatalf("unexpected ts %v", f["ts"])
		}
	}
}

func TestPingBeforeAuthentication(t *testing.T) {
	h := New(policy.New("", "view", nil))
	conn := dial(t, newTestServer(t, h))

	send(t, conn, "ping")
	if f := readFrame(t, conn); f["type"] != "pong" {
		t.Fatalf("expected pong, got %v", f)
	}
	if s := h.Stats(); s.Viewers != 0 || s.Sessions != 1 {
		t.Fatalf("gated viewer admitted without credential: %+v", s)
	}

	send(t, conn, `{"type":"auth","role":"viewer","token":"view"}`)
	expectOK(t, conn, "viewer")
}

func TestViewerFramesAreNotRelayed(t *testing.T) {
	h := New(policy.Open())
	url := newTestServer(t, h)

	pub := dial(t, url)
	expectOK(t, pub, "viewer")
	send(t, pub, `{"type":"auth","role":"publisher"}`)
	expectOK(t, pub, "publisher")

	v1 := dial(t, url)
	expectOK(t, v1, "viewer")
	v2 := dial(t, url)
	expectOK(t, v2, "viewer")

	send(t, v1, `{"type":"snapshot","from":"viewer"}`)
	send(t, pub, `{"type":"weird"}`)
	send(t, pub, `{"type":"heartbeat","ts":1}`)

	for _, v := range []*websocket.Conn{v1, v2} {
		if got := read(t, v); got != `{"type":"heartbeat","ts":1}` {
			t.Fatalf("viewer got %q", got)
		}
	}
}

func TestBatchElementsRelayedIndividually(t *testing.T) {
	h := New(policy.Open())
	url := newTestServer(t, h)

	pub := dial(t, url + "?role=publisher")
	expectOK(t, pub, "publisher")
	view := dial(t, url)
	expectOK(t, view, "viewer")

	send(t, pub, `[{"type":"opportunity","id":1},{"anything":true}]`)
	if got := read(t, view); got != `{"type":"opportunity","id":1}` {
		t.Fatalf("first element: %q", got)
	}
	if got := read(t, view); got != `{"anything":true}` {
		t.Fatalf("second element: %q", got)
	}
}

func TestMalformedFrameKeepsSession(t *testing.T) {
	m := metrics.New()
	h := New(policy.Open(), WithMetrics(m))
	conn := dial(t, newTestServer(t, h))
	expectOK(t, conn, "viewer")

	send(t, conn, `{"type":`)
	send(t, conn, "ping")
	if f := readFrame(t, conn); f["type"] != "pong" {
		t.Fatalf("expected pong after malformed frame, got %v", f)
	}
	if m.Count(metrics.FramesMalformed) != 1 {
		t.Fatalf("malformed frames = %d", m.Count(metrics.FramesMalformed))
	}
}

func TestRoleSwitch(t *testing.T) {
	h := New(policy.Open())
	conn := dial(t, newTestServer(t, h)+"?role=publisher")
	expectOK(t, conn, "publisher")

	send(t, conn, `{"type":"auth","role":"viewer"}`)
	expectOK(t, conn, "viewer")

	s := h.Stats()
	if s.Publishers != 0 || s.Viewers != 1 {
		t.Fatalf("session should be in exactly one partition: %+v", s)
	}
}

func TestQueryAuth(t *testing.T) {
	h := New(policy.New("secret", "", nil))
	url := newTestServer(t, h)

	ok := dial(t, url+"?role=publisher&token=secret")
	f := readFrame(t, ok)
	if f["type"] != "ok" || f["role"] != "publisher" || f["ip"] != "127.0.0.1" {
		t.Fatalf("unexpected ok frame %v", f)
	}

	bad := dial(t, url+"?role=publisher&token=nope")
	expectAuthFailure(t, bad)
}

func TestUnknownRoleTreatedAsViewer(t *testing.T) {
	h := New(policy.New("secret", "", nil))
	conn := dial(t, newTestServer(t, h)+"?role=admin")
	expectOK(t, conn, "viewer")
}

func TestAuthFailureCounted(t *testing.T) {
	m := metrics.New()
	h := New(policy.New("secret", "", nil), WithMetrics(m))
	conn := dial(t, newTestServer(t, h)+"?role=publisher")
	expectAuthFailure(t, conn)

	if m.Count(metrics.AuthFailures) != 1 {
		t.Fatalf("auth failures = %d", m.Count(metrics.AuthFailures))
	}
	eventually(t, func() bool { return m.Count(metrics.SessionsActive) == 0 })
}

func TestOriginRejected(t *testing.T) {
	h := New(policy.New("", "", []string{"https://ok.example"}))
	url := newTestServer(t, h)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	header.Set("Origin", "https://ok.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	defer conn.Close()
	expectOK(t, conn, "viewer")
}

func TestSetPolicyAppliesToLaterClaims(t *testing.T) {
	h := New(policy.Open())
	url := newTestServer(t, h)

	h.SetPolicy(policy.New("fresh", "", nil))

	conn := dial(t, url)
	expectOK(t, conn, "viewer")
	send(t, conn, `{"type":"auth","role":"publisher"}`)
	expectAuthFailure(t, conn)
}

func TestShutdownClosesSessions(t *testing.T) {
	h := New(policy.Open())
	url := newTestServer(t, h)
	conn := dial(t, url)
	expectOK(t, conn, "viewer")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- h.Shutdown(ctx) }()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	late := dial(t, url)
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected late connection to be turned away, got %v", err)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Real-IP": "2.2.2.2"}, "9.9.9.9:1", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": "2.2.2.2"}, "9.9.9.9:1", "2.2.2.2"},
		{"forwarded", map[string]string{"X-Forwarded-For": "3.3.3.3, 4.4.4.4"}, "9.9.9.9:1", "3.3.3.3"},
		{"socket", nil, "9.9.9.9:1234", "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
