package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/guard"
	"github.com/halyard-sh/halyard/internal/protect"
	"github.com/halyard-sh/halyard/internal/session"
	"github.com/halyard-sh/halyard/internal/terminal"
)

const (
	testIP    = "203.0.113.9"
	testToken = "00112233445566778899aabbccddeeff0011223344556677"
)

// fakeSession is a scriptable terminal.Session.
type fakeSession struct {
	mu      sync.Mutex
	stdin   []byte
	resizes [][2]uint16
	out     chan []byte
	closes  int
}

func newFakeSession() *fakeSession {
	return &fakeSession{out: make(chan []byte, 16)}
}

func (f *fakeSession) Read(p []byte) (int, error) {
	data, ok := <-f.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *fakeSession) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdin = append(f.stdin, p...)
	return len(p), nil
}

func (f *fakeSession) Resize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{rows, cols})
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes == 1 {
		close(f.out)
	}
	return nil
}

func (f *fakeSession) stdinString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.stdin)
}

// fakeConnector hands out a prepared session or error and records the
// config it was dialed with.
type fakeConnector struct {
	mu   sync.Mutex
	sess terminal.Session
	err  error
	cfg  terminal.ConnectorConfig
}

func (f *fakeConnector) Connect(_ context.Context, cfg terminal.ConnectorConfig) (terminal.Session, error) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func (f *fakeConnector) dialedConfig() terminal.ConnectorConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// literalGuard never touches DNS; targets in tests are IP literals.
func literalGuard() *guard.Guard {
	return guard.New(guard.Options{
		LookupHost: func(context.Context, string) ([]string, error) {
			return nil, errors.New("no DNS in tests")
		},
	})
}

type harness struct {
	client  *websocket.Conn
	conn    *Conn
	limiter *protect.Limiter
}

// startRelay upgrades a test socket and runs Serve the way the gate does:
// counter already incremented, Serve on the handler goroutine. No registry
// is involved.
func startRelay(t *testing.T, deps Deps) *harness {
	t.Helper()
	if deps.Limiter == nil {
		deps.Limiter = protect.NewLimiter(5, 5)
	}
	if deps.Guard == nil {
		deps.Guard = literalGuard()
	}
	deps.Logger = zerolog.Nop()

	connCh := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deps.Limiter.AcquireIP(testIP)
		user := session.Record{UserID: "u1", Email: "u1@example.com"}
		c := New("conn-1", ws, user, "sid", testIP, testToken, deps)
		connCh <- c
		c.Serve(r.Context())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return &harness{client: client, conn: <-connCh, limiter: deps.Limiter}
}

func (h *harness) sendJSON(t *testing.T, v any) {
	t.Helper()
	if err := h.client.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *harness) readControl(t *testing.T) controlMessage {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("read control: %v", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode control: %v", err)
		}
		return msg
	}
}

func (h *harness) readBinary(t *testing.T) []byte {
	t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("read binary: %v", err)
		}
		if mt == websocket.BinaryMessage {
			return data
		}
	}
}

func connectMsg(host string) map[string]any {
	return map[string]any{
		"type":     "connect",
		"host":     host,
		"port":     22,
		"username": "root",
		"auth":     "password",
		"password": "hunter2",
		"token":    testToken,
	}
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not close")
	}
}

func TestHappyPathRelay(t *testing.T) {
	sess := newFakeSession()
	connector := &fakeConnector{sess: sess}
	h := startRelay(t, Deps{Connector: connector})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	if msg := h.readControl(t); msg.Type != "ready" {
		t.Fatalf("expected ready, got %+v", msg)
	}

	// keystrokes flow to the shell unmodified
	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte("ls -la\n")); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sess.stdinString() != "ls -la\n" {
		if time.Now().After(deadline) {
			t.Fatalf("stdin = %q", sess.stdinString())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// shell output flows back as binary
	sess.out <- []byte("total 0\n")
	if got := h.readBinary(t); string(got) != "total 0\n" {
		t.Fatalf("got %q", got)
	}

	// the dialer saw the resolved address, not the hostname
	if got := connector.dialedConfig().Addr; got != netip.MustParseAddr("93.184.216.34") {
		t.Fatalf("dial addr = %v", got)
	}

	// shell close ends the relay: ssh-closed then socket close
	_ = sess.Close()
	if msg := h.readControl(t); msg.Type != "ssh-closed" {
		t.Fatalf("expected ssh-closed, got %+v", msg)
	}
	waitClosed(t, h.conn)
	if n := h.limiter.LiveCount(testIP); n != 0 {
		t.Fatalf("counter should be released, got %d", n)
	}
}

func TestPolicyRejectionDoesNotRecordFailure(t *testing.T) {
	limiter := protect.NewLimiter(5, 1) // a single recorded failure throttles
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: newFakeSession()}, Limiter: limiter})

	h.sendJSON(t, connectMsg("127.0.0.1"))
	msg := h.readControl(t)
	if msg.Type != "error" || !strings.Contains(msg.Message, "rejected") {
		t.Fatalf("expected rejection error, got %+v", msg)
	}
	waitClosed(t, h.conn)

	if !limiter.CheckAttempts("u1") {
		t.Fatal("policy rejection must not advance the failure counter")
	}
	if n := limiter.LiveCount(testIP); n != 0 {
		t.Fatalf("counter leak: %d", n)
	}
}

func TestObfuscatedPrivateTargetRejected(t *testing.T) {
	h := startRelay(t, Deps{Connector: &fakeConnector{err: errors.New("must not dial")}})

	h.sendJSON(t, connectMsg("0x7f000001"))
	msg := h.readControl(t)
	if msg.Type != "error" {
		t.Fatalf("expected error, got %+v", msg)
	}
	waitClosed(t, h.conn)
	// connector.err would have produced a different message had SSH dialed
	if strings.Contains(msg.Message, "must not dial") {
		t.Fatal("SSH must never be dialed for a policy rejection")
	}
}

func TestSSHFailureRecordsAttempt(t *testing.T) {
	limiter := protect.NewLimiter(5, 1)
	h := startRelay(t, Deps{Connector: &fakeConnector{err: errors.New("auth failed")}, Limiter: limiter})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	msg := h.readControl(t)
	if msg.Type != "error" || !strings.Contains(msg.Message, "auth failed") {
		t.Fatalf("expected SSH error frame, got %+v", msg)
	}
	waitClosed(t, h.conn)

	if limiter.CheckAttempts("u1") {
		t.Fatal("SSH failure must advance the failure counter")
	}
}

func TestThrottledUserRejectedBeforeDial(t *testing.T) {
	limiter := protect.NewLimiter(5, 1)
	limiter.RecordFailure("u1")
	connector := &fakeConnector{err: errors.New("must not dial")}
	h := startRelay(t, Deps{Connector: connector, Limiter: limiter})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	msg := h.readControl(t)
	if !strings.Contains(msg.Message, "too many failed SSH attempts") {
		t.Fatalf("got %+v", msg)
	}
	waitClosed(t, h.conn)
}

func TestTokenMismatchRejected(t *testing.T) {
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: newFakeSession()}})

	m := connectMsg("93.184.216.34")
	m["token"] = strings.Repeat("f", len(testToken))
	h.sendJSON(t, m)
	msg := h.readControl(t)
	if msg.Type != "error" || !strings.Contains(msg.Message, "token") {
		t.Fatalf("got %+v", msg)
	}
	waitClosed(t, h.conn)
}

func TestAllowListMiss(t *testing.T) {
	h := startRelay(t, Deps{
		Connector:    &fakeConnector{sess: newFakeSession()},
		AllowedHosts: map[string]struct{}{"198.51.100.7": {}},
	})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	msg := h.readControl(t)
	if !strings.Contains(msg.Message, "allowed host list") {
		t.Fatalf("got %+v", msg)
	}
	waitClosed(t, h.conn)
}

func TestBufferedResizeAppliedAtConnect(t *testing.T) {
	sess := newFakeSession()
	connector := &fakeConnector{sess: sess}
	h := startRelay(t, Deps{Connector: connector})

	h.sendJSON(t, map[string]any{"type": "resize", "cols": 132, "rows": 43})
	h.sendJSON(t, connectMsg("93.184.216.34"))
	if msg := h.readControl(t); msg.Type != "ready" {
		t.Fatalf("got %+v", msg)
	}

	cfg := connector.dialedConfig()
	if cfg.Cols != 132 || cfg.Rows != 43 {
		t.Fatalf("buffered resize not applied: %dx%d", cfg.Cols, cfg.Rows)
	}
}

func TestResizeWhileReady(t *testing.T) {
	sess := newFakeSession()
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: sess}})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	if msg := h.readControl(t); msg.Type != "ready" {
		t.Fatalf("got %+v", msg)
	}

	h.sendJSON(t, map[string]any{"type": "resize", "cols": 100, "rows": 30})
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess.mu.Lock()
		n := len(sess.resizes)
		sess.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resize never reached the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess.mu.Lock()
	got := sess.resizes[0]
	sess.mu.Unlock()
	if got != [2]uint16{30, 100} {
		t.Fatalf("resize = %v", got)
	}
}

func TestUnknownFirstFrameCloses(t *testing.T) {
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: newFakeSession()}})

	h.sendJSON(t, map[string]any{"type": "eval", "code": "1+1"})
	msg := h.readControl(t)
	if msg.Type != "error" {
		t.Fatalf("got %+v", msg)
	}
	waitClosed(t, h.conn)
}

func TestStrayBinaryInOpenedIgnored(t *testing.T) {
	sess := newFakeSession()
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: sess}})

	if err := h.client.WriteMessage(websocket.BinaryMessage, []byte("garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.sendJSON(t, connectMsg("93.184.216.34"))
	if msg := h.readControl(t); msg.Type != "ready" {
		t.Fatalf("stray binary should be discarded, got %+v", msg)
	}
	if sess.stdinString() != "" {
		t.Fatalf("pre-connect bytes must not reach the shell: %q", sess.stdinString())
	}
}

func TestClientDisconnectTearsDownOnce(t *testing.T) {
	sess := newFakeSession()
	limiter := protect.NewLimiter(5, 5)
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: sess}, Limiter: limiter})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	if msg := h.readControl(t); msg.Type != "ready" {
		t.Fatalf("got %+v", msg)
	}

	_ = h.client.Close()
	waitClosed(t, h.conn)

	sess.mu.Lock()
	closes := sess.closes
	sess.mu.Unlock()
	if closes == 0 {
		t.Fatal("shell must be closed when the browser goes away")
	}
	if n := limiter.LiveCount(testIP); n != 0 {
		t.Fatalf("counter leak: %d", n)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	sess := newFakeSession()
	limiter := protect.NewLimiter(5, 5)
	h := startRelay(t, Deps{Connector: &fakeConnector{sess: sess}, Limiter: limiter})

	h.sendJSON(t, connectMsg("93.184.216.34"))
	if msg := h.readControl(t); msg.Type != "ready" {
		t.Fatalf("got %+v", msg)
	}

	h.conn.Terminate(websocket.CloseGoingAway)
	h.conn.Terminate(websocket.CloseGoingAway)
	h.conn.Terminate(websocket.CloseNormalClosure)
	waitClosed(t, h.conn)

	if h.conn.State() != StateClosed {
		t.Fatalf("state = %v", h.conn.State())
	}
	// ReleaseIP ran exactly once: a fresh acquire must start from 1.
	if n := limiter.AcquireIP(testIP); n != 1 {
		t.Fatalf("expected clean counter, acquire returned %d", n)
	}
}

func TestFlexPort(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{`{"port":2222}`, 2222},
		{`{"port":"2222"}`, 2222},
		{`{"port":""}`, 22},
		{`{"port":null}`, 22},
		{`{"port":0}`, 22},
		{`{"port":70000}`, 22},
		{`{"port":"abc"}`, 22},
		{`{}`, 22},
	}
	for _, tc := range cases {
		var req connectRequest
		if err := json.Unmarshal([]byte(tc.in), &req); err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got := req.Port.Value(); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.in, got, tc.want)
		}
	}
}
