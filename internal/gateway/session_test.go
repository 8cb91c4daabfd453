package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/token"
	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

type fakeCreds struct {
	mu       sync.Mutex
	acquires int
	stops    int
	err      error
	failures chan error
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{failures: make(chan error, 1)}
}

func (f *fakeCreds) Acquire(ctx context.Context) (token.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return token.Credential{}, f.err
	}
	return token.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeCreds) Failures() <-chan error { return f.failures }

func (f *fakeCreds) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

type staticEndpoint string

func (e staticEndpoint) GatewayEndpoint(ctx context.Context, token string) (string, error) {
	return string(e), nil
}

// fakeGateway hands every accepted socket to the test.
type fakeGateway struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		g.conns <- conn
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-g.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection from session")
		return nil
	}
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Intents:             []string{"group_and_c2c"},
		ShardCount:          1,
		HandshakeTimeout:    config.Duration{Duration: 5 * time.Second},
		ConnectRetryDelay:   config.Duration{Duration: 20 * time.Millisecond},
		CloseReconnectDelay: config.Duration{Duration: 20 * time.Millisecond},
		ErrorReconnectDelay: config.Duration{Duration: 20 * time.Millisecond},
		SessionMaxAge:       config.Duration{Duration: time.Hour},
	}
}

func newTestSession(t *testing.T, g *fakeGateway, creds Credentials, handler MessageHandler) *Session {
	t.Helper()
	return newTestSessionWith(t, g, testConfig(), creds, handler)
}

func newTestSessionWith(t *testing.T, g *fakeGateway, cfg config.GatewayConfig, creds Credentials, handler MessageHandler) *Session {
	t.Helper()
	s, err := NewSession(cfg, creds, staticEndpoint(g.url()), handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(context.Background())
	}()
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after Shutdown")
		}
	})
}

func writeFrame(t *testing.T, c *websocket.Conn, op int, event string, seq int64, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(op, payload)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	f.T = event
	if seq > 0 {
		f.S = &seq
	}
	if err := c.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil skips heartbeats and returns the first frame with the given op.
func readUntil(t *testing.T, c *websocket.Conn, op int) protocol.Frame {
	t.Helper()
	for {
		f := readFrame(t, c)
		if f.Op == op {
			return f
		}
	}
}

func hello(t *testing.T, c *websocket.Conn, interval time.Duration) {
	t.Helper()
	writeFrame(t, c, protocol.OpHello, "", 0, protocol.Hello{HeartbeatInterval: interval.Milliseconds()})
}

func ready(t *testing.T, c *websocket.Conn, sessionID string, seq int64) {
	t.Helper()
	writeFrame(t, c, protocol.OpDispatch, protocol.EventReady, seq, map[string]any{
		"version":    1,
		"session_id": sessionID,
		"user":       map[string]any{"id": "bot", "username": "kestrel", "bot": true},
	})
}

func message(t *testing.T, c *websocket.Conn, seq int64, id, content string) {
	t.Helper()
	writeFrame(t, c, protocol.OpDispatch, protocol.EventGroupAtMessageCreate, seq, map[string]any{
		"id":           id,
		"content":      content,
		"group_openid": "g1",
		"author":       map[string]any{"member_openid": "u1"},
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSequenceIsMonotonic(t *testing.T) {
	g := newFakeGateway(t)
	got := make(chan protocol.InboundMessage, 1)
	s := newTestSession(t, g, newFakeCreds(), func(ctx context.Context, msg protocol.InboundMessage) error {
		got <- msg
		return nil
	})
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	if f := readUntil(t, c, protocol.OpIdentify); f.Op != protocol.OpIdentify {
		t.Fatalf("expected identify, got op %d", f.Op)
	}
	ready(t, c, "sess-1", 1)

	var max int64
	for _, seq := range []int64{5, 3, 9, 2, 7} {
		writeFrame(t, c, protocol.OpDispatch, "UNKNOWN_EVENT", seq, map[string]any{})
		if seq > max {
			max = seq
		}
	}
	message(t, c, 4, "m1", "ping")

	select {
	case msg := <-got:
		if msg.Content != "ping" || msg.GroupID != "g1" || msg.AuthorID != "u1" || msg.MessageID != "m1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	st := s.Status()
	if st.Seq != max {
		t.Errorf("seq = %d, want %d", st.Seq, max)
	}
	if st.State != StateReady || st.SessionID != "sess-1" {
		t.Errorf("status = %+v, want ready with session sess-1", st)
	}
}

func TestResumeAfterCleanClose(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-42", 1)
	writeFrame(t, c, protocol.OpDispatch, "UNKNOWN_EVENT", 42, map[string]any{})
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("close: %v", err)
	}

	c2 := g.accept(t)
	hello(t, c2, time.Minute)
	f := readUntil(t, c2, protocol.OpResume)
	var resume protocol.Resume
	if err := json.Unmarshal(f.D, &resume); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resume.SessionID != "sess-42" {
		t.Errorf("session_id = %q, want sess-42", resume.SessionID)
	}
	if resume.Seq != 43 {
		t.Errorf("seq = %d, want 43", resume.Seq)
	}
	if resume.Token != "QQBot tok" {
		t.Errorf("token = %q", resume.Token)
	}

	writeFrame(t, c2, protocol.OpDispatch, protocol.EventResumed, 43, map[string]any{})
	waitFor(t, func() bool { return s.Status().Resumes == 1 })
}

func TestIdentifyWithoutPriorSession(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	f := readFrame(t, c)
	if f.Op != protocol.OpIdentify {
		t.Fatalf("first frame op = %d, want identify", f.Op)
	}
	var id protocol.Identify
	if err := json.Unmarshal(f.D, &id); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if id.Intents != protocol.IntentGroupAndC2C {
		t.Errorf("intents = %d", id.Intents)
	}
	if id.Shard != [2]int{0, 1} {
		t.Errorf("shard = %v", id.Shard)
	}
}

func TestIdentifyOnOpenWithoutHello(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	f := readFrame(t, c)
	if f.Op != protocol.OpIdentify {
		t.Fatalf("first frame op = %d, want identify", f.Op)
	}
	waitFor(t, func() bool { return s.Status().State == StateAwaitingReady })

	ready(t, c, "sess-1", 1)
	waitFor(t, func() bool { return s.Status().State == StateReady })
	if f := readUntil(t, c, protocol.OpHeartbeat); string(f.D) != "1" {
		t.Errorf("heartbeat d = %s, want 1", f.D)
	}
}

func TestHeartbeatIntervalFromAnyFrame(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	readUntil(t, c, protocol.OpIdentify)
	writeFrame(t, c, protocol.OpDispatch, protocol.EventReady, 1, map[string]any{
		"session_id":         "sess-1",
		"heartbeat_interval": 40,
		"user":               map[string]any{"id": "bot", "username": "kestrel", "bot": true},
	})

	// One heartbeat goes out on READY; the rest come from the 40ms ticker.
	for range 3 {
		readUntil(t, c, protocol.OpHeartbeat)
	}
	if st := s.Status(); st.HeartbeatInterval != 40*time.Millisecond {
		t.Errorf("heartbeat interval = %s, want 40ms", st.HeartbeatInterval)
	}
}

func TestReadyTimeoutReconnects(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	s.readyTimeout = 100 * time.Millisecond
	startSession(t, s)

	c := g.accept(t)
	readUntil(t, c, protocol.OpIdentify)

	c2 := g.accept(t)
	if f := readFrame(t, c2); f.Op != protocol.OpIdentify {
		t.Fatalf("op = %d, want identify", f.Op)
	}
	if !strings.Contains(s.Status().LastError, "READY") {
		t.Errorf("last error = %q", s.Status().LastError)
	}
}

func TestPeriodicResetResumes(t *testing.T) {
	g := newFakeGateway(t)
	cfg := testConfig()
	cfg.SessionMaxAge = config.Duration{Duration: 400 * time.Millisecond}
	s := newTestSessionWith(t, g, cfg, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-p", 5)

	c2 := g.accept(t)
	f := readFrame(t, c2)
	if f.Op != protocol.OpResume {
		t.Fatalf("first frame after periodic reset op = %d, want resume", f.Op)
	}
	var resume protocol.Resume
	if err := json.Unmarshal(f.D, &resume); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resume.SessionID != "sess-p" || resume.Seq != 6 {
		t.Errorf("resume = %+v, want sess-p at seq 6", resume)
	}
}

func TestInvalidSessionNotResumableIdentifiesAgain(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-1", 3)
	writeFrame(t, c, protocol.OpInvalidSession, "", 0, false)

	c2 := g.accept(t)
	hello(t, c2, time.Minute)
	f := readUntil(t, c2, protocol.OpIdentify)
	if f.Op != protocol.OpIdentify {
		t.Fatalf("op = %d, want identify", f.Op)
	}
}

func TestReconnectRequestResumes(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-7", 10)
	writeFrame(t, c, protocol.OpReconnect, "", 0, nil)

	c2 := g.accept(t)
	hello(t, c2, time.Minute)
	f := readUntil(t, c2, protocol.OpResume)
	var resume protocol.Resume
	if err := json.Unmarshal(f.D, &resume); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resume.SessionID != "sess-7" || resume.Seq != 11 {
		t.Errorf("resume = %+v", resume)
	}
}

func TestHeartbeatNullBeforeFirstSequence(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, 50*time.Millisecond)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-1", 0)

	f := readUntil(t, c, protocol.OpHeartbeat)
	if string(f.D) != "null" {
		t.Errorf("heartbeat d = %s, want null", f.D)
	}

	writeFrame(t, c, protocol.OpDispatch, "UNKNOWN_EVENT", 8, map[string]any{})
	for {
		f = readUntil(t, c, protocol.OpHeartbeat)
		if string(f.D) != "null" {
			break
		}
	}
	if string(f.D) != "8" {
		t.Errorf("heartbeat d = %s, want 8", f.D)
	}
}

func TestCredentialFailureRetries(t *testing.T) {
	g := newFakeGateway(t)
	creds := newFakeCreds()
	creds.err = &token.CredentialError{Err: errors.New("denied")}
	s := newTestSession(t, g, creds, nil)
	startSession(t, s)

	waitFor(t, func() bool {
		creds.mu.Lock()
		defer creds.mu.Unlock()
		return creds.acquires >= 3
	})
	if !strings.Contains(s.Status().LastError, "denied") {
		t.Errorf("last error = %q", s.Status().LastError)
	}
}

func TestRenewalFailureResetsSession(t *testing.T) {
	g := newFakeGateway(t)
	creds := newFakeCreds()
	s := newTestSession(t, g, creds, nil)
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-1", 1)
	waitFor(t, func() bool { return s.Status().State == StateReady })

	creds.failures <- &token.CredentialError{Err: errors.New("expired")}

	c2 := g.accept(t)
	hello(t, c2, time.Minute)
	readUntil(t, c2, protocol.OpResume)
}

func TestShutdownIsTerminal(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	c := g.accept(t)
	hello(t, c, time.Minute)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-1", 1)
	waitFor(t, func() bool { return s.Status().State == StateReady })

	s.Shutdown()
	s.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected normal closure, got %v", err)
		}
		break
	}

	if st := s.Status(); st.State != StateClosed || st.SessionID != "" {
		t.Errorf("status = %+v", st)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after shutdown = %v, want ErrClosed", err)
	}
	select {
	case <-g.conns:
		t.Error("session reconnected after shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerPanicDoesNotBreakSession(t *testing.T) {
	g := newFakeGateway(t)
	calls := make(chan string, 2)
	s := newTestSession(t, g, newFakeCreds(), func(ctx context.Context, msg protocol.InboundMessage) error {
		calls <- msg.Content
		if msg.Content == "boom" {
			panic("plugin exploded")
		}
		return nil
	})
	startSession(t, s)

	c := g.accept(t)
	hello(t, c, time.Minute)
	readUntil(t, c, protocol.OpIdentify)
	ready(t, c, "sess-1", 1)
	message(t, c, 2, "m1", "boom")
	message(t, c, 3, "m2", "fine")

	seen := map[string]bool{}
	for range 2 {
		select {
		case content := <-calls:
			seen[content] = true
		case <-time.After(5 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	if !seen["boom"] || !seen["fine"] {
		t.Errorf("seen = %v", seen)
	}
	if st := s.Status(); st.State != StateReady || st.Connects != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	if err := s.sendHeartbeat(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectGuard(t *testing.T) {
	g := newFakeGateway(t)
	s := newTestSession(t, g, newFakeCreds(), nil)
	s.connecting.Store(true)
	if _, _, err := s.connect(context.Background()); !errors.Is(err, errConnectInProgress) {
		t.Errorf("err = %v, want errConnectInProgress", err)
	}
}
