// Package gateway manages the bot's outbound WebSocket session with the push
// gateway.
//
// A Session owns one connection at a time. A single goroutine reads frames
// and drives the state machine, so sequence numbers are applied strictly in
// arrival order. Every timer belongs to the connection that started it and
// dies with it; a superseded connection can never write to its successor.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-bot/kestrel/internal/config"
	"github.com/kestrel-bot/kestrel/internal/metrics"
	"github.com/kestrel-bot/kestrel/internal/token"
	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAwaitingReady    State = "awaiting_ready"
	StateReady            State = "ready"
	StateReconnectPending State = "reconnect_pending"
	StateClosed           State = "closed"
)

const (
	defaultHeartbeat    = 30 * time.Second
	defaultReadyTimeout = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

var (
	// ErrNotConnected is returned when a frame is sent without an open socket.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrClosed is returned by Run after Shutdown.
	ErrClosed = errors.New("gateway: session closed")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("gateway: session already running")

	errConnectInProgress = errors.New("connect already in progress")
)

// Credentials supplies access tokens. token.Provider implements it.
type Credentials interface {
	Acquire(ctx context.Context) (token.Credential, error)
	Failures() <-chan error
	Stop()
}

// Endpoints resolves the WebSocket URL. rest.Client implements it.
type Endpoints interface {
	GatewayEndpoint(ctx context.Context, token string) (string, error)
}

// MessageHandler processes a business message. It runs on its own goroutine;
// errors are logged and never affect the session.
type MessageHandler func(ctx context.Context, msg protocol.InboundMessage) error

// Status is a point-in-time snapshot of the session.
type Status struct {
	State             State         `json:"state"`
	SessionID         string        `json:"session_id,omitempty"`
	Seq               int64         `json:"seq"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	Connects          int           `json:"connects"`
	Resumes           int           `json:"resumes"`
	LastError         string        `json:"last_error,omitempty"`
	ConnectedAt       time.Time     `json:"connected_at,omitzero"`
}

// Session is the gateway connection state machine.
type Session struct {
	cfg       config.GatewayConfig
	intents   int
	creds     Credentials
	endpoints Endpoints
	handler   MessageHandler
	logger    *slog.Logger
	dialer    websocket.Dialer

	// readyTimeout bounds the wait for READY or RESUMED after the auth frame.
	readyTimeout time.Duration

	running    atomic.Bool
	connecting atomic.Bool
	closed     atomic.Bool

	mu              sync.Mutex
	cancel          context.CancelFunc
	state           State
	sessionID       string
	seq             int64
	haveSeq         bool
	heartbeat       time.Duration
	resumeRequested bool
	connects        int
	resumes         int
	lastErr         string
	connectedAt     time.Time
	onState         func(Status)

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewSession creates a session. Intents must already be valid; config.Load
// guarantees that.
func NewSession(cfg config.GatewayConfig, creds Credentials, endpoints Endpoints, handler MessageHandler, logger *slog.Logger) (*Session, error) {
	intents, err := protocol.ParseIntents(cfg.Intents)
	if err != nil {
		return nil, fmt.Errorf("parse intents: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout.Duration}
	if cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Session{
		cfg:       cfg,
		intents:   intents,
		creds:     creds,
		endpoints: endpoints,
		handler:   handler,
		logger:    logger.With("component", "gateway"),
		dialer:    dialer,
		state:     StateDisconnected,

		readyTimeout: defaultReadyTimeout,
	}, nil
}

// SetStateHandler registers a callback invoked after every state change.
func (s *Session) SetStateHandler(fn func(Status)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Status returns a snapshot. The session ID is reported only while Ready.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		State:             s.state,
		Seq:               s.seq,
		HeartbeatInterval: s.heartbeat,
		Connects:          s.connects,
		Resumes:           s.resumes,
		LastError:         s.lastErr,
		ConnectedAt:       s.connectedAt,
	}
	if s.state == StateReady {
		st.SessionID = s.sessionID
	}
	return st
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state || (s.state == StateClosed && state != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = state
	st := s.statusLocked()
	fn := s.onState
	s.mu.Unlock()

	metrics.SetGatewayState(string(state))
	s.logger.Debug("state changed", "state", state)
	if fn != nil {
		fn(st)
	}
}

// Run connects and keeps the session alive until ctx is canceled or Shutdown
// is called. Both are terminal.
func (s *Session) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	defer s.terminate()

	for {
		if ctx.Err() != nil || s.closed.Load() {
			return nil
		}

		delay, err := s.runOnce(ctx)
		s.reset()
		if ctx.Err() != nil || s.closed.Load() {
			return nil
		}
		if err != nil {
			s.recordError(err)
			s.logger.Warn("session ended", "error", err, "retry_in", delay)
		} else {
			s.logger.Info("session reset", "retry_in", delay)
		}

		s.setState(StateReconnectPending)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

// Shutdown stops the session for good: timers are canceled, the socket is
// closed with a normal closure and Run returns without reconnecting.
func (s *Session) Shutdown() {
	if s.closed.Load() {
		return
	}
	s.writeClose()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.terminate()
}

func (s *Session) terminate() {
	s.closed.Store(true)
	s.reset()
	s.setState(StateClosed)
}

func (s *Session) writeClose() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// reset tears down the current connection. It is idempotent and safe from
// any goroutine. The heartbeat and periodic timers live in runOnce and stop
// with it; reset covers what outlives that frame.
func (s *Session) reset() {
	s.creds.Stop()

	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.writeMu.Unlock()

	s.mu.Lock()
	s.resumeRequested = true
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// connect obtains a credential and endpoint and dials. A call while another
// is in flight is a no-op.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, token.Credential, error) {
	if !s.connecting.CompareAndSwap(false, true) {
		s.logger.Info("connect requested while connecting, ignoring")
		return nil, token.Credential{}, errConnectInProgress
	}
	defer s.connecting.Store(false)

	s.setState(StateConnecting)

	// Drop a renewal failure left over from the previous connection.
	select {
	case <-s.creds.Failures():
	default:
	}

	cred, err := s.creds.Acquire(ctx)
	if err != nil {
		return nil, token.Credential{}, err
	}
	url, err := s.endpoints.GatewayEndpoint(ctx, cred.Token)
	if err != nil {
		return nil, token.Credential{}, fmt.Errorf("resolve gateway: %w", err)
	}

	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, token.Credential{}, fmt.Errorf("dial gateway: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	s.logger.Info("connected to gateway", "url", url)
	return conn, cred, nil
}

type readResult struct {
	frame protocol.Frame
	err   error
}

// connState is the per-connection state owned by runOnce.
type connState struct {
	heartbeat *time.Ticker
}

// runOnce runs a single connection to completion and returns the delay to
// wait before the next attempt.
func (s *Session) runOnce(ctx context.Context) (time.Duration, error) {
	conn, cred, err := s.connect(ctx)
	if err != nil {
		return s.cfg.ConnectRetryDelay.Duration, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan readResult)
	go s.readLoop(connCtx, conn, frames)

	// The gateway may or may not greet with Hello; auth goes out on open.
	if err := s.authenticate(cred); err != nil {
		metrics.RecordReset("error")
		return s.cfg.ErrorReconnectDelay.Duration, err
	}
	s.setState(StateAwaitingReady)

	readyTimer := time.NewTimer(s.readyTimeout)
	defer readyTimer.Stop()
	awaiting := readyTimer.C

	var periodic <-chan time.Time
	if age := s.cfg.SessionMaxAge.Duration; age > 0 {
		t := time.NewTimer(age)
		defer t.Stop()
		periodic = t.C
	}

	cs := &connState{}
	defer func() {
		if cs.heartbeat != nil {
			cs.heartbeat.Stop()
		}
	}()

	for {
		var beat <-chan time.Time
		if cs.heartbeat != nil {
			beat = cs.heartbeat.C
		}

		select {
		case <-ctx.Done():
			s.writeClose()
			return 0, nil

		case <-awaiting:
			metrics.RecordReset("ready_timeout")
			return s.cfg.ErrorReconnectDelay.Duration, fmt.Errorf("no READY within %s", s.readyTimeout)

		case <-periodic:
			metrics.RecordReset("periodic")
			s.logger.Info("session max age reached, reconnecting")
			return 0, nil

		case err := <-s.creds.Failures():
			metrics.RecordReset("credential")
			return s.cfg.ConnectRetryDelay.Duration, err

		case <-beat:
			if err := s.sendHeartbeat(); err != nil {
				metrics.RecordReset("error")
				return s.cfg.ErrorReconnectDelay.Duration, fmt.Errorf("heartbeat: %w", err)
			}

		case r := <-frames:
			if r.err != nil {
				var ce *websocket.CloseError
				if errors.As(r.err, &ce) {
					metrics.RecordReset("close")
					s.logger.Info("gateway closed the connection", "code", ce.Code, "reason", ce.Text)
					return s.cfg.CloseReconnectDelay.Duration, nil
				}
				metrics.RecordReset("error")
				return s.cfg.ErrorReconnectDelay.Duration, fmt.Errorf("read frame: %w", r.err)
			}
			done, delay, err := s.safeHandleFrame(ctx, cs, r.frame)
			if done {
				return delay, err
			}
			if cs.heartbeat != nil {
				awaiting = nil
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- readResult) {
	for {
		_, data, err := conn.ReadMessage()
		var r readResult
		if err != nil {
			r.err = err
		} else if jerr := json.Unmarshal(data, &r.frame); jerr != nil {
			s.logger.Warn("invalid frame from gateway", "error", jerr)
			continue
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// safeHandleFrame recovers a panic in frame handling and turns it into an
// error reset.
func (s *Session) safeHandleFrame(ctx context.Context, cs *connState, f protocol.Frame) (done bool, delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordReset("panic")
			done, delay, err = true, s.cfg.ErrorReconnectDelay.Duration, fmt.Errorf("panic handling op %d: %v", f.Op, r)
		}
	}()
	return s.handleFrame(ctx, cs, f)
}

func (s *Session) handleFrame(ctx context.Context, cs *connState, f protocol.Frame) (bool, time.Duration, error) {
	metrics.RecordFrame(strconv.Itoa(f.Op))

	if f.S != nil {
		s.mu.Lock()
		if *f.S > s.seq {
			s.seq = *f.S
		}
		s.haveSeq = true
		seq := s.seq
		s.mu.Unlock()
		metrics.SetSequence(seq)
	}

	s.updateHeartbeat(cs, f)

	switch f.Op {
	case protocol.OpHello:
		s.logger.Debug("gateway hello received")

	case protocol.OpDispatch:
		s.handleDispatch(ctx, cs, f)

	case protocol.OpHeartbeat:
		if err := s.sendHeartbeat(); err != nil {
			return true, s.cfg.ErrorReconnectDelay.Duration, fmt.Errorf("heartbeat: %w", err)
		}

	case protocol.OpHeartbeatAck:
		s.logger.Debug("heartbeat acknowledged")

	case protocol.OpReconnect:
		metrics.RecordReset("reconnect")
		s.logger.Info("gateway requested reconnect")
		return true, 0, nil

	case protocol.OpInvalidSession:
		var resumable bool
		if err := json.Unmarshal(f.D, &resumable); err != nil {
			s.logger.Debug("invalid session payload is not a boolean", "payload", string(f.D), "error", err)
		}
		if !resumable {
			s.forgetSession()
		}
		metrics.RecordReset("invalid_session")
		s.logger.Warn("invalid session", "resumable", resumable)
		return true, s.cfg.ErrorReconnectDelay.Duration, nil

	default:
		s.logger.Debug("unhandled opcode", "op", f.Op)
	}
	return false, 0, nil
}

// updateHeartbeat stores heartbeat_interval from any frame that carries one.
// A running heartbeat ticker picks up the new interval.
func (s *Session) updateHeartbeat(cs *connState, f protocol.Frame) {
	if !bytes.Contains(f.D, []byte(`"heartbeat_interval"`)) {
		return
	}
	var hello protocol.Hello
	if err := json.Unmarshal(f.D, &hello); err != nil {
		s.logger.Debug("invalid heartbeat_interval", "op", f.Op, "error", err)
		return
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.heartbeat = interval
	s.mu.Unlock()
	if cs.heartbeat != nil {
		cs.heartbeat.Reset(interval)
	}
}

func (s *Session) handleDispatch(ctx context.Context, cs *connState, f protocol.Frame) {
	switch f.T {
	case protocol.EventReady:
		var ready protocol.Ready
		if err := json.Unmarshal(f.D, &ready); err != nil {
			s.logger.Warn("invalid READY payload", "error", err)
			return
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.connects++
		s.connectedAt = time.Now()
		s.mu.Unlock()
		s.logger.Info("session ready", "session_id", ready.SessionID, "bot", ready.User.Username)
		s.becomeReady(cs)
		return

	case protocol.EventResumed:
		s.mu.Lock()
		s.resumes++
		s.connectedAt = time.Now()
		s.mu.Unlock()
		s.logger.Info("session resumed")
		s.becomeReady(cs)
		return
	}

	var peek struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(f.D, &peek); err != nil || peek.Content == nil {
		s.logger.Debug("ignoring event", "event", f.T)
		return
	}
	var ev protocol.MessageEvent
	if err := json.Unmarshal(f.D, &ev); err != nil {
		s.logger.Warn("invalid message event", "event", f.T, "error", err)
		return
	}
	msg := protocol.InboundMessage{
		Event:     f.T,
		MessageID: ev.ID,
		Content:   ev.Content,
		GroupID:   ev.Group(),
		ChannelID: ev.ChannelID,
		GuildID:   ev.GuildID,
		AuthorID:  ev.Sender(),
	}
	go s.deliver(ctx, msg)
}

func (s *Session) deliver(ctx context.Context, msg protocol.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", "event", msg.Event, "message_id", msg.MessageID, "panic", r)
		}
	}()
	if s.handler == nil {
		return
	}
	if err := s.handler(ctx, msg); err != nil {
		s.logger.Warn("message handler failed", "event", msg.Event, "message_id", msg.MessageID, "error", err)
	}
}

func (s *Session) becomeReady(cs *connState) {
	s.setState(StateReady)
	if cs.heartbeat != nil {
		return
	}
	s.mu.Lock()
	interval := s.heartbeat
	s.mu.Unlock()
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	if err := s.sendHeartbeat(); err != nil {
		s.logger.Warn("initial heartbeat failed", "error", err)
	}
	cs.heartbeat = time.NewTicker(interval)
}

// authenticate sends resume when a prior session can be continued, identify
// otherwise.
func (s *Session) authenticate(cred token.Credential) error {
	s.mu.Lock()
	resume := s.resumeRequested && s.sessionID != "" && s.haveSeq
	sessionID, seq := s.sessionID, s.seq
	s.mu.Unlock()

	auth := "QQBot " + cred.Token
	var (
		f   protocol.Frame
		err error
	)
	if resume {
		f, err = protocol.NewFrame(protocol.OpResume, protocol.Resume{
			Token:     auth,
			SessionID: sessionID,
			Seq:       seq + 1,
		})
	} else {
		f, err = protocol.NewFrame(protocol.OpIdentify, protocol.Identify{
			Token:      auth,
			Intents:    s.intents,
			Shard:      [2]int{s.cfg.ShardID, s.cfg.ShardCount},
			Properties: map[string]string{"$os": "linux", "$browser": "kestrel", "$device": "kestrel"},
		})
	}
	if err != nil {
		return fmt.Errorf("build auth frame: %w", err)
	}
	if err := s.send(f); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}
	metrics.RecordConnect(resume)
	s.logger.Info("authenticating", "resume", resume, "session_id", sessionID, "seq", seq)
	return nil
}

func (s *Session) forgetSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.seq = 0
	s.haveSeq = false
	s.mu.Unlock()
}

func (s *Session) sendHeartbeat() error {
	s.mu.Lock()
	seq, have := s.seq, s.haveSeq
	s.mu.Unlock()
	return s.send(protocol.HeartbeatFrame(seq, have))
}

func (s *Session) send(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}
