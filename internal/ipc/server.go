package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kestrel-bot/kestrel/internal/eventbus"
)

const reloadTimeout = 2 * time.Minute

// Server serves IPC requests on a Unix socket.
type Server struct {
	path     string
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	clients map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewServer creates a server bound to socketPath once Start is called.
func NewServer(socketPath string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc"),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket and serves in the background. A stale socket
// file from a previous run is removed first.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("IPC server listening", "path", s.path)
	return nil
}

// Close stops accepting, disconnects clients and removes the socket file.
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	w := &connWriter{conn: conn, logger: s.logger}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = w.fail("", "invalid request")
			continue
		}
		if req.Method == MethodSubscribe {
			// A subscription holds the connection until the client leaves.
			s.subscribe(w, req)
			return
		}
		s.handle(w, req)
	}
}

func (s *Server) handle(w *connWriter, req Request) {
	switch req.Method {
	case MethodStatus:
		_ = w.result(req.ID, s.provider.Status())

	case MethodPlugins:
		_ = w.result(req.ID, s.provider.Plugins())

	case MethodReload:
		ctx, cancel := context.WithTimeout(s.ctx, reloadTimeout)
		defer cancel()
		res, err := s.provider.Reload(ctx)
		if err != nil {
			_ = w.fail(req.ID, err.Error())
			return
		}
		_ = w.result(req.ID, res)

	default:
		_ = w.fail(req.ID, "unknown method: "+req.Method)
	}
}

func (s *Server) subscribe(w *connWriter, req Request) {
	var params SubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = w.fail(req.ID, "invalid subscribe params")
			return
		}
	}

	ch := s.bus.Subscribe(params.Events...)
	defer s.bus.Unsubscribe(ch)

	if err := w.result(req.ID, map[string]string{"status": "subscribed"}); err != nil {
		return
	}
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := w.write(Response{Type: TypeEvent, Data: marshalRaw(e)}); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

type connWriter struct {
	conn   net.Conn
	logger *slog.Logger
	mu     sync.Mutex
}

func (w *connWriter) result(id string, v any) error {
	return w.write(Response{ID: id, Type: TypeResult, Data: marshalRaw(v)})
}

func (w *connWriter) fail(id, msg string) error {
	return w.write(Response{ID: id, Type: TypeError, Data: marshalRaw(ErrorResult{Error: msg})})
}

func (w *connWriter) write(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.conn.Write(data); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			w.logger.Debug("write failed", "error", err)
		}
		return err
	}
	return nil
}

func marshalRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
