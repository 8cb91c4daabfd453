package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	cleanupTimeout = 5 * time.Second
	exitTimeout    = 2 * time.Second
)

var (
	errProcessExited = errors.New("plugin process exited")
	errPluginRetired = errors.New("plugin has been cleaned up")
)

// externalMsg is the JSON-lines message format between host and plugin
// process. Requests carry Method; responses echo ID and carry Result or Error.
type externalMsg struct {
	ID     string   `json:"id"`
	Method string   `json:"method,omitempty"`
	Params *Request `json:"params,omitempty"`
	Result *Reply   `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// External runs a plugin as a child process. The process is started by Init
// or lazily by the first Handle, and restarted if it exits. After Cleanup the
// handler is retired and never starts another process.
type External struct {
	path   string
	args   []string
	env    map[string]string
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	proc    *externalProcess
	retired bool
}

// NewExternal creates a subprocess handler for the executable at path.
func NewExternal(m Manifest, dir, path string, logger *slog.Logger) *External {
	return &External{
		path:   path,
		args:   m.Args,
		env:    m.Env,
		dir:    dir,
		logger: logger.With("plugin", m.Name),
	}
}

func (e *External) Init(ctx context.Context) error {
	_, err := e.call(ctx, "init", nil)
	return err
}

func (e *External) Handle(ctx context.Context, req Request) (Reply, error) {
	return e.call(ctx, "handle", &req)
}

// Cleanup asks the process to release its resources, then stops it.
func (e *External) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	p := e.proc
	e.proc = nil
	e.retired = true
	e.mu.Unlock()
	if p == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	_, err := p.call(ctx, "cleanup", nil)
	p.stop()
	if errors.Is(err, errProcessExited) {
		return nil
	}
	return err
}

func (e *External) call(ctx context.Context, method string, req *Request) (Reply, error) {
	p, err := e.process()
	if err != nil {
		return Reply{}, err
	}
	return p.call(ctx, method, req)
}

func (e *External) process() (*externalProcess, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return nil, errPluginRetired
	}
	if e.proc != nil && !e.proc.exited() {
		return e.proc, nil
	}
	if e.proc != nil {
		e.logger.Warn("plugin process exited, restarting", "error", e.proc.waitErr)
	}
	p, err := startExternal(e.path, e.args, e.env, e.dir, e.logger)
	if err != nil {
		return nil, err
	}
	e.proc = p
	return p, nil
}

type externalProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan externalMsg

	done    chan struct{}
	waitErr error
}

func startExternal(path string, args []string, env map[string]string, dir string, logger *slog.Logger) (*externalProcess, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	// Plugin diagnostics go to the host's stderr.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start plugin process: %w", err)
	}

	p := &externalProcess{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[string]chan externalMsg),
		done:    make(chan struct{}),
	}
	readDone := make(chan struct{})
	go func() {
		p.readLoop(stdout)
		close(readDone)
	}()
	go func() {
		<-readDone
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	logger.Debug("plugin process started", "pid", cmd.Process.Pid)
	return p, nil
}

func (p *externalProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *externalProcess) call(ctx context.Context, method string, req *Request) (Reply, error) {
	id := uuid.New().String()
	ch := make(chan externalMsg, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	data, err := json.Marshal(externalMsg{ID: id, Method: method, Params: req})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	_, err = p.stdin.Write(data)
	p.writeMu.Unlock()
	if err != nil {
		return Reply{}, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return Reply{}, errors.New(msg.Error)
		}
		if msg.Result == nil {
			return Reply{}, nil
		}
		return *msg.Result, nil
	case <-p.done:
		return Reply{}, errProcessExited
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (p *externalProcess) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var msg externalMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			p.logger.Warn("invalid line from plugin process", "error", err)
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[msg.ID]
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("response for unknown request", "id", msg.ID)
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// stop closes stdin and waits for the process to exit, killing it if it
// does not.
func (p *externalProcess) stop() {
	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()

	select {
	case <-p.done:
		return
	case <-time.After(exitTimeout):
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}
