package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrel-bot/kestrel/internal/plugin"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("ipc connection closed")

// RemoteError is an error response from the server.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client is a connection to a running bot.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial IPC socket: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a request and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(id, method, params); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			var e ErrorResult
			_ = json.Unmarshal(resp.Data, &e)
			return &RemoteError{Method: method, Message: e.Error}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status fetches the bot status.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.Call(ctx, MethodStatus, nil, &res)
	return res, err
}

// Plugins fetches the live generation.
func (c *Client) Plugins(ctx context.Context) (plugin.Info, error) {
	var res plugin.Info
	err := c.Call(ctx, MethodPlugins, nil, &res)
	return res, err
}

// Reload asks the bot to rebuild its plugin registry.
func (c *Client) Reload(ctx context.Context) (ReloadResult, error) {
	var res ReloadResult
	err := c.Call(ctx, MethodReload, nil, &res)
	return res, err
}

// Subscribe turns the connection into an event stream. Events arrive on
// Events until the connection closes; no further calls can be made.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	var params any
	if len(events) > 0 {
		params = SubscribeParams{Events: events}
	}
	return c.Call(ctx, MethodSubscribe, params, nil)
}

// Events returns the subscribed event stream. It is closed with the client.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) send(id, method string, params any) error {
	req := Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		close(c.events)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Type == TypeEvent {
			var e Event
			if json.Unmarshal(resp.Data, &e) == nil {
				select {
				case c.events <- e:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
