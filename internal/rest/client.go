// Package rest is the thin HTTP client for the bot platform's REST API: access
// tokens, the gateway endpoint, replies and media uploads.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrel-bot/kestrel/internal/config"
)

// Message types accepted by the send endpoints.
const (
	MsgTypeText  = 0
	MsgTypeMedia = 7
)

// File types accepted by the upload endpoints.
const (
	FileTypeImage = 1
)

// TransportError reports a failed REST call: an I/O failure or a non-2xx status.
type TransportError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rest %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("rest %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Token is a freshly issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// TargetKind selects the reply endpoint.
type TargetKind int

const (
	TargetUser TargetKind = iota
	TargetGroup
	TargetChannel
	TargetDM
)

// Target addresses a reply. ID is the user, group or channel ID; for direct
// messages it is the guild ID of the DM session.
type Target struct {
	ID   string
	Kind TargetKind
}

// MediaSource is what gets uploaded: raw bytes or an already hosted URL.
type MediaSource struct {
	Data []byte
	URL  string
}

// MediaRef is the platform's handle for an uploaded file.
type MediaRef struct {
	FileInfo string
	FileUUID string
	TTL      int
}

// OutboundMessage is a reply to an inbound message.
type OutboundMessage struct {
	Text      string
	Media     *MediaRef
	ImageURL  string // channel and DM replies only
	ReplyToID string
	Seq       int
}

// Client talks to the REST API.
type Client struct {
	cfg     config.GatewayConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a REST client from gateway configuration.
func NewClient(cfg config.GatewayConfig, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout.Duration, Transport: transport},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "rest"),
	}
}

// AcquireToken exchanges the app credentials for an access token.
func (c *Client) AcquireToken(ctx context.Context) (Token, error) {
	body := map[string]string{
		"appId":        c.cfg.AppID,
		"clientSecret": c.cfg.ClientSecret,
	}
	var resp struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := c.do(ctx, "acquire token", http.MethodPost, c.cfg.TokenURL, "", body, &resp); err != nil {
		return Token{}, err
	}
	if resp.AccessToken == "" {
		return Token{}, &TransportError{Op: "acquire token", Err: fmt.Errorf("empty access_token")}
	}
	secs, err := parseSeconds(resp.ExpiresIn)
	if err != nil {
		return Token{}, &TransportError{Op: "acquire token", Err: fmt.Errorf("expires_in: %w", err)}
	}
	return Token{AccessToken: resp.AccessToken, ExpiresIn: time.Duration(secs) * time.Second}, nil
}

// GatewayEndpoint returns the WebSocket URL to dial.
func (c *Client) GatewayEndpoint(ctx context.Context, token string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "gateway endpoint", http.MethodGet, c.apiURL("/gateway"), token, nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &TransportError{Op: "gateway endpoint", Err: fmt.Errorf("empty url")}
	}
	return resp.URL, nil
}

// SendReply posts a passive reply to the target.
func (c *Client) SendReply(ctx context.Context, token string, target Target, msg OutboundMessage) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: "send reply", Err: err}
	}

	var body map[string]any
	switch target.Kind {
	case TargetChannel, TargetDM:
		body = map[string]any{"content": msg.Text}
		if msg.ImageURL != "" {
			body["image"] = msg.ImageURL
		}
	default:
		body = map[string]any{
			"content":  msg.Text,
			"msg_type": MsgTypeText,
		}
		if msg.Media != nil {
			body["msg_type"] = MsgTypeMedia
			body["media"] = map[string]string{"file_info": msg.Media.FileInfo}
			if msg.Text == "" {
				// The media endpoint rejects an absent content field.
				body["content"] = " "
			}
		}
		if msg.Seq > 0 {
			body["msg_seq"] = msg.Seq
		}
	}
	if msg.ReplyToID != "" {
		body["msg_id"] = msg.ReplyToID
	}

	return c.do(ctx, "send reply", http.MethodPost, c.apiURL(targetPath(target, "messages")), token, body, nil)
}

// UploadMedia uploads an image so it can be attached to a reply.
func (c *Client) UploadMedia(ctx context.Context, token string, target Target, src MediaSource) (MediaRef, error) {
	if target.Kind != TargetGroup && target.Kind != TargetUser {
		return MediaRef{}, &TransportError{Op: "upload media", Err: fmt.Errorf("media upload needs a group or user target")}
	}
	body := map[string]any{
		"file_type":    FileTypeImage,
		"srv_send_msg": false,
	}
	switch {
	case len(src.Data) > 0:
		body["file_data"] = base64.StdEncoding.EncodeToString(src.Data)
	case src.URL != "":
		body["url"] = src.URL
	default:
		return MediaRef{}, &TransportError{Op: "upload media", Err: fmt.Errorf("empty media source")}
	}

	var resp struct {
		FileUUID string `json:"file_uuid"`
		FileInfo string `json:"file_info"`
		TTL      int    `json:"ttl"`
	}
	if err := c.do(ctx, "upload media", http.MethodPost, c.apiURL(targetPath(target, "files")), token, body, &resp); err != nil {
		return MediaRef{}, err
	}
	return MediaRef{FileInfo: resp.FileInfo, FileUUID: resp.FileUUID, TTL: resp.TTL}, nil
}

func (c *Client) apiURL(path string) string {
	return strings.TrimRight(c.cfg.APIBase, "/") + path
}

func targetPath(t Target, leaf string) string {
	switch t.Kind {
	case TargetGroup:
		return "/v2/groups/" + t.ID + "/" + leaf
	case TargetChannel:
		return "/channels/" + t.ID + "/" + leaf
	case TargetDM:
		return "/dms/" + t.ID + "/" + leaf
	default:
		return "/v2/users/" + t.ID + "/" + leaf
	}
}

func (c *Client) do(ctx context.Context, op, method, url, token string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "QQBot "+token)
		req.Header.Set("X-Union-Appid", c.cfg.AppID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	c.logger.Debug("rest call", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, Status: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// parseSeconds accepts both "7200" and 7200.
func parseSeconds(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
