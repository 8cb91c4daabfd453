// Package router turns inbound chat messages into plugin dispatches and
// plugin replies into outbound REST calls.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/kestrel-bot/kestrel/internal/plugin"
	"github.com/kestrel-bot/kestrel/internal/render"
	"github.com/kestrel-bot/kestrel/internal/rest"
	"github.com/kestrel-bot/kestrel/internal/token"
	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

// ErrEmptyCommand is returned by Parse when the text holds no command.
var ErrEmptyCommand = errors.New("empty command")

// mentionPrefix matches leading bot mentions such as "<@!1234>".
var mentionPrefix = regexp.MustCompile(`^(\s*<@!?[^>\s]+>)+`)

// Dispatcher routes a command to a plugin. plugin.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, typ, body, senderID string, private bool) (plugin.Reply, error)
}

// Sender delivers replies. rest.Client implements it.
type Sender interface {
	SendReply(ctx context.Context, token string, target rest.Target, msg rest.OutboundMessage) error
	UploadMedia(ctx context.Context, token string, target rest.Target, src rest.MediaSource) (rest.MediaRef, error)
}

// Credentials exposes the current access token. token.Provider implements it.
type Credentials interface {
	Current() token.Credential
}

// Router handles inbound messages end to end.
type Router struct {
	dispatcher Dispatcher
	sender     Sender
	creds      Credentials
	logger     *slog.Logger
	seq        atomic.Int64
	now        func() time.Time
}

// New creates a router.
func New(dispatcher Dispatcher, sender Sender, creds Credentials, logger *slog.Logger) *Router {
	return &Router{
		dispatcher: dispatcher,
		sender:     sender,
		creds:      creds,
		logger:     logger.With("component", "router"),
		now:        time.Now,
	}
}

// Parse splits raw text into a command type and body. Leading bot mentions
// and whitespace are stripped; the type ends at the first whitespace run and
// the body is everything after it.
func Parse(raw string) (typ, body string, err error) {
	s := mentionPrefix.ReplaceAllString(raw, "")
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", "", ErrEmptyCommand
	}
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, "", nil
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace), nil
}

// TargetFor picks the reply destination for msg.
func TargetFor(msg protocol.InboundMessage) rest.Target {
	switch msg.Event {
	case protocol.EventAtMessageCreate:
		return rest.Target{ID: msg.ChannelID, Kind: rest.TargetChannel}
	case protocol.EventDirectMessageCreate:
		return rest.Target{ID: msg.GuildID, Kind: rest.TargetDM}
	}
	if msg.GroupID != "" {
		return rest.Target{ID: msg.GroupID, Kind: rest.TargetGroup}
	}
	return rest.Target{ID: msg.AuthorID, Kind: rest.TargetUser}
}

// Handle parses, dispatches and replies to one message. Unparseable
// messages and commands without a handler are dropped without a reply.
func (r *Router) Handle(ctx context.Context, msg protocol.InboundMessage) error {
	typ, body, err := Parse(msg.Content)
	if err != nil {
		r.logger.Debug("dropping message", "message_id", msg.MessageID, "reason", err)
		return nil
	}

	reply, err := r.dispatcher.Dispatch(ctx, typ, body, msg.AuthorID, msg.Private())
	if errors.Is(err, plugin.ErrNoHandler) {
		r.logger.Debug("no handler for command", "type", typ, "message_id", msg.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch %q: %w", typ, err)
	}

	cred := r.creds.Current()
	if !cred.Valid(r.now()) {
		return fmt.Errorf("reply to %s: %w", msg.MessageID, &token.CredentialError{Err: errors.New("no valid access token")})
	}

	target := TargetFor(msg)
	out, ok, err := r.Normalize(ctx, cred.Token, target, reply)
	if err != nil {
		return fmt.Errorf("normalize reply for %q: %w", typ, err)
	}
	if !ok {
		r.logger.Debug("handler returned no reply", "type", typ, "message_id", msg.MessageID)
		return nil
	}
	out.ReplyToID = msg.MessageID
	out.Seq = int(r.seq.Add(1))

	if err := r.sender.SendReply(ctx, cred.Token, target, out); err != nil {
		return fmt.Errorf("send reply for %q: %w", typ, err)
	}
	r.logger.Debug("reply sent", "type", typ, "message_id", msg.MessageID, "media", out.Media != nil || out.ImageURL != "")
	return nil
}

// Normalize converts a plugin reply into an outbound message. Markdown is
// flattened to text when no text is given; image bytes and URLs are uploaded
// to obtain a media reference. ok is false when there is nothing to send.
func (r *Router) Normalize(ctx context.Context, tok string, target rest.Target, reply plugin.Reply) (out rest.OutboundMessage, ok bool, err error) {
	if reply.Empty() {
		return rest.OutboundMessage{}, false, nil
	}

	out.Text = reply.Text
	if out.Text == "" && reply.Markdown != "" {
		out.Text = render.PlainText(reply.Markdown)
	}

	hasImage := len(reply.Image) > 0 || reply.ImageURL != ""
	switch {
	case !hasImage:
	case target.Kind == rest.TargetChannel || target.Kind == rest.TargetDM:
		if reply.ImageURL != "" {
			out.ImageURL = reply.ImageURL
		} else {
			r.logger.Warn("dropping image bytes: channel replies need a hosted URL")
		}
	default:
		src := rest.MediaSource{Data: reply.Image, URL: reply.ImageURL}
		ref, err := r.sender.UploadMedia(ctx, tok, target, src)
		if err != nil {
			return rest.OutboundMessage{}, false, err
		}
		out.Media = &ref
	}

	if out.Text == "" && out.Media == nil && out.ImageURL == "" {
		return rest.OutboundMessage{}, false, nil
	}
	return out, true, nil
}
