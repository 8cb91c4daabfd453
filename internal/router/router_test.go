package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-bot/kestrel/internal/plugin"
	"github.com/kestrel-bot/kestrel/internal/rest"
	"github.com/kestrel-bot/kestrel/internal/token"
	"github.com/kestrel-bot/kestrel/pkg/protocol"
)

type dispatchCall struct {
	typ, body, sender string
	private           bool
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	reply plugin.Reply
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, typ, body, senderID string, private bool) (plugin.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{typ, body, senderID, private})
	return d.reply, d.err
}

type sent struct {
	token  string
	target rest.Target
	msg    rest.OutboundMessage
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sent
	uploads   []rest.MediaSource
	uploadErr error
}

func (s *fakeSender) SendReply(_ context.Context, tok string, target rest.Target, msg rest.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{tok, target, msg})
	return nil
}

func (s *fakeSender) UploadMedia(_ context.Context, _ string, _ rest.Target, src rest.MediaSource) (rest.MediaRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, src)
	if s.uploadErr != nil {
		return rest.MediaRef{}, s.uploadErr
	}
	return rest.MediaRef{FileInfo: "info-1"}, nil
}

type staticCreds struct{ cred token.Credential }

func (c staticCreds) Current() token.Credential { return c.cred }

func newTestRouter(d *fakeDispatcher, s *fakeSender) *Router {
	creds := staticCreds{token.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}}
	return New(d, s, creds, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParse(t *testing.T) {
	tests := []struct {
		raw      string
		wantType string
		wantBody string
	}{
		{"ping", "ping", ""},
		{"chat hello world", "chat", "hello world"},
		{"  chat   spaced  out ", "chat", "spaced  out "},
		{"<@!1234> chat hi", "chat", "hi"},
		{"<@1234>chat hi", "chat", "hi"},
		{"<@!1> <@!2>  weather tokyo", "weather", "tokyo"},
		{"chat\thello\nthere", "chat", "hello\nthere"},
		{"Ping", "Ping", ""},
	}
	for _, tt := range tests {
		typ, body, err := Parse(tt.raw)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.raw, err)
			continue
		}
		if typ != tt.wantType || body != tt.wantBody {
			t.Errorf("Parse(%q) = %q, %q; want %q, %q", tt.raw, typ, body, tt.wantType, tt.wantBody)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "<@!1234>", "<@!1234>  \n"} {
		if _, _, err := Parse(raw); !errors.Is(err, ErrEmptyCommand) {
			t.Errorf("Parse(%q) err = %v, want ErrEmptyCommand", raw, err)
		}
	}
}

func TestTargetFor(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.InboundMessage
		want rest.Target
	}{
		{
			name: "group",
			msg:  protocol.InboundMessage{Event: protocol.EventGroupAtMessageCreate, GroupID: "g1", AuthorID: "u1"},
			want: rest.Target{ID: "g1", Kind: rest.TargetGroup},
		},
		{
			name: "c2c",
			msg:  protocol.InboundMessage{Event: protocol.EventC2CMessageCreate, AuthorID: "u1"},
			want: rest.Target{ID: "u1", Kind: rest.TargetUser},
		},
		{
			name: "channel",
			msg:  protocol.InboundMessage{Event: protocol.EventAtMessageCreate, ChannelID: "c1", GuildID: "gd", AuthorID: "u1"},
			want: rest.Target{ID: "c1", Kind: rest.TargetChannel},
		},
		{
			name: "direct",
			msg:  protocol.InboundMessage{Event: protocol.EventDirectMessageCreate, ChannelID: "c1", GuildID: "gd", AuthorID: "u1"},
			want: rest.Target{ID: "gd", Kind: rest.TargetDM},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetFor(tt.msg); got != tt.want {
				t.Errorf("TargetFor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHandleRepliesToGroup(t *testing.T) {
	d := &fakeDispatcher{reply: plugin.Reply{Text: "pong"}}
	s := &fakeSender{}
	r := newTestRouter(d, s)

	msg := protocol.InboundMessage{
		Event:     protocol.EventGroupAtMessageCreate,
		MessageID: "m1",
		Content:   "<@!bot> ping now",
		GroupID:   "g1",
		AuthorID:  "u1",
	}
	if err := r.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(d.calls) != 1 || d.calls[0] != (dispatchCall{"ping", "now", "u1", false}) {
		t.Fatalf("dispatch calls = %+v", d.calls)
	}
	if len(s.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(s.sent))
	}
	got := s.sent[0]
	if got.token != "tok" {
		t.Errorf("token = %q", got.token)
	}
	if got.target != (rest.Target{ID: "g1", Kind: rest.TargetGroup}) {
		t.Errorf("target = %+v", got.target)
	}
	if got.msg.Text != "pong" || got.msg.ReplyToID != "m1" || got.msg.Seq != 1 {
		t.Errorf("message = %+v", got.msg)
	}
}

func TestHandleSequenceIncreases(t *testing.T) {
	d := &fakeDispatcher{reply: plugin.Reply{Text: "ok"}}
	s := &fakeSender{}
	r := newTestRouter(d, s)

	msg := protocol.InboundMessage{Event: protocol.EventC2CMessageCreate, MessageID: "m", Content: "x", AuthorID: "u"}
	for range 3 {
		if err := r.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	var seqs []int
	for _, m := range s.sent {
		seqs = append(seqs, m.msg.Seq)
	}
	if !slices.Equal(seqs, []int{1, 2, 3}) {
		t.Errorf("seqs = %v, want [1 2 3]", seqs)
	}
	if !d.calls[0].private {
		t.Error("c2c message not dispatched as private")
	}
}

func TestHandleNoHandlerSendsNothing(t *testing.T) {
	d := &fakeDispatcher{err: plugin.ErrNoHandler}
	s := &fakeSender{}
	r := newTestRouter(d, s)

	if err := r.Handle(context.Background(), protocol.InboundMessage{Content: "unknown", AuthorID: "u"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(s.sent) != 0 {
		t.Errorf("sent = %+v, want nothing", s.sent)
	}
}

func TestHandleEmptyContentNotDispatched(t *testing.T) {
	d := &fakeDispatcher{}
	s := &fakeSender{}
	r := newTestRouter(d, s)

	if err := r.Handle(context.Background(), protocol.InboundMessage{Content: "<@!bot>  "}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(d.calls) != 0 || len(s.sent) != 0 {
		t.Errorf("calls = %+v, sent = %+v", d.calls, s.sent)
	}
}

func TestHandleEmptyReplySendsNothing(t *testing.T) {
	d := &fakeDispatcher{}
	s := &fakeSender{}
	r := newTestRouter(d, s)

	if err := r.Handle(context.Background(), protocol.InboundMessage{Content: "quiet", AuthorID: "u"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(d.calls) != 1 {
		t.Errorf("dispatched %d times, want 1", len(d.calls))
	}
	if len(s.sent) != 0 {
		t.Errorf("sent = %+v, want nothing", s.sent)
	}
}

func TestHandleWithoutCredential(t *testing.T) {
	d := &fakeDispatcher{reply: plugin.Reply{Text: "x"}}
	s := &fakeSender{}
	r := New(d, s, staticCreds{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := r.Handle(context.Background(), protocol.InboundMessage{Content: "ping", AuthorID: "u"})
	var cerr *token.CredentialError
	if !errors.As(err, &cerr) {
		t.Errorf("err = %v, want CredentialError", err)
	}
	if len(s.sent) != 0 {
		t.Errorf("sent = %+v, want nothing", s.sent)
	}
}

func TestNormalizeMarkdown(t *testing.T) {
	r := newTestRouter(&fakeDispatcher{}, &fakeSender{})
	user := rest.Target{Kind: rest.TargetUser}

	out, ok, err := r.Normalize(context.Background(), "tok", user, plugin.Reply{Markdown: "**bold** text"})
	if err != nil || !ok {
		t.Fatalf("Normalize = %v, %v", ok, err)
	}
	if out.Text != "bold text" {
		t.Errorf("text = %q, want markdown stripped", out.Text)
	}

	out, ok, err = r.Normalize(context.Background(), "tok", user, plugin.Reply{Text: "plain", Markdown: "**md**"})
	if err != nil || !ok {
		t.Fatalf("Normalize = %v, %v", ok, err)
	}
	if out.Text != "plain" {
		t.Errorf("text = %q, want plain text preferred", out.Text)
	}
}

func TestNormalizeUploadsImage(t *testing.T) {
	s := &fakeSender{}
	r := newTestRouter(&fakeDispatcher{}, s)

	out, ok, err := r.Normalize(context.Background(), "tok", rest.Target{ID: "g", Kind: rest.TargetGroup}, plugin.Reply{Image: []byte{1, 2, 3}})
	if err != nil || !ok {
		t.Fatalf("Normalize = %v, %v", ok, err)
	}
	if out.Media == nil || out.Media.FileInfo != "info-1" {
		t.Errorf("media = %+v", out.Media)
	}
	if len(s.uploads) != 1 || !slices.Equal(s.uploads[0].Data, []byte{1, 2, 3}) {
		t.Fatalf("uploads = %+v", s.uploads)
	}

	if _, _, err := r.Normalize(context.Background(), "tok", rest.Target{ID: "u", Kind: rest.TargetUser}, plugin.Reply{ImageURL: "https://img.example/a.png"}); err != nil {
		t.Fatalf("Normalize URL: %v", err)
	}
	if len(s.uploads) != 2 || s.uploads[1].URL != "https://img.example/a.png" {
		t.Errorf("uploads = %+v", s.uploads)
	}
}

func TestNormalizeChannelImages(t *testing.T) {
	s := &fakeSender{}
	r := newTestRouter(&fakeDispatcher{}, s)
	ch := rest.Target{ID: "c", Kind: rest.TargetChannel}

	out, ok, err := r.Normalize(context.Background(), "tok", ch, plugin.Reply{ImageURL: "https://img.example/a.png"})
	if err != nil || !ok {
		t.Fatalf("Normalize = %v, %v", ok, err)
	}
	if out.ImageURL != "https://img.example/a.png" || out.Media != nil {
		t.Errorf("out = %+v, want URL sent inline", out)
	}

	_, ok, err = r.Normalize(context.Background(), "tok", ch, plugin.Reply{Image: []byte{1}})
	if err != nil {
		t.Fatalf("Normalize bytes: %v", err)
	}
	if ok {
		t.Error("image bytes alone cannot be sent to a channel")
	}
	if len(s.uploads) != 0 {
		t.Errorf("uploads = %+v, want none", s.uploads)
	}
}

func TestNormalizeUploadFailure(t *testing.T) {
	s := &fakeSender{uploadErr: errors.New("boom")}
	r := newTestRouter(&fakeDispatcher{}, s)

	_, _, err := r.Normalize(context.Background(), "tok", rest.Target{Kind: rest.TargetGroup}, plugin.Reply{Text: "t", Image: []byte{1}})
	if err == nil {
		t.Error("upload failure not reported")
	}
}
