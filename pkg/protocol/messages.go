// Package protocol defines the frames exchanged with the push gateway over
// WebSocket.
//
// Every frame shares the envelope {op, d, s, t}. Only dispatch frames (op 0)
// carry a sequence number and an event name; the payload shape depends on
// the opcode and, for dispatch frames, on the event name.
package protocol

import (
	"encoding/json"
	"strings"
)

// Gateway opcodes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Dispatch event names.
const (
	EventReady                = "READY"
	EventResumed              = "RESUMED"
	EventGroupAtMessageCreate = "GROUP_AT_MESSAGE_CREATE"
	EventC2CMessageCreate     = "C2C_MESSAGE_CREATE"
	EventAtMessageCreate      = "AT_MESSAGE_CREATE"
	EventDirectMessageCreate  = "DIRECT_MESSAGE_CREATE"
)

// Frame is the wire envelope for every gateway message.
type Frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Hello is the payload of op 10, sent by the gateway right after the socket opens.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Identify is the payload of op 2.
type Identify struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Shard      [2]int            `json:"shard"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Resume is the payload of op 6.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the payload of the READY dispatch event.
type Ready struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"user"`
	Shard []int `json:"shard,omitempty"`
}

// Author identifies the sender of a message event. Which ID field is set
// depends on where the message was sent.
type Author struct {
	ID           string `json:"id,omitempty"`
	MemberOpenID string `json:"member_openid,omitempty"`
	UserOpenID   string `json:"user_openid,omitempty"`
	UnionOpenID  string `json:"union_openid,omitempty"`
}

// MessageEvent is the payload of the message dispatch events.
type MessageEvent struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp,omitempty"`
	GroupOpenID string `json:"group_openid,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	GuildID     string `json:"guild_id,omitempty"`
	Author      Author `json:"author"`
}

// Group returns the group the message was posted in, or "" for a private message.
func (m MessageEvent) Group() string {
	if m.GroupOpenID != "" {
		return m.GroupOpenID
	}
	return m.GroupID
}

// Sender returns the most specific sender ID present.
func (m MessageEvent) Sender() string {
	switch {
	case m.Author.MemberOpenID != "":
		return m.Author.MemberOpenID
	case m.Author.UserOpenID != "":
		return m.Author.UserOpenID
	case m.Author.ID != "":
		return m.Author.ID
	default:
		return m.Author.UnionOpenID
	}
}

// InboundMessage is the decoded business message handed to the router.
type InboundMessage struct {
	Event     string
	MessageID string
	Content   string
	GroupID   string
	ChannelID string
	GuildID   string
	AuthorID  string
}

// Private reports whether the message is a one-to-one chat rather than a
// group or channel post.
func (m InboundMessage) Private() bool {
	switch m.Event {
	case EventC2CMessageCreate, EventDirectMessageCreate:
		return true
	case EventGroupAtMessageCreate, EventAtMessageCreate:
		return false
	}
	return m.GroupID == "" && m.ChannelID == ""
}

// IsMessageEvent reports whether the event name carries a user message.
func IsMessageEvent(name string) bool {
	return strings.HasSuffix(name, "MESSAGE_CREATE")
}

// NewFrame builds a frame with a marshaled payload. A nil payload produces
// an explicit JSON null, which the heartbeat needs before the first
// sequence number arrives.
func NewFrame(op int, payload any) (Frame, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, D: d}, nil
}

// HeartbeatFrame returns an op 1 frame carrying seq, or null when no
// numbered frame has been seen yet.
func HeartbeatFrame(seq int64, haveSeq bool) Frame {
	if !haveSeq {
		return Frame{Op: OpHeartbeat, D: json.RawMessage("null")}
	}
	f, _ := NewFrame(OpHeartbeat, seq)
	return f
}
