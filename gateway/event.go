package gateway

import (
	"encoding/json"
	"time"
)

// Opcode is a gateway frame opcode.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatACK   Opcode = 11
)

// CloseNormal is the websocket close code for a clean, intentional close.
const CloseNormal = 1000

// Dispatch event names the bot understands.
const (
	EventReady             = "READY"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageUpdate     = "MESSAGE_UPDATE"
	EventMessageDelete     = "MESSAGE_DELETE"
	EventMessageDeleteBulk = "MESSAGE_DELETE_BULK"
	EventChannelDelete     = "CHANNEL_DELETE"
	EventThreadDelete      = "THREAD_DELETE"
)

// Kind classifies an inbound event for the shard loop.
type Kind int

const (
	// KindDispatch is an ordinary gateway dispatch (op 0).
	KindDispatch Kind = iota
	// KindReconnect asks the client to reconnect (op 7).
	KindReconnect
	// KindInvalidSession reports the session was invalidated (op 9).
	KindInvalidSession
	// KindGatewayClose is the remote close frame.
	KindGatewayClose
)

func (k Kind) String() string {
	switch k {
	case KindDispatch:
		return "dispatch"
	case KindReconnect:
		return "reconnect"
	case KindInvalidSession:
		return "invalid_session"
	case KindGatewayClose:
		return "gateway_close"
	default:
		return "unknown"
	}
}

// Event is one inbound gateway event. It is read-only once returned by
// Conn.NextEvent and may be shared between the cache and handler tasks.
type Event struct {
	Kind  Kind
	Type  string // dispatch event name, e.g. MESSAGE_CREATE
	Seq   int64
	Shard ShardID
	Raw   json.RawMessage

	// Close is set for KindGatewayClose.
	Close *CloseFrame

	// Resumable is the op 9 payload.
	Resumable bool

	// Decoded payloads for the dispatch types the cache understands.
	// Nil when the type differs or the payload was malformed.
	Ready         *Ready
	Message       *Message
	MessageUpdate *MessageUpdate
	MessageDelete *MessageDelete
	BulkDelete    *MessageDeleteBulk
	Channel       *Channel
}

// CloseFrame is the code and reason from a websocket close frame.
type CloseFrame struct {
	Code   int
	Reason string
}

// User is the subset of a user object the bot keeps.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Message is a message snapshot as delivered by MESSAGE_CREATE.
type Message struct {
	ID              string            `json:"id"`
	ChannelID       string            `json:"channel_id"`
	GuildID         string            `json:"guild_id,omitempty"`
	Author          User              `json:"author"`
	Content         string            `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	EditedTimestamp *time.Time        `json:"edited_timestamp,omitempty"`
	Embeds          []json.RawMessage `json:"embeds,omitempty"`
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	if m.EditedTimestamp != nil {
		ts := *m.EditedTimestamp
		c.EditedTimestamp = &ts
	}
	if m.Embeds != nil {
		c.Embeds = make([]json.RawMessage, len(m.Embeds))
		for i, e := range m.Embeds {
			c.Embeds[i] = append(json.RawMessage(nil), e...)
		}
	}
	return c
}

// MessageUpdate is a partial message; absent fields are nil.
type MessageUpdate struct {
	ID              string             `json:"id"`
	ChannelID       string             `json:"channel_id"`
	Content         *string            `json:"content,omitempty"`
	EditedTimestamp *time.Time         `json:"edited_timestamp,omitempty"`
	Embeds          *[]json.RawMessage `json:"embeds,omitempty"`
}

// MessageDelete is the MESSAGE_DELETE payload.
type MessageDelete struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

// MessageDeleteBulk is the MESSAGE_DELETE_BULK payload.
type MessageDeleteBulk struct {
	IDs       []string `json:"ids"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id,omitempty"`
}

// Channel is the subset of a channel object used for scope removal.
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Type     int    `json:"type"`
}

// Ready is the READY payload subset.
type Ready struct {
	SessionID        string   `json:"session_id"`
	ResumeGatewayURL string   `json:"resume_gateway_url,omitempty"`
	User             User     `json:"user"`
	Shard            *ShardID `json:"shard,omitempty"`
}

// Hello is the op 10 payload.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// Interval returns the heartbeat interval as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// Identify is the op 2 payload.
type Identify struct {
	Token          string             `json:"token"`
	Intents        int                `json:"intents"`
	Shard          ShardID            `json:"shard"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
}

// Resume is the op 6 payload. Seq is the last sequence number received.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}
