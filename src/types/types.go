// Package types defines the application envelope exchanged over text
// frames, the server's reply shapes, and the error taxonomy shared across
// packages.
package types

import "time"

// Inbound message types dispatched by the router.
const (
	TypeAuth           = "auth"
	TypeJoinChannel    = "join_channel"
	TypeLeaveChannel   = "leave_channel"
	TypeSendMessage    = "send_message"
	TypeBroadcast      = "broadcast"
	TypePrivateMessage = "private_message"
	TypePing           = "ping"
	TypeGetOnlineUsers = "get_online_users"
	TypeTyping         = "typing"
)

// Outbound message types.
const (
	TypeAuthOK      = "auth_ok"
	TypeJoined      = "channel_joined"
	TypeLeft        = "channel_left"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeMessage     = "message"
	TypePong        = "pong"
	TypeOnlineUsers = "online_users"
	TypeError       = "error"
)

// Message is the JSON application envelope carried in text frames. Only
// "type" is required; each handler validates its own remaining fields.
// Unknown fields are ignored by the decoder.
type Message struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`
	Content string `json:"content,omitempty"`
	To      string `json:"to,omitempty"`
}

// Reply is the server-to-client envelope. A single shape covers all reply
// types; unused fields are omitted from the encoding.
type Reply struct {
	Type      string     `json:"type"`
	Channel   string     `json:"channel,omitempty"`
	Content   string     `json:"content,omitempty"`
	From      string     `json:"from,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Users     []string   `json:"users,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
	Error     *ErrorData `json:"error,omitempty"`
}

// ErrorData is the wire form of a recoverable error reply.
type ErrorData struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// ClientInfo is the read-only view of one connection exposed by the
// operational API.
type ClientInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	UserID       string    `json:"user_id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Channels     []string  `json:"channels"`
}

// StatsSnapshot is the pull-based statistics surface for dashboards.
type StatsSnapshot struct {
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int            `json:"active_connections"`
	PeakConnections   int64          `json:"peak_connections"`
	MessagesReceived  int64          `json:"messages_received"`
	MessagesSent      int64          `json:"messages_sent"`
	BytesReceived     int64          `json:"bytes_received"`
	BytesSent         int64          `json:"bytes_sent"`
	Channels          map[string]int `json:"channels"`
	TakenAt           time.Time      `json:"taken_at"`
}
