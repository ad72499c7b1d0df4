package types

import "encoding/json"

// Conversation types.
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

// Message types understood by the SDK. Anything else is passed through.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageAudio  = "audio"
	MessageVideo  = "video"
	MessageCustom = "custom"
)

// Message is a chat message as stored in the local cache and returned by
// the backend. Sequence is server-assigned and is the only ordering key.
type Message struct {
	MessageID        string          `json:"messageId"`
	ConversationID   string          `json:"conversationId"`
	ConversationType string          `json:"conversationType,omitempty"`
	Sequence         int64           `json:"sequence"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Body             json.RawMessage `json:"body,omitempty"`
	IsRead           bool            `json:"isRead"`
	IsRevoked        bool            `json:"isRevoked"`
	IsDeleted        bool            `json:"isDeleted"`
	Status           string          `json:"status,omitempty"`
	Time             int64           `json:"time,omitempty"`
}

// Conversation is an entry of the conversation index. LastMessage is the
// server's pointer used to detect a stale local message cache.
type Conversation struct {
	ConversationID string   `json:"conversationId"`
	Type           string   `json:"type"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
	UpdatedAt      int64    `json:"updatedAt,omitempty"`
}

// LastMessageID returns the id of the conversation's last message, or "".
func (c Conversation) LastMessageID() string {
	if c.LastMessage == nil {
		return ""
	}
	return c.LastMessage.MessageID
}

// ReadReceipt marks messages of a private conversation as read by the peer.
// An empty MessageIDs list covers every cached message sent by the local user.
type ReadReceipt struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// Profile is the authenticated user's profile returned by the handshake.
type Profile struct {
	UserID    string          `json:"userId"`
	Nickname  string          `json:"nickname,omitempty"`
	AvatarURL string          `json:"avatarUrl,omitempty"`
	Extend    json.RawMessage `json:"extend,omitempty"`
}

// Session is created on a successful handshake and cleared on explicit
// disconnect or forced logout.
type Session struct {
	UserID   string
	Token    string
	Profile  Profile
	LoggedIn bool
}

// Empty reports whether the session holds no credentials.
func (s Session) Empty() bool {
	return s.UserID == "" || s.Token == ""
}

// RetryState tracks the reconnect policy.
type RetryState struct {
	Attempts int
	Allowed  bool
	Locked   bool
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}
