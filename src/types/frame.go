package types

import "encoding/json"

// Frame is an inbound wire payload. Code classifies it; Data is decoded
// by whoever the code routes to.
type Frame struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Heartbeat is the keep-alive frame sent while the connection is open.
type Heartbeat struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// PingFrame returns the keep-alive payload.
func PingFrame() Heartbeat {
	return Heartbeat{Type: "heart", Data: "ping"}
}

// LoginResult is the data of a login-success frame.
type LoginResult struct {
	User Profile `json:"user"`
}

// Event names emitted on the dispatcher.
const (
	EventNetChanged              = "net_changed"
	EventConversationListChanged = "conversation_list_changed"
	EventMessageReceived         = "message_received"
	EventMessageRevoked          = "message_revoked"
	EventMessageDeleted          = "message_deleted"
	EventPrivateReadReceipt      = "private_read_receipt"
	EventKickedOut               = "kicked_out"
)

// Network states carried by EventNetChanged.
const (
	NetConnecting = "connecting"
	NetConnected  = "connected"
	NetClosed     = "closed"
	NetError      = "error"
)

// SharedEvent reports whether an event describes account data and may be
// relayed to other processes of the same user. Connection events belong
// to the process that owns the connection.
func SharedEvent(name string) bool {
	switch name {
	case EventConversationListChanged, EventMessageReceived, EventMessageRevoked,
		EventMessageDeleted, EventPrivateReadReceipt:
		return true
	}
	return false
}

// DecodeEventPayload decodes a relayed payload into the type local
// handlers receive for the event. Unknown events keep the raw JSON.
func DecodeEventPayload(name string, raw json.RawMessage) (any, error) {
	switch name {
	case EventConversationListChanged:
		var list []Conversation
		err := json.Unmarshal(raw, &list)
		return list, err
	case EventMessageReceived, EventMessageRevoked, EventMessageDeleted:
		var msg Message
		err := json.Unmarshal(raw, &msg)
		return msg, err
	case EventPrivateReadReceipt:
		var receipt ReadReceipt
		err := json.Unmarshal(raw, &receipt)
		return receipt, err
	case EventNetChanged:
		var state string
		err := json.Unmarshal(raw, &state)
		return state, err
	case EventKickedOut:
		var kicked bool
		err := json.Unmarshal(raw, &kicked)
		return kicked, err
	}
	return raw, nil
}
