package conn

import (
	"encoding/json"

	"github.com/orchestra-mcp/chatsync/src/types"
)

// route dispatches a frame received after login by its status code.
func (m *Manager) route(f types.Frame) {
	codes := m.cfg.Codes
	switch f.Code {
	case codes.Message:
		var msg types.Message
		if m.decode(f, &msg) {
			m.sink.Ingest(msg)
		}
	case codes.Conversation:
		var conv types.Conversation
		if m.decode(f, &conv) {
			m.sink.UpsertConversation(conv)
		}
	case codes.ReadReceipt:
		var receipt types.ReadReceipt
		if m.decode(f, &receipt) {
			m.sink.ApplyReadReceipt(receipt)
		}
	case codes.Revoke:
		var msg types.Message
		if m.decode(f, &msg) {
			m.sink.ApplyRevoke(msg)
		}
	case codes.Delete:
		var msg types.Message
		if m.decode(f, &msg) {
			m.sink.ApplyDelete(msg)
		}
	case codes.KickedOut:
		m.kick()
	default:
		m.logger.Debug().Int("code", f.Code).Msg("ignoring frame with unknown code")
	}
}

func (m *Manager) decode(f types.Frame, v any) bool {
	if len(f.Data) == 0 {
		m.logger.Warn().Int("code", f.Code).Msg("dropping frame without data")
		return false
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		m.logger.Warn().Err(err).Int("code", f.Code).Msg("dropping undecodable frame")
		return false
	}
	return true
}

// kick handles a forced logout. It is terminal: retries stay disabled
// until the next explicit Connect.
func (m *Manager) kick() {
	m.logger.Warn().Str("user_id", m.session.UserID).Msg("kicked out")
	m.retry.Allowed = false
	m.retry.Locked = false
	m.redial.Stop()
	m.redial = nil
	m.teardown()
	m.session = types.Session{}
	m.events.Emit(types.EventKickedOut, true)
}
