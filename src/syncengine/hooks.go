package syncengine

import (
	"context"
	"reflect"

	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// Ingest caches a delivered message and announces it.
func (e *Engine) Ingest(msg types.Message) {
	if msg.ConversationID == "" || msg.MessageID == "" {
		e.logger.Warn().Str("message_id", msg.MessageID).Msg("dropping message without conversationId")
		return
	}
	if err := e.cache.UpsertMessage(msg); err != nil {
		e.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("caching message failed")
	}
	e.events.Emit(types.EventMessageReceived, msg)
}

// UpsertConversation moves a conversation delta to the head of the index.
func (e *Engine) UpsertConversation(conv types.Conversation) {
	if conv.ConversationID == "" {
		e.logger.Warn().Msg("dropping conversation without conversationId")
		return
	}
	if err := e.cache.UpsertConversation(conv); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", conv.ConversationID).Msg("caching conversation failed")
	}
	e.conversationsChanged()
}

// ApplyRevoke flags a cached message as revoked. A miss is a no-op.
func (e *Engine) ApplyRevoke(msg types.Message) {
	if updated, ok := e.flag(msg, func(m *types.Message) { m.IsRevoked = true }); ok {
		e.events.Emit(types.EventMessageRevoked, updated)
	}
}

// ApplyDelete flags a cached message as deleted. A miss is a no-op.
func (e *Engine) ApplyDelete(msg types.Message) {
	if updated, ok := e.flag(msg, func(m *types.Message) { m.IsDeleted = true }); ok {
		e.events.Emit(types.EventMessageDeleted, updated)
	}
}

func (e *Engine) flag(msg types.Message, mutate func(*types.Message)) (types.Message, bool) {
	if msg.ConversationID == "" || msg.MessageID == "" {
		e.logger.Warn().Str("message_id", msg.MessageID).Msg("dropping mutation without ids")
		return types.Message{}, false
	}
	updated, ok, err := e.cache.UpdateMessage(msg.ConversationID, msg.MessageID, mutate)
	if err != nil {
		e.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("persisting mutation failed")
	}
	if !ok {
		e.logger.Debug().Str("message_id", msg.MessageID).Msg("mutation target not cached")
		return types.Message{}, false
	}

	// Keep the index pointer in step with the cached copy.
	_, _, err = e.cache.UpdateConversation(msg.ConversationID, func(c *types.Conversation) {
		if c.LastMessageID() == updated.MessageID {
			last := updated
			c.LastMessage = &last
		}
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("persisting conversation failed")
	}
	return updated, true
}

// ApplyReadReceipt marks the local user's messages read by the peer. An
// empty id list covers every cached message the local user sent.
func (e *Engine) ApplyReadReceipt(receipt types.ReadReceipt) {
	if receipt.ConversationID == "" {
		e.logger.Warn().Msg("dropping read receipt without conversationId")
		return
	}
	self := e.cache.UserID()
	ids := make(map[string]struct{}, len(receipt.MessageIDs))
	for _, id := range receipt.MessageIDs {
		ids[id] = struct{}{}
	}

	changed, err := e.cache.UpdateMessages(receipt.ConversationID, func(m *types.Message) bool {
		if m.IsRead || m.From != self {
			return false
		}
		if len(ids) > 0 {
			if _, ok := ids[m.MessageID]; !ok {
				return false
			}
		}
		m.IsRead = true
		return true
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("persisting read receipt failed")
	}
	if len(changed) == 0 {
		return
	}

	out := types.ReadReceipt{ConversationID: receipt.ConversationID}
	for _, m := range changed {
		out.MessageIDs = append(out.MessageIDs, m.MessageID)
	}
	e.events.Emit(types.EventPrivateReadReceipt, out)
}

// Resync binds the session, replaces the conversation index with the
// backend's list and refreshes every non-empty stale window.
func (e *Engine) Resync(session types.Session) {
	e.Bind(session)
	e.logger.Debug().Str("user_id", session.UserID).Msg("resyncing")
	before := e.cache.Conversations()

	async(e, e.fetchAllConversations, func(list []types.Conversation, err *errs.Error) {
		if err != nil {
			e.logger.Warn().Err(err).Msg("conversation list sync failed, keeping local index")
			return
		}
		if perr := e.cache.ReplaceConversations(e.rebaseConversations(before, list)); perr != nil {
			e.logger.Warn().Err(perr).Msg("persisting conversation list failed")
		}
		e.conversationsChanged()

		for _, conv := range e.cache.Conversations() {
			id := conv.ConversationID
			if len(e.cache.GetLocal(id)) == 0 || !e.Stale(id) {
				continue
			}
			e.Refresh(id, nil)
		}
	})
}

// rebaseConversations lays the fetched list under the index entries that
// changed while it was in flight. Those stay at the head in their current
// order, and entries removed in the meantime stay removed.
func (e *Engine) rebaseConversations(before, fetched []types.Conversation) []types.Conversation {
	old := make(map[string]types.Conversation, len(before))
	for _, c := range before {
		old[c.ConversationID] = c
	}
	current := e.cache.Conversations()
	skip := make(map[string]struct{}, len(before))
	for id := range old {
		skip[id] = struct{}{}
	}

	var out []types.Conversation
	for _, c := range current {
		delete(skip, c.ConversationID)
		if prev, ok := old[c.ConversationID]; ok && reflect.DeepEqual(prev, c) {
			continue
		}
		out = append(out, c)
		skip[c.ConversationID] = struct{}{}
	}
	for _, c := range fetched {
		if _, ok := skip[c.ConversationID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) fetchAllConversations(ctx context.Context) ([]types.Conversation, error) {
	var all []types.Conversation
	for page := 1; page <= maxConversationPages; page++ {
		list, err := e.api.FetchConversations(ctx, page, e.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
		if len(list) < e.pageSize {
			break
		}
	}
	return all, nil
}
