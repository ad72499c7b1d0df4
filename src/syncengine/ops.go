package syncengine

import (
	"context"

	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// Message delivery states.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
)

// SendMessage saves msg through the backend, caches the server's copy and
// moves its conversation to the head of the index.
func (e *Engine) SendMessage(msg types.Message, done func(errs.Result[types.Message])) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[types.Message](err))
		return
	}
	if msg.ConversationID == "" || msg.MessageID == "" || msg.To == "" {
		errs.Deliver(done, errs.Fail[types.Message](errs.Invalid("message requires messageId, conversationId and to")))
		return
	}
	if msg.From == "" {
		msg.From = e.cache.UserID()
	}
	msg.Status = StatusSending

	async(e, func(ctx context.Context) (types.Message, error) {
		return e.api.SaveMessage(ctx, msg)
	}, func(saved types.Message, err *errs.Error) {
		if err != nil {
			errs.Deliver(done, errs.Fail[types.Message](err))
			return
		}
		if saved.MessageID == "" {
			saved = msg
		}
		saved.Status = StatusSent
		if perr := e.cache.UpsertMessage(saved); perr != nil {
			e.logger.Warn().Err(perr).Str("message_id", saved.MessageID).Msg("caching sent message failed")
		}

		conv, ok := e.cache.Conversation(saved.ConversationID)
		if !ok {
			conv = types.Conversation{ConversationID: saved.ConversationID, Type: saved.ConversationType}
		}
		last := saved
		conv.LastMessage = &last
		conv.UpdatedAt = saved.Time
		if perr := e.cache.UpsertConversation(conv); perr != nil {
			e.logger.Warn().Err(perr).Msg("caching conversation failed")
		}
		e.conversationsChanged()
		errs.Deliver(done, errs.Ok(saved))
	})
}

// RevokeMessage withdraws a message and flags the cached copy.
func (e *Engine) RevokeMessage(msg types.Message, done func(errs.Result[types.Message])) {
	e.mutateMessage(msg, e.api.RevokeMessage, func(m *types.Message) { m.IsRevoked = true }, e.ApplyRevoke, done)
}

// DeleteMessage deletes a message and flags the cached copy.
func (e *Engine) DeleteMessage(msg types.Message, done func(errs.Result[types.Message])) {
	e.mutateMessage(msg, e.api.DeleteMessage, func(m *types.Message) { m.IsDeleted = true }, e.ApplyDelete, done)
}

func (e *Engine) mutateMessage(
	msg types.Message,
	call func(context.Context, string) error,
	mark func(*types.Message),
	apply func(types.Message),
	done func(errs.Result[types.Message]),
) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[types.Message](err))
		return
	}
	if msg.ConversationID == "" || msg.MessageID == "" {
		errs.Deliver(done, errs.Fail[types.Message](errs.Invalid("message requires messageId and conversationId")))
		return
	}
	async(e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx, msg.MessageID)
	}, func(_ struct{}, err *errs.Error) {
		if err != nil {
			errs.Deliver(done, errs.Fail[types.Message](err))
			return
		}
		apply(msg)
		mark(&msg)
		errs.Deliver(done, errs.Ok(msg))
	})
}

// GetConversationList returns the local index, most recent first.
func (e *Engine) GetConversationList(done func(errs.Result[[]types.Conversation])) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[[]types.Conversation](err))
		return
	}
	list := e.cache.Conversations()
	if list == nil {
		list = []types.Conversation{}
	}
	errs.Deliver(done, errs.Ok(list))
}

// GetConversation returns one index entry.
func (e *Engine) GetConversation(conversationID string, done func(errs.Result[types.Conversation])) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[types.Conversation](err))
		return
	}
	conv, ok := e.cache.Conversation(conversationID)
	if !ok {
		errs.Deliver(done, errs.Fail[types.Conversation](
			errs.Newf(errs.KindDataInconsistency, errs.CodeNoConversation, "conversation %s not found", conversationID)))
		return
	}
	errs.Deliver(done, errs.Ok(conv))
}

// ClearConversationUnread resets a conversation's unread count.
func (e *Engine) ClearConversationUnread(conversationID string, done func(errs.Result[types.Conversation])) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[types.Conversation](err))
		return
	}
	if _, ok := e.cache.Conversation(conversationID); !ok {
		errs.Deliver(done, errs.Fail[types.Conversation](
			errs.Newf(errs.KindDataInconsistency, errs.CodeNoConversation, "conversation %s not found", conversationID)))
		return
	}
	async(e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.api.ClearUnread(ctx, conversationID)
	}, func(_ struct{}, err *errs.Error) {
		if err != nil {
			errs.Deliver(done, errs.Fail[types.Conversation](err))
			return
		}
		conv, ok, perr := e.cache.UpdateConversation(conversationID, func(c *types.Conversation) { c.UnreadCount = 0 })
		if perr != nil {
			e.logger.Warn().Err(perr).Msg("persisting unread count failed")
		}
		if !ok {
			errs.Deliver(done, errs.Fail[types.Conversation](
				errs.Newf(errs.KindDataInconsistency, errs.CodeNoConversation, "conversation %s not found", conversationID)))
			return
		}
		e.conversationsChanged()
		errs.Deliver(done, errs.Ok(conv))
	})
}

// DeleteConversation removes a conversation and its cached messages.
func (e *Engine) DeleteConversation(conversationID string, done func(errs.Result[string])) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[string](err))
		return
	}
	if conversationID == "" {
		errs.Deliver(done, errs.Fail[string](errs.Invalid("conversationId is required")))
		return
	}
	async(e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.api.DeleteConversation(ctx, conversationID)
	}, func(_ struct{}, err *errs.Error) {
		if err != nil {
			errs.Deliver(done, errs.Fail[string](err))
			return
		}
		if perr := e.cache.RemoveConversation(conversationID); perr != nil {
			e.logger.Warn().Err(perr).Msg("removing conversation failed")
		}
		e.conversationsChanged()
		errs.Deliver(done, errs.Ok(conversationID))
	})
}
