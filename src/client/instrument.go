package client

import (
	"context"
	"time"

	"github.com/orchestra-mcp/chatsync/src/dispatch"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/restapi"
	"github.com/orchestra-mcp/chatsync/src/syncengine"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// Backend operation labels used in request metrics.
const (
	OpFetchHistory       = "fetch_history"
	OpFetchConversations = "fetch_conversations"
	OpSaveMessage        = "save_message"
	OpRevokeMessage      = "revoke_message"
	OpDeleteMessage      = "delete_message"
	OpClearUnread        = "clear_unread"
	OpDeleteConversation = "delete_conversation"
)

var observedEvents = []string{
	types.EventNetChanged,
	types.EventConversationListChanged,
	types.EventMessageReceived,
	types.EventMessageRevoked,
	types.EventMessageDeleted,
	types.EventPrivateReadReceipt,
	types.EventKickedOut,
}

// observeEvents counts every SDK event on m.
func observeEvents(d *dispatch.Dispatcher, m *metrics.Metrics) {
	for _, name := range observedEvents {
		d.On(name, func(ev dispatch.Event) { m.ObserveEvent(ev.Name, ev.Payload) })
	}
}

// instrumentedAPI times every backend call.
type instrumentedAPI struct {
	next    syncengine.API
	metrics *metrics.Metrics
}

func instrument(next syncengine.API, m *metrics.Metrics) syncengine.API {
	return &instrumentedAPI{next: next, metrics: m}
}

func (a *instrumentedAPI) SetToken(token string) { a.next.SetToken(token) }

func (a *instrumentedAPI) FetchHistory(ctx context.Context, q restapi.HistoryQuery) ([]types.Message, error) {
	start := time.Now()
	msgs, err := a.next.FetchHistory(ctx, q)
	a.metrics.ObserveRequest(OpFetchHistory, start, err)
	return msgs, err
}

func (a *instrumentedAPI) FetchConversations(ctx context.Context, page, limit int) ([]types.Conversation, error) {
	start := time.Now()
	convs, err := a.next.FetchConversations(ctx, page, limit)
	a.metrics.ObserveRequest(OpFetchConversations, start, err)
	return convs, err
}

func (a *instrumentedAPI) SaveMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	start := time.Now()
	saved, err := a.next.SaveMessage(ctx, msg)
	a.metrics.ObserveRequest(OpSaveMessage, start, err)
	return saved, err
}

func (a *instrumentedAPI) RevokeMessage(ctx context.Context, messageID string) error {
	return a.observe(OpRevokeMessage, func() error { return a.next.RevokeMessage(ctx, messageID) })
}

func (a *instrumentedAPI) DeleteMessage(ctx context.Context, messageID string) error {
	return a.observe(OpDeleteMessage, func() error { return a.next.DeleteMessage(ctx, messageID) })
}

func (a *instrumentedAPI) ClearUnread(ctx context.Context, conversationID string) error {
	return a.observe(OpClearUnread, func() error { return a.next.ClearUnread(ctx, conversationID) })
}

func (a *instrumentedAPI) DeleteConversation(ctx context.Context, conversationID string) error {
	return a.observe(OpDeleteConversation, func() error { return a.next.DeleteConversation(ctx, conversationID) })
}

func (a *instrumentedAPI) observe(op string, call func() error) error {
	start := time.Now()
	err := call()
	a.metrics.ObserveRequest(op, start, err)
	return err
}
