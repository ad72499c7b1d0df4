package syncengine

import (
	"context"

	"github.com/orchestra-mcp/chatsync/src/cache"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/restapi"
	"github.com/orchestra-mcp/chatsync/src/types"
)

// HistoryQuery asks for the page older than NextMessageID, or the newest
// page when NextMessageID is empty.
type HistoryQuery struct {
	ConversationID string `json:"conversationId"`
	NextMessageID  string `json:"nextMessageId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// HistoryPage is ascending by sequence. NextMessageID is the cursor for
// the next older page; it is empty when the page is.
type HistoryPage struct {
	Messages      []types.Message `json:"messages"`
	NextMessageID string          `json:"nextMessageId"`
}

func newPage(msgs []types.Message) HistoryPage {
	if msgs == nil {
		msgs = []types.Message{}
	}
	p := HistoryPage{Messages: msgs}
	if len(msgs) > 0 {
		p.NextMessageID = msgs[0].MessageID
	}
	return p
}

// Stale reports whether the local window of a conversation disagrees with
// the index's last message pointer. An empty window or a conversation
// missing from the index is stale.
func (e *Engine) Stale(conversationID string) bool {
	return e.stale(conversationID, e.cache.GetLocal(conversationID))
}

func (e *Engine) stale(conversationID string, local []types.Message) bool {
	if len(local) == 0 {
		return true
	}
	conv, ok := e.cache.Conversation(conversationID)
	if !ok {
		return true
	}
	return conv.LastMessageID() != local[len(local)-1].MessageID
}

// GetHistoryMessageList returns one page of history, serving from the
// local window where it can and filling shortfalls from the backend.
// A backend failure is delivered to done and leaves the cache untouched.
func (e *Engine) GetHistoryMessageList(q HistoryQuery, done func(errs.Result[HistoryPage])) {
	if q.ConversationID == "" {
		errs.Deliver(done, errs.Fail[HistoryPage](errs.Invalid("conversationId is required")))
		return
	}
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[HistoryPage](err))
		return
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	conv := q.ConversationID
	local := e.cache.GetLocal(conv)

	if q.NextMessageID == "" {
		if e.stale(conv, local) {
			e.fetchNewest(conv, q.Limit, done)
			return
		}
		if len(local) >= q.Limit {
			errs.Deliver(done, errs.Ok(newPage(local[len(local)-q.Limit:])))
			return
		}
		e.fill(conv, local, local[0].MessageID, q.Limit, true, done)
		return
	}

	idx := indexOf(local, q.NextMessageID)
	if idx < 0 {
		e.fill(conv, nil, q.NextMessageID, q.Limit, false, done)
		return
	}

	prefix := local[:idx]
	if len(prefix) >= q.Limit {
		errs.Deliver(done, errs.Ok(newPage(prefix[len(prefix)-q.Limit:])))
		return
	}
	cursor := q.NextMessageID
	if len(prefix) > 0 {
		cursor = prefix[0].MessageID
	}
	e.fill(conv, prefix, cursor, q.Limit, false, done)
}

// fetchNewest replaces a stale window with the backend's newest page.
// Messages that reached the window while the fetch was in flight are kept.
func (e *Engine) fetchNewest(conv string, limit int, done func(errs.Result[HistoryPage])) {
	e.logger.Debug().Str("conversation_id", conv).Msg("local window stale, fetching newest page")
	before := e.cache.GetLocal(conv)
	e.fetch(conv, "", limit, func(remote []types.Message, err *errs.Error) {
		if err != nil {
			errs.Deliver(done, errs.Fail[HistoryPage](err))
			return
		}
		merged := e.rebase(conv, before, remote)
		if _, perr := e.cache.ReplaceMessages(conv, merged); perr != nil {
			e.logger.Warn().Err(perr).Str("conversation_id", conv).Msg("persisting history failed")
		}
		errs.Deliver(done, errs.Ok(newPage(newest(merged, limit))))
	})
}

// fill fetches the messages older than cursor needed to bring local up to
// limit. With persist set, local is the head of the window and the fetched
// page is merged into the window as it stands when the fetch completes.
func (e *Engine) fill(conv string, local []types.Message, cursor string, limit int, persist bool, done func(errs.Result[HistoryPage])) {
	e.fetch(conv, cursor, limit-len(local), func(remote []types.Message, err *errs.Error) {
		if err != nil {
			errs.Deliver(done, errs.Fail[HistoryPage](err))
			return
		}
		if persist {
			current := e.cache.GetLocal(conv)
			if indexOf(current, cursor) >= 0 {
				merged := cache.Merge(current, remote)
				if _, perr := e.cache.ReplaceMessages(conv, merged); perr != nil {
					e.logger.Warn().Err(perr).Str("conversation_id", conv).Msg("persisting history failed")
				}
				errs.Deliver(done, errs.Ok(newPage(newest(merged, limit))))
				return
			}
			// The window moved on without the cursor; the page no longer
			// joins it.
			e.logger.Debug().Str("conversation_id", conv).Msg("window changed during fill, not persisting")
		}
		errs.Deliver(done, errs.Ok(newPage(e.current(conv, cache.Merge(local, remote)))))
	})
}

// rebase merges remote into the window as it stands now. Messages that
// were in before but are missing from remote are the stale entries being
// replaced; anything else in the window is newer state and wins over the
// remote copy.
func (e *Engine) rebase(conv string, before, remote []types.Message) []types.Message {
	fetched := make(map[string]struct{}, len(remote))
	for _, m := range remote {
		fetched[m.MessageID] = struct{}{}
	}
	stale := make(map[string]struct{}, len(before))
	for _, m := range before {
		if _, ok := fetched[m.MessageID]; !ok {
			stale[m.MessageID] = struct{}{}
		}
	}
	var keep []types.Message
	for _, m := range e.cache.GetLocal(conv) {
		if _, ok := stale[m.MessageID]; !ok {
			keep = append(keep, m)
		}
	}
	return cache.Merge(keep, remote)
}

// current swaps in the cached copy of every message still in the window,
// so flags set while a fetch was in flight show in the page.
func (e *Engine) current(conv string, msgs []types.Message) []types.Message {
	window := e.cache.GetLocal(conv)
	for i := range msgs {
		if j := indexOf(window, msgs[i].MessageID); j >= 0 {
			msgs[i] = window[j]
		}
	}
	return msgs
}

func newest(msgs []types.Message, limit int) []types.Message {
	if len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

func indexOf(msgs []types.Message, messageID string) int {
	for i := range msgs {
		if msgs[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

func (e *Engine) fetch(conv, cursor string, limit int, then func([]types.Message, *errs.Error)) {
	q := restapi.HistoryQuery{ConversationID: conv, NextMessageID: cursor, Limit: limit}
	async(e, func(ctx context.Context) ([]types.Message, error) {
		return e.api.FetchHistory(ctx, q)
	}, then)
}

// Refresh re-runs the reconciliation for one conversation, replacing a
// stale window with the newest page. done may be nil.
func (e *Engine) Refresh(conversationID string, done func(errs.Result[[]types.Message])) {
	if err := e.requireUser(); err != nil {
		errs.Deliver(done, errs.Fail[[]types.Message](err))
		return
	}
	if !e.Stale(conversationID) {
		errs.Deliver(done, errs.Ok(e.cache.GetLocal(conversationID)))
		return
	}
	before := e.cache.GetLocal(conversationID)
	e.fetch(conversationID, "", e.cache.Limit(), func(remote []types.Message, err *errs.Error) {
		if err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("refresh failed")
			errs.Deliver(done, errs.Fail[[]types.Message](err))
			return
		}
		window, perr := e.cache.ReplaceMessages(conversationID, e.rebase(conversationID, before, remote))
		if perr != nil {
			e.logger.Warn().Err(perr).Str("conversation_id", conversationID).Msg("persisting refresh failed")
		}
		errs.Deliver(done, errs.Ok(window))
	})
}
