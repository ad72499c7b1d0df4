// Package cache holds the bounded local message windows and the MRU
// conversation index of the bound user, written through to a storage.Store.
//
// A Cache is owned by the event loop and is not safe for concurrent use.
package cache

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/storage"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultLimit is the per-conversation message window size.
const DefaultLimit = 20

// Cache is the CacheStore of one client.
type Cache struct {
	store  storage.Store
	keys   storage.Keys
	limit  int
	userID string
	logger zerolog.Logger
}

// New creates a cache. A limit below 1 falls back to DefaultLimit.
func New(store storage.Store, keys storage.Keys, limit int, logger zerolog.Logger) *Cache {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Cache{
		store:  store,
		keys:   keys,
		limit:  limit,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Bind namespaces every following read and write under userID.
func (c *Cache) Bind(userID string) {
	c.userID = userID
}

// UserID returns the bound user, or "".
func (c *Cache) UserID() string {
	return c.userID
}

// Limit returns the per-conversation window size.
func (c *Cache) Limit() int {
	return c.limit
}

// GetLocal returns the cached window of a conversation ordered by sequence.
func (c *Cache) GetLocal(conversationID string) []types.Message {
	msgs := c.loadMessages(conversationID)
	sortMessages(msgs)
	return msgs
}

// Tail returns the newest cached message of a conversation.
func (c *Cache) Tail(conversationID string) (types.Message, bool) {
	msgs := c.GetLocal(conversationID)
	if len(msgs) == 0 {
		return types.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// UpsertMessage replaces a cached message with the same id in place, or
// inserts it in sequence order, evicting the oldest entries so the window
// never exceeds the limit.
func (c *Cache) UpsertMessage(msg types.Message) error {
	if msg.ConversationID == "" || msg.MessageID == "" {
		return errs.Invalid("message requires conversationId and messageId")
	}
	msgs := c.GetLocal(msg.ConversationID)

	if i := indexOf(msgs, msg.MessageID); i >= 0 {
		msgs[i] = msg
		sortMessages(msgs)
		return c.saveMessages(msg.ConversationID, msgs)
	}

	msgs = append(msgs, msg)
	sortMessages(msgs)
	if len(msgs) > c.limit {
		msgs = msgs[len(msgs)-c.limit:]
	}
	return c.saveMessages(msg.ConversationID, msgs)
}

// ReplaceMessages overwrites a conversation's window with msgs, keeping
// the newest entries up to the limit. The stored window is returned.
func (c *Cache) ReplaceMessages(conversationID string, msgs []types.Message) ([]types.Message, error) {
	window := Merge(nil, msgs)
	if len(window) > c.limit {
		window = window[len(window)-c.limit:]
	}
	return window, c.saveMessages(conversationID, window)
}

// UpdateMessage applies mutate to the cached message with the given id.
// It reports false when the message is not cached.
func (c *Cache) UpdateMessage(conversationID, messageID string, mutate func(*types.Message)) (types.Message, bool, error) {
	msgs := c.GetLocal(conversationID)
	i := indexOf(msgs, messageID)
	if i < 0 {
		return types.Message{}, false, nil
	}
	mutate(&msgs[i])
	return msgs[i], true, c.saveMessages(conversationID, msgs)
}

// UpdateMessages applies mutate to every cached message of a conversation
// and persists when at least one reports a change. Changed messages are
// returned in sequence order.
func (c *Cache) UpdateMessages(conversationID string, mutate func(*types.Message) bool) ([]types.Message, error) {
	msgs := c.GetLocal(conversationID)
	var changed []types.Message
	for i := range msgs {
		if mutate(&msgs[i]) {
			changed = append(changed, msgs[i])
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, c.saveMessages(conversationID, msgs)
}

// ClearMessages drops a conversation's window.
func (c *Cache) ClearMessages(conversationID string) error {
	err := c.store.Remove(context.Background(), c.keys.Messages(c.userID, conversationID))
	return errors.Wrap(err, "clear messages")
}

// Conversations returns the conversation index, most recent first.
func (c *Cache) Conversations() []types.Conversation {
	return c.loadConversations()
}

// Conversation returns one index entry.
func (c *Cache) Conversation(conversationID string) (types.Conversation, bool) {
	for _, conv := range c.loadConversations() {
		if conv.ConversationID == conversationID {
			return conv, true
		}
	}
	return types.Conversation{}, false
}

// UpsertConversation moves conv to the head of the index, replacing any
// entry with the same id.
func (c *Cache) UpsertConversation(conv types.Conversation) error {
	if conv.ConversationID == "" {
		return errs.Invalid("conversation requires conversationId")
	}
	list := c.loadConversations()
	out := make([]types.Conversation, 0, len(list)+1)
	out = append(out, conv)
	for _, existing := range list {
		if existing.ConversationID != conv.ConversationID {
			out = append(out, existing)
		}
	}
	return c.saveConversations(out)
}

// ReplaceConversations overwrites the index. The first entry wins for
// duplicate ids and the given order is kept.
func (c *Cache) ReplaceConversations(list []types.Conversation) error {
	seen := make(map[string]struct{}, len(list))
	out := make([]types.Conversation, 0, len(list))
	for _, conv := range list {
		if conv.ConversationID == "" {
			continue
		}
		if _, dup := seen[conv.ConversationID]; dup {
			continue
		}
		seen[conv.ConversationID] = struct{}{}
		out = append(out, conv)
	}
	return c.saveConversations(out)
}

// UpdateConversation applies mutate to an index entry without moving it.
func (c *Cache) UpdateConversation(conversationID string, mutate func(*types.Conversation)) (types.Conversation, bool, error) {
	list := c.loadConversations()
	for i := range list {
		if list[i].ConversationID == conversationID {
			mutate(&list[i])
			return list[i], true, c.saveConversations(list)
		}
	}
	return types.Conversation{}, false, nil
}

// RemoveConversation drops an index entry together with its messages.
func (c *Cache) RemoveConversation(conversationID string) error {
	list := c.loadConversations()
	out := list[:0]
	for _, conv := range list {
		if conv.ConversationID != conversationID {
			out = append(out, conv)
		}
	}
	if err := c.saveConversations(out); err != nil {
		return err
	}
	return c.ClearMessages(conversationID)
}

func (c *Cache) loadMessages(conversationID string) []types.Message {
	var msgs []types.Message
	c.load(c.keys.Messages(c.userID, conversationID), &msgs)
	return msgs
}

func (c *Cache) saveMessages(conversationID string, msgs []types.Message) error {
	return c.save(c.keys.Messages(c.userID, conversationID), msgs)
}

func (c *Cache) loadConversations() []types.Conversation {
	var list []types.Conversation
	c.load(c.keys.Conversations(c.userID), &list)
	return list
}

func (c *Cache) saveConversations(list []types.Conversation) error {
	return c.save(c.keys.Conversations(c.userID), list)
}

// load decodes key into v. Missing or unreadable entries leave v empty.
func (c *Cache) load(key string, v any) {
	data, err := c.store.Get(context.Background(), key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
	}
}

func (c *Cache) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}
	if err := c.store.Set(context.Background(), key, data); err != nil {
		return errors.Wrap(err, "write cache entry")
	}
	return nil
}

// Merge combines two message lists into one ascending by sequence with
// unique ids. On a duplicate id the entry from a wins.
func Merge(a, b []types.Message) []types.Message {
	out := make([]types.Message, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]types.Message{a, b} {
		for _, m := range list {
			if _, dup := seen[m.MessageID]; dup {
				continue
			}
			seen[m.MessageID] = struct{}{}
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Sequence != msgs[j].Sequence {
			return msgs[i].Sequence < msgs[j].Sequence
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})
}

func indexOf(msgs []types.Message, messageID string) int {
	for i := range msgs {
		if msgs[i].MessageID == messageID {
			return i
		}
	}
	return -1
}
