package devserver

import (
	"sort"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
)

// Data is the backend's in-memory state. Every user has their own copy of
// each conversation and its log, so per-user flags (read, deleted, unread)
// do not leak between the two sides of a private chat.
type Data struct {
	mu       sync.Mutex
	open     bool
	seq      int64
	now      func() time.Time
	tokens   map[string]string // token -> user
	profiles map[string]types.Profile
	logs     map[string]map[string][]types.Message // user -> conversation -> ascending log
	convs    map[string]map[string]types.Conversation
}

// NewData creates an empty store. When open is set any non-empty
// credentials are accepted and registered on first use.
func NewData(open bool) *Data {
	return &Data{
		open:     open,
		now:      time.Now,
		tokens:   make(map[string]string),
		profiles: make(map[string]types.Profile),
		logs:     make(map[string]map[string][]types.Message),
		convs:    make(map[string]map[string]types.Conversation),
	}
}

// Register adds a user and the token it logs in with.
func (d *Data) Register(userID, token, nickname string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.register(userID, token, nickname)
}

func (d *Data) register(userID, token, nickname string) {
	for t, u := range d.tokens {
		if u == userID {
			delete(d.tokens, t)
		}
	}
	d.tokens[token] = userID
	d.profiles[userID] = types.Profile{UserID: userID, Nickname: nickname}
}

// Authenticate checks a socket login.
func (d *Data) Authenticate(userID, token string) (types.Profile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if userID == "" || token == "" {
		return types.Profile{}, false
	}
	if u, ok := d.tokens[token]; ok && u == userID {
		return d.profiles[userID], true
	}
	if !d.open {
		return types.Profile{}, false
	}
	d.register(userID, token, userID)
	return d.profiles[userID], true
}

// UserForToken resolves the token header of a REST call.
func (d *Data) UserForToken(token string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.tokens[token]
	return u, ok
}

// Save stores msg for its sender and, for a private chat, for the
// recipient under a conversation named after the sender. It returns the
// sender's copy and the recipient's copy.
func (d *Data) Save(from string, msg types.Message) (types.Message, types.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	msg.From = from
	msg.Sequence = d.seq
	msg.Status = ""
	msg.IsRead = false
	if msg.Time == 0 {
		msg.Time = d.now().UnixMilli()
	}
	if msg.ConversationType == "" {
		msg.ConversationType = types.ConversationPrivate
	}
	d.append(from, msg, false)

	peer := msg
	if msg.ConversationType == types.ConversationPrivate && msg.To != from {
		peer.ConversationID = from
		d.append(msg.To, peer, true)
	}
	return msg, peer
}

func (d *Data) append(userID string, msg types.Message, unread bool) {
	if d.logs[userID] == nil {
		d.logs[userID] = make(map[string][]types.Message)
		d.convs[userID] = make(map[string]types.Conversation)
	}
	d.logs[userID][msg.ConversationID] = append(d.logs[userID][msg.ConversationID], msg)

	conv, ok := d.convs[userID][msg.ConversationID]
	if !ok {
		conv = types.Conversation{ConversationID: msg.ConversationID, Type: msg.ConversationType}
	}
	last := msg
	conv.LastMessage = &last
	conv.UpdatedAt = msg.Time
	if unread {
		conv.UnreadCount++
	}
	d.convs[userID][msg.ConversationID] = conv
}

// Conversation returns one of userID's conversations.
func (d *Data) Conversation(userID, conversationID string) (types.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[userID][conversationID]
	return conv, ok
}

// History returns up to limit messages older than cursor, ascending. An
// empty cursor pages from the newest message; an unknown one yields nothing.
func (d *Data) History(userID, conversationID, cursor string, limit int) []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.logs[userID][conversationID]
	end := len(log)
	if cursor != "" {
		end = -1
		for i, m := range log {
			if m.MessageID == cursor {
				end = i
				break
			}
		}
		if end < 0 {
			return []types.Message{}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]types.Message, end-start)
	copy(out, log[start:end])
	return out
}

// Conversations returns one page of userID's conversations, most recently
// updated first. Pages are 1-based.
func (d *Data) Conversations(userID string, page, limit int) []types.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()

	all := make([]types.Conversation, 0, len(d.convs[userID]))
	for _, c := range d.convs[userID] {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt != all[j].UpdatedAt {
			return all[i].UpdatedAt > all[j].UpdatedAt
		}
		return all[i].ConversationID < all[j].ConversationID
	})

	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return []types.Conversation{}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// Revoke flags a message userID sent in both copies of the conversation.
// It returns the recipient's copy, if any.
func (d *Data) Revoke(userID, messageID string) (types.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.find(userID, messageID)
	if !ok || msg.From != userID {
		return types.Message{}, false
	}
	d.flag(userID, msg.ConversationID, messageID, func(m *types.Message) { m.IsRevoked = true })
	if msg.ConversationType != types.ConversationPrivate || msg.To == userID {
		return types.Message{}, true
	}
	peer, found := d.flag(msg.To, userID, messageID, func(m *types.Message) { m.IsRevoked = true })
	return peer, found
}

// Delete flags a message as deleted for userID only.
func (d *Data) Delete(userID, messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.find(userID, messageID)
	if !ok {
		return false
	}
	d.flag(userID, msg.ConversationID, messageID, func(m *types.Message) { m.IsDeleted = true })
	return true
}

// ClearUnread zeroes userID's unread count and marks the peer's messages
// read on both sides. It returns the ids that became read.
func (d *Data) ClearUnread(userID, conversationID string) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conv, ok := d.convs[userID][conversationID]
	if !ok {
		return nil, false
	}
	conv.UnreadCount = 0
	d.convs[userID][conversationID] = conv
	if conv.Type != types.ConversationPrivate {
		return nil, true
	}

	peer := conversationID
	var ids []string
	for i, m := range d.logs[userID][conversationID] {
		if m.From == peer && !m.IsRead {
			d.logs[userID][conversationID][i].IsRead = true
			ids = append(ids, m.MessageID)
		}
	}
	for _, id := range ids {
		d.flag(peer, userID, id, func(m *types.Message) { m.IsRead = true })
	}
	return ids, true
}

// DeleteConversation drops userID's copy of a conversation and its log.
func (d *Data) DeleteConversation(userID, conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.convs[userID][conversationID]; !ok {
		return false
	}
	delete(d.convs[userID], conversationID)
	delete(d.logs[userID], conversationID)
	return true
}

func (d *Data) find(userID, messageID string) (types.Message, bool) {
	for _, log := range d.logs[userID] {
		for _, m := range log {
			if m.MessageID == messageID {
				return m, true
			}
		}
	}
	return types.Message{}, false
}

// flag mutates one message of a log and keeps the conversation's last
// message pointer in step.
func (d *Data) flag(userID, conversationID, messageID string, mutate func(*types.Message)) (types.Message, bool) {
	log := d.logs[userID][conversationID]
	for i := range log {
		if log[i].MessageID != messageID {
			continue
		}
		mutate(&log[i])
		updated := log[i]
		if conv, ok := d.convs[userID][conversationID]; ok && conv.LastMessageID() == messageID {
			conv.LastMessage = &updated
			d.convs[userID][conversationID] = conv
		}
		return updated, true
	}
	return types.Message{}, false
}
