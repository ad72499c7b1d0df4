package devserver

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub tracks the socket session of every logged-in user. A user has at
// most one session: a second login replaces the first and kicks it.
type Hub struct {
	peers map[string]*Peer

	register   chan *Peer
	unregister chan *Peer

	kick   func() any
	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewHub creates a Hub. kick builds the frame sent to a replaced session.
func NewHub(kick func() any, logger zerolog.Logger) *Hub {
	return &Hub{
		peers:      make(map[string]*Peer),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		kick:       kick,
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.addPeer(p)
		case p := <-h.unregister:
			h.removePeer(p)
		case <-h.done:
			h.mu.Lock()
			for id, p := range h.peers {
				p.Close()
				delete(h.peers, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop halts the hub event loop and closes every session.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Register queues a peer for registration.
func (h *Hub) Register(p *Peer) {
	select {
	case h.register <- p:
	case <-h.done:
		p.Close()
	}
}

// Unregister queues a peer for removal.
func (h *Hub) Unregister(p *Peer) {
	select {
	case h.unregister <- p:
	case <-h.done:
	}
}

func (h *Hub) addPeer(p *Peer) {
	h.mu.Lock()
	old := h.peers[p.UserID]
	h.peers[p.UserID] = p
	h.mu.Unlock()

	if old != nil && old != p {
		h.logger.Info().Str("user_id", p.UserID).Msg("replacing session")
		old.enqueue(h.kick(), true)
	}
	h.logger.Info().Str("user_id", p.UserID).Msg("peer registered")
}

func (h *Hub) removePeer(p *Peer) {
	h.mu.Lock()
	if h.peers[p.UserID] == p {
		delete(h.peers, p.UserID)
	}
	h.mu.Unlock()

	p.Close()
	h.logger.Info().Str("user_id", p.UserID).Msg("peer unregistered")
}

// Push sends a frame to a user's session. Returns false if the user is
// offline or its buffer is full.
func (h *Hub) Push(userID string, frame any) bool {
	h.mu.RLock()
	p, ok := h.peers[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return p.enqueue(frame, false)
}

// Kick sends the forced-logout frame to a user's session and closes it.
func (h *Hub) Kick(userID string) bool {
	h.mu.Lock()
	p, ok := h.peers[userID]
	delete(h.peers, userID)
	h.mu.Unlock()
	if !ok {
		return false
	}
	return p.enqueue(h.kick(), true)
}

// Drop closes a user's session without a frame, as a network failure would.
func (h *Hub) Drop(userID string) bool {
	h.mu.Lock()
	p, ok := h.peers[userID]
	delete(h.peers, userID)
	h.mu.Unlock()
	if ok {
		p.Close()
	}
	return ok
}

// Online reports whether a user has a session.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[userID]
	return ok
}

// Count returns the number of sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
