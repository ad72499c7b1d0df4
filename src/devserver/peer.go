package devserver

import (
	"encoding/json"
	"sync"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

type outbound struct {
	frame any
	final bool // close the connection once written
}

// Peer is one user's socket session.
type Peer struct {
	UserID string
	conn   types.Conn
	hub    *Hub
	send   chan outbound
	pong   func() any
	logger zerolog.Logger

	done chan struct{}
	once sync.Once
}

// NewPeer wraps an upgraded connection. pong builds the heartbeat reply;
// a nil pong leaves heartbeats unanswered.
func NewPeer(userID string, conn types.Conn, h *Hub, pong func() any, logger zerolog.Logger) *Peer {
	return &Peer{
		UserID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan outbound, 256),
		pong:   pong,
		logger: logger.With().Str("user_id", userID).Logger(),
		done:   make(chan struct{}),
	}
}

func (p *Peer) enqueue(frame any, final bool) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- outbound{frame: frame, final: final}:
		return true
	default:
		p.logger.Warn().Msg("send buffer full, dropping")
		return false
	}
}

// ReadPump answers heartbeats until the connection fails.
func (p *Peer) ReadPump() {
	defer func() {
		p.hub.Unregister(p)
		p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var hb types.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			p.logger.Debug().Err(err).Msg("undecodable frame")
			continue
		}
		if hb.Type == types.PingFrame().Type && p.pong != nil {
			p.enqueue(p.pong(), false)
		}
	}
}

// WritePump writes queued frames to the connection.
func (p *Peer) WritePump() {
	defer p.conn.Close()

	for {
		select {
		case out := <-p.send:
			if err := p.conn.WriteJSON(out.frame); err != nil {
				return
			}
			if out.final {
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// Close signals the pumps to stop and closes the connection.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
