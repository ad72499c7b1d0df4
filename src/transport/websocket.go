package transport

import (
	"net"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const sendBuffer = 64

// Dialer opens the underlying connection.
type Dialer interface {
	Dial(url string) (types.Conn, error)
}

// WSDialer dials WebSocket connections with fasthttp/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// NewWSDialer returns a dialer with the given handshake timeout. A non-nil
// netDial replaces the network dial, e.g. with an in-memory listener.
func NewWSDialer(handshakeTimeout time.Duration, netDial func(network, addr string) (net.Conn, error)) *WSDialer {
	return &WSDialer{Dialer: &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		NetDial:          netDial,
	}}
}

func (d *WSDialer) Dial(url string) (types.Conn, error) {
	conn, resp, err := d.Dialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return conn, nil
}

// WebSocket is a Transport over a dialed types.Conn. Reads run on a read
// pump goroutine and writes are queued to a write pump.
type WebSocket struct {
	dialer Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	conn     types.Conn
	handlers Handlers
	send     chan any
	done     chan struct{}
	opened   bool
	closed   bool
	once     sync.Once
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates an unopened transport.
func NewWebSocket(dialer Dialer, logger zerolog.Logger) *WebSocket {
	return &WebSocket{
		dialer: dialer,
		logger: logger.With().Str("component", "transport").Logger(),
		send:   make(chan any, sendBuffer),
		done:   make(chan struct{}),
	}
}

// NewWebSocketFactory returns a Factory building WebSocket transports.
func NewWebSocketFactory(dialer Dialer, logger zerolog.Logger) Factory {
	return func() Transport { return NewWebSocket(dialer, logger) }
}

// Open dials asynchronously.
func (w *WebSocket) Open(url string, h Handlers) {
	w.mu.Lock()
	w.handlers = h
	w.mu.Unlock()
	go w.dial(url)
}

func (w *WebSocket) dial(url string) {
	conn, err := w.dialer.Dial(url)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		w.mu.Unlock()
		w.logger.Debug().Err(err).Msg("dial failed")
		w.handlers.error(err)
		w.finish()
		return
	}
	w.conn = conn
	w.opened = true
	w.mu.Unlock()

	w.handlers.open()
	go w.writePump(conn)
	w.readPump(conn)
}

// readPump delivers inbound messages until the connection fails.
func (w *WebSocket) readPump(conn types.Conn) {
	defer w.finish()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !w.isClosed() {
				w.handlers.error(err)
			}
			return
		}
		w.handlers.message(data)
	}
}

// writePump writes queued values until the transport is closed.
func (w *WebSocket) writePump(conn types.Conn) {
	for {
		select {
		case v := <-w.send:
			if err := conn.WriteJSON(v); err != nil {
				w.logger.Debug().Err(err).Msg("write failed")
				_ = conn.Close()
				return
			}
		case <-w.done:
			return
		}
	}
}

// Send queues v for writing as JSON.
func (w *WebSocket) Send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.opened {
		return ErrNotOpen
	}
	select {
	case w.send <- v:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close releases the connection. OnClose fires once even when Close
// races the dial.
func (w *WebSocket) Close() error {
	w.finish()
	return nil
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *WebSocket) finish() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		conn := w.conn
		h := w.handlers
		close(w.done)
		w.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		h.close()
	})
}
