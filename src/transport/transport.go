// Package transport is the bidirectional message channel to the chat
// backend.
package transport

import (
	"errors"
)

var (
	// ErrClosed is returned by Send after Close or a remote close.
	ErrClosed = errors.New("transport: closed")
	// ErrNotOpen is returned by Send before the connection is established.
	ErrNotOpen = errors.New("transport: not open")
	// ErrBufferFull is returned by Send when the write queue is full.
	ErrBufferFull = errors.New("transport: send buffer full")
)

// Handlers receive transport notifications. They are called from
// transport goroutines; OnClose is called exactly once per Open.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

func (h Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handlers) message(data []byte) {
	if h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handlers) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Transport is a single-use connection. Open is called at most once.
type Transport interface {
	Open(url string, h Handlers)
	Send(v any) error
	Close() error
}

// Factory creates a fresh Transport for every connection attempt.
type Factory func() Transport
