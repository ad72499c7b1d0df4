package bridge

import "github.com/orchestra-mcp/chatsync/src/dispatch"

// Bridge relays dispatcher events between processes sharing one account,
// e.g. a foreground app and a background sync worker.
type Bridge interface {
	// Publish sends an event to all other processes via the bridge.
	Publish(ev dispatch.Event) error

	// Start begins listening for events from other processes.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// LocalTarget is implemented by the Dispatcher to receive relayed events.
type LocalTarget interface {
	EmitLocal(ev dispatch.Event)
}

var _ LocalTarget = (*dispatch.Dispatcher)(nil)
