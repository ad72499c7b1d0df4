// Package client is the SDK's public surface. A Client composes the
// connection manager, the sync engine and the event dispatcher around one
// event loop; every public method hands its work to that loop and returns
// without blocking. Callbacks run on the loop goroutine and must not block.
//
// ReadyState, Session, CreateTextMessage and Close wait for the loop, so
// they must not be called from a callback.
package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/bridge"
	"github.com/orchestra-mcp/chatsync/src/cache"
	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/conn"
	"github.com/orchestra-mcp/chatsync/src/dispatch"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/loop"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/restapi"
	"github.com/orchestra-mcp/chatsync/src/storage"
	"github.com/orchestra-mcp/chatsync/src/syncengine"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// HistoryQuery and HistoryPage are the history paging types.
type (
	HistoryQuery = syncengine.HistoryQuery
	HistoryPage  = syncengine.HistoryPage
)

// Options override the collaborators New would otherwise build from the
// configuration. Every field is optional.
type Options struct {
	Logger    zerolog.Logger
	Clock     clock.Clock
	Store     storage.Store
	Transport transport.Factory
	// NetDial replaces the socket's network dial.
	NetDial func(network, addr string) (net.Conn, error)
	// HTTPDial replaces the REST client's network dial.
	HTTPDial fasthttp.DialFunc
	// Metrics, when set, counts events and times backend calls.
	Metrics *metrics.Metrics
}

// Client is one SDK instance. Several may coexist, each with its own
// connection and cache.
type Client struct {
	cfg    *config.ClientConfig
	logger zerolog.Logger
	clock  clock.Clock

	loop    *loop.Loop
	events  *dispatch.Dispatcher
	store   storage.Store
	cache   *cache.Cache
	api     *restapi.Client
	engine  *syncengine.Engine
	manager *conn.Manager
	metrics *metrics.Metrics

	mu       sync.Mutex
	relay    bridge.Bridge
	relayGen uint64
	closed   bool
}

// New builds a Client and starts its event loop. It does not connect.
func New(cfg *config.ClientConfig, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	logger := opts.Logger
	c := &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "client").Logger(),
		clock:   opts.Clock,
		loop:    loop.New(logger),
		events:  dispatch.New(logger),
		metrics: opts.Metrics,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}

	c.store = opts.Store
	if c.store == nil {
		switch cfg.Storage {
		case config.StorageRedis:
			rs := storage.NewRedisStore(&cfg.Redis)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeoutDuration())
			err := rs.Ping(ctx)
			cancel()
			if err != nil {
				_ = rs.Close()
				return nil, errors.Wrap(err, "redis store unavailable")
			}
			c.store = rs
		default:
			c.store = storage.NewMemoryStore()
		}
	}
	c.cache = cache.New(c.store, storage.Keys{Prefix: cfg.Redis.Prefix}, cfg.CacheLimit, logger)

	c.api = restapi.New(restapi.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.RequestTimeoutDuration(),
		Dial:    opts.HTTPDial,
	}, logger)

	var api syncengine.API = c.api
	if c.metrics != nil {
		api = instrument(api, c.metrics)
		observeEvents(c.events, c.metrics)
	}

	c.engine = syncengine.New(syncengine.Options{
		Cache:    c.cache,
		API:      api,
		Loop:     c.loop,
		Events:   c.events,
		Timeout:  cfg.RequestTimeoutDuration(),
		PageSize: cfg.ConversationPageSize,
	}, logger)

	factory := opts.Transport
	if factory == nil {
		factory = transport.NewWebSocketFactory(transport.NewWSDialer(cfg.HandshakeTimeout(), opts.NetDial), logger)
	}
	c.manager = conn.NewManager(conn.Options{
		Config:    cfg,
		Transport: factory,
		Clock:     c.clock,
		Loop:      c.loop,
		Sink:      c.engine,
		Events:    c.events,
	}, logger)

	// A forced logout is terminal for this process, so it stops hearing
	// the account's events too. Kicks are never relayed, so this only
	// fires for the local connection.
	c.events.On(types.EventKickedOut, func(dispatch.Event) {
		if rb := c.detachRelay(); rb != nil {
			go c.stopBridge(rb)
		}
	})

	go c.loop.Run()
	return c, nil
}

// Config returns the client's configuration.
func (c *Client) Config() *config.ClientConfig { return c.cfg }

// Metrics returns the collectors given in Options, or nil.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// post runs fn on the loop, or fails done when the client is closed.
func post[T any](c *Client, done func(errs.Result[T]), fn func()) {
	if !c.loop.Post(fn) {
		errs.Deliver(done, errs.Fail[T](errs.New(errs.KindFatalSession, errs.CodeUnknown, "client closed")))
	}
}

// loggedIn guards operations that talk to the backend.
func (c *Client) loggedIn() *errs.Error {
	if !c.manager.Session().LoggedIn {
		return errs.NotLoggedIn()
	}
	return nil
}

// bound guards cache reads, which stay available while reconnecting.
func (c *Client) bound() *errs.Error {
	if c.manager.Session().UserID == "" || c.engine.UserID() == "" {
		return errs.NotLoggedIn()
	}
	return nil
}

// Connect opens the connection and logs in. done receives the profile or
// a classified failure exactly once; it may be nil.
func (c *Client) Connect(userID, token string, done func(errs.Result[types.Profile])) {
	post(c, done, func() {
		c.manager.Connect(userID, token, func(r errs.Result[types.Profile]) {
			if r.IsOk() {
				c.startRelay(userID)
			}
			errs.Deliver(done, r)
		})
	})
}

// DisConnect closes the connection and stops reconnecting.
func (c *Client) DisConnect() {
	c.loop.Post(c.manager.DisConnect)
	c.stopRelay()
}

// ReadyState returns the connection state.
func (c *Client) ReadyState() types.ConnectionState {
	state := types.StateClosed
	c.loop.Do(func() { state = c.manager.ReadyState() })
	return state
}

// Session returns a copy of the current session.
func (c *Client) Session() types.Session {
	var s types.Session
	c.loop.Do(func() { s = c.manager.Session() })
	return s
}

// GetHistoryMessageList returns one page of a conversation's history.
func (c *Client) GetHistoryMessageList(q HistoryQuery, done func(errs.Result[HistoryPage])) {
	post(c, done, func() {
		if err := c.bound(); err != nil {
			errs.Deliver(done, errs.Fail[HistoryPage](err))
			return
		}
		c.engine.GetHistoryMessageList(q, done)
	})
}

// RefreshConversation re-checks one conversation against the backend and
// returns its local window.
func (c *Client) RefreshConversation(conversationID string, done func(errs.Result[[]types.Message])) {
	post(c, done, func() {
		if err := c.loggedIn(); err != nil {
			errs.Deliver(done, errs.Fail[[]types.Message](err))
			return
		}
		c.engine.Refresh(conversationID, done)
	})
}

// CreateTextMessage builds an unsent private or group text message from
// the logged-in user. The conversation of a message is named after its
// recipient.
func (c *Client) CreateTextMessage(to, conversationType, text string) (types.Message, error) {
	if to == "" {
		return types.Message{}, errs.Invalid("to is required")
	}
	if conversationType == "" {
		conversationType = types.ConversationPrivate
	}
	if conversationType != types.ConversationPrivate && conversationType != types.ConversationGroup {
		return types.Message{}, errs.Invalid("unknown conversation type %q", conversationType)
	}
	from := c.Session().UserID
	if from == "" {
		return types.Message{}, errs.NotLoggedIn()
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return types.Message{}, errs.Invalid("encode body: %v", err)
	}
	return types.Message{
		MessageID:        uuid.NewString(),
		ConversationID:   to,
		ConversationType: conversationType,
		From:             from,
		To:               to,
		Type:             types.MessageText,
		Body:             body,
		Time:             c.clock.Now().UnixMilli(),
	}, nil
}

// SendMessage saves msg and caches the server's copy.
func (c *Client) SendMessage(msg types.Message, done func(errs.Result[types.Message])) {
	post(c, done, func() {
		if err := c.loggedIn(); err != nil {
			errs.Deliver(done, errs.Fail[types.Message](err))
			return
		}
		c.engine.SendMessage(msg, done)
	})
}

// RevokeMessage withdraws a sent message.
func (c *Client) RevokeMessage(msg types.Message, done func(errs.Result[types.Message])) {
	post(c, done, func() {
		if err := c.loggedIn(); err != nil {
			errs.Deliver(done, errs.Fail[types.Message](err))
			return
		}
		c.engine.RevokeMessage(msg, done)
	})
}

// DeleteMessage deletes a message for the logged-in user.
func (c *Client) DeleteMessage(msg types.Message, done func(errs.Result[types.Message])) {
	post(c, done, func() {
		if err := c.loggedIn(); err != nil {
			errs.Deliver(done, errs.Fail[types.Message](err))
			return
		}
		c.engine.DeleteMessage(msg, done)
	})
}

// GetConversationList returns the local conversation index.
func (c *Client) GetConversationList(done func(errs.Result[[]types.Conversation])) {
	post(c, done, func() {
		if err := c.bound(); err != nil {
			errs.Deliver(done, errs.Fail[[]types.Conversation](err))
			return
		}
		c.engine.GetConversationList(done)
	})
}

// GetConversation returns one conversation of the local index.
func (c *Client) GetConversation(conversationID string, done func(errs.Result[types.Conversation])) {
	post(c, done, func() {
		if err := c.bound(); err != nil {
			errs.Deliver(done, errs.Fail[types.Conversation](err))
			return
		}
		c.engine.GetConversation(conversationID, done)
	})
}

// ClearConversationUnread marks a conversation read.
func (c *Client) ClearConversationUnread(conversationID string, done func(errs.Result[types.Conversation])) {
	post(c, done, func() {
		if err := c.loggedIn(); err != nil {
			errs.Deliver(done, errs.Fail[types.Conversation](err))
			return
		}
		c.engine.ClearConversationUnread(conversationID, done)
	})
}

// DeleteConversation deletes a conversation and its cached history.
func (c *Client) DeleteConversation(conversationID string, done func(errs.Result[string])) {
	post(c, done, func() {
		if err := c.loggedIn(); err != nil {
			errs.Deliver(done, errs.Fail[string](err))
			return
		}
		c.engine.DeleteConversation(conversationID, done)
	})
}

// On subscribes to an event. Handlers for local events run on the loop
// goroutine; relayed events arrive on the relay's goroutine. Relayed
// payloads are decoded into the same types local events carry, and
// connection events (net_changed, kicked_out) are never relayed.
func (c *Client) On(event string, h dispatch.Handler) dispatch.Subscription {
	return c.events.On(event, h)
}

// Off removes a subscription.
func (c *Client) Off(sub dispatch.Subscription) bool {
	return c.events.Off(sub)
}

// Close disconnects, stops the loop and releases the store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.loop.Do(c.manager.DisConnect)
	c.loop.Stop()
	c.stopRelay()

	if rs, ok := c.store.(*storage.RedisStore); ok {
		return rs.Close()
	}
	return nil
}

// startRelay shares events with other processes logged in as the same
// user. It only runs with Redis storage and never blocks the loop.
func (c *Client) startRelay(userID string) {
	if c.cfg.Storage != config.StorageRedis {
		return
	}
	c.mu.Lock()
	if c.closed || c.relay != nil {
		c.mu.Unlock()
		return
	}
	c.relayGen++
	inbox := relayInbox{client: c, gen: c.relayGen}
	var rb bridge.Bridge = bridge.NewRedisBridge(&c.cfg.Redis, userID, inbox, c.logger)
	c.relay = rb
	c.mu.Unlock()

	go func() {
		if err := rb.Start(); err != nil {
			c.logger.Warn().Err(err).Msg("event relay unavailable, running standalone")
			c.mu.Lock()
			if c.relay == rb {
				c.relay = nil
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		current := c.relay == rb
		if current {
			c.events.SetRelay(rb)
		}
		c.mu.Unlock()
		if !current {
			_ = rb.Stop()
		}
	}()
}

func (c *Client) stopRelay() {
	if rb := c.detachRelay(); rb != nil {
		c.stopBridge(rb)
	}
}

// detachRelay unhooks the relay in both directions without waiting for
// its connection to close. Events the bridge still delivers are dropped.
func (c *Client) detachRelay() bridge.Bridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	rb := c.relay
	c.relay = nil
	c.relayGen++
	if rb != nil {
		c.events.SetRelay(nil)
	}
	return rb
}

func (c *Client) stopBridge(rb bridge.Bridge) {
	if !rb.Available() {
		return
	}
	if err := rb.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("event relay stop failed")
	}
}

// relayInbox forwards relayed events while its relay is the client's
// current one.
type relayInbox struct {
	client *Client
	gen    uint64
}

func (r relayInbox) EmitLocal(ev dispatch.Event) {
	r.client.mu.Lock()
	live := r.client.relayGen == r.gen
	r.client.mu.Unlock()
	if live {
		r.client.events.EmitLocal(ev)
	}
}
