package conn

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/loop"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records traffic and lets tests drive notifications.
type fakeTransport struct {
	mu       sync.Mutex
	url      string
	handlers transport.Handlers
	sent     []any
	closed   bool
}

func (f *fakeTransport) Open(url string, h transport.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	f.handlers = h
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	h := f.handlers
	f.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose()
	}
	return nil
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func (f *fakeTransport) open() { f.handlers.OnOpen() }
func (f *fakeTransport) receive(raw string) { f.handlers.OnMessage([]byte(raw)) }

func (f *fakeTransport) frame(code int, data any) {
	raw, _ := json.Marshal(data)
	body, _ := json.Marshal(types.Frame{Code: code, Data: raw})
	f.handlers.OnMessage(body)
}

// fail reports a remote failure: an error, then the close.
func (f *fakeTransport) fail() {
	f.handlers.OnError(errors.New("connection reset"))
	_ = f.Close()
}

type recordingSink struct {
	ingested []types.Message
	convs    []types.Conversation
	receipts []types.ReadReceipt
	revoked  []types.Message
	deleted  []types.Message
	resyncs  []types.Session
}

func (s *recordingSink) Ingest(msg types.Message) { s.ingested = append(s.ingested, msg) }
func (s *recordingSink) UpsertConversation(c types.Conversation) { s.convs = append(s.convs, c) }
func (s *recordingSink) ApplyReadReceipt(r types.ReadReceipt) { s.receipts = append(s.receipts, r) }
func (s *recordingSink) ApplyRevoke(msg types.Message) { s.revoked = append(s.revoked, msg) }
func (s *recordingSink) ApplyDelete(msg types.Message) { s.deleted = append(s.deleted, msg) }
func (s *recordingSink) Resync(session types.Session) { s.resyncs = append(s.resyncs, session) }

type event struct {
	name    string
	payload any
}

type recordingEmitter struct {
	events []event
}

func (e *recordingEmitter) Emit(name string, payload any) {
	e.events = append(e.events, event{name, payload})
}

func (e *recordingEmitter) count(name string, payload any) int {
	n := 0
	for _, ev := range e.events {
		if ev.name == name && (payload == nil || ev.payload == payload) {
			n++
		}
	}
	return n
}

type harness struct {
	t          *testing.T
	cfg        *config.ClientConfig
	loop       *loop.Loop
	clock      *clock.FakeClock
	mgr        *Manager
	sink       *recordingSink
	events     *recordingEmitter
	mu         sync.Mutex
	transports []*fakeTransport
}

func newHarness(t *testing.T, mutate func(*config.ClientConfig)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketURL = "ws://chat.test/ws/"
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		t:      t,
		cfg:    cfg,
		loop:   loop.New(zerolog.Nop()),
		clock:  clock.Fake(time.Unix(1700000000, 0)),
		sink:   &recordingSink{},
		events: &recordingEmitter{},
	}
	go h.loop.Run()
	t.Cleanup(h.loop.Stop)

	h.mgr = NewManager(Options{
		Config: cfg,
		Transport: func() transport.Transport {
			ft := &fakeTransport{}
			h.mu.Lock()
			h.transports = append(h.transports, ft)
			h.mu.Unlock()
			return ft
		},
		Clock:  h.clock,
		Loop:   h.loop,
		Sink:   h.sink,
		Events: h.events,
	}, zerolog.Nop())
	return h
}

// sync waits until every task posted so far, and their follow-ups, ran.
func (h *harness) sync() {
	for i := 0; i < 3; i++ {
		require.True(h.t, h.loop.Do(func() {}))
	}
}

func (h *harness) do(fn func()) {
	require.True(h.t, h.loop.Do(fn))
	h.sync()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.sync()
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) last() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.transports)
	return h.transports[len(h.transports)-1]
}

// connect starts an explicit connect and returns a channel for its result.
func (h *harness) connect(user, token string) <-chan errs.Result[types.Profile] {
	out := make(chan errs.Result[types.Profile], 1)
	h.do(func() {
		h.mgr.Connect(user, token, func(r errs.Result[types.Profile]) { out <- r })
	})
	return out
}

func (h *harness) login() {
	res := h.connect("u1", "t1")
	ft := h.last()
	ft.open()
	ft.frame(h.cfg.Codes.LoginSuccess, types.LoginResult{User: types.Profile{UserID: "u1", Nickname: "Ann"}})
	h.sync()
	r := <-res
	require.True(h.t, r.IsOk(), "login failed: %v", r.Err)
}

func (h *harness) state() (st types.ConnectionState, session types.Session, retry types.RetryState, hb bool) {
	h.do(func() {
		st, session, retry, hb = h.mgr.ReadyState(), h.mgr.Session(), h.mgr.Retry(), h.mgr.HeartbeatRunning()
	})
	return
}

func TestConnectRequiresCredentials(t *testing.T) {
	h := newHarness(t, nil)

	r := <-h.connect("", "t1")
	require.False(t, r.IsOk())
	assert.Equal(t, errs.KindAuthentication, r.Err.Kind)

	r = <-h.connect("u1", "")
	assert.Equal(t, errs.KindAuthentication, r.Err.Kind)
	assert.Equal(t, 0, h.transportCount())
}

func TestHandshakeSuccess(t *testing.T) {
	h := newHarness(t, nil)

	res := h.connect("u1", "t1")
	ft := h.last()
	assert.Equal(t, "ws://chat.test/ws/u1/t1", ft.url)

	st, _, _, _ := h.state()
	assert.Equal(t, types.StateConnecting, st)

	ft.open()
	h.sync()
	assert.Equal(t, 1, h.events.count(types.EventNetChanged, types.NetConnected))

	ft.frame(h.cfg.Codes.LoginSuccess, types.LoginResult{User: types.Profile{UserID: "u1", Nickname: "Ann"}})
	h.sync()

	r := <-res
	require.True(t, r.IsOk())
	assert.Equal(t, "Ann", r.Value.Nickname)

	st, session, retry, hb := h.state()
	assert.Equal(t, types.StateOpen, st)
	assert.True(t, session.LoggedIn)
	assert.Equal(t, "t1", session.Token)
	assert.Equal(t, 0, retry.Attempts)
	assert.True(t, retry.Allowed)
	assert.True(t, hb)
	require.Len(t, h.sink.resyncs, 1)
	assert.Equal(t, "u1", h.sink.resyncs[0].UserID)

	// The handshake timer no longer fires.
	h.advance(h.cfg.HandshakeTimeout())
	st, _, _, _ = h.state()
	assert.Equal(t, types.StateOpen, st)
}

func TestLoginProfileFallsBackToUserID(t *testing.T) {
	h := newHarness(t, nil)

	res := h.connect("u1", "t1")
	h.last().receive(`{"code":201}`)
	h.sync()

	r := <-res
	require.True(t, r.IsOk())
	assert.Equal(t, "u1", r.Value.UserID)
}

func TestHandshakeRejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)

	res := h.connect("u1", "bad")
	ft := h.last()
	ft.receive(`{"code":10103,"message":"token invalid"}`)
	h.sync()

	r := <-res
	require.False(t, r.IsOk())
	assert.Equal(t, errs.KindAuthentication, r.Err.Kind)
	assert.Equal(t, 10103, r.Err.Code)
	assert.Equal(t, "token invalid", r.Err.Message)
	assert.True(t, ft.IsClosed())

	st, session, retry, hb := h.state()
	assert.Equal(t, types.StateClosed, st)
	assert.True(t, session.Empty())
	assert.False(t, retry.Allowed)
	assert.False(t, hb)

	h.advance(10 * h.cfg.ReconnectDelay())
	assert.Equal(t, 1, h.transportCount())
}

func TestMalformedFrameDuringHandshakeIsDropped(t *testing.T) {
	h := newHarness(t, nil)

	res := h.connect("u1", "t1")
	h.last().receive(`not json`)
	h.sync()
	assert.Len(t, res, 0)

	h.last().receive(`{"code":201,"data":{"user":{"userId":"u1"}}}`)
	h.sync()
	assert.True(t, (<-res).IsOk())
}

func TestHandshakeTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, nil)

	res := h.connect("u1", "t1")
	first := h.last()
	first.open()
	h.sync()

	h.advance(h.cfg.HandshakeTimeout())
	r := <-res
	require.False(t, r.IsOk())
	assert.Equal(t, errs.KindNetwork, r.Err.Kind)
	assert.True(t, first.IsClosed())

	_, _, retry, _ := h.state()
	assert.Equal(t, 1, retry.Attempts)
	assert.True(t, retry.Locked)
	assert.Equal(t, 1, h.events.count(types.EventNetChanged, types.NetConnecting))

	h.advance(h.cfg.ReconnectDelay())
	require.Equal(t, 2, h.transportCount())
	assert.Equal(t, first.url, h.last().url)

	_, _, retry, _ = h.state()
	assert.False(t, retry.Locked)
}

func TestReconnectCeiling(t *testing.T) {
	h := newHarness(t, func(cfg *config.ClientConfig) { cfg.ReConnectTotal = 3 })

	res := h.connect("u1", "t1")
	h.last().fail()
	h.sync()
	assert.Equal(t, errs.KindNetwork, (<-res).Err.Kind)

	for i := 0; i < 3; i++ {
		h.advance(h.cfg.ReconnectDelay())
		require.Equal(t, i+2, h.transportCount())
		h.last().fail()
		h.sync()
	}

	_, _, retry, _ := h.state()
	assert.False(t, retry.Allowed)
	assert.Equal(t, 3, retry.Attempts)

	h.advance(10 * h.cfg.ReconnectDelay())
	assert.Equal(t, 4, h.transportCount())
}

func TestUnboundedReconnect(t *testing.T) {
	h := newHarness(t, func(cfg *config.ClientConfig) { cfg.ReConnectTotal = 0 })

	h.connect("u1", "t1")
	for i := 0; i < 25; i++ {
		h.last().fail()
		h.sync()
		h.advance(h.cfg.ReconnectDelay())
	}
	_, _, retry, _ := h.state()
	assert.True(t, retry.Allowed)
	assert.Equal(t, 26, h.transportCount())
}

func TestSuccessfulLoginResetsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.login()

	h.last().fail()
	h.sync()
	_, session, retry, hb := h.state()
	assert.False(t, session.LoggedIn)
	assert.False(t, hb)
	assert.Equal(t, 1, retry.Attempts)
	assert.Equal(t, 1, h.events.count(types.EventNetChanged, types.NetError))
	assert.Equal(t, 1, h.events.count(types.EventNetChanged, types.NetClosed))

	h.advance(h.cfg.ReconnectDelay())
	ft := h.last()
	ft.frame(h.cfg.Codes.LoginSuccess, types.LoginResult{})
	h.sync()

	st, session, retry, _ := h.state()
	assert.Equal(t, types.StateOpen, st)
	assert.True(t, session.LoggedIn)
	assert.Equal(t, 0, retry.Attempts)
	assert.Len(t, h.sink.resyncs, 2)
}

func TestFramesRoutedAfterLogin(t *testing.T) {
	h := newHarness(t, nil)
	h.login()
	ft := h.last()
	codes := h.cfg.Codes

	ft.frame(codes.Message, types.Message{MessageID: "m1", ConversationID: "c1", Sequence: 1})
	ft.frame(codes.Conversation, types.Conversation{ConversationID: "c1"})
	ft.frame(codes.ReadReceipt, types.ReadReceipt{ConversationID: "c1"})
	ft.frame(codes.Revoke, types.Message{MessageID: "m1", ConversationID: "c1"})
	ft.frame(codes.Delete, types.Message{MessageID: "m1", ConversationID: "c1"})
	ft.frame(999, map[string]string{"x": "y"})
	ft.receive(`{"code":200}`)
	ft.receive(`{"code":200,"data":"not an object"}`)
	ft.receive(`garbage`)
	h.sync()

	require.Len(t, h.sink.ingested, 1)
	assert.Equal(t, "m1", h.sink.ingested[0].MessageID)
	assert.Len(t, h.sink.convs, 1)
	assert.Len(t, h.sink.receipts, 1)
	assert.Len(t, h.sink.revoked, 1)
	assert.Len(t, h.sink.deleted, 1)

	st, _, _, _ := h.state()
	assert.Equal(t, types.StateOpen, st)
}

func TestForcedLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.login()
	ft := h.last()

	ft.frame(h.cfg.Codes.KickedOut, nil)
	ft.receive(`{"code":109}`)
	h.sync()

	st, session, retry, hb := h.state()
	assert.Equal(t, types.StateClosed, st)
	assert.True(t, session.Empty())
	assert.False(t, retry.Allowed)
	assert.False(t, hb)
	assert.True(t, ft.IsClosed())
	assert.Equal(t, 1, h.events.count(types.EventKickedOut, nil))

	h.advance(5 * h.cfg.HeartbeatInterval())
	assert.Equal(t, 1, h.transportCount())
	assert.Empty(t, ft.Sent())
}

func TestHeartbeatPingsAndClosesDeadConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.login()
	ft := h.last()
	interval := h.cfg.HeartbeatInterval()

	h.advance(interval)
	require.Len(t, ft.Sent(), 1)
	assert.Equal(t, types.PingFrame(), ft.Sent()[0])
	assert.False(t, ft.IsClosed())

	h.advance(interval)
	assert.True(t, ft.IsClosed())

	_, session, retry, hb := h.state()
	assert.False(t, session.LoggedIn)
	assert.False(t, hb)
	assert.Equal(t, 1, retry.Attempts)

	h.advance(h.cfg.ReconnectDelay())
	assert.Equal(t, 2, h.transportCount())
}

func TestHeartbeatTrafficDefersPing(t *testing.T) {
	h := newHarness(t, nil)
	h.login()
	ft := h.last()
	interval := h.cfg.HeartbeatInterval()

	// Traffic just before each deadline keeps the connection quiet.
	for i := 0; i < 3; i++ {
		h.advance(interval - time.Second)
		ft.receive(`{"code":999}`)
		h.sync()
	}
	assert.Empty(t, ft.Sent())

	h.advance(interval)
	require.Len(t, ft.Sent(), 1)

	// An answer to the ping cancels the watchdog.
	h.advance(interval / 2)
	ft.receive(`{"code":999}`)
	h.sync()
	h.advance(interval - time.Second)
	assert.False(t, ft.IsClosed())
	assert.Len(t, ft.Sent(), 1)
}

func TestDisConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.login()
	ft := h.last()

	h.do(h.mgr.DisConnect)

	st, session, retry, hb := h.state()
	assert.Equal(t, types.StateClosed, st)
	assert.True(t, session.Empty())
	assert.False(t, retry.Allowed)
	assert.False(t, hb)
	assert.True(t, ft.IsClosed())
	assert.Equal(t, 1, h.events.count(types.EventNetChanged, types.NetClosed))

	h.advance(10 * h.cfg.ReconnectDelay())
	assert.Equal(t, 1, h.transportCount())

	// A new Connect revives the session.
	h.login()
	st, _, retry, _ = h.state()
	assert.Equal(t, types.StateOpen, st)
	assert.True(t, retry.Allowed)
}

func TestDisConnectCancelsPendingRedial(t *testing.T) {
	h := newHarness(t, nil)
	h.login()
	h.last().fail()
	h.sync()

	h.do(h.mgr.DisConnect)
	h.advance(h.cfg.ReconnectDelay())
	assert.Equal(t, 1, h.transportCount())
}

func TestStaleTransportIsIgnored(t *testing.T) {
	h := newHarness(t, nil)

	first := h.connect("u1", "t1")
	stale := h.last()
	second := h.connect("u1", "t2")
	current := h.last()
	require.NotSame(t, stale, current)
	assert.True(t, stale.IsClosed())

	// The superseded attempt is reported as closed.
	r := <-first
	assert.Equal(t, errs.KindNetwork, r.Err.Kind)

	stale.receive(`{"code":201}`)
	stale.handlers.OnError(errors.New("late"))
	h.sync()

	st, _, retry, _ := h.state()
	assert.Equal(t, types.StateConnecting, st)
	assert.Equal(t, 0, retry.Attempts)
	assert.Len(t, second, 0)

	current.receive(`{"code":201}`)
	h.sync()
	assert.True(t, (<-second).IsOk())
}
