package client

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/bridge"
	"github.com/orchestra-mcp/chatsync/src/devserver"
	"github.com/orchestra-mcp/chatsync/src/dispatch"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"
)

const waitFor = 3 * time.Second

type env struct {
	srv *devserver.Server
	ln  *fasthttputil.InmemoryListener
}

func newEnv(t *testing.T, opts devserver.Options) *env {
	t.Helper()
	srv := devserver.New(opts, zerolog.Nop())
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Hub().Stop()
		_ = ln.Close()
	})
	return &env{srv: srv, ln: ln}
}

func (e *env) client(t *testing.T, mutate func(*config.ClientConfig)) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketURL = "ws://chat.local/ws"
	cfg.BaseURL = "http://chat.local"
	cfg.ReConnectInterval = 50
	cfg.RequestTimeout = 2000
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg, Options{
		Logger:   zerolog.Nop(),
		NetDial:  func(string, string) (net.Conn, error) { return e.ln.Dial() },
		HTTPDial: func(string) (net.Conn, error) { return e.ln.Dial() },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// await calls op and waits for its continuation.
func await[T any](t *testing.T, op func(func(errs.Result[T]))) errs.Result[T] {
	t.Helper()
	ch := make(chan errs.Result[T], 1)
	op(func(r errs.Result[T]) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
		return errs.Result[T]{}
	}
}

// login connects and waits for the post-login resync to publish the
// conversation list, so later frames are not overwritten by it.
func login(t *testing.T, c *Client, user string) types.Profile {
	t.Helper()
	synced := make(chan struct{}, 1)
	sub := c.On(types.EventConversationListChanged, func(dispatch.Event) {
		select {
		case synced <- struct{}{}:
		default:
		}
	})
	defer c.Off(sub)

	r := await(t, func(done func(errs.Result[types.Profile])) { c.Connect(user, "t-"+user, done) })
	require.True(t, r.IsOk(), "%v", r.Err)
	select {
	case <-synced:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for resync")
	}
	return r.Value
}

// watch buffers every event named name.
func watch(c *Client, name string) chan dispatch.Event {
	ch := make(chan dispatch.Event, 64)
	c.On(name, func(ev dispatch.Event) { ch <- ev })
	return ch
}

func next(t *testing.T, ch chan dispatch.Event) dispatch.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return dispatch.Event{}
	}
}

// conversationListWith waits until a conversation_list_changed event lists id.
func conversationListWith(t *testing.T, ch chan dispatch.Event, id string) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-ch:
			for _, conv := range ev.Payload.([]types.Conversation) {
				if conv.ConversationID == id {
					return
				}
			}
		case <-deadline:
			t.Fatalf("conversation %s never listed", id)
		}
	}
}

func send(t *testing.T, c *Client, to, text string) types.Message {
	t.Helper()
	msg, err := c.CreateTextMessage(to, types.ConversationPrivate, text)
	require.NoError(t, err)
	r := await(t, func(done func(errs.Result[types.Message])) { c.SendMessage(msg, done) })
	require.True(t, r.IsOk(), "%v", r.Err)
	return r.Value
}

func TestClient_ConnectAndLogin(t *testing.T) {
	e := newEnv(t, devserver.Options{})
	e.srv.Data().Register("alice", "t-alice", "Alice")
	c := e.client(t, nil)
	netEvents := watch(c, types.EventNetChanged)

	p := login(t, c, "alice")
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "Alice", p.Nickname)
	assert.Equal(t, types.StateOpen, c.ReadyState())

	s := c.Session()
	assert.True(t, s.LoggedIn)
	assert.Equal(t, "t-alice", s.Token)
	assert.Equal(t, types.NetConnected, next(t, netEvents).Payload)
}

func TestClient_ConnectRejected(t *testing.T) {
	e := newEnv(t, devserver.Options{})
	e.srv.Data().Register("alice", "t-other", "Alice")
	c := e.client(t, nil)

	r := await(t, func(done func(errs.Result[types.Profile])) { c.Connect("alice", "t-alice", done) })
	require.False(t, r.IsOk())
	assert.Equal(t, errs.KindAuthentication, r.Err.Kind)
	assert.Equal(t, errs.CodeLoginError, r.Err.Code)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, e.srv.Hub().Online("alice"))
	assert.False(t, c.Session().LoggedIn)
}

func TestClient_ConnectRequiresCredentials(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)

	r := await(t, func(done func(errs.Result[types.Profile])) { c.Connect("", "", done) })
	require.False(t, r.IsOk())
	assert.Equal(t, errs.KindAuthentication, r.Err.Kind)
	assert.Equal(t, types.StateIdle, c.ReadyState())
}

func TestClient_OperationsRequireLogin(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)

	_, err := c.CreateTextMessage("bob", "", "hi")
	assert.True(t, errs.IsKind(err, errs.KindAuthentication))

	msg := types.Message{MessageID: "m1", ConversationID: "bob", To: "bob"}
	sent := await(t, func(done func(errs.Result[types.Message])) { c.SendMessage(msg, done) })
	assert.Equal(t, errs.KindAuthentication, sent.Err.Kind)

	list := await(t, func(done func(errs.Result[[]types.Conversation])) { c.GetConversationList(done) })
	assert.Equal(t, errs.KindAuthentication, list.Err.Kind)

	page := await(t, func(done func(errs.Result[HistoryPage])) {
		c.GetHistoryMessageList(HistoryQuery{ConversationID: "bob"}, done)
	})
	assert.Equal(t, errs.KindAuthentication, page.Err.Kind)

	del := await(t, func(done func(errs.Result[string])) { c.DeleteConversation("bob", done) })
	assert.Equal(t, errs.KindAuthentication, del.Err.Kind)
}

func TestClient_CreateTextMessage(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)
	login(t, c, "alice")

	msg, err := c.CreateTextMessage("bob", "", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "bob", msg.ConversationID)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, types.ConversationPrivate, msg.ConversationType)
	assert.JSONEq(t, `{"text":"hello"}`, string(msg.Body))

	other, err := c.CreateTextMessage("bob", "", "hello")
	require.NoError(t, err)
	assert.NotEqual(t, msg.MessageID, other.MessageID)

	_, err = c.CreateTextMessage("", "", "x")
	assert.True(t, errs.IsKind(err, errs.KindInvalidArgument))
	_, err = c.CreateTextMessage("bob", "channel", "x")
	assert.True(t, errs.IsKind(err, errs.KindInvalidArgument))
}

func TestClient_SendAndReceive(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	alice := e.client(t, nil)
	bob := e.client(t, nil)
	login(t, alice, "alice")
	login(t, bob, "bob")
	received := watch(bob, types.EventMessageReceived)
	bobList := watch(bob, types.EventConversationListChanged)

	sent := send(t, alice, "bob", "hi bob")
	assert.Equal(t, "sent", sent.Status)
	assert.Positive(t, sent.Sequence)

	got := next(t, received).Payload.(types.Message)
	assert.Equal(t, sent.MessageID, got.MessageID)
	assert.Equal(t, "alice", got.ConversationID)
	conversationListWith(t, bobList, "alice")

	conv := await(t, func(done func(errs.Result[types.Conversation])) { bob.GetConversation("alice", done) })
	require.True(t, conv.IsOk())
	assert.Equal(t, 1, conv.Value.UnreadCount)

	page := await(t, func(done func(errs.Result[HistoryPage])) {
		bob.GetHistoryMessageList(HistoryQuery{ConversationID: "alice", Limit: 10}, done)
	})
	require.True(t, page.IsOk(), "%v", page.Err)
	require.Len(t, page.Value.Messages, 1)
	assert.Equal(t, sent.MessageID, page.Value.Messages[0].MessageID)

	list := await(t, func(done func(errs.Result[[]types.Conversation])) { alice.GetConversationList(done) })
	require.True(t, list.IsOk())
	require.NotEmpty(t, list.Value)
	assert.Equal(t, "bob", list.Value[0].ConversationID)
	assert.Equal(t, sent.MessageID, list.Value[0].LastMessageID())
}

func TestClient_HistoryPagesThroughBackend(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	for i := 1; i <= 30; i++ {
		e.srv.Data().Save("alice", types.Message{
			MessageID: fmt.Sprintf("m%02d", i), ConversationID: "bob", To: "bob", Type: types.MessageText,
		})
	}
	bob := e.client(t, nil)
	login(t, bob, "bob")

	first := await(t, func(done func(errs.Result[HistoryPage])) {
		bob.GetHistoryMessageList(HistoryQuery{ConversationID: "alice", Limit: 10}, done)
	})
	require.True(t, first.IsOk(), "%v", first.Err)
	require.Len(t, first.Value.Messages, 10)
	assert.Equal(t, "m21", first.Value.Messages[0].MessageID)
	assert.Equal(t, "m30", first.Value.Messages[9].MessageID)
	assert.Equal(t, "m21", first.Value.NextMessageID)

	second := await(t, func(done func(errs.Result[HistoryPage])) {
		bob.GetHistoryMessageList(HistoryQuery{ConversationID: "alice", NextMessageID: "m21", Limit: 10}, done)
	})
	require.True(t, second.IsOk(), "%v", second.Err)
	require.Len(t, second.Value.Messages, 10)
	assert.Equal(t, "m11", second.Value.Messages[0].MessageID)
	assert.Equal(t, "m20", second.Value.Messages[9].MessageID)

	last := await(t, func(done func(errs.Result[HistoryPage])) {
		bob.GetHistoryMessageList(HistoryQuery{ConversationID: "alice", NextMessageID: "m01", Limit: 10}, done)
	})
	require.True(t, last.IsOk())
	assert.Empty(t, last.Value.Messages)
	assert.Empty(t, last.Value.NextMessageID)
}

func TestClient_ResyncOnLogin(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	e.srv.Data().Save("alice", types.Message{MessageID: "m1", ConversationID: "bob", To: "bob"})
	e.srv.Data().Save("carol", types.Message{MessageID: "m2", ConversationID: "bob", To: "bob"})
	bob := e.client(t, nil)
	lists := watch(bob, types.EventConversationListChanged)
	login(t, bob, "bob")

	ev := next(t, lists)
	convs := ev.Payload.([]types.Conversation)
	require.Len(t, convs, 2)
	ids := []string{convs[0].ConversationID, convs[1].ConversationID}
	assert.ElementsMatch(t, []string{"alice", "carol"}, ids)
}

func TestClient_RevokeReachesPeer(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	alice := e.client(t, nil)
	bob := e.client(t, nil)
	login(t, alice, "alice")
	login(t, bob, "bob")
	received := watch(bob, types.EventMessageReceived)
	revoked := watch(bob, types.EventMessageRevoked)

	sent := send(t, alice, "bob", "oops")
	next(t, received)

	r := await(t, func(done func(errs.Result[types.Message])) { alice.RevokeMessage(sent, done) })
	require.True(t, r.IsOk(), "%v", r.Err)
	assert.True(t, r.Value.IsRevoked)

	got := next(t, revoked).Payload.(types.Message)
	assert.Equal(t, sent.MessageID, got.MessageID)
	assert.True(t, got.IsRevoked)
}

func TestClient_DeleteMessageIsLocal(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	alice := e.client(t, nil)
	login(t, alice, "alice")
	deleted := watch(alice, types.EventMessageDeleted)
	sent := send(t, alice, "bob", "bye")

	r := await(t, func(done func(errs.Result[types.Message])) { alice.DeleteMessage(sent, done) })
	require.True(t, r.IsOk(), "%v", r.Err)
	assert.True(t, r.Value.IsDeleted)
	assert.Equal(t, sent.MessageID, next(t, deleted).Payload.(types.Message).MessageID)
}

func TestClient_ClearUnreadSendsReadReceipt(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	alice := e.client(t, nil)
	bob := e.client(t, nil)
	login(t, alice, "alice")
	login(t, bob, "bob")
	receipts := watch(alice, types.EventPrivateReadReceipt)
	bobList := watch(bob, types.EventConversationListChanged)

	sent := send(t, alice, "bob", "read me")
	conversationListWith(t, bobList, "alice")

	r := await(t, func(done func(errs.Result[types.Conversation])) { bob.ClearConversationUnread("alice", done) })
	require.True(t, r.IsOk(), "%v", r.Err)
	assert.Zero(t, r.Value.UnreadCount)

	rr := next(t, receipts).Payload.(types.ReadReceipt)
	assert.Equal(t, "bob", rr.ConversationID)
	assert.Equal(t, []string{sent.MessageID}, rr.MessageIDs)
}

func TestClient_DeleteConversation(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	alice := e.client(t, nil)
	login(t, alice, "alice")
	send(t, alice, "bob", "hi")

	r := await(t, func(done func(errs.Result[string])) { alice.DeleteConversation("bob", done) })
	require.True(t, r.IsOk(), "%v", r.Err)

	conv := await(t, func(done func(errs.Result[types.Conversation])) { alice.GetConversation("bob", done) })
	require.False(t, conv.IsOk())
	assert.Equal(t, errs.KindDataInconsistency, conv.Err.Kind)
}

func TestClient_KickedOut(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)
	login(t, c, "alice")
	kicked := watch(c, types.EventKickedOut)

	require.True(t, e.srv.Hub().Kick("alice"))
	assert.Equal(t, true, next(t, kicked).Payload)

	assert.Eventually(t, func() bool { return c.ReadyState() == types.StateClosed }, waitFor, 10*time.Millisecond)
	assert.False(t, c.Session().LoggedIn)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, e.srv.Hub().Online("alice"))
	assert.Empty(t, kicked)

	list := await(t, func(done func(errs.Result[[]types.Conversation])) { c.GetConversationList(done) })
	assert.Equal(t, errs.KindAuthentication, list.Err.Kind)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)
	login(t, c, "alice")
	netEvents := watch(c, types.EventNetChanged)

	require.True(t, e.srv.Hub().Drop("alice"))

	seen := map[any]bool{}
	deadline := time.After(waitFor)
	for !seen[types.NetConnected] {
		select {
		case ev := <-netEvents:
			seen[ev.Payload] = true
		case <-deadline:
			t.Fatalf("never reconnected, saw %v", seen)
		}
	}
	assert.True(t, seen[types.NetConnecting])
	assert.Eventually(t, func() bool { return c.Session().LoggedIn }, waitFor, 10*time.Millisecond)
	assert.True(t, e.srv.Hub().Online("alice"))
	assert.Equal(t, types.StateOpen, c.ReadyState())
}

func TestClient_DisConnectStopsReconnecting(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)
	login(t, c, "alice")

	c.DisConnect()
	assert.Eventually(t, func() bool { return c.ReadyState() == types.StateClosed }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !e.srv.Hub().Online("alice") }, waitFor, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, e.srv.Hub().Online("alice"))
	assert.True(t, c.Session().Empty())
}

func TestClient_CloseFailsLaterCalls(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	c := e.client(t, nil)
	login(t, c, "alice")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	r := await(t, func(done func(errs.Result[[]types.Conversation])) { c.GetConversationList(done) })
	require.False(t, r.IsOk())
	assert.Equal(t, errs.KindFatalSession, r.Err.Kind)
	assert.Equal(t, types.StateClosed, c.ReadyState())
}

func TestClient_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CacheLimit = 0
	_, err := New(cfg, Options{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestClient_RedisStorageAndRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newEnv(t, devserver.Options{Open: true})
	withRedis := func(cfg *config.ClientConfig) {
		cfg.Storage = config.StorageRedis
		cfg.Redis.Addr = mr.Addr()
	}
	alice := e.client(t, withRedis)
	bob := e.client(t, nil)
	login(t, alice, "alice")
	login(t, bob, "bob")

	// A second process of alice's, listening on the relay only.
	remote := dispatch.New(zerolog.Nop())
	relayed := make(chan dispatch.Event, 16)
	remote.On(types.EventMessageReceived, func(ev dispatch.Event) { relayed <- ev })
	rcfg := config.DefaultRedisConfig()
	rcfg.Addr = mr.Addr()
	peer := bridge.NewRedisBridge(rcfg, "alice", remote, zerolog.Nop())
	require.NoError(t, peer.Start())
	t.Cleanup(func() { _ = peer.Stop() })

	channel := rcfg.Prefix + "events:alice"
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 2
	}, waitFor, 10*time.Millisecond)

	sent := send(t, bob, "alice", "over redis")

	ev := next(t, relayed)
	got, ok := ev.Payload.(types.Message)
	require.True(t, ok, "payload is %T", ev.Payload)
	assert.Equal(t, sent.MessageID, got.MessageID)
	assert.Equal(t, "bob", got.ConversationID)

	assert.Eventually(t, func() bool {
		for _, k := range mr.Keys() {
			if strings.HasPrefix(k, "chatsync:messages:") {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestClient_KickStopsRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newEnv(t, devserver.Options{Open: true})
	withRedis := func(cfg *config.ClientConfig) {
		cfg.Storage = config.StorageRedis
		cfg.Redis.Addr = mr.Addr()
	}
	first := e.client(t, withRedis)
	second := e.client(t, withRedis)
	bob := e.client(t, nil)
	login(t, bob, "bob")

	channel := config.DefaultRedisConfig().Prefix + "events:alice"
	login(t, first, "alice")
	require.Eventually(t, func() bool { return mr.PubSubNumSub(channel)[channel] == 1 }, waitFor, 10*time.Millisecond)

	kicked := watch(first, types.EventKickedOut)
	login(t, second, "alice")
	next(t, kicked)

	relayOf := func(c *Client) bridge.Bridge {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.relay
	}
	require.Eventually(t, func() bool { return relayOf(first) == nil }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		rb := relayOf(second)
		return rb != nil && rb.Available() && mr.PubSubNumSub(channel)[channel] == 1
	}, waitFor, 10*time.Millisecond)

	var firstEvents []string
	var mu sync.Mutex
	for _, name := range []string{types.EventMessageReceived, types.EventConversationListChanged} {
		first.On(name, func(ev dispatch.Event) {
			mu.Lock()
			firstEvents = append(firstEvents, ev.Name)
			mu.Unlock()
		})
	}
	received := watch(second, types.EventMessageReceived)

	sent := send(t, bob, "alice", "after the kick")
	got, ok := next(t, received).Payload.(types.Message)
	require.True(t, ok)
	assert.Equal(t, sent.MessageID, got.MessageID)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, firstEvents)
}

func TestClient_MetricsCountEventsAndRequests(t *testing.T) {
	e := newEnv(t, devserver.Options{Open: true})
	m := metrics.New("chatsync")
	cfg := config.DefaultConfig()
	cfg.SocketURL = "ws://chat.local/ws"
	cfg.BaseURL = "http://chat.local"
	c, err := New(cfg, Options{
		Logger:   zerolog.Nop(),
		NetDial:  func(string, string) (net.Conn, error) { return e.ln.Dial() },
		HTTPDial: func(string) (net.Conn, error) { return e.ln.Dial() },
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Same(t, m, c.Metrics())

	login(t, c, "alice")
	send(t, c, "bob", "counted")

	assert.Equal(t, 1.0, m.RequestCount(OpSaveMessage, "ok"))
	assert.GreaterOrEqual(t, m.RequestCount(OpFetchConversations, "ok"), 1.0)
	assert.GreaterOrEqual(t, m.EventCount(types.EventNetChanged), 2.0)
	assert.GreaterOrEqual(t, m.EventCount(types.EventConversationListChanged), 1.0)
}
