// Package conn owns the connection lifecycle: handshake, keep-alive,
// bounded reconnection and forced logout.
package conn

import (
	"encoding/json"
	"strings"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Sink receives routed frames once the session is logged in.
type Sink interface {
	Ingest(msg types.Message)
	UpsertConversation(conv types.Conversation)
	ApplyReadReceipt(receipt types.ReadReceipt)
	ApplyRevoke(msg types.Message)
	ApplyDelete(msg types.Message)
	Resync(session types.Session)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(name string, payload any)
}

// Poster schedules work on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Options wire a Manager to its collaborators.
type Options struct {
	Config    *config.ClientConfig
	Transport transport.Factory
	Clock     clock.Clock
	Loop      Poster
	Sink      Sink
	Events    Emitter
}

// Manager is the connection state machine. Every method must run on the
// event loop; transport and timer notifications are posted there.
type Manager struct {
	cfg     *config.ClientConfig
	factory transport.Factory
	clock   clock.Clock
	loop    Poster
	sink    Sink
	events  Emitter
	logger  zerolog.Logger

	state   types.ConnectionState
	session types.Session
	retry   types.RetryState

	current   transport.Transport
	gen       uint64
	awaiting  bool
	pending   func(errs.Result[types.Profile])
	handshake *clock.Timer
	redial    *clock.Timer
	heartbeat *Heartbeat
}

// NewManager creates an idle manager.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:     opts.Config,
		factory: opts.Transport,
		clock:   opts.Clock,
		loop:    opts.Loop,
		sink:    opts.Sink,
		events:  opts.Events,
		logger:  logger.With().Str("component", "conn").Logger(),
		state:   types.StateIdle,
		retry:   types.RetryState{Allowed: true},
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	m.heartbeat = NewHeartbeat(m.clock, m.cfg.HeartbeatInterval(), m.loop.Post, m.ping, m.onDead, logger)
	return m
}

// ReadyState returns the connection state.
func (m *Manager) ReadyState() types.ConnectionState {
	return m.state
}

// Session returns a copy of the current session.
func (m *Manager) Session() types.Session {
	return m.session
}

// Retry returns a copy of the reconnect state.
func (m *Manager) Retry() types.RetryState {
	return m.retry
}

// HeartbeatRunning reports whether the keep-alive monitor is active.
func (m *Manager) HeartbeatRunning() bool {
	return m.heartbeat.Running()
}

// Connect opens a connection and authenticates. done receives the profile
// or a classified failure exactly once.
func (m *Manager) Connect(userID, token string, done func(errs.Result[types.Profile])) {
	if userID == "" || token == "" {
		errs.Deliver(done, errs.Fail[types.Profile](
			errs.New(errs.KindAuthentication, errs.CodeNoUserID, "userId and token are required")))
		return
	}
	m.redial.Stop()
	m.redial = nil
	m.retry = types.RetryState{Allowed: true}
	m.open(userID, token, done)
}

// DisConnect closes the connection and disables reconnection until the
// next Connect.
func (m *Manager) DisConnect() {
	m.retry.Allowed = false
	m.retry.Locked = false
	m.redial.Stop()
	m.redial = nil
	m.teardown()
	m.session = types.Session{}
	m.logger.Info().Msg("disconnected")
}

func (m *Manager) endpoint(userID, token string) string {
	return strings.TrimRight(m.cfg.SocketURL, "/") + "/" + userID + "/" + token
}

func (m *Manager) open(userID, token string, done func(errs.Result[types.Profile])) {
	m.teardown()

	m.session = types.Session{UserID: userID, Token: token}
	m.state = types.StateConnecting
	m.gen++
	gen := m.gen
	t := m.factory()
	m.current = t
	m.awaiting = true
	m.pending = done

	m.handshake = m.clock.AfterFunc(m.cfg.HandshakeTimeout(), func() {
		m.loop.Post(func() {
			if gen == m.gen && m.awaiting {
				m.onHandshakeTimeout()
			}
		})
	})

	m.logger.Debug().Str("user_id", userID).Uint64("gen", gen).Msg("opening transport")
	t.Open(m.endpoint(userID, token), transport.Handlers{
		OnOpen: func() {
			m.loop.Post(func() {
				if gen == m.gen {
					m.onOpen()
				}
			})
		},
		OnMessage: func(data []byte) {
			m.loop.Post(func() {
				if gen == m.gen {
					m.onMessage(data)
				}
			})
		},
		OnError: func(err error) {
			m.loop.Post(func() {
				if gen == m.gen {
					m.onError(err)
				}
			})
		},
		OnClose: func() {
			m.loop.Post(func() {
				if gen == m.gen {
					m.onClose()
				}
			})
		},
	})
}

// teardown detaches and closes the current transport. Later notifications
// from it are ignored.
func (m *Manager) teardown() {
	m.heartbeat.Stop()
	m.handshake.Stop()
	m.handshake = nil
	m.session.LoggedIn = false

	if m.awaiting {
		m.awaiting = false
		m.resolve(errs.Fail[types.Profile](
			errs.New(errs.KindNetwork, errs.CodeConnectError, "connection closed before login")))
	}

	if m.current == nil {
		return
	}
	t := m.current
	m.current = nil
	m.gen++
	m.state = types.StateClosing
	if err := t.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("transport close failed")
	}
	m.state = types.StateClosed
	m.events.Emit(types.EventNetChanged, types.NetClosed)
}

func (m *Manager) resolve(r errs.Result[types.Profile]) {
	done := m.pending
	m.pending = nil
	errs.Deliver(done, r)
}

func (m *Manager) onOpen() {
	m.logger.Debug().Msg("transport open, awaiting login")
	m.events.Emit(types.EventNetChanged, types.NetConnected)
}

func (m *Manager) onError(err error) {
	m.logger.Warn().Err(err).Msg("transport error")
	m.events.Emit(types.EventNetChanged, types.NetError)
	m.teardown()
	m.reConnect()
}

func (m *Manager) onClose() {
	m.logger.Info().Msg("transport closed")
	m.teardown()
	m.reConnect()
}

func (m *Manager) onDead() {
	m.teardown()
	m.reConnect()
}

func (m *Manager) onHandshakeTimeout() {
	m.logger.Warn().Dur("timeout", m.cfg.HandshakeTimeout()).Msg("login timed out")
	m.awaiting = false
	m.resolve(errs.Fail[types.Profile](
		errs.New(errs.KindNetwork, errs.CodeConnectError, "login timed out")))
	m.teardown()
	m.reConnect()
}

func (m *Manager) onMessage(data []byte) {
	m.heartbeat.Traffic()

	var f types.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	if m.awaiting {
		m.onLoginResult(f)
		return
	}
	m.route(f)
}

func (m *Manager) onLoginResult(f types.Frame) {
	m.awaiting = false
	m.handshake.Stop()
	m.handshake = nil

	if f.Code != m.cfg.Codes.LoginSuccess {
		m.logger.Warn().Int("code", f.Code).Str("message", f.Message).Msg("login rejected")
		m.retry.Allowed = false
		msg := f.Message
		if msg == "" {
			msg = "login rejected"
		}
		m.resolve(errs.Fail[types.Profile](errs.New(errs.KindAuthentication, f.Code, msg)))
		m.teardown()
		m.session = types.Session{}
		return
	}

	var res types.LoginResult
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &res); err != nil {
			m.logger.Warn().Err(err).Msg("undecodable login profile")
		}
	}
	if res.User.UserID == "" {
		res.User.UserID = m.session.UserID
	}

	m.session.Profile = res.User
	m.session.LoggedIn = true
	m.state = types.StateOpen
	m.retry.Attempts = 0
	m.heartbeat.Start()
	m.logger.Info().Str("user_id", m.session.UserID).Msg("logged in")

	m.sink.Resync(m.session)
	m.resolve(errs.Ok(res.User))
}

// reConnect schedules one redial after the fixed interval, bounded by
// ReConnectTotal (0 = unbounded).
func (m *Manager) reConnect() {
	if !m.retry.Allowed || m.retry.Locked {
		return
	}
	if m.session.Empty() {
		m.retry.Allowed = false
		return
	}
	if total := m.cfg.ReConnectTotal; total > 0 && m.retry.Attempts >= total {
		m.logger.Warn().Int("attempts", m.retry.Attempts).Msg("reconnect limit reached")
		m.retry.Allowed = false
		return
	}

	m.retry.Attempts++
	m.retry.Locked = true
	m.events.Emit(types.EventNetChanged, types.NetConnecting)
	m.logger.Info().Int("attempt", m.retry.Attempts).Dur("delay", m.cfg.ReconnectDelay()).Msg("reconnecting")

	gen := m.gen
	m.redial = m.clock.AfterFunc(m.cfg.ReconnectDelay(), func() {
		m.loop.Post(func() {
			if gen != m.gen || !m.retry.Locked {
				return
			}
			m.retry.Locked = false
			m.redial = nil
			if !m.retry.Allowed || m.session.Empty() {
				return
			}
			m.open(m.session.UserID, m.session.Token, nil)
		})
	})
}

func (m *Manager) ping() error {
	if m.current == nil {
		return transport.ErrClosed
	}
	return m.current.Send(types.PingFrame())
}
