// Package devserver is an in-memory chat backend speaking the socket and
// REST protocol the client expects. It backs local runs and end-to-end
// tests; it is not a production server.
package devserver

import (
	"bytes"
	"encoding/json"
	"net"
	"strings"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// CodePong answers a heartbeat.
const CodePong = 100

// SocketPrefix is the path socket logins are served under:
// /ws/{userId}/{token}.
const SocketPrefix = "/ws/"

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
}

// Options configure a Server.
type Options struct {
	Codes config.FrameCodes
	// Open accepts any credentials and registers them on first login.
	Open bool
	// Mute leaves heartbeats unanswered.
	Mute bool
}

// Server serves socket logins and the REST API from one fasthttp handler.
type Server struct {
	opts    Options
	data    *Data
	hub     *Hub
	app     *fiber.App
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu  sync.Mutex
	srv *fasthttp.Server
}

// New creates a Server and starts its hub.
func New(opts Options, logger zerolog.Logger) *Server {
	if opts.Codes == (config.FrameCodes{}) {
		opts.Codes = config.DefaultCodes()
	}
	s := &Server{
		opts:    opts,
		data:    NewData(opts.Open),
		metrics: metrics.New("chatsync_devserver"),
		logger:  logger.With().Str("component", "devserver").Logger(),
	}
	s.hub = NewHub(func() any {
		return frame(opts.Codes.KickedOut, "logged in elsewhere", nil)
	}, logger)
	s.metrics.Registry().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatsync_devserver",
		Name:      "sessions",
		Help:      "Logged-in socket sessions.",
	}, func() float64 { return float64(s.hub.Count()) }))
	s.app = fiber.New(fiber.Config{AppName: "chatsync-devserver"})
	s.registerRoutes(s.app)
	go s.hub.Run()
	return s
}

// Data exposes the backend state, e.g. to register users.
func (s *Server) Data() *Data { return s.data }

// Hub exposes the session hub, e.g. to push or kick.
func (s *Server) Hub() *Hub { return s.hub }

// Metrics exposes the REST and session collectors served at /metrics.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Handler routes socket logins to the upgrader and everything else to
// the REST app.
func (s *Server) Handler() fasthttp.RequestHandler {
	rest := s.app.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		if bytes.HasPrefix(ctx.Path(), []byte(SocketPrefix)) {
			s.handleSocket(ctx)
			return
		}
		rest(ctx)
	}
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.srv = &fasthttp.Server{Handler: s.Handler(), Name: "chatsync-devserver"}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving")
	return srv.Serve(ln)
}

// Shutdown closes every session and stops the server.
func (s *Server) Shutdown() error {
	s.hub.Stop()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

func (s *Server) handleSocket(ctx *fasthttp.RequestCtx) {
	upgrade := string(ctx.Request.Header.Peek("Upgrade"))
	if !strings.EqualFold(upgrade, "websocket") {
		ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
		ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
		return
	}

	parts := strings.Split(strings.TrimPrefix(string(ctx.Path()), SocketPrefix), "/")
	var userID, token string
	if len(parts) == 2 {
		userID, token = parts[0], parts[1]
	}

	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		profile, ok := s.data.Authenticate(userID, token)
		if !ok {
			s.logger.Info().Str("user_id", userID).Msg("login rejected")
			_ = conn.WriteJSON(frame(errs.CodeLoginError, "token invalid", nil))
			_ = conn.Close()
			return
		}

		var pong func() any
		if !s.opts.Mute {
			pong = func() any { return frame(CodePong, "pong", nil) }
		}
		peer := NewPeer(userID, conn, s.hub, pong, s.logger)
		peer.enqueue(frame(s.opts.Codes.LoginSuccess, "login success", types.LoginResult{User: profile}), false)
		s.hub.Register(peer)
		go peer.WritePump()
		peer.ReadPump()
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
	}
}

// frame builds a socket frame. data may be nil.
func frame(code int, message string, data any) types.Frame {
	f := types.Frame{Code: code, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			f.Data = raw
		}
	}
	return f
}
