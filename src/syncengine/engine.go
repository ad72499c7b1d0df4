// Package syncengine reconciles the local cache with the backend: history
// paging, resync on login, and the mutation hooks fed by socket frames.
package syncengine

import (
	"context"
	"time"

	"github.com/orchestra-mcp/chatsync/src/cache"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/restapi"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the history page size when a query gives none.
const DefaultPageSize = 20

// maxConversationPages bounds the conversation list walk on resync.
const maxConversationPages = 50

// API is the REST collaborator.
type API interface {
	SetToken(token string)
	FetchHistory(ctx context.Context, q restapi.HistoryQuery) ([]types.Message, error)
	FetchConversations(ctx context.Context, page, limit int) ([]types.Conversation, error)
	SaveMessage(ctx context.Context, msg types.Message) (types.Message, error)
	RevokeMessage(ctx context.Context, messageID string) error
	DeleteMessage(ctx context.Context, messageID string) error
	ClearUnread(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Poster schedules work on the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Emitter publishes sync events.
type Emitter interface {
	Emit(name string, payload any)
}

// Options wire an Engine.
type Options struct {
	Cache    *cache.Cache
	API      API
	Loop     Poster
	Events   Emitter
	Timeout  time.Duration
	PageSize int // conversation list page size
}

// Engine runs on the event loop. REST calls run on their own goroutines
// and post their completion back.
type Engine struct {
	cache    *cache.Cache
	api      API
	loop     Poster
	events   Emitter
	timeout  time.Duration
	pageSize int
	logger   zerolog.Logger
}

// New creates an Engine.
func New(opts Options, logger zerolog.Logger) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	return &Engine{
		cache:    opts.Cache,
		api:      opts.API,
		loop:     opts.Loop,
		events:   opts.Events,
		timeout:  opts.Timeout,
		pageSize: opts.PageSize,
		logger:   logger.With().Str("component", "syncengine").Logger(),
	}
}

// Bind points the cache and the REST client at session's user.
func (e *Engine) Bind(session types.Session) {
	e.cache.Bind(session.UserID)
	e.api.SetToken(session.Token)
}

// UserID returns the bound user.
func (e *Engine) UserID() string {
	return e.cache.UserID()
}

// async runs fn off the loop and delivers its outcome back on the loop.
// The outcome is replaced by a session error when the bound user changed
// while fn was in flight.
func async[T any](e *Engine, fn func(ctx context.Context) (T, error), then func(T, *errs.Error)) {
	user := e.cache.UserID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		v, err := fn(ctx)
		cancel()
		e.loop.Post(func() {
			if e.cache.UserID() != user {
				e.logger.Debug().Str("user_id", user).Msg("dropping result for previous session")
				var zero T
				then(zero, errs.New(errs.KindFatalSession, errs.CodeLoginExpired, "session changed during request"))
				return
			}
			then(v, errs.From(err))
		})
	}()
}

func (e *Engine) requireUser() *errs.Error {
	if e.cache.UserID() == "" {
		return errs.NotLoggedIn()
	}
	return nil
}

func (e *Engine) conversationsChanged() {
	e.events.Emit(types.EventConversationListChanged, e.cache.Conversations())
}
