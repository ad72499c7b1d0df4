// Package restapi calls the chat backend's HTTP API. Every response is an
// envelope {code, message, data}; any code other than 200 is a rejection.
package restapi

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Endpoint paths.
const (
	PathHistory            = "/v117/message/list"
	PathConversations      = "/conversation/list"
	PathSaveMessage        = "/message/save"
	PathRevokeMessage      = "/message/revoke"
	PathDeleteMessage      = "/message/delete"
	PathClearUnread        = "/conversation/update/unread"
	PathDeleteConversation = "/conversation/delete"
)

// TokenHeader carries the session token.
const TokenHeader = "token"

// Envelope is the body of every API response.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Page is a list response.
type Page[T any] struct {
	Records       []T    `json:"records"`
	NextMessageID string `json:"nextMessageId,omitempty"`
}

// HistoryQuery requests messages older than NextMessageID, or the newest
// page when it is empty.
type HistoryQuery struct {
	ConversationID string
	NextMessageID  string
	Limit          int
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
	logger  zerolog.Logger

	mu    sync.RWMutex
	token string
}

// Options configure a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Dial overrides the network dial, e.g. with an in-memory listener.
	Dial fasthttp.DialFunc
}

// New creates a REST client.
func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		http: &fasthttp.Client{
			Name:         "chatsync",
			Dial:         opts.Dial,
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
		},
		logger: logger.With().Str("component", "restapi").Logger(),
	}
}

// SetToken sets the token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FetchHistory returns one page of a conversation's history ordered by
// sequence ascending.
func (c *Client) FetchHistory(ctx context.Context, q HistoryQuery) ([]types.Message, error) {
	if q.ConversationID == "" {
		return nil, errs.Invalid("conversationId is required")
	}
	params := url.Values{}
	params.Set("conversationId", q.ConversationID)
	if q.NextMessageID != "" {
		params.Set("nextMessageId", q.NextMessageID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var page Page[types.Message]
	if err := c.get(ctx, PathHistory, params, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

// FetchConversations returns one page of the conversation list.
func (c *Client) FetchConversations(ctx context.Context, page, limit int) ([]types.Conversation, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", strconv.Itoa(limit))

	var out Page[types.Conversation]
	if err := c.get(ctx, PathConversations, params, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// SaveMessage stores an outgoing message and returns the server's copy
// carrying the assigned sequence.
func (c *Client) SaveMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	var saved types.Message
	err := c.post(ctx, PathSaveMessage, msg, &saved)
	return saved, err
}

// RevokeMessage withdraws a sent message.
func (c *Client) RevokeMessage(ctx context.Context, messageID string) error {
	return c.post(ctx, PathRevokeMessage, map[string]string{"messageId": messageID}, nil)
}

// DeleteMessage removes a message for the current user.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.post(ctx, PathDeleteMessage, map[string]string{"messageId": messageID}, nil)
}

// ClearUnread resets a conversation's unread count.
func (c *Client) ClearUnread(ctx context.Context, conversationID string) error {
	return c.post(ctx, PathClearUnread, map[string]string{"conversationId": conversationID}, nil)
}

// DeleteConversation removes a conversation and its history.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.post(ctx, PathDeleteConversation, map[string]string{"conversationId": conversationID}, nil)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	uri := c.baseURL + path
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}
	return c.do(ctx, fasthttp.MethodGet, uri, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.Invalid("encode request: %v", err)
	}
	return c.do(ctx, fasthttp.MethodPost, c.baseURL+path, data, out)
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set(TokenHeader, c.Token())
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return errs.New(errs.KindNetwork, errs.CodeUnknown, err.Error())
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		c.logger.Debug().Err(err).Str("uri", uri).Msg("request failed")
		return errs.New(errs.KindNetwork, errs.CodeUnknown, errors.Wrapf(err, "%s %s", method, uri).Error())
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return errs.Newf(errs.KindBackend, resp.StatusCode(), "undecodable response (status %d)", resp.StatusCode())
	}
	if env.Code != errs.CodeSuccess {
		return errs.New(errs.KindBackend, env.Code, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Newf(errs.KindBackend, errs.CodeUnknown, "decode %s: %v", uri, err)
	}
	return nil
}
