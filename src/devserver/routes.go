package devserver

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/orchestra-mcp/chatsync/src/errs"
	"github.com/orchestra-mcp/chatsync/src/restapi"
	"github.com/orchestra-mcp/chatsync/src/types"
)

func (s *Server) registerRoutes(app *fiber.App) {
	app.Use(s.observe)
	app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	app.Get("/status", s.handleStatus)
	app.Get(restapi.PathHistory, s.handleHistory)
	app.Get(restapi.PathConversations, s.handleConversations)
	app.Post(restapi.PathSaveMessage, s.handleSave)
	app.Post(restapi.PathRevokeMessage, s.handleRevoke)
	app.Post(restapi.PathDeleteMessage, s.handleDelete)
	app.Post(restapi.PathClearUnread, s.handleClearUnread)
	app.Post(restapi.PathDeleteConversation, s.handleDeleteConversation)
}

// observe records every REST call except metric scrapes.
func (s *Server) observe(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if path := c.Path(); path != "/metrics" {
		s.metrics.ObserveRequest(path, start, err)
	}
	return err
}

func ok(c fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"code": errs.CodeSuccess, "message": "success", "data": data})
}

func fail(c fiber.Ctx, code int, message string) error {
	return c.JSON(fiber.Map{"code": code, "message": message})
}

// user resolves the token header. On failure the rejection is already
// written and the returned bool is false.
func (s *Server) user(c fiber.Ctx) (string, bool) {
	u, found := s.data.UserForToken(c.Get(restapi.TokenHeader))
	if !found {
		_ = fail(c, errs.CodeLoginExpired, "login expired")
	}
	return u, found
}

func queryInt(c fiber.Ctx, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  SocketPrefix + "{userId}/{token}",
		"sessions":  s.hub.Count(),
	})
}

func (s *Server) handleHistory(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	conv := c.Query("conversationId")
	if conv == "" {
		return fail(c, errs.CodeParams, "conversationId is required")
	}
	records := s.data.History(user, conv, c.Query("nextMessageId"), queryInt(c, "limit", 20))
	next := ""
	if len(records) > 0 {
		next = records[0].MessageID
	}
	return ok(c, restapi.Page[types.Message]{Records: records, NextMessageID: next})
}

func (s *Server) handleConversations(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	list := s.data.Conversations(user, queryInt(c, "page", 1), queryInt(c, "limit", 20))
	return ok(c, restapi.Page[types.Conversation]{Records: list})
}

func (s *Server) handleSave(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	var msg types.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		return fail(c, errs.CodeParams, "invalid message")
	}
	if msg.MessageID == "" || msg.ConversationID == "" || msg.To == "" {
		return fail(c, errs.CodeParams, "messageId, conversationId and to are required")
	}

	saved, peer := s.data.Save(user, msg)
	if peer.ConversationID != saved.ConversationID {
		s.hub.Push(msg.To, frame(s.opts.Codes.Message, "", peer))
		if conv, exists := s.data.Conversation(msg.To, peer.ConversationID); exists {
			s.hub.Push(msg.To, frame(s.opts.Codes.Conversation, "", conv))
		}
	}
	return ok(c, saved)
}

type idRequest struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) decodeIDs(c fiber.Ctx) (idRequest, error) {
	var req idRequest
	err := json.Unmarshal(c.Body(), &req)
	return req, err
}

func (s *Server) handleRevoke(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	req, err := s.decodeIDs(c)
	if err != nil || req.MessageID == "" {
		return fail(c, errs.CodeParams, "messageId is required")
	}
	peer, revoked := s.data.Revoke(user, req.MessageID)
	if !revoked {
		return fail(c, errs.CodeParams, "message not found")
	}
	if peer.MessageID != "" {
		s.hub.Push(peer.To, frame(s.opts.Codes.Revoke, "", peer))
	}
	return ok(c, nil)
}

func (s *Server) handleDelete(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	req, err := s.decodeIDs(c)
	if err != nil || req.MessageID == "" {
		return fail(c, errs.CodeParams, "messageId is required")
	}
	if !s.data.Delete(user, req.MessageID) {
		return fail(c, errs.CodeParams, "message not found")
	}
	return ok(c, nil)
}

func (s *Server) handleClearUnread(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	req, err := s.decodeIDs(c)
	if err != nil || req.ConversationID == "" {
		return fail(c, errs.CodeParams, "conversationId is required")
	}
	ids, cleared := s.data.ClearUnread(user, req.ConversationID)
	if !cleared {
		return fail(c, errs.CodeNoConversation, "conversation not found")
	}
	if len(ids) > 0 {
		// The peer sees the receipt under a conversation named after the reader.
		s.hub.Push(req.ConversationID, frame(s.opts.Codes.ReadReceipt, "",
			types.ReadReceipt{ConversationID: user, MessageIDs: ids}))
	}
	return ok(c, nil)
}

func (s *Server) handleDeleteConversation(c fiber.Ctx) error {
	user, found := s.user(c)
	if !found {
		return nil
	}
	req, err := s.decodeIDs(c)
	if err != nil || req.ConversationID == "" {
		return fail(c, errs.CodeParams, "conversationId is required")
	}
	if !s.data.DeleteConversation(user, req.ConversationID) {
		return fail(c, errs.CodeNoConversation, "conversation not found")
	}
	return ok(c, nil)
}
