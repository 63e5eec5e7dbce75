package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// contractVersion is the realtime contract the hub speaks.
const contractVersion = "1"

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type roomFrame struct {
	ConversationID string `json:"conversationId"`
}

type typingFrame struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ============================================================================
// Hub
// ============================================================================

// Hub is the realtime side of the mock backend. Every session opens with a
// connect frame; clients join rooms with join_chat and receive the events
// broadcast to them.
type Hub struct {
	srv *Server

	mu      sync.Mutex
	clients map[*client]struct{}
	seq     int
}

type client struct {
	userID    string
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	rooms     map[string]bool
}

func newHub(srv *Server) *Hub {
	return &Hub{srv: srv, clients: make(map[*client]struct{})}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if v := r.URL.Query().Get("v"); v != "" && v != contractVersion {
		writeAPIError(w, http.StatusBadRequest, "unsupported_contract", "unsupported contract version "+v)
		return
	}
	if h.srv.token != "" && r.URL.Query().Get("token") != h.srv.token {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.srv.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.seq++
	c := &client{
		userID:    userID,
		sessionID: fmt.Sprintf("mock-%d", h.seq),
		conn:      conn,
		rooms:     make(map[string]bool),
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	ctx := r.Context()
	if err := c.send(ctx, "connect", map[string]string{"userId": userID, "sessionId": c.sessionID}); err != nil {
		h.remove(c)
		return
	}
	h.srv.logger.Debug("mock client connected", zap.String("user_id", userID), zap.String("session_id", c.sessionID))
	h.broadcastPresence(c, "user_online")

	defer func() {
		h.remove(c)
		h.broadcastPresence(c, "user_offline")
		conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.send(ctx, "error", map[string]string{"code": "bad_frame", "message": "invalid frame"})
			continue
		}
		h.handle(ctx, c, env)
	}
}

func (h *Hub) handle(ctx context.Context, c *client, env envelope) {
	switch env.Event {
	case "join_chat":
		var p roomFrame
		if json.Unmarshal(env.Data, &p) == nil && p.ConversationID != "" {
			h.mu.Lock()
			c.rooms[p.ConversationID] = true
			h.mu.Unlock()
		}
	case "leave_chat":
		var p roomFrame
		if json.Unmarshal(env.Data, &p) == nil {
			h.mu.Lock()
			delete(c.rooms, p.ConversationID)
			h.mu.Unlock()
		}
	case "typing":
		var p typingFrame
		if json.Unmarshal(env.Data, &p) != nil || p.ConversationID == "" {
			return
		}
		p.UserID = c.userID
		h.broadcast(p.ConversationID, "user_typing", p, c)
	case "send_message":
		var req sendRequest
		if json.Unmarshal(env.Data, &req) != nil || req.ConversationID == "" {
			return
		}
		if req.ServerID != "" {
			h.srv.mu.Lock()
			_, known := h.srv.findByID(req.ConversationID, req.ServerID)
			h.srv.mu.Unlock()
			if known {
				return
			}
		}
		if _, err := h.srv.Deliver(Message{
			ID:          req.ServerID,
			ChatID:      req.ConversationID,
			SenderID:    c.userID,
			Content:     req.Content,
			MessageType: req.MessageType,
			OfferData:   req.OfferData,
			Location:    req.Location,
			File:        req.File,
			Media:       req.Media,
			ClientToken: req.ClientToken,
		}); err != nil {
			_ = c.send(ctx, "error", map[string]string{"code": "send_failed", "message": err.Error()})
		}
	case "mark_read":
		var req readRequest
		if json.Unmarshal(env.Data, &req) != nil {
			return
		}
		if _, err := h.srv.markRead(req.ChatID, req.MessageIDs); err != nil {
			h.srv.logger.Debug("mock mark_read failed", zap.Error(err))
		}
	default:
		h.srv.logger.Debug("mock hub ignoring event", zap.String("event", env.Event))
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (c *client) send(ctx context.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// ── Delivery ──────────────────────────────────────────────

func (h *Hub) targets(match func(*client) bool) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*client
	for c := range h.clients {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) broadcast(room, event string, data any, except *client) {
	for _, c := range h.targets(func(c *client) bool { return c != except && c.rooms[room] }) {
		if err := c.send(context.Background(), event, data); err != nil {
			h.srv.logger.Debug("mock broadcast failed", zap.String("user_id", c.userID), zap.Error(err))
		}
	}
}

func (h *Hub) broadcastPresence(from *client, event string) {
	data := map[string]string{"userId": from.userID}
	for _, c := range h.targets(func(c *client) bool { return c != from && c.userID != from.userID }) {
		_ = c.send(context.Background(), event, data)
	}
}

// Broadcast sends an event to every client that joined room.
func (h *Hub) Broadcast(room, event string, data any) {
	h.broadcast(room, event, data, nil)
}

// SendTo sends an event to every connection of userID, joined or not.
func (h *Hub) SendTo(userID, event string, data any) int {
	sent := 0
	for _, c := range h.targets(func(c *client) bool { return c.userID == userID }) {
		if c.send(context.Background(), event, data) == nil {
			sent++
		}
	}
	return sent
}

// Drop closes every connection of userID as if the network failed.
func (h *Hub) Drop(userID string) int {
	dropped := h.targets(func(c *client) bool { return c.userID == userID })
	for _, c := range dropped {
		h.remove(c)
		c.conn.Close(websocket.StatusGoingAway, "dropped")
	}
	return len(dropped)
}

// Connected reports whether userID has an open connection.
func (h *Hub) Connected(userID string) bool {
	return len(h.targets(func(c *client) bool { return c.userID == userID })) > 0
}

// Rooms returns the rooms joined by userID across all connections.
func (h *Hub) Rooms(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[string]bool)
	for c := range h.clients {
		if c.userID != userID {
			continue
		}
		for room := range c.rooms {
			set[room] = true
		}
	}
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
