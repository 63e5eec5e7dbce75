// Package chattest is an in-memory marketplace chat backend for tests and
// offline development. It serves the REST surface under /api and a
// WebSocket hub under /ws, speaking the same wire shapes as the real
// service, including its legacy field names.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Route names a REST operation for failure injection.
type Route string

const (
	RouteList     Route = "list_conversations"
	RouteMessages Route = "fetch_messages"
	RouteSend     Route = "send_message"
	RouteRead     Route = "mark_read"
	RouteSearch   Route = "search"
)

// ============================================================================
// Wire types
// ============================================================================

// Participant is a user taking part in a conversation.
type Participant struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is a stored message in the service's wire shape.
type Message struct {
	ID             string          `json:"_id"`
	ChatID         string          `json:"chatId"`
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName,omitempty"`
	Content        string          `json:"content"`
	MessageType    string          `json:"messageType"`
	OfferData      json.RawMessage `json:"offerData,omitempty"`
	Location       json.RawMessage `json:"location,omitempty"`
	File           json.RawMessage `json:"file,omitempty"`
	Media          json.RawMessage `json:"media,omitempty"`
	ClientToken    string          `json:"clientToken,omitempty"`
	DeliveryStatus string          `json:"deliveryStatus"`
	ReadBy         []string        `json:"readBy"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Conversation is a stored conversation. Messages are kept oldest first.
type Conversation struct {
	ID            string
	Vendor        Participant
	Type          string
	Status        string
	Online        bool
	HasNewOffers  bool
	HasSentOffers bool
	UpdatedAt     time.Time
	Messages      []Message
}

// sendRequest is the body of POST /api/chat/messages.
type sendRequest struct {
	ConversationID string          `json:"conversationId"`
	ClientToken    string          `json:"clientToken"`
	Content        string          `json:"content"`
	MessageType    string          `json:"messageType"`
	OfferData      json.RawMessage `json:"offerData,omitempty"`
	Location       json.RawMessage `json:"location,omitempty"`
	File           json.RawMessage `json:"file,omitempty"`
	Media          json.RawMessage `json:"media,omitempty"`
	ServerID       string          `json:"serverId,omitempty"`
}

type readRequest struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

type failure struct {
	remaining int
	status    int
}

// ============================================================================
// Server
// ============================================================================

// Server is the mock backend. It implements http.Handler.
type Server struct {
	buyer  Participant
	token  string
	logger *zap.Logger
	now    func() time.Time
	router chi.Router
	hub    *Hub

	mu        sync.Mutex
	convs     map[string]*Conversation
	seq       int
	failures  map[Route]*failure
	sendDelay time.Duration
	requests  []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock sets the clock used for new message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithToken requires "Authorization: Bearer <token>" on REST calls and
// ?token=<token> on the WebSocket handshake.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithFixtures seeds the canned vendor conversations.
func WithFixtures() Option {
	return func(s *Server) {
		for _, c := range Fixtures(s.buyer.ID, s.now()) {
			s.convs[c.ID] = c
		}
	}
}

// NewServer returns a mock backend acting on behalf of buyerID.
func NewServer(buyerID string, opts ...Option) *Server {
	s := &Server{
		buyer:    Participant{ID: buyerID, Name: "Buyer"},
		logger:   zap.NewNop(),
		now:      time.Now,
		convs:    make(map[string]*Conversation),
		failures: make(map[Route]*failure),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.record)

	r.Get("/ws", s.hub.serveWS)
	r.Route("/api/chat", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/conversations", s.handleList)
		r.Get("/conversations/{id}/messages", s.handleMessages)
		r.Get("/conversations/{id}/search", s.handleSearch)
		r.Post("/messages", s.handleSend)
		r.Put("/messages/read", s.handleRead)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub { return s.hub }

// ── Middleware ────────────────────────────────────────────

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		s.logger.Debug("mock request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Hooks ─────────────────────────────────────────────────

// FailNext makes the next n calls to route answer with status.
func (s *Server) FailNext(route Route, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{remaining: n, status: status}
}

// DelaySends holds every send request for d before answering.
func (s *Server) DelaySends(d time.Duration) {
	s.mu.Lock()
	s.sendDelay = d
	s.mu.Unlock()
}

// Requests returns "METHOD /path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// AddConversation stores c, replacing any conversation with the same id.
func (s *Server) AddConversation(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	cp.Messages = append([]Message(nil), c.Messages...)
	sortMessages(cp.Messages)
	s.convs[c.ID] = &cp
}

// AddMessage stores m without broadcasting it, as if it arrived while no
// client was listening. The id and timestamp are filled when empty.
func (s *Server) AddMessage(m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

// Deliver stores m and broadcasts it as new_message to the room.
func (s *Server) Deliver(m Message) (Message, error) {
	s.mu.Lock()
	stored, err := s.appendLocked(m)
	s.mu.Unlock()
	if err != nil {
		return Message{}, err
	}
	event := "new_message"
	if stored.MessageType == "offer" {
		event = "offer_received"
	}
	s.hub.Broadcast(stored.ChatID, event, stored)
	return stored, nil
}

// Messages returns the stored history of a conversation, oldest first.
func (s *Server) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]Message(nil), c.Messages...)
}

// SetStatus changes a conversation's status.
func (s *Server) SetStatus(conversationID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		c.Status = status
	}
}

func (s *Server) takeFailure(route Route) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[route]
	if !ok || f.remaining == 0 {
		return 0
	}
	f.remaining--
	return f.status
}

func (s *Server) appendLocked(m Message) (Message, error) {
	c, ok := s.convs[m.ChatID]
	if !ok {
		return Message{}, fmt.Errorf("conversation %q not found", m.ChatID)
	}
	if m.ID == "" {
		s.seq++
		m.ID = fmt.Sprintf("msg-%d", s.seq)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = "sent"
	}
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	for _, existing := range c.Messages {
		if existing.ID == m.ID {
			return existing, nil
		}
	}
	c.Messages = append(c.Messages, m)
	sortMessages(c.Messages)
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	if m.MessageType == "offer" && m.SenderID != s.buyer.ID {
		c.HasNewOffers = true
	}
	return m, nil
}

func (s *Server) findByID(conversationID, id string) (Message, bool) {
	c, ok := s.convs[conversationID]
	if !ok {
		return Message{}, false
	}
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// ============================================================================
// Handlers
// ============================================================================

// handleList handles GET /api/chat/conversations
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(RouteList); status != 0 {
		writeAPIError(w, status, "list_failed", "failed to list conversations")
		return
	}
	filter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("filter")))

	s.mu.Lock()
	convs := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if filter == "archived" && c.Status != "archived" {
			continue
		}
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	out := make([]map[string]any, 0, len(convs))
	for _, c := range convs {
		out = append(out, s.wireConversation(c))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) wireConversation(c *Conversation) map[string]any {
	unread := 0
	hasOffers := false
	for _, m := range c.Messages {
		if m.SenderID != s.buyer.ID && !contains(m.ReadBy, s.buyer.ID) {
			unread++
		}
		if m.MessageType == "offer" {
			hasOffers = true
		}
	}
	out := map[string]any{
		"_id": c.ID,
		"participants": []map[string]any{
			{"user": s.buyer},
			{"user": c.Vendor},
		},
		"type":          c.Type,
		"status":        c.Status,
		"isOnline":      c.Online,
		"unreadCount":   unread,
		"hasOffers":     hasOffers,
		"hasNewOffers":  c.HasNewOffers,
		"hasSentOffers": c.HasSentOffers,
		"updatedAt":     c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if n := len(c.Messages); n > 0 {
		out["lastMessage"] = c.Messages[n-1]
	}
	return out
}

// handleMessages handles GET /api/chat/conversations/{id}/messages. Page 1
// holds the newest messages.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(RouteMessages); status != 0 {
		writeAPIError(w, status, "fetch_failed", "failed to fetch messages")
		return
	}
	id := chi.URLParam(r, "id")
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)

	s.mu.Lock()
	c, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		writeAPIError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	end := len(c.Messages) - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	msgs := append([]Message{}, c.Messages[start:end]...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"page":     page,
		"hasMore":  start > 0,
	})
}

// handleSearch handles GET /api/chat/conversations/{id}/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(RouteSearch); status != 0 {
		writeAPIError(w, status, "search_failed", "search unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if q == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "q is required")
		return
	}

	s.mu.Lock()
	var out []Message
	if c, ok := s.convs[id]; ok {
		for _, m := range c.Messages {
			if strings.Contains(strings.ToLower(m.Content), q) {
				out = append(out, m)
			}
		}
	}
	s.mu.Unlock()

	if out == nil {
		out = []Message{}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSend handles POST /api/chat/messages. The stored message is
// broadcast to the room, including the sender's own connection.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	s.mu.Lock()
	delay := s.sendDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if status := s.takeFailure(RouteSend); status != 0 {
		writeAPIError(w, status, "send_failed", "failed to send message")
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.MessageType == "text" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	stored, err := s.Deliver(Message{
		ChatID:      req.ConversationID,
		SenderID:    s.buyer.ID,
		SenderName:  s.buyer.Name,
		Content:     req.Content,
		MessageType: req.MessageType,
		OfferData:   req.OfferData,
		Location:    req.Location,
		File:        req.File,
		Media:       req.Media,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if req.MessageType == "offer" {
		s.mu.Lock()
		if c, ok := s.convs[req.ConversationID]; ok {
			c.HasSentOffers = true
		}
		s.mu.Unlock()
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    map[string]any{"message": stored},
	})
}

// handleRead handles PUT /api/chat/messages/read
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if status := s.takeFailure(RouteRead); status != 0 {
		writeAPIError(w, status, "read_failed", "failed to mark messages read")
		return
	}
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "chatId is required")
		return
	}

	updated, err := s.markRead(req.ChatID, req.MessageIDs)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updated": len(updated)})
}

// markRead records the buyer as reader of the given inbound messages and
// broadcasts message_status for each one that changed.
func (s *Server) markRead(chatID string, ids []string) ([]string, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	c, ok := s.convs[chatID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("conversation %q not found", chatID)
	}
	var updated []string
	for i, m := range c.Messages {
		if !want[m.ID] || m.SenderID == s.buyer.ID || contains(m.ReadBy, s.buyer.ID) {
			continue
		}
		c.Messages[i].ReadBy = append(m.ReadBy, s.buyer.ID)
		c.Messages[i].DeliveryStatus = "read"
		updated = append(updated, m.ID)
	}
	s.mu.Unlock()

	for _, id := range updated {
		s.hub.Broadcast(chatID, "message_status", map[string]any{
			"conversationId": chatID,
			"messageId":      id,
			"status":         "read",
		})
	}
	return updated, nil
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
