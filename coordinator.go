package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator drives synchronization between the store, the realtime
// transport and the REST backend. Transport callbacks and caller intents
// both reach state only through the Store.
type Coordinator struct {
	store     *Store
	transport Transport
	backend   Backend
	cfg       Config
	codec     Codec
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	mu           sync.Mutex
	open         map[string]bool
	pages        map[string]int
	typingTimers map[string]*typingTimer
	typingLimits map[string]*rate.Limiter
	dropped      bool
	pollCancel   context.CancelFunc
	unsubs       []func()
	started      bool
	wg           sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires a store to a transport and a backend.
func NewCoordinator(store *Store, transport Transport, backend Backend, cfg Config, opts ...Option) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		store:        store,
		transport:    transport,
		backend:      backend,
		cfg:          cfg,
		logger:       zap.NewNop(),
		now:          time.Now,
		open:         make(map[string]bool),
		pages:        make(map[string]int),
		typingTimers: make(map[string]*typingTimer),
		typingLimits: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = Codec{Now: c.now}
	return c
}

// Store returns the store the coordinator writes to.
func (c *Coordinator) Store() *Store { return c.store }

// ── Lifecycle ─────────────────────────────────────────────

// Start subscribes to transport events, connects and fetches the
// conversation list. A failed connect is not an error: the store is marked
// disconnected and the coordinator polls the backend until the channel
// comes back. The returned error is the list fetch failure, if any.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.unsubs = c.subscribe()
	c.mu.Unlock()

	if _, err := c.transport.Connect(ctx, c.store.LocalUserID()); err != nil {
		c.logger.Warn("realtime connect failed, falling back to polling", zap.Error(err))
		c.store.SetConnected(false)
		c.metrics.setConnected(false)
		c.mu.Lock()
		c.dropped = true
		c.mu.Unlock()
		c.startPolling()
	}

	return c.RefreshConversations(ctx, FilterAll)
}

// Stop unsubscribes, stops timers and polling and closes the transport.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	unsubs := c.unsubs
	c.unsubs = nil
	for id, t := range c.typingTimers {
		t.timer.Stop()
		delete(c.typingTimers, id)
	}
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	err := c.transport.Disconnect()
	c.wg.Wait()
	c.store.SetConnected(false)
	c.metrics.setConnected(false)
	return err
}

func (c *Coordinator) subscribe() []func() {
	handlers := map[string]Handler{
		EventConnect:            c.onConnect,
		EventDisconnect:         c.onDisconnect,
		EventError:              c.onError,
		EventNewMessage:         c.onNewMessage,
		EventOfferReceived:      c.onNewMessage,
		EventMessageStatus:      c.onMessageStatus,
		EventUserOnline:         c.onPresence(true),
		EventUserOffline:        c.onPresence(false),
		EventUserTyping:         c.onUserTyping,
		EventOfferAccepted:      c.onOfferStatus(OfferAccepted),
		EventOfferRejected:      c.onOfferStatus(OfferRejected),
		EventConversationStatus: c.onConversationStatus,
	}
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	unsubs := make([]func(), 0, len(names))
	for _, name := range names {
		h := handlers[name]
		name := name
		unsubs = append(unsubs, c.transport.Subscribe(name, func(ev Event) {
			c.metrics.inboundEvent(name)
			h(ev)
		}))
	}
	return unsubs
}

// ── Fetching ──────────────────────────────────────────────

// RefreshConversations fetches the conversation list. On failure the error
// is recorded on the conversations slice and the store is left unchanged.
func (c *Coordinator) RefreshConversations(ctx context.Context, filter Filter) error {
	param := ""
	if filter != FilterAll && filter != FilterChats {
		param = string(filter)
	}
	convs, err := c.backend.ListConversations(ctx, param)
	if err != nil {
		c.fetchFailed(SliceConversations, "list_conversations", err)
		return fmt.Errorf("list conversations: %w", err)
	}
	c.store.ReplaceConversations(convs)
	c.store.ClearSliceError(SliceConversations)
	c.syncUnreadGauge()
	return nil
}

// OpenConversation marks a conversation open, joins its room and fetches
// the first page of history. A join failure is logged; the room is joined
// again on reconnect.
func (c *Coordinator) OpenConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.open[conversationID] = true
	c.mu.Unlock()
	c.store.SetActive(conversationID)

	if c.transport.State() == StateConnected {
		if err := c.transport.JoinRoom(ctx, conversationID); err != nil {
			c.logger.Warn("join room failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	if err := c.fetchPage(ctx, conversationID, 1); err != nil {
		return err
	}
	c.mu.Lock()
	c.pages[conversationID] = 1
	c.mu.Unlock()
	return nil
}

// CloseConversation leaves the room and drops the typing timer.
func (c *Coordinator) CloseConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.open, conversationID)
	if t, ok := c.typingTimers[conversationID]; ok {
		t.timer.Stop()
		delete(c.typingTimers, conversationID)
	}
	delete(c.typingLimits, conversationID)
	c.mu.Unlock()

	if c.store.Snapshot().ActiveConversation == conversationID {
		c.store.SetActive("")
	}
	if c.transport.State() != StateConnected {
		return nil
	}
	if err := c.transport.LeaveRoom(ctx, conversationID); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// LoadOlder fetches the next page of history and returns how many records
// it added or changed.
func (c *Coordinator) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	c.mu.Lock()
	page := c.pages[conversationID] + 1
	c.mu.Unlock()

	msgs, err := c.backend.FetchMessages(ctx, conversationID, page, c.cfg.PageSize)
	if err != nil {
		c.fetchFailed(SliceMessages(conversationID), "fetch_messages", err)
		return 0, fmt.Errorf("fetch page %d: %w", page, err)
	}
	n := c.store.MergeMessages(conversationID, msgs)
	c.store.ClearSliceError(SliceMessages(conversationID))
	if len(msgs) > 0 {
		c.mu.Lock()
		if c.pages[conversationID] < page {
			c.pages[conversationID] = page
		}
		c.mu.Unlock()
	}
	c.syncUnreadGauge()
	return n, nil
}

func (c *Coordinator) fetchPage(ctx context.Context, conversationID string, page int) error {
	msgs, err := c.backend.FetchMessages(ctx, conversationID, page, c.cfg.PageSize)
	if err != nil {
		c.fetchFailed(SliceMessages(conversationID), "fetch_messages", err)
		return fmt.Errorf("fetch messages: %w", err)
	}
	c.store.MergeMessages(conversationID, msgs)
	c.store.ClearSliceError(SliceMessages(conversationID))
	c.syncUnreadGauge()
	return nil
}

// fetchFailed records err on slice. A request the caller cancelled is not a
// failure and leaves no trace on the store.
func (c *Coordinator) fetchFailed(slice, op string, err error) {
	if errors.Is(err, context.Canceled) {
		c.logger.Debug("backend request cancelled", zap.String("op", op))
		return
	}
	c.logger.Warn("backend request failed", zap.String("op", op), zap.Error(err))
	c.metrics.fetchError(op)
	c.store.SetSliceError(slice, err)
}

// OpenConversations returns the ids of the conversations currently open.
func (c *Coordinator) OpenConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ── Sending ───────────────────────────────────────────────

func (c *Coordinator) validate(d Draft) error {
	text := strings.TrimSpace(d.Content)
	isText := d.Payload == nil || d.Payload.Kind() == MessageText
	if text == "" && isText {
		return &ValidationError{Field: "content", Reason: ErrEmptyMessage}
	}
	if utf8.RuneCountInString(d.Content) > c.cfg.MaxMessageLength {
		return &ValidationError{Field: "content", Reason: ErrMessageTooLong}
	}
	return nil
}

func newClientToken() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "local-" + id.String()
}

// Send inserts an optimistic message and writes it to the backend. It
// returns once the backend accepted the write (status sent), rejected it or
// the send deadline passed (status failed). The optimistic record is
// visible in the store from the start. A failed send returns the failed
// record together with the error.
func (c *Coordinator) Send(ctx context.Context, conversationID string, d Draft) (Message, error) {
	if err := c.validate(d); err != nil {
		return Message{}, err
	}
	if _, ok := c.store.Conversation(conversationID); !ok {
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
	}
	if d.Payload == nil {
		d.Payload = TextPayload{}
	}

	token := newClientToken()
	pending := Message{
		ID:             token,
		ClientToken:    token,
		ConversationID: conversationID,
		SenderID:       c.store.LocalUserID(),
		Content:        d.Content,
		Timestamp:      c.now().UTC(),
		Status:         StatusSending,
		Payload:        d.Payload,
	}
	if err := c.store.InsertPending(pending); err != nil {
		return Message{}, err
	}
	log := c.logger.With(zap.String("conversation_id", conversationID), zap.String("client_token", token))

	started := time.Now()
	out := c.codec.EncodeOutbound(pending)
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	receipt, err := c.backend.SendMessage(sendCtx, out)
	cancel()
	if err != nil {
		failed, _ := c.store.FailSend(token)
		if failed.ID == "" {
			failed, _ = c.store.Message(conversationID, token)
		}
		c.metrics.observeSend("failed", time.Since(started))
		log.Warn("send failed", zap.Error(err))
		return failed, fmt.Errorf("send message: %w", err)
	}

	confirmed, err := c.store.ConfirmSend(token, receipt)
	if err != nil {
		return Message{}, err
	}
	c.metrics.observeSend("sent", time.Since(started))
	log.Debug("send confirmed", zap.String("message_id", confirmed.ID))

	if c.transport.State() == StateConnected {
		intent := SendIntentPayload{OutboundMessage: out, ServerID: receipt.ServerID}
		if err := c.transport.Emit(ctx, EventSendMessage, intent); err != nil {
			log.Debug("send_message intent not delivered", zap.Error(err))
		}
	}
	if m, ok := c.store.Message(conversationID, token); ok {
		confirmed = m
	}
	return confirmed, nil
}

// Retry resends a failed message as a new record. The failed record stays
// in place.
func (c *Coordinator) Retry(ctx context.Context, conversationID, failedID string) (Message, error) {
	m, ok := c.store.Message(conversationID, failedID)
	if !ok {
		return Message{}, fmt.Errorf("retry %s: %w", failedID, ErrUnknownMessage)
	}
	if m.Status != StatusFailed {
		return Message{}, fmt.Errorf("retry %s: %w", failedID, ErrNotFailed)
	}
	return c.Send(ctx, conversationID, Draft{Content: m.Content, Payload: m.Payload})
}

// ── Read receipts ─────────────────────────────────────────

// MarkRead marks inbound messages read, all unread ones when ids is empty.
// The backend and the realtime channel are told only when something
// changed, so repeated calls are free.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID string, ids ...string) ([]string, error) {
	changed, err := c.store.MarkRead(conversationID, ids...)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	c.syncUnreadGauge()

	if c.transport.State() == StateConnected {
		receipt := ReadReceiptPayload{
			ConversationID: conversationID,
			MessageIDs:     changed,
			UserID:         c.store.LocalUserID(),
		}
		if err := c.transport.Emit(ctx, EventMarkRead, receipt); err != nil {
			c.logger.Debug("mark_read intent not delivered", zap.Error(err))
		}
	}
	if err := c.backend.MarkRead(ctx, conversationID, changed); err != nil {
		c.logger.Warn("mark read request failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		c.metrics.fetchError("mark_read")
		return changed, fmt.Errorf("mark read: %w", err)
	}
	return changed, nil
}

// ── Offers ────────────────────────────────────────────────

// AcceptOffer accepts a received offer. ref is the offer message id or the
// offer id; empty selects the latest pending offer.
func (c *Coordinator) AcceptOffer(ctx context.Context, conversationID, ref string) (Message, error) {
	return c.respondToOffer(ctx, conversationID, ref, OfferAccepted, EventOfferAccepted)
}

// RejectOffer rejects a received offer. ref is resolved as in AcceptOffer.
func (c *Coordinator) RejectOffer(ctx context.Context, conversationID, ref string) (Message, error) {
	return c.respondToOffer(ctx, conversationID, ref, OfferRejected, EventOfferRejected)
}

func (c *Coordinator) respondToOffer(ctx context.Context, conversationID, ref string, status OfferStatus, event string) (Message, error) {
	conv, ok := c.store.Conversation(conversationID)
	if !ok {
		return Message{}, fmt.Errorf("%s %s: %w", event, conversationID, ErrUnknownConversation)
	}
	target, offer, found := findOffer(conv.Messages, ref, c.store.LocalUserID())
	if !found {
		return Message{}, fmt.Errorf("%s %s: %w", event, firstNonEmpty(ref, "pending offer"), ErrUnknownMessage)
	}
	if target.SenderID == c.store.LocalUserID() {
		return Message{}, fmt.Errorf("%s %s: %w", event, target.ID, ErrOwnOffer)
	}
	switch offer.Status {
	case status:
		return target, nil
	case "", OfferPending:
	default:
		return target, fmt.Errorf("%s %s: %w", event, target.ID, ErrOfferSettled)
	}

	c.store.SetOfferStatus(conversationID, target.ID, status)
	if m, ok := c.store.Message(conversationID, target.ID); ok {
		target = m
	}

	if c.transport.State() == StateConnected {
		intent := OfferStatusPayload{
			ConversationID: conversationID,
			MessageID:      target.ID,
			OfferID:        offer.OfferID,
			Status:         status,
		}
		if err := c.transport.Emit(ctx, event, intent); err != nil {
			c.logger.Debug("offer response not delivered", zap.String("event", event), zap.Error(err))
		}
	}
	return target, nil
}

// findOffer returns the offer matching ref by message or offer id, or the
// latest pending offer from the counterparty when ref is empty.
func findOffer(msgs []Message, ref, localUserID string) (Message, OfferPayload, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		p, ok := msgs[i].Payload.(OfferPayload)
		if !ok {
			continue
		}
		if ref == "" && msgs[i].SenderID != localUserID && (p.Status == "" || p.Status == OfferPending) {
			return msgs[i], p, true
		}
		if ref != "" && (msgs[i].ID == ref || p.OfferID == ref) {
			return msgs[i], p, true
		}
	}
	return Message{}, OfferPayload{}, false
}

// ── Typing ────────────────────────────────────────────────

// Typing emits a typing intent at most once per TypingInterval and emits
// the matching stop after TypingTimeout without further calls.
func (c *Coordinator) Typing(ctx context.Context, conversationID string) error {
	if c.transport.State() != StateConnected {
		return &TransportError{Op: EventTyping, Err: ErrNotConnected}
	}
	userID := c.store.LocalUserID()

	c.mu.Lock()
	lim, ok := c.typingLimits[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.TypingInterval), 1)
		c.typingLimits[conversationID] = lim
	}
	if t, ok := c.typingTimers[conversationID]; ok {
		t.timer.Stop()
	}
	entry := &typingTimer{}
	entry.timer = time.AfterFunc(c.cfg.TypingTimeout, func() {
		c.stopTyping(conversationID, userID, entry)
	})
	c.typingTimers[conversationID] = entry
	c.mu.Unlock()

	if !lim.Allow() {
		return nil
	}
	return c.transport.Emit(ctx, EventTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       true,
	})
}

// typingTimer identifies one pending typing stop.
type typingTimer struct {
	timer *time.Timer
}

// stopTyping fires from entry's timer. A timer that already fired when a
// newer Typing call replaced it finds a different entry and does nothing.
func (c *Coordinator) stopTyping(conversationID, userID string, entry *typingTimer) {
	c.mu.Lock()
	if c.typingTimers[conversationID] != entry {
		c.mu.Unlock()
		return
	}
	delete(c.typingTimers, conversationID)
	delete(c.typingLimits, conversationID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.transport.Emit(ctx, EventTyping, TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}); err != nil {
		c.logger.Debug("typing stop not delivered", zap.Error(err))
	}
}

// ── Search ────────────────────────────────────────────────

// Search queries the backend for messages in a conversation. When the
// request fails, the loaded history is searched locally instead and the
// failure is recorded on the search slice.
func (c *Coordinator) Search(ctx context.Context, conversationID, query string) ([]Message, error) {
	q := strings.TrimSpace(query)
	switch n := utf8.RuneCountInString(q); {
	case n < c.cfg.MinQueryLength:
		return nil, &ValidationError{Field: "query", Reason: ErrQueryTooShort}
	case n > c.cfg.MaxQueryLength:
		return nil, &ValidationError{Field: "query", Reason: ErrQueryTooLong}
	}

	results, err := c.backend.Search(ctx, conversationID, q)
	if err == nil {
		c.store.ClearSliceError(SliceSearch)
		return results, nil
	}
	c.fetchFailed(SliceSearch, "search", err)

	conv, ok := c.store.Conversation(conversationID)
	if !ok {
		return nil, fmt.Errorf("search: %w", err)
	}
	needle := strings.ToLower(q)
	var local []Message
	for _, m := range conv.Messages {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			local = append(local, m)
		}
	}
	return local, nil
}

// Project returns the filtered, sorted conversation list.
func (c *Coordinator) Project(f Filter, query string) []Conversation {
	return Project(c.store.Snapshot(), f, query)
}

// ── Connectivity ──────────────────────────────────────────

func (c *Coordinator) onConnect(Event) {
	c.store.SetConnected(true)
	c.metrics.setConnected(true)

	c.mu.Lock()
	resync := c.dropped
	c.dropped = false
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.mu.Unlock()

	if resync {
		c.resync(context.Background(), "reconnect")
	}
}

func (c *Coordinator) onDisconnect(ev Event) {
	var p DisconnectPayload
	_ = json.Unmarshal(ev.Data, &p)
	c.logger.Info("realtime disconnected", zap.String("reason", p.Reason))

	c.store.SetConnected(false)
	c.metrics.setConnected(false)

	c.mu.Lock()
	c.dropped = true
	started := c.started
	c.mu.Unlock()
	if started {
		c.startPolling()
	}
}

// resync re-joins every open room, refreshes the list and refetches the
// conversations whose server activity is newer than what is held locally.
func (c *Coordinator) resync(ctx context.Context, source string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	c.metrics.reconciled(source)

	open := c.OpenConversations()
	if c.transport.State() == StateConnected {
		for _, id := range open {
			if err := c.transport.JoinRoom(ctx, id); err != nil {
				c.logger.Warn("re-join failed", zap.String("conversation_id", id), zap.Error(err))
			}
		}
	}

	held := make(map[string]time.Time)
	for _, conv := range c.store.Snapshot().Conversations {
		if last, ok := conv.LastMessage(); ok {
			held[conv.ID] = last.Timestamp
		}
	}
	isOpen := make(map[string]bool, len(open))
	for _, id := range open {
		isOpen[id] = true
	}

	if err := c.RefreshConversations(ctx, FilterAll); err != nil {
		for _, id := range open {
			_ = c.fetchPage(ctx, id, 1)
		}
		return
	}

	for _, conv := range c.store.Snapshot().Conversations {
		local, known := held[conv.ID]
		if !known && !isOpen[conv.ID] {
			continue
		}
		if isOpen[conv.ID] || conv.ServerLastActivity.After(local) {
			if err := c.fetchPage(ctx, conv.ID, 1); err != nil {
				c.logger.Debug("re-sync fetch failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) startPolling() {
	c.mu.Lock()
	if c.pollCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.resync(ctx, "poll")
			}
		}
	}()
}

// ── Inbound events ────────────────────────────────────────

func (c *Coordinator) onError(ev Event) {
	var p ErrorPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.Message == "" {
		p.Message = strings.TrimSpace(string(ev.Data))
	}
	c.logger.Warn("realtime error", zap.String("code", p.Code), zap.String("message", p.Message))
	c.store.SetSliceError(SliceTransport, &TransportError{Op: "event", Err: errors.New(p.Message)})
}

// inboundMessage accepts a bare message or one wrapped in "message".
func (c *Coordinator) inboundMessage(data json.RawMessage) Message {
	f, ok := parseFields(data)
	if ok {
		if inner, has := f["message"]; has {
			if _, isObj := parseFields(inner); isObj {
				conv := f.id("conversationId", "chatId")
				return c.codec.Normalize(inner, conv)
			}
		}
	}
	return c.codec.Normalize(data, "")
}

func (c *Coordinator) onNewMessage(ev Event) {
	m := c.inboundMessage(ev.Data)
	stored, changed := c.store.ApplyInbound(m)
	if changed {
		c.logger.Debug("inbound message applied",
			zap.String("event", ev.Name),
			zap.String("conversation_id", stored.ConversationID),
			zap.String("message_id", stored.ID),
		)
		c.syncUnreadGauge()
	}
}

func (c *Coordinator) onMessageStatus(ev Event) {
	var p StatusPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		c.logger.Debug("malformed message_status", zap.Error(err))
		return
	}
	ref := firstNonEmpty(p.MessageID, p.ClientToken)
	if ref == "" || !p.Status.Valid() {
		return
	}
	c.store.AdvanceStatus(p.ConversationID, ref, p.Status)
}

func (c *Coordinator) onPresence(online bool) Handler {
	return func(ev Event) {
		var p PresencePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil || p.UserID == "" {
			return
		}
		c.store.SetPresence(p.UserID, online)
	}
}

func (c *Coordinator) onUserTyping(ev Event) {
	var p TypingPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.UserID == "" {
		return
	}
	if p.UserID == c.store.LocalUserID() {
		return
	}
	c.store.SetTyping(p.ConversationID, p.UserID, p.IsTyping)
}

func (c *Coordinator) onOfferStatus(status OfferStatus) Handler {
	return func(ev Event) {
		var p OfferStatusPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil || p.ConversationID == "" {
			return
		}
		ref := firstNonEmpty(p.MessageID, p.OfferID)
		c.store.SetOfferStatus(p.ConversationID, ref, status)
	}
}

func (c *Coordinator) onConversationStatus(ev Event) {
	var p ConversationStatusPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil || p.ConversationID == "" {
		return
	}
	switch p.Status {
	case ConversationActive, ConversationClosed, ConversationSupport, ConversationArchived:
		c.store.SetConversationStatus(p.ConversationID, p.Status)
	default:
		c.logger.Debug("unknown conversation status", zap.String("status", string(p.Status)))
	}
}

func (c *Coordinator) syncUnreadGauge() {
	if c.metrics != nil {
		c.metrics.setUnread(c.store.UnreadTotal())
	}
}
