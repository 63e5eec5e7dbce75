package chatsync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Event contract
// ============================================================================

// ContractVersion identifies the set of realtime event names below. Every
// Transport implementation speaks the same names. WSTransport sends it as
// the v dial parameter and NATSTransport as the Chat-Contract header.
const ContractVersion = "1"

const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventError         = "error"
	EventJoinChat      = "join_chat"
	EventLeaveChat     = "leave_chat"
	EventSendMessage   = "send_message"
	EventNewMessage    = "new_message"
	EventTyping        = "typing"
	EventUserTyping    = "user_typing"
	EventMessageStatus = "message_status"
	EventUserOnline    = "user_online"
	EventUserOffline   = "user_offline"
	EventOfferReceived = "offer_received"

	EventMarkRead           = "mark_read"
	EventOfferAccepted      = "offer_accepted"
	EventOfferRejected      = "offer_rejected"
	EventConversationStatus = "conversation_status"
)

// InboundEvents lists the event names a Transport delivers to subscribers.
func InboundEvents() []string {
	return []string{
		EventConnect, EventDisconnect, EventError,
		EventNewMessage, EventUserTyping, EventMessageStatus,
		EventUserOnline, EventUserOffline, EventOfferReceived,
		EventOfferAccepted, EventOfferRejected, EventConversationStatus,
	}
}

func isInboundEvent(name string) bool {
	for _, e := range InboundEvents() {
		if e == name {
			return true
		}
	}
	return false
}

// Envelope is the wire format of every realtime frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one inbound realtime event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Handler receives events in arrival order on the transport's delivery
// goroutine.
type Handler func(Event)

// ConnState is the state of the realtime connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Transport abstracts the realtime channel. Implementations hold room
// membership only; they know nothing about conversations.
type Transport interface {
	Connect(ctx context.Context, userID string) (ConnectionHandle, error)
	Disconnect() error
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(event string, h Handler) (unsubscribe func())
	State() ConnState
	Rooms() []string
}

// ============================================================================
// Event payloads
// ============================================================================

// RoomPayload is the body of join_chat and leave_chat.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the body of typing and user_typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// StatusPayload is the body of message_status.
type StatusPayload struct {
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId"`
	ClientToken    string         `json:"clientToken,omitempty"`
	Status         DeliveryStatus `json:"status"`
}

// PresencePayload is the body of user_online and user_offline.
type PresencePayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ReadReceiptPayload is the body of mark_read.
type ReadReceiptPayload struct {
	ConversationID string   `json:"chatId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId,omitempty"`
}

// OfferStatusPayload is the body of offer_accepted and offer_rejected.
type OfferStatusPayload struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId,omitempty"`
	OfferID        string      `json:"offerId,omitempty"`
	Status         OfferStatus `json:"status,omitempty"`
}

// ConversationStatusPayload is the body of conversation_status.
type ConversationStatusPayload struct {
	ConversationID string             `json:"conversationId"`
	Status         ConversationStatus `json:"status"`
}

// ConnectPayload is the body of connect.
type ConnectPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// DisconnectPayload is the body of disconnect.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the body of error.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SendIntentPayload is the body of send_message once the backend accepted
// the write.
type SendIntentPayload struct {
	OutboundMessage
	ServerID string `json:"serverId,omitempty"`
}

func encodePayload(v any) json.RawMessage {
	switch p := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return p
	case []byte:
		return json.RawMessage(p)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// ============================================================================
// Dispatcher
// ============================================================================

type subscription struct {
	id int
	h  Handler
}

// dispatcher fans events out to subscribers synchronously, in the order
// they were delivered. A panicking handler is logged and skipped.
type dispatcher struct {
	mu       sync.RWMutex
	next     int
	handlers map[string][]subscription
	logger   *zap.Logger
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

func (d *dispatcher) subscribe(event string, h Handler) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.handlers[event] = append(d.handlers[event], subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.handlers[event]
			for i, s := range subs {
				if s.id == id {
					d.handlers[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	subs := append([]subscription(nil), d.handlers[ev.Name]...)
	d.mu.RUnlock()

	for _, s := range subs {
		d.call(s.h, ev)
	}
}

func (d *dispatcher) emit(name string, payload any) {
	d.dispatch(Event{Name: name, Data: encodePayload(payload)})
}

func (d *dispatcher) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("realtime handler panicked",
				zap.String("event", ev.Name),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// ============================================================================
// Rooms
// ============================================================================

type roomSet map[string]struct{}

func (r roomSet) list() []string {
	out := make([]string, 0, len(r))
	for id := range r {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	rng         *rand.Rand
}

func newReconnector(cfg Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially from baseDelay with up to 50% jitter and is
// capped at maxDelay. A connection that stayed up for a minute resets the
// attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(r.rng.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
