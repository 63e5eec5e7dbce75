package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ============================================================================
// NATSTransport
// ============================================================================

// Subject layout used by NATSTransport.
const (
	roomSubjectPrefix   = "chat.room."
	userSubjectPrefix   = "chat.user."
	intentSubjectPrefix = "chat.intent."

	// HeaderUser carries the sender's user id on published intents.
	HeaderUser = "Chat-User"
	// HeaderContract carries ContractVersion on published intents.
	HeaderContract = "Chat-Contract"
)

// NATSTransport carries the realtime contract over a NATS bus. Each joined
// room is a subscription on chat.room.<conversationID>; events addressed to
// the user arrive on chat.user.<userID>; intents are published on
// chat.intent.<event>. All subscriptions feed one channel so events are
// dispatched in arrival order.
type NATSTransport struct {
	url    string
	cfg    Config
	opts   []nats.Option
	logger *zap.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	state   ConnState
	userID  string
	userSub *nats.Subscription
	rooms   map[string]*nats.Subscription
	inbox   chan *nats.Msg
	done    chan struct{}

	dispatcher *dispatcher
}

// NATSOption configures a NATSTransport.
type NATSOption func(*NATSTransport)

// WithNATSLogger sets the logger used for connection lifecycle messages.
func WithNATSLogger(l *zap.Logger) NATSOption {
	return func(t *NATSTransport) { t.logger = l }
}

// WithNATSOptions appends raw nats.go connection options.
func WithNATSOptions(opts ...nats.Option) NATSOption {
	return func(t *NATSTransport) { t.opts = append(t.opts, opts...) }
}

// NewNATSTransport creates a transport bound to the NATS server at url.
func NewNATSTransport(url string, cfg Config, opts ...NATSOption) *NATSTransport {
	cfg.defaults()
	t := &NATSTransport{
		url:    url,
		cfg:    cfg,
		logger: zap.NewNop(),
		state:  StateDisconnected,
		rooms:  make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.dispatcher = newDispatcher(t.logger)
	return t
}

// Subscribe registers h for event and returns a function that removes it.
func (t *NATSTransport) Subscribe(event string, h Handler) func() {
	return t.dispatcher.subscribe(event, h)
}

// State returns the current connection state.
func (t *NATSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Rooms returns the joined rooms in sorted order.
func (t *NATSTransport) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := make(roomSet, len(t.rooms))
	for id := range t.rooms {
		set[id] = struct{}{}
	}
	return set.list()
}

// Connect opens the NATS connection and subscribes to the user subject.
func (t *NATSTransport) Connect(ctx context.Context, userID string) (ConnectionHandle, error) {
	t.mu.Lock()
	if t.nc != nil && t.state == StateConnected {
		h := ConnectionHandle{UserID: t.userID, SessionID: t.nc.ConnectedServerId()}
		t.mu.Unlock()
		return h, nil
	}
	stale := t.detachLocked()
	t.state = StateConnecting
	t.userID = userID
	t.inbox = make(chan *nats.Msg, 256)
	t.done = make(chan struct{})
	inbox, done := t.inbox, t.done
	t.mu.Unlock()

	if stale != nil {
		t.logger.Info("replacing reconnecting nats connection")
		closeQuietly(stale)
	}

	maxReconnects := t.cfg.MaxReconnectAttempts
	if !t.cfg.AutoReconnect {
		maxReconnects = 0
	}
	opts := []nats.Option{
		nats.Name("chatsync-" + userID),
		nats.Timeout(t.cfg.RequestTimeout),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(t.cfg.ReconnectBaseDelay),
		nats.ReconnectJitter(t.cfg.ReconnectBaseDelay/2, t.cfg.ReconnectBaseDelay/2),
		nats.PingInterval(t.cfg.HeartbeatInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.onDrop(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.onReconnect(nc)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.logger.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	opts = append(opts, t.opts...)

	if err := ctx.Err(); err != nil {
		t.setState(StateDisconnected)
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: err}
	}
	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		t.setState(StateDisconnected)
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: fmt.Errorf("failed to connect to NATS: %w", err)}
	}

	userSub, err := nc.ChanSubscribe(userSubjectPrefix+userID, inbox)
	if err != nil {
		nc.Close()
		t.setState(StateDisconnected)
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: fmt.Errorf("subscribe user subject: %w", err)}
	}

	t.mu.Lock()
	t.nc = nc
	t.userSub = userSub
	t.state = StateConnected
	t.mu.Unlock()

	go t.deliverLoop(inbox, done)

	handle := ConnectionHandle{UserID: userID, SessionID: nc.ConnectedServerId(), ConnectedAt: time.Now()}
	t.logger.Info("nats connected", zap.String("server_id", handle.SessionID), zap.String("user_id", userID))
	t.dispatcher.emit(EventConnect, ConnectPayload{UserID: userID, SessionID: handle.SessionID})
	return handle, nil
}

func (t *NATSTransport) deliverLoop(inbox <-chan *nats.Msg, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-inbox:
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil || env.Event == "" {
				t.logger.Debug("dropping malformed nats frame", zap.String("subject", msg.Subject))
				continue
			}
			t.dispatcher.dispatch(Event{Name: env.Event, Data: env.Data})
		}
	}
}

// onDrop drops room membership so the owner re-joins after reconnect.
func (t *NATSTransport) onDrop(err error) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	t.state = StateReconnecting
	for id, sub := range t.rooms {
		_ = sub.Unsubscribe()
		delete(t.rooms, id)
	}
	t.mu.Unlock()

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	t.logger.Warn("nats disconnected", zap.String("reason", reason))
	t.dispatcher.emit(EventDisconnect, DisconnectPayload{Reason: reason})
}

func (t *NATSTransport) onReconnect(nc *nats.Conn) {
	t.mu.Lock()
	t.state = StateConnected
	userID := t.userID
	t.mu.Unlock()

	t.logger.Info("nats reconnected", zap.String("server_id", nc.ConnectedServerId()))
	t.dispatcher.emit(EventConnect, ConnectPayload{UserID: userID, SessionID: nc.ConnectedServerId()})
}

// Disconnect drains subscriptions and closes the connection.
func (t *NATSTransport) Disconnect() error {
	t.mu.Lock()
	wasConnected := t.state == StateConnected
	nc := t.detachLocked()
	t.state = StateDisconnected
	t.mu.Unlock()

	if nc != nil {
		closeQuietly(nc)
	}
	if wasConnected {
		t.dispatcher.emit(EventDisconnect, DisconnectPayload{Reason: "client disconnect"})
	}
	return nil
}

// detachLocked forgets the current connection, its subscriptions and its
// delivery loop, and returns the connection for the caller to close.
func (t *NATSTransport) detachLocked() *nats.Conn {
	nc := t.nc
	t.nc = nil
	t.userSub = nil
	t.rooms = make(map[string]*nats.Subscription)
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	return nc
}

// closeQuietly closes nc without raising its lifecycle callbacks.
func closeQuietly(nc *nats.Conn) {
	nc.SetDisconnectErrHandler(nil)
	nc.SetReconnectHandler(nil)
	nc.Close()
}

// JoinRoom subscribes to the room subject and announces the join.
func (t *NATSTransport) JoinRoom(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	nc, inbox := t.nc, t.inbox
	_, joined := t.rooms[conversationID]
	t.mu.Unlock()
	if nc == nil || t.State() != StateConnected {
		return &TransportError{Op: EventJoinChat, Err: ErrNotConnected}
	}

	if !joined {
		sub, err := nc.ChanSubscribe(roomSubjectPrefix+conversationID, inbox)
		if err != nil {
			return &TransportError{Op: EventJoinChat, Err: err}
		}
		t.mu.Lock()
		t.rooms[conversationID] = sub
		t.mu.Unlock()
	}
	return t.Emit(ctx, EventJoinChat, RoomPayload{ConversationID: conversationID})
}

// LeaveRoom unsubscribes from the room subject and announces the leave.
func (t *NATSTransport) LeaveRoom(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	sub := t.rooms[conversationID]
	delete(t.rooms, conversationID)
	t.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("nats unsubscribe failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return t.Emit(ctx, EventLeaveChat, RoomPayload{ConversationID: conversationID})
}

// Emit publishes an intent on chat.intent.<event>.
func (t *NATSTransport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	nc, userID := t.nc, t.userID
	t.mu.Unlock()
	if nc == nil {
		return &TransportError{Op: event, Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: event, Err: err}
	}

	data, err := json.Marshal(Envelope{Event: event, Data: encodePayload(payload)})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	msg := &nats.Msg{
		Subject: intentSubjectPrefix + event,
		Data:    data,
		Header: nats.Header{
			HeaderUser:     []string{userID},
			HeaderContract: []string{ContractVersion},
		},
	}
	if err := nc.PublishMsg(msg); err != nil {
		return &TransportError{Op: event, Err: err}
	}
	return nil
}

func (t *NATSTransport) setState(s ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// RoomSubject returns the subject events for a conversation are published on.
func RoomSubject(conversationID string) string { return roomSubjectPrefix + conversationID }

// UserSubject returns the subject user-addressed events are published on.
func UserSubject(userID string) string { return userSubjectPrefix + userID }

// IntentSubject returns the subject an outbound intent is published on.
func IntentSubject(event string) string { return intentSubjectPrefix + event }
