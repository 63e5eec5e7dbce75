package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is the live realtime channel over a WebSocket with automatic
// reconnect and heartbeat. Frames are JSON Envelopes; the server opens every
// session with a connect frame.
type WSTransport struct {
	url        string
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	userID           string
	intentionalClose bool
	rooms            roomSet
	cancelFn         context.CancelFunc

	dispatcher *dispatcher
	recon      *reconnector
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithWSLogger sets the logger used for connection lifecycle messages.
func WithWSLogger(l *zap.Logger) WSOption {
	return func(t *WSTransport) { t.logger = l }
}

// WithWSHTTPClient sets the client used for the WebSocket handshake.
func WithWSHTTPClient(c *http.Client) WSOption {
	return func(t *WSTransport) { t.httpClient = c }
}

// NewWSTransport creates a transport for the realtime endpoint at rawURL.
// http(s) schemes are rewritten to ws(s).
func NewWSTransport(rawURL string, cfg Config, opts ...WSOption) *WSTransport {
	cfg.defaults()
	t := &WSTransport{
		url:    rawURL,
		cfg:    cfg,
		logger: zap.NewNop(),
		state:  StateDisconnected,
		rooms:  make(roomSet),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.dispatcher = newDispatcher(t.logger)
	t.recon = newReconnector(cfg)
	return t
}

// Subscribe registers h for event and returns a function that removes it.
func (t *WSTransport) Subscribe(event string, h Handler) func() {
	return t.dispatcher.subscribe(event, h)
}

// State returns the current connection state.
func (t *WSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Rooms returns the joined rooms in sorted order.
func (t *WSTransport) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms.list()
}

func (t *WSTransport) dialURL(userID string) (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("userId", userID)
	q.Set("v", ContractVersion)
	if t.cfg.Token != "" {
		q.Set("token", t.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the realtime endpoint and waits for the server's connect
// frame. On failure the state returns to disconnected and a
// *TransportError is returned; no event is raised.
func (t *WSTransport) Connect(ctx context.Context, userID string) (ConnectionHandle, error) {
	return t.connect(ctx, userID, true)
}

// connect dials a session. fresh clears a previous Disconnect; the
// reconnect loop passes false so a Disconnect issued meanwhile wins.
func (t *WSTransport) connect(ctx context.Context, userID string, fresh bool) (ConnectionHandle, error) {
	t.mu.Lock()
	if t.state == StateConnected {
		h := ConnectionHandle{UserID: t.userID}
		t.mu.Unlock()
		return h, nil
	}
	if fresh {
		t.intentionalClose = false
	} else if t.intentionalClose {
		t.mu.Unlock()
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: ErrTransportClosed}
	}
	t.state = StateConnecting
	t.userID = userID
	t.mu.Unlock()

	conn, hello, err := t.dial(ctx, userID)
	if err != nil {
		t.mu.Lock()
		if !t.intentionalClose {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		cancel()
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			t.logger.Debug("realtime close handshake failed", zap.Error(err))
		}
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: ErrTransportClosed}
	}
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.recon.markConnected()

	handle := ConnectionHandle{UserID: userID, SessionID: hello.SessionID, ConnectedAt: time.Now()}
	t.logger.Info("realtime connected",
		zap.String("endpoint", redactQuery(t.url)),
		zap.String("user_id", userID),
		zap.String("session_id", hello.SessionID),
	)
	t.dispatcher.emit(EventConnect, hello)

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)
	return handle, nil
}

func (t *WSTransport) dial(ctx context.Context, userID string) (*websocket.Conn, ConnectPayload, error) {
	var hello ConnectPayload
	wsURL, err := t.dialURL(userID)
	if err != nil {
		return nil, hello, fmt.Errorf("parse realtime url: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: t.httpClient})
	if err != nil {
		return nil, hello, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, hello, fmt.Errorf("read connect frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != EventConnect {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, hello, fmt.Errorf("expected %q frame, got %q", EventConnect, env.Event)
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &hello)
	}
	if hello.UserID == "" {
		hello.UserID = userID
	}
	return conn, hello, nil
}

// Disconnect closes the connection without reconnecting. Close handshake
// failures are logged; the session is gone either way.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	cancel := t.cancelFn
	t.cancelFn = nil
	conn := t.conn
	wasConnected := t.state == StateConnected
	t.conn = nil
	t.state = StateDisconnected
	t.rooms = make(roomSet)
	t.mu.Unlock()

	t.recon.reset()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			t.logger.Debug("realtime close handshake failed", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if wasConnected {
		t.dispatcher.emit(EventDisconnect, DisconnectPayload{Reason: "client disconnect"})
	}
	return nil
}

// JoinRoom subscribes the session to a conversation room.
func (t *WSTransport) JoinRoom(ctx context.Context, conversationID string) error {
	if err := t.Emit(ctx, EventJoinChat, RoomPayload{ConversationID: conversationID}); err != nil {
		return err
	}
	t.mu.Lock()
	t.rooms[conversationID] = struct{}{}
	t.mu.Unlock()
	return nil
}

// LeaveRoom leaves a conversation room.
func (t *WSTransport) LeaveRoom(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	delete(t.rooms, conversationID)
	t.mu.Unlock()
	return t.Emit(ctx, EventLeaveChat, RoomPayload{ConversationID: conversationID})
}

// Emit writes an outbound intent.
func (t *WSTransport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: event, Err: ErrNotConnected}
	}

	data, err := json.Marshal(Envelope{Event: event, Data: encodePayload(payload)})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: event, Err: err}
	}
	return nil
}

func (t *WSTransport) setState(s ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
				t.rooms = make(roomSet)
			}
			t.mu.Unlock()
			if intentional {
				return
			}

			t.logger.Warn("realtime connection dropped", zap.Error(err))
			t.dispatcher.emit(EventDisconnect, DisconnectPayload{Reason: err.Error()})

			if t.cfg.AutoReconnect {
				t.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			t.logger.Debug("dropping malformed realtime frame", zap.Int("bytes", len(data)))
			continue
		}
		t.dispatcher.dispatch(Event{Name: env.Event, Data: env.Data})
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("realtime heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *WSTransport) reconnectLoop() {
	for t.recon.shouldReconnect() {
		if t.closedByClient() {
			return
		}
		t.mu.Lock()
		t.state = StateReconnecting
		userID := t.userID
		t.mu.Unlock()

		delay := t.recon.nextDelay()
		t.logger.Info("realtime reconnecting",
			zap.Int("attempt", t.recon.attempt),
			zap.Duration("delay", delay),
		)
		time.Sleep(delay)
		if t.closedByClient() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		_, err := t.connect(ctx, userID, false)
		cancel()
		if err == nil || errors.Is(err, ErrTransportClosed) {
			return
		}
		t.logger.Warn("realtime reconnect failed", zap.Error(err))
	}

	t.setState(StateDisconnected)
	t.dispatcher.emit(EventError, ErrorPayload{
		Code:    "reconnect_exhausted",
		Message: fmt.Sprintf("gave up after %d attempts", t.recon.attempt),
	})
}

func (t *WSTransport) closedByClient() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intentionalClose
}

// redactQuery strips the query string, which carries the token.
func redactQuery(raw string) string {
	if i := strings.Index(raw, "?"); i >= 0 {
		return raw[:i]
	}
	return raw
}
