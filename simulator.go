package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Simulator
// ============================================================================

// ScriptStep is one canned event replayed by the Simulator after Connect.
// The step fires Delay after connect, plus a seeded random extra in
// [0, Jitter).
type ScriptStep struct {
	Delay  time.Duration
	Jitter time.Duration
	Event  string
	Data   any
}

// Simulator is a deterministic in-memory Transport. Scripted events replay
// on timer goroutines; Inject delivers synchronously on the calling
// goroutine. Events injected while disconnected are dropped, as they would
// be on a real channel.
type Simulator struct {
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       ConnState
	userID      string
	rooms       roomSet
	emitted     []Event
	joinHistory []string
	failNext    error
	echoSends   bool
	script      []ScriptStep
	timers      []*time.Timer
	rng         *rand.Rand
	seq         int
	missed      int

	dispatcher *dispatcher
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSeed fixes the random source used for script jitter.
func WithSeed(seed int64) SimulatorOption {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithScript sets the events replayed after every successful Connect.
func WithScript(steps ...ScriptStep) SimulatorOption {
	return func(s *Simulator) { s.script = append(s.script, steps...) }
}

// WithEchoSends makes the simulator answer every send_message intent with
// a new_message event carrying the same clientToken.
func WithEchoSends() SimulatorOption {
	return func(s *Simulator) { s.echoSends = true }
}

// WithSimulatorLogger sets the logger.
func WithSimulatorLogger(l *zap.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = l }
}

// WithSimulatorClock sets the clock used for echoed message timestamps.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator returns a disconnected simulator.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		logger: zap.NewNop(),
		now:    time.Now,
		state:  StateDisconnected,
		rooms:  make(roomSet),
		rng:    rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = newDispatcher(s.logger)
	return s
}

// Subscribe registers h for event and returns a function that removes it.
func (s *Simulator) Subscribe(event string, h Handler) func() {
	return s.dispatcher.subscribe(event, h)
}

// State returns the simulated connection state.
func (s *Simulator) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rooms returns the joined rooms in sorted order.
func (s *Simulator) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms.list()
}

// FailNextConnect makes the next Connect call fail with err.
func (s *Simulator) FailNextConnect(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Connect simulates the handshake, raises connect and arms the script.
func (s *Simulator) Connect(ctx context.Context, userID string) (ConnectionHandle, error) {
	if err := ctx.Err(); err != nil {
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: err}
	}

	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		return ConnectionHandle{}, &TransportError{Op: "connect", Err: err}
	}
	if s.state == StateConnected {
		h := ConnectionHandle{UserID: s.userID}
		s.mu.Unlock()
		return h, nil
	}
	s.state = StateConnected
	s.userID = userID
	s.seq++
	handle := ConnectionHandle{
		UserID:      userID,
		SessionID:   fmt.Sprintf("sim-%d", s.seq),
		ConnectedAt: s.now(),
	}
	s.armScriptLocked()
	s.mu.Unlock()

	s.deliverEvent(Event{Name: EventConnect, Data: encodePayload(ConnectPayload{UserID: userID, SessionID: handle.SessionID})})
	return handle, nil
}

func (s *Simulator) armScriptLocked() {
	for _, step := range s.script {
		step := step
		delay := step.Delay
		if step.Jitter > 0 {
			delay += time.Duration(s.rng.Int63n(int64(step.Jitter)))
		}
		s.timers = append(s.timers, time.AfterFunc(delay, func() {
			s.Inject(step.Event, step.Data)
		}))
	}
}

func (s *Simulator) stopTimersLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// Drop simulates an unexpected connection loss: room membership is cleared
// and disconnect is raised. Call Connect to come back.
func (s *Simulator) Drop() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.rooms = make(roomSet)
	s.stopTimersLocked()
	s.mu.Unlock()

	s.deliverEvent(Event{Name: EventDisconnect, Data: encodePayload(DisconnectPayload{Reason: "simulated drop"})})
}

// Disconnect closes the simulated session.
func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.rooms = make(roomSet)
	s.stopTimersLocked()
	s.mu.Unlock()

	if wasConnected {
		s.deliverEvent(Event{Name: EventDisconnect, Data: encodePayload(DisconnectPayload{Reason: "client disconnect"})})
	}
	return nil
}

// JoinRoom records the join.
func (s *Simulator) JoinRoom(ctx context.Context, conversationID string) error {
	if err := s.Emit(ctx, EventJoinChat, RoomPayload{ConversationID: conversationID}); err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.joinHistory = append(s.joinHistory, conversationID)
	s.mu.Unlock()
	return nil
}

// LeaveRoom records the leave.
func (s *Simulator) LeaveRoom(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
	return s.Emit(ctx, EventLeaveChat, RoomPayload{ConversationID: conversationID})
}

// Emit records an outbound intent. With echo enabled, send_message is
// answered with new_message.
func (s *Simulator) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: event, Err: err}
	}
	data := encodePayload(payload)

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return &TransportError{Op: event, Err: ErrNotConnected}
	}
	s.emitted = append(s.emitted, Event{Name: event, Data: data})
	echo := s.echoSends && event == EventSendMessage
	s.mu.Unlock()

	if echo {
		s.echo(data)
	}
	return nil
}

func (s *Simulator) echo(data json.RawMessage) {
	var in SendIntentPayload
	if err := json.Unmarshal(data, &in); err != nil {
		s.logger.Debug("simulator could not echo send", zap.Error(err))
		return
	}
	id := in.ServerID
	if id == "" {
		id = "srv-" + uuid.NewString()
	}
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	msg := map[string]any{
		"id":             id,
		"clientToken":    in.ClientToken,
		"conversationId": in.ConversationID,
		"senderId":       userID,
		"content":        in.Content,
		"messageType":    in.MessageType,
		"timestamp":      s.now().UTC().Format(time.RFC3339Nano),
		"status":         StatusDelivered,
	}
	if in.OfferData != nil {
		msg["offerData"] = in.OfferData
	}
	if in.Location != nil {
		msg["location"] = in.Location
	}
	if in.File != nil {
		msg["file"] = in.File
	}
	if in.Image != nil {
		msg["media"] = in.Image
	}
	s.Inject(EventNewMessage, msg)
}

// Inject delivers an inbound event synchronously. It reports false when the
// simulator is disconnected or event is not an inbound event name, and the
// event was dropped.
func (s *Simulator) Inject(event string, data any) bool {
	if !isInboundEvent(event) {
		s.logger.Warn("dropping unknown inbound event", zap.String("event", event))
		return false
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.missed++
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.deliverEvent(Event{Name: event, Data: encodePayload(data)})
	return true
}

func (s *Simulator) deliverEvent(ev Event) {
	s.dispatcher.dispatch(ev)
}

// Emitted returns a copy of every intent emitted so far.
func (s *Simulator) Emitted() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.emitted...)
}

// EmittedNamed returns the emitted intents with the given name.
func (s *Simulator) EmittedNamed(event string) []Event {
	var out []Event
	for _, ev := range s.Emitted() {
		if ev.Name == event {
			out = append(out, ev)
		}
	}
	return out
}

// JoinHistory returns every room join in order, including re-joins.
func (s *Simulator) JoinHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joinHistory...)
}

// Missed returns how many injected events were dropped while disconnected.
func (s *Simulator) Missed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

// DemoScript replays a vendor reply after three seconds and a price offer
// after five, for offline development against conversationID.
func DemoScript(conversationID, vendorID, vendorName string) []ScriptStep {
	return []ScriptStep{
		{
			Delay: 3 * time.Second,
			Event: EventNewMessage,
			Data: map[string]any{
				"id":             "demo-" + conversationID + "-reply",
				"conversationId": conversationID,
				"senderId":       vendorID,
				"senderName":     vendorName,
				"content":        "Thanks for your message! We'll get back to you shortly.",
				"messageType":    MessageText,
			},
		},
		{
			Delay: 5 * time.Second,
			Event: EventOfferReceived,
			Data: map[string]any{
				"id":             "demo-" + conversationID + "-offer",
				"conversationId": conversationID,
				"senderId":       vendorID,
				"senderName":     vendorName,
				"content":        "Special offer for you",
				"messageType":    MessageOffer,
				"offerData": OfferPayload{
					OfferID:  "offer-" + conversationID,
					Price:    "₹45,000",
					Validity: "7 days",
					Discount: "15% discount on bulk orders",
					Status:   OfferPending,
				},
			},
		},
	}
}
