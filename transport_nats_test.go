package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNATSSubjects(t *testing.T) {
	require.Equal(t, "chat.room.chat-1", RoomSubject("chat-1"))
	require.Equal(t, "chat.user.buyer-1", UserSubject("buyer-1"))
	require.Equal(t, "chat.intent.send_message", IntentSubject(EventSendMessage))
}

func TestNATSConnectRefused(t *testing.T) {
	tr := NewNATSTransport("nats://127.0.0.1:1", Config{AutoReconnect: false},
		WithNATSLogger(zaptest.NewLogger(t)),
		WithNATSOptions(nats.Timeout(500*time.Millisecond)),
	)
	require.Len(t, tr.opts, 1)
	connects := collect(t, tr, EventConnect)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.Connect(ctx, testBuyer)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "connect", terr.Op)
	require.Equal(t, StateDisconnected, tr.State())
	require.Empty(t, connects)
}

func TestNATSIntentsRequireConnection(t *testing.T) {
	tr := NewNATSTransport("nats://127.0.0.1:1", Config{})
	ctx := context.Background()

	err := tr.Emit(ctx, EventTyping, TypingPayload{ConversationID: testConv, IsTyping: true})
	require.True(t, errors.Is(err, ErrNotConnected))

	err = tr.JoinRoom(ctx, testConv)
	require.True(t, errors.Is(err, ErrNotConnected))
	require.Empty(t, tr.Rooms())

	require.NoError(t, tr.Disconnect())
}

func TestNATSDeliverLoop(t *testing.T) {
	tr := NewNATSTransport("nats://127.0.0.1:1", Config{}, WithNATSLogger(zaptest.NewLogger(t)))
	messages := collect(t, tr, EventNewMessage)

	inbox := make(chan *nats.Msg, 4)
	done := make(chan struct{})
	go tr.deliverLoop(inbox, done)
	defer close(done)

	inbox <- &nats.Msg{Subject: RoomSubject(testConv), Data: []byte("not json")}
	inbox <- &nats.Msg{Subject: RoomSubject(testConv), Data: []byte(`{"data":{}}`)}
	inbox <- &nats.Msg{Subject: RoomSubject(testConv), Data: []byte(`{"event":"new_message","data":{"id":"m-1","content":"hi"}}`)}

	select {
	case ev := <-messages:
		require.Equal(t, EventNewMessage, ev.Name)
		require.JSONEq(t, `{"id":"m-1","content":"hi"}`, string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("new_message not delivered")
	}
	require.Empty(t, messages)
}

func TestNATSConnectWhileReconnectingStopsOldLoop(t *testing.T) {
	tr := NewNATSTransport("nats://127.0.0.1:1", Config{AutoReconnect: false},
		WithNATSLogger(zaptest.NewLogger(t)),
		WithNATSOptions(nats.Timeout(500*time.Millisecond)),
	)

	oldInbox := make(chan *nats.Msg)
	oldDone := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		tr.deliverLoop(oldInbox, oldDone)
		close(exited)
	}()

	tr.mu.Lock()
	tr.state = StateReconnecting
	tr.inbox = oldInbox
	tr.done = oldDone
	tr.rooms[testConv] = &nats.Subscription{}
	tr.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.Connect(ctx, testBuyer)
	require.Error(t, err)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("previous delivery loop still running")
	}
	require.Empty(t, tr.Rooms())
	require.Equal(t, StateDisconnected, tr.State())
	require.NoError(t, tr.Disconnect())
}
