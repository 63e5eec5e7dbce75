package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testBuyer  = "buyer-1"
	testVendor = "vendor-1"
	testConv   = "chat-1"
)

func at(d time.Duration) time.Time { return fixedNow.Add(d) }

func vendorMsg(id string, ts time.Duration, content string) Message {
	return Message{
		ID:             id,
		ConversationID: testConv,
		SenderID:       testVendor,
		Content:        content,
		Timestamp:      at(ts),
		Status:         StatusDelivered,
		Payload:        TextPayload{},
	}
}

func pendingMsg(token string, ts time.Duration, content string) Message {
	return Message{
		ID:             token,
		ClientToken:    token,
		ConversationID: testConv,
		SenderID:       testBuyer,
		Content:        content,
		Timestamp:      at(ts),
		Status:         StatusSending,
		Payload:        TextPayload{},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(testBuyer)
	s.ReplaceConversations([]Conversation{{
		ID:               testConv,
		CounterpartyID:   testVendor,
		CounterpartyName: "Tech Solutions Ltd",
		Kind:             KindDirect,
		Status:           ConversationActive,
	}})
	return s
}

func messageIDs(c Conversation) []string {
	ids := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		ids[i] = m.ID
	}
	return ids
}

func mustConversation(t *testing.T, s *Store, id string) Conversation {
	t.Helper()
	c, ok := s.Conversation(id)
	require.True(t, ok, "conversation %s", id)
	return c
}

// ============================================================================
// Unread accounting
// ============================================================================

func TestStoreUnreadInvariant(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{
		vendorMsg("m1", 0, "hello"),
		vendorMsg("m2", time.Minute, "are you there?"),
		vendorMsg("m3", 2*time.Minute, "price list attached"),
	})
	require.NoError(t, s.InsertPending(pendingMsg("local-1", 3*time.Minute, "yes")))

	c := mustConversation(t, s, testConv)
	require.Equal(t, 3, c.UnreadCount)
	require.Equal(t, CountUnread(c.Messages, testBuyer), c.UnreadCount)
	require.Equal(t, 3, s.UnreadTotal())

	changed, err := s.MarkRead(testConv, "m2")
	require.NoError(t, err)
	require.Equal(t, []string{"m2"}, changed)

	c = mustConversation(t, s, testConv)
	require.Equal(t, 2, c.UnreadCount)
	require.Equal(t, CountUnread(c.Messages, testBuyer), c.UnreadCount)
	require.Equal(t, 2, s.Snapshot().UnreadTotal)
	require.NoError(t, s.Verify())
}

func TestStoreUnreadAcrossConversations(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{vendorMsg("m1", 0, "a")})

	other := vendorMsg("x1", time.Minute, "from another vendor")
	other.ConversationID = "chat-2"
	other.SenderID = "vendor-2"
	_, changed := s.ApplyInbound(other)
	require.True(t, changed)

	require.Equal(t, 2, s.UnreadTotal())
	_, err := s.MarkRead("chat-2")
	require.NoError(t, err)
	require.Equal(t, 1, s.UnreadTotal())
	require.NoError(t, s.Verify())
}

// ============================================================================
// Ordering
// ============================================================================

func TestStoreOlderMessageIsNotAppended(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{
		vendorMsg("b", 2*time.Minute, "second"),
		vendorMsg("c", 5*time.Minute, "third"),
	})
	_, changed := s.ApplyInbound(vendorMsg("a", time.Minute, "first"))
	require.True(t, changed)

	c := mustConversation(t, s, testConv)
	require.Equal(t, []string{"a", "b", "c"}, messageIDs(c))
	last, ok := c.LastMessage()
	require.True(t, ok)
	require.Equal(t, "c", last.ID)
}

func TestStoreOrderingTiesBreakOnID(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{
		vendorMsg("m-b", time.Minute, ""),
		vendorMsg("m-a", time.Minute, ""),
		vendorMsg("m-0", 0, ""),
	})
	require.Equal(t, []string{"m-0", "m-a", "m-b"}, messageIDs(mustConversation(t, s, testConv)))
}

func TestStoreConversationsSortedByActivity(t *testing.T) {
	s := NewStore(testBuyer)
	s.ReplaceConversations([]Conversation{
		{ID: "old", ServerLastActivity: at(-time.Hour)},
		{ID: "new", ServerLastActivity: at(-time.Minute)},
		{ID: "empty"},
	})
	snap := s.Snapshot()
	require.Len(t, snap.Conversations, 3)
	require.Equal(t, "new", snap.Conversations[0].ID)
	require.Equal(t, "old", snap.Conversations[1].ID)
	require.Equal(t, "empty", snap.Conversations[2].ID)
}

// ============================================================================
// Optimistic send reconciliation
// ============================================================================

func TestStoreEchoBeforeConfirm(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertPending(pendingMsg("local-1", time.Minute, "hello")))

	echo := pendingMsg("local-1", time.Minute, "hello")
	echo.ID = "srv-1"
	echo.Status = StatusSent
	_, changed := s.ApplyInbound(echo)
	require.True(t, changed)

	got, err := s.ConfirmSend("local-1", SendReceipt{ClientToken: "local-1", ServerID: "srv-1", Timestamp: at(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, "srv-1", got.ID)

	c := mustConversation(t, s, testConv)
	require.Len(t, c.Messages, 1)
	require.Equal(t, "srv-1", c.Messages[0].ID)
	require.Equal(t, "local-1", c.Messages[0].ClientToken)
	require.Equal(t, StatusSent, c.Messages[0].Status)
}

func TestStoreConfirmThenEcho(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertPending(pendingMsg("local-1", time.Minute, "hello")))

	_, err := s.ConfirmSend("local-1", SendReceipt{ServerID: "srv-1", Timestamp: at(time.Minute)})
	require.NoError(t, err)

	echo := pendingMsg("local-1", time.Minute, "hello")
	echo.ID = "srv-1"
	echo.Status = StatusDelivered
	s.ApplyInbound(echo)

	// A second echo without the token still matches by server id.
	dup := echo
	dup.ClientToken = ""
	_, changed := s.ApplyInbound(dup)
	require.False(t, changed)

	c := mustConversation(t, s, testConv)
	require.Len(t, c.Messages, 1)
	require.Equal(t, "srv-1", c.Messages[0].ID)
	require.Equal(t, StatusDelivered, c.Messages[0].Status)
}

func TestStoreConfirmFoldsTokenlessCopy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertPending(pendingMsg("local-1", time.Minute, "hello")))

	// The server pushed its copy without the client token first.
	pushed := pendingMsg("", time.Minute, "hello")
	pushed.ID = "srv-1"
	pushed.Status = StatusDelivered
	s.ApplyInbound(pushed)
	require.Len(t, mustConversation(t, s, testConv).Messages, 2)

	got, err := s.ConfirmSend("local-1", SendReceipt{ServerID: "srv-1"})
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got.Status)

	c := mustConversation(t, s, testConv)
	require.Equal(t, []string{"srv-1"}, messageIDs(c))
}

func TestStoreStatusNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertPending(pendingMsg("local-1", 0, "hi")))
	_, err := s.ConfirmSend("local-1", SendReceipt{ServerID: "srv-1"})
	require.NoError(t, err)

	require.True(t, s.AdvanceStatus(testConv, "srv-1", StatusRead))
	require.False(t, s.AdvanceStatus(testConv, "srv-1", StatusDelivered))
	require.False(t, s.AdvanceStatus(testConv, "local-1", StatusFailed))

	m, ok := s.Message(testConv, "local-1")
	require.True(t, ok)
	require.Equal(t, StatusRead, m.Status)
}

func TestStoreFailedSendKeepsTemporaryID(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{
		vendorMsg("m1", 0, "quote attached"),
		vendorMsg("m2", time.Minute, "let me know"),
	})
	_, err := s.MarkRead(testConv, "m1")
	require.NoError(t, err)
	require.NoError(t, s.InsertPending(pendingMsg("local-9", 2*time.Minute, "ok")))

	failed, changed := s.FailSend("local-9")
	require.True(t, changed)
	require.Equal(t, "local-9", failed.ID)
	require.Equal(t, StatusFailed, failed.Status)

	c := mustConversation(t, s, testConv)
	require.Len(t, c.Messages, 3)
	require.Equal(t, "local-9", c.Messages[2].ID)
	require.Equal(t, StatusFailed, c.Messages[2].Status)
	require.Equal(t, 1, c.UnreadCount)

	last, ok := c.LastMessage()
	require.True(t, ok)
	require.Equal(t, "m2", last.ID)
	require.NoError(t, s.Verify())

	// Failing again is a no-op.
	_, changed = s.FailSend("local-9")
	require.False(t, changed)
}

func TestStoreEchoSupersedesFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertPending(pendingMsg("local-1", 0, "hi")))
	s.FailSend("local-1")

	echo := pendingMsg("local-1", 0, "hi")
	echo.ID = "srv-7"
	echo.Status = StatusDelivered
	s.ApplyInbound(echo)

	m, ok := s.Message(testConv, "local-1")
	require.True(t, ok)
	require.Equal(t, "srv-7", m.ID)
	require.Equal(t, StatusDelivered, m.Status)
}

func TestStoreInsertPendingValidation(t *testing.T) {
	s := newTestStore(t)

	m := pendingMsg("local-1", 0, "x")
	m.ID = "other"
	require.Error(t, s.InsertPending(m))

	m = pendingMsg("local-2", 0, "x")
	m.ConversationID = "nope"
	require.ErrorIs(t, s.InsertPending(m), ErrUnknownConversation)

	_, err := s.ConfirmSend("local-missing", SendReceipt{ServerID: "srv"})
	require.ErrorIs(t, err, ErrUnknownMessage)
}

// ============================================================================
// Mark read
// ============================================================================

func TestStoreMarkReadIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{
		vendorMsg("m1", 0, "a"),
		vendorMsg("m2", time.Minute, "b"),
	})

	changed, err := s.MarkRead(testConv)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m1", "m2"}, changed)
	first := s.Snapshot()

	changed, err = s.MarkRead(testConv)
	require.NoError(t, err)
	require.Empty(t, changed)
	require.Equal(t, first, s.Snapshot())
	require.Equal(t, 0, first.UnreadTotal)

	_, err = s.MarkRead("missing")
	require.ErrorIs(t, err, ErrUnknownConversation)
}

func TestStoreReadNeverReverts(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{vendorMsg("m1", 0, "a")})
	_, err := s.MarkRead(testConv)
	require.NoError(t, err)

	// A stale page still reports the message unread.
	s.MergeMessages(testConv, []Message{vendorMsg("m1", 0, "a")})
	require.Equal(t, 0, mustConversation(t, s, testConv).UnreadCount)
}

// ============================================================================
// Placeholders and metadata
// ============================================================================

func TestStorePlaceholderForUnknownConversation(t *testing.T) {
	s := NewStore(testBuyer)
	m := vendorMsg("m1", 0, "hi from a new vendor")
	m.ConversationID = "chat-new"
	m.SenderID = "vendor-new"
	m.SenderName = "Global Manufacturing"
	s.ApplyInbound(m)

	c := mustConversation(t, s, "chat-new")
	require.True(t, c.Placeholder)
	require.Equal(t, "vendor-new", c.CounterpartyID)
	require.Equal(t, "Global Manufacturing", c.CounterpartyName)
	require.Equal(t, 1, c.UnreadCount)

	// The list fetch fills in the real metadata and keeps the message.
	s.ReplaceConversations([]Conversation{{ID: "chat-new", CounterpartyID: "vendor-new", CounterpartyName: "Global Manufacturing Pvt", Status: ConversationActive}})
	c = mustConversation(t, s, "chat-new")
	require.False(t, c.Placeholder)
	require.Equal(t, "Global Manufacturing Pvt", c.CounterpartyName)
	require.Len(t, c.Messages, 1)
}

func TestStoreInboundWithoutConversationUsesSender(t *testing.T) {
	s := newTestStore(t)
	m := vendorMsg("m1", 0, "hi")
	m.ConversationID = ""
	stored, changed := s.ApplyInbound(m)
	require.True(t, changed)
	require.Equal(t, testConv, stored.ConversationID)
}

func TestStoreOfferFlags(t *testing.T) {
	s := newTestStore(t)
	offer := vendorMsg("o1", 0, "15% discount on bulk orders")
	offer.Payload = OfferPayload{OfferID: "of-1", Price: "₹45,000", Status: OfferPending}
	s.ApplyInbound(offer)

	c := mustConversation(t, s, testConv)
	require.True(t, c.Offers.HasOffers)
	require.True(t, c.Offers.HasNewOffers)
	require.False(t, c.Offers.HasSentOffers)

	require.True(t, s.SetOfferStatus(testConv, "of-1", OfferAccepted))
	c = mustConversation(t, s, testConv)
	require.False(t, c.Offers.HasNewOffers)
	require.Equal(t, OfferAccepted, c.Messages[0].Payload.(OfferPayload).Status)

	// A stale copy saying pending does not undo the acceptance.
	s.MergeMessages(testConv, []Message{offer})
	c = mustConversation(t, s, testConv)
	require.Equal(t, OfferAccepted, c.Messages[0].Payload.(OfferPayload).Status)

	mine := pendingMsg("local-o", time.Minute, "counter")
	mine.Payload = OfferPayload{Price: "₹40,000"}
	require.NoError(t, s.InsertPending(mine))
	require.True(t, mustConversation(t, s, testConv).Offers.HasSentOffers)
}

func TestStorePresenceAndTyping(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, []string{testConv}, s.SetPresence(testVendor, true))
	require.Empty(t, s.SetPresence(testVendor, true))
	require.True(t, mustConversation(t, s, testConv).Online)

	require.True(t, s.SetTyping(testConv, testVendor, true))
	require.Equal(t, []string{testVendor}, s.Snapshot().Typing[testConv])
	require.True(t, s.SetTyping(testConv, testVendor, false))
	require.Empty(t, s.Snapshot().Typing)
}

// ============================================================================
// Snapshots and notifications
// ============================================================================

func TestStoreSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore(t)
	lat := 19.07
	m := vendorMsg("m1", 0, "here")
	m.Payload = LocationPayload{Address: "Mumbai", Latitude: &lat}
	s.ApplyInbound(m)

	snap := s.Snapshot()
	snap.Conversations[0].Messages[0].Content = "mutated"
	*snap.Conversations[0].Messages[0].Payload.(LocationPayload).Latitude = 0

	again := mustConversation(t, s, testConv)
	require.Equal(t, "here", again.Messages[0].Content)
	require.InDelta(t, 19.07, *again.Messages[0].Payload.(LocationPayload).Latitude, 1e-9)
}

func TestStoreChangeNotifications(t *testing.T) {
	s := newTestStore(t)
	var (
		mu      sync.Mutex
		changes []Change
	)
	unsubscribe := s.OnChange(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
		// Listeners run outside the lock and may read the store.
		_ = s.Snapshot()
	})

	s.ApplyInbound(vendorMsg("m1", 0, "hi"))
	s.ApplyInbound(vendorMsg("m1", 0, "hi"))
	s.SetConnected(true)

	mu.Lock()
	require.Len(t, changes, 2)
	require.Equal(t, ChangeMessages, changes[0].Kind)
	require.Equal(t, ChangeConnection, changes[1].Kind)
	require.Less(t, changes[0].Version, changes[1].Version)
	mu.Unlock()

	unsubscribe()
	s.SetConnected(false)
	mu.Lock()
	require.Len(t, changes, 2)
	mu.Unlock()
}

func TestStoreListenerPanicIsContained(t *testing.T) {
	s := newTestStore(t)
	s.OnChange(func(Change) { panic("boom") })
	require.NotPanics(t, func() { s.SetConnected(true) })
	require.True(t, s.Connected())
}

func TestStoreSliceErrorsLeaveStateUntouched(t *testing.T) {
	s := newTestStore(t)
	s.MergeMessages(testConv, []Message{vendorMsg("m1", 0, "a")})
	before := mustConversation(t, s, testConv)

	s.SetSliceError(SliceMessages(testConv), &RequestError{Op: "fetch_messages", StatusCode: 500})
	require.Error(t, s.Snapshot().Errors[SliceMessages(testConv)])
	require.Equal(t, before, mustConversation(t, s, testConv))

	s.ClearSliceError(SliceMessages(testConv))
	require.Empty(t, s.Snapshot().Errors)
}

func TestStoreConcurrentMutations(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := time.Duration(i*100+j) * time.Second
				s.ApplyInbound(vendorMsg("m-"+id.String(), id, "x"))
				if j%10 == 0 {
					_, _ = s.MarkRead(testConv)
				}
				_ = s.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, s.Verify())
	c := mustConversation(t, s, testConv)
	require.Len(t, c.Messages, 400)
	require.Equal(t, CountUnread(c.Messages, testBuyer), c.UnreadCount)
}
