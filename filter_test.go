package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func projectIDs(convs []Conversation) []string {
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids
}

// filterFixture builds A(unread=2, last message an offer), B(closed),
// C(unread=1, support) through the store so counts are derived.
func filterFixture(t *testing.T) Snapshot {
	t.Helper()
	s := NewStore(testBuyer)
	s.ReplaceConversations([]Conversation{
		{ID: "A", CounterpartyID: "va", CounterpartyName: "Industrial Supplies Co", Status: ConversationActive},
		{ID: "B", CounterpartyID: "vb", CounterpartyName: "Global Manufacturing", Status: ConversationClosed},
		{ID: "C", CounterpartyID: "support", CounterpartyName: "Support", Status: ConversationSupport, Kind: KindSupport},
	})

	msg := func(conv, id, sender, content string, ts time.Duration, read bool) Message {
		return Message{ID: id, ConversationID: conv, SenderID: sender, Content: content, Timestamp: at(ts), Status: StatusDelivered, Read: read, Payload: TextPayload{}}
	}
	offer := msg("A", "a2", "va", "15% discount on bulk orders", 3*time.Minute, false)
	offer.Payload = OfferPayload{OfferID: "of-a", Price: "₹45,000", Status: OfferPending}

	s.MergeMessages("A", []Message{msg("A", "a1", "va", "Can you quote?", time.Minute, false), offer})
	s.MergeMessages("B", []Message{msg("B", "b1", "vb", "Deal confirmed", 2*time.Minute, true)})
	s.MergeMessages("C", []Message{msg("C", "c1", "support", "How can we help?", 4*time.Minute, false)})

	snap := s.Snapshot()
	a, _ := snap.Conversation("A")
	require.Equal(t, 2, a.UnreadCount)
	return snap
}

func TestFilterCategories(t *testing.T) {
	snap := filterFixture(t)

	tests := []struct {
		filter Filter
		want   []string
	}{
		{FilterAll, []string{"C", "A", "B"}},
		{FilterChats, []string{"C", "A", "B"}},
		{FilterUnread, []string{"C", "A"}},
		{FilterDealsClosed, []string{"B"}},
		{FilterSupport, []string{"C"}},
		{FilterOffersReceived, []string{"A"}},
		{FilterOffersSent, []string{}},
		{FilterArchived, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			require.Equal(t, tt.want, projectIDs(Project(snap, tt.filter, "")))
		})
	}
}

func TestFilterArchivedHiddenFromAll(t *testing.T) {
	s := NewStore(testBuyer)
	s.ReplaceConversations([]Conversation{
		{ID: "live", Status: ConversationActive},
		{ID: "old", Status: ConversationArchived},
	})
	snap := s.Snapshot()

	require.Equal(t, []string{"live"}, projectIDs(Project(snap, FilterAll, "")))
	require.Equal(t, []string{"old"}, projectIDs(Project(snap, FilterArchived, "")))
}

func TestFilterSearchLastMessage(t *testing.T) {
	snap := filterFixture(t)

	require.Equal(t, []string{"A"}, projectIDs(Project(snap, FilterAll, "disc")))
	require.Equal(t, []string{"A"}, projectIDs(Project(snap, FilterAll, "  DISC ")))
	require.Equal(t, []string{"B"}, projectIDs(Project(snap, FilterAll, "global")))
	require.Empty(t, Project(snap, FilterAll, "nothing matches"))

	// Category applies before the text query.
	require.Empty(t, Project(snap, FilterDealsClosed, "disc"))
}

func TestFilterProjectionIsACopy(t *testing.T) {
	snap := filterFixture(t)
	out := Project(snap, FilterAll, "")
	out[0].CounterpartyName = "changed"

	again := Project(snap, FilterAll, "")
	require.NotEqual(t, "changed", again[0].CounterpartyName)
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in   string
		want Filter
	}{
		{"", FilterAll},
		{"all", FilterAll},
		{"Offers Received", FilterOffersReceived},
		{"offers_received", FilterOffersReceived},
		{"offers-sent", FilterOffersSent},
		{"DEALSCLOSED", FilterDealsClosed},
		{" support ", FilterSupport},
		{"archived", FilterArchived},
	}
	for _, tt := range tests {
		got, err := ParseFilter(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseFilter("starred")
	require.Error(t, err)
}
