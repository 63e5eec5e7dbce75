package chatsync

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testCodec() Codec {
	return Codec{Now: func() time.Time { return fixedNow }}
}

// ============================================================================
// Messages
// ============================================================================

func TestCodecNormalizeLegacyFields(t *testing.T) {
	raw := `{
		"_id": "m1",
		"chatId": "c1",
		"sender": {"_id": "v1", "businessName": "Tech Solutions Ltd"},
		"content": "datasheet attached",
		"type": "document",
		"file": {"fileName": "datasheet.pdf", "fileSize": 2048, "mimetype": "application/pdf", "url": "https://cdn.example/datasheet.pdf"},
		"createdAt": 1700000000000,
		"readBy": ["u1"]
	}`
	m := testCodec().Normalize([]byte(raw), "fallback")

	require.Equal(t, "m1", m.ID)
	require.Equal(t, "c1", m.ConversationID)
	require.Equal(t, "v1", m.SenderID)
	require.Equal(t, "Tech Solutions Ltd", m.SenderName)
	require.Equal(t, "datasheet attached", m.Content)
	require.True(t, m.Timestamp.Equal(time.UnixMilli(1700000000000)))
	require.True(t, m.Read)
	require.Equal(t, StatusSent, m.Status)
	require.Equal(t, MessageFile, m.Type())
	require.Equal(t, FilePayload{
		Name:     "datasheet.pdf",
		Size:     2048,
		MimeType: "application/pdf",
		URL:      "https://cdn.example/datasheet.pdf",
	}, m.Payload)
}

func TestCodecTypeAliases(t *testing.T) {
	tests := []struct {
		tag  string
		want MessageType
	}{
		{"text", MessageText},
		{"Image", MessageImage},
		{"document", MessageFile},
		{"audio", MessageFile},
		{"video", MessageFile},
		{"product", MessageText},
		{"order", MessageText},
		{"contact", MessageText},
		{"sticker", MessageText},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			raw := `{"id":"x","messageType":"` + tt.tag + `","content":"c"}`
			m := testCodec().Normalize([]byte(raw), "conv")
			require.Equal(t, tt.want, m.Type())
		})
	}
}

func TestCodecClassifiesByShape(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want MessageType
	}{
		{"offer", `{"id":"a","offer":{"price":"100"}}`, MessageOffer},
		{"location", `{"id":"b","locationData":{"address":"Mumbai"}}`, MessageLocation},
		{"attachment", `{"id":"c","attachment":{"url":"u"}}`, MessageFile},
		{"media", `{"id":"d","media":{"url":"u"}}`, MessageImage},
		{"system flag", `{"id":"e","isSystemMessage":true}`, MessageSystem},
		{"system type", `{"id":"f","systemType":"penalty"}`, MessageSystem},
		{"plain", `{"id":"g","content":"hi"}`, MessageText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, testCodec().Normalize([]byte(tt.raw), "").Type())
		})
	}
}

func TestCodecMalformedInput(t *testing.T) {
	for _, raw := range []string{`not json {`, `[1,2,3]`, `"just a string"`, ``} {
		m := testCodec().Normalize([]byte(raw), "c9")
		require.True(t, strings.HasPrefix(m.ID, "raw-"), raw)
		require.Equal(t, "c9", m.ConversationID)
		require.Equal(t, strings.TrimSpace(raw), m.Content)
		require.Equal(t, MessageText, m.Type())
		require.Equal(t, StatusSent, m.Status)
		require.Equal(t, fixedNow, m.Timestamp)
	}

	a := testCodec().Normalize([]byte(`{broken`), "")
	b := testCodec().Normalize([]byte(`{broken`), "")
	require.Equal(t, a.ID, b.ID, "re-delivered garbage must dedupe")
}

func TestCodecSystemDataPassthrough(t *testing.T) {
	data := `{"limit": 500000, "nested": {"a": [1, 2]}, "note": "₹"}`
	raw := `{"id":"s1","isSystemMessage":true,"financialType":"credit_limit","data":` + data + `}`

	m := testCodec().Normalize([]byte(raw), "c1")
	p, ok := m.Payload.(SystemPayload)
	require.True(t, ok)
	require.Equal(t, "credit_limit", p.FinancialType)
	require.Equal(t, data, string(p.Data))
}

func TestCodecOfferDefaultsToPending(t *testing.T) {
	raw := `{"id":"o1","messageType":"offer","content":"Special offer","offerData":{"offerId":"of1","price":"₹45,000","validity":"7 days","discount":"15% discount on bulk orders"}}`
	m := testCodec().Normalize([]byte(raw), "c1")

	require.Equal(t, OfferPayload{
		OfferID:  "of1",
		Price:    "₹45,000",
		Validity: "7 days",
		Discount: "15% discount on bulk orders",
		Status:   OfferPending,
	}, m.Payload)
}

func TestCodecLocationCoordinates(t *testing.T) {
	m := testCodec().Normalize([]byte(`{"id":"l1","locationData":{"address":"Mumbai","lat":"19.07","lng":72.87}}`), "c1")
	p, ok := m.Payload.(LocationPayload)
	require.True(t, ok)
	require.Equal(t, "Mumbai", p.Address)
	require.NotNil(t, p.Latitude)
	require.NotNil(t, p.Longitude)
	require.InDelta(t, 19.07, *p.Latitude, 1e-9)
	require.InDelta(t, 72.87, *p.Longitude, 1e-9)
}

func TestCodecStatusAndRead(t *testing.T) {
	m := testCodec().Normalize([]byte(`{"id":"r1","status":"read"}`), "c1")
	require.Equal(t, StatusRead, m.Status)
	require.True(t, m.Read)

	m = testCodec().Normalize([]byte(`{"id":"r2","deliveryStatus":"bogus","status":"delivered","read":false}`), "c1")
	require.Equal(t, StatusDelivered, m.Status)
	require.False(t, m.Read)

	m = testCodec().Normalize([]byte(`{"id":"r3","readBy":[]}`), "c1")
	require.False(t, m.Read)
}

func TestCodecContentObject(t *testing.T) {
	m := testCodec().Normalize([]byte(`{"id":"x","content":{"text":"hello there"}}`), "c1")
	require.Equal(t, "hello there", m.Content)
}

// ============================================================================
// Conversations
// ============================================================================

func TestCodecNormalizeConversation(t *testing.T) {
	raw := `{
		"_id": "chat-1",
		"participants": [
			{"user": {"_id": "buyer-1", "name": "Buyer"}},
			{"user": {"_id": "vendor-1", "firstName": "Asha", "lastName": "Rao", "avatar": "a.png"}}
		],
		"type": "support",
		"status": "closed",
		"isOnline": true,
		"hasNewOffers": true,
		"lastMessage": {"_id": "m9", "messageType": "offer", "senderId": "vendor-1", "createdAt": "2026-02-01T08:00:00Z", "offerData": {"price": "10"}}
	}`
	c := testCodec().NormalizeConversation([]byte(raw), "buyer-1")

	require.Equal(t, "chat-1", c.ID)
	require.Equal(t, "vendor-1", c.CounterpartyID)
	require.Equal(t, "Asha Rao", c.CounterpartyName)
	require.Equal(t, "a.png", c.AvatarRef)
	require.Equal(t, KindSupport, c.Kind)
	require.Equal(t, ConversationClosed, c.Status)
	require.True(t, c.Online)
	require.True(t, c.Offers.HasOffers)
	require.True(t, c.Offers.HasNewOffers)
	require.False(t, c.Offers.HasSentOffers)
	require.Len(t, c.Messages, 1)
	require.Equal(t, "chat-1", c.Messages[0].ConversationID)
	require.True(t, c.ServerLastActivity.Equal(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)))
}

func TestCodecNormalizeConversationDefaults(t *testing.T) {
	c := testCodec().NormalizeConversation([]byte(`{"status":"weird"}`), "buyer-1")
	require.True(t, strings.HasPrefix(c.ID, "conversation-"))
	require.Equal(t, "Vendor", c.CounterpartyName)
	require.Equal(t, ConversationActive, c.Status)
	require.Equal(t, KindDirect, c.Kind)
	require.Empty(t, c.Messages)
}

func TestCodecDecodeWrappedLists(t *testing.T) {
	bodies := []string{
		`[{"id":"a"},{"id":"b"}]`,
		`{"messages":[{"id":"a"},{"id":"b"}]}`,
		`{"data":{"messages":[{"id":"a"},{"id":"b"}]}}`,
		`{"data":[{"id":"a"},{"id":"b"}]}`,
	}
	for _, body := range bodies {
		msgs, err := testCodec().DecodeMessages([]byte(body), "c1")
		require.NoError(t, err, body)
		require.Len(t, msgs, 2, body)
		require.Equal(t, "c1", msgs[0].ConversationID)
	}

	msgs, err := testCodec().DecodeMessages([]byte(`{"results":[]}`), "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)

	_, err = testCodec().DecodeMessages([]byte(`nope`), "c1")
	require.Error(t, err)
}

// ============================================================================
// Send receipts
// ============================================================================

func TestCodecNormalizeReceipt(t *testing.T) {
	r := testCodec().NormalizeReceipt([]byte(`{"success":true,"data":{"message":{"_id":"srv-1","clientToken":"local-abc","createdAt":"2026-01-02T03:04:05Z","content":"hi"}}}`))
	require.Equal(t, "srv-1", r.ServerID)
	require.Equal(t, "local-abc", r.ClientToken)
	require.True(t, r.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NotNil(t, r.Message)
	require.Equal(t, "srv-1", r.Message.ID)
	require.Equal(t, "hi", r.Message.Content)

	r = testCodec().NormalizeReceipt([]byte(`{"clientToken":"local-x","serverId":"srv-2","timestamp":"2026-01-02T03:04:05Z"}`))
	require.Equal(t, "srv-2", r.ServerID)
	require.Equal(t, "local-x", r.ClientToken)
	require.Nil(t, r.Message)
}

func TestCodecEncodeOutbound(t *testing.T) {
	m := Message{
		ConversationID: "c1",
		ClientToken:    "local-1",
		Content:        "Counter offer",
		Payload:        OfferPayload{Price: "₹40,000", Status: OfferPending},
	}
	out := testCodec().EncodeOutbound(m)
	require.Equal(t, MessageOffer, out.MessageType)
	require.NotNil(t, out.OfferData)
	require.Nil(t, out.Location)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"conversationId": "c1",
		"clientToken": "local-1",
		"content": "Counter offer",
		"messageType": "offer",
		"offerData": {"price": "₹40,000", "status": "pending"}
	}`, string(data))

	// The request body decodes back into the same message shape.
	back := testCodec().Normalize(data, "")
	require.Equal(t, m.Payload, back.Payload)
	require.Equal(t, "local-1", back.ClientToken)
}
