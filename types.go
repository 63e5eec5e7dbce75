package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Enumerations
// ============================================================================

// MessageType is the closed set of message kinds exchanged at the boundary.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageOffer    MessageType = "offer"
	MessageLocation MessageType = "location"
	MessageFile     MessageType = "file"
	MessageSystem   MessageType = "system"
)

// DeliveryStatus tracks transmission progress of a single message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvanceTo reports whether s may transition to next.
// Transitions only move forward; failed is reachable only from sending
// and is terminal, as is read.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	if s == StatusFailed || s == next {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	from, ok := statusRank[s]
	if !ok {
		return true
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Valid reports whether s is one of the known delivery states.
func (s DeliveryStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationClosed   ConversationStatus = "closed"
	ConversationSupport  ConversationStatus = "support"
	ConversationArchived ConversationStatus = "archived"
)

// ConversationKind distinguishes regular buyer-vendor threads from support threads.
type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindSupport ConversationKind = "support"
)

// OfferStatus mirrors the backend offer lifecycle. Offers never expire on
// their own; only backend events move them out of pending.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// ============================================================================
// Payload union
// ============================================================================

// Payload is the type-specific part of a message. The set of
// implementations is closed: only the six payload types in this package
// satisfy it.
type Payload interface {
	Kind() MessageType
	isPayload()
}

// TextPayload carries no extra data; the text lives in Message.Content.
type TextPayload struct{}

// ImagePayload references an uploaded image.
type ImagePayload struct {
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// OfferPayload is a price offer made inside a conversation.
type OfferPayload struct {
	OfferID  string      `json:"offerId,omitempty"`
	Price    string      `json:"price,omitempty"`
	Validity string      `json:"validity,omitempty"`
	Discount string      `json:"discount,omitempty"`
	Status   OfferStatus `json:"status,omitempty"`
}

// LocationPayload is a shared address.
type LocationPayload struct {
	Address   string   `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// FilePayload references an uploaded document.
type FilePayload struct {
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}

// SystemPayload is a server-generated notice. Data is opaque and passed
// through unmodified for display.
type SystemPayload struct {
	FinancialType string          `json:"financialType,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func (TextPayload) Kind() MessageType     { return MessageText }
func (ImagePayload) Kind() MessageType    { return MessageImage }
func (OfferPayload) Kind() MessageType    { return MessageOffer }
func (LocationPayload) Kind() MessageType { return MessageLocation }
func (FilePayload) Kind() MessageType     { return MessageFile }
func (SystemPayload) Kind() MessageType   { return MessageSystem }

func (TextPayload) isPayload()     {}
func (ImagePayload) isPayload()    {}
func (OfferPayload) isPayload()    {}
func (LocationPayload) isPayload() {}
func (FilePayload) isPayload()     {}
func (SystemPayload) isPayload()   {}

// ============================================================================
// Message
// ============================================================================

// Message is the canonical message shape held by the store.
type Message struct {
	ID             string
	ClientToken    string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Timestamp      time.Time
	Status         DeliveryStatus
	Read           bool
	Payload        Payload
}

// Type returns the message tag derived from its payload.
func (m Message) Type() MessageType {
	if m.Payload == nil {
		return MessageText
	}
	return m.Payload.Kind()
}

// Pending reports whether the message still carries its temporary id.
func (m Message) Pending() bool {
	return m.ClientToken != "" && m.ID == m.ClientToken
}

// messageLess orders messages by (timestamp, id).
func messageLess(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Draft is what the UI hands to Coordinator.Send.
type Draft struct {
	Content string
	Payload Payload
}

// ============================================================================
// Conversation
// ============================================================================

// OfferFlags summarise the offer history of a conversation.
type OfferFlags struct {
	HasOffers     bool
	HasNewOffers  bool
	HasSentOffers bool
}

// Conversation is a read-only view of one thread. Values handed out by the
// store are deep copies.
type Conversation struct {
	ID               string
	CounterpartyID   string
	CounterpartyName string
	AvatarRef        string
	Kind             ConversationKind
	Status           ConversationStatus
	Online           bool
	Offers           OfferFlags
	Messages         []Message
	UnreadCount      int

	// Placeholder is set for conversations synthesised from an inbound
	// event before the list fetch has seen them.
	Placeholder bool

	// ServerLastActivity is the last activity time reported by the list
	// endpoint; it drives re-sync after a reconnect.
	ServerLastActivity time.Time
}

// LastMessage returns the message with the greatest (timestamp, id).
// Failed sends are skipped unless nothing else is left.
func (c Conversation) LastMessage() (Message, bool) {
	var (
		last  Message
		found bool
	)
	for _, m := range c.Messages {
		if m.Status == StatusFailed {
			continue
		}
		if !found || messageLess(last, m) {
			last, found = m, true
		}
	}
	if found || len(c.Messages) == 0 {
		return last, found
	}
	last = c.Messages[0]
	for _, m := range c.Messages[1:] {
		if messageLess(last, m) {
			last = m
		}
	}
	return last, true
}

// LastActivityAt equals the last message timestamp, falling back to the
// server-reported activity when no message has been loaded yet.
func (c Conversation) LastActivityAt() time.Time {
	if m, ok := c.LastMessage(); ok {
		return m.Timestamp
	}
	return c.ServerLastActivity
}

// ============================================================================
// Wire shapes
// ============================================================================

// OutboundMessage is the body of a send request and of the send_message intent.
type OutboundMessage struct {
	ConversationID string           `json:"conversationId"`
	ClientToken    string           `json:"clientToken"`
	Content        string           `json:"content"`
	MessageType    MessageType      `json:"messageType"`
	OfferData      *OfferPayload    `json:"offerData,omitempty"`
	Location       *LocationPayload `json:"location,omitempty"`
	File           *FilePayload     `json:"file,omitempty"`
	Image          *ImagePayload    `json:"media,omitempty"`
}

// SendReceipt is the backend acknowledgement of a send.
type SendReceipt struct {
	ClientToken string
	ServerID    string
	Timestamp   time.Time
	Message     *Message
}

// ConnectionHandle describes an established realtime session.
type ConnectionHandle struct {
	UserID      string
	SessionID   string
	ConnectedAt time.Time
}
