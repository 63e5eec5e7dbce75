package chatsync

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Codec
// ============================================================================

// Codec turns heterogeneous backend and realtime payloads into the canonical
// Message and Conversation shapes. It is stateless apart from the clock and
// never panics: a record it cannot parse degrades to a text message that
// echoes the raw bytes.
type Codec struct {
	// Now supplies the timestamp for records that carry none. Defaults to
	// time.Now.
	Now func() time.Time
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// typeAliases maps legacy message type strings onto the closed set.
var typeAliases = map[string]MessageType{
	"text":     MessageText,
	"image":    MessageImage,
	"offer":    MessageOffer,
	"location": MessageLocation,
	"file":     MessageFile,
	"system":   MessageSystem,
	"document": MessageFile,
	"audio":    MessageFile,
	"video":    MessageFile,
	"product":  MessageText,
	"order":    MessageText,
	"contact":  MessageText,
}

// Normalize decodes a single message record. fallbackConv is used when the
// record does not name its conversation.
func (c Codec) Normalize(raw []byte, fallbackConv string) Message {
	f, ok := parseFields(raw)
	if !ok {
		return c.rawMessage(raw, fallbackConv)
	}
	m, _ := c.normalizeFields(f, raw, fallbackConv)
	return m
}

func (c Codec) rawMessage(raw []byte, conv string) Message {
	return Message{
		ID:             rawID("raw-", raw),
		ConversationID: conv,
		Content:        strings.TrimSpace(string(raw)),
		Timestamp:      c.now(),
		Status:         StatusSent,
		Payload:        TextPayload{},
	}
}

// normalizeFields builds a Message and reports whether the timestamp came
// from the record itself.
func (c Codec) normalizeFields(f fields, raw []byte, fallbackConv string) (Message, bool) {
	m := Message{
		ID:             f.id("id", "_id", "messageId"),
		ClientToken:    f.str("clientToken", "tempId"),
		ConversationID: f.id("chatId", "conversationId"),
		SenderID:       f.id("senderId", "sender"),
		SenderName:     f.str("senderName"),
	}
	if m.ID == "" {
		m.ID = rawID("raw-", raw)
	}
	if m.ConversationID == "" {
		m.ConversationID = fallbackConv
	}
	if m.SenderName == "" {
		if sender := f.obj("sender"); sender != nil {
			m.SenderName = displayName(sender)
		}
	}

	ts, hasTS := f.time("timestamp", "createdAt", "updatedAt")
	if !hasTS {
		ts = c.now()
	}
	m.Timestamp = ts

	content := f.obj("content")
	if content != nil {
		m.Content = content.str("text", "message", "body")
		if m.Content == "" {
			m.Content = string(f["content"])
		}
	} else {
		m.Content = f.str("content", "text")
	}

	m.Status = StatusSent
	for _, key := range []string{"deliveryStatus", "status"} {
		if s := DeliveryStatus(f.str(key)); s.Valid() {
			m.Status = s
			break
		}
	}
	if b, ok := f.boolean("read"); ok {
		m.Read = b
	} else {
		m.Read = f.str("status") == string(StatusRead) || f.nonEmptyArray("readBy")
	}

	m.Payload = c.payload(f, content)
	return m, hasTS
}

func (c Codec) payload(f fields, content fields) Payload {
	switch classify(f) {
	case MessageOffer:
		o := f.obj("offerData", "offer")
		p := OfferPayload{Status: OfferPending}
		if o != nil {
			p.OfferID = o.id("offerId", "_id", "id")
			p.Price = o.str("price", "amount")
			p.Validity = o.str("validity", "validUntil")
			p.Discount = o.str("discount")
			if s := o.str("status"); s != "" {
				p.Status = OfferStatus(s)
			}
		}
		return p
	case MessageLocation:
		var p LocationPayload
		if l := f.obj("location", "locationData"); l != nil {
			p.Address = l.str("address", "name")
			if v, ok := l.num("latitude", "lat"); ok {
				p.Latitude = &v
			}
			if v, ok := l.num("longitude", "lng", "lon"); ok {
				p.Longitude = &v
			}
		}
		return p
	case MessageFile:
		var p FilePayload
		if a := f.obj("file", "attachment", "media"); a != nil {
			p.Name = a.str("name", "fileName", "filename")
			if v, ok := a.num("size", "fileSize"); ok {
				p.Size = int64(v)
			}
			p.MimeType = a.str("mimeType", "mimetype", "contentType")
			p.URL = a.str("url", "uri")
		}
		return p
	case MessageImage:
		var p ImagePayload
		if a := f.obj("media", "image", "file"); a != nil {
			p.URL = a.str("url", "uri")
			p.Caption = a.str("caption")
		}
		return p
	case MessageSystem:
		p := SystemPayload{FinancialType: f.str("financialType", "systemType", "systemMessageType")}
		if p.FinancialType == "" && content != nil {
			p.FinancialType = content.str("type")
		}
		for _, key := range []string{"data", "metadata"} {
			if v, ok := f[key]; ok && !isNull(v) {
				p.Data = append(json.RawMessage(nil), v...)
				break
			}
		}
		return p
	default:
		return TextPayload{}
	}
}

// classify picks the message type: an explicit known tag wins, then the
// payload shape, then text.
func classify(f fields) MessageType {
	for _, key := range []string{"messageType", "type"} {
		if t, ok := typeAliases[strings.ToLower(f.str(key))]; ok {
			return t
		}
	}
	if b, _ := f.boolean("isSystemMessage"); b {
		return MessageSystem
	}
	switch {
	case f.obj("offerData", "offer") != nil:
		return MessageOffer
	case f.obj("location", "locationData") != nil:
		return MessageLocation
	case f.obj("file", "attachment") != nil:
		return MessageFile
	case f.obj("media", "image") != nil:
		return MessageImage
	case f.str("financialType", "systemType", "systemMessageType") != "":
		return MessageSystem
	}
	return MessageText
}

// NormalizeConversation decodes one conversation record from the list
// endpoint. The counterparty is the first participant that is not
// localUserID.
func (c Codec) NormalizeConversation(raw []byte, localUserID string) Conversation {
	f, ok := parseFields(raw)
	if !ok {
		return Conversation{
			ID:               rawID("conversation-", raw),
			CounterpartyName: "Vendor",
			Kind:             KindDirect,
			Status:           ConversationActive,
		}
	}

	conv := Conversation{ID: f.id("id", "_id", "conversationId", "chatId")}
	if conv.ID == "" {
		conv.ID = rawID("conversation-", raw)
	}

	var other fields
	var otherID string
	for _, p := range f.objects("participants") {
		user := p.obj("user")
		uid := p.id("user", "userId")
		if user == nil {
			user = p
			uid = firstNonEmpty(uid, p.id("_id", "id"))
		}
		if other == nil {
			other, otherID = user, uid
		}
		if uid != "" && localUserID != "" && uid != localUserID {
			other, otherID = user, uid
			break
		}
	}

	conv.CounterpartyID = f.id("vendorId", "counterpartyId")
	conv.CounterpartyName = f.str("vendorName", "counterpartyName")
	conv.AvatarRef = f.str("vendorAvatar", "avatar", "counterpartyAvatar")
	if other != nil {
		if conv.CounterpartyID == "" {
			conv.CounterpartyID = otherID
		}
		if conv.CounterpartyName == "" {
			conv.CounterpartyName = displayName(other)
		}
		if conv.AvatarRef == "" {
			conv.AvatarRef = other.str("avatar")
		}
	}
	if conv.CounterpartyID == "" {
		conv.CounterpartyID = conv.ID
	}
	if conv.CounterpartyName == "" {
		conv.CounterpartyName = "Vendor"
	}

	conv.Online, _ = f.boolean("isOnline")
	if !conv.Online {
		conv.Online, _ = f.boolean("online")
	}

	conv.Status = ConversationActive
	switch s := ConversationStatus(f.str("status")); s {
	case ConversationActive, ConversationClosed, ConversationSupport, ConversationArchived:
		conv.Status = s
	}
	conv.Kind = KindDirect
	if ConversationKind(f.str("type", "conversationType")) == KindSupport {
		conv.Kind = KindSupport
	}

	var last *Message
	if v, ok := f["lastMessage"]; ok && !isNull(v) {
		if lf, ok := parseFields(v); ok {
			m, _ := c.normalizeFields(lf, v, conv.ID)
			last = &m
		}
	}
	for _, rm := range f.rawArray("messages") {
		conv.Messages = append(conv.Messages, c.Normalize(rm, conv.ID))
	}
	if len(conv.Messages) == 0 && last != nil {
		conv.Messages = []Message{*last}
	}

	if last != nil {
		conv.ServerLastActivity = last.Timestamp
	} else if ts, ok := f.time("lastMessageAt", "updatedAt", "createdAt"); ok {
		conv.ServerLastActivity = ts
	}
	if ts, ok := f.time("lastMessageAt"); ok && ts.After(conv.ServerLastActivity) {
		conv.ServerLastActivity = ts
	}

	conv.Offers.HasOffers, _ = f.boolean("hasOffers")
	if last != nil && last.Type() == MessageOffer {
		conv.Offers.HasOffers = true
	}
	conv.Offers.HasNewOffers, _ = f.boolean("hasNewOffers")
	conv.Offers.HasSentOffers, _ = f.boolean("hasSentOffers")
	return conv
}

// NormalizeReceipt decodes a send acknowledgement. Accepted shapes are a
// bare {clientToken, serverId, timestamp} object, or a message record,
// optionally wrapped in "data" and/or "message".
func (c Codec) NormalizeReceipt(raw []byte) SendReceipt {
	var r SendReceipt
	f, ok := parseFields(raw)
	if !ok {
		return r
	}
	token := f.str("clientToken", "tempId")
	if inner := f.obj("data"); inner != nil {
		f = inner
		token = firstNonEmpty(f.str("clientToken", "tempId"), token)
	}
	if inner := f.obj("message"); inner != nil {
		f = inner
	}
	r.ClientToken = firstNonEmpty(f.str("clientToken", "tempId"), token)
	r.ServerID = f.id("serverId")
	if ts, ok := f.time("timestamp", "createdAt"); ok {
		r.Timestamp = ts
	}
	if f.id("id", "_id", "messageId") != "" {
		m, hasTS := c.normalizeFields(f, nil, "")
		if m.ClientToken == "" {
			m.ClientToken = r.ClientToken
		}
		if !hasTS {
			m.Timestamp = time.Time{}
		}
		r.Message = &m
		if r.ServerID == "" {
			r.ServerID = m.ID
		}
	}
	return r
}

// EncodeOutbound converts a local message into the send request body.
func (c Codec) EncodeOutbound(m Message) OutboundMessage {
	out := OutboundMessage{
		ConversationID: m.ConversationID,
		ClientToken:    m.ClientToken,
		Content:        m.Content,
		MessageType:    m.Type(),
	}
	switch p := m.Payload.(type) {
	case OfferPayload:
		out.OfferData = &p
	case LocationPayload:
		out.Location = &p
	case FilePayload:
		out.File = &p
	case ImagePayload:
		out.Image = &p
	}
	return out
}

// DecodeMessages decodes a message page. The body may be a bare array or
// wrapped in "messages", "data" or "results".
func (c Codec) DecodeMessages(raw []byte, conversationID string) ([]Message, error) {
	items, err := unwrapList(raw, "messages", "results")
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		out = append(out, c.Normalize(item, conversationID))
	}
	return out, nil
}

// DecodeConversations decodes the conversation list body.
func (c Codec) DecodeConversations(raw []byte, localUserID string) ([]Conversation, error) {
	items, err := unwrapList(raw, "conversations", "chats")
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(items))
	for _, item := range items {
		out = append(out, c.NormalizeConversation(item, localUserID))
	}
	return out, nil
}

func unwrapList(raw []byte, keys ...string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) == nil {
		return items, nil
	}
	f, ok := parseFields(raw)
	if !ok {
		return nil, fmt.Errorf("failed to unmarshal response: not a JSON array or object")
	}
	if inner := f.obj("data"); inner != nil {
		f = inner
	} else if list := f.rawArray("data"); list != nil {
		return list, nil
	}
	for _, key := range keys {
		if list := f.rawArray(key); list != nil {
			return list, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Field helpers
// ============================================================================

// fields is a JSON object decoded one level deep so nested values keep
// their exact bytes.
type fields map[string]json.RawMessage

func parseFields(raw []byte) (fields, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	return f, true
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// str returns the first key holding a non-empty string or a number.
func (f fields) str(keys ...string) string {
	for _, key := range keys {
		v, ok := f[key]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if json.Unmarshal(v, &n) == nil {
			return n.String()
		}
	}
	return ""
}

// id is like str but also accepts an object carrying _id or id.
func (f fields) id(keys ...string) string {
	for _, key := range keys {
		if s := f.str(key); s != "" {
			return s
		}
		if o := f.obj(key); o != nil {
			if s := o.str("_id", "id"); s != "" {
				return s
			}
		}
	}
	return ""
}

func (f fields) obj(keys ...string) fields {
	for _, key := range keys {
		v, ok := f[key]
		if !ok {
			continue
		}
		if o, ok := parseFields(v); ok {
			return o
		}
	}
	return nil
}

func (f fields) rawArray(key string) []json.RawMessage {
	v, ok := f[key]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if json.Unmarshal(v, &items) != nil {
		return nil
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items
}

func (f fields) objects(key string) []fields {
	var out []fields
	for _, item := range f.rawArray(key) {
		if o, ok := parseFields(item); ok {
			out = append(out, o)
		}
	}
	return out
}

func (f fields) nonEmptyArray(key string) bool {
	return len(f.rawArray(key)) > 0
}

func (f fields) boolean(key string) (bool, bool) {
	v, ok := f[key]
	if !ok {
		return false, false
	}
	var b bool
	if json.Unmarshal(v, &b) != nil {
		return false, false
	}
	return b, true
}

func (f fields) num(keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := f[key]
		if !ok {
			continue
		}
		var n float64
		if json.Unmarshal(v, &n) == nil {
			return n, true
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// time accepts RFC 3339 strings and unix milliseconds.
func (f fields) time(keys ...string) (time.Time, bool) {
	for _, key := range keys {
		v, ok := f[key]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t.UTC(), true
			}
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC(), true
			}
			continue
		}
		var ms float64
		if json.Unmarshal(v, &ms) == nil {
			return time.UnixMilli(int64(ms)).UTC(), true
		}
	}
	return time.Time{}, false
}

func displayName(f fields) string {
	if s := f.str("businessName", "name", "displayName"); s != "" {
		return s
	}
	return strings.TrimSpace(f.str("firstName") + " " + f.str("lastName"))
}

func rawID(prefix string, raw []byte) string {
	sum := sha1.Sum(bytes.TrimSpace(raw))
	return prefix + hex.EncodeToString(sum[:])[:16]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
