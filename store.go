package chatsync

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind classifies a store mutation.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeRead          ChangeKind = "read"
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
	ChangeStatus        ChangeKind = "status"
	ChangeConnection    ChangeKind = "connection"
	ChangeError         ChangeKind = "error"
	ChangeActive        ChangeKind = "active"
)

// Change describes one committed mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageIDs     []string
	Version        uint64
}

// ChangeListener is called after a mutation is committed, outside the
// store lock.
type ChangeListener func(Change)

// ============================================================================
// Snapshot
// ============================================================================

// Slice error keys used with SetSliceError.
const (
	SliceConversations = "conversations"
	SliceSearch        = "search"
	SliceTransport     = "transport"
)

// SliceMessages is the error key for a conversation's message history.
func SliceMessages(conversationID string) string { return "messages:" + conversationID }

// Snapshot is a consistent, deep-copied view of the store.
type Snapshot struct {
	LocalUserID string

	// Conversations are ordered by last activity, most recent first.
	Conversations []Conversation
	UnreadTotal   int

	Connected          bool
	ActiveConversation string

	// Typing maps a conversation id to the users currently typing in it.
	Typing map[string][]string

	// Errors holds the last fetch error per state slice.
	Errors map[string]error

	Version uint64
}

// Conversation returns the conversation with the given id.
func (s Snapshot) Conversation(id string) (Conversation, bool) {
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// ============================================================================
// Store
// ============================================================================

type convState struct {
	conv         Conversation
	messages     []Message
	serverOffers OfferFlags
	typing       map[string]bool
}

func (st *convState) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range st.messages {
		if st.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (st *convState) indexOfToken(token string) int {
	if token == "" {
		return -1
	}
	for i := range st.messages {
		if st.messages[i].ClientToken == token {
			return i
		}
	}
	return -1
}

// indexOfRef matches a server id first, then a client token.
func (st *convState) indexOfRef(ref string) int {
	if i := st.indexOf(ref); i >= 0 {
		return i
	}
	return st.indexOfToken(ref)
}

func (st *convState) sort() {
	sort.SliceStable(st.messages, func(i, j int) bool {
		return messageLess(st.messages[i], st.messages[j])
	})
}

// Store is the single canonical state container. Every mutation goes
// through one of its methods, each of which runs under one lock, so
// interleaved callers never observe a torn conversation.
type Store struct {
	localUserID string
	logger      *zap.Logger

	mu        sync.Mutex
	convs     map[string]*convState
	tokens    map[string]string
	unread    *UnreadCounter
	connected bool
	active    string
	errors    map[string]error
	version   uint64

	listenersMu  sync.RWMutex
	listeners    map[int]ChangeListener
	nextListener int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store for the given local user.
func NewStore(localUserID string, opts ...StoreOption) *Store {
	s := &Store{
		localUserID: localUserID,
		logger:      zap.NewNop(),
		convs:       make(map[string]*convState),
		tokens:      make(map[string]string),
		unread:      NewUnreadCounter(localUserID),
		errors:      make(map[string]error),
		listeners:   make(map[int]ChangeListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LocalUserID returns the user the store belongs to.
func (s *Store) LocalUserID() string { return s.localUserID }

// OnChange registers a listener and returns a function that removes it.
func (s *Store) OnChange(fn ChangeListener) func() {
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.listenersMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ChangeListener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenersMu.RUnlock()

	for _, ch := range changes {
		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("store listener panicked", zap.Any("panic", r))
					}
				}()
				fn(ch)
			}()
		}
	}
}

// commit runs fn under the lock, stamps the resulting changes with a new
// version and notifies listeners after unlocking.
func (s *Store) commit(fn func() []Change) []Change {
	s.mu.Lock()
	changes := fn()
	if len(changes) > 0 {
		s.version++
		for i := range changes {
			changes[i].Version = s.version
		}
	}
	s.mu.Unlock()
	s.notify(changes)
	return changes
}

// touch re-derives everything that depends on a conversation's messages.
func (s *Store) touch(st *convState) {
	s.unread.Recompute(st.conv.ID, st.messages)
}

// ensure returns the state for id, creating a placeholder when unknown.
func (s *Store) ensure(id, counterpartyID, counterpartyName string) *convState {
	if st, ok := s.convs[id]; ok {
		return st
	}
	if counterpartyID == "" {
		counterpartyID = id
	}
	st := &convState{
		conv: Conversation{
			ID:               id,
			CounterpartyID:   counterpartyID,
			CounterpartyName: counterpartyName,
			Kind:             KindDirect,
			Status:           ConversationActive,
			Placeholder:      true,
		},
		typing: make(map[string]bool),
	}
	s.convs[id] = st
	s.logger.Debug("created placeholder conversation",
		zap.String("conversation_id", id),
		zap.String("counterparty_id", counterpartyID),
	)
	return st
}

// ── Merge ─────────────────────────────────────────────────

// merge folds m into st. A record carrying a known client token reconciles
// with the optimistic record; a known id updates in place; anything else is
// inserted. The message list is re-sorted afterwards.
func (s *Store) merge(st *convState, m Message) (Message, bool) {
	m.ConversationID = st.conv.ID
	if m.Payload == nil {
		m.Payload = TextPayload{}
	}

	if i := st.indexOfToken(m.ClientToken); i >= 0 {
		return s.reconcile(st, i, m)
	}
	if i := st.indexOf(m.ID); i >= 0 {
		existing := st.messages[i]
		merged := mergeMessage(existing, m)
		if reflect.DeepEqual(existing, merged) {
			return existing, false
		}
		st.messages[i] = merged
		if merged.ClientToken != "" {
			s.tokens[merged.ClientToken] = st.conv.ID
		}
		st.sort()
		return merged, true
	}

	st.messages = append(st.messages, m)
	if m.ClientToken != "" {
		s.tokens[m.ClientToken] = st.conv.ID
	}
	st.sort()
	return m, true
}

// reconcile applies a server-authoritative record to the optimistic message
// at index i. The temporary id is replaced; any separate copy already
// stored under the server id is folded in so exactly one record remains.
func (s *Store) reconcile(st *convState, i int, m Message) (Message, bool) {
	local := st.messages[i]
	updated := mergeMessage(local, m)
	updated.ClientToken = local.ClientToken
	if updated.SenderID == "" {
		updated.SenderID = local.SenderID
	}

	switch {
	case local.Status == StatusFailed:
		updated.Status = m.Status
		if !m.Status.Valid() || m.Status == StatusSending || m.Status == StatusFailed {
			updated.Status = StatusSent
		}
		s.logger.Info("server confirmation supersedes failed send",
			zap.String("conversation_id", st.conv.ID),
			zap.String("client_token", local.ClientToken),
			zap.String("message_id", updated.ID),
		)
	case updated.Status == StatusSending:
		updated.Status = StatusSent
	}

	if j := st.indexOf(updated.ID); j >= 0 && j != i {
		dup := st.messages[j]
		if dup.Status != StatusFailed && statusRank[dup.Status] > statusRank[updated.Status] {
			updated.Status = dup.Status
		}
		updated.Read = updated.Read || dup.Read
		st.messages = append(st.messages[:j], st.messages[j+1:]...)
		if j < i {
			i--
		}
	}

	if reflect.DeepEqual(local, updated) {
		return local, false
	}
	st.messages[i] = updated
	st.sort()
	return updated, true
}

// mergeMessage combines a stored record with a newer copy of the same
// message. Delivery status only moves forward, read never reverts and
// zero-valued fields in the incoming copy keep the stored value.
func mergeMessage(existing, in Message) Message {
	out := existing
	if in.ID != "" {
		out.ID = in.ID
	}
	if in.ClientToken != "" {
		out.ClientToken = in.ClientToken
	}
	if in.SenderID != "" {
		out.SenderID = in.SenderID
	}
	if in.SenderName != "" {
		out.SenderName = in.SenderName
	}
	if !in.Timestamp.IsZero() {
		out.Timestamp = in.Timestamp
	}
	if in.Payload != nil {
		if in.Content != "" || in.Payload.Kind() != MessageText {
			out.Content = in.Content
		}
		out.Payload = mergePayload(existing.Payload, in.Payload)
	}
	if existing.Status.CanAdvanceTo(in.Status) {
		out.Status = in.Status
	}
	out.Read = existing.Read || in.Read
	return out
}

// mergePayload keeps a settled offer status when a stale copy still says
// pending.
func mergePayload(existing, in Payload) Payload {
	old, ok1 := existing.(OfferPayload)
	next, ok2 := in.(OfferPayload)
	if ok1 && ok2 && old.Status != "" && old.Status != OfferPending && next.Status == OfferPending {
		next.Status = old.Status
		return next
	}
	return in
}

// ── Actions ───────────────────────────────────────────────

// ReplaceConversations applies a fulfilled list fetch. Metadata is taken
// from the server; locally held messages are kept and merged with any the
// list carries. Conversations missing from the list are kept.
func (s *Store) ReplaceConversations(list []Conversation) {
	s.commit(func() []Change {
		var changes []Change
		for _, in := range list {
			if in.ID == "" {
				continue
			}
			st := s.ensure(in.ID, in.CounterpartyID, in.CounterpartyName)
			before := st.conv
			c := st.conv
			c.CounterpartyID = firstNonEmpty(in.CounterpartyID, c.CounterpartyID)
			c.CounterpartyName = firstNonEmpty(in.CounterpartyName, c.CounterpartyName)
			c.AvatarRef = firstNonEmpty(in.AvatarRef, c.AvatarRef)
			if in.Kind != "" {
				c.Kind = in.Kind
			}
			if in.Status != "" {
				c.Status = in.Status
			}
			c.Online = in.Online
			c.Placeholder = false
			if in.ServerLastActivity.After(c.ServerLastActivity) {
				c.ServerLastActivity = in.ServerLastActivity
			}
			st.conv = c
			st.serverOffers = in.Offers

			var ids []string
			for _, m := range in.Messages {
				if stored, changed := s.merge(st, m); changed {
					ids = append(ids, stored.ID)
				}
			}
			s.touch(st)
			if len(ids) > 0 || !reflect.DeepEqual(before, c) {
				changes = append(changes, Change{Kind: ChangeConversations, ConversationID: in.ID, MessageIDs: ids})
			}
		}
		return changes
	})
}

// MergeMessages applies a fulfilled page fetch and returns how many records
// were inserted or changed.
func (s *Store) MergeMessages(conversationID string, msgs []Message) int {
	var n int
	s.commit(func() []Change {
		st := s.ensure(conversationID, "", "")
		var ids []string
		for _, m := range msgs {
			if stored, changed := s.merge(st, m); changed {
				ids = append(ids, stored.ID)
			}
		}
		s.touch(st)
		n = len(ids)
		if n == 0 {
			return nil
		}
		return []Change{{Kind: ChangeMessages, ConversationID: conversationID, MessageIDs: ids}}
	})
	return n
}

// InsertPending inserts an optimistic local message. m must carry its
// client token as id and be in the sending state.
func (s *Store) InsertPending(m Message) error {
	if m.ClientToken == "" || m.ID != m.ClientToken {
		return &ValidationError{Field: "clientToken", Reason: ErrUnknownMessage}
	}
	var err error
	s.commit(func() []Change {
		st, ok := s.convs[m.ConversationID]
		if !ok {
			err = ErrUnknownConversation
			return nil
		}
		m.Status = StatusSending
		stored, _ := s.merge(st, m)
		s.touch(st)
		return []Change{{Kind: ChangeMessages, ConversationID: st.conv.ID, MessageIDs: []string{stored.ID}}}
	})
	return err
}

// ConfirmSend applies a successful send receipt to the optimistic record
// carrying clientToken. If the realtime echo already reconciled it, this is
// a no-op apart from status, which never regresses.
func (s *Store) ConfirmSend(clientToken string, r SendReceipt) (Message, error) {
	var (
		out Message
		err error
	)
	s.commit(func() []Change {
		st, i := s.lookupToken(clientToken)
		if i < 0 {
			err = ErrUnknownMessage
			return nil
		}
		in := Message{ID: r.ServerID, ClientToken: clientToken, Timestamp: r.Timestamp, Status: StatusSent}
		if r.Message != nil {
			in = *r.Message
			in.ClientToken = clientToken
			in.ID = firstNonEmpty(r.ServerID, in.ID)
			if !r.Timestamp.IsZero() && in.Timestamp.IsZero() {
				in.Timestamp = r.Timestamp
			}
			if !in.Status.Valid() || in.Status == StatusSending || in.Status == StatusFailed {
				in.Status = StatusSent
			}
		}
		stored, changed := s.reconcile(st, i, in)
		out = stored
		s.touch(st)
		if !changed {
			return nil
		}
		return []Change{{Kind: ChangeMessages, ConversationID: st.conv.ID, MessageIDs: []string{stored.ID}}}
	})
	return out, err
}

// FailSend marks the optimistic record failed. The temporary id is kept.
// Records that already left the sending state are not touched.
func (s *Store) FailSend(clientToken string) (Message, bool) {
	var (
		out     Message
		changed bool
	)
	s.commit(func() []Change {
		st, i := s.lookupToken(clientToken)
		if i < 0 {
			return nil
		}
		out = st.messages[i]
		if !out.Status.CanAdvanceTo(StatusFailed) {
			return nil
		}
		out.Status = StatusFailed
		st.messages[i] = out
		s.touch(st)
		changed = true
		return []Change{{Kind: ChangeMessages, ConversationID: st.conv.ID, MessageIDs: []string{out.ID}}}
	})
	return out, changed
}

func (s *Store) lookupToken(token string) (*convState, int) {
	convID, ok := s.tokens[token]
	if !ok {
		return nil, -1
	}
	st, ok := s.convs[convID]
	if !ok {
		return nil, -1
	}
	return st, st.indexOfToken(token)
}

// ApplyInbound applies a message pushed by the realtime channel. An unknown
// conversation gets a placeholder. When the message names no conversation
// it is attached to the conversation with its sender.
func (s *Store) ApplyInbound(m Message) (Message, bool) {
	var (
		out     Message
		changed bool
	)
	s.commit(func() []Change {
		convID := m.ConversationID
		if convID == "" {
			convID = s.conversationWith(m.SenderID)
		}
		if convID == "" {
			s.logger.Warn("dropping inbound message without conversation",
				zap.String("message_id", m.ID),
			)
			return nil
		}

		var cpID, cpName string
		if m.SenderID != s.localUserID {
			cpID, cpName = m.SenderID, m.SenderName
		}
		st := s.ensure(convID, cpID, cpName)
		out, changed = s.merge(st, m)
		s.touch(st)
		if !changed {
			return nil
		}
		return []Change{{Kind: ChangeMessages, ConversationID: convID, MessageIDs: []string{out.ID}}}
	})
	return out, changed
}

func (s *Store) conversationWith(userID string) string {
	if userID == "" || userID == s.localUserID {
		return ""
	}
	for id, st := range s.convs {
		if st.conv.CounterpartyID == userID {
			return id
		}
	}
	return userID
}

// AdvanceStatus moves a message, found by server id or client token, to
// status. Backward and terminal transitions are ignored.
func (s *Store) AdvanceStatus(conversationID, ref string, status DeliveryStatus) bool {
	var changed bool
	s.commit(func() []Change {
		st, i := s.find(conversationID, ref)
		if i < 0 {
			return nil
		}
		m := st.messages[i]
		if !m.Status.CanAdvanceTo(status) {
			return nil
		}
		m.Status = status
		st.messages[i] = m
		s.touch(st)
		changed = true
		return []Change{{Kind: ChangeStatus, ConversationID: st.conv.ID, MessageIDs: []string{m.ID}}}
	})
	return changed
}

func (s *Store) find(conversationID, ref string) (*convState, int) {
	if st, ok := s.convs[conversationID]; ok {
		return st, st.indexOfRef(ref)
	}
	if st, i := s.lookupToken(ref); i >= 0 {
		return st, i
	}
	for _, st := range s.convs {
		if i := st.indexOf(ref); i >= 0 {
			return st, i
		}
	}
	return nil, -1
}

// MarkRead marks inbound messages of a conversation as read and returns
// the ids that changed. With no ids, every unread inbound message is
// marked. Marking an already read message is a no-op.
func (s *Store) MarkRead(conversationID string, ids ...string) ([]string, error) {
	var (
		changed []string
		err     error
	)
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.commit(func() []Change {
		st, ok := s.convs[conversationID]
		if !ok {
			err = ErrUnknownConversation
			return nil
		}
		for i, m := range st.messages {
			if !IsUnread(m, s.localUserID) {
				continue
			}
			if len(want) > 0 && !want[m.ID] && !want[m.ClientToken] {
				continue
			}
			m.Read = true
			if m.Status.CanAdvanceTo(StatusRead) {
				m.Status = StatusRead
			}
			st.messages[i] = m
			changed = append(changed, m.ID)
		}
		if len(changed) == 0 {
			return nil
		}
		s.touch(st)
		return []Change{{Kind: ChangeRead, ConversationID: conversationID, MessageIDs: changed}}
	})
	return changed, err
}

// SetPresence updates the online flag of every conversation with userID
// and returns the affected conversation ids.
func (s *Store) SetPresence(userID string, online bool) []string {
	var affected []string
	s.commit(func() []Change {
		var changes []Change
		for id, st := range s.convs {
			if st.conv.CounterpartyID != userID || st.conv.Online == online {
				continue
			}
			st.conv.Online = online
			affected = append(affected, id)
			changes = append(changes, Change{Kind: ChangePresence, ConversationID: id})
		}
		sort.Strings(affected)
		return changes
	})
	return affected
}

// SetConversationStatus sets the lifecycle status of a conversation.
func (s *Store) SetConversationStatus(conversationID string, status ConversationStatus) bool {
	var changed bool
	s.commit(func() []Change {
		st := s.ensure(conversationID, "", "")
		if st.conv.Status == status {
			return nil
		}
		st.conv.Status = status
		changed = true
		return []Change{{Kind: ChangeConversations, ConversationID: conversationID}}
	})
	return changed
}

// SetOfferStatus records a backend offer transition. ref is a message id or
// an offer id; an empty ref selects the latest pending offer. Accepting or
// rejecting clears the new-offer flag.
func (s *Store) SetOfferStatus(conversationID, ref string, status OfferStatus) bool {
	var changed bool
	s.commit(func() []Change {
		st, ok := s.convs[conversationID]
		if !ok {
			return nil
		}
		idx := -1
		for i := len(st.messages) - 1; i >= 0; i-- {
			p, isOffer := st.messages[i].Payload.(OfferPayload)
			if !isOffer {
				continue
			}
			if (ref == "" && p.Status == OfferPending) ||
				(ref != "" && (st.messages[i].ID == ref || p.OfferID == ref)) {
				idx = i
				break
			}
		}
		if status == OfferAccepted || status == OfferRejected {
			if st.serverOffers.HasNewOffers {
				st.serverOffers.HasNewOffers = false
				changed = true
			}
		}
		var ids []string
		if idx >= 0 {
			m := st.messages[idx]
			p := m.Payload.(OfferPayload)
			if p.Status != status {
				p.Status = status
				m.Payload = p
				st.messages[idx] = m
				ids = append(ids, m.ID)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return []Change{{Kind: ChangeMessages, ConversationID: conversationID, MessageIDs: ids}}
	})
	return changed
}

// SetTyping records whether userID is typing in a conversation.
func (s *Store) SetTyping(conversationID, userID string, typing bool) bool {
	var changed bool
	s.commit(func() []Change {
		st, ok := s.convs[conversationID]
		if !ok || st.typing[userID] == typing {
			return nil
		}
		if typing {
			st.typing[userID] = true
		} else {
			delete(st.typing, userID)
		}
		changed = true
		return []Change{{Kind: ChangeTyping, ConversationID: conversationID}}
	})
	return changed
}

// SetConnected records realtime connectivity.
func (s *Store) SetConnected(connected bool) bool {
	var changed bool
	s.commit(func() []Change {
		if s.connected == connected {
			return nil
		}
		s.connected = connected
		changed = true
		return []Change{{Kind: ChangeConnection}}
	})
	return changed
}

// SetSliceError records a failed fetch for a state slice. State is left
// untouched.
func (s *Store) SetSliceError(key string, err error) {
	s.commit(func() []Change {
		s.errors[key] = err
		return []Change{{Kind: ChangeError}}
	})
}

// ClearSliceError removes the error recorded for a state slice.
func (s *Store) ClearSliceError(key string) {
	s.commit(func() []Change {
		if _, ok := s.errors[key]; !ok {
			return nil
		}
		delete(s.errors, key)
		return []Change{{Kind: ChangeError}}
	})
}

// SetActive records the conversation the user is looking at.
func (s *Store) SetActive(conversationID string) {
	s.commit(func() []Change {
		if s.active == conversationID {
			return nil
		}
		s.active = conversationID
		return []Change{{Kind: ChangeActive, ConversationID: conversationID}}
	})
}

// ── Reads ─────────────────────────────────────────────────

func (s *Store) view(st *convState) Conversation {
	c := st.conv
	c.Messages = make([]Message, len(st.messages))
	for i, m := range st.messages {
		c.Messages[i] = cloneMessage(m)
	}
	c.UnreadCount = s.unread.Count(c.ID)
	derived := deriveOffers(st.messages, s.localUserID)
	c.Offers = OfferFlags{
		HasOffers:     derived.HasOffers || st.serverOffers.HasOffers,
		HasNewOffers:  derived.HasNewOffers || st.serverOffers.HasNewOffers,
		HasSentOffers: derived.HasSentOffers || st.serverOffers.HasSentOffers,
	}
	return c
}

func deriveOffers(msgs []Message, localUserID string) OfferFlags {
	var f OfferFlags
	for _, m := range msgs {
		p, ok := m.Payload.(OfferPayload)
		if !ok {
			continue
		}
		f.HasOffers = true
		if m.SenderID == localUserID {
			f.HasSentOffers = true
		} else if !m.Read && (p.Status == "" || p.Status == OfferPending) {
			f.HasNewOffers = true
		}
	}
	return f
}

func cloneMessage(m Message) Message {
	switch p := m.Payload.(type) {
	case SystemPayload:
		if p.Data != nil {
			p.Data = append(json.RawMessage(nil), p.Data...)
		}
		m.Payload = p
	case LocationPayload:
		if p.Latitude != nil {
			v := *p.Latitude
			p.Latitude = &v
		}
		if p.Longitude != nil {
			v := *p.Longitude
			p.Longitude = &v
		}
		m.Payload = p
	}
	return m
}

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		LocalUserID:        s.localUserID,
		Conversations:      make([]Conversation, 0, len(s.convs)),
		UnreadTotal:        s.unread.Total(),
		Connected:          s.connected,
		ActiveConversation: s.active,
		Typing:             make(map[string][]string),
		Errors:             make(map[string]error, len(s.errors)),
		Version:            s.version,
	}
	for id, st := range s.convs {
		snap.Conversations = append(snap.Conversations, s.view(st))
		if len(st.typing) > 0 {
			users := make([]string, 0, len(st.typing))
			for u := range st.typing {
				users = append(users, u)
			}
			sort.Strings(users)
			snap.Typing[id] = users
		}
	}
	for k, err := range s.errors {
		snap.Errors[k] = err
	}
	sortByActivity(snap.Conversations)
	return snap
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return s.view(st), true
}

// Message returns a copy of a message found by server id or client token.
func (s *Store) Message(conversationID, ref string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, i := s.find(conversationID, ref)
	if i < 0 {
		return Message{}, false
	}
	return cloneMessage(st.messages[i]), true
}

// UnreadTotal returns the global unread count.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread.Total()
}

// Connected reports the last recorded realtime connectivity.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Verify recomputes every unread count from message state and reports
// drift as a *DriftError.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := make([]Conversation, 0, len(s.convs))
	for _, st := range s.convs {
		convs = append(convs, Conversation{ID: st.conv.ID, Messages: st.messages})
	}
	return s.unread.Verify(convs)
}
