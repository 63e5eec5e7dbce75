package chatsync

import (
	"fmt"
	"sort"
	"strings"
)

// UnreadCounter derives unread totals from message state. Counts are
// always recomputed from the full message set of a conversation, never
// incremented, so they cannot drift from the messages they describe.
//
// UnreadCounter is not safe for concurrent use; the Store owns one and
// serializes access to it.
type UnreadCounter struct {
	localUserID string
	counts      map[string]int
	total       int
}

// NewUnreadCounter returns a counter for the given local user.
func NewUnreadCounter(localUserID string) *UnreadCounter {
	return &UnreadCounter{
		localUserID: localUserID,
		counts:      make(map[string]int),
	}
}

// IsUnread reports whether m counts toward the local user's unread total.
func IsUnread(m Message, localUserID string) bool {
	return m.SenderID != localUserID && !m.Read
}

// CountUnread counts the unread messages in msgs.
func CountUnread(msgs []Message, localUserID string) int {
	n := 0
	for _, m := range msgs {
		if IsUnread(m, localUserID) {
			n++
		}
	}
	return n
}

// Recompute replaces the count for a conversation and returns it.
func (u *UnreadCounter) Recompute(conversationID string, msgs []Message) int {
	n := CountUnread(msgs, u.localUserID)
	u.total += n - u.counts[conversationID]
	u.counts[conversationID] = n
	return n
}

// Count returns the last computed count for a conversation.
func (u *UnreadCounter) Count(conversationID string) int {
	return u.counts[conversationID]
}

// Total returns the sum of all per-conversation counts.
func (u *UnreadCounter) Total() int {
	return u.total
}

// DriftError lists the conversations whose cached count disagrees with
// their messages.
type DriftError struct {
	Conversations map[string][2]int // id -> {cached, actual}
	CachedTotal   int
	ActualTotal   int
}

func (e *DriftError) Error() string {
	ids := make([]string, 0, len(e.Conversations))
	for id := range e.Conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		c := e.Conversations[id]
		parts = append(parts, fmt.Sprintf("%s cached=%d actual=%d", id, c[0], c[1]))
	}
	return fmt.Sprintf("unread drift: total cached=%d actual=%d [%s]",
		e.CachedTotal, e.ActualTotal, strings.Join(parts, ", "))
}

// Verify recomputes every count from scratch and returns a *DriftError if
// any cached value disagrees.
func (u *UnreadCounter) Verify(convs []Conversation) error {
	drift := &DriftError{Conversations: make(map[string][2]int), CachedTotal: u.total}
	seen := make(map[string]bool, len(convs))
	for _, c := range convs {
		seen[c.ID] = true
		actual := CountUnread(c.Messages, u.localUserID)
		drift.ActualTotal += actual
		if cached := u.counts[c.ID]; cached != actual {
			drift.Conversations[c.ID] = [2]int{cached, actual}
		}
	}
	for id, cached := range u.counts {
		if !seen[id] && cached != 0 {
			drift.Conversations[id] = [2]int{cached, 0}
		}
	}
	if len(drift.Conversations) == 0 && drift.CachedTotal == drift.ActualTotal {
		return nil
	}
	return drift
}
