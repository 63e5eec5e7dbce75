package chatsync

import (
	"fmt"
	"sort"
	"strings"
)

// Filter is a conversation list category. Categories are mutually
// exclusive and applied before the text query.
type Filter string

const (
	FilterAll            Filter = "All"
	FilterChats          Filter = "Chats"
	FilterUnread         Filter = "Unread"
	FilterOffersReceived Filter = "Offers Received"
	FilterOffersSent     Filter = "Offers Sent"
	FilterDealsClosed    Filter = "Deals Closed"
	FilterSupport        Filter = "Support"
	FilterArchived       Filter = "Archived"
)

// Filters returns every category in display order.
func Filters() []Filter {
	return []Filter{
		FilterAll, FilterChats, FilterUnread, FilterOffersReceived,
		FilterOffersSent, FilterDealsClosed, FilterSupport, FilterArchived,
	}
}

// ParseFilter accepts a display name ("Offers Received") or its snake,
// kebab or compact form, case-insensitively. The empty string is All.
func ParseFilter(s string) (Filter, error) {
	key := normalizeFilterKey(s)
	if key == "" {
		return FilterAll, nil
	}
	for _, f := range Filters() {
		if normalizeFilterKey(string(f)) == key {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown filter %q", s)
}

func normalizeFilterKey(s string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(s)))
}

// Match reports whether c belongs to the category.
func (f Filter) Match(c Conversation) bool {
	switch f {
	case FilterAll, FilterChats, "":
		return c.Status != ConversationArchived
	case FilterUnread:
		return c.UnreadCount > 0
	case FilterOffersReceived:
		last, ok := c.LastMessage()
		return c.Offers.HasOffers && ok && last.Type() == MessageOffer
	case FilterOffersSent:
		return c.Offers.HasSentOffers
	case FilterDealsClosed:
		return c.Status == ConversationClosed
	case FilterSupport:
		return c.Status == ConversationSupport || c.Kind == KindSupport
	case FilterArchived:
		return c.Status == ConversationArchived
	default:
		return false
	}
}

// MatchQuery reports whether the trimmed query is a case-insensitive
// substring of the counterparty name or the last message content. An
// empty query matches everything.
func MatchQuery(c Conversation, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(c.CounterpartyName), q) {
		return true
	}
	last, ok := c.LastMessage()
	return ok && strings.Contains(strings.ToLower(last.Content), q)
}

// Project returns the conversations of snap that match the filter and
// query, most recent activity first. Ties break on conversation id. The
// result shares no memory with the store.
func Project(snap Snapshot, f Filter, query string) []Conversation {
	out := make([]Conversation, 0, len(snap.Conversations))
	for _, c := range snap.Conversations {
		if f.Match(c) && MatchQuery(c, query) {
			out = append(out, c)
		}
	}
	sortByActivity(out)
	return out
}

func sortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].LastActivityAt(), convs[j].LastActivityAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return convs[i].ID < convs[j].ID
	})
}
