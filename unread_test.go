package chatsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnreadCounterRecompute(t *testing.T) {
	u := NewUnreadCounter(testBuyer)
	msgs := []Message{
		{ID: "1", SenderID: testVendor},
		{ID: "2", SenderID: testVendor, Read: true},
		{ID: "3", SenderID: testBuyer},
		{ID: "4", SenderID: testVendor},
	}

	require.Equal(t, 2, u.Recompute("a", msgs))
	require.Equal(t, 1, u.Recompute("b", msgs[:1]))
	require.Equal(t, 3, u.Total())

	msgs[0].Read = true
	require.Equal(t, 1, u.Recompute("a", msgs))
	require.Equal(t, 2, u.Total())

	require.Equal(t, 0, u.Recompute("b", nil))
	require.Equal(t, 1, u.Total())
	require.Equal(t, 0, u.Count("missing"))
}

func TestUnreadCounterVerifyReportsDrift(t *testing.T) {
	u := NewUnreadCounter(testBuyer)
	msgs := []Message{{ID: "1", SenderID: testVendor}}
	u.Recompute("a", msgs)
	require.NoError(t, u.Verify([]Conversation{{ID: "a", Messages: msgs}}))

	// The messages changed behind the counter's back.
	stale := []Message{{ID: "1", SenderID: testVendor}, {ID: "2", SenderID: testVendor}}
	err := u.Verify([]Conversation{{ID: "a", Messages: stale}})

	var drift *DriftError
	require.True(t, errors.As(err, &drift))
	require.Equal(t, [2]int{1, 2}, drift.Conversations["a"])
	require.Equal(t, 1, drift.CachedTotal)
	require.Equal(t, 2, drift.ActualTotal)
	require.Contains(t, err.Error(), "a cached=1 actual=2")
}

func TestUnreadCounterVerifyForgottenConversation(t *testing.T) {
	u := NewUnreadCounter(testBuyer)
	u.Recompute("gone", []Message{{ID: "1", SenderID: testVendor}})

	err := u.Verify(nil)
	var drift *DriftError
	require.ErrorAs(t, err, &drift)
	require.Equal(t, [2]int{1, 0}, drift.Conversations["gone"])
}
