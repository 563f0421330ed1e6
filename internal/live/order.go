// Package live merges full-snapshot events from a store subscription into
// a deterministically sorted view and fans it out to subscribers.
package live

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/models"
)

// Order describes how a view is sorted. Items whose time is still pending
// are placed as if their time were Now. Two pending items keep the order
// in which the view first saw them; any other tie is broken by key.
type Order[T any] struct {
	Key        func(T) string
	Time       func(T) *time.Time
	Descending bool
	Now        func() time.Time
}

// MessageOrder sorts messages oldest first.
func MessageOrder(clk clock.Clock) Order[models.Message] {
	return Order[models.Message]{
		Key:  func(m models.Message) string { return m.ID },
		Time: func(m models.Message) *time.Time { return m.Timestamp },
		Now:  clk.Now,
	}
}

// ChatOrder sorts chats by most recent activity first.
func ChatOrder(clk clock.Clock) Order[models.Chat] {
	return Order[models.Chat]{
		Key:        func(c models.Chat) string { return c.ID },
		Time:       func(c models.Chat) *time.Time { return c.LastMessageTime },
		Descending: true,
		Now:        clk.Now,
	}
}

// ranked is an item together with the position it arrived at.
type ranked[T any] struct {
	item    T
	arrival uint64
}

func (o Order[T]) sort(items []ranked[T]) {
	now := o.Now()
	slices.SortFunc(items, func(a, b ranked[T]) int {
		ta, tb := o.Time(a.item), o.Time(b.item)
		c := at(ta, now).Compare(at(tb, now))
		if o.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
		if ta == nil && tb == nil {
			return cmp.Compare(a.arrival, b.arrival)
		}
		return strings.Compare(o.Key(a.item), o.Key(b.item))
	})
}

func at(t *time.Time, now time.Time) time.Time {
	if t == nil {
		return now
	}
	return *t
}

// Sort sorts items in place. Input position stands in for arrival order.
func (o Order[T]) Sort(items []T) {
	rankedItems := make([]ranked[T], len(items))
	for i, item := range items {
		rankedItems[i] = ranked[T]{item: item, arrival: uint64(i)}
	}
	o.sort(rankedItems)
	for i := range rankedItems {
		items[i] = rankedItems[i].item
	}
}

// SortMessages sorts a one-off message listing.
func SortMessages(messages []models.Message, clk clock.Clock) {
	MessageOrder(clk).Sort(messages)
}

// SortChats sorts a one-off chat listing.
func SortChats(chats []models.Chat, clk clock.Clock) {
	ChatOrder(clk).Sort(chats)
}
