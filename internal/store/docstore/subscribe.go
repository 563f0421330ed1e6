package docstore

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type chatSubscription struct {
	filter store.ChatFilter
	fn     func([]models.Chat)
	closed atomic.Bool
}

type messageSubscription struct {
	filter store.MessageFilter
	fn     func([]models.Message)
	closed atomic.Bool
}

// SubscribeChats delivers the current matching chats right away and again
// after every change to any of them.
func (s *Store) SubscribeChats(filter store.ChatFilter, fn func([]models.Chat)) (store.Unsubscribe, error) {
	sub := &chatSubscription{filter: filter, fn: fn}
	var key int
	err := s.write(context.Background(), "subscribe chats", func() error {
		key = s.nextSub
		s.nextSub++
		s.chatSubs[key] = sub
		s.dispatcher.enqueue(&sub.closed, deliver(fn, s.matchChats(filter)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		sub.closed.Store(true)
		s.mu.Lock()
		delete(s.chatSubs, key)
		s.mu.Unlock()
	}, nil
}

// SubscribeMessages delivers the chat's current messages right away and
// again after every change, including timestamp resolution.
func (s *Store) SubscribeMessages(filter store.MessageFilter, fn func([]models.Message)) (store.Unsubscribe, error) {
	sub := &messageSubscription{filter: filter, fn: fn}
	var key int
	err := s.write(context.Background(), "subscribe messages", func() error {
		key = s.nextSub
		s.nextSub++
		s.messageSubs[key] = sub
		s.dispatcher.enqueue(&sub.closed, deliver(fn, s.matchMessages(filter)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		sub.closed.Store(true)
		s.mu.Lock()
		delete(s.messageSubs, key)
		s.mu.Unlock()
	}, nil
}

// publishChats queues a snapshot for every chat subscription watching one
// of participants. Callers hold mu.
func (s *Store) publishChats(participants []string) {
	for _, sub := range s.chatSubs {
		if slices.Contains(participants, sub.filter.Participant) {
			s.dispatcher.enqueue(&sub.closed, deliver(sub.fn, s.matchChats(sub.filter)))
		}
	}
}

// publishMessages queues a snapshot for every subscription on chatID.
// Callers hold mu.
func (s *Store) publishMessages(chatID string) {
	for _, sub := range s.messageSubs {
		if sub.filter.ChatID == chatID {
			s.dispatcher.enqueue(&sub.closed, deliver(sub.fn, s.matchMessages(sub.filter)))
		}
	}
}

func deliver[T any](fn func([]T), snapshot []T) func() {
	return func() { fn(snapshot) }
}

// dispatcher delivers queued snapshots one at a time in the order they
// were queued. Snapshots are queued under the store lock and delivered
// without it, so callbacks may call back into the store. A write made from
// inside a callback is delivered after the callback returns.
type dispatcher struct {
	mu       sync.Mutex
	queue    []delivery
	draining bool
}

type delivery struct {
	closed *atomic.Bool
	fire   func()
}

func (d *dispatcher) enqueue(closed *atomic.Bool, fire func()) {
	d.mu.Lock()
	d.queue = append(d.queue, delivery{closed: closed, fire: fire})
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		if !next.closed.Load() {
			next.fire()
		}
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}
