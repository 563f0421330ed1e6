// Package feed adds snapshot subscriptions to a store that has none. Each
// successful write made through the wrapper re-runs the queries of the
// subscriptions it can affect and delivers the full result.
//
// Writes made to the underlying store directly, or by another process,
// are not observed.
package feed

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type Store struct {
	store.Store
	log *slog.Logger

	mu          sync.Mutex
	chatSubs    map[int]*chatWatch
	messageSubs map[int]*messageWatch
	nextSub     int

	queueMu  sync.Mutex
	queue    []refresh
	draining bool
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Subscriber = (*Store)(nil)
)

type chatWatch struct {
	filter store.ChatFilter
	fn     func([]models.Chat)
	closed atomic.Bool
}

type messageWatch struct {
	filter store.MessageFilter
	fn     func([]models.Message)
	closed atomic.Bool
}

// refresh re-queries one subscription and delivers the result.
type refresh struct {
	closed *atomic.Bool
	run    func(ctx context.Context) error
}

// Wrap returns inner with push subscriptions. Wrapping a store that
// already pushes returns a wrapper that ignores the native capability.
func Wrap(inner store.Store, log *slog.Logger) *Store {
	return &Store{
		Store:       inner,
		log:         log,
		chatSubs:    make(map[int]*chatWatch),
		messageSubs: make(map[int]*messageWatch),
	}
}

func (s *Store) CreateChat(ctx context.Context, chat *models.Chat) error {
	if err := s.Store.CreateChat(ctx, chat); err != nil {
		return err
	}
	s.chatsChanged(ctx, chat.Participants)
	return nil
}

func (s *Store) UpdateChat(ctx context.Context, id string, patch models.ChatPatch) error {
	if err := s.Store.UpdateChat(ctx, id, patch); err != nil {
		return err
	}
	s.chatsChanged(ctx, s.participants(ctx, id))
	return nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	participants := s.participants(ctx, id)
	if err := s.Store.DeleteChat(ctx, id); err != nil {
		return err
	}
	s.messagesChanged(ctx, id)
	s.chatsChanged(ctx, participants)
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, message *models.Message) error {
	if err := s.Store.CreateMessage(ctx, message); err != nil {
		return err
	}
	s.messagesChanged(ctx, message.ChatID)
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, chatID string) (int, error) {
	count, err := s.Store.DeleteMessages(ctx, chatID)
	if err != nil {
		return count, err
	}
	if count > 0 {
		s.messagesChanged(ctx, chatID)
	}
	return count, nil
}

// participants looks up who can see chat id. A nil result refreshes every
// chat subscription.
func (s *Store) participants(ctx context.Context, id string) []string {
	chat, err := s.Store.GetChat(ctx, id)
	if err != nil {
		s.log.Debug("Participant lookup failed, refreshing every chat watch", "chat", id, "error", err)
		return nil
	}
	return chat.Participants
}

// SubscribeChats registers fn before reading anything, so a write that
// lands while the first snapshot is being built is still delivered. Every
// snapshot, the first included, is queried when it is delivered.
func (s *Store) SubscribeChats(filter store.ChatFilter, fn func([]models.Chat)) (store.Unsubscribe, error) {
	watch := &chatWatch{filter: filter, fn: fn}
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.chatSubs[key] = watch
	s.mu.Unlock()
	unsubscribe := func() {
		watch.closed.Store(true)
		s.mu.Lock()
		delete(s.chatSubs, key)
		s.mu.Unlock()
	}

	ctx := context.Background()
	if _, err := s.Store.QueryChats(ctx, filter); err != nil {
		unsubscribe()
		return nil, err
	}
	s.enqueue(s.refreshChats(watch))
	s.drain(ctx)
	return unsubscribe, nil
}

// SubscribeMessages is SubscribeChats for the messages of one chat.
func (s *Store) SubscribeMessages(filter store.MessageFilter, fn func([]models.Message)) (store.Unsubscribe, error) {
	watch := &messageWatch{filter: filter, fn: fn}
	s.mu.Lock()
	key := s.nextSub
	s.nextSub++
	s.messageSubs[key] = watch
	s.mu.Unlock()
	unsubscribe := func() {
		watch.closed.Store(true)
		s.mu.Lock()
		delete(s.messageSubs, key)
		s.mu.Unlock()
	}

	ctx := context.Background()
	if _, err := s.Store.QueryMessages(ctx, filter); err != nil {
		unsubscribe()
		return nil, err
	}
	s.enqueue(s.refreshMessages(watch))
	s.drain(ctx)
	return unsubscribe, nil
}

func (s *Store) refreshChats(watch *chatWatch) refresh {
	return refresh{closed: &watch.closed, run: func(ctx context.Context) error {
		chats, err := s.Store.QueryChats(ctx, watch.filter)
		if err != nil {
			return err
		}
		watch.fn(chats)
		return nil
	}}
}

func (s *Store) refreshMessages(watch *messageWatch) refresh {
	return refresh{closed: &watch.closed, run: func(ctx context.Context) error {
		messages, err := s.Store.QueryMessages(ctx, watch.filter)
		if err != nil {
			return err
		}
		watch.fn(messages)
		return nil
	}}
}

func (s *Store) chatsChanged(ctx context.Context, participants []string) {
	s.mu.Lock()
	for _, watch := range s.chatSubs {
		if participants != nil && !slices.Contains(participants, watch.filter.Participant) {
			continue
		}
		s.enqueue(s.refreshChats(watch))
	}
	s.mu.Unlock()
	s.drain(ctx)
}

func (s *Store) messagesChanged(ctx context.Context, chatID string) {
	s.mu.Lock()
	for _, watch := range s.messageSubs {
		if watch.filter.ChatID != chatID {
			continue
		}
		s.enqueue(s.refreshMessages(watch))
	}
	s.mu.Unlock()
	s.drain(ctx)
}

func (s *Store) enqueue(r refresh) {
	s.queueMu.Lock()
	s.queue = append(s.queue, r)
	s.queueMu.Unlock()
}

// drain runs queued refreshes in order on the calling goroutine. When
// another goroutine (or an outer call on this one) is already draining it
// returns at once and that drainer picks up the new work.
func (s *Store) drain(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.queueMu.Lock()
	if s.draining {
		s.queueMu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()
		if !next.closed.Load() {
			if err := next.run(ctx); err != nil {
				s.log.Warn("Snapshot refresh failed", "error", err)
			}
		}
		s.queueMu.Lock()
	}
	s.draining = false
	s.queueMu.Unlock()
}
