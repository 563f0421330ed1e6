// Package docstore is an in-process document store with push
// subscriptions and server-assigned timestamps.
//
// Writes that need the server clock (new messages, projection updates
// without a time) are stored with a nil timestamp. The commit time is
// revealed resolveDelay later, which triggers a second snapshot for every
// affected subscription. While offline, every call fails with
// ErrStorageUnavailable and resolutions wait until the store reconnects.
package docstore

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

const DefaultResolveDelay = 50 * time.Millisecond

var (
	errOffline = errors.New("document store offline")
	errClosed  = errors.New("document store closed")
)

type Store struct {
	clock        clock.Clock
	log          *slog.Logger
	resolveDelay time.Duration

	mu       sync.Mutex
	offline  bool
	closed   bool
	users    map[string]models.User
	chats    map[string]models.Chat
	messages map[string][]models.Message
	// projectionGen counts projection writes per chat so a late resolution
	// never overwrites a newer projection.
	projectionGen map[string]int
	// commits holds the server time each message was written at, by id.
	commits     map[string]time.Time
	unresolved  map[int]*pendingWrite
	nextWrite   int
	chatSubs    map[int]*chatSubscription
	messageSubs map[int]*messageSubscription
	nextSub     int

	dispatcher dispatcher
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.Subscriber = (*Store)(nil)
)

type Option func(*Store)

// WithResolveDelay sets how long pending server timestamps stay unresolved.
func WithResolveDelay(d time.Duration) Option {
	return func(s *Store) { s.resolveDelay = d }
}

func New(clk clock.Clock, log *slog.Logger, opts ...Option) *Store {
	s := &Store{
		clock:         clk,
		log:           log,
		resolveDelay:  DefaultResolveDelay,
		users:         make(map[string]models.User),
		chats:         make(map[string]models.Chat),
		messages:      make(map[string][]models.Message),
		projectionGen: make(map[string]int),
		commits:       make(map[string]time.Time),
		unresolved:    make(map[int]*pendingWrite),
		chatSubs:      make(map[int]*chatSubscription),
		messageSubs:   make(map[int]*messageSubscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOffline toggles simulated unreachability. Going back online applies
// every resolution that came due in the meantime.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	if !offline {
		now := s.clock.Now()
		for key, write := range s.unresolved {
			if !write.due.After(now) {
				delete(s.unresolved, key)
				write.apply()
			}
		}
	}
	s.mu.Unlock()
	s.log.Info("Document store connectivity changed", "offline", offline)
	s.dispatcher.drain()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, write := range s.unresolved {
		write.timer.Stop()
		delete(s.unresolved, key)
	}
	for key, sub := range s.chatSubs {
		sub.closed.Store(true)
		delete(s.chatSubs, key)
	}
	for key, sub := range s.messageSubs {
		sub.closed.Store(true)
		delete(s.messageSubs, key)
	}
	return nil
}

// ready reports why the store cannot serve op. Callers hold mu.
func (s *Store) ready(ctx context.Context, op string) error {
	switch {
	case ctx.Err() != nil:
		return errs.Unavailable(op, ctx.Err())
	case s.closed:
		return errs.Unavailable(op, errClosed)
	case s.offline:
		return errs.Unavailable(op, errOffline)
	}
	return nil
}

// read runs fn under the lock once the store is reachable.
func (s *Store) read(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx, op); err != nil {
		return err
	}
	return fn()
}

// write is read followed by delivery of whatever snapshots fn queued.
func (s *Store) write(ctx context.Context, op string, fn func() error) error {
	err := s.read(ctx, op, fn)
	s.dispatcher.drain()
	return err
}

type pendingWrite struct {
	due   time.Time
	apply func()
	timer *clock.Timer
}

// schedule runs apply under the lock resolveDelay from now. Callers hold mu.
func (s *Store) schedule(apply func()) {
	key := s.nextWrite
	s.nextWrite++
	write := &pendingWrite{due: s.clock.Now().Add(s.resolveDelay), apply: apply}
	s.unresolved[key] = write
	write.timer = s.clock.AfterFunc(s.resolveDelay, func() { s.settle(key) })
}

func (s *Store) settle(key int) {
	s.mu.Lock()
	write, ok := s.unresolved[key]
	if !ok || s.offline || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.unresolved, key)
	write.apply()
	s.mu.Unlock()
	s.dispatcher.drain()
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	return s.read(ctx, "create user", func() error {
		for _, existing := range s.users {
			if existing.ID == user.ID ||
				strings.EqualFold(existing.Username, user.Username) ||
				strings.EqualFold(existing.Email, user.Email) {
				return errs.Conflict("user", user.Username)
			}
		}
		if user.ID == "" {
			user.ID = uuid.NewString()
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = s.clock.Now()
		}
		s.users[user.ID] = *user
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.read(ctx, "get user", func() error {
		var ok bool
		if user, ok = s.users[id]; !ok {
			return errs.NotFound("user", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	var found *models.User
	err := s.read(ctx, "get user by login", func() error {
		for _, user := range s.users {
			if strings.EqualFold(user.Username, login) || strings.EqualFold(user.Email, login) {
				found = &user
				return nil
			}
		}
		return errs.NotFound("user", login)
	})
	return found, err
}

func (s *Store) SearchUsers(ctx context.Context, filter store.UserFilter) ([]models.User, error) {
	var users []models.User
	err := s.read(ctx, "search users", func() error {
		for _, user := range s.users {
			if store.MatchUser(user, filter) {
				users = append(users, user)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b models.User) int { return strings.Compare(a.Username, b.Username) })
	if filter.Limit > 0 && len(users) > filter.Limit {
		users = users[:filter.Limit]
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, patch models.UserPatch) error {
	return s.read(ctx, "update user", func() error {
		user, ok := s.users[id]
		if !ok {
			return errs.NotFound("user", id)
		}
		if patch.Email != nil {
			for _, other := range s.users {
				if other.ID != id && strings.EqualFold(other.Email, *patch.Email) {
					return errs.Conflict("email", *patch.Email)
				}
			}
			user.Email = *patch.Email
		}
		if patch.DisplayName != nil {
			user.DisplayName = *patch.DisplayName
		}
		s.users[id] = user
		return nil
	})
}

func (s *Store) CreateChat(ctx context.Context, chat *models.Chat) error {
	return s.write(ctx, "create chat", func() error {
		if _, ok := s.chats[chat.ID]; ok {
			return errs.Conflict("chat", chat.ID)
		}
		stored := cloneChat(*chat)
		s.chats[chat.ID] = stored
		s.publishChats(stored.Participants)
		return nil
	})
}

func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	var chat models.Chat
	err := s.read(ctx, "get chat", func() error {
		stored, ok := s.chats[id]
		if !ok {
			return errs.NotFound("chat", id)
		}
		chat = cloneChat(stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *Store) QueryChats(ctx context.Context, filter store.ChatFilter) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.read(ctx, "query chats", func() error {
		chats = s.matchChats(filter)
		return nil
	})
	return chats, err
}

// UpdateChat writes the projection. A nil LastMessageTime asks for the
// server clock.
func (s *Store) UpdateChat(ctx context.Context, id string, patch models.ChatPatch) error {
	return s.write(ctx, "update chat", func() error {
		chat, ok := s.chats[id]
		if !ok {
			return errs.NotFound("chat", id)
		}
		s.projectionGen[id]++
		chat.LastMessage = patch.LastMessage
		chat.LastMessageTime = patch.LastMessageTime
		s.chats[id] = chat

		if patch.LastMessageTime == nil {
			gen, committed := s.projectionGen[id], s.clock.Now()
			if at, ok := s.commits[patch.MessageID]; ok {
				committed = at
			}
			s.schedule(func() {
				current, ok := s.chats[id]
				if !ok || s.projectionGen[id] != gen {
					return
				}
				current.LastMessageTime = &committed
				s.chats[id] = current
				s.publishChats(current.Participants)
			})
		}
		s.publishChats(chat.Participants)
		return nil
	})
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.write(ctx, "delete chat", func() error {
		chat, ok := s.chats[id]
		if !ok {
			return errs.NotFound("chat", id)
		}
		delete(s.chats, id)
		delete(s.projectionGen, id)
		s.forget(s.messages[id])
		if len(s.messages[id]) > 0 {
			delete(s.messages, id)
			s.publishMessages(id)
		}
		s.publishChats(chat.Participants)
		return nil
	})
}

// CreateMessage assigns the id and leaves the timestamp pending. Any
// timestamp set by the caller is replaced by the server clock.
func (s *Store) CreateMessage(ctx context.Context, message *models.Message) error {
	return s.write(ctx, "create message", func() error {
		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		if message.MessageType == "" {
			message.MessageType = models.MessageTypeText
		}
		message.Timestamp = nil
		s.messages[message.ChatID] = append(s.messages[message.ChatID], *message)

		chatID, id, committed := message.ChatID, message.ID, s.clock.Now()
		s.commits[id] = committed
		s.schedule(func() {
			messages := s.messages[chatID]
			i := slices.IndexFunc(messages, func(m models.Message) bool { return m.ID == id })
			if i < 0 {
				return
			}
			messages[i].Timestamp = &committed
			s.publishMessages(chatID)
		})
		s.publishMessages(chatID)
		return nil
	})
}

func (s *Store) QueryMessages(ctx context.Context, filter store.MessageFilter) ([]models.Message, error) {
	var messages []models.Message
	err := s.read(ctx, "query messages", func() error {
		messages = s.matchMessages(filter)
		return nil
	})
	return messages, err
}

func (s *Store) DeleteMessages(ctx context.Context, chatID string) (int, error) {
	var count int
	err := s.write(ctx, "delete messages", func() error {
		count = len(s.messages[chatID])
		s.forget(s.messages[chatID])
		delete(s.messages, chatID)
		if count > 0 {
			s.publishMessages(chatID)
		}
		return nil
	})
	return count, err
}

// forget drops the commit times of deleted messages. Callers hold mu.
func (s *Store) forget(messages []models.Message) {
	for _, m := range messages {
		delete(s.commits, m.ID)
	}
}

// matchChats returns copies of the chats matching filter. Callers hold mu.
func (s *Store) matchChats(filter store.ChatFilter) []models.Chat {
	var chats []models.Chat
	for _, chat := range s.chats {
		if chat.HasParticipant(filter.Participant) {
			chats = append(chats, cloneChat(chat))
		}
	}
	return store.NewestChats(chats, filter.Limit)
}

// matchMessages returns copies of the chat's messages. Callers hold mu.
func (s *Store) matchMessages(filter store.MessageFilter) []models.Message {
	messages := slices.Clone(s.messages[filter.ChatID])
	return store.NewestMessages(messages, filter.Limit)
}

func cloneChat(chat models.Chat) models.Chat {
	chat.Participants = slices.Clone(chat.Participants)
	return chat
}
