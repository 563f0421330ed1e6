//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks
package store

import (
	"context"

	"github.com/pliu/chatsync/internal/models"
)

// Store is the persistence adapter. Implementations return errors from the
// errs taxonomy: ErrNotFound for missing entities, ErrConflict when a
// caller-supplied id or unique key already exists and ErrStorageUnavailable
// for any backend failure.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	// GetUserByLogin matches the username case-insensitively, or the email.
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	SearchUsers(ctx context.Context, filter UserFilter) ([]models.User, error)
	UpdateUser(ctx context.Context, id string, patch models.UserPatch) error

	// Chat operations. QueryChats makes no ordering promise.
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	QueryChats(ctx context.Context, filter ChatFilter) ([]models.Chat, error)
	UpdateChat(ctx context.Context, id string, patch models.ChatPatch) error
	DeleteChat(ctx context.Context, id string) error

	// Message operations. CreateMessage assigns the id and, for server
	// clock backends, leaves Timestamp nil until it resolves.
	CreateMessage(ctx context.Context, message *models.Message) error
	QueryMessages(ctx context.Context, filter MessageFilter) ([]models.Message, error)
	DeleteMessages(ctx context.Context, chatID string) (int, error)

	Close() error
}

// Subscriber is the optional push capability. Every callback invocation
// carries the entire current matching set, never a delta.
type Subscriber interface {
	SubscribeChats(filter ChatFilter, fn func([]models.Chat)) (Unsubscribe, error)
	SubscribeMessages(filter MessageFilter, fn func([]models.Message)) (Unsubscribe, error)
}

// Unsubscribe stops a subscription.
type Unsubscribe func()

type ChatFilter struct {
	Participant string
	// Limit keeps at most that many chats. Zero means no limit.
	Limit int
}

type MessageFilter struct {
	ChatID string
	// Limit keeps the newest Limit messages. Zero means no limit.
	Limit int
}

type UserFilter struct {
	// Term is matched case-insensitively against username, display name and email.
	Term      string
	ExcludeID string
	Limit     int
}

// Live returns s as a Subscriber when the backend can push snapshots.
func Live(s Store) (Subscriber, bool) {
	sub, ok := s.(Subscriber)
	return sub, ok
}
