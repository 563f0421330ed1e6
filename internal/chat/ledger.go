package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/live"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

// Draft is a message as submitted by its sender.
type Draft struct {
	Text     string `json:"text" validate:"max=4000"`
	ImageURI string `json:"imageUri" validate:"omitempty,uri"`
}

// Ledger appends messages to chats, keeps the chat projection in step and
// serves ordered message listings and live views.
type Ledger struct {
	store store.Store
	clock clock.Clock
	log   *slog.Logger
	opts  Options

	locksMu sync.Mutex
	locks   map[string]*chatLock

	viewsMu sync.Mutex
	views   map[string]map[*live.Merger[models.Message]]struct{}
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func NewLedger(s store.Store, clk clock.Clock, log *slog.Logger, opts Options) *Ledger {
	return &Ledger{
		store: s,
		clock: clk,
		log:   log,
		opts:  opts,
		locks: make(map[string]*chatLock),
		views: make(map[string]map[*live.Merger[models.Message]]struct{}),
	}
}

// Append stores a message from sender and then points the chat's
// projection at it. Appends to one chat are applied one at a time in the
// order they acquire the chat. The new message shows up in this ledger's
// live views of the chat before Append returns.
//
// A chat that does not exist is reported as a validation error that also
// matches errs.ErrNotFound. When the projection update fails the message
// stays stored and the error is returned.
func (l *Ledger) Append(ctx context.Context, chatID string, sender identity.Principal, draft Draft) (models.Message, error) {
	draft.Text = strings.TrimSpace(draft.Text)
	draft.ImageURI = strings.TrimSpace(draft.ImageURI)
	if chatID == "" {
		return models.Message{}, errs.Validation("chat id is required")
	}
	if sender.ID == "" {
		return models.Message{}, errs.Validation("sender is required")
	}
	if draft.Text == "" && draft.ImageURI == "" {
		return models.Message{}, errs.Validation("message text is empty")
	}
	if err := validate.Struct(draft); err != nil {
		return models.Message{}, errs.Validation("%v", err)
	}

	message, err := l.append(ctx, chatID, sender, draft)
	if message.ID != "" {
		l.publish(message)
	}
	return message, err
}

func (l *Ledger) append(ctx context.Context, chatID string, sender identity.Principal, draft Draft) (models.Message, error) {
	unlock := l.lock(chatID)
	defer unlock()

	chat, err := l.store.GetChat(ctx, chatID)
	if errors.Is(err, errs.ErrNotFound) {
		return models.Message{}, fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	if err != nil {
		return models.Message{}, err
	}
	if !chat.HasParticipant(sender.ID) {
		return models.Message{}, errs.Validation("%s is not a participant of chat %s", sender.ID, chatID)
	}

	now := l.clock.Now()
	message := models.Message{
		ChatID:      chatID,
		Text:        draft.Text,
		Sender:      sender.DisplayName,
		SenderID:    sender.ID,
		Timestamp:   &now,
		ImageURI:    draft.ImageURI,
		MessageType: models.MessageTypeText,
	}
	if draft.ImageURI != "" {
		message.MessageType = models.MessageTypeImage
	}
	if err := l.store.CreateMessage(ctx, &message); err != nil {
		return models.Message{}, err
	}

	patch := models.ChatPatch{LastMessage: message.Preview(), LastMessageTime: message.Timestamp, MessageID: message.ID}
	if err := l.store.UpdateChat(ctx, chatID, patch); err != nil {
		l.log.Error("Projection update failed", "chat", chatID, "message", message.ID, "error", err)
		return message, err
	}
	l.log.Debug("Message appended", "chat", chatID, "message", message.ID, "pending", message.Pending())
	return message, nil
}

// lock serializes appends per chat. The entry is dropped once nobody
// holds or waits for it.
func (l *Ledger) lock(chatID string) func() {
	l.locksMu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.locksMu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.locksMu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, chatID)
		}
		l.locksMu.Unlock()
	}
}

// publish puts a freshly stored message into every live view of its chat.
func (l *Ledger) publish(message models.Message) {
	l.viewsMu.Lock()
	mergers := make([]*live.Merger[models.Message], 0, len(l.views[message.ChatID]))
	for merger := range l.views[message.ChatID] {
		mergers = append(mergers, merger)
	}
	l.viewsMu.Unlock()

	for _, merger := range mergers {
		merger.Put(message)
	}
}

// ListMessages returns the newest messages of the chat, oldest first.
// Messages still waiting for their timestamp come last.
func (l *Ledger) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	if chatID == "" {
		return nil, errs.Validation("chat id is required")
	}
	messages, err := l.store.QueryMessages(ctx, store.MessageFilter{ChatID: chatID, Limit: l.opts.MessageLimit})
	if err != nil {
		return nil, err
	}
	live.SortMessages(messages, l.clock)
	return messages, nil
}

// WatchMessages delivers the chat's sorted messages now and after every
// change until the subscription is cancelled. Messages appended through
// this ledger appear immediately, before the store reports them. fn must
// not append to the same chat.
func (l *Ledger) WatchMessages(chatID string, fn func([]models.Message)) (*live.Subscription, error) {
	if chatID == "" {
		return nil, errs.Validation("chat id is required")
	}
	subscriber, ok := store.Live(l.store)
	if !ok {
		return nil, errs.ErrLiveUnsupported
	}
	filter := store.MessageFilter{ChatID: chatID, Limit: l.opts.MessageLimit}
	merger := live.NewMerger(live.MessageOrder(l.clock), l.clock, l.opts.OverlayTTL)
	view := merger.Subscribe(fn)
	feed := live.NewFeed(merger, func(apply func([]models.Message)) (func(), error) {
		return subscriber.SubscribeMessages(filter, apply)
	})
	if err := feed.Start(); err != nil {
		view.Unsubscribe()
		return nil, err
	}

	l.viewsMu.Lock()
	if l.views[chatID] == nil {
		l.views[chatID] = make(map[*live.Merger[models.Message]]struct{})
	}
	l.views[chatID][merger] = struct{}{}
	l.viewsMu.Unlock()

	return live.NewSubscription(func() {
		l.viewsMu.Lock()
		delete(l.views[chatID], merger)
		if len(l.views[chatID]) == 0 {
			delete(l.views, chatID)
		}
		l.viewsMu.Unlock()
		view.Unsubscribe()
		feed.Close()
	}), nil
}
