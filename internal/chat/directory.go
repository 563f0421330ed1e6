package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/live"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/samber/lo"
)

// Directory owns the set of chats: creation with participant-set dedup,
// listing, live listing and cascade delete.
type Directory struct {
	store store.Store
	clock clock.Clock
	log   *slog.Logger
	opts  Options
}

func NewDirectory(s store.Store, clk clock.Clock, log *slog.Logger, opts Options) *Directory {
	return &Directory{store: s, clock: clk, log: log, opts: opts}
}

// CreateChat returns the chat whose participants are exactly initiator
// and other, creating it when there is none. The lookup and the insert
// are separate store calls, so two concurrent calls for the same pair can
// both create a chat.
func (d *Directory) CreateChat(ctx context.Context, initiator, other identity.Principal) (models.Chat, error) {
	if initiator.ID == "" || other.ID == "" {
		return models.Chat{}, errs.Validation("both participants are required")
	}
	if initiator.ID == other.ID {
		return models.Chat{}, errs.Validation("cannot start a chat with yourself")
	}
	name := initiator.DisplayName + " & " + other.DisplayName
	return d.create(ctx, initiator, []identity.Principal{initiator, other}, name)
}

// CreateGroupChat is CreateChat for more than two participants. An empty
// name joins the display names.
func (d *Directory) CreateGroupChat(ctx context.Context, initiator identity.Principal, others []identity.Principal, name string) (models.Chat, error) {
	if initiator.ID == "" {
		return models.Chat{}, errs.Validation("initiator is required")
	}
	if lo.ContainsBy(others, func(p identity.Principal) bool { return p.ID == "" }) {
		return models.Chat{}, errs.Validation("participant ids must not be empty")
	}
	members := lo.UniqBy(append([]identity.Principal{initiator}, others...), func(p identity.Principal) string { return p.ID })
	if len(members) < 2 {
		return models.Chat{}, errs.Validation("a chat needs at least two participants")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.Join(lo.Map(members, func(p identity.Principal, _ int) string { return p.DisplayName }), ", ")
	}
	return d.create(ctx, initiator, members, name)
}

func (d *Directory) create(ctx context.Context, initiator identity.Principal, members []identity.Principal, name string) (models.Chat, error) {
	ids := lo.Map(members, func(p identity.Principal, _ int) string { return p.ID })

	existing, err := d.store.QueryChats(ctx, store.ChatFilter{Participant: initiator.ID})
	if err != nil {
		return models.Chat{}, err
	}
	if found, ok := lo.Find(existing, func(c models.Chat) bool { return c.SameParticipants(ids) }); ok {
		d.log.Debug("Chat already exists", "chat", found.ID, "participants", ids)
		return found, nil
	}

	now := d.clock.Now()
	chat := models.Chat{
		ID:              uuid.NewString(),
		Name:            name,
		Participants:    ids,
		LastMessageTime: &now,
		CreatedAt:       now,
		CreatedBy:       initiator.ID,
	}
	if err := d.store.CreateChat(ctx, &chat); err != nil {
		return models.Chat{}, err
	}
	d.log.Info("Chat created", "chat", chat.ID, "participants", ids)
	return chat, nil
}

func (d *Directory) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, errs.Validation("chat id is required")
	}
	chat, err := d.store.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	return *chat, nil
}

// ListChats returns the chats userID takes part in, most recent activity
// first.
func (d *Directory) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	if userID == "" {
		return nil, errs.Validation("user id is required")
	}
	chats, err := d.store.QueryChats(ctx, store.ChatFilter{Participant: userID, Limit: d.opts.ChatLimit})
	if err != nil {
		return nil, err
	}
	chats = onlyParticipant(chats, userID)
	live.SortChats(chats, d.clock)
	return chats, nil
}

// WatchChats delivers the sorted chat list of userID now and after every
// change until the subscription is cancelled.
func (d *Directory) WatchChats(userID string, fn func([]models.Chat)) (*live.Subscription, error) {
	if userID == "" {
		return nil, errs.Validation("user id is required")
	}
	subscriber, ok := store.Live(d.store)
	if !ok {
		return nil, errs.ErrLiveUnsupported
	}
	filter := store.ChatFilter{Participant: userID, Limit: d.opts.ChatLimit}
	merger := live.NewMerger(live.ChatOrder(d.clock), d.clock, d.opts.OverlayTTL)
	view := merger.Subscribe(fn)
	feed := live.NewFeed(merger, func(apply func([]models.Chat)) (func(), error) {
		return subscriber.SubscribeChats(filter, func(chats []models.Chat) {
			apply(onlyParticipant(chats, userID))
		})
	})
	if err := feed.Start(); err != nil {
		view.Unsubscribe()
		return nil, err
	}
	return live.NewSubscription(func() {
		view.Unsubscribe()
		feed.Close()
	}), nil
}

// DeleteChat removes the chat's messages and then the chat itself. A
// failure between the two leaves the chat without messages.
func (d *Directory) DeleteChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return errs.Validation("chat id is required")
	}
	if _, err := d.store.GetChat(ctx, chatID); err != nil {
		return err
	}
	deleted, err := d.store.DeleteMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if err := d.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	d.log.Info("Chat deleted", "chat", chatID, "messages", deleted)
	return nil
}

func onlyParticipant(chats []models.Chat, userID string) []models.Chat {
	return lo.Filter(chats, func(c models.Chat, _ int) bool { return c.HasParticipant(userID) })
}
