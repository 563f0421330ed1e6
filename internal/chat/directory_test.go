package chat

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/mocks"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/feed"
	"github.com/pliu/chatsync/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestCreateChatDeduplicatesEitherOrder(t *testing.T) {
	req := require.New(t)
	f := newSQLFixture(t)

	first := mustCreateChat(t, f, alice, bob)
	req.Equal("Alice & Bob", first.Name)
	req.Equal([]string{"alice", "bob"}, first.Participants)
	req.Equal("alice", first.CreatedBy)
	req.Empty(first.LastMessage)
	req.True(epoch.Equal(*first.LastMessageTime))

	again := mustCreateChat(t, f, alice, bob)
	reversed := mustCreateChat(t, f, bob, alice)
	req.Equal(first.ID, again.ID)
	req.Equal(first.ID, reversed.ID)

	other := mustCreateChat(t, f, alice, carol)
	req.NotEqual(first.ID, other.ID)
}

func TestCreateChatValidation(t *testing.T) {
	req := require.New(t)
	f := newSQLFixture(t)
	ctx := context.Background()

	_, err := f.directory.CreateChat(ctx, alice, alice)
	req.ErrorIs(err, errs.ErrValidation)
	_, err = f.directory.CreateChat(ctx, alice, identity.Principal{})
	req.ErrorIs(err, errs.ErrValidation)
	_, err = f.directory.CreateGroupChat(ctx, alice, []identity.Principal{alice}, "")
	req.ErrorIs(err, errs.ErrValidation)
}

func TestGroupChatDeduplicatesBySet(t *testing.T) {
	req := require.New(t)
	f := newSQLFixture(t)
	ctx := context.Background()

	group, err := f.directory.CreateGroupChat(ctx, alice, []identity.Principal{bob, carol}, "")
	req.NoError(err)
	req.Equal("Alice, Bob, Carol", group.Name)

	same, err := f.directory.CreateGroupChat(ctx, carol, []identity.Principal{bob, alice, bob}, "Renamed")
	req.NoError(err)
	req.Equal(group.ID, same.ID)

	pair := mustCreateChat(t, f, alice, bob)
	req.NotEqual(group.ID, pair.ID, "a subset is a different chat")
}

func TestListChatsOnlyParticipantNewestFirst(t *testing.T) {
	req := require.New(t)
	f := newSQLFixture(t)
	ctx := context.Background()

	withBob := mustCreateChat(t, f, alice, bob)
	f.clock.Advance(time.Minute)
	withCarol := mustCreateChat(t, f, alice, carol)
	bobCarol := mustCreateChat(t, f, bob, carol)

	chats, err := f.directory.ListChats(ctx, "alice")
	req.NoError(err)
	req.Equal([]string{withCarol.ID, withBob.ID}, chatIDs(chats))

	f.clock.Advance(time.Minute)
	mustAppend(t, f, withBob.ID, bob, "bump")
	chats, err = f.directory.ListChats(ctx, "alice")
	req.NoError(err)
	req.Equal([]string{withBob.ID, withCarol.ID}, chatIDs(chats))

	for _, chat := range chats {
		req.True(chat.HasParticipant("alice"))
		req.NotEqual(bobCarol.ID, chat.ID)
	}

	_, err = f.directory.ListChats(ctx, "")
	req.ErrorIs(err, errs.ErrValidation)
}

func TestDeleteChatCascadesMessages(t *testing.T) {
	req := require.New(t)
	f := newSQLFixture(t)
	ctx := context.Background()

	chat := mustCreateChat(t, f, alice, bob)
	mustAppend(t, f, chat.ID, alice, "one")
	mustAppend(t, f, chat.ID, bob, "two")

	req.NoError(f.directory.DeleteChat(ctx, chat.ID))

	messages, err := f.ledger.ListMessages(ctx, chat.ID)
	req.NoError(err)
	req.Empty(messages)
	_, err = f.directory.GetChat(ctx, chat.ID)
	req.ErrorIs(err, errs.ErrNotFound)
	req.ErrorIs(f.directory.DeleteChat(ctx, chat.ID), errs.ErrNotFound)
}

func TestWatchChatsNeedsPushBackend(t *testing.T) {
	f := newSQLFixture(t)
	_, err := f.directory.WatchChats("alice", func([]models.Chat) {})
	require.ErrorIs(t, err, errs.ErrLiveUnsupported)
}

func TestWatchChatsFollowsProjection(t *testing.T) {
	req := require.New(t)
	inner, err := sqlstore.New("sqlite3", ":memory:")
	req.NoError(err)
	f := newFixture(t, feed.Wrap(inner, slog.Default()), clock.Fake(epoch))
	ctx := context.Background()

	var views [][]models.Chat
	sub, err := f.directory.WatchChats("alice", func(chats []models.Chat) { views = append(views, chats) })
	req.NoError(err)
	req.Len(views, 1)
	req.Empty(views[0])

	older := mustCreateChat(t, f, alice, bob)
	f.clock.Advance(time.Minute)
	newer := mustCreateChat(t, f, alice, carol)
	mustCreateChat(t, f, bob, carol)
	req.Len(views, 3)
	req.Equal([]string{newer.ID, older.ID}, chatIDs(views[2]))

	f.clock.Advance(time.Minute)
	mustAppend(t, f, older.ID, alice, "hello")
	last := views[len(views)-1]
	req.Equal([]string{older.ID, newer.ID}, chatIDs(last))
	req.Equal("hello", last[0].LastMessage)

	sub.Unsubscribe()
	count := len(views)
	req.NoError(f.directory.DeleteChat(ctx, newer.ID))
	req.Len(views, count)
}

func TestCreateChatFailureLeavesNoChat(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockStore(ctrl)
	directory := NewDirectory(mockStore, clock.Fake(epoch), slog.Default(), DefaultOptions())
	down := errs.Unavailable("create chat", errors.New("timeout"))

	mockStore.EXPECT().QueryChats(gomock.Any(), store.ChatFilter{Participant: "alice"}).Return(nil, nil).Times(1)
	mockStore.EXPECT().CreateChat(gomock.Any(), gomock.Any()).Return(down).Times(1)

	_, err := directory.CreateChat(context.Background(), alice, bob)
	req.ErrorIs(err, errs.ErrStorageUnavailable)
}

func TestDeleteChatStopsWhenMessagesCannotBeDeleted(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := mocks.NewMockStore(ctrl)
	directory := NewDirectory(mockStore, clock.Fake(epoch), slog.Default(), DefaultOptions())
	down := errs.Unavailable("delete messages", errors.New("timeout"))

	gomock.InOrder(
		mockStore.EXPECT().GetChat(gomock.Any(), "c1").Return(&models.Chat{ID: "c1"}, nil),
		mockStore.EXPECT().DeleteMessages(gomock.Any(), "c1").Return(0, down),
	)
	mockStore.EXPECT().DeleteChat(gomock.Any(), gomock.Any()).Times(0)

	req.ErrorIs(directory.DeleteChat(context.Background(), "c1"), errs.ErrStorageUnavailable)
}
