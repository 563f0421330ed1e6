package badgerstore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	s, err := New(db, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func messageIDs(messages []models.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func TestCreateAndFindUser(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	alice := &models.User{Username: "Alice", Email: "alice@example.com", DisplayName: "Alice", Password: "hash"}
	req.NoError(s.CreateUser(ctx, alice))
	req.NotEmpty(alice.ID)

	byLogin, err := s.GetUserByLogin(ctx, "alice")
	req.NoError(err)
	req.Equal(alice.ID, byLogin.ID)
	req.Equal("hash", byLogin.Password)

	byEmail, err := s.GetUserByLogin(ctx, "ALICE@example.com")
	req.NoError(err)
	req.Equal(alice.ID, byEmail.ID)

	err = s.CreateUser(ctx, &models.User{Username: "alice", Email: "other@example.com"})
	req.ErrorIs(err, errs.ErrConflict)

	_, err = s.GetUser(ctx, "missing")
	req.ErrorIs(err, errs.ErrNotFound)
}

func TestSearchAndUpdateUser(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	alice := &models.User{Username: "alice", Email: "alice@example.com", DisplayName: "Alice"}
	bob := &models.User{Username: "bob", Email: "bob@example.com", DisplayName: "Bobby"}
	req.NoError(s.CreateUser(ctx, alice))
	req.NoError(s.CreateUser(ctx, bob))

	found, err := s.SearchUsers(ctx, store.UserFilter{Term: "BOB", ExcludeID: alice.ID, Limit: 20})
	req.NoError(err)
	req.Len(found, 1)
	req.Equal(bob.ID, found[0].ID)

	found, err = s.SearchUsers(ctx, store.UserFilter{Term: "example", ExcludeID: alice.ID})
	req.NoError(err)
	req.Len(found, 1)

	name, email := "Bob B.", "bob@new.example.com"
	req.NoError(s.UpdateUser(ctx, bob.ID, models.UserPatch{DisplayName: &name, Email: &email}))
	updated, err := s.GetUserByLogin(ctx, email)
	req.NoError(err)
	req.Equal("Bob B.", updated.DisplayName)

	_, err = s.GetUserByLogin(ctx, "bob@example.com")
	req.ErrorIs(err, errs.ErrNotFound)

	taken := "alice@example.com"
	req.ErrorIs(s.UpdateUser(ctx, bob.ID, models.UserPatch{Email: &taken}), errs.ErrConflict)
}

func TestChatLifecycle(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	chat := &models.Chat{ID: "c1", Name: "Alice & Bob", Participants: []string{"u1", "u2"}, CreatedAt: at, CreatedBy: "u1"}
	req.NoError(s.CreateChat(ctx, chat))
	req.ErrorIs(s.CreateChat(ctx, chat), errs.ErrConflict)

	other := &models.Chat{ID: "c2", Name: "Bob & Carol", Participants: []string{"u2", "u3"}, CreatedAt: at}
	req.NoError(s.CreateChat(ctx, other))

	chats, err := s.QueryChats(ctx, store.ChatFilter{Participant: "u1"})
	req.NoError(err)
	req.Len(chats, 1)
	req.Equal("c1", chats[0].ID)
	req.Equal([]string{"u1", "u2"}, chats[0].Participants)
	req.Nil(chats[0].LastMessageTime)

	chats, err = s.QueryChats(ctx, store.ChatFilter{Participant: "u2"})
	req.NoError(err)
	req.Len(chats, 2)

	lastAt := at.Add(time.Minute)
	req.NoError(s.UpdateChat(ctx, "c1", models.ChatPatch{LastMessage: "hi", LastMessageTime: &lastAt}))
	got, err := s.GetChat(ctx, "c1")
	req.NoError(err)
	req.Equal("hi", got.LastMessage)
	req.NotNil(got.LastMessageTime)
	req.True(lastAt.Equal(*got.LastMessageTime))

	req.ErrorIs(s.UpdateChat(ctx, "missing", models.ChatPatch{}), errs.ErrNotFound)

	req.NoError(s.DeleteChat(ctx, "c1"))
	_, err = s.GetChat(ctx, "c1")
	req.ErrorIs(err, errs.ErrNotFound)
	chats, err = s.QueryChats(ctx, store.ChatFilter{Participant: "u1"})
	req.NoError(err)
	req.Empty(chats)
	req.ErrorIs(s.DeleteChat(ctx, "c1"), errs.ErrNotFound)
}

func TestMessagesAreTimeOrderedWithLimit(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Inserted out of order, with a tie between m2 and m4.
	offsets := map[string]time.Duration{"m3": 3, "m1": 1, "m2": 2, "m4": 2}
	for _, id := range []string{"m3", "m1", "m2", "m4"} {
		ts := at.Add(offsets[id] * time.Second)
		req.NoError(s.CreateMessage(ctx, &models.Message{ID: id, ChatID: "c1", Text: id, Timestamp: &ts}))
	}
	ts := at
	req.NoError(s.CreateMessage(ctx, &models.Message{ID: "x", ChatID: "c2", Timestamp: &ts}))

	messages, err := s.QueryMessages(ctx, store.MessageFilter{ChatID: "c1"})
	req.NoError(err)
	req.Equal([]string{"m1", "m2", "m4", "m3"}, messageIDs(messages))
	req.Equal(models.MessageTypeText, messages[0].MessageType)
	req.True(at.Add(time.Second).Equal(*messages[0].Timestamp))

	messages, err = s.QueryMessages(ctx, store.MessageFilter{ChatID: "c1", Limit: 2})
	req.NoError(err)
	req.Equal([]string{"m4", "m3"}, messageIDs(messages))

	deleted, err := s.DeleteMessages(ctx, "c1")
	req.NoError(err)
	req.Equal(4, deleted)
	messages, err = s.QueryMessages(ctx, store.MessageFilter{ChatID: "c1"})
	req.NoError(err)
	req.Empty(messages)

	messages, err = s.QueryMessages(ctx, store.MessageFilter{ChatID: "c2"})
	req.NoError(err)
	req.Len(messages, 1)
}

func TestMessageWithoutTimestampIsStamped(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	message := &models.Message{ChatID: "c1", Text: "hello"}
	req.NoError(s.CreateMessage(context.Background(), message))
	req.NotEmpty(message.ID)
	req.NotNil(message.Timestamp)
}

func TestDeleteChatDropsRemainingMessages(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	req.NoError(s.CreateChat(ctx, &models.Chat{ID: "c1", Participants: []string{"u1", "u2"}}))
	req.NoError(s.CreateMessage(ctx, &models.Message{ChatID: "c1", Text: "left behind"}))
	req.NoError(s.DeleteChat(ctx, "c1"))

	messages, err := s.QueryMessages(ctx, store.MessageFilter{ChatID: "c1"})
	req.NoError(err)
	req.Empty(messages)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	s, err := New(db, slog.Default())
	req.NoError(err)
	req.NoError(s.Close())

	_, err = s.GetChat(context.Background(), "c1")
	req.ErrorIs(err, errs.ErrStorageUnavailable)
}
