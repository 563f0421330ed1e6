package chat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

var (
	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	alice = identity.Principal{ID: "alice", DisplayName: "Alice"}
	bob   = identity.Principal{ID: "bob", DisplayName: "Bob"}
	carol = identity.Principal{ID: "carol", DisplayName: "Carol"}
)

type fixture struct {
	store     store.Store
	clock     *clock.FakeClock
	directory *Directory
	ledger    *Ledger
}

func newFixture(t *testing.T, s store.Store, clk *clock.FakeClock) *fixture {
	t.Helper()
	t.Cleanup(func() { _ = s.Close() })
	opts := DefaultOptions()
	return &fixture{
		store:     s,
		clock:     clk,
		directory: NewDirectory(s, clk, slog.Default(), opts),
		ledger:    NewLedger(s, clk, slog.Default(), opts),
	}
}

func newSQLFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	return newFixture(t, s, clock.Fake(epoch))
}

func messageIDs(messages []models.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func chatIDs(chats []models.Chat) []string {
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids
}

func mustCreateChat(t *testing.T, f *fixture, a, b identity.Principal) models.Chat {
	t.Helper()
	chat, err := f.directory.CreateChat(context.Background(), a, b)
	require.NoError(t, err)
	return chat
}

func mustAppend(t *testing.T, f *fixture, chatID string, sender identity.Principal, text string) models.Message {
	t.Helper()
	message, err := f.ledger.Append(context.Background(), chatID, sender, Draft{Text: text})
	require.NoError(t, err)
	return message
}
