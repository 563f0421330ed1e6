package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

func TestChatctlPrintsChatsAndMessages(t *testing.T) {
	r := require.New(t)
	dsn := filepath.Join(t.TempDir(), "chatsync.db")

	s, err := sqlstore.New("sqlite3", dsn)
	r.NoError(err)
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	opts := chat.DefaultOptions()
	alice := identity.Principal{ID: "alice", DisplayName: "Alice"}
	bob := identity.Principal{ID: "bob", DisplayName: "Bob"}
	c, err := chat.NewDirectory(s, clk, slog.Default(), opts).CreateChat(context.Background(), alice, bob)
	r.NoError(err)
	_, err = chat.NewLedger(s, clk, slog.Default(), opts).Append(context.Background(), c.ID, alice, chat.Draft{Text: "hello there"})
	r.NoError(err)
	r.NoError(s.Close())

	var out bytes.Buffer
	r.NoError(run([]string{"--sql-dsn", dsn, "chats", "alice"}, &out))
	r.Contains(out.String(), "Alice & Bob")
	r.Contains(out.String(), "hello there")

	out.Reset()
	r.NoError(run([]string{"--sql-dsn", dsn, "messages", c.ID}, &out))
	r.Contains(out.String(), "Alice")
	r.Contains(out.String(), "hello there")
}

func TestChatctlRejectsBadUsage(t *testing.T) {
	r := require.New(t)
	dsn := filepath.Join(t.TempDir(), "chatsync.db")

	r.Error(run([]string{"--sql-dsn", dsn, "chats"}, &bytes.Buffer{}))
	r.Error(run([]string{"--sql-dsn", dsn, "rooms", "x"}, &bytes.Buffer{}))
	r.Error(run([]string{"--store", "doc", "chats", "alice"}, &bytes.Buffer{}))
}
