// Command chatctl prints the chats of a user, the messages of a chat or
// the users matching a term from a local chatsync store.
//
//	chatctl [flags] chats <user-id>
//	chatctl [flags] messages <chat-id>
//	chatctl [flags] users <term>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pliu/chatsync/internal/chat"
	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/config"
	"github.com/pliu/chatsync/internal/identity"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/pliu/chatsync/internal/store/badgerstore"
	"github.com/pliu/chatsync/internal/store/sqlstore"
	"github.com/spf13/pflag"
)

const timeLayout = "2006-01-02 15:04:05"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	defaults := config.Default()
	flags := pflag.NewFlagSet("chatctl", pflag.ContinueOnError)
	backend := flags.String("store", defaults.StoreBackend, "store backend: sql or badger")
	driver := flags.String("sql-driver", defaults.SQLDriver, "sqlite3 or postgres")
	dsn := flags.String("sql-dsn", defaults.SQLDSN, "SQL data source name")
	badgerPath := flags.String("badger-path", defaults.BadgerPath, "badger directory")
	limit := flags.Int("limit", defaults.MessageLimit, "newest rows to show")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		return errors.New("usage: chatctl [flags] chats|messages|users <id or term>")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := open(*backend, *driver, *dsn, *badgerPath, log)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clk := clock.Real()
	opts := chat.DefaultOptions()
	opts.ChatLimit, opts.MessageLimit = *limit, *limit

	switch command, arg := flags.Arg(0), flags.Arg(1); command {
	case "chats":
		chats, err := chat.NewDirectory(s, clk, log, opts).ListChats(ctx, arg)
		if err != nil {
			return err
		}
		renderChats(out, chats)
	case "messages":
		messages, err := chat.NewLedger(s, clk, log, opts).ListMessages(ctx, arg)
		if err != nil {
			return err
		}
		renderMessages(out, messages)
	case "users":
		users, err := identity.NewProvider(s, clk, log).Search(ctx, arg, "")
		if err != nil {
			return err
		}
		renderUsers(out, users)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func open(backend, driver, dsn, badgerPath string, log *slog.Logger) (store.Store, error) {
	switch backend {
	case config.BackendSQL:
		return sqlstore.New(driver, dsn)
	case config.BackendBadger:
		return badgerstore.Open(badgerPath, log)
	default:
		return nil, fmt.Errorf("store %q cannot be inspected", backend)
	}
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	return table
}

func renderChats(out io.Writer, chats []models.Chat) {
	table := newTable(out, []string{"ID", "Name", "Participants", "Last Message", "At"})
	for _, c := range chats {
		table.Append([]string{c.ID, c.Name, fmt.Sprint(len(c.Participants)), c.LastMessage, formatTime(c.LastMessageTime)})
	}
	table.Render()
}

func renderMessages(out io.Writer, messages []models.Message) {
	table := newTable(out, []string{"At", "Sender", "Type", "Text"})
	for _, m := range messages {
		table.Append([]string{formatTime(m.Timestamp), m.Sender, string(m.MessageType), m.Preview()})
	}
	table.Render()
}

func renderUsers(out io.Writer, users []models.User) {
	table := newTable(out, []string{"ID", "Username", "Display Name", "Email"})
	for _, u := range users {
		table.Append([]string{u.ID, u.Username, u.DisplayName, u.Email})
	}
	table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "pending"
	}
	return t.Local().Format(timeLayout)
}
